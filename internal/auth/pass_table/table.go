/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package pass_table implements a credential checker backed by any
// module.Table (static map, file, SQL table, ...), comparing the password
// supplied by the client against the value looked up for the username.
package pass_table

import (
	"context"

	"github.com/courierd/courier/framework/config"
	modconfig "github.com/courierd/courier/framework/config/module"
	"github.com/courierd/courier/framework/module"
)

const modName = "auth.pass_table"

type Auth struct {
	instName   string
	inlineArgs []string

	table module.Table
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	return &Auth{
		instName:   instName,
		inlineArgs: inlineArgs,
	}, nil
}

func (a *Auth) Init(cfg *config.Map) error {
	if len(a.inlineArgs) != 0 {
		return modconfig.ModuleFromNode("table", a.inlineArgs, cfg.Block, cfg.Globals, &a.table)
	}

	cfg.Custom("table", false, true, nil, modconfig.TableDirective, &a.table)
	_, err := cfg.Process()
	return err
}

func (a *Auth) Name() string         { return modName }
func (a *Auth) InstanceName() string { return a.instName }

func (a *Auth) AuthPlain(username, password string) error {
	val, ok, err := a.table.Lookup(context.Background(), username)
	if err != nil {
		return err
	}
	if !ok || val != password {
		return module.ErrUnknownCredentials
	}
	return nil
}

func init() {
	module.Register(modName, New)
}
