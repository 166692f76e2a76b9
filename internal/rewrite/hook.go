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

package rewrite

import (
	"bytes"
	"context"
	"io"
	"os/exec"

	"github.com/emersion/go-message/textproto"

	"github.com/courierd/courier/framework/exterrors"
	"github.com/courierd/courier/framework/module"
	"github.com/courierd/courier/internal/check/command"
)

// HookLeg pipes the message through an external MTA hook command and reads
// back a (possibly unchanged) header plus an optional replacement body,
// using check/command's wire convention (command.RunCapture) but outside
// the Check/CheckState interface so ReplaceBody has somewhere to go.
type HookLeg struct {
	Cmd  string
	Args []string
}

func (l *HookLeg) Invoke(ctx context.Context, msgMeta *module.MsgMetadata, header textproto.Header, body []byte) (Modification, error) {
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, header); err != nil {
		return Modification{}, err
	}

	hdr, out, err := command.RunCapture(l.Cmd, l.Args, io.MultiReader(&buf, bytes.NewReader(body)))
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return Modification{Reject: &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
				Message:      "Message rejected due to local policy",
				CheckName:    "rewrite/hook",
				Misc:         map[string]interface{}{"cmd": l.Cmd, "exit_code": exitErr.ExitCode()},
			}}, nil
		}
		return Modification{}, err
	}

	mod := Modification{}
	for fields := hdr.Fields(); fields.Next(); {
		mod.AddHeader = append(mod.AddHeader, HeaderAddition{Name: fields.Key(), Value: fields.Value()})
	}
	if len(out) > 0 {
		mod.ReplaceBody = out
	}
	return mod, nil
}

func (l *HookLeg) Close() error {
	return nil
}
