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

// Package authz implements normalization of authentication identities
// presented by SMTP clients before they are used in policy decisions
// (Received field PROTO selection, Authentication-Results).
package authz

import (
	"strings"

	"golang.org/x/text/secure/precis"

	"github.com/courierd/courier/framework/address"
)

// NormalizeFunc maps a raw SASL identity to its canonical form.
type NormalizeFunc func(string) (string, error)

// NormalizeFuncs is the registry of normalization functions usable in the
// auth_map_normalize directive.
var NormalizeFuncs = map[string]NormalizeFunc{
	"precis_casefold_email": address.PRECISFold,
	"precis_casefold":       precis.UsernameCaseMapped.CompareKey,
	"precis_email":          address.PRECIS,
	"precis":                precis.UsernameCasePreserved.CompareKey,
	"casefold": func(s string) (string, error) {
		return strings.ToLower(s), nil
	},
	"noop": func(s string) (string, error) {
		return s, nil
	},
}

// NormalizeAuto is the default normalization function, picked to be safe for
// both email-like and plain usernames.
const NormalizeAuto = "precis_casefold_email"
