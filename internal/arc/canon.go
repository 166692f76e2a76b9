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

package arc

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
)

// Canonicalization reuses go-msgauth's dkim.Canonicalization enum so the
// "header_canon"/"body_canon" directives read the same way for ARC sealing
// as they do for modify.dkim, even though the canonicalization math below is
// our own (RFC 6376 §3.4, shared verbatim by RFC 8617).
type Canonicalization = dkim.Canonicalization

var wsRun = regexp.MustCompile(`[ \t]+`)

func canonBody(body []byte, c Canonicalization) []byte {
	if c == dkim.CanonicalizationSimple {
		body = bytes.TrimRight(body, "\r\n")
		if len(body) == 0 {
			return []byte("\r\n")
		}
		return append(body, '\r', '\n')
	}

	lines := bytes.Split(body, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		line = bytes.TrimSuffix(line, []byte("\r"))
		line = wsRun.ReplaceAll(line, []byte(" "))
		line = bytes.TrimRight(line, " \t")
		out = append(out, line)
	}
	for len(out) > 0 && len(out[len(out)-1]) == 0 {
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return []byte("\r\n")
	}
	return append(bytes.Join(out, []byte("\r\n")), '\r', '\n')
}

func canonHeaderValue(value string, c Canonicalization) string {
	if c == dkim.CanonicalizationSimple {
		return value
	}
	value = strings.ReplaceAll(value, "\r\n ", " ")
	value = strings.ReplaceAll(value, "\r\n\t", " ")
	value = wsRun.ReplaceAllString(value, " ")
	return strings.TrimSpace(value)
}

// canonHeaderField formats one signed header ("name: value\r\n") under the
// given canonicalization, the unit the ARC-Message-Signature hash and the
// ARC-Seal hash are both built from.
func canonHeaderField(name, value string, c Canonicalization) string {
	if c == dkim.CanonicalizationSimple {
		return fmt.Sprintf("%s: %s\r\n", name, value)
	}
	return fmt.Sprintf("%s:%s\r\n", strings.ToLower(name), canonHeaderValue(value, c))
}

// fieldValue returns the raw value of the first occurrence of name on h, in
// the exact bytes as received (no unfolding beyond what textproto already
// does), or "" if absent.
func fieldValue(h *textproto.Header, name string) string {
	fields := h.FieldsByKey(name)
	if !fields.Next() {
		return ""
	}
	return fields.Value()
}
