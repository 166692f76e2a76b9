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

// Package arc implements ARC (Authenticated Received Chain, RFC 8617) chain
// verification and sealing.
//
// go-msgauth has no ARC support (its dkim package only ever reads/writes the
// DKIM-Signature header), so the canonicalization, key lookup and signing
// logic here is written against the RFC directly, following the same shape
// internal/check/dkim and internal/modify/dkim use for the DKIM case.
package arc

import (
	"strconv"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// Validation is the outcome of verifying an ARC chain, reported as the
// cv= tag on the next ARC-Seal a relay adds.
type Validation string

const (
	ValidationNone Validation = "none"
	ValidationPass Validation = "pass"
	ValidationFail Validation = "fail"
)

// MaxInstances bounds the chain length a verifier will walk. RFC 8617 does
// not mandate a specific limit; 50 is generous for any legitimate mailing
// list / forwarding chain and keeps a malformed or adversarial chain from
// costing unbounded verification work.
const MaxInstances = 50

// set is one ARC header triple (instance i), as found on the message.
type set struct {
	instance int
	seal     string
	ams      string
	aar      string
}

// extractSets collects the ARC-Seal/-Message-Signature/-Authentication-Results
// triples present on header, ordered by instance ascending. A message with
// no ARC headers yields a nil slice.
func extractSets(h *textproto.Header) []*set {
	byInstance := map[int]*set{}

	collect := func(key string, assign func(s *set, v string)) {
		for fields := h.FieldsByKey(key); fields.Next(); {
			v := fields.Value()
			params := parseParams(v)
			i, err := strconv.Atoi(params["i"])
			if err != nil {
				continue
			}
			s, ok := byInstance[i]
			if !ok {
				s = &set{instance: i}
				byInstance[i] = s
			}
			assign(s, v)
		}
	}

	collect("Arc-Seal", func(s *set, v string) { s.seal = v })
	collect("Arc-Message-Signature", func(s *set, v string) { s.ams = v })
	collect("Arc-Authentication-Results", func(s *set, v string) { s.aar = v })

	if len(byInstance) == 0 {
		return nil
	}

	sets := make([]*set, 0, len(byInstance))
	for _, s := range byInstance {
		sets = append(sets, s)
	}
	for i := 0; i < len(sets)-1; i++ {
		for j := i + 1; j < len(sets); j++ {
			if sets[i].instance > sets[j].instance {
				sets[i], sets[j] = sets[j], sets[i]
			}
		}
	}
	return sets
}

// nextInstance returns the instance number a newly added ARC set should use.
func nextInstance(h *textproto.Header) int {
	sets := extractSets(h)
	if len(sets) == 0 {
		return 1
	}
	return sets[len(sets)-1].instance + 1
}

func parseParams(header string) map[string]string {
	params := make(map[string]string)

	header = strings.ReplaceAll(header, "\r\n", "")
	header = strings.ReplaceAll(header, "\n", "")
	header = strings.ReplaceAll(header, "\t", " ")

	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, "=")
		if idx == -1 {
			continue
		}
		tag := strings.TrimSpace(part[:idx])
		val := strings.TrimSpace(part[idx+1:])
		params[tag] = val
	}
	return params
}
