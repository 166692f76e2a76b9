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

package dkim

import (
	"fmt"

	"github.com/emersion/go-message/textproto"

	"github.com/courierd/courier/framework/dns"
	"github.com/courierd/courier/internal/arc"
)

// SealARC adds the next ARC instance to h using the same per-domain keys
// RewriteBody signs DKIM-Signature with. It is called directly by the
// pipeline orchestrator rather than through ModStateForMsg/RewriteBody,
// since sealing needs the chain-verification verdict and aggregated
// Authentication-Results text RewriteBody's interface has no room for.
//
// domain is the relay's own signing domain (not the envelope sender's),
// matching RFC 8617's model of ARC as a per-hop seal rather than an
// author-domain signature.
func (m *Modifier) SealARC(h *textproto.Header, body []byte, domain string, validation arc.Validation, authservResults string) ([]string, error) {
	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		return nil, fmt.Errorf("modify.dkim: seal arc: %w", err)
	}
	signer := m.signers[normDomain]
	if signer == nil {
		return nil, fmt.Errorf("modify.dkim: seal arc: no key for domain %s", normDomain)
	}

	return arc.Seal(h, body, arc.SealInput{
		Signer:          signer,
		Domain:          domain,
		Selector:        m.selector,
		HeaderCanon:     arc.Canonicalization(m.headerCanon),
		BodyCanon:       arc.Canonicalization(m.bodyCanon),
		HeaderKeys:      m.fieldsToSign(h),
		ResultsAuthserv: authservResults,
		Validation:      validation,
	})
}
