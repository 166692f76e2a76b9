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

package authagg

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/emersion/go-msgauth/authres"

	"github.com/courierd/courier/internal/arc"
	"github.com/courierd/courier/internal/dmarc"
)

func TestDecide_AllPass(t *testing.T) {
	a := &Aggregate{
		Results: []authres.Result{
			&authres.DKIMResult{Value: authres.ResultPass, Domain: "example.org"},
			&authres.SPFResult{Value: authres.ResultPass},
		},
		ARC:         &arc.ChainResult{Validation: arc.ValidationPass},
		DMARC:       dmarc.EvalResult{Authres: authres.DMARCResult{Value: authres.ResultPass}},
		DMARCPolicy: dmarc.PolicyReject,
	}
	pol := Policy{StrictDKIM: true, StrictARC: true, StrictDMARC: true}
	if err := a.Decide(pol); err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
}

func TestDecide_DKIMStrictFail(t *testing.T) {
	a := &Aggregate{
		Results: []authres.Result{
			&authres.DKIMResult{Value: authres.ResultFail, Domain: "example.org"},
		},
	}
	err := a.Decide(Policy{StrictDKIM: true})
	if err == nil || err.Code != 550 || err.EnhancedCode != [3]int{5, 7, 20} {
		t.Fatalf("expected 550 5.7.20, got %v", err)
	}
}

func TestDecide_DKIMStrictTempError(t *testing.T) {
	a := &Aggregate{
		Results: []authres.Result{
			&authres.DKIMResult{Value: authres.ResultTempError, Domain: "example.org"},
		},
	}
	err := a.Decide(Policy{StrictDKIM: true})
	if err == nil || err.Code != 451 || err.EnhancedCode != [3]int{4, 7, 20} {
		t.Fatalf("expected 451 4.7.20, got %v", err)
	}
}

func TestDecide_DKIMNotStrict_Ignored(t *testing.T) {
	a := &Aggregate{
		Results: []authres.Result{
			&authres.DKIMResult{Value: authres.ResultFail},
		},
	}
	if err := a.Decide(Policy{}); err != nil {
		t.Fatalf("expected no decision without StrictDKIM, got %v", err)
	}
}

func TestDecide_ARCStrictFail(t *testing.T) {
	a := &Aggregate{
		ARC: &arc.ChainResult{Validation: arc.ValidationFail, Err: errors.New("arc: broken link")},
	}
	err := a.Decide(Policy{StrictARC: true})
	if err == nil || err.Code != 550 || err.EnhancedCode != [3]int{5, 7, 29} {
		t.Fatalf("expected 550 5.7.29, got %v", err)
	}
}

func TestDecide_ARCStrictTempErrorOnDNSOutage(t *testing.T) {
	dnsErr := &net.DNSError{IsTemporary: true}
	a := &Aggregate{
		ARC: &arc.ChainResult{
			Validation: arc.ValidationFail,
			Err:        fmt.Errorf("arc: ARC-Message-Signature(i=1): key lookup for sel._domainkey.example.org: %w", dnsErr),
		},
	}
	err := a.Decide(Policy{StrictARC: true})
	if err == nil || err.Code != 451 || err.EnhancedCode != [3]int{4, 7, 29} {
		t.Fatalf("expected 451 4.7.29, got %v", err)
	}
}

func TestDecide_ARCNotStrict_Ignored(t *testing.T) {
	a := &Aggregate{ARC: &arc.ChainResult{Validation: arc.ValidationFail}}
	if err := a.Decide(Policy{}); err != nil {
		t.Fatalf("expected no decision without StrictARC, got %v", err)
	}
}

func TestDecide_DMARCRejectNotPass(t *testing.T) {
	a := &Aggregate{
		DMARC:       dmarc.EvalResult{Authres: authres.DMARCResult{Value: authres.ResultFail, Reason: "No aligned identifiers"}},
		DMARCPolicy: dmarc.PolicyReject,
	}
	err := a.Decide(Policy{StrictDMARC: true})
	if err == nil || err.Code != 550 || err.EnhancedCode != [3]int{5, 7, 1} {
		t.Fatalf("expected 550 5.7.1, got %v", err)
	}
}

func TestDecide_DMARCQuarantinePolicy_NotRejected(t *testing.T) {
	a := &Aggregate{
		DMARC:       dmarc.EvalResult{Authres: authres.DMARCResult{Value: authres.ResultFail}},
		DMARCPolicy: dmarc.PolicyQuarantine,
	}
	if err := a.Decide(Policy{StrictDMARC: true}); err != nil {
		t.Fatalf("expected p=quarantine to not hard-reject, got %v", err)
	}
}

func TestHeader_IncludesARCAndDMARC(t *testing.T) {
	a := &Aggregate{
		Results: []authres.Result{
			&authres.DKIMResult{Value: authres.ResultPass, Domain: "example.org"},
		},
		ARC:   &arc.ChainResult{Validation: arc.ValidationPass},
		DMARC: dmarc.EvalResult{Authres: authres.DMARCResult{Value: authres.ResultPass, From: "example.org"}},
	}
	hdr := a.Header("mx.example.com")
	if hdr == "" {
		t.Fatal("expected non-empty header")
	}
	if !strings.Contains(hdr, "arc=pass") {
		t.Fatalf("expected header to contain arc=pass, got %q", hdr)
	}
	if !strings.Contains(hdr, "dmarc=pass") {
		t.Fatalf("expected header to contain dmarc=pass, got %q", hdr)
	}
}
