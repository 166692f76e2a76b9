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

// Package authagg combines the independent DKIM, ARC, SPF and DMARC
// verdicts gathered for a message into a single Authentication-Results
// header value and a single accept/reject decision.
//
// check.dkim and check.spf already apply their own per-result FailAction
// to decide whether a bad signature or SPF result rejects the message on
// its own; Aggregate sits above that, for the stricter all-or-nothing
// policy a deployment can opt into ("reject if DKIM/ARC/DMARC don't land
// on pass", independent of what the individual checks were configured to
// do with their own result).
package authagg

import (
	"errors"
	"net"

	"github.com/emersion/go-msgauth/authres"

	"github.com/courierd/courier/framework/exterrors"
	"github.com/courierd/courier/internal/arc"
	"github.com/courierd/courier/internal/dmarc"
	"github.com/courierd/courier/internal/trace"
)

// Aggregate holds every authentication mechanism's verdict for one
// message, gathered by the pipeline before trace headers are emitted.
type Aggregate struct {
	// Results carries the DKIM and SPF authres.Result values produced by
	// check.dkim/check.spf's CheckBody (one *authres.DKIMResult per
	// signature, one *authres.SPFResult).
	Results []authres.Result

	// ARC is nil if no ARC verification was attempted (e.g. the message
	// had no ARC sets and sealing is disabled).
	ARC *arc.ChainResult

	// DMARC is the zero value if no RFC5322.From domain could be
	// extracted or no DMARC record was published.
	DMARC       dmarc.EvalResult
	DMARCPolicy dmarc.Policy
}

// Policy selects which mechanisms a strict-reject decision is based on.
// Each flag is independent: a deployment may require DMARC alignment
// without also requiring every DKIM signature to pass, for example.
type Policy struct {
	StrictDKIM  bool
	StrictARC   bool
	StrictDMARC bool
}

// Header renders the combined Authentication-Results value for
// hostname, including the arc= clause go-msgauth's authres package has
// no type for.
func (a *Aggregate) Header(hostname string) string {
	results := a.Results
	if a.DMARC.Authres.Value != "" {
		dmarcRes := a.DMARC.Authres
		results = append(append([]authres.Result{}, results...), &dmarcRes)
	}

	hdr := trace.AuthenticationResults(hostname, results)
	if a.ARC == nil {
		return hdr
	}
	return hdr + "; arc=" + string(a.ARC.Validation)
}

// Decide applies pol to the aggregated verdicts, returning nil to accept
// the message or the SMTP reply to send instead. Checks run in a fixed
// order (DKIM, then ARC, then DMARC) and the first failing one wins; a
// message can only be rejected once, so the order only affects which
// reason text the client sees.
func (a *Aggregate) Decide(pol Policy) *exterrors.SMTPError {
	if pol.StrictDKIM {
		if err := a.decideDKIM(); err != nil {
			return err
		}
	}
	if pol.StrictARC {
		if err := a.decideARC(); err != nil {
			return err
		}
	}
	if pol.StrictDMARC {
		if err := a.decideDMARC(); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregate) decideDKIM() *exterrors.SMTPError {
	present := false
	passed := false
	tempErr := false
	for _, res := range a.Results {
		dkimRes, ok := res.(*authres.DKIMResult)
		if !ok {
			continue
		}
		present = true
		switch dkimRes.Value {
		case authres.ResultPass:
			passed = true
		case authres.ResultTempError:
			tempErr = true
		}
	}
	if !present || passed {
		return nil
	}
	if tempErr {
		return &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 20},
			Message:      "No passing DKIM signatures found.",
			CheckName:    "authagg",
		}
	}
	return &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 20},
		Message:      "No passing DKIM signatures found.",
		CheckName:    "authagg",
	}
}

func (a *Aggregate) decideARC() *exterrors.SMTPError {
	if a.ARC == nil || a.ARC.Validation != arc.ValidationFail {
		return nil
	}
	if isTemporaryLookupErr(a.ARC.Err) {
		return &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 29},
			Message:      "ARC validation failed.",
			CheckName:    "authagg",
			Err:          a.ARC.Err,
		}
	}
	return &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 29},
		Message:      "ARC validation failed.",
		CheckName:    "authagg",
		Err:          a.ARC.Err,
	}
}

func (a *Aggregate) decideDMARC() *exterrors.SMTPError {
	if a.DMARCPolicy != dmarc.PolicyReject {
		return nil
	}
	switch a.DMARC.Authres.Value {
	case authres.ResultPass, authres.ResultNone, "":
		return nil
	case authres.ResultTempError:
		return &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
			Message:      "Email temporarily rejected per DMARC policy.",
			CheckName:    "authagg",
		}
	default:
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      "Email rejected per DMARC policy.",
			CheckName:    "authagg",
			Misc:         map[string]interface{}{"reason": a.DMARC.Authres.Reason},
		}
	}
}

// isTemporaryLookupErr reports whether err came from a DNS failure rather
// than a structural/cryptographic one, so decideARC can tell an outage
// apart from an actually broken chain. arc.Verify wraps the resolver's
// error with %w all the way up, so errors.As reaches the underlying
// *net.DNSError regardless of how many ARC sets it passed through.
func isTemporaryLookupErr(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.Temporary()
}
