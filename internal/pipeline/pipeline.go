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

// Package pipeline runs the DATA-phase content pipeline: the sequence of
// authentication checks, trace headers, content rewriting and signing a
// message goes through between the moment its bytes are fully buffered and
// the moment it is handed to a delivery target's Body/Commit.
//
// Routing (which target a message goes to) is msgpipeline's job; this
// package only ever sees a message already matched to one delivery and
// works entirely in terms of its header and body.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	rtrace "runtime/trace"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dkim"
	"blitiri.com.ar/go/spf"

	"github.com/courierd/courier/framework/address"
	"github.com/courierd/courier/framework/buffer"
	"github.com/courierd/courier/framework/config"
	modconfig "github.com/courierd/courier/framework/config/module"
	"github.com/courierd/courier/framework/dns"
	"github.com/courierd/courier/framework/exterrors"
	"github.com/courierd/courier/framework/log"
	"github.com/courierd/courier/framework/module"
	"github.com/courierd/courier/internal/arc"
	"github.com/courierd/courier/internal/authagg"
	"github.com/courierd/courier/internal/dmarc"
	dkimmod "github.com/courierd/courier/internal/modify/dkim"
	"github.com/courierd/courier/internal/rewrite"
	"github.com/courierd/courier/internal/script"
	"github.com/courierd/courier/internal/trace"
)

// Decision is what Run produces for the caller to act on: either a rejection
// (the client sees an error reply and nothing is queued), a request to
// report success without queuing (the script stage's discard verdict), or
// the finalized header/body the caller should now pass to Delivery.Body.
type Decision struct {
	Header  textproto.Header
	Body    buffer.Buffer
	Discard bool
}

// Orchestrator holds every stage's configuration, built once per listener
// and reused (concurrency-safely; every per-message working state lives in
// a local run, not on the Orchestrator) across every accepted message.
type Orchestrator struct {
	Hostname string
	Resolver dns.Resolver
	Log      log.Logger

	MaxReceived int

	AuthPolicy authagg.Policy

	Bus    *rewrite.Bus
	Script *script.Stage

	// Signer is optional: both outbound DKIM signing (RewriteBody) and ARC
	// sealing (SealARC) are driven off it when set, nil otherwise.
	Signer *dkimmod.Modifier
}

// New returns an Orchestrator with no rewrite legs, no script and no
// signer configured; Init fills those in from config, but a caller can
// also set them directly for tests.
func New(hostname string, resolver dns.Resolver) *Orchestrator {
	return &Orchestrator{
		Hostname: hostname,
		Resolver: resolver,
		Log:      log.Logger{Name: "pipeline"},
		MaxReceived: 100,
		AuthPolicy:  authagg.Policy{},
	}
}

// Init reads the pipeline block's directives: which milter/hook legs feed
// the rewrite bus, the scripting chunk (if any), the strict-auth flags and
// an optional reference to a modify.dkim instance used for both signing and
// ARC sealing.
func (o *Orchestrator) Init(cfg *config.Map) error {
	var (
		milterEndpoint string
		hookCmd        []string
		scriptSource   string
		signerMod      module.Modifier
	)

	cfg.Int("max_received", false, false, 100, &o.MaxReceived)
	cfg.Bool("require_dkim", false, false, &o.AuthPolicy.StrictDKIM)
	cfg.Bool("require_arc", false, false, &o.AuthPolicy.StrictARC)
	cfg.Bool("require_dmarc", false, false, &o.AuthPolicy.StrictDMARC)
	cfg.String("milter", false, false, "", &milterEndpoint)
	cfg.StringList("hook", false, false, nil, &hookCmd)
	cfg.String("script", false, false, "", &scriptSource)
	cfg.Custom("sign_dkim", false, false,
		func() (interface{}, error) { return nil, nil },
		func(m *config.Map, node config.Node) (interface{}, error) {
			return modconfig.MsgModifier(m.Globals, node.Args, node)
		}, &signerMod)

	if _, err := cfg.Process(); err != nil {
		return err
	}

	var legs []rewrite.Leg
	if milterEndpoint != "" {
		endp, err := config.ParseEndpoint(milterEndpoint)
		if err != nil {
			return fmt.Errorf("pipeline: milter endpoint: %w", err)
		}
		legs = append(legs, rewrite.NewMilterLeg(endp.Network(), endp.Address()))
	}
	if len(hookCmd) != 0 {
		legs = append(legs, &rewrite.HookLeg{Cmd: hookCmd[0], Args: hookCmd[1:]})
	}
	if len(legs) != 0 {
		o.Bus = &rewrite.Bus{Legs: legs, Log: log.Logger{Name: "pipeline/rewrite"}}
	}

	if scriptSource != "" {
		o.Script = script.Load(scriptSource)
	}

	if signerMod != nil {
		dm, ok := signerMod.(*dkimmod.Modifier)
		if !ok {
			return fmt.Errorf("pipeline: sign_dkim must reference a modify.dkim instance")
		}
		o.Signer = dm
	}

	return nil
}

// run carries the per-message working state through the stages; nothing in
// it is shared across messages.
type run struct {
	o       *Orchestrator
	ctx     context.Context
	msgMeta *module.MsgMetadata

	header textproto.Header
	body   []byte

	authResults []authres.Result
	arcResult   *arc.ChainResult
	dmarcResult dmarc.EvalResult
	dmarcPolicy dmarc.Policy

	quarantine bool
}

// Run drives header/body through every content stage in order, stopping at
// the first one that rejects the message. On success, Decision carries the
// header/body the caller should now commit to the delivery target; Run
// itself never touches Delivery.
func (o *Orchestrator) Run(ctx context.Context, msgMeta *module.MsgMetadata, header textproto.Header, body buffer.Buffer) (Decision, *exterrors.SMTPError) {
	defer rtrace.StartRegion(ctx, "pipeline/Run").End()

	raw, err := readAll(body)
	if err != nil {
		return Decision{}, internalErrorReply("read body", err)
	}

	r := &run{o: o, ctx: ctx, msgMeta: msgMeta, header: header, body: raw}

	if reply := r.checkLoop(); reply != nil {
		return Decision{}, reply
	}

	dmarcVerifier := dmarc.NewVerifier(o.Resolver)
	defer dmarcVerifier.Close()
	dmarcVerifier.FetchRecord(ctx, r.header)

	r.verifyDKIM()
	r.verifySPF()
	r.verifyARC()
	r.applyDMARC(dmarcVerifier)

	agg := authagg.Aggregate{
		Results:     r.authResults,
		ARC:         r.arcResult,
		DMARC:       r.dmarcResult,
		DMARCPolicy: r.dmarcPolicy,
	}
	if reply := agg.Decide(o.AuthPolicy); reply != nil {
		return Decision{}, reply
	}

	authservResults := agg.Header(o.Hostname)
	r.prependTraceHeaders()

	if o.Signer != nil && r.arcResult != nil && r.arcResult.CanBeSealed {
		lines, err := o.Signer.SealARC(&r.header, r.body, o.Hostname, r.arcResult.Validation, authservResults)
		if err != nil {
			o.Log.Error("arc seal failed, continuing without sealing", err, "msg_id", msgMeta.ID)
		} else {
			for i := len(lines) - 1; i >= 0; i-- {
				r.header.AddRaw([]byte(lines[i]))
			}
		}
	}

	if o.Bus != nil {
		res, reply := o.Bus.Apply(ctx, msgMeta, r.header, r.body)
		if reply != nil {
			return Decision{}, reply
		}
		r.header = res.Header
		r.body = res.Body
		if res.Quarantine {
			r.quarantine = true
		}
	}

	if o.Script != nil {
		verdict, err := o.Script.Run(r.scriptVars(), r.body)
		if err != nil {
			return Decision{}, internalErrorReply("script", err)
		}
		switch verdict.Verdict {
		case script.Reject:
			return Decision{}, scriptRejection(verdict.Reason)
		case script.Discard:
			msgMeta.Quarantine = r.quarantine
			return Decision{Discard: true}, nil
		case script.Replace:
			r.body = verdict.Body
		}
	}

	if o.Signer != nil {
		state, err := o.Signer.ModStateForMsg(ctx, msgMeta)
		if err != nil {
			return Decision{}, internalErrorReply("dkim sign", err)
		}
		defer state.Close()

		signBuf := buffer.NewBytesReader(r.body)
		if err := state.RewriteBody(ctx, &r.header, signBuf); err != nil {
			o.Log.Error("dkim signing failed, continuing unsigned", err, "msg_id", msgMeta.ID)
		}
	}

	msgMeta.Quarantine = r.quarantine

	return Decision{Header: r.header, Body: buffer.NewBytesReader(r.body)}, nil
}

func readAll(body buffer.Buffer) ([]byte, error) {
	rdr, err := body.Open()
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	return io.ReadAll(rdr)
}

func (r *run) checkLoop() *exterrors.SMTPError {
	count := 0
	for f := r.header.FieldsByKey("Received"); f.Next(); {
		count++
	}
	if count > r.o.MaxReceived {
		return loopDetectedReply(count)
	}
	return nil
}

func (r *run) verifyDKIM() {
	if !r.header.Has("DKIM-Signature") {
		r.authResults = append(r.authResults, &authres.DKIMResult{Value: authres.ResultNone})
		return
	}

	var hdrBuf bytes.Buffer
	_ = textproto.WriteHeader(&hdrBuf, r.header)

	verifications, err := dkim.VerifyWithOptions(io.MultiReader(&hdrBuf, bytes.NewReader(r.body)), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return r.o.Resolver.LookupTXT(r.ctx, domain)
		},
	})
	if err != nil {
		r.authResults = append(r.authResults, &authres.DKIMResult{
			Value:  authres.ResultTempError,
			Reason: err.Error(),
		})
		return
	}

	for _, v := range verifications {
		val := authres.ResultPass
		reason := ""
		if v.Err != nil {
			val = authres.ResultFail
			reason = strings.TrimPrefix(v.Err.Error(), "dkim: ")
			if dkim.IsPermFail(v.Err) {
				val = authres.ResultPermError
			}
			if dkim.IsTempFail(v.Err) {
				val = authres.ResultTempError
			}
		}
		r.authResults = append(r.authResults, &authres.DKIMResult{
			Value:      val,
			Reason:     reason,
			Domain:     v.Domain,
			Identifier: v.Identifier,
		})
	}
}

// verifySPF checks the envelope sender against the connecting IP directly,
// the same blitiri.com.ar/go/spf call check.spf drives, so DMARC alignment
// has a real SPF result to evaluate even when check.spf isn't configured
// in the routing pipeline for this listener.
func (r *run) verifySPF() {
	msgMeta := r.msgMeta
	if msgMeta.Conn == nil || msgMeta.OriginalFrom == "" {
		return
	}
	ip, ok := msgMeta.Conn.RemoteAddr.(*net.TCPAddr)
	if !ok {
		return
	}

	_, fromDomain, err := address.Split(msgMeta.OriginalFrom)
	if err != nil {
		return
	}

	res, err := spf.CheckHostWithSender(ip.IP, dns.FQDN(msgMeta.Conn.Hostname), msgMeta.OriginalFrom,
		spf.WithContext(r.ctx), spf.WithResolver(r.o.Resolver))

	spfRes := &authres.SPFResult{
		Helo: msgMeta.Conn.Hostname,
		From: fromDomain,
	}
	switch res {
	case spf.Pass:
		spfRes.Value = authres.ResultPass
	case spf.Fail:
		spfRes.Value = authres.ResultFail
	case spf.SoftFail:
		spfRes.Value = authres.ResultSoftFail
	case spf.Neutral:
		spfRes.Value = authres.ResultNeutral
	case spf.TempError:
		spfRes.Value = authres.ResultTempError
	case spf.PermError:
		spfRes.Value = authres.ResultPermError
	default:
		spfRes.Value = authres.ResultNone
	}
	if err != nil {
		spfRes.Reason = err.Error()
	}
	r.authResults = append(r.authResults, spfRes)
}

func (r *run) verifyARC() {
	res, err := arc.Verify(r.ctx, r.o.Resolver, &r.header, r.body)
	if err != nil {
		r.arcResult = &arc.ChainResult{Validation: arc.ValidationFail, Err: err}
		return
	}
	r.arcResult = res
}

func (r *run) applyDMARC(v *dmarc.Verifier) {
	r.dmarcResult, r.dmarcPolicy = v.Apply(r.authResults)
}

// prependTraceHeaders adds Received-SPF, the one trace field nothing else
// in the delivery path produces; Received and Authentication-Results are
// stamped downstream by the routing pipeline's own delivery wrapper once a
// target is committed to, so adding them here too would double them up.
func (r *run) prependTraceHeaders() {
	msgMeta := r.msgMeta

	var spfResult *authres.SPFResult
	for _, res := range r.authResults {
		if spf, ok := res.(*authres.SPFResult); ok {
			spfResult = spf
			break
		}
	}
	if spfResult == nil {
		return
	}

	clientIP := ""
	if msgMeta.Conn != nil && msgMeta.Conn.RemoteAddr != nil {
		clientIP = msgMeta.Conn.RemoteAddr.String()
	}
	spfField := trace.ReceivedSPF(string(spfResult.Value), r.o.Hostname, clientIP, msgMeta.OriginalFrom, spfResult.Helo)
	r.header.AddRaw([]byte("Received-SPF: " + spfField + "\r\n"))
}

func (r *run) scriptVars() script.Vars {
	dkimResult := "none"
	var domains []string
	for _, res := range r.authResults {
		dr, ok := res.(*authres.DKIMResult)
		if !ok {
			continue
		}
		if dr.Value == authres.ResultPass {
			dkimResult = "pass"
			domains = append(domains, dr.Domain)
		} else if dkimResult != "pass" {
			dkimResult = "fail"
		}
	}

	arcResult := "none"
	if r.arcResult != nil {
		arcResult = string(r.arcResult.Validation)
	}

	return script.Vars{
		ARCResult:   arcResult,
		DKIMResult:  dkimResult,
		DKIMDomains: domains,
		DMARCResult: string(r.dmarcResult.Authres.Value),
		DMARCPolicy: string(r.dmarcPolicy),
	}
}
