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

// Package script runs a Lua program over the pipeline's aggregated
// authentication verdicts near the end of the DATA phase, letting a
// deployment make a final accept/replace/reject/discard decision without
// recompiling anything.
package script

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/emersion/go-msgauth/authres"

	"github.com/courierd/courier/framework/exterrors"
)

// Verdict is the Lua program's decision.
type Verdict int

const (
	// Accept continues the pipeline unchanged.
	Accept Verdict = iota
	// Replace substitutes the message body with Body.
	Replace
	// Reject stops the pipeline with a 5xx SMTP reply.
	Reject
	// Discard tells the caller to report success to the client without
	// actually queuing the message.
	Discard
)

// Result is what Run returns: a verdict plus whatever data it carries.
type Result struct {
	Verdict Verdict
	Body    []byte
	Reason  string
}

// Vars is the dynamic variable bag exposed to the script as the global
// table "msg": the aggregated ARC/DKIM/DMARC verdicts the pipeline
// computed before invoking this stage.
type Vars struct {
	ARCResult string // "none" | "pass" | "fail"

	DKIMResult string // "pass" | "fail" | "none" (worst-case across all signatures)
	// DKIMDomains lists the (lowercased) d= domains of signatures that
	// passed verification.
	DKIMDomains []string

	DMARCResult string // "pass" | "fail" | "none" | "temperror" | "permerror"
	DMARCPolicy string // "none" | "quarantine" | "reject"
}

func authresLower(v authres.ResultValue) string {
	return strings.ToLower(string(v))
}

// Stage holds a compiled Lua chunk, re-executed in a fresh lua.LState per
// message: *lua.LState is not safe for concurrent reuse across messages.
type Stage struct {
	source string
}

// Load compiles source (not yet executed) into a Stage.
func Load(source string) *Stage {
	return &Stage{source: source}
}

// Run executes the chunk against vars and the message body, returning the
// script's verdict. A Lua runtime error is reported as an
// *exterrors.SMTPError rather than panicking the pipeline.
func (s *Stage) Run(vars Vars, body []byte) (Result, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	defer L.Close()

	msg := L.NewTable()
	arcT := L.NewTable()
	arcT.RawSetString("result", lua.LString(vars.ARCResult))
	msg.RawSetString("arc", arcT)

	dkimT := L.NewTable()
	dkimT.RawSetString("result", lua.LString(vars.DKIMResult))
	domains := L.NewTable()
	for i, d := range vars.DKIMDomains {
		domains.RawSetInt(i+1, lua.LString(strings.ToLower(d)))
	}
	dkimT.RawSetString("domains", domains)
	msg.RawSetString("dkim", dkimT)

	dmarcT := L.NewTable()
	dmarcT.RawSetString("result", lua.LString(vars.DMARCResult))
	dmarcT.RawSetString("policy", lua.LString(vars.DMARCPolicy))
	msg.RawSetString("dmarc", dmarcT)

	msg.RawSetString("body", lua.LString(body))

	L.SetGlobal("msg", msg)

	accept := func(L *lua.LState) int { L.Push(lua.LString("accept")); return 1 }
	replace := func(L *lua.LState) int {
		newBody := L.CheckString(1)
		tbl := L.NewTable()
		tbl.RawSetString("verdict", lua.LString("replace"))
		tbl.RawSetString("body", lua.LString(newBody))
		L.Push(tbl)
		return 1
	}
	reject := func(L *lua.LState) int {
		reason := L.OptString(1, "rejected by script")
		tbl := L.NewTable()
		tbl.RawSetString("verdict", lua.LString("reject"))
		tbl.RawSetString("reason", lua.LString(reason))
		L.Push(tbl)
		return 1
	}
	discard := func(L *lua.LState) int {
		tbl := L.NewTable()
		tbl.RawSetString("verdict", lua.LString("discard"))
		L.Push(tbl)
		return 1
	}
	L.SetGlobal("accept", L.NewFunction(accept))
	L.SetGlobal("replace", L.NewFunction(replace))
	L.SetGlobal("reject", L.NewFunction(reject))
	L.SetGlobal("discard", L.NewFunction(discard))

	if err := L.DoString(s.source); err != nil {
		return Result{}, exterrors.WithFields(
			fmt.Errorf("script: %w", err),
			map[string]interface{}{"check": "pipeline/script"},
		)
	}

	ret := L.Get(-1)
	L.Pop(1)

	switch v := ret.(type) {
	case lua.LString:
		if string(v) == "accept" {
			return Result{Verdict: Accept}, nil
		}
	case *lua.LTable:
		verdict := v.RawGetString("verdict")
		switch lua.LVAsString(verdict) {
		case "replace":
			return Result{Verdict: Replace, Body: []byte(lua.LVAsString(v.RawGetString("body")))}, nil
		case "reject":
			return Result{Verdict: Reject, Reason: lua.LVAsString(v.RawGetString("reason"))}, nil
		case "discard":
			return Result{Verdict: Discard}, nil
		}
	}
	return Result{Verdict: Accept}, nil
}
