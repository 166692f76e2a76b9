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

// Package rewrite implements the Content Rewriter Bus: a serial chain of
// body-capable mutators (a milter leg, then an external MTA hook command)
// invoked between authentication and scripting in the pipeline.
//
// module.ModifierState.RewriteBody has no way to replace the body (see its
// doc comment in framework/module/modifier.go), so this package does not
// build on top of it; Modification is an independent type, and the milter
// and hook legs drive their protocols directly rather than through
// check.milter/check.command's header-only CheckState interface.
package rewrite

import (
	"context"

	"github.com/emersion/go-message/textproto"

	"github.com/courierd/courier/framework/exterrors"
	"github.com/courierd/courier/framework/log"
	"github.com/courierd/courier/framework/module"
)

// HeaderAddition is one header field a leg asked to prepend, already
// wire-formatted (name, folded value) the way milter.ModifyAction and the
// hook's stdout both deliver it.
type HeaderAddition struct {
	Name  string
	Value string
}

// Modification is what a single bus leg contributes: zero or more header
// additions, at most one body replacement, and an optional terminal
// disposition (quarantine or reject) distinct from "continue with changes".
type Modification struct {
	AddHeader   []HeaderAddition
	ReplaceBody []byte
	Quarantine  bool
	Reject      *exterrors.SMTPError
}

func (m Modification) hasBody() bool {
	return m.ReplaceBody != nil
}

// Leg is one stage of the bus: the milter leg and the MTA hook leg both
// implement it.
type Leg interface {
	Invoke(ctx context.Context, msgMeta *module.MsgMetadata, header textproto.Header, body []byte) (Modification, error)
	Close() error
}

// Bus runs its legs in series, feeding each the body the previous leg left
// behind. A leg that supplies ReplaceBody overrides any replacement an
// earlier leg made - the hook leg, running last, wins over the milter leg.
type Bus struct {
	Legs []Leg
	Log  log.Logger
}

// Result is the outcome of running the full bus over one message.
type Result struct {
	Header     textproto.Header
	Body       []byte
	Quarantine bool
}

// Apply runs every configured leg in order. header is mutated in place with
// AddHeader contributions (newest leg's additions prepended last, so the
// bus's own ordering reads top-down newest-first once combined with the
// pipeline's own trace headers). A non-nil *exterrors.SMTPError means a leg
// rejected the message outright; Result is the zero value in that case.
func (b *Bus) Apply(ctx context.Context, msgMeta *module.MsgMetadata, header textproto.Header, body []byte) (Result, *exterrors.SMTPError) {
	res := Result{Header: header, Body: body}

	for _, leg := range b.Legs {
		mod, err := leg.Invoke(ctx, msgMeta, res.Header, res.Body)
		if err != nil {
			return Result{}, &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 3, 5},
				Message:      "Unable to accept message at this time.",
				CheckName:    "rewrite",
				Err:          err,
			}
		}
		if mod.Reject != nil {
			return Result{}, mod.Reject
		}
		for _, h := range mod.AddHeader {
			field := make([]byte, 0, len(h.Name)+2+len(h.Value)+2)
			field = append(field, h.Name...)
			field = append(field, ':', ' ')
			field = append(field, h.Value...)
			field = append(field, '\r', '\n')
			res.Header.AddRaw(field)
		}
		if mod.hasBody() {
			res.Body = mod.ReplaceBody
		}
		if mod.Quarantine {
			res.Quarantine = true
		}
	}

	return res, nil
}

// Close releases resources (milter connections, command pipes) held by
// every leg, logging but not failing on individual leg errors.
func (b *Bus) Close() {
	for _, leg := range b.Legs {
		if err := leg.Close(); err != nil {
			b.Log.Error("rewrite leg close", err)
		}
	}
}
