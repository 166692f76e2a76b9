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
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
)

// SealInput carries everything needed to add the next ARC set to a message.
type SealInput struct {
	Signer   crypto.Signer
	Domain   string
	Selector string

	HeaderCanon Canonicalization
	BodyCanon   Canonicalization

	// HeaderKeys are the header fields ARC-Message-Signature covers, beyond
	// the ARC set headers already on the message. Mirrors modify.dkim's
	// sign_fields/oversign_fields: From/To/Subject/Date and friends.
	HeaderKeys []string

	// ResultsAuthserv is the authserv-id (reporting hostname) and aggregated
	// method=result clauses for this hop, formatted as RFC 8601 resinfo
	// (the same text trace.AuthenticationResults produces, plus "arc=...").
	// The instance prefix ("i=N; ") is added by Seal.
	ResultsAuthserv string

	// Validation is the cv= value to stamp on the new ARC-Seal: the result
	// of verifying the chain as received, before this hop's own additions.
	Validation Validation
}

// Seal adds the next ARC instance to header, returning the three header
// lines (ARC-Authentication-Results, ARC-Message-Signature, ARC-Seal) in
// the order they must be prepended, newest first as RFC 8617 §5.1.1
// requires. Signing happens over the message as received: callers add
// these to the header block being built for the outgoing message, not to
// header in place.
func Seal(header *textproto.Header, body []byte, in SealInput) ([]string, error) {
	instance := nextInstance(header)

	aar := fmt.Sprintf("i=%d; %s", instance, in.ResultsAuthserv)

	ams, err := sealMessageSignature(header, body, instance, in)
	if err != nil {
		return nil, fmt.Errorf("arc: seal message signature: %w", err)
	}

	as, err := sealArcSeal(header, instance, in, aar, ams)
	if err != nil {
		return nil, fmt.Errorf("arc: seal arc-seal: %w", err)
	}

	return []string{
		"ARC-Seal: " + as,
		"ARC-Message-Signature: " + ams,
		"ARC-Authentication-Results: " + aar,
	}, nil
}

func algoTag(signer crypto.Signer) string {
	if _, ok := signer.Public().(ed25519.PublicKey); ok {
		return "ed25519-sha256"
	}
	return "rsa-sha256"
}

func sign(signer crypto.Signer, data []byte) (string, error) {
	if _, ok := signer.Public().(ed25519.PublicKey); ok {
		sig, err := signer.Sign(rand.Reader, data, crypto.Hash(0))
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(sig), nil
	}
	digest := sha256.Sum256(data)
	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func sealMessageSignature(header *textproto.Header, body []byte, instance int, in SealInput) (string, error) {
	bodyHash := sha256.Sum256(canonBody(body, in.BodyCanon))
	bh := base64.StdEncoding.EncodeToString(bodyHash[:])

	signHeaders := signableHeaders(header, in.HeaderKeys)

	params := fmt.Sprintf("i=%d; a=%s; c=%s/%s; d=%s; s=%s; t=%d; h=%s; bh=%s; b=",
		instance, algoTag(in.Signer), in.HeaderCanon, in.BodyCanon,
		in.Domain, in.Selector, time.Now().Unix(), strings.Join(signHeaders, ":"), bh)

	var data strings.Builder
	for _, name := range signHeaders {
		v := fieldValue(header, name)
		if v == "" {
			continue
		}
		data.WriteString(canonHeaderField(name, v, in.HeaderCanon))
	}
	data.WriteString(canonHeaderField("ARC-Message-Signature", params, in.HeaderCanon))
	// drop the trailing CRLF canonHeaderField added to the last, unterminated line
	signData := strings.TrimSuffix(data.String(), "\r\n")

	sig, err := sign(in.Signer, []byte(signData))
	if err != nil {
		return "", err
	}
	return params + foldSignature(sig), nil
}

func sealArcSeal(header *textproto.Header, instance int, in SealInput, aar, ams string) (string, error) {
	params := fmt.Sprintf("i=%d; a=%s; cv=%s; d=%s; s=%s; t=%d; b=",
		instance, algoTag(in.Signer), in.Validation, in.Domain, in.Selector, time.Now().Unix())

	var data strings.Builder
	for inst := 1; inst < instance; inst++ {
		if seal := arcHeaderAt(header, "Arc-Seal", inst); seal != "" {
			data.WriteString(canonHeaderField("ARC-Seal", seal, "relaxed"))
		}
		if ams := arcHeaderAt(header, "Arc-Message-Signature", inst); ams != "" {
			data.WriteString(canonHeaderField("ARC-Message-Signature", ams, "relaxed"))
		}
		if aarPrev := arcHeaderAt(header, "Arc-Authentication-Results", inst); aarPrev != "" {
			data.WriteString(canonHeaderField("ARC-Authentication-Results", aarPrev, "relaxed"))
		}
	}
	data.WriteString(canonHeaderField("ARC-Authentication-Results", aar, "relaxed"))
	data.WriteString(canonHeaderField("ARC-Message-Signature", ams, "relaxed"))
	signData := strings.TrimSuffix(data.String()+canonHeaderField("ARC-Seal", params, "relaxed"), "\r\n")

	sig, err := sign(in.Signer, []byte(signData))
	if err != nil {
		return "", err
	}
	return params + foldSignature(sig), nil
}

func arcHeaderAt(header *textproto.Header, key string, instance int) string {
	for fields := header.FieldsByKey(key); fields.Next(); {
		v := fields.Value()
		if params := parseParams(v); params["i"] == fmt.Sprint(instance) {
			return v
		}
	}
	return ""
}

func signableHeaders(header *textproto.Header, want []string) []string {
	out := make([]string, 0, len(want))
	for _, name := range want {
		if fieldValue(header, name) != "" {
			out = append(out, name)
		}
	}
	return out
}

func foldSignature(sig string) string {
	const lineLen = 72
	var b strings.Builder
	for i := 0; i < len(sig); i += lineLen {
		end := i + lineLen
		if end > len(sig) {
			end = len(sig)
		}
		if i > 0 {
			b.WriteString("\r\n\t")
		}
		b.WriteString(sig[i:end])
	}
	return b.String()
}
