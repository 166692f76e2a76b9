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

package module

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/emersion/go-smtp"

	"github.com/courierd/courier/framework/future"
)

// ConnState groups information about the network connection and the
// identity presented on it that is relevant to checks, modifiers and
// delivery targets.
//
// It embeds smtp.ConnectionState so it satisfies the (hostname, local/remote
// addr, TLS state) contract expected by EarlyCheck.
type ConnState struct {
	smtp.ConnectionState

	// Proto is the protocol name as it should appear in the Received field
	// (ESMTP, ESMTPA, ESMTPS, ESMTPSA, LMTP, ...).
	Proto string

	// AuthUser and AuthPassword are populated once the session has completed
	// SASL authentication. Both are empty for anonymous sessions.
	AuthUser     string
	AuthPassword string

	// RDNSName resolves to the PTR record of RemoteAddr, looked up
	// asynchronously as soon as the connection is accepted. The contained
	// value is a string (or nil if the lookup failed).
	RDNSName *future.Future
}

// MsgMetadata carries all information about a particular message that is not
// a part of its header or body but is relevant to its processing: where it
// came from, its assigned ID, and various bookkeeping flags set by checks
// and the pipeline as it is processed.
type MsgMetadata struct {
	// ID is the unique identifier assigned to the message by the endpoint
	// that first accepted it. It is used in the Received field, in log
	// messages and the queue.
	ID string

	// Conn is the information about the network connection and client
	// identity that submitted the message. It is nil for locally generated
	// messages (e.g. DSNs).
	Conn *ConnState

	// SMTPOpts contains the ESMTP parameters supplied with the MAIL FROM
	// command (SMTPUTF8, REQUIRETLS, ...).
	SMTPOpts smtp.MailOptions

	// OriginalFrom is the envelope sender address as received from the
	// client, before any rewriting performed by modifiers.
	OriginalFrom string

	// OriginalRcpts maps the (possibly rewritten) recipient address to the
	// address as it was originally received from the client.
	OriginalRcpts map[string]string

	// BodyLength is the size of the message body in bytes, if known in
	// advance. Zero if unknown.
	BodyLength int64

	// Quarantine indicates that the message should be treated as suspicious
	// (e.g. be placed in a Junk mailbox) due to a check result.
	Quarantine bool

	// DontTraceSender disables emission of the "envelope-sender" and
	// "from ..." clauses in the generated Received field. Used for
	// locally-generated messages where this information would be
	// misleading (e.g. DSNs).
	DontTraceSender bool

	// TLSRequireOverride disables enforcement of the REQUIRETLS extension
	// for this message specifically, set in reaction to the (non-standard)
	// TLS-Required: No header.
	TLSRequireOverride bool
}

// DeepCopy returns a copy of the object that is safe to mutate without
// affecting the original (and vice versa). Maps and the embedded pointer to
// ConnState are duplicated; the ConnState contents themselves are shared
// since they are treated as immutable once a session is established.
func (meta *MsgMetadata) DeepCopy() *MsgMetadata {
	copied := *meta

	if meta.OriginalRcpts != nil {
		copied.OriginalRcpts = make(map[string]string, len(meta.OriginalRcpts))
		for k, v := range meta.OriginalRcpts {
			copied.OriginalRcpts[k] = v
		}
	}

	return &copied
}

// GenerateMsgID generates a random string usable as MsgMetadata.ID.
func GenerateMsgID() (string, error) {
	rawID := make([]byte, 16)
	if _, err := rand.Read(rawID); err != nil {
		return "", err
	}
	return hex.EncodeToString(rawID), nil
}
