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

// Package trace builds the canonical trace headers (Received,
// Authentication-Results, Received-SPF) a message is stamped with on its
// way into the queue.
package trace

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-msgauth/authres"

	"github.com/courierd/courier/framework/dns"
	"github.com/courierd/courier/framework/module"
)

// Info carries the connection facts needed to render a Received header,
// in addition to what *module.MsgMetadata already provides.
type Info struct {
	Helo string

	// PTR is the reverse-DNS name of the remote address, resolved
	// asynchronously; empty if not yet available or not resolved.
	PTR string

	ASN     uint32
	ASName  string
	Country string

	TLSVersion string
	TLSCipher  string

	Authenticated bool

	OurHostname string

	// QueueID is the 64-bit id assigned by the recipient scheduler,
	// rendered as uppercase hex. Zero before a message has been queued.
	QueueID uint64
}

func sanitize(raw string) string {
	return strings.Replace(raw, "\n", "", -1)
}

// Proto picks the ESMTP/ESMTPS/ESMTPA/ESMTPSA token from the TLS and
// authentication state of the session.
func Proto(tlsUsed, authenticated bool) string {
	switch {
	case tlsUsed && authenticated:
		return "ESMTPSA"
	case tlsUsed:
		return "ESMTPS"
	case authenticated:
		return "ESMTPA"
	default:
		return "ESMTP"
	}
}

// Received renders the canonical Received header value (without the
// trailing CRLF the caller appends when prepending it to the header block).
func Received(ctx context.Context, msgMeta *module.MsgMetadata, info Info) (string, error) {
	b := strings.Builder{}
	b.Grow(256)

	helo, err := dns.SelectIDNA(msgMeta.SMTPOpts.UTF8, info.Helo)
	if err != nil {
		helo = info.Helo
	}

	ptr := info.PTR
	if ptr == "" {
		ptr = "unknown"
	} else if encoded, err := dns.SelectIDNA(msgMeta.SMTPOpts.UTF8, ptr); err == nil {
		ptr = encoded
	}

	ip := "unknown"
	if msgMeta.Conn != nil {
		if tcpAddr, ok := remoteIP(msgMeta.Conn); ok {
			ip = tcpAddr
		}
	}

	fmt.Fprintf(&b, "from %s (%s [%s]", sanitize(helo), sanitize(ptr), ip)
	if info.ASN != 0 {
		fmt.Fprintf(&b, " (AS%d", info.ASN)
		if info.ASName != "" {
			fmt.Fprintf(&b, " %s", sanitize(info.ASName))
		}
		if info.Country != "" {
			fmt.Fprintf(&b, ", %s", sanitize(info.Country))
		}
		b.WriteByte(')')
	}
	b.WriteString(")\r\n")

	if info.TLSVersion != "" {
		fmt.Fprintf(&b, "\t(using %s with cipher %s)\r\n", info.TLSVersion, info.TLSCipher)
	}

	ourHostname := info.OurHostname
	if encoded, err := dns.SelectIDNA(msgMeta.SMTPOpts.UTF8, ourHostname); err == nil {
		ourHostname = encoded
	}

	proto := Proto(info.TLSVersion != "", info.Authenticated)
	fmt.Fprintf(&b, "\tby %s with %s id %X;\r\n", sanitize(ourHostname), proto, info.QueueID)
	b.WriteByte('\t')
	b.WriteString(time.Now().Format(time.RFC1123Z))

	return b.String(), nil
}

func remoteIP(conn *module.ConnState) (string, bool) {
	if conn.RemoteAddr == nil {
		return "", false
	}
	host := conn.RemoteAddr.String()
	if idx := strings.LastIndexByte(host, ':'); idx != -1 {
		h := host[:idx]
		return strings.Trim(h, "[]"), true
	}
	return host, true
}

// AuthenticationResults renders the Authentication-Results header value
// from the aggregated per-mechanism outcomes.
func AuthenticationResults(ourHostname string, results []authres.Result) string {
	return authres.Format(ourHostname, results)
}

// ReceivedSPF renders the Received-SPF header value (RFC 7208 §9.1).
// blitiri.com.ar/go/spf returns only a spf.Result, with no header formatter
// of its own, so this is built by hand from the same fields check/spf
// already evaluates.
func ReceivedSPF(result, ourHostname, clientIP, envelopeFrom, helo string) string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "%s (%s: ", result, sanitize(ourHostname))
	switch result {
	case "pass":
		fmt.Fprintf(&b, "domain of %s designates %s as permitted sender", sanitize(envelopeFrom), clientIP)
	case "fail":
		fmt.Fprintf(&b, "domain of %s does not designate %s as permitted sender", sanitize(envelopeFrom), clientIP)
	default:
		fmt.Fprintf(&b, "%s for %s", result, sanitize(envelopeFrom))
	}
	fmt.Fprintf(&b, ") client-ip=%s; envelope-from=%q; helo=%s;", clientIP, envelopeFrom, sanitize(helo))
	return b.String()
}
