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
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/go-mockdns"
)

const plainMessage = "From: hello@example.org\r\n" +
	"To: world@example.com\r\n" +
	"Subject: hi\r\n" +
	"\r\n" +
	"body text\r\n"

func mustHeader(t *testing.T, literal string) *textproto.Header {
	t.Helper()
	hdr, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(literal)))
	if err != nil {
		t.Fatal(err)
	}
	return &hdr
}

func TestExtractSets_None(t *testing.T) {
	hdr := mustHeader(t, plainMessage)
	if sets := extractSets(hdr); sets != nil {
		t.Fatalf("expected no ARC sets, got %d", len(sets))
	}
	if n := nextInstance(hdr); n != 1 {
		t.Fatalf("expected next instance 1, got %d", n)
	}
}

func TestExtractSets_Ordered(t *testing.T) {
	raw := "Arc-Seal: i=2; a=rsa-sha256; cv=pass; d=b.example; s=x; t=1; b=bb\r\n" +
		"Arc-Seal: i=1; a=rsa-sha256; cv=none; d=a.example; s=x; t=1; b=aa\r\n" +
		plainMessage
	hdr := mustHeader(t, raw)
	sets := extractSets(hdr)
	if len(sets) != 2 {
		t.Fatalf("expected 2 sets, got %d", len(sets))
	}
	if sets[0].instance != 1 || sets[1].instance != 2 {
		t.Fatalf("sets not ordered by instance: %d, %d", sets[0].instance, sets[1].instance)
	}
	if n := nextInstance(hdr); n != 3 {
		t.Fatalf("expected next instance 3, got %d", n)
	}
}

func genKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return key, "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der)
}

func TestSealThenVerify_FirstHop(t *testing.T) {
	key, record := genKey(t)
	resolver := &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"arcsel._domainkey.relay.example.": {TXT: []string{record}},
	}}

	hdr := mustHeader(t, plainMessage)
	body := []byte("body text\r\n")

	chain, err := Verify(context.Background(), resolver, hdr, body)
	if err != nil {
		t.Fatal(err)
	}
	if chain.Validation != ValidationNone || !chain.CanBeSealed {
		t.Fatalf("unexpected chain result on unsealed message: %+v", chain)
	}

	lines, err := Seal(hdr, body, SealInput{
		Signer:          key,
		Domain:          "relay.example",
		Selector:        "arcsel",
		HeaderCanon:     "relaxed",
		BodyCanon:       "relaxed",
		HeaderKeys:      []string{"From", "To", "Subject"},
		ResultsAuthserv: "relay.example; arc=none; dkim=pass header.d=example.org; spf=pass",
		Validation:      ValidationNone,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 header lines, got %d", len(lines))
	}

	sealed := strings.Join(lines, "\r\n") + "\r\n" + plainMessage
	hdr2 := mustHeader(t, sealed)

	chain2, err := Verify(context.Background(), resolver, hdr2, body)
	if err != nil {
		t.Fatal(err)
	}
	if chain2.Validation != ValidationPass {
		t.Fatalf("expected sealed chain to validate, got %+v (err=%v)", chain2, chain2.Err)
	}
	if chain2.NewestInstance != 1 {
		t.Fatalf("expected newest instance 1, got %d", chain2.NewestInstance)
	}
}

func TestSealThenVerify_TamperedBodyFails(t *testing.T) {
	key, record := genKey(t)
	resolver := &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"arcsel._domainkey.relay.example.": {TXT: []string{record}},
	}}

	hdr := mustHeader(t, plainMessage)
	body := []byte("body text\r\n")

	lines, err := Seal(hdr, body, SealInput{
		Signer:          key,
		Domain:          "relay.example",
		Selector:        "arcsel",
		HeaderCanon:     "relaxed",
		BodyCanon:       "relaxed",
		HeaderKeys:      []string{"From", "To", "Subject"},
		ResultsAuthserv: "relay.example; arc=none; dkim=pass header.d=example.org",
		Validation:      ValidationNone,
	})
	if err != nil {
		t.Fatal(err)
	}

	sealed := strings.Join(lines, "\r\n") + "\r\n" + plainMessage
	hdr2 := mustHeader(t, sealed)

	chain, err := Verify(context.Background(), resolver, hdr2, []byte("tampered body\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if chain.Validation != ValidationFail {
		t.Fatalf("expected tampered body to fail verification, got %+v", chain)
	}
}
