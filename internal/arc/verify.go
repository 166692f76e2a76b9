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
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/emersion/go-message/textproto"

	"github.com/courierd/courier/framework/dns"
)

// ChainResult is the outcome of walking a message's ARC sets, reported as a
// single verdict over the whole chain rather than per-instance detail:
// RFC 8617 treats the chain atomically for downstream policy purposes.
type ChainResult struct {
	Validation Validation

	// OldestPass/NewestPass bracket the instance range that validated; both
	// are 0 when Validation is not ValidationPass.
	NewestInstance int

	// CanBeSealed is a structural property independent of Validation: a
	// chain that is absent, or intact but unauthenticated, can still be
	// extended with a new instance. Only a chain whose most recent set
	// fails structurally (bad i=, missing tags) or that has already hit
	// MaxInstances cannot be sealed further.
	CanBeSealed bool

	Err error
}

// Verify walks the ARC sets on header, oldest to newest, checking each
// instance's ARC-Message-Signature and ARC-Seal against the signer's
// published key. The chain is only as strong as its weakest set: any
// broken link fails the whole chain, matching the "cv=fail poisons
// everything downstream" rule of RFC 8617 §5.2.
func Verify(ctx context.Context, resolver dns.Resolver, header *textproto.Header, body []byte) (*ChainResult, error) {
	sets := extractSets(header)
	if len(sets) == 0 {
		return &ChainResult{Validation: ValidationNone, CanBeSealed: true}, nil
	}
	if len(sets) > MaxInstances {
		return &ChainResult{Validation: ValidationFail, CanBeSealed: false,
			Err: fmt.Errorf("arc: chain exceeds %d instances", MaxInstances)}, nil
	}

	for idx, s := range sets {
		if s.instance != idx+1 {
			return &ChainResult{Validation: ValidationFail, CanBeSealed: false,
				Err: fmt.Errorf("arc: non-contiguous instance numbering at i=%d", s.instance)}, nil
		}

		if err := verifySet(ctx, resolver, s, header, body); err != nil {
			canSeal := idx == len(sets)-1 // a broken link still lets a relay append i+1 and mark cv=fail
			return &ChainResult{Validation: ValidationFail, CanBeSealed: canSeal, Err: err}, nil
		}

		sealParams := parseParams(s.seal)
		if sealParams["cv"] == "fail" {
			return &ChainResult{Validation: ValidationFail, CanBeSealed: idx == len(sets)-1,
				Err: fmt.Errorf("arc: instance %d marks cv=fail", s.instance)}, nil
		}
	}

	newest := sets[len(sets)-1]
	return &ChainResult{
		Validation:     ValidationPass,
		NewestInstance: newest.instance,
		CanBeSealed:    len(sets) < MaxInstances,
	}, nil
}

func verifySet(ctx context.Context, resolver dns.Resolver, s *set, header *textproto.Header, body []byte) error {
	sealParams := parseParams(s.seal)
	for _, tag := range []string{"i", "a", "cv", "d", "s", "b"} {
		if sealParams[tag] == "" {
			return fmt.Errorf("arc: ARC-Seal(i=%d) missing tag %q", s.instance, tag)
		}
	}
	amsParams := parseParams(s.ams)
	for _, tag := range []string{"i", "a", "c", "d", "s", "h", "bh", "b"} {
		if amsParams[tag] == "" {
			return fmt.Errorf("arc: ARC-Message-Signature(i=%d) missing tag %q", s.instance, tag)
		}
	}
	if s.aar == "" {
		return fmt.Errorf("arc: ARC-Authentication-Results(i=%d) missing", s.instance)
	}

	amsCanon := canonFromTag(amsParams["c"])
	if err := verifyBodyHash(body, amsCanon.body, amsParams["bh"]); err != nil {
		return fmt.Errorf("arc: ARC-Message-Signature(i=%d): %w", s.instance, err)
	}

	key, err := fetchKey(ctx, resolver, amsParams["s"], amsParams["d"])
	if err != nil {
		return fmt.Errorf("arc: ARC-Message-Signature(i=%d): %w", s.instance, err)
	}

	amsData := canonHeaderField("ARC-Message-Signature", stripTag(s.ams, "b"), amsCanon.header)
	if err := verifySignature(key, []byte(amsData), amsParams["b"], hashFromTag(amsParams["a"])); err != nil {
		return fmt.Errorf("arc: ARC-Message-Signature(i=%d): signature mismatch: %w", s.instance, err)
	}

	sealKey, err := fetchKey(ctx, resolver, sealParams["s"], sealParams["d"])
	if err != nil {
		return fmt.Errorf("arc: ARC-Seal(i=%d): %w", s.instance, err)
	}
	sealData := canonHeaderField("ARC-Seal", stripTag(s.seal, "b"), Canonicalization("relaxed"))
	if err := verifySignature(sealKey, []byte(sealData), sealParams["b"], hashFromTag(sealParams["a"])); err != nil {
		return fmt.Errorf("arc: ARC-Seal(i=%d): signature mismatch: %w", s.instance, err)
	}

	return nil
}

type canonPair struct{ header, body Canonicalization }

func canonFromTag(tag string) canonPair {
	parts := strings.SplitN(tag, "/", 2)
	h := Canonicalization("simple")
	b := Canonicalization("simple")
	if len(parts) > 0 && parts[0] != "" {
		h = Canonicalization(parts[0])
	}
	if len(parts) > 1 {
		b = Canonicalization(parts[1])
	} else {
		b = h
	}
	return canonPair{header: h, body: b}
}

func hashFromTag(tag string) crypto.Hash {
	if strings.HasSuffix(tag, "sha256") {
		return crypto.SHA256
	}
	return crypto.SHA256
}

func verifyBodyHash(body []byte, c Canonicalization, want string) error {
	sum := sha256.Sum256(canonBody(body, c))
	got := base64.StdEncoding.EncodeToString(sum[:])
	if got != want {
		return fmt.Errorf("body hash mismatch")
	}
	return nil
}

// stripTag removes the b= (or bh=, in principle) value from a ARC header
// parameter string so it can be re-signed/re-verified the way it was
// originally signed: with the signature tag present but empty.
func stripTag(header, tag string) string {
	idx := strings.Index(header, tag+"=")
	if idx == -1 {
		return header
	}
	end := strings.IndexAny(header[idx:], ";")
	if end == -1 {
		return header[:idx] + tag + "="
	}
	return header[:idx] + tag + "=" + header[idx+end:]
}

func verifySignature(key crypto.PublicKey, signedData []byte, sigB64 string, hash crypto.Hash) error {
	sig, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(strings.ReplaceAll(sigB64, "\r", ""), "\n", ""))
	if err != nil {
		return err
	}
	switch pub := key.(type) {
	case *rsa.PublicKey:
		digest := sha256.Sum256(signedData)
		return rsa.VerifyPKCS1v15(pub, hash, digest[:], sig)
	case ed25519.PublicKey:
		if !ed25519.Verify(pub, signedData, sig) {
			return fmt.Errorf("ed25519 verification failed")
		}
		return nil
	default:
		return fmt.Errorf("unsupported public key type %T", key)
	}
}

// fetchKey resolves the DKIM-style TXT record at selector._domainkey.domain
// and parses its p=/k= tags. ARC reuses the DKIM key infrastructure verbatim
// (RFC 8617 §3), so the lookup is identical to what check/dkim relies on
// go-msgauth to do internally for DKIM-Signature.
func fetchKey(ctx context.Context, resolver dns.Resolver, selector, domain string) (crypto.PublicKey, error) {
	name := selector + "._domainkey." + domain
	txts, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("key lookup for %s: %w", name, err)
	}
	if len(txts) == 0 {
		return nil, fmt.Errorf("no DKIM key record at %s", name)
	}

	params := parseParams(strings.Join(txts, ""))
	if params["p"] == "" {
		return nil, fmt.Errorf("key record at %s has empty p=", name)
	}
	der, err := base64.StdEncoding.DecodeString(params["p"])
	if err != nil {
		return nil, fmt.Errorf("key record at %s: bad base64: %w", name, err)
	}

	switch params["k"] {
	case "", "rsa":
		pub, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			return nil, fmt.Errorf("key record at %s: %w", name, err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("key record at %s: not an RSA key", name)
		}
		return rsaPub, nil
	case "ed25519":
		if len(der) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("key record at %s: bad ed25519 key length", name)
		}
		return ed25519.PublicKey(der), nil
	default:
		return nil, fmt.Errorf("key record at %s: unsupported algorithm %q", name, params["k"])
	}
}
