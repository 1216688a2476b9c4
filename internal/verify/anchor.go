// Copyright 2026 The Armored OTA authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package verify

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/mod/sumdb/note"
)

// TrustAnchor checks signatures made over a SHA-256 digest.
type TrustAnchor interface {
	// CheckDigest returns an error unless sig is a valid signature over digest.
	CheckDigest(digest, sig []byte) error
	// String describes the anchor for logging.
	String() string
}

// ParseTrustAnchor parses a public key in one of the following forms:
//   - PEM "RSA PUBLIC KEY" (PKCS#1), verified with RSASSA-PKCS1-v1_5.
//   - PEM "PUBLIC KEY" (PKIX) holding an RSA, ECDSA or Ed25519 key.
//   - a note verifier key string, e.g. "name+1234abcd+AbCd...".
func ParseTrustAnchor(b []byte) (TrustAnchor, error) {
	b = bytes.TrimSpace(b)
	if !bytes.HasPrefix(b, []byte("-----BEGIN")) {
		v, err := note.NewVerifier(string(b))
		if err != nil {
			return nil, fmt.Errorf("trust anchor is neither PEM nor a note verifier key: %v", err)
		}
		return NoteAnchor{V: v}, nil
	}

	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("failed to decode trust anchor PEM")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		k, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 public key: %v", err)
		}
		return RSAAnchor{Key: k}, nil
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKIX public key: %v", err)
		}
		switch k := k.(type) {
		case *rsa.PublicKey:
			return RSAAnchor{Key: k}, nil
		case *ecdsa.PublicKey:
			return ECDSAAnchor{Key: k}, nil
		case ed25519.PublicKey:
			return Ed25519Anchor{Key: k}, nil
		default:
			return nil, fmt.Errorf("unsupported public key type %T", k)
		}
	}
	return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
}

func checkDigestLen(digest []byte) error {
	if len(digest) != sha256.Size {
		return fmt.Errorf("digest is %d bytes, want %d", len(digest), sha256.Size)
	}
	return nil
}

// RSAAnchor verifies RSASSA-PKCS1-v1_5 signatures.
type RSAAnchor struct {
	Key *rsa.PublicKey
}

func (a RSAAnchor) CheckDigest(digest, sig []byte) error {
	if err := checkDigestLen(digest); err != nil {
		return err
	}
	return rsa.VerifyPKCS1v15(a.Key, crypto.SHA256, digest, sig)
}

func (a RSAAnchor) String() string {
	return fmt.Sprintf("RSA-%d", a.Key.N.BitLen())
}

// ECDSAAnchor verifies ASN.1 encoded ECDSA signatures.
type ECDSAAnchor struct {
	Key *ecdsa.PublicKey
}

func (a ECDSAAnchor) CheckDigest(digest, sig []byte) error {
	if err := checkDigestLen(digest); err != nil {
		return err
	}
	if !ecdsa.VerifyASN1(a.Key, digest, sig) {
		return errors.New("ECDSA verification failed")
	}
	return nil
}

func (a ECDSAAnchor) String() string {
	return "ECDSA-" + a.Key.Curve.Params().Name
}

// Ed25519Anchor verifies Ed25519 signatures whose message is the digest.
type Ed25519Anchor struct {
	Key ed25519.PublicKey
}

func (a Ed25519Anchor) CheckDigest(digest, sig []byte) error {
	if err := checkDigestLen(digest); err != nil {
		return err
	}
	if !ed25519.Verify(a.Key, digest, sig) {
		return errors.New("Ed25519 verification failed")
	}
	return nil
}

func (a Ed25519Anchor) String() string {
	return "Ed25519"
}

// NoteAnchor verifies signatures made by a note signer whose message is the
// digest.
type NoteAnchor struct {
	V note.Verifier
}

func (a NoteAnchor) CheckDigest(digest, sig []byte) error {
	if err := checkDigestLen(digest); err != nil {
		return err
	}
	if !a.V.Verify(digest, sig) {
		return fmt.Errorf("signature by %q failed verification", a.V.Name())
	}
	return nil
}

func (a NoteAnchor) String() string {
	return fmt.Sprintf("note(%s+%08x)", a.V.Name(), a.V.KeyHash())
}
