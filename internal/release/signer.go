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

package release

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/mod/sumdb/note"
)

// Signer produces detached signatures over a SHA-256 image digest.
type Signer interface {
	Sign(digest []byte) ([]byte, error)
}

// SignerFunc adapts a function to the Signer interface.
type SignerFunc func(digest []byte) ([]byte, error)

func (f SignerFunc) Sign(digest []byte) ([]byte, error) {
	return f(digest)
}

// ParseSigner parses a private key, which may be a PEM encoded RSA or EC key
// (PKCS#1, SEC 1 or PKCS#8, the latter also holding Ed25519 keys), or a note
// signer key string.
//
// RSA keys sign with RSASSA-PKCS1-v1_5, and the other key types sign the
// digest bytes directly.
func ParseSigner(b []byte) (Signer, error) {
	b = bytes.TrimSpace(b)
	if !bytes.HasPrefix(b, []byte("-----BEGIN")) {
		s, err := note.NewSigner(string(b))
		if err != nil {
			return nil, fmt.Errorf("key is neither PEM nor a note signer key: %v", err)
		}
		return SignerFunc(s.Sign), nil
	}

	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("failed to decode key PEM")
	}
	var k any
	var err error
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		k, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %v", block.Type, err)
	}

	switch k := k.(type) {
	case *rsa.PrivateKey:
		return SignerFunc(func(d []byte) ([]byte, error) {
			return rsa.SignPKCS1v15(rand.Reader, k, crypto.SHA256, d)
		}), nil
	case *ecdsa.PrivateKey:
		return SignerFunc(func(d []byte) ([]byte, error) {
			return ecdsa.SignASN1(rand.Reader, k, d)
		}), nil
	case ed25519.PrivateKey:
		return SignerFunc(func(d []byte) ([]byte, error) {
			return ed25519.Sign(k, d), nil
		}), nil
	}
	return nil, fmt.Errorf("unsupported private key type %T", k)
}
