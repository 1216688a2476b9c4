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

// Package verify checks the integrity and authenticity of a staged firmware
// image.
//
// The image's SHA-256 digest must equal the expected checksum, and only then
// is the detached signature over that digest checked against the trust anchor.
package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"k8s.io/klog/v2"
)

// DefaultChunkSize is the size of reads used when hashing an image.
const DefaultChunkSize = 4096

var (
	// ErrChecksumMismatch indicates the image digest differs from the expected checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrSignatureInvalid indicates the signature did not verify against the trust anchor.
	ErrSignatureInvalid = errors.New("signature invalid")
)

// Error describes a verification failure. Kind is one of ErrChecksumMismatch
// or ErrSignatureInvalid.
type Error struct {
	Kind error
	// Got and Want are the computed and expected digests, in lowercase hex.
	Got, Want string
	Err       error
}

func (e *Error) Error() string {
	switch {
	case errors.Is(e.Kind, ErrChecksumMismatch):
		return fmt.Sprintf("verification failed: %v: computed %s, expected %s", e.Kind, e.Got, e.Want)
	case e.Err != nil:
		return fmt.Sprintf("verification failed: %v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("verification failed: %v", e.Kind)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Verifier checks images against a trust anchor.
type Verifier struct {
	anchor    TrustAnchor
	chunkSize int
}

// New returns a Verifier which checks signatures with anchor.
func New(anchor TrustAnchor) *Verifier {
	return &Verifier{anchor: anchor, chunkSize: DefaultChunkSize}
}

// Digest returns the SHA-256 digest of everything read from r, reading in
// chunks of chunkSize bytes.
func Digest(r io.Reader, chunkSize int) ([]byte, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	h := sha256.New()
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		h.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read image: %w", err)
		}
	}
	return h.Sum(nil), nil
}

// Verify hashes the image read from r, compares the digest with the expected
// hex checksum (in either case), and then checks sig over the digest.
// It returns the digest on success.
//
// Read failures are returned as is; verification failures are *Error.
func (v *Verifier) Verify(r io.Reader, expected string, sig []byte) ([]byte, error) {
	digest, err := Digest(r, v.chunkSize)
	if err != nil {
		return nil, err
	}
	got := hex.EncodeToString(digest)
	want := strings.ToLower(expected)
	if got != want {
		klog.Errorf("verify: computed sha256 %s, expected %s", got, want)
		return nil, &Error{Kind: ErrChecksumMismatch, Got: got, Want: want}
	}
	klog.Infof("verify: sha256 %s matches", got)

	if err := v.anchor.CheckDigest(digest, sig); err != nil {
		klog.Errorf("verify: signature check with %v failed: %v", v.anchor, err)
		return nil, &Error{Kind: ErrSignatureInvalid, Got: got, Want: want, Err: err}
	}
	klog.Infof("verify: signature valid under %v", v.anchor)
	return digest, nil
}
