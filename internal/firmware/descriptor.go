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

// Package firmware provides definitions of a firmware update and the
// validation of update trigger documents.
package firmware

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/transparency-dev/armored-ota/internal/version"
)

// Trigger document field names.
const (
	FieldVersion      = "version"
	FieldFirmwareURL  = "firmware_url"
	FieldSignatureURL = "signature_url"
	FieldChecksum     = "checksum"
)

// ChecksumLength is the length of a hex encoded SHA-256 digest.
const ChecksumLength = 64

// Descriptor describes a single candidate firmware update.
type Descriptor struct {
	// Version is the dotted version of the candidate firmware.
	Version string
	// FirmwareURL locates the firmware image.
	FirmwareURL string
	// SignatureURL locates the detached signature over the image's digest.
	SignatureURL string
	// Checksum is the expected hex SHA-256 of the image, in either case.
	Checksum string
}

// ParseError is returned when a trigger document cannot be turned into a
// Descriptor.
type ParseError struct {
	// Field is the offending field, or empty if the document as a whole is bad.
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid update request: %v", e.Err)
	}
	return fmt.Sprintf("invalid update request: field %q: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseDescriptor decodes a trigger document of the form
//
//	{"version": "1.2.3", "firmware_url": "...", "signature_url": "...", "checksum": "..."}
//
// All four fields must be present and be JSON strings. Unknown fields are
// ignored.
func ParseDescriptor(payload []byte) (Descriptor, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Descriptor{}, &ParseError{Err: err}
	}
	if doc == nil {
		return Descriptor{}, &ParseError{Err: fmt.Errorf("document is not an object")}
	}

	fields := make(map[string]string, 4)
	for _, f := range []string{FieldVersion, FieldFirmwareURL, FieldSignatureURL, FieldChecksum} {
		s, err := stringField(doc, f)
		if err != nil {
			return Descriptor{}, &ParseError{Field: f, Err: err}
		}
		fields[f] = s
	}

	d := Descriptor{
		Version:      fields[FieldVersion],
		FirmwareURL:  fields[FieldFirmwareURL],
		SignatureURL: fields[FieldSignatureURL],
		Checksum:     fields[FieldChecksum],
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

func stringField(doc map[string]json.RawMessage, name string) (string, error) {
	raw, ok := doc[name]
	if !ok {
		return "", fmt.Errorf("missing")
	}
	// json.Unmarshal happily turns null into "", so check the type directly.
	if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte(`"`)) {
		return "", fmt.Errorf("not a string: %s", raw)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

// Validate checks the contents of the descriptor's fields.
func (d Descriptor) Validate() error {
	if _, err := version.Parse(d.Version); err != nil {
		return &ParseError{Field: FieldVersion, Err: err}
	}
	for f, u := range map[string]string{FieldFirmwareURL: d.FirmwareURL, FieldSignatureURL: d.SignatureURL} {
		p, err := url.Parse(u)
		if err != nil {
			return &ParseError{Field: f, Err: err}
		}
		if p.Scheme == "" || p.Host == "" {
			return &ParseError{Field: f, Err: fmt.Errorf("%q is not an absolute URL", u)}
		}
	}
	if l := len(d.Checksum); l != ChecksumLength {
		return &ParseError{Field: FieldChecksum, Err: fmt.Errorf("got %d characters, want %d", l, ChecksumLength)}
	}
	if _, err := hex.DecodeString(d.Checksum); err != nil {
		return &ParseError{Field: FieldChecksum, Err: err}
	}
	return nil
}

// NormalisedChecksum returns the expected checksum in lowercase.
func (d Descriptor) NormalisedChecksum() string {
	return strings.ToLower(d.Checksum)
}

// String returns a compact description suitable for logging.
func (d Descriptor) String() string {
	return fmt.Sprintf("firmware %s from %q (sig %q, sha256 %s)", d.Version, d.FirmwareURL, d.SignatureURL, d.NormalisedChecksum())
}
