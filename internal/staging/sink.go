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

// Package staging provides the destinations a firmware download is written
// to before it is verified and installed.
//
// Two sinks are provided: BankSink writes straight through to the inactive
// bank, FileSink stages the image in a temporary file and copies it into the
// bank only once it has been verified. Either way the bank cannot be booted
// until the caller commits it.
package staging

import (
	"errors"
	"fmt"
	"io"

	"github.com/transparency-dev/armored-ota/internal/bank"
)

// Backend names a staging strategy.
type Backend string

const (
	// Stream writes the image into the bank as it arrives.
	Stream Backend = "stream"
	// File stages the image in a temporary file.
	File Backend = "file"
)

// ErrLength is returned when the staged size does not match the size the
// server declared.
var ErrLength = errors.New("staged length mismatch")

// ErrModified is returned by Install if the staged image no longer matches
// the digest it was verified against.
var ErrModified = errors.New("staged image changed after verification")

// Banks is the subset of bank.Manager used by sinks.
type Banks interface {
	BeginWrite(b bank.Bank) (*bank.Writer, error)
	Reader(b bank.Bank, size int64) (io.Reader, error)
}

// Sink receives a firmware image and makes it available for verification and
// installation. A Sink is used for a single attempt and then closed.
type Sink interface {
	// Begin prepares the sink for an image of declared bytes, or of unknown
	// length if declared is negative.
	Begin(declared int64) error
	// WriteChunk appends p to the image.
	WriteChunk(p []byte) error
	// End completes the image, checking it against the declared length.
	End() error
	// Abort discards whatever has been written. It is safe to call at any time.
	Abort()
	// Size returns the number of bytes staged.
	Size() int64
	// Open returns a reader over the staged image. Valid only after End.
	Open() (io.ReadCloser, error)
	// Install makes the staged image resident in Bank, ready for commit.
	// digest is the SHA-256 of the verified image; the installed bytes must
	// match it.
	Install(digest []byte) error
	// Bank returns the bank the image is destined for.
	Bank() bank.Bank
	// Close releases any resources held by the sink.
	Close() error
}

// Options configures New.
type Options struct {
	Backend Backend
	// Dir is the directory used for temporary files by the File backend.
	// The system default is used if empty.
	Dir string
}

// New returns a sink of the configured backend for b.
func New(opts Options, banks Banks, b bank.Bank) (Sink, error) {
	switch opts.Backend {
	case Stream, "":
		return NewBankSink(banks, b), nil
	case File:
		return NewFileSink(opts.Dir, banks, b), nil
	}
	return nil, fmt.Errorf("unknown staging backend %q", opts.Backend)
}

// ParseBackend validates a backend name.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case Stream, File:
		return b, nil
	}
	return "", fmt.Errorf("unknown staging backend %q (want %q or %q)", s, Stream, File)
}
