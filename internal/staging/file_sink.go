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

package staging

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/transparency-dev/armored-ota/internal/bank"
	"k8s.io/klog/v2"
)

// installChunkSize is the size of the reads used to copy a staged file into
// its bank.
const installChunkSize = 4096

// FileSink stages the image in a temporary file.
type FileSink struct {
	dir   string
	banks Banks
	bank  bank.Bank

	f        *os.File
	path     string
	declared int64
	n        int64
	ended    bool
}

// NewFileSink returns a sink staging into a temporary file in dir, destined
// for bank b.
func NewFileSink(dir string, banks Banks, b bank.Bank) *FileSink {
	return &FileSink{dir: dir, banks: banks, bank: b}
}

// Path returns the location of the staging file, if one exists.
func (s *FileSink) Path() string {
	return s.path
}

// Begin creates the staging file.
func (s *FileSink) Begin(declared int64) error {
	if s.f != nil || s.path != "" {
		return errors.New("sink already begun")
	}
	f, err := os.CreateTemp(s.dir, "firmware-*.bin")
	if err != nil {
		return fmt.Errorf("%w: failed to create staging file: %v", bank.ErrStorage, err)
	}
	s.f = f
	s.path = f.Name()
	s.declared = declared
	klog.V(1).Infof("Staging firmware in %q", s.path)
	return nil
}

// WriteChunk appends p to the staging file.
func (s *FileSink) WriteChunk(p []byte) error {
	if s.f == nil {
		return errors.New("sink not open")
	}
	if s.declared >= 0 && s.n+int64(len(p)) > s.declared {
		return fmt.Errorf("%w: more than the declared %d bytes received", ErrLength, s.declared)
	}
	n, err := s.f.Write(p)
	s.n += int64(n)
	if err != nil {
		return fmt.Errorf("%w: write to %q: %v", bank.ErrStorage, s.path, err)
	}
	return nil
}

// End syncs and closes the staging file, then checks that it is non-empty and,
// if a length was declared, exactly that long.
func (s *FileSink) End() error {
	if s.f == nil {
		return errors.New("sink not open")
	}
	f := s.f
	s.f = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync %q: %v", bank.ErrStorage, s.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %q: %v", bank.ErrStorage, s.path, err)
	}
	fi, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("%w: stat %q: %v", bank.ErrStorage, s.path, err)
	}
	switch {
	case fi.Size() == 0:
		return fmt.Errorf("%w: staged file is empty", ErrLength)
	case s.declared >= 0 && fi.Size() != s.declared:
		return fmt.Errorf("%w: staged %d bytes, declared %d", ErrLength, fi.Size(), s.declared)
	}
	s.ended = true
	return nil
}

// Abort removes the staging file.
func (s *FileSink) Abort() {
	s.ended = false
	if err := s.remove(); err != nil {
		klog.Errorf("Failed to remove staging file: %v", err)
	}
}

func (s *FileSink) remove() error {
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
	if s.path == "" {
		return nil
	}
	p := s.path
	s.path = ""
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	klog.V(1).Infof("Removed staging file %q", p)
	return nil
}

// Size returns the number of bytes written to the staging file.
func (s *FileSink) Size() int64 {
	return s.n
}

// Open opens the staged file for reading.
func (s *FileSink) Open() (io.ReadCloser, error) {
	if !s.ended {
		return nil, errors.New("image not complete")
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bank.ErrStorage, err)
	}
	return f, nil
}

// Install copies the staged file into the bank. The file is hashed as it is
// copied, and the bank write is abandoned unless it matches digest.
func (s *FileSink) Install(digest []byte) error {
	r, err := s.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := s.banks.BeginWrite(s.bank)
	if err != nil {
		return err
	}
	h := sha256.New()
	buf := make([]byte, installChunkSize)
	var copied int64
	for {
		n, rErr := r.Read(buf)
		if n > 0 {
			if err := w.WriteChunk(buf[:n]); err != nil {
				w.Abort()
				return err
			}
			h.Write(buf[:n])
			copied += int64(n)
		}
		if rErr == io.EOF {
			break
		}
		if rErr != nil {
			w.Abort()
			return fmt.Errorf("%w: read %q: %v", bank.ErrStorage, s.path, rErr)
		}
	}
	if copied != s.n {
		w.Abort()
		return fmt.Errorf("%w: copied %d bytes into bank, staged %d", ErrLength, copied, s.n)
	}
	if got := h.Sum(nil); !bytes.Equal(got, digest) {
		w.Abort()
		return fmt.Errorf("%w: %q has digest %s, verified %s", ErrModified, s.path, hex.EncodeToString(got), hex.EncodeToString(digest))
	}
	if err := w.EndWrite(); err != nil {
		w.Abort()
		return err
	}
	klog.Infof("Installed %d byte image from %q into bank %v", copied, s.path, s.bank.ID)
	return nil
}

// Bank returns the destination bank.
func (s *FileSink) Bank() bank.Bank {
	return s.bank
}

// Close removes the staging file.
func (s *FileSink) Close() error {
	return s.remove()
}
