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
	"errors"
	"fmt"
	"io"

	"github.com/transparency-dev/armored-ota/internal/bank"
	"k8s.io/klog/v2"
)

// BankSink writes the image directly into a bank as it is received.
type BankSink struct {
	banks    Banks
	bank     bank.Bank
	w        *bank.Writer
	declared int64
	ended    bool
}

// NewBankSink returns a sink writing into b.
func NewBankSink(banks Banks, b bank.Bank) *BankSink {
	return &BankSink{banks: banks, bank: b}
}

// Begin starts the bank write. Streaming needs the length up front, so
// declared must be positive.
func (s *BankSink) Begin(declared int64) error {
	if s.w != nil {
		return errors.New("sink already begun")
	}
	if declared <= 0 {
		return fmt.Errorf("%w: streaming into bank %v requires a positive declared length, got %d", ErrLength, s.bank.ID, declared)
	}
	w, err := s.banks.BeginWrite(s.bank)
	if err != nil {
		return err
	}
	s.w = w
	s.declared = declared
	return nil
}

// WriteChunk writes p through to the bank.
func (s *BankSink) WriteChunk(p []byte) error {
	if s.w == nil {
		return errors.New("sink not begun")
	}
	if s.w.Written()+int64(len(p)) > s.declared {
		return fmt.Errorf("%w: more than the declared %d bytes received", ErrLength, s.declared)
	}
	return s.w.WriteChunk(p)
}

// End finishes the bank write.
func (s *BankSink) End() error {
	if s.w == nil {
		return errors.New("sink not begun")
	}
	if got := s.w.Written(); got != s.declared {
		return fmt.Errorf("%w: wrote %d bytes, declared %d", ErrLength, got, s.declared)
	}
	if err := s.w.EndWrite(); err != nil {
		return err
	}
	s.ended = true
	return nil
}

// Abort invalidates the partially written bank.
func (s *BankSink) Abort() {
	if s.w != nil {
		klog.Infof("Discarding partial image in bank %v", s.bank.ID)
		s.w.Abort()
	}
	s.ended = false
}

// Size returns the number of bytes written to the bank.
func (s *BankSink) Size() int64 {
	if s.w == nil {
		return 0
	}
	return s.w.Written()
}

// Open reads the image back from the bank.
func (s *BankSink) Open() (io.ReadCloser, error) {
	if !s.ended {
		return nil, errors.New("image not complete")
	}
	r, err := s.banks.Reader(s.bank, s.w.Written())
	if err != nil {
		return nil, err
	}
	return io.NopCloser(r), nil
}

// Install is a no-op: the image was verified in place, so digest needs no
// second check.
func (s *BankSink) Install([]byte) error {
	if !s.ended {
		return errors.New("image not complete")
	}
	return nil
}

// Bank returns the destination bank.
func (s *BankSink) Bank() bank.Bank {
	return s.bank
}

// Close is a no-op.
func (s *BankSink) Close() error {
	return nil
}
