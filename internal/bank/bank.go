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

// Package bank manages a pair of firmware banks on a block device and the
// boot selector which names the bank to boot from.
//
// Images are written into the inactive bank with BeginWrite, WriteChunk and
// EndWrite. Commit then atomically rewrites the boot selector to point at that
// bank. Nothing written to a bank is bootable until Commit succeeds.
package bank

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/transparency-dev/armored-ota/internal/storage/slots"
	"k8s.io/klog/v2"
)

var (
	// ErrStorage wraps failures to write image data into a bank.
	ErrStorage = errors.New("staging storage error")
	// ErrCommit wraps failures to update the boot selector.
	ErrCommit = errors.New("boot selector commit failed")
	// ErrActiveBank is returned when asked to write to the bank currently selected for boot.
	ErrActiveBank = errors.New("bank is the active boot bank")
	// ErrIncomplete is returned by Commit when the bank holds no fully written image.
	ErrIncomplete = errors.New("bank does not hold a completely written image")
)

// batchBlocks is the number of blocks buffered before being written to the
// device.
const batchBlocks = 64

// ID identifies one of the two banks.
type ID int

const (
	A ID = iota
	B
)

func (id ID) String() string {
	switch id {
	case A:
		return "A"
	case B:
		return "B"
	}
	return fmt.Sprintf("bank(%d)", int(id))
}

// Other returns the opposite bank.
func (id ID) Other() ID {
	if id == A {
		return B
	}
	return A
}

// Geometry describes where the selector and the two banks live on the
// device. The selector occupies [Start, Start+SelectorLength), followed by
// bank A and then bank B, each BankLength blocks long.
type Geometry struct {
	Start          uint
	SelectorLength uint
	BankLength     uint
}

// Validate checks that the geometry is usable.
func (g Geometry) Validate() error {
	if g.SelectorLength < 2 {
		return fmt.Errorf("selector length must be at least 2 blocks, got %d", g.SelectorLength)
	}
	if g.BankLength == 0 {
		return errors.New("bank length must be non-zero")
	}
	return nil
}

// Blocks returns the total number of blocks spanned by the geometry.
func (g Geometry) Blocks() uint {
	return g.SelectorLength + 2*g.BankLength
}

// Bank is a handle to one of the two banks.
type Bank struct {
	ID ID
	// Start and Length locate the bank on the device, in blocks.
	Start, Length uint
}

// Selection is the content of the boot selector.
type Selection struct {
	// Bank is the bank to boot from.
	Bank ID `json:"bank"`
	// Size is the length in bytes of the image in Bank.
	Size int64 `json:"size"`
	// Version and Digest describe the image, if known.
	Version string `json:"version,omitempty"`
	Digest  string `json:"digest,omitempty"`
	// Revision counts the commits made to the selector. Zero means the selector
	// has never been written and the device runs from bank A.
	Revision uint32 `json:"-"`
}

// Image carries the metadata recorded alongside a commit.
type Image struct {
	Version string
	Digest  string
}

type bankState struct {
	// gen increases every time a write to the bank begins, which invalidates
	// any earlier writer.
	gen      uint64
	complete bool
	size     int64
}

// Manager owns the banks and boot selector on a device.
type Manager struct {
	dev      slots.BlockReaderWriter
	geo      Geometry
	selector *slots.Slot

	mu    sync.Mutex
	state [2]bankState
}

// NewManager opens the boot selector on dev and returns a Manager for the
// banks described by geo.
func NewManager(dev slots.BlockReaderWriter, geo Geometry) (*Manager, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	p, err := slots.OpenPartition(dev, slots.Geometry{
		Start:       geo.Start,
		Length:      geo.SelectorLength,
		SlotLengths: []uint{geo.SelectorLength},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open selector partition: %v", err)
	}
	s, err := p.Open(0)
	if err != nil {
		return nil, fmt.Errorf("failed to open selector: %v", err)
	}
	m := &Manager{
		dev:      dev,
		geo:      geo,
		selector: s,
	}
	sel, err := m.Active()
	if err != nil {
		return nil, err
	}
	klog.Infof("Boot selector: bank %v (revision %d, version %q)", sel.Bank, sel.Revision, sel.Version)
	return m, nil
}

// Bank returns the handle for the given bank.
func (m *Manager) Bank(id ID) Bank {
	start := m.geo.Start + m.geo.SelectorLength
	if id == B {
		start += m.geo.BankLength
	}
	return Bank{ID: id, Start: start, Length: m.geo.BankLength}
}

// Capacity returns the largest image, in bytes, which fits in a bank.
func (m *Manager) Capacity() int64 {
	return int64(m.geo.BankLength) * int64(m.dev.BlockSize())
}

// Active returns the current boot selection.
func (m *Manager) Active() (Selection, error) {
	d, rev, err := m.selector.Read()
	if err != nil {
		return Selection{}, fmt.Errorf("failed to read boot selector: %v", err)
	}
	if rev == 0 {
		return Selection{Bank: A}, nil
	}
	var s Selection
	if err := json.Unmarshal(d, &s); err != nil {
		return Selection{}, fmt.Errorf("corrupt boot selector revision %d: %v", rev, err)
	}
	if s.Bank != A && s.Bank != B {
		return Selection{}, fmt.Errorf("boot selector revision %d names unknown bank %d", rev, s.Bank)
	}
	s.Revision = rev
	return s, nil
}

// NextUpdateBank returns the bank which is not currently selected for boot.
func (m *Manager) NextUpdateBank() (Bank, error) {
	s, err := m.Active()
	if err != nil {
		return Bank{}, err
	}
	return m.Bank(s.Bank.Other()), nil
}

// BeginWrite starts writing a new image into b, discarding any image
// previously written there. Writers for b obtained earlier become unusable.
func (m *Manager) BeginWrite(b Bank) (*Writer, error) {
	s, err := m.Active()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if s.Bank == b.ID {
		return nil, fmt.Errorf("%w: refusing to write to bank %v", ErrActiveBank, b.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := &m.state[b.ID]
	st.gen++
	st.complete = false
	st.size = 0
	klog.V(1).Infof("Begin write to bank %v @ block %d", b.ID, b.Start)
	bs := int(m.dev.BlockSize())
	return &Writer{
		m:    m,
		bank: b,
		gen:  st.gen,
		bs:   bs,
		buf:  make([]byte, 0, batchBlocks*bs),
	}, nil
}

// Commit points the boot selector at b. The bank must hold an image whose
// write ended successfully, and must not be the active bank.
func (m *Manager) Commit(b Bank, img Image) error {
	cur, err := m.Active()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommit, err)
	}
	if cur.Bank == b.ID {
		return fmt.Errorf("%w: %w", ErrCommit, ErrActiveBank)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := &m.state[b.ID]
	if !st.complete {
		return fmt.Errorf("%w: bank %v: %w", ErrCommit, b.ID, ErrIncomplete)
	}
	sel := Selection{
		Bank:    b.ID,
		Size:    st.size,
		Version: img.Version,
		Digest:  img.Digest,
	}
	raw, err := json.Marshal(sel)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommit, err)
	}
	// A selector written since cur was read makes this commit stale.
	if err := m.selector.CheckAndWrite(cur.Revision, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrCommit, err)
	}
	// The image is now the boot image; it must not be committed again or overwritten via a stale writer.
	st.gen++
	st.complete = false
	klog.Infof("Boot selector now points at bank %v (%d bytes, version %q)", b.ID, sel.Size, sel.Version)
	return nil
}

// Reader returns a reader over the first size bytes of b.
func (m *Manager) Reader(b Bank, size int64) (io.Reader, error) {
	if size < 0 || size > int64(b.Length)*int64(m.dev.BlockSize()) {
		return nil, fmt.Errorf("size %d out of range for bank %v", size, b.ID)
	}
	return &reader{dev: m.dev, lba: b.Start, remaining: size}, nil
}

// Writer writes an image into a bank. It is not safe for concurrent use.
type Writer struct {
	m    *Manager
	bank Bank
	gen  uint64
	bs   int

	// buf holds data not yet written to the device, always less than a full batch.
	buf []byte
	// lba is the next block to be written.
	lba uint
	// n is the total number of bytes accepted so far.
	n     int64
	ended bool
	err   error
}

// Bank returns the bank being written.
func (w *Writer) Bank() Bank {
	return w.bank
}

// Written returns the number of bytes accepted so far.
func (w *Writer) Written() int64 {
	return w.n
}

func (w *Writer) check() error {
	if w.err != nil {
		return w.err
	}
	if w.ended {
		return fmt.Errorf("%w: write to bank %v already ended", ErrStorage, w.bank.ID)
	}
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	if w.m.state[w.bank.ID].gen != w.gen {
		return fmt.Errorf("%w: writer for bank %v has been superseded", ErrStorage, w.bank.ID)
	}
	return nil
}

// WriteChunk appends p to the image.
func (w *Writer) WriteChunk(p []byte) error {
	if err := w.check(); err != nil {
		return err
	}
	if w.n+int64(len(p)) > int64(w.bank.Length)*int64(w.bs) {
		w.err = fmt.Errorf("%w: image exceeds bank %v capacity of %d blocks", ErrStorage, w.bank.ID, w.bank.Length)
		return w.err
	}
	w.n += int64(len(p))
	for len(p) > 0 {
		room := cap(w.buf) - len(w.buf)
		c := len(p)
		if c > room {
			c = room
		}
		w.buf = append(w.buf, p[:c]...)
		p = p[c:]
		if len(w.buf) == cap(w.buf) {
			if err := w.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Write implements io.Writer in terms of WriteChunk.
func (w *Writer) Write(p []byte) (int, error) {
	if err := w.WriteChunk(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// flush writes the buffered data to the device, padding a final partial block.
func (w *Writer) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	blocks := uint((len(w.buf) + w.bs - 1) / w.bs)
	n, err := w.m.dev.WriteBlocks(w.bank.Start+w.lba, w.buf)
	if err == nil && n != blocks {
		err = fmt.Errorf("short write: %d of %d blocks", n, blocks)
	}
	if err != nil {
		w.err = fmt.Errorf("%w: bank %v block %d: %v", ErrStorage, w.bank.ID, w.bank.Start+w.lba, err)
		return w.err
	}
	w.lba += blocks
	klog.V(2).Infof("flashed %d/%d blocks of bank %v", w.lba, w.bank.Length, w.bank.ID)
	w.buf = w.buf[:0]
	return nil
}

// EndWrite flushes any buffered data and marks the image as complete, making
// the bank eligible for Commit.
func (w *Writer) EndWrite() error {
	if err := w.check(); err != nil {
		return err
	}
	if err := w.flush(); err != nil {
		return err
	}
	w.ended = true

	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	st := &w.m.state[w.bank.ID]
	if st.gen != w.gen {
		return fmt.Errorf("%w: writer for bank %v has been superseded", ErrStorage, w.bank.ID)
	}
	st.complete = true
	st.size = w.n
	klog.Infof("Wrote %d bytes to bank %v", w.n, w.bank.ID)
	return nil
}

// Abort abandons the write. The bank can no longer be committed until a new
// write completes.
func (w *Writer) Abort() {
	w.ended = true
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	if st := &w.m.state[w.bank.ID]; st.gen == w.gen {
		st.complete = false
		st.size = 0
	}
}

// reader reads a bank back in bounded chunks.
type reader struct {
	dev       slots.BlockReaderWriter
	lba       uint
	remaining int64
	buf       []byte
	pending   []byte
}

func (r *reader) Read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		if r.remaining == 0 {
			return 0, io.EOF
		}
		bs := int64(r.dev.BlockSize())
		if r.buf == nil {
			r.buf = make([]byte, batchBlocks*bs)
		}
		want := r.remaining
		if want > int64(len(r.buf)) {
			want = int64(len(r.buf))
		}
		blocks := (want + bs - 1) / bs
		chunk := r.buf[:blocks*bs]
		if err := r.dev.ReadBlocks(r.lba, chunk); err != nil {
			return 0, fmt.Errorf("%w: read at block %d: %v", ErrStorage, r.lba, err)
		}
		r.lba += uint(blocks)
		r.remaining -= want
		r.pending = chunk[:want]
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}
