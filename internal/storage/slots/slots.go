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

// Package slots stores small, revisioned records in fixed regions of a block
// device. Each slot is backed by a Journal so that a record survives a power
// cut during its own replacement.
package slots

import (
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Geometry describes the physical layout of a Partition and its slots on the
// underlying storage.
type Geometry struct {
	// Start identifies the address of first block which is part of a partition.
	Start uint
	// Length is the number of blocks covered by this partition.
	// i.e. [Start, Start+Length) is the range of blocks covered by this partition.
	Length uint
	// SlotLengths is an ordered list containing the lengths of the slot(s)
	// allocated within this partition.
	// Changing these once data has been written will orphan or corrupt records.
	SlotLengths []uint
}

// MinSlotLength is the smallest slot, in blocks, which can replace its record
// without overwriting it.
const MinSlotLength = 2

// Validate checks that the geometry is self-consistent.
func (g Geometry) Validate() error {
	t := uint(0)
	for i, l := range g.SlotLengths {
		if l < MinSlotLength {
			return fmt.Errorf("invalid geometry: slot %d has %d blocks, need at least %d", i, l, MinSlotLength)
		}
		t += l
	}
	if t > g.Length {
		return fmt.Errorf("invalid geometry: total slot length (%d blocks) exceeds overall length (%d blocks)", t, g.Length)
	}
	return nil
}

// Partition describes the extent and layout of a single contiguous region of
// underlying block storage.
type Partition struct {
	dev   BlockReaderWriter
	slots []Slot
}

// OpenPartition returns a partition for accessing the slots described by geo
// on rw.
func OpenPartition(rw BlockReaderWriter, geo Geometry) (*Partition, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}

	ret := &Partition{
		dev:   rw,
		slots: make([]Slot, len(geo.SlotLengths)),
	}

	b := geo.Start
	for i, l := range geo.SlotLengths {
		ret.slots[i].start = b
		ret.slots[i].length = l
		b += l
	}

	return ret, nil
}

// Erase destroys the data stored in all slots configured in this partition.
// WARNING: Data Loss!
func (p *Partition) Erase() error {
	klog.Info("Erasing partition")
	var errs []error
	for i := range p.slots {
		if err := p.eraseSlot(i); err != nil {
			klog.Warningf("Failed to erase slot %d: %v", i, err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to erase one or more slots in partition: %w", errors.Join(errs...))
	}
	return nil
}

func (p *Partition) eraseSlot(i int) error {
	s := &p.slots[i]
	s.mu.Lock()
	defer s.mu.Unlock()

	// The journal is stale once its blocks are gone.
	s.journal = nil

	klog.Infof("Erasing partition slot %d @ block %d len %d blocks", i, s.start, s.length)
	b := make([]byte, s.length*p.dev.BlockSize())
	if _, err := p.dev.WriteBlocks(s.start, b); err != nil {
		return fmt.Errorf("slot %d occupying blocks [%d, %d): %w", i, s.start, s.start+s.length, err)
	}
	return nil
}

// Open opens the specified slot, returning an error if the slot is out of
// bounds or its journal cannot be read.
func (p *Partition) Open(slot uint) (*Slot, error) {
	if l := uint(len(p.slots)); slot >= l {
		return nil, fmt.Errorf("invalid slot %d (partition has %d slots)", slot, l)
	}
	s := &p.slots[slot]
	klog.V(2).Infof("Opening slot %d", slot)
	if err := s.Open(p.dev); err != nil {
		return nil, fmt.Errorf("failed to open slot %d: %v", slot, err)
	}
	return s, nil
}

// NumSlots returns the number of slots configured in this partition.
func (p *Partition) NumSlots() int {
	return len(p.slots)
}

// Slot represents the current data in a slot.
type Slot struct {
	mu sync.RWMutex

	// start and length define the on-storage blocks assigned to this journal:
	// [start, start+length).
	start, length uint

	// journal is nil until the slot is first opened.
	journal *Journal
}

// Open prepares the slot for use.
// This method is idempotent and will not return an error if called multiple times.
func (s *Slot) Open(dev BlockReaderWriter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.journal != nil {
		return nil
	}
	j, err := OpenJournal(dev, s.start, s.length)
	if err != nil {
		return fmt.Errorf("failed to open journal: %v", err)
	}
	s.journal = j
	return nil
}

// Read returns the last data successfully written to the slot, along with a token
// which can be used with CheckAndWrite.
func (s *Slot) Read() ([]byte, uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.journal == nil {
		return nil, 0, errors.New("slot not open")
	}
	c := s.journal.Current()
	return c.Data, c.Revision, nil
}

// Write writes the provided data to the slot.
// Upon successful completion, this data will be returned by future calls to Read
// until another successful Write call is made.
// If the call to Write fails, future calls to Read will return the previous
// successfully written data, if any.
func (s *Slot) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("slot not open")
	}
	return s.journal.Update(p)
}

// CheckAndWrite behaves like Write, with the exception that it will immediately
// return an error if the slot has been successfully written to since the Read call
// which produced the passed-in token.
func (s *Slot) CheckAndWrite(token uint32, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("slot not open")
	}
	if s.journal.Current().Revision != token {
		return ErrStaleToken
	}
	return s.journal.Update(p)
}

// ErrStaleToken is returned by CheckAndWrite when the slot has changed since
// the token was issued.
var ErrStaleToken = errors.New("invalid token, slot updated since then")
