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

package slots

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"k8s.io/klog/v2"
)

// BlockReaderWriter defines the interface for reading and writing blocks of
// underlying storage.
type BlockReaderWriter interface {
	// BlockSize returns the size in bytes of each block.
	BlockSize() uint
	// ReadBlocks reads len(b) bytes starting at block lba into b.
	ReadBlocks(lba uint, b []byte) error
	// WriteBlocks writes b starting at block lba, padding the final block
	// with zeroes if necessary, and returns the number of blocks written.
	WriteBlocks(lba uint, b []byte) (uint, error)
}

var entryMagic = [4]byte{'O', 'T', 'A', 'J'}

const (
	// headerSize is magic(4) | revision(4) | length(4) | sha256(32).
	headerSize = 4 + 4 + 4 + sha256.Size
)

// Entry is a single record stored in a journal.
type Entry struct {
	// Revision increases by one with every successful update.
	// A journal which has never been written has revision 0.
	Revision uint32
	// Data is the payload stored by the update.
	Data []byte
}

// Journal is an append-only log of entries occupying a fixed range of blocks.
//
// Each entry is written to fresh blocks following the previous entry, wrapping
// back to the start of the range when the end is reached. When opened, the
// valid entry with the highest revision wins, so a torn write leaves the
// previous entry in force. An entry may therefore occupy at most half of the
// range, and is never written over the blocks of the current entry.
type Journal struct {
	dev           BlockReaderWriter
	start, length uint

	current Entry
	// at is the block offset, relative to start, of the current entry. It is
	// meaningful only once an entry has been found or written.
	at uint
	// next is the block offset, relative to start, at which the next entry
	// will be written.
	next uint
}

// ErrEntryTooLarge is returned by Update when an entry cannot be written
// without risking the current one.
var ErrEntryTooLarge = errors.New("journal entry too large")

// OpenJournal scans the blocks [start, start+length) of dev and returns a
// journal positioned after its most recent valid entry.
func OpenJournal(dev BlockReaderWriter, start, length uint) (*Journal, error) {
	if length == 0 {
		return nil, errors.New("journal must have non-zero length")
	}
	bs := dev.BlockSize()
	buf := make([]byte, length*bs)
	if err := dev.ReadBlocks(start, buf); err != nil {
		return nil, fmt.Errorf("failed to read journal blocks [%d, %d): %v", start, start+length, err)
	}

	j := &Journal{
		dev:    dev,
		start:  start,
		length: length,
	}
	found := false
	for off := uint(0); off < length; {
		e, n, ok := decodeEntry(buf[off*bs:], bs)
		if !ok {
			off++
			continue
		}
		if !found || e.Revision > j.current.Revision {
			found = true
			j.current = e
			j.at = off
			j.next = off + n
		}
		off += n
	}
	klog.V(2).Infof("Opened journal @ block %d: revision %d, next write at +%d", start, j.current.Revision, j.next)
	return j, nil
}

// Current returns the most recent entry.
func (j *Journal) Current() Entry {
	return j.current
}

// Update appends a new entry containing p.
// If the write fails, the journal continues to report the previous entry.
func (j *Journal) Update(p []byte) error {
	bs := j.dev.BlockSize()
	rev := j.current.Revision + 1
	enc := encodeEntry(rev, p)
	n := blocksFor(uint(len(enc)), bs)
	if n > j.length/2 {
		return fmt.Errorf("%w: %d blocks, journal of %d blocks holds at most %d", ErrEntryTooLarge, n, j.length, j.length/2)
	}
	at := j.next
	if at+n > j.length {
		at = 0
	}
	// Entries of varying size can leave no gap large enough.
	if j.current.Revision > 0 && at < j.next && j.at < at+n {
		return fmt.Errorf("%w: %d blocks at +%d would overwrite revision %d at [+%d, +%d)", ErrEntryTooLarge, n, at, j.current.Revision, j.at, j.next)
	}
	if _, err := j.dev.WriteBlocks(j.start+at, enc); err != nil {
		return fmt.Errorf("failed to write journal entry at block %d: %v", j.start+at, err)
	}
	klog.V(2).Infof("Wrote journal entry revision %d (%d bytes) @ block %d", rev, len(p), j.start+at)
	j.current = Entry{Revision: rev, Data: append([]byte(nil), p...)}
	j.at = at
	j.next = at + n
	return nil
}

func blocksFor(n, bs uint) uint {
	return (n + bs - 1) / bs
}

func entryHash(rev uint32, p []byte) [sha256.Size]byte {
	h := sha256.New()
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:], rev)
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(p)))
	h.Write(hdr[:])
	h.Write(p)
	var r [sha256.Size]byte
	copy(r[:], h.Sum(nil))
	return r
}

func encodeEntry(rev uint32, p []byte) []byte {
	b := make([]byte, headerSize, headerSize+len(p))
	copy(b[0:4], entryMagic[:])
	binary.BigEndian.PutUint32(b[4:8], rev)
	binary.BigEndian.PutUint32(b[8:12], uint32(len(p)))
	h := entryHash(rev, p)
	copy(b[12:headerSize], h[:])
	return append(b, p...)
}

// decodeEntry attempts to parse an entry at the start of b, returning the
// entry and the number of blocks it occupies.
func decodeEntry(b []byte, bs uint) (Entry, uint, bool) {
	if len(b) < headerSize || !bytes.Equal(b[0:4], entryMagic[:]) {
		return Entry{}, 0, false
	}
	rev := binary.BigEndian.Uint32(b[4:8])
	l := binary.BigEndian.Uint32(b[8:12])
	if uint64(headerSize)+uint64(l) > uint64(len(b)) {
		return Entry{}, 0, false
	}
	data := b[headerSize : headerSize+int(l)]
	if h := entryHash(rev, data); !bytes.Equal(h[:], b[12:headerSize]) {
		return Entry{}, 0, false
	}
	e := Entry{Revision: rev}
	if l > 0 {
		e.Data = append([]byte(nil), data...)
	}
	return e, blocksFor(uint(headerSize)+uint(l), bs), true
}
