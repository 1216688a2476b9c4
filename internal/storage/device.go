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

// Package storage provides block-level access to the firmware storage device,
// which is either a raw block device node or a regular image file.
// Note that these are very low-level primitives, and care must be taken when
// using them not to overwrite existing data (e.g. the running firmware bank!)
package storage

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"k8s.io/klog/v2"
)

var (
	// MaxTransferBytes is the largest single transfer we'll attempt.
	// Larger reads and writes are chunked into requests of at most
	// MaxTransferBytes bytes.
	MaxTransferBytes = 32 * 1024
)

// DefaultBlockSize is used when a Device is opened without an explicit block size.
const DefaultBlockSize = 512

// Device allows reading and writing whole blocks of a storage device or image file.
type Device struct {
	mu        sync.Mutex
	f         *os.File
	blockSize uint
	numBlocks uint
}

// Open opens the device at path. If the path names a regular file smaller than
// numBlocks*blockSize bytes it is extended, which allows plain files to stand in
// for a dedicated firmware partition.
func Open(path string, blockSize, numBlocks uint) (*Device, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage device %q: %v", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat storage device %q: %v", path, err)
	}
	want := int64(blockSize) * int64(numBlocks)
	if fi.Mode().IsRegular() && fi.Size() < want {
		klog.Infof("Extending image file %q from %d to %d bytes", path, fi.Size(), want)
		if err := f.Truncate(want); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size image file %q: %v", path, err)
		}
	}
	return &Device{f: f, blockSize: blockSize, numBlocks: numBlocks}, nil
}

// Close releases the underlying file.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return errors.New("device already closed")
	}
	err := d.f.Close()
	d.f = nil
	return err
}

// BlockSize returns the size in bytes of the each block in the underlying storage.
func (d *Device) BlockSize() uint {
	return d.blockSize
}

// NumBlocks returns the number of addressable blocks.
func (d *Device) NumBlocks() uint {
	return d.numBlocks
}

// WriteBlocks writes the data in b to the device blocks starting at the given block address.
// If the final block to be written is partial, it will be padded with zeroes to ensure that
// full blocks are written.
// Data is synced to stable storage before WriteBlocks returns.
// Returns the number of blocks written, or an error.
func (d *Device) WriteBlocks(lba uint, b []byte) (uint, error) {
	if len(b) == 0 {
		return 0, nil
	}
	bs := int(d.blockSize)
	if r := len(b) % bs; r != 0 {
		b = append(b, make([]byte, bs-r)...)
	}
	numBlocks := uint(len(b) / bs)
	if lba+numBlocks > d.numBlocks {
		return 0, fmt.Errorf("write of %d blocks at lba %d overruns device (%d blocks)", numBlocks, lba, d.numBlocks)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return 0, os.ErrClosed
	}
	written := uint(0)
	for len(b) > 0 {
		bl := len(b)
		if bl > MaxTransferBytes {
			bl = MaxTransferBytes
		}

		// Since this could be a long-running operation, we need to play nice with the scheduler.
		runtime.Gosched()

		off := int64(lba) * int64(bs)
		if _, err := d.f.WriteAt(b[:bl], off); err != nil {
			klog.Infof("WriteAt(%d, ...) = %v", off, err)
			return written, err
		}
		b = b[bl:]
		lba += uint(bl / bs)
		written += uint(bl / bs)
	}
	if err := d.f.Sync(); err != nil {
		return written, fmt.Errorf("sync: %v", err)
	}
	return numBlocks, nil
}

// ReadBlocks reads data from the storage device at the given address into b.
// b must be a multiple of the underlying device's block size.
func (d *Device) ReadBlocks(lba uint, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	bs := int(d.blockSize)
	if len(b)%bs != 0 {
		return fmt.Errorf("read buffer length %d is not a multiple of block size %d", len(b), bs)
	}
	if lba+uint(len(b)/bs) > d.numBlocks {
		return fmt.Errorf("read of %d blocks at lba %d overruns device (%d blocks)", len(b)/bs, lba, d.numBlocks)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return os.ErrClosed
	}
	for len(b) > 0 {
		bl := len(b)
		if bl > MaxTransferBytes {
			bl = MaxTransferBytes
		}

		runtime.Gosched()

		off := int64(lba) * int64(bs)
		if _, err := d.f.ReadAt(b[:bl], off); err != nil {
			klog.Errorf("ReadAt(%d, %d) = %v", off, bl, err)
			return err
		}
		b = b[bl:]
		lba += uint(bl / bs)
	}
	return nil
}
