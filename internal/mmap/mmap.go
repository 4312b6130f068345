// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmap provides access to memory-mapped device registers.
package mmap // import "github.com/umd-lhcb/MiniDAQ-utils/internal/mmap"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

var (
	errClosed = errors.New("mmap: closed")
)

// Handle is a window over a memory-mapped region.
type Handle struct {
	mem  []byte // whole mapping, page aligned
	data []byte // requested window
}

// HandleFrom creates a handle over an already mapped region.
func HandleFrom(data []byte) *Handle {
	h := &Handle{mem: data, data: data}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h
}

// Open maps size bytes of the named file (usually a PCIe BAR or /dev/mem),
// starting at offset. The offset does not need to be page aligned.
func Open(fname string, offset int64, size int) (*Handle, error) {
	if offset < 0 || size <= 0 {
		return nil, fmt.Errorf("mmap: invalid window (offset=%d, size=%d)", offset, size)
	}

	f, err := os.OpenFile(fname, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not open %q: %w", fname, err)
	}
	defer f.Close()

	var (
		page  = int64(os.Getpagesize())
		base  = offset &^ (page - 1)
		delta = int(offset - base)
	)
	mem, err := unix.Mmap(
		int(f.Fd()), base, delta+size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not map %q (offset=0x%x, size=%d): %w", fname, offset, size, err)
	}

	h := &Handle{mem: mem, data: mem[delta : delta+size]}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h, nil
}

// Close closes the mmap handle.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}

	if h.data == nil {
		return nil
	}
	mem := h.mem
	h.mem = nil
	h.data = nil
	runtime.SetFinalizer(h, nil)

	return unix.Munmap(mem)
}

// Len returns the length of the mapped window.
func (h *Handle) Len() int {
	return len(h.data)
}

// At returns the byte at index i.
func (h *Handle) At(i int) byte {
	return h.data[i]
}

// ReadAt implements the io.ReaderAt interface.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid ReadAt offset %d", off)
	}
	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the io.WriterAt interface.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid WriteAt offset %d", off)
	}
	n := copy(h.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Uint32At reads the little-endian 32-bit register at offset off.
func (h *Handle) Uint32At(off int64) (uint32, error) {
	var p [4]byte
	_, err := h.ReadAt(p[:], off)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p[:]), nil
}

// PutUint32At writes v as a little-endian 32-bit register at offset off.
func (h *Handle) PutUint32At(off int64, v uint32) error {
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], v)
	_, err := h.WriteAt(p[:], off)
	return err
}

var (
	_ io.ReaderAt = (*Handle)(nil)
	_ io.WriterAt = (*Handle)(nil)
	_ io.Closer   = (*Handle)(nil)
)
