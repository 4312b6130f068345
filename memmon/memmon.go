// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memmon reads snapshots of the readout board memory monitor.
//
// The memory monitor records the 16-byte frames received on one fiber.
// A snapshot holds a fixed number of frames (256 by default).
package memmon // import "github.com/umd-lhcb/MiniDAQ-utils/memmon"

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/umd-lhcb/MiniDAQ-utils/elink"
	"github.com/umd-lhcb/MiniDAQ-utils/internal/mmap"
)

// DefaultFrames is the number of frames of a memory-monitor snapshot.
const DefaultFrames = 256

// Monitor reads memory-monitor snapshots.
type Monitor interface {
	Read(ctx context.Context) ([]elink.Frame, error)
}

// Layout describes where the memory-monitor registers sit in the
// readout board address space.
type Layout struct {
	Base    int64 // offset of the register block in the device file
	Fiber   int64 // offset of the monitored-fiber register, from Base
	Options int64 // offset of the monitoring-options register, from Base
	Memory  int64 // offset of the frame memory, from Base
	Frames  int   // number of frames in a snapshot
}

func (l Layout) size() int {
	n := int(l.Memory) + l.Frames*elink.FrameSize
	for _, reg := range []int64{l.Fiber, l.Options} {
		if v := int(reg) + 4; v > n {
			n = v
		}
	}
	return n
}

// Device is a memory monitor mapped from a device file.
type Device struct {
	lay Layout
	mem *mmap.Handle
}

// Open maps the memory-monitor registers of the named device file.
func Open(fname string, lay Layout) (*Device, error) {
	if lay.Frames <= 0 {
		lay.Frames = DefaultFrames
	}
	mem, err := mmap.Open(fname, lay.Base, lay.size())
	if err != nil {
		return nil, fmt.Errorf("memmon: could not open memory monitor: %w", err)
	}
	return &Device{lay: lay, mem: mem}, nil
}

// Close unmaps the memory-monitor registers.
func (dev *Device) Close() error {
	err := dev.mem.Close()
	if err != nil {
		return fmt.Errorf("memmon: could not close memory monitor: %w", err)
	}
	return nil
}

// Fiber returns the index of the monitored fiber.
func (dev *Device) Fiber() (int, error) {
	v, err := dev.mem.Uint32At(dev.lay.Fiber)
	if err != nil {
		return 0, fmt.Errorf("memmon: could not read monitored fiber: %w", err)
	}
	return int(v), nil
}

// SetFiber selects the monitored fiber.
func (dev *Device) SetFiber(fiber int) error {
	err := dev.mem.PutUint32At(dev.lay.Fiber, uint32(fiber))
	if err != nil {
		return fmt.Errorf("memmon: could not select fiber %d: %w", fiber, err)
	}
	return nil
}

// Options returns the monitoring options.
func (dev *Device) Options() (uint32, error) {
	v, err := dev.mem.Uint32At(dev.lay.Options)
	if err != nil {
		return 0, fmt.Errorf("memmon: could not read monitoring options: %w", err)
	}
	return v, nil
}

// SetOptions sets the monitoring options (e.g. looping).
func (dev *Device) SetOptions(opts uint32) error {
	err := dev.mem.PutUint32At(dev.lay.Options, opts)
	if err != nil {
		return fmt.Errorf("memmon: could not set monitoring options 0x%x: %w", opts, err)
	}
	return nil
}

// Read reads and decodes one snapshot.
func (dev *Device) Read(ctx context.Context) ([]elink.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw := make([]byte, dev.lay.Frames*elink.FrameSize)
	_, err := dev.mem.ReadAt(raw, dev.lay.Memory)
	if err != nil {
		return nil, fmt.Errorf("memmon: could not read frame memory: %w", err)
	}
	frames, err := elink.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("memmon: could not decode snapshot: %w", err)
	}
	return frames, nil
}

// Capture replays snapshots recorded in a file, one after the other.
type Capture struct {
	r      io.Reader
	frames int
}

// NewCapture replays snapshots of n frames read from r.
func NewCapture(r io.Reader, n int) *Capture {
	if n <= 0 {
		n = DefaultFrames
	}
	return &Capture{r: r, frames: n}
}

// OpenCapture replays the snapshots recorded in the named file.
func OpenCapture(fname string, n int) (*Capture, error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return nil, fmt.Errorf("memmon: could not read capture file: %w", err)
	}
	return NewCapture(bytes.NewReader(raw), n), nil
}

// Read decodes the next snapshot. It returns io.EOF when the capture is
// exhausted.
func (c *Capture) Read(ctx context.Context) ([]elink.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw := make([]byte, c.frames*elink.FrameSize)
	_, err := io.ReadFull(c.r, raw)
	switch {
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	case err != nil:
		return nil, fmt.Errorf("memmon: could not read snapshot: %w", err)
	}
	frames, err := elink.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("memmon: could not decode snapshot: %w", err)
	}
	return frames, nil
}

// WriteSnapshot writes frames in the raw memory-monitor layout.
func WriteSnapshot(w io.Writer, frames []elink.Frame) error {
	for i, f := range frames {
		_, err := w.Write(elink.Encode(f))
		if err != nil {
			return fmt.Errorf("memmon: could not write frame %d: %w", i, err)
		}
	}
	return nil
}

var (
	_ Monitor = (*Device)(nil)
	_ Monitor = (*Capture)(nil)
)
