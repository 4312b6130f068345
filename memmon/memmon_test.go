// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memmon

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/umd-lhcb/MiniDAQ-utils/elink"
)

func snapshot(n int, v uint8) []elink.Frame {
	frames := make([]elink.Frame, n)
	for i := range frames {
		frames[i].Header = [2]uint8{0x80, 0x00}
		for ch := range frames[i].Elinks {
			frames[i].Elinks[ch] = v
		}
	}
	return frames
}

func TestDevice(t *testing.T) {
	lay := Layout{
		Base:    0x1000,
		Fiber:   0x00,
		Options: 0x04,
		Memory:  0x10,
		Frames:  4,
	}

	raw := new(bytes.Buffer)
	err := WriteSnapshot(raw, snapshot(lay.Frames, 0xc4))
	if err != nil {
		t.Fatalf("could not encode snapshot: %+v", err)
	}

	bar := make([]byte, 0x2000)
	copy(bar[lay.Base+lay.Memory:], raw.Bytes())
	fname := filepath.Join(t.TempDir(), "bar0")
	err = os.WriteFile(fname, bar, 0644)
	if err != nil {
		t.Fatalf("could not create device file: %+v", err)
	}

	dev, err := Open(fname, lay)
	if err != nil {
		t.Fatalf("could not open device: %+v", err)
	}
	defer dev.Close()

	err = dev.SetFiber(7)
	if err != nil {
		t.Fatalf("could not set fiber: %+v", err)
	}
	fiber, err := dev.Fiber()
	if err != nil {
		t.Fatalf("could not read fiber: %+v", err)
	}
	if got, want := fiber, 7; got != want {
		t.Fatalf("invalid fiber: got=%d, want=%d", got, want)
	}

	err = dev.SetOptions(0x1)
	if err != nil {
		t.Fatalf("could not set options: %+v", err)
	}
	opts, err := dev.Options()
	if err != nil {
		t.Fatalf("could not read options: %+v", err)
	}
	if got, want := opts, uint32(0x1); got != want {
		t.Fatalf("invalid options: got=0x%x, want=0x%x", got, want)
	}

	frames, err := dev.Read(context.Background())
	if err != nil {
		t.Fatalf("could not read snapshot: %+v", err)
	}
	if got, want := len(frames), lay.Frames; got != want {
		t.Fatalf("invalid number of frames: got=%d, want=%d", got, want)
	}
	for i, f := range frames {
		if got, want := f.Elinks[5], uint8(0xc4); got != want {
			t.Fatalf("frame %d: invalid elink value: got=0x%x, want=0x%x", i, got, want)
		}
	}
}

func TestCapture(t *testing.T) {
	raw := new(bytes.Buffer)
	for _, v := range []uint8{0x89, 0xc4} {
		err := WriteSnapshot(raw, snapshot(8, v))
		if err != nil {
			t.Fatalf("could not encode snapshot: %+v", err)
		}
	}
	raw.Write(make([]byte, 10)) // truncated trailer

	ctx := context.Background()
	c := NewCapture(raw, 8)
	for _, want := range []uint8{0x89, 0xc4} {
		frames, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("could not read snapshot: %+v", err)
		}
		if got := frames[0].Elinks[0]; got != want {
			t.Fatalf("invalid value: got=0x%x, want=0x%x", got, want)
		}
	}

	_, err := c.Read(ctx)
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected a truncated snapshot error, got %+v", err)
	}

	_, err = NewCapture(new(bytes.Buffer), 8).Read(ctx)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %+v", err)
	}
}
