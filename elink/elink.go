// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package elink decodes memory-monitor snapshots into elink data frames.
package elink // import "github.com/umd-lhcb/MiniDAQ-utils/elink"

import (
	"fmt"

	"github.com/umd-lhcb/MiniDAQ-utils/pattern"
)

const (
	FrameSize   = 16 // size in bytes of a raw memory-monitor frame
	NumChannels = 14 // number of elink channels in a frame

	dataValid = 0x80 // tx_datavalid marker
)

// chanOffset maps an elink channel index to its byte offset in a raw frame.
// Channels come in groups of 4 bytes, stored in reverse order, with the
// 2 extra channels 13-12 after the header.
var chanOffset = [NumChannels]int{
	0: 3, 1: 2, 2: 1, 3: 0,
	4: 7, 5: 6, 6: 5, 7: 4,
	8: 11, 9: 10, 10: 9, 11: 8,
	12: 15, 13: 14,
}

const (
	hdrDataValid = 12 // offset of tx_datavalid
	hdrStatus    = 13 // offset of header
)

// Frame is one decoded memory-monitor frame.
type Frame struct {
	Header [2]uint8           // tx_datavalid, header
	Elinks [NumChannels]uint8 // elink channels 0..13
}

// DataValid returns whether the tx_datavalid header byte is set.
func (f Frame) DataValid() bool {
	return f.Header[0] == dataValid
}

// Channel returns the value of elink channel ch.
func (f Frame) Channel(ch int) uint8 {
	return f.Elinks[ch]
}

// DecodeFrame decodes a single raw frame.
func DecodeFrame(p []byte) (Frame, error) {
	var f Frame
	if len(p) != FrameSize {
		return f, &pattern.FormatError{
			What: "elink frame",
			Msg:  fmt.Sprintf("invalid frame size (got=%d, want=%d)", len(p), FrameSize),
		}
	}
	f.Header[0] = p[hdrDataValid]
	f.Header[1] = p[hdrStatus]
	for ch, off := range chanOffset {
		f.Elinks[ch] = p[off]
	}
	return f, nil
}

// Decode decodes a memory-monitor snapshot made of consecutive raw frames.
func Decode(p []byte) ([]Frame, error) {
	if len(p)%FrameSize != 0 {
		return nil, &pattern.FormatError{
			What: "elink snapshot",
			Msg:  fmt.Sprintf("snapshot size %d is not a multiple of %d", len(p), FrameSize),
		}
	}
	frames := make([]Frame, 0, len(p)/FrameSize)
	for i := 0; i < len(p); i += FrameSize {
		f, err := DecodeFrame(p[i : i+FrameSize])
		if err != nil {
			return nil, fmt.Errorf("elink: could not decode frame %d: %w", i/FrameSize, err)
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// Encode converts a frame back to its raw memory-monitor layout.
func Encode(f Frame) []byte {
	p := make([]byte, FrameSize)
	p[hdrDataValid] = f.Header[0]
	p[hdrStatus] = f.Header[1]
	for ch, off := range chanOffset {
		p[off] = f.Elinks[ch]
	}
	return p
}

// ValidChannel returns whether ch is a valid elink channel index.
func ValidChannel(ch int) bool {
	return 0 <= ch && ch < NumChannels
}

// Extract returns, for each requested channel, the sequence of values
// observed across frames.
func Extract(frames []Frame, chs []int) map[int][]uint8 {
	o := make(map[int][]uint8, len(chs))
	for _, ch := range chs {
		vs := make([]uint8, len(frames))
		for i, f := range frames {
			vs[i] = f.Elinks[ch]
		}
		o[ch] = vs
	}
	return o
}
