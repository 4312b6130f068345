// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package phase

import (
	"context"
	"fmt"
	"io"

	"github.com/go-daq/tdaq/log"
	"github.com/umd-lhcb/MiniDAQ-utils/elink"
	"github.com/umd-lhcb/MiniDAQ-utils/guard"
	"github.com/umd-lhcb/MiniDAQ-utils/memmon"
	"github.com/umd-lhcb/MiniDAQ-utils/pattern"
)

// ApplyFunc writes phase ph for elink channel ch.
type ApplyFunc func(ctx context.Context, ch int, ph uint8) error

// ScanResult holds, for each scanned phase, the values observed on each
// channel across all captured frames.
type ScanResult struct {
	Domain   Domain
	Channels []int
	Phases   []uint8                   // scanned phases, in domain order
	Data     map[uint8]map[int][]uint8 // phase -> channel -> samples
}

// NewScanResult creates an empty scan result.
func NewScanResult(dom Domain, chs []int) *ScanResult {
	return &ScanResult{
		Domain:   dom,
		Channels: append([]int(nil), chs...),
		Data:     make(map[uint8]map[int][]uint8),
	}
}

// Add records the frames captured at phase ph.
func (scan *ScanResult) Add(ph uint8, frames []elink.Frame) {
	if _, dup := scan.Data[ph]; !dup {
		scan.Phases = append(scan.Phases, ph)
	}
	scan.Data[ph] = elink.Extract(frames, scan.Channels)
}

// Samples returns the values observed on channel ch at phase ph.
func (scan *ScanResult) Samples(ph uint8, ch int) []uint8 {
	return scan.Data[ph][ch]
}

// Scanner sweeps a phase register through its domain and captures a
// memory-monitor snapshot after each setting.
type Scanner struct {
	Mem   memmon.Monitor
	Apply ApplyFunc
	Reads int // memory-monitor reads per phase (default 1)

	Guard []guard.Option // options of the guarded device operations
	Msg   log.MsgStream
}

// ValidateChannels checks chs is a non-empty list of distinct elink
// channels.
func ValidateChannels(chs []int) error {
	if len(chs) == 0 {
		return &ValidationError{What: "elink channels", Msg: "no channel requested"}
	}
	seen := make(map[int]bool, len(chs))
	for _, ch := range chs {
		if !elink.ValidChannel(ch) {
			return &ValidationError{
				What: "elink channels",
				Msg:  fmt.Sprintf("channel %d outside of [0, %d)", ch, elink.NumChannels),
			}
		}
		if seen[ch] {
			return &ValidationError{
				What: "elink channels",
				Msg:  fmt.Sprintf("channel %d requested twice", ch),
			}
		}
		seen[ch] = true
	}
	return nil
}

// Scan visits every phase of the domain, in order. For each phase, the
// phase is applied to every channel, then the memory monitor is read.
// Any error aborts the whole scan.
func (s *Scanner) Scan(ctx context.Context, chs []int, dom Domain) (*ScanResult, error) {
	err := ValidateChannels(chs)
	if err != nil {
		return nil, err
	}
	msg := s.Msg
	if msg == nil {
		msg = log.NewMsgStream("phase", log.LvlInfo, io.Discard)
	}
	reads := s.Reads
	if reads < 1 {
		reads = 1
	}

	scan := NewScanResult(dom, chs)
	for _, ph := range dom.Values {
		for _, ch := range chs {
			err := guard.Do(ctx, func(ctx context.Context) error {
				return s.Apply(ctx, ch, ph)
			}, s.Guard...)
			if err != nil {
				return nil, fmt.Errorf("phase: could not apply %s phase %s to elink %d: %w",
					dom.Name, dom.Format(ph), ch, err)
			}
		}

		var frames []elink.Frame
		for i := 0; i < reads; i++ {
			snap, err := guard.Exec(ctx, s.Mem.Read, s.Guard...)
			if err != nil {
				return nil, fmt.Errorf("phase: could not read memory monitor at %s phase %s: %w",
					dom.Name, dom.Format(ph), err)
			}
			frames = append(frames, snap...)
		}
		msg.Debugf("%s phase %s: captured %d frames", dom.Name, dom.Format(ph), len(frames))
		scan.Add(ph, frames)
	}
	return scan, nil
}

// Verify reads the memory monitor once and returns the channels whose
// majority value differs from the selected pattern.
func (s *Scanner) Verify(ctx context.Context, sel *Selection) ([]int, error) {
	frames, err := guard.Exec(ctx, s.Mem.Read, s.Guard...)
	if err != nil {
		return nil, fmt.Errorf("phase: could not read memory monitor: %w", err)
	}
	var (
		bad  []int
		data = elink.Extract(frames, sel.Channels)
	)
	for _, ch := range sel.Channels {
		v, _ := pattern.Majority(data[ch])
		if v != sel.Pattern {
			bad = append(bad, ch)
		}
	}
	return bad, nil
}
