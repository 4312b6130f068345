// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package phase

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/umd-lhcb/MiniDAQ-utils/guard"
	"github.com/umd-lhcb/MiniDAQ-utils/pattern"
)

// ErrPartial is returned when applying a selection that does not hold a
// phase for every requested channel.
var ErrPartial = errors.New("phase: partial selection")

// DefaultMinRun is the minimal length of a run of locked phases.
const DefaultMinRun = 3

// Tier is the display tier of a verdict.
type Tier int

const (
	Unlocked Tier = iota // no rotation of the expected pattern, or noisy
	Rotated              // consistent, rotation of the expected pattern
	Locked               // consistent, expected pattern
)

func (t Tier) String() string {
	switch t {
	case Locked:
		return "locked"
	case Rotated:
		return "rotated"
	default:
		return "unlocked"
	}
}

// Verdict is the classification of the samples of one channel at one
// phase.
type Verdict struct {
	Value uint8 // majority value
	Freq  int   // occurrences of the majority value
	N     int   // number of samples
	Shift int   // rotation of Value giving the expected pattern, or pattern.NoShift
	Tier  Tier
}

// Classify computes the verdict of a series of samples. need is the
// minimal frequency of the majority value for the series to be
// considered consistent.
func Classify(samples []uint8, expected uint8, need int) Verdict {
	v, f := pattern.Majority(samples)
	vd := Verdict{
		Value: v,
		Freq:  f,
		N:     len(samples),
		Shift: pattern.FindShift(uint64(v), uint64(expected), pattern.NumBits(uint64(expected))),
	}
	switch {
	case vd.N == 0 || f < need:
		vd.Tier = Unlocked
	case vd.Shift == 0:
		vd.Tier = Locked
	case vd.Shift > 0:
		vd.Tier = Rotated
	}
	return vd
}

// Options control the phase selection.
type Options struct {
	// Agreement is the minimal fraction of samples that must agree on the
	// majority value. 1 requires unanimity. Defaults to 1.
	Agreement float64
	// Tolerance, when positive, is the maximal number of samples that may
	// disagree with the majority value. It overrides Agreement.
	Tolerance int
	// MinRun is the minimal number of adjacent good phases.
	// Defaults to DefaultMinRun.
	MinRun int
	// Rotated also accepts phases where all channels observe the same
	// rotation of the expected pattern.
	Rotated bool
}

func (o Options) need(n int) int {
	if o.Tolerance > 0 {
		if v := n - o.Tolerance; v > 1 {
			return v
		}
		return 1
	}
	agr := o.Agreement
	if agr <= 0 || agr > 1 {
		agr = 1
	}
	return int(math.Ceil(agr * float64(n)))
}

// Selection is the outcome of a phase selection.
type Selection struct {
	Domain   Domain
	Channels []int
	Phases   []uint8 // scanned phases

	Verdicts map[int][]Verdict // channel -> verdict for each scanned phase
	Runs     map[int][][]uint8 // channel -> qualifying runs of good phases
	Best     map[int]uint8     // channel -> middle of its own longest run

	Common []uint8       // winning run of phases common to all channels
	Chosen map[int]uint8 // channel -> phase to apply

	Expected uint8 // expected pattern
	Pattern  uint8 // pattern observed at the chosen phase
	Shift    int   // rotation from Pattern to Expected
}

// Complete returns whether every requested channel has a chosen phase.
func (sel *Selection) Complete() bool {
	if len(sel.Channels) == 0 {
		return false
	}
	for _, ch := range sel.Channels {
		if _, ok := sel.Chosen[ch]; !ok {
			return false
		}
	}
	return true
}

// Missing returns the channels without a chosen phase.
func (sel *Selection) Missing() []int {
	var o []int
	for _, ch := range sel.Channels {
		if _, ok := sel.Chosen[ch]; !ok {
			o = append(o, ch)
		}
	}
	return o
}

// Apply writes the chosen phase of every channel. Nothing is written
// when the selection is not complete.
func (sel *Selection) Apply(ctx context.Context, apply ApplyFunc, opts ...guard.Option) error {
	if !sel.Complete() {
		return fmt.Errorf("%w: no common phase for elinks %v", ErrPartial, sel.Missing())
	}
	for _, ch := range sel.Channels {
		ph := sel.Chosen[ch]
		err := guard.Do(ctx, func(ctx context.Context) error {
			return apply(ctx, ch, ph)
		}, opts...)
		if err != nil {
			return fmt.Errorf("phase: could not apply %s phase %s to elink %d: %w",
				sel.Domain.Name, sel.Domain.Format(ph), ch, err)
		}
	}
	return nil
}

// run is a maximal run of adjacent good positions of one channel.
type run struct {
	beg, end int // [beg, end) positions in the scanned phases
}

func (r run) len() int { return r.end - r.beg }

// Select classifies the scan against the expected pattern and picks the
// phase to apply.
//
// Per channel, good phases are grouped in maximal runs of adjacent
// positions holding the same value; runs shorter than MinRun are dropped.
// The phases inside a qualifying run of every channel form the common
// set, which is split into contiguous common runs. The longest common run
// wins, ties going to the one sitting in the longest run of the reference
// (first) channel, then to the earliest. The middle element of the winning
// run is chosen for every channel.
func Select(scan *ScanResult, expected uint8, opts Options) *Selection {
	minRun := opts.MinRun
	if minRun < 1 {
		minRun = DefaultMinRun
	}

	sel := &Selection{
		Domain:   scan.Domain,
		Channels: append([]int(nil), scan.Channels...),
		Phases:   scan.orderedPhases(),
		Verdicts: make(map[int][]Verdict, len(scan.Channels)),
		Runs:     make(map[int][][]uint8, len(scan.Channels)),
		Best:     make(map[int]uint8, len(scan.Channels)),
		Chosen:   make(map[int]uint8, len(scan.Channels)),
		Expected: expected,
		Pattern:  expected,
	}
	if len(sel.Channels) == 0 || len(sel.Phases) == 0 {
		return sel
	}

	good := func(vd Verdict) bool {
		switch vd.Tier {
		case Locked:
			return true
		case Rotated:
			return opts.Rotated
		}
		return false
	}

	// runOf[ch][pos] is the qualifying run holding pos, if any.
	runOf := make(map[int][]*run, len(sel.Channels))
	for _, ch := range sel.Channels {
		vds := make([]Verdict, len(sel.Phases))
		for i, ph := range sel.Phases {
			samples := scan.Samples(ph, ch)
			vds[i] = Classify(samples, expected, opts.need(len(samples)))
		}
		sel.Verdicts[ch] = vds

		idx := make([]*run, len(sel.Phases))
		var longest *run
		for beg := 0; beg < len(vds); {
			if !good(vds[beg]) {
				beg++
				continue
			}
			end := beg + 1
			for end < len(vds) && good(vds[end]) && vds[end].Value == vds[beg].Value {
				end++
			}
			r := &run{beg, end}
			if r.len() >= minRun {
				for pos := beg; pos < end; pos++ {
					idx[pos] = r
				}
				sel.Runs[ch] = append(sel.Runs[ch], sel.Phases[beg:end:end])
				if longest == nil || r.len() > longest.len() {
					longest = r
				}
			}
			beg = end
		}
		runOf[ch] = idx
		if longest != nil {
			sel.Best[ch] = sel.Phases[longest.beg+longest.len()/2]
		}
	}

	ref := sel.Channels[0]
	common := func(pos int) bool {
		for _, ch := range sel.Channels {
			if runOf[ch][pos] == nil {
				return false
			}
			if sel.Verdicts[ch][pos].Value != sel.Verdicts[ref][pos].Value {
				return false
			}
		}
		return true
	}
	sameRuns := func(a, b int) bool {
		for _, ch := range sel.Channels {
			if runOf[ch][a] != runOf[ch][b] {
				return false
			}
		}
		return true
	}

	var blocks []run
	for pos := 0; pos < len(sel.Phases); pos++ {
		if !common(pos) {
			continue
		}
		n := len(blocks)
		if n > 0 && blocks[n-1].end == pos && sameRuns(pos-1, pos) {
			blocks[n-1].end++
			continue
		}
		blocks = append(blocks, run{pos, pos + 1})
	}
	if len(blocks) == 0 {
		return sel
	}

	win := blocks[0]
	for _, b := range blocks[1:] {
		switch {
		case b.len() > win.len():
			win = b
		case b.len() == win.len() && runOf[ref][b.beg].len() > runOf[ref][win.beg].len():
			win = b
		}
	}

	pos := win.beg + win.len()/2
	sel.Common = append([]uint8(nil), sel.Phases[win.beg:win.end]...)
	for _, ch := range sel.Channels {
		sel.Chosen[ch] = sel.Phases[pos]
	}
	sel.Pattern = sel.Verdicts[ref][pos].Value
	sel.Shift = sel.Verdicts[ref][pos].Shift
	return sel
}

// orderedPhases returns the scanned phases in domain order.
func (scan *ScanResult) orderedPhases() []uint8 {
	var o []uint8
	for _, ph := range scan.Domain.Values {
		if _, ok := scan.Data[ph]; ok {
			o = append(o, ph)
		}
	}
	return o
}
