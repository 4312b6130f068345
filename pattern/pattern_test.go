// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pattern

import (
	"errors"
	"testing"
)

func TestHexPad(t *testing.T) {
	for _, tc := range []struct {
		v    uint64
		want string
	}{
		{0, "00"},
		{1, "01"},
		{0xc4, "c4"},
		{255, "ff"},
		{256, "0100"},
		{0x1af, "01af"},
		{4095, "0fff"},
		{0x03151515, "03151515"},
	} {
		got := HexPad(tc.v)
		if got != tc.want {
			t.Fatalf("invalid hex-pad(0x%x): got=%q, want=%q", tc.v, got, tc.want)
		}
		if len(got)%2 != 0 {
			t.Fatalf("invalid hex-pad(0x%x) length: %d", tc.v, len(got))
		}
		v, err := ParseHex(got)
		if err != nil {
			t.Fatalf("could not parse %q: %+v", got, err)
		}
		if v != tc.v {
			t.Fatalf("invalid round-trip: got=0x%x, want=0x%x", v, tc.v)
		}
	}
}

func TestParseHex(t *testing.T) {
	for _, tc := range []struct {
		s    string
		want uint64
		err  bool
	}{
		{s: "c4", want: 0xc4},
		{s: "0xC4", want: 0xc4},
		{s: " 1af\n", want: 0x1af},
		{s: "", err: true},
		{s: "0x", err: true},
		{s: "zz", err: true},
	} {
		t.Run(tc.s, func(t *testing.T) {
			got, err := ParseHex(tc.s)
			switch {
			case tc.err:
				var ferr *FormatError
				if !errors.As(err, &ferr) {
					t.Fatalf("expected a format error, got %+v", err)
				}
				return
			case err != nil:
				t.Fatalf("could not parse %q: %+v", tc.s, err)
			}
			if got != tc.want {
				t.Fatalf("got=0x%x, want=0x%x", got, tc.want)
			}
		})
	}
}

func TestNumBits(t *testing.T) {
	for _, tc := range []struct {
		v    uint64
		want int
	}{
		{0x4, 8},
		{0xc4, 8},
		{0x1c4, 16},
	} {
		if got := NumBits(tc.v); got != tc.want {
			t.Fatalf("invalid num-bits(0x%x): got=%d, want=%d", tc.v, got, tc.want)
		}
	}
}

func TestRotate(t *testing.T) {
	for _, tc := range []struct {
		v     uint64
		shift int
		width int
		want  uint64
	}{
		{0xc4, 0, 8, 0xc4},
		{0xc4, 1, 8, 0x89},
		{0xc4, 2, 8, 0x13},
		{0x62, 1, 8, 0xc4},
		{0x31, 2, 8, 0xc4},
		{0x80, 1, 8, 0x01},
		{0x1, 3, 4, 0x8},
		{0xc4, 8, 8, 0xc4},
	} {
		if got := Rotate(tc.v, tc.shift, tc.width); got != tc.want {
			t.Fatalf("rotate(0x%x, %d, %d): got=0x%x, want=0x%x", tc.v, tc.shift, tc.width, got, tc.want)
		}
	}
}

func TestRotateInverse(t *testing.T) {
	for _, w := range []int{4, 8, 16, 64} {
		for _, v := range []uint64{0, 1, 0x5, 0xc4, 0xbeef, 0xffff} {
			mask := ^uint64(0)
			if w < 64 {
				mask = (1 << w) - 1
			}
			v &= mask
			for s := 0; s < w; s++ {
				got := Rotate(Rotate(v, s, w), w-s, w)
				if got != v {
					t.Fatalf("rotation not invertible: v=0x%x s=%d w=%d: got=0x%x", v, s, w, got)
				}
			}
		}
	}
}

func TestFindShift(t *testing.T) {
	for _, tc := range []struct {
		obs, exp uint64
		want     int
	}{
		{0xc4, 0xc4, 0},
		{0x62, 0xc4, 1},
		{0x31, 0xc4, 2},
		{0x89, 0xc4, 7},
		{0x00, 0xc4, NoShift},
		{0xc5, 0xc4, NoShift},
		{0xaa, 0xaa, 0},
		{0x55, 0xaa, 1},
	} {
		if got := FindShift(tc.obs, tc.exp, 8); got != tc.want {
			t.Fatalf("find-shift(0x%x, 0x%x): got=%d, want=%d", tc.obs, tc.exp, got, tc.want)
		}
	}

	for v := uint64(0); v < 256; v++ {
		if got := FindShift(v, v, 8); got != 0 {
			t.Fatalf("find-shift(0x%x, 0x%x): got=%d, want=0", v, v, got)
		}
	}
}

func TestMajority(t *testing.T) {
	for _, tc := range []struct {
		name string
		seq  []string
		mode string
		freq int
	}{
		{
			name: "empty",
		},
		{
			name: "single",
			seq:  []string{"a"},
			mode: "a",
			freq: 1,
		},
		{
			name: "clear-winner",
			seq:  []string{"a", "a", "a", "b", "b"},
			mode: "a",
			freq: 3,
		},
		{
			name: "tie-first-seen",
			seq:  []string{"b", "a", "b", "a"},
			mode: "b",
			freq: 2,
		},
		{
			name: "tie-first-seen-late-run",
			seq:  []string{"c", "a", "a", "c"},
			mode: "c",
			freq: 2,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mode, freq := Majority(tc.seq)
			if mode != tc.mode || freq != tc.freq {
				t.Fatalf("got=(%q, %d), want=(%q, %d)", mode, freq, tc.mode, tc.freq)
			}
		})
	}

	mode, freq := Majority([]uint8{0xc4, 0x62, 0xc4, 0x62, 0x31})
	if mode != 0xc4 || freq != 2 {
		t.Fatalf("got=(0x%x, %d), want=(0xc4, 2)", mode, freq)
	}
}
