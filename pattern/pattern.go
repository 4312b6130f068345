// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pattern holds bit-level helpers to format register values and to
// compare observed elink patterns with an expected fixed pattern.
package pattern // import "github.com/umd-lhcb/MiniDAQ-utils/pattern"

import (
	"fmt"
	"strconv"
	"strings"
)

// NoShift is returned by FindShift when no rotation of the observed value
// matches the expected one.
const NoShift = -1

// FormatError describes malformed input data: a frame with the wrong
// number of bytes, a configuration file with non-hex content, ...
type FormatError struct {
	What string // what was being parsed
	Msg  string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format error: %s: %s", e.What, e.Msg)
}

// ValidationError describes user input outside of its valid domain:
// an invalid phase literal, too many ASICs for one group, ...
// It is reported before any device I/O.
type ValidationError struct {
	What string // what was being validated
	Msg  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.What, e.Msg)
}

// HexPad renders v as lowercase hexadecimal, left-padded with zeros to an
// even number of digits.
func HexPad(v uint64) string {
	s := strconv.FormatUint(v, 16)
	if len(s)%2 == 1 {
		return "0" + s
	}
	return s
}

// ParseHex parses a hexadecimal string, with or without a 0x prefix.
func ParseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if s == "" {
		return 0, &FormatError{What: "hex value", Msg: "empty string"}
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, &FormatError{What: "hex value", Msg: fmt.Sprintf("invalid hex string %q", s)}
	}
	return v, nil
}

// NumBits returns the width in bits of v once rendered with HexPad,
// ie: a whole number of bytes.
func NumBits(v uint64) int {
	return 4 * len(HexPad(v))
}

// Rotate rotates the width-bit field v by shift positions, from the least
// significant bit towards the most significant one. Bits leaving the top
// of the field re-enter at the bottom.
func Rotate(v uint64, shift, width int) uint64 {
	if width <= 0 || width > 64 {
		panic(fmt.Errorf("pattern: invalid field width %d", width))
	}
	mask := ^uint64(0)
	if width < 64 {
		mask = (uint64(1) << width) - 1
	}
	v &= mask
	shift %= width
	if shift < 0 {
		shift += width
	}
	if shift == 0 {
		return v
	}
	return ((v << shift) | (v >> (width - shift))) & mask
}

// FindShift returns the smallest shift in [0, width) for which the rotation
// of observed equals expected, or NoShift.
//
// Expected values with a rotational symmetry (e.g. 0xaa) match at more than
// one shift: the smallest one is reported.
func FindShift(observed, expected uint64, width int) int {
	for shift := 0; shift < width; shift++ {
		if Rotate(observed, shift, width) == expected {
			return shift
		}
	}
	return NoShift
}

// Majority returns the most frequent element of seq and its number of
// occurrences. Ties are resolved in favor of the element seen first.
// Majority returns the zero value and 0 for an empty sequence.
func Majority[T comparable](seq []T) (T, int) {
	var (
		mode  T
		max   int
		count = make(map[T]int, len(seq))
	)
	for _, v := range seq {
		count[v]++
	}
	for _, v := range seq {
		if n := count[v]; n > max {
			mode = v
			max = n
		}
	}
	return mode, max
}
