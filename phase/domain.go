// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package phase scans phase registers of the front-end chain and selects
// the phase that keeps all requested elinks locked on a fixed pattern.
package phase // import "github.com/umd-lhcb/MiniDAQ-utils/phase"

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/umd-lhcb/MiniDAQ-utils/pattern"
)

// ValidationError describes an out-of-domain input.
type ValidationError = pattern.ValidationError

// Domain is the ordered list of valid values of a phase register.
//
// Adjacency is defined by position in the list, not by numeric
// difference: the TFC domain is sparse.
type Domain struct {
	Name   string
	Values []uint8
	Width  int // number of hex digits of a register literal
}

var (
	// Elink is the elink phase domain: 0..14.
	Elink = Domain{
		Name:   "elink",
		Values: []uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14},
		Width:  1,
	}

	// TFC is the SALT TFC phase domain.
	TFC = Domain{
		Name:   "tfc",
		Values: []uint8{0x03, 0x07, 0x0b, 0x0f, 0x13, 0x17, 0x1b, 0x1f},
		Width:  2,
	}
)

// Len returns the number of values of the domain.
func (d Domain) Len() int { return len(d.Values) }

// Index returns the position of v in the domain, or -1.
func (d Domain) Index(v uint8) int {
	for i, x := range d.Values {
		if x == v {
			return i
		}
	}
	return -1
}

// Contains returns whether v is a valid value of the domain.
func (d Domain) Contains(v uint8) bool {
	return d.Index(v) >= 0
}

// Format renders v as a fixed-width hex literal.
func (d Domain) Format(v uint8) string {
	return fmt.Sprintf("%0*x", d.Width, v)
}

// Parse parses a hex phase literal and checks it belongs to the domain.
func (d Domain) Parse(s string) (uint8, error) {
	txt := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	v, err := strconv.ParseUint(txt, 16, 8)
	if err != nil || !d.Contains(uint8(v)) {
		return 0, &ValidationError{
			What: d.Name + " phase",
			Msg:  fmt.Sprintf("%q is not one of %s", s, d),
		}
	}
	return uint8(v), nil
}

func (d Domain) String() string {
	o := make([]string, len(d.Values))
	for i, v := range d.Values {
		o[i] = d.Format(v)
	}
	return "[" + strings.Join(o, " ") + "]"
}
