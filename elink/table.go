// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elink

import (
	"fmt"
	"io"
	"strings"

	"github.com/umd-lhcb/MiniDAQ-utils/pattern"
)

// Style is a terminal display style.
type Style int

const (
	Plain Style = iota
	Blue
	Green
	Yellow
	Red
	LightGreen
	LightYellow
	LightRed
)

var ansi = [...]string{
	Plain:       "",
	Blue:        "\x1b[34m",
	Green:       "\x1b[32m",
	Yellow:      "\x1b[33m",
	Red:         "\x1b[31m",
	LightGreen:  "\x1b[92m",
	LightYellow: "\x1b[93m",
	LightRed:    "\x1b[91m",
}

// Paint wraps s with the ANSI escape sequence of the style.
func (st Style) Paint(s string) string {
	if st == Plain {
		return s
	}
	return ansi[st] + s + "\x1b[39m"
}

// Field identifies a column of a frame: one of the elink channels
// 0..13, or the two header bytes.
type Field int

const (
	FieldDataValid Field = -2
	FieldHeader    Field = -1
)

func (f Field) String() string {
	switch f {
	case FieldDataValid:
		return "tx_datavalid"
	case FieldHeader:
		return "header"
	default:
		return fmt.Sprintf("elk%d", int(f))
	}
}

func (f Field) value(fr Frame) uint8 {
	switch f {
	case FieldDataValid:
		return fr.Header[0]
	case FieldHeader:
		return fr.Header[1]
	default:
		return fr.Elinks[f]
	}
}

// Highlighter decides the display style of value v of field f,
// given the most common value of that field over the displayed frames.
type Highlighter func(v, mode uint8, f Field) Style

// NonMode highlights values that differ from the most common value of
// their field.
func NonMode() Highlighter {
	return func(v, mode uint8, _ Field) Style {
		if v != mode {
			return Blue
		}
		return Plain
	}
}

// Channels highlights the given elink channels.
func Channels(chs []int) Highlighter {
	set := make(map[Field]bool, len(chs))
	for _, ch := range chs {
		set[Field(ch)] = true
	}
	return func(_, _ uint8, f Field) Style {
		if set[f] {
			return Blue
		}
		return Plain
	}
}

// Search highlights values matching the expected pattern: exact matches
// in green, rotated matches in yellow.
func Search(expected uint8) Highlighter {
	width := pattern.NumBits(uint64(expected))
	return func(v, _ uint8, f Field) Style {
		if f < 0 {
			return Plain
		}
		switch shift := pattern.FindShift(uint64(v), uint64(expected), width); {
		case shift == 0:
			return Green
		case shift > 0:
			return Yellow
		default:
			return Plain
		}
	}
}

// fields lists all fields in table order.
var fields = func() []Field {
	o := []Field{FieldDataValid, FieldHeader}
	for ch := NumChannels - 1; ch >= 0; ch-- {
		o = append(o, Field(ch))
	}
	return o
}()

var tableHeaders = []string{"tx_datavalid", "header", "13-12", "11-8", "7-4", "3-0"}

// TableOptions control how WriteTable renders frames.
type TableOptions struct {
	Highlight   Highlighter // defaults to NonMode
	Highlighted bool        // only display rows with at least one highlighted value
	Color       bool        // emit ANSI escape sequences
}

// WriteTable writes frames as a table with one row per frame and columns
// tx_datavalid, header, 13-12, 11-8, 7-4 and 3-0.
func WriteTable(w io.Writer, frames []Frame, opts TableOptions) error {
	hl := opts.Highlight
	if hl == nil {
		hl = NonMode()
	}

	modes := make(map[Field]uint8, len(fields))
	for _, f := range fields {
		vs := make([]uint8, len(frames))
		for i, fr := range frames {
			vs[i] = f.value(fr)
		}
		modes[f], _ = pattern.Majority(vs)
	}

	type cell struct {
		txt string
		out string
	}
	var rows [][]cell
	for _, fr := range frames {
		styled := false
		vals := make(map[Field]cell, len(fields))
		for _, f := range fields {
			v := f.value(fr)
			txt := pattern.HexPad(uint64(v))
			st := hl(v, modes[f], f)
			if st != Plain {
				styled = true
			}
			out := txt
			if opts.Color {
				out = st.Paint(txt)
			}
			vals[f] = cell{txt, out}
		}
		if opts.Highlighted && !styled {
			continue
		}
		join := func(chs ...int) cell {
			var txt, out []string
			for _, ch := range chs {
				c := vals[Field(ch)]
				txt = append(txt, c.txt)
				out = append(out, c.out)
			}
			return cell{strings.Join(txt, "-"), strings.Join(out, "-")}
		}
		rows = append(rows, []cell{
			vals[FieldDataValid],
			vals[FieldHeader],
			join(13, 12),
			join(11, 10, 9, 8),
			join(7, 6, 5, 4),
			join(3, 2, 1, 0),
		})
	}

	if len(rows) == 0 {
		_, err := fmt.Fprintf(w, "No highlighted row!\n")
		return err
	}

	widths := make([]int, len(tableHeaders))
	for i, h := range tableHeaders {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, c := range row {
			if n := len(c.txt); n > widths[i] {
				widths[i] = n
			}
		}
	}

	o := new(strings.Builder)
	for i, h := range tableHeaders {
		if i > 0 {
			o.WriteString("  ")
		}
		fmt.Fprintf(o, "%*s", widths[i], h)
	}
	o.WriteString("\n")
	for i := range tableHeaders {
		if i > 0 {
			o.WriteString("  ")
		}
		o.WriteString(strings.Repeat("-", widths[i]))
	}
	o.WriteString("\n")
	for _, row := range rows {
		for i, c := range row {
			if i > 0 {
				o.WriteString("  ")
			}
			o.WriteString(strings.Repeat(" ", widths[i]-len(c.txt)))
			o.WriteString(c.out)
		}
		o.WriteString("\n")
	}

	_, err := io.WriteString(w, o.String())
	return err
}
