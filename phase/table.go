// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package phase

import (
	"fmt"
	"io"
	"strings"

	"github.com/umd-lhcb/MiniDAQ-utils/elink"
	"github.com/umd-lhcb/MiniDAQ-utils/pattern"
)

var tierStyle = map[Tier]elink.Style{
	Locked:   elink.Green,
	Rotated:  elink.Yellow,
	Unlocked: elink.Red,
}

// tierMark marks tiers when colors are disabled.
var tierMark = map[Tier]string{
	Locked:   "*",
	Rotated:  "~",
	Unlocked: " ",
}

// WriteTable writes the scan table of a selection: one row per phase,
// one column per channel. Each cell holds the majority value observed,
// styled after its tier. The chosen phase is marked with an arrow.
func WriteTable(w io.Writer, sel *Selection, color bool) error {
	const sep = "  "
	var (
		o      = new(strings.Builder)
		phW    = max(len(sel.Domain.Name), sel.Domain.Width)
		cellW  = 5
		chosen = -1
	)
	if len(sel.Chosen) > 0 {
		chosen = int(sel.Chosen[sel.Channels[0]])
	}

	fmt.Fprintf(o, "%*s", phW, sel.Domain.Name)
	for _, ch := range sel.Channels {
		fmt.Fprintf(o, "%s%*s", sep, cellW, fmt.Sprintf("elk%d", ch))
	}
	o.WriteString("\n")

	for i, ph := range sel.Phases {
		fmt.Fprintf(o, "%*s", phW, sel.Domain.Format(ph))
		for _, ch := range sel.Channels {
			vd := sel.Verdicts[ch][i]
			txt := pattern.HexPad(uint64(vd.Value))
			o.WriteString(sep)
			o.WriteString(strings.Repeat(" ", cellW-len(txt)-1))
			if color {
				o.WriteString(tierStyle[vd.Tier].Paint(txt))
				o.WriteString(" ")
			} else {
				o.WriteString(txt)
				o.WriteString(tierMark[vd.Tier])
			}
		}
		if int(ph) == chosen {
			o.WriteString(" <-")
		}
		o.WriteString("\n")
	}

	_, err := io.WriteString(w, o.String())
	return err
}

// WriteSummary writes a human readable summary of the selection.
func WriteSummary(w io.Writer, sel *Selection) error {
	o := new(strings.Builder)
	for _, ch := range sel.Channels {
		var runs []string
		for _, r := range sel.Runs[ch] {
			runs = append(runs, fmt.Sprintf("%s-%s",
				sel.Domain.Format(r[0]), sel.Domain.Format(r[len(r)-1]),
			))
		}
		if len(runs) == 0 {
			runs = []string{"none"}
		}
		fmt.Fprintf(o, "elink %2d: good %s phases: %s\n", ch, sel.Domain.Name, strings.Join(runs, ", "))
	}
	switch {
	case sel.Complete():
		fmt.Fprintf(o, "selected %s phase: %s (pattern=0x%s, shift=%d)\n",
			sel.Domain.Name, sel.Domain.Format(sel.Chosen[sel.Channels[0]]),
			pattern.HexPad(uint64(sel.Pattern)), sel.Shift,
		)
	default:
		fmt.Fprintf(o, "no common %s phase for elinks %v\n", sel.Domain.Name, sel.Missing())
	}
	_, err := io.WriteString(w, o.String())
	return err
}
