// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dcb

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/umd-lhcb/MiniDAQ-utils/elink"
)

// PhaseEntry lists the triple-redundant registers holding the phase of an
// elink channel, and the position of the phase nibble in them.
type PhaseEntry struct {
	Regs  [3]uint16
	Shift uint8 // 0 (low nibble) or 4 (high nibble)
}

// PhaseTable maps elink channels to their phase registers.
type PhaseTable map[int]PhaseEntry

// DefaultPhaseTable returns the phase registers of the 14 elink channels.
// Two channels share a register, the odd one in the high nibble.
func DefaultPhaseTable() PhaseTable {
	tbl := make(PhaseTable, elink.NumChannels)
	for ch := 0; ch < elink.NumChannels; ch++ {
		off := uint16(ch / 2)
		tbl[ch] = PhaseEntry{
			Regs:  [3]uint16{0x42 + off, 0x4a + off, 0x52 + off},
			Shift: uint8(4 * (ch % 2)),
		}
	}
	return tbl
}

// Validate checks the table entries.
func (tbl PhaseTable) Validate() error {
	for ch, ent := range tbl {
		if !elink.ValidChannel(ch) {
			return &ValidationError{What: "phase table", Msg: fmt.Sprintf("invalid elink channel %d", ch)}
		}
		if ent.Shift != 0 && ent.Shift != 4 {
			return &ValidationError{What: "phase table", Msg: fmt.Sprintf("elink %d: invalid nibble shift %d", ch, ent.Shift)}
		}
		r := ent.Regs
		if r[0] == r[1] || r[0] == r[2] || r[1] == r[2] {
			return &ValidationError{What: "phase table", Msg: fmt.Sprintf("elink %d: redundant registers %#x are not distinct", ch, r)}
		}
	}
	return nil
}

// ConfigString concatenates the hex lines of a GBTx configuration file.
// Single-digit lines are left-padded with a zero. Blank lines are skipped.
func ConfigString(r io.Reader) (string, error) {
	var (
		o  strings.Builder
		sc = bufio.NewScanner(r)
		i  = 0
	)
	for sc.Scan() {
		i++
		txt := strings.TrimSpace(sc.Text())
		if txt == "" {
			continue
		}
		if len(txt) == 1 {
			txt = "0" + txt
		}
		if _, err := hex.DecodeString(txt); err != nil {
			return "", &FormatError{
				What: "GBTx config",
				Msg:  fmt.Sprintf("line %d: invalid hex content %q", i, txt),
			}
		}
		o.WriteString(strings.ToLower(txt))
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("dcb: could not scan GBTx config: %w", err)
	}
	return o.String(), nil
}

// ReadConfig reads a GBTx configuration file. The configuration must hold
// exactly ConfigSize bytes.
func ReadConfig(r io.Reader) ([]byte, error) {
	txt, err := ConfigString(r)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(txt)
	if err != nil {
		return nil, &FormatError{What: "GBTx config", Msg: err.Error()}
	}
	if len(raw) != ConfigSize {
		return nil, &FormatError{
			What: "GBTx config",
			Msg:  fmt.Sprintf("invalid size (got=%d, want=%d)", len(raw), ConfigSize),
		}
	}
	return raw, nil
}

// hexBytes decodes a hex literal, left-padding it to a whole number of
// bytes.
func hexBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, fmt.Errorf("empty hex literal")
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

// ParseData decodes a hex register payload.
func ParseData(s string) ([]byte, error) {
	p, err := hexBytes(s)
	if err != nil {
		return nil, &ValidationError{What: "register data", Msg: fmt.Sprintf("%q is not a hex value", s)}
	}
	return p, nil
}
