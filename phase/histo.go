// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package phase

import (
	"fmt"
	"io"

	"go-hep.org/x/hep/hbook"
)

// Histos returns, for each channel, the lock histogram of the scan:
// bin i is filled when the i-th scanned phase is locked.
func Histos(sel *Selection) []*hbook.H1D {
	n := len(sel.Phases)
	hs := make([]*hbook.H1D, 0, len(sel.Channels))
	for _, ch := range sel.Channels {
		h := hbook.NewH1D(n, 0, float64(n))
		h.Annotation()["name"] = fmt.Sprintf("%s-phase-elk%d", sel.Domain.Name, ch)
		h.Annotation()["title"] = fmt.Sprintf("elink %d locked %s phases", ch, sel.Domain.Name)
		for i, vd := range sel.Verdicts[ch] {
			if vd.Tier != Locked {
				continue
			}
			h.Fill(float64(i)+0.5, 1)
		}
		hs = append(hs, h)
	}
	return hs
}

// WriteYODA writes the lock histograms of a selection in the YODA format.
func WriteYODA(w io.Writer, sel *Selection) error {
	for _, h := range Histos(sel) {
		raw, err := h.MarshalYODA()
		if err != nil {
			return fmt.Errorf("phase: could not marshal histogram %q: %w", h.Name(), err)
		}
		_, err = w.Write(raw)
		if err != nil {
			return fmt.Errorf("phase: could not write histogram %q: %w", h.Name(), err)
		}
	}
	return nil
}
