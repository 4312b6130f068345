// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	tlog "github.com/go-daq/tdaq/log"
	"github.com/umd-lhcb/MiniDAQ-utils/align"
	"github.com/umd-lhcb/MiniDAQ-utils/config"
	"github.com/umd-lhcb/MiniDAQ-utils/dcb"
	"github.com/umd-lhcb/MiniDAQ-utils/elink"
	"github.com/umd-lhcb/MiniDAQ-utils/internal/alert"
	"github.com/umd-lhcb/MiniDAQ-utils/internal/fakegbt"
	"github.com/umd-lhcb/MiniDAQ-utils/phase"
	"github.com/umd-lhcb/MiniDAQ-utils/salt"
)

// chainMonitor serves frames computed from the registers of a fake DCB
// (slave 1) and SALT (ASIC 0).
type chainMonitor struct {
	ch  *fakegbt.Channel
	gbt int
	ok  bool
}

func (m *chainMonitor) Read(ctx context.Context) ([]elink.Frame, error) {
	tbl := dcb.DefaultPhaseTable()
	frames := make([]elink.Frame, 16)
	for i := range frames {
		frames[i].Header = [2]uint8{0x80, 0x00}
		for c := 0; c < elink.NumChannels; c++ {
			var v uint8
			switch m.ch.Reg(m.gbt, 0, 0) {
			case salt.SerSrcModes["tfc"]:
				if ph := m.ch.Reg(m.gbt, 0, 2); ph >= 0x07 && ph <= 0x13 {
					v = 0x04
				}
			default:
				ent := tbl[c]
				ph := (m.ch.Reg(m.gbt, 1, int(ent.Regs[0])) >> ent.Shift) & 0x0f
				if ph >= 2 && ph <= 8 {
					v = 0xc4
				}
			}
			if !m.ok {
				v = 0
			}
			frames[i].Elinks[c] = v
		}
	}
	return frames, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// answers is a prompter replaying canned answers.
type answers struct {
	txt     []string
	prompts []string
}

func (a *answers) Prompt(p string) (string, error) {
	a.prompts = append(a.prompts, p)
	if len(a.txt) == 0 {
		return "", io.EOF
	}
	v := a.txt[0]
	a.txt = a.txt[1:]
	return v, nil
}

func (a *answers) Close() error { return nil }

func setup(t *testing.T, ok bool, txt ...string) (*fakegbt.Channel, *answers) {
	t.Helper()
	var (
		ch   = fakegbt.New()
		term = &answers{txt: txt}

		origAligner  = openAligner
		origPrompter = newPrompter
		origMailer   = newMailer
	)
	t.Cleanup(func() {
		openAligner = origAligner
		newPrompter = origPrompter
		newMailer = origMailer
	})

	openAligner = func(cfg *config.Config, gbtID, bus, fiber int, msg tlog.MsgStream) (*align.Aligner, io.Closer, error) {
		msg = tlog.NewMsgStream("phaseadj", tlog.LvlError, io.Discard)
		return &align.Aligner{
			DCB:       dcb.New(ch, gbtID, cfg.DCBOptions(msg)...),
			SALT:      salt.New(ch, gbtID, bus, cfg.SALTOptions(msg)...),
			Mem:       &chainMonitor{ch: ch, gbt: gbtID, ok: ok},
			ElinkScan: cfg.Scan,
			TFCScan:   cfg.TFC,
			Msg:       msg,
		}, nopCloser{}, nil
	}
	newPrompter = func() prompter { return term }
	newMailer = func() *alert.Mailer { return nil }
	return ch, term
}

func TestRun(t *testing.T) {
	ch, term := setup(t, true)
	yoda := filepath.Join(t.TempDir(), "scan.yoda")

	out := new(bytes.Buffer)
	err := run(context.Background(), []string{
		"-g", "2", "-s", "1", "-b", "3", "-a", "0", "-e", "0,1",
		"-adjust-elink-phase", "-adjust-tfc-phase", "-yoda", yoda,
	}, out, false)
	if err != nil {
		t.Fatalf("could not run: %+v\n%s", err, out.String())
	}
	if len(term.prompts) != 0 {
		t.Fatalf("unexpected prompts: %q", term.prompts)
	}

	for _, want := range []string{
		"Will adjust the following DCB elinks: 0, 1\n",
		"selected elink phase: 5 (pattern=0xc4, shift=0)\n",
		"selected tfc phase: 0f (pattern=0x04, shift=0)\n",
	} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("missing %q in output:\n%s", want, out.String())
		}
	}

	tbl := dcb.DefaultPhaseTable()
	for _, c := range []int{0, 1} {
		ent := tbl[c]
		if got, want := (ch.Reg(2, 1, int(ent.Regs[0]))>>ent.Shift)&0x0f, uint8(5); got != want {
			t.Fatalf("elink %d: invalid phase: got=%d, want=%d", c, got, want)
		}
	}
	if got, want := ch.Reg(2, 0, 2), uint8(0x0f); got != want {
		t.Fatalf("invalid TFC phase: got=0x%x, want=0x%x", got, want)
	}

	raw, err := os.ReadFile(yoda)
	if err != nil {
		t.Fatalf("could not read YODA file: %+v", err)
	}
	if !bytes.Contains(raw, []byte("BEGIN YODA_HISTO1D")) {
		t.Fatalf("invalid YODA file:\n%s", raw)
	}
}

func TestRunPrompt(t *testing.T) {
	ch, term := setup(t, true, "3 4", "n", "n")

	out := new(bytes.Buffer)
	err := run(context.Background(), []string{"-s", "1", "-a", "0"}, out, false)
	if err != nil {
		t.Fatalf("could not run: %+v", err)
	}
	if got, want := len(term.prompts), 3; got != want {
		t.Fatalf("invalid number of prompts: got=%d, want=%d (%q)", got, want, term.prompts)
	}
	if !strings.Contains(out.String(), "Will adjust the following DCB elinks: 3, 4\n") {
		t.Fatalf("invalid output:\n%s", out.String())
	}
	if got, want := ch.Reg(0, 0, 0), salt.SerSrcModes["fixed"]; got != want {
		t.Fatalf("invalid serializer source: got=0x%x, want=0x%x", got, want)
	}
	if strings.Contains(out.String(), "selected") {
		t.Fatalf("unexpected alignment:\n%s", out.String())
	}
}

func TestRunErrors(t *testing.T) {
	t.Run("partial", func(t *testing.T) {
		setup(t, false)
		err := run(context.Background(), []string{"-s", "1", "-a", "0", "-e", "0", "-adjust-elink-phase"}, io.Discard, false)
		if !errors.Is(err, phase.ErrPartial) {
			t.Fatalf("invalid error: got=%+v, want=%+v", err, phase.ErrPartial)
		}
	})

	t.Run("prompt", func(t *testing.T) {
		setup(t, true, "0 x")
		err := run(context.Background(), []string{"-s", "1", "-a", "0"}, io.Discard, false)
		var verr *phase.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected a validation error, got %+v", err)
		}
	})

	for _, args := range [][]string{
		{"-a", "0,4"},
		{"-e", "0,0"},
		{"-e", "15"},
	} {
		ch, _ := setup(t, true)
		err := run(context.Background(), args, io.Discard, false)
		var verr *phase.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("args=%q: expected a validation error, got %+v", args, err)
		}
		if len(ch.Calls) != 0 {
			t.Fatalf("args=%q: unexpected device calls: %v", args, ch.Calls)
		}
	}
}
