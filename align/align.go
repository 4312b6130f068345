// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package align runs the phase alignment procedures of the DCB and SALT
// chain.
package align // import "github.com/umd-lhcb/MiniDAQ-utils/align"

import (
	"context"
	"fmt"
	"io"

	"github.com/go-daq/tdaq/log"
	"github.com/umd-lhcb/MiniDAQ-utils/config"
	"github.com/umd-lhcb/MiniDAQ-utils/dcb"
	"github.com/umd-lhcb/MiniDAQ-utils/gbt"
	"github.com/umd-lhcb/MiniDAQ-utils/guard"
	"github.com/umd-lhcb/MiniDAQ-utils/memmon"
	"github.com/umd-lhcb/MiniDAQ-utils/phase"
	"github.com/umd-lhcb/MiniDAQ-utils/salt"
)

// Aligner aligns the phases of the elinks read out through one memory
// monitor fiber.
type Aligner struct {
	DCB  *dcb.Device
	SALT *salt.Device // nil when the DCB is fed by another source
	Mem  memmon.Monitor

	Slaves []int // DCB slaves receiving the elinks
	ASICs  []int // SALT ASICs sending the elinks

	ElinkScan config.Scan
	TFCScan   config.Scan

	Guard []guard.Option
	Msg   log.MsgStream
}

// Open opens the command channel and the memory monitor described by the
// configuration, for the DCB and SALT on GBT link gbtID. The memory monitor
// is set to record fiber.
func Open(cfg *config.Config, gbtID, bus, fiber int, msg log.MsgStream) (*Aligner, io.Closer, error) {
	ch, chc, err := openChannel(cfg, msg)
	if err != nil {
		return nil, nil, err
	}
	mem, err := openMonitor(cfg.MemMon.Device, cfg.Layout())
	if err != nil {
		_ = chc.Close()
		return nil, nil, fmt.Errorf("align: could not open memory monitor: %w", err)
	}
	err = mem.SetFiber(fiber)
	if err != nil {
		_ = mem.Close()
		_ = chc.Close()
		return nil, nil, fmt.Errorf("align: could not select fiber %d: %w", fiber, err)
	}

	return &Aligner{
		DCB:       dcb.New(ch, gbtID, cfg.DCBOptions(msg)...),
		SALT:      salt.New(ch, gbtID, bus, cfg.SALTOptions(msg)...),
		Mem:       mem,
		Slaves:    cfg.DCB.Slaves,
		ASICs:     cfg.SALT.ASICs,
		ElinkScan: cfg.Scan,
		TFCScan:   cfg.TFC,
		Guard:     cfg.GuardOptions(msg),
		Msg:       msg,
	}, closers{mem, chc}, nil
}

// fiberMonitor is a memory monitor recording a selectable fiber.
type fiberMonitor interface {
	memmon.Monitor
	SetFiber(fiber int) error
	Close() error
}

var (
	openChannel = func(cfg *config.Config, msg log.MsgStream) (gbt.Channel, io.Closer, error) {
		return cfg.Channel(msg)
	}
	openMonitor = func(fname string, lay memmon.Layout) (fiberMonitor, error) {
		return memmon.Open(fname, lay)
	}
)

type closers []io.Closer

func (cs closers) Close() error {
	var err error
	for _, c := range cs {
		e := c.Close()
		if e != nil && err == nil {
			err = e
		}
	}
	return err
}

func (a *Aligner) msg() log.MsgStream {
	if a.Msg == nil {
		return log.NewMsgStream("align", log.LvlInfo, io.Discard)
	}
	return a.Msg
}

func (a *Aligner) scanner(apply phase.ApplyFunc, sc config.Scan) *phase.Scanner {
	return &phase.Scanner{
		Mem:   a.Mem,
		Apply: apply,
		Reads: sc.Reads,
		Guard: a.Guard,
		Msg:   a.Msg,
	}
}

// Elink scans the DCB elink phases with the SALT sending its fixed
// pattern and applies the selected phase.
//
// When rotated patterns are accepted and the selected one is a rotation
// of the expected pattern, the SALT serializer is shifted to restore it.
// The selection is returned even when it could not be applied.
func (a *Aligner) Elink(ctx context.Context, chs []int) (*phase.Selection, error) {
	msg := a.msg()
	if a.SALT != nil {
		err := guard.Do(ctx, func(ctx context.Context) error {
			return a.SALT.SerSrc(ctx, "fixed", a.ASICs)
		}, a.Guard...)
		if err != nil {
			return nil, fmt.Errorf("align: could not select SALT fixed pattern: %w", err)
		}
	}

	apply := a.DCB.PhaseApplier(a.Slaves)
	scanner := a.scanner(apply, a.ElinkScan)
	scan, err := scanner.Scan(ctx, chs, phase.Elink)
	if err != nil {
		return nil, fmt.Errorf("align: could not scan elink phases: %w", err)
	}

	sel := phase.Select(scan, a.ElinkScan.Pattern, a.ElinkScan.Options())
	err = sel.Apply(ctx, apply, a.Guard...)
	if err != nil {
		return sel, fmt.Errorf("align: could not apply elink phases: %w", err)
	}
	msg.Infof("elink phase %s applied to elinks %v",
		phase.Elink.Format(sel.Chosen[sel.Channels[0]]), sel.Channels,
	)

	if sel.Shift > 0 {
		if a.SALT == nil {
			return sel, fmt.Errorf("align: pattern 0x%02x needs a SALT shift of %d but no SALT is attached", sel.Pattern, sel.Shift)
		}
		msg.Infof("shift SALT elink phase to %d", sel.Shift)
		err = guard.Do(ctx, func(ctx context.Context) error {
			return a.SALT.SetElinkPhase(ctx, uint8(sel.Shift), a.ASICs)
		}, a.Guard...)
		if err != nil {
			return sel, fmt.Errorf("align: could not shift SALT elink phase: %w", err)
		}
		return sel, nil
	}

	bad, err := scanner.Verify(ctx, sel)
	if err != nil {
		return sel, fmt.Errorf("align: could not verify elink phases: %w", err)
	}
	if len(bad) > 0 {
		msg.Warnf("elinks %v do not see pattern 0x%02x after alignment", bad, sel.Pattern)
	}
	return sel, nil
}

// TFC scans the SALT TFC phases with the SALT serializer sending the TFC
// commands, and applies the selected phase.
func (a *Aligner) TFC(ctx context.Context, chs []int) (*phase.Selection, error) {
	if a.SALT == nil {
		return nil, fmt.Errorf("align: TFC phase alignment needs a SALT")
	}
	err := guard.Do(ctx, func(ctx context.Context) error {
		return a.SALT.SerSrc(ctx, "tfc", a.ASICs)
	}, a.Guard...)
	if err != nil {
		return nil, fmt.Errorf("align: could not select SALT TFC source: %w", err)
	}

	scan, err := a.scanner(a.SALT.TFCApplier(a.ASICs), a.TFCScan).Scan(ctx, chs, phase.TFC)
	if err != nil {
		return nil, fmt.Errorf("align: could not scan TFC phases: %w", err)
	}

	sel := phase.Select(scan, a.TFCScan.Pattern, a.TFCScan.Options())
	err = sel.Apply(ctx, a.SALT.TFCApplier(a.ASICs), a.Guard...)
	if err != nil {
		return sel, fmt.Errorf("align: could not apply TFC phase: %w", err)
	}
	a.msg().Infof("TFC phase %s applied", phase.TFC.Format(sel.Chosen[sel.Channels[0]]))
	return sel, nil
}
