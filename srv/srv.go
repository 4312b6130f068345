// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package srv exposes the phase alignment as a TDAQ run-control server.
package srv // import "github.com/umd-lhcb/MiniDAQ-utils/srv"

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/go-daq/tdaq"
	"github.com/umd-lhcb/MiniDAQ-utils/align"
	"github.com/umd-lhcb/MiniDAQ-utils/config"
	"github.com/umd-lhcb/MiniDAQ-utils/elink"
	"github.com/umd-lhcb/MiniDAQ-utils/internal/alert"
	"github.com/umd-lhcb/MiniDAQ-utils/phase"
	"github.com/umd-lhcb/MiniDAQ-utils/phasedb"
)

// Target is the part of the readout chain aligned by a run.
type Target struct {
	GBT   int   // GBT link of the DCB and SALT
	Bus   int   // SCA I2C bus of the SALT
	Fiber int   // memory monitor fiber
	Elink []int // elink channels
	TFC   bool  // also align the TFC phase
}

// OpenFunc opens the devices of a target.
type OpenFunc func(ctx tdaq.Context, cfg *config.Config, tgt Target) (*align.Aligner, io.Closer, error)

// Server is a TDAQ server aligning the phases of a target on /start.
// Applied selections are published on the /phases output.
type Server struct {
	cfg  *config.Config
	tgt  Target
	open OpenFunc

	DB   *phasedb.DB   // optional phase history
	Mail *alert.Mailer // optional alerts

	aligner *align.Aligner
	closer  io.Closer
	sels    chan []byte
}

// New creates a server aligning tgt. A nil open uses the devices described
// by the configuration.
func New(cfg *config.Config, tgt Target, open OpenFunc) *Server {
	if open == nil {
		open = Open
	}
	return &Server{
		cfg:  cfg,
		tgt:  tgt,
		open: open,
		sels: make(chan []byte, 16),
	}
}

// Open opens the command channel and the memory monitor described by the
// configuration.
func Open(ctx tdaq.Context, cfg *config.Config, tgt Target) (*align.Aligner, io.Closer, error) {
	return align.Open(cfg, tgt.GBT, tgt.Bus, tgt.Fiber, ctx.Msg)
}

func (srv *Server) close() error {
	srv.aligner = nil
	if srv.closer == nil {
		return nil
	}
	err := srv.closer.Close()
	srv.closer = nil
	return err
}

// OnConfig reads an optional target from the request:
// gbt, bus, fiber, tfc, then the number of elinks and the elinks.
func (srv *Server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	if len(req.Body) == 0 {
		return phase.ValidateChannels(srv.tgt.Elink)
	}

	dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
	tgt := Target{
		GBT:   int(dec.ReadU32()),
		Bus:   int(dec.ReadU32()),
		Fiber: int(dec.ReadU32()),
		TFC:   dec.ReadBool(),
	}
	n := int(dec.ReadU32())
	if err := dec.Err(); err != nil {
		return fmt.Errorf("srv: could not decode /config request: %w", err)
	}
	if n > elink.NumChannels {
		return fmt.Errorf("srv: invalid number of elinks %d", n)
	}
	tgt.Elink = make([]int, n)
	for i := range tgt.Elink {
		tgt.Elink[i] = int(dec.ReadU32())
	}
	if err := dec.Err(); err != nil {
		return fmt.Errorf("srv: could not decode /config elinks: %w", err)
	}

	err := phase.ValidateChannels(tgt.Elink)
	if err != nil {
		ctx.Msg.Errorf("invalid target: %+v", err)
		return err
	}
	srv.tgt = tgt
	ctx.Msg.Infof("target: gbt=%d bus=%d fiber=%d elinks=%v tfc=%v",
		tgt.GBT, tgt.Bus, tgt.Fiber, tgt.Elink, tgt.TFC,
	)
	return nil
}

func (srv *Server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	if err := srv.close(); err != nil {
		ctx.Msg.Warnf("could not close previous devices: %+v", err)
	}
	a, c, err := srv.open(ctx, srv.cfg, srv.tgt)
	if err != nil {
		ctx.Msg.Errorf("could not open devices: %+v", err)
		return fmt.Errorf("srv: could not open devices: %w", err)
	}
	srv.aligner = a
	srv.closer = c
	return nil
}

func (srv *Server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	for {
		select {
		case <-srv.sels:
		default:
			return srv.close()
		}
	}
}

// OnStart aligns the elink phases then, if requested, the TFC phase.
func (srv *Server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	if srv.aligner == nil {
		return fmt.Errorf("srv: devices not initialized")
	}

	steps := []func(context.Context, []int) (*phase.Selection, error){srv.aligner.Elink}
	if srv.tgt.TFC {
		steps = append(steps, srv.aligner.TFC)
	}
	for _, step := range steps {
		sel, err := step(ctx.Ctx, srv.tgt.Elink)
		if err != nil {
			srv.alert(ctx, sel, err)
			return err
		}
		srv.publish(ctx, sel)
	}
	return nil
}

func (srv *Server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	return nil
}

func (srv *Server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return srv.close()
}

// Phases is the /phases output handler.
func (srv *Server) Phases(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-srv.sels:
		dst.Body = data
	}
	return nil
}

func (srv *Server) publish(ctx tdaq.Context, sel *phase.Selection) {
	rec := phasedb.FromSelection(srv.tgt.GBT, sel)
	if srv.DB != nil {
		err := srv.DB.Save(ctx.Ctx, rec)
		if err != nil {
			ctx.Msg.Warnf("could not save %s phases: %+v", rec.Kind, err)
		}
	}

	buf := new(bytes.Buffer)
	err := Encode(buf, rec)
	if err != nil {
		ctx.Msg.Errorf("could not encode %s phases: %+v", rec.Kind, err)
		return
	}
	select {
	case srv.sels <- buf.Bytes():
	default:
		ctx.Msg.Warnf("dropping %s phases: /phases output is full", rec.Kind)
	}
}

func (srv *Server) alert(ctx tdaq.Context, sel *phase.Selection, err error) {
	ctx.Msg.Errorf("alignment failed: %+v", err)
	if errors.Is(err, context.Canceled) || !srv.Mail.Enabled() {
		return
	}
	subject, body := alert.Report("phase-srv", srv.tgt.GBT, sel, err)
	if err := srv.Mail.Send(subject, body); err != nil {
		ctx.Msg.Warnf("could not send alert: %+v", err)
	}
}

// Encode writes a phase record in the /phases output format.
func Encode(w io.Writer, rec phasedb.Record) error {
	chs := make([]int, 0, len(rec.Phases))
	for ch := range rec.Phases {
		chs = append(chs, ch)
	}
	sort.Ints(chs)

	enc := tdaq.NewEncoder(w)
	enc.WriteStr(rec.Kind)
	enc.WriteU32(uint32(rec.GBT))
	enc.WriteU8(rec.Pattern)
	enc.WriteU8(uint8(rec.Shift))
	enc.WriteU32(uint32(len(chs)))
	for _, ch := range chs {
		enc.WriteU8(uint8(ch))
		enc.WriteU8(rec.Phases[ch])
	}
	return enc.Err()
}

// Decode reads a phase record in the /phases output format.
func Decode(r io.Reader) (phasedb.Record, error) {
	dec := tdaq.NewDecoder(r)
	rec := phasedb.Record{
		Kind:    dec.ReadStr(),
		GBT:     int(dec.ReadU32()),
		Pattern: dec.ReadU8(),
		Shift:   int(dec.ReadU8()),
	}
	n := int(dec.ReadU32())
	if err := dec.Err(); err != nil {
		return rec, fmt.Errorf("srv: could not decode phases: %w", err)
	}
	if n > elink.NumChannels {
		return rec, fmt.Errorf("srv: invalid number of phases %d", n)
	}
	rec.Phases = make(map[int]uint8, n)
	for i := 0; i < n; i++ {
		ch := int(dec.ReadU8())
		rec.Phases[ch] = dec.ReadU8()
	}
	if err := dec.Err(); err != nil {
		return rec, fmt.Errorf("srv: could not decode phases: %w", err)
	}
	return rec, nil
}
