// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dcb drives the slave GBTx chips of a data control board.
package dcb // import "github.com/umd-lhcb/MiniDAQ-utils/dcb"

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-daq/tdaq/log"
	"github.com/umd-lhcb/MiniDAQ-utils/gbt"
	"github.com/umd-lhcb/MiniDAQ-utils/pattern"
	"github.com/umd-lhcb/MiniDAQ-utils/phase"
)

type (
	FormatError     = pattern.FormatError
	ValidationError = pattern.ValidationError
)

const (
	ConfigSize = 366 // size in bytes of a GBTx configuration

	regStatus = 0x1af
	regPRBS   = 0x1c
)

// Device is a data control board, seen through the GBT-SCA of its master
// GBTx.
type Device struct {
	ch     gbt.Channel
	lnk    gbt.Link
	bus    int
	slaves []int
	typ    gbt.I2CType
	freq   gbt.I2CFreq
	lines  []int
	phases PhaseTable
	msg    log.MsgStream

	i2cActivated  bool
	gpioActivated bool
}

// Option configures a Device.
type Option func(*Device)

// WithSCA sets the SCA index.
func WithSCA(sca int) Option {
	return func(dev *Device) {
		dev.lnk.SCA = sca
	}
}

// WithBus sets the I2C bus of the slave GBTx chips.
func WithBus(bus int) Option {
	return func(dev *Device) {
		dev.bus = bus
	}
}

// WithSlaves sets the default slave GBTx chips.
func WithSlaves(slaves ...int) Option {
	return func(dev *Device) {
		dev.slaves = append([]int(nil), slaves...)
	}
}

// WithI2C sets the I2C protocol flavor and frequency.
func WithI2C(typ gbt.I2CType, freq gbt.I2CFreq) Option {
	return func(dev *Device) {
		dev.typ = typ
		dev.freq = freq
	}
}

// WithGPIOLines sets the GPIO lines reported by GPIOStatus.
func WithGPIOLines(lines ...int) Option {
	return func(dev *Device) {
		dev.lines = append([]int(nil), lines...)
	}
}

// WithPhaseTable sets the elink phase register table.
func WithPhaseTable(tbl PhaseTable) Option {
	return func(dev *Device) {
		dev.phases = tbl
	}
}

// WithMsgStream sets the stream used to report warnings.
func WithMsgStream(msg log.MsgStream) Option {
	return func(dev *Device) {
		dev.msg = msg
	}
}

// New creates a DCB on GBT link gbtID.
func New(ch gbt.Channel, gbtID int, opts ...Option) *Device {
	dev := &Device{
		ch:     ch,
		lnk:    gbt.Link{GBT: gbtID, SCA: 0},
		bus:    6,
		slaves: []int{1, 2, 3, 4, 5, 6},
		typ:    gbt.GBTx,
		freq:   gbt.Freq1MHz,
		lines:  []int{0, 1, 2, 3, 4, 5, 6},
		phases: DefaultPhaseTable(),
		msg:    log.NewMsgStream("dcb", log.LvlInfo, os.Stdout),
	}
	for _, opt := range opts {
		opt(dev)
	}
	return dev
}

// Slaves returns the default slave GBTx chips.
func (dev *Device) Slaves() []int {
	return append([]int(nil), dev.slaves...)
}

func (dev *Device) targets(slaves []int) []int {
	if len(slaves) == 0 {
		return dev.slaves
	}
	return slaves
}

func (dev *Device) req(slave int, reg uint16) gbt.I2C {
	return gbt.I2C{
		Link:  dev.lnk,
		Bus:   dev.bus,
		Slave: slave,
		Reg:   reg,
		Type:  dev.typ,
		Freq:  dev.freq,
	}
}

func (dev *Device) activateI2C(ctx context.Context) error {
	if dev.i2cActivated {
		return nil
	}
	err := dev.ch.ActivateI2C(ctx, dev.lnk, dev.bus)
	if err != nil {
		return fmt.Errorf("dcb: could not activate i2c bus %d: %w", dev.bus, err)
	}
	dev.i2cActivated = true
	return nil
}

func (dev *Device) activateGPIO(ctx context.Context) error {
	if dev.gpioActivated {
		return nil
	}
	err := dev.ch.ActivateGPIO(ctx, dev.lnk)
	if err != nil {
		return fmt.Errorf("dcb: could not activate gpio: %w", err)
	}
	dev.gpioActivated = true
	return nil
}

// Init programs the slave GBTx chips with a configuration file.
func (dev *Device) Init(ctx context.Context, fname string, slaves []int) error {
	f, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("dcb: could not open GBTx config file: %w", err)
	}
	defer f.Close()

	cfg, err := ReadConfig(f)
	if err != nil {
		return fmt.Errorf("dcb: could not read GBTx config file %q: %w", fname, err)
	}
	return dev.Write(ctx, 0, cfg, slaves)
}

// Write writes data starting at register reg of each slave.
func (dev *Device) Write(ctx context.Context, reg uint16, data []byte, slaves []int) error {
	err := dev.activateI2C(ctx)
	if err != nil {
		return err
	}
	for _, s := range dev.targets(slaves) {
		err := dev.ch.I2CWrite(ctx, dev.req(s, reg), data)
		if err != nil {
			return fmt.Errorf("dcb: could not write register 0x%x of slave %d: %w", reg, s, err)
		}
	}
	return nil
}

// Reading is a register content read back from one slave.
type Reading struct {
	Slave int
	Data  []byte
}

// Read reads n bytes starting at register reg of each slave.
func (dev *Device) Read(ctx context.Context, reg uint16, n int, slaves []int) ([]Reading, error) {
	err := dev.activateI2C(ctx)
	if err != nil {
		return nil, err
	}
	var o []Reading
	for _, s := range dev.targets(slaves) {
		p, err := dev.ch.I2CRead(ctx, dev.req(s, reg), n)
		if err != nil {
			return nil, fmt.Errorf("dcb: could not read register 0x%x of slave %d: %w", reg, s, err)
		}
		o = append(o, Reading{Slave: s, Data: p})
	}
	return o, nil
}

var states = map[uint8]string{
	0x61: "Idle",
	0x15: "Pause for config",
}

// StateOf returns the name of a GBTx state machine status code.
func StateOf(code uint8) string {
	if s, ok := states[code]; ok {
		return s
	}
	return "Unknown state"
}

// Status is the state of a slave GBTx.
type Status struct {
	Slave int
	Code  uint8
	State string
}

// Status reads the state of each slave GBTx.
func (dev *Device) Status(ctx context.Context, slaves []int) ([]Status, error) {
	rs, err := dev.Read(ctx, regStatus, 1, slaves)
	if err != nil {
		return nil, err
	}
	o := make([]Status, len(rs))
	for i, r := range rs {
		o[i] = Status{Slave: r.Slave, Code: r.Data[0], State: StateOf(r.Data[0])}
	}
	return o, nil
}

// WriteStatus writes a status table.
func WriteStatus(w io.Writer, sts []Status) error {
	_, err := fmt.Fprintf(w, "slave  status\n-----  ------\n")
	if err != nil {
		return err
	}
	for _, st := range sts {
		_, err = fmt.Fprintf(w, "%5d  %s (0x%02x)\n", st.Slave, st.State, st.Code)
		if err != nil {
			return err
		}
	}
	return nil
}

// PRBS configures the PRBS generator of each slave: "on", "off" or a raw
// hex value.
func (dev *Device) PRBS(ctx context.Context, mode string, slaves []int) error {
	var data []byte
	switch mode {
	case "on":
		data = []byte{0x03, 0x15, 0x15, 0x15}
	case "off":
		data = []byte{0x00, 0x15, 0x15, 0x15}
	default:
		v, err := hexBytes(mode)
		if err != nil {
			return &ValidationError{What: "PRBS mode", Msg: fmt.Sprintf("%q is neither on, off nor a hex value", mode)}
		}
		data = v
	}
	return dev.Write(ctx, regPRBS, data, slaves)
}

var biasPresets = map[int][]struct {
	reg  uint16
	data []byte
}{
	5: {
		{0x37, []byte{0x87, 0x99, 0x19, 0x88, 0xff, 0xff, 0x04, 0x00}},
		{0xfd, []byte{0x7e, 0x73, 0x00, 0x00}},
		{0x184, []byte{0xaa, 0xbb, 0xff, 0xff}},
	},
	6: {
		{0x37, []byte{0x87, 0x99, 0x25, 0x88, 0xff, 0xff, 0x04, 0x00}},
		{0xfd, []byte{0x7e, 0x73, 0x00, 0x00}},
		{0x184, []byte{0xaa, 0xbb, 0xff, 0xff}},
	},
}

// SetBiasCurrent programs the laser driver bias current preset (5 or 6 mA).
func (dev *Device) SetBiasCurrent(ctx context.Context, mA int, slaves []int) error {
	preset, ok := biasPresets[mA]
	if !ok {
		return &ValidationError{What: "bias current", Msg: fmt.Sprintf("%d mA is not supported", mA)}
	}
	for _, w := range preset {
		err := dev.Write(ctx, w.reg, w.data, slaves)
		if err != nil {
			return err
		}
	}
	return nil
}

// LineLevel is the level of a GPIO line.
type LineLevel struct {
	Line  int
	Level gbt.Level
}

// GPIOReset drives each line low, then to the final level. When verify
// is set, the line is read back and a mismatch is reported as a warning.
func (dev *Device) GPIOReset(ctx context.Context, lines []int, final gbt.Level, verify bool) error {
	err := dev.activateGPIO(ctx)
	if err != nil {
		return err
	}
	for _, line := range lines {
		err := gbt.Pulse(ctx, dev.ch, dev.lnk, line, final)
		if err != nil {
			return fmt.Errorf("dcb: could not reset GPIO line %d: %w", line, err)
		}
		if !verify {
			continue
		}
		lvl, err := dev.ch.GPIOGetLine(ctx, dev.lnk, line)
		if err != nil {
			return fmt.Errorf("dcb: could not read back GPIO line %d: %w", line, err)
		}
		if lvl != final {
			dev.msg.Warnf("GPIO line %d is %v after reset (want=%v)", line, lvl, final)
		}
	}
	return nil
}

// GPIOStatus reads the level of every GPIO line of the board.
func (dev *Device) GPIOStatus(ctx context.Context) ([]LineLevel, error) {
	err := dev.activateGPIO(ctx)
	if err != nil {
		return nil, err
	}
	o := make([]LineLevel, 0, len(dev.lines))
	for _, line := range dev.lines {
		lvl, err := dev.ch.GPIOGetLine(ctx, dev.lnk, line)
		if err != nil {
			return nil, fmt.Errorf("dcb: could not read GPIO line %d: %w", line, err)
		}
		o = append(o, LineLevel{Line: line, Level: lvl})
	}
	return o, nil
}

// SetElinkPhase sets the phase of elink channel ch on each slave.
// The phase is written to the 3 redundant registers of the channel.
func (dev *Device) SetElinkPhase(ctx context.Context, ch int, ph uint8, slaves []int) error {
	ent, ok := dev.phases[ch]
	if !ok {
		return &ValidationError{What: "elink channel", Msg: fmt.Sprintf("no phase registers for elink %d", ch)}
	}
	if !phase.Elink.Contains(ph) {
		return &ValidationError{What: "elink phase", Msg: fmt.Sprintf("%d is not one of %v", ph, phase.Elink)}
	}
	err := dev.activateI2C(ctx)
	if err != nil {
		return err
	}
	mask := uint8(0x0f) << ent.Shift
	for _, s := range dev.targets(slaves) {
		for _, reg := range ent.Regs {
			p, err := dev.ch.I2CRead(ctx, dev.req(s, reg), 1)
			if err != nil {
				return fmt.Errorf("dcb: could not read phase register 0x%x of slave %d: %w", reg, s, err)
			}
			v := (p[0] &^ mask) | (ph << ent.Shift & mask)
			err = dev.ch.I2CWrite(ctx, dev.req(s, reg), []byte{v})
			if err != nil {
				return fmt.Errorf("dcb: could not write phase register 0x%x of slave %d: %w", reg, s, err)
			}
		}
	}
	return nil
}

// ElinkPhase reads back the phase of elink channel ch on each slave.
// Redundant registers disagreeing are reported as an error.
func (dev *Device) ElinkPhase(ctx context.Context, ch int, slaves []int) (map[int]uint8, error) {
	ent, ok := dev.phases[ch]
	if !ok {
		return nil, &ValidationError{What: "elink channel", Msg: fmt.Sprintf("no phase registers for elink %d", ch)}
	}
	err := dev.activateI2C(ctx)
	if err != nil {
		return nil, err
	}
	o := make(map[int]uint8)
	for _, s := range dev.targets(slaves) {
		var vs [3]uint8
		for i, reg := range ent.Regs {
			p, err := dev.ch.I2CRead(ctx, dev.req(s, reg), 1)
			if err != nil {
				return nil, fmt.Errorf("dcb: could not read phase register 0x%x of slave %d: %w", reg, s, err)
			}
			vs[i] = (p[0] >> ent.Shift) & 0x0f
		}
		if vs[0] != vs[1] || vs[0] != vs[2] {
			return nil, fmt.Errorf("dcb: elink %d of slave %d has inconsistent phase registers %v", ch, s, vs)
		}
		o[s] = vs[0]
	}
	return o, nil
}

// PhaseApplier returns a function applying elink phases on the given
// slaves, for the phase scanner.
func (dev *Device) PhaseApplier(slaves []int) phase.ApplyFunc {
	return func(ctx context.Context, ch int, ph uint8) error {
		return dev.SetElinkPhase(ctx, ch, ph, slaves)
	}
}
