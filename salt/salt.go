// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package salt drives the SALT front-end ASICs of a readout link.
package salt // import "github.com/umd-lhcb/MiniDAQ-utils/salt"

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

type ValidationError = pattern.ValidationError

const (
	// AddrStride is the I2C address offset between two ASICs of a bus.
	AddrStride = 10
	// MaxShift is the number of elink phase shifts of the serializer.
	MaxShift = 8
)

// Reg is a SALT register: a sub-address of an I2C address of the ASIC.
type Reg struct {
	Addr uint8
	Sub  uint8
}

// Write is one register write of an initialization sequence.
type Write struct {
	Reg
	Val uint8
}

// Registers lists the registers used by the phase alignment.
type Registers struct {
	SerSrc     Reg // serializer source
	Pattern    Reg // fixed pattern
	TFCPhase   Reg
	ElinkPhase Reg
}

// DefaultRegisters returns the registers of a SALT.
func DefaultRegisters() Registers {
	return Registers{
		SerSrc:     Reg{0, 0x00},
		Pattern:    Reg{0, 0x01},
		TFCPhase:   Reg{0, 0x02},
		ElinkPhase: Reg{0, 0x08},
	}
}

// SerSrcModes are the named serializer sources.
var SerSrcModes = map[string]uint8{
	"fixed": 0x22,
	"prbs":  0x03,
	"tfc":   0x01,
}

// DefaultInitSequence returns the initialization sequence of a SALT.
// The serializer outputs the fixed pattern 0xc4 with a zero elink phase.
func DefaultInitSequence() []Write {
	return []Write{
		{Reg{0, 4}, 0x8c},
		{Reg{0, 6}, 0x15},
		{Reg{0, 4}, 0xcc},
		{Reg{0, 0}, SerSrcModes["fixed"]},
		{Reg{0, 1}, 0xc4},
		{Reg{0, 8}, 0x01},
		{Reg{3, 0}, 0x24},
		{Reg{3, 1}, 0x32},
		{Reg{3, 0}, 0xe4},
		{Reg{0, 2}, 0x0f},
		{Reg{0, 3}, 0x4c},
		{Reg{5, 6}, 0x01},
		{Reg{5, 7}, 0x01},
		{Reg{0, 8}, 0x00},
	}
}

// Device is a set of SALT ASICs sharing one I2C bus of a GBT-SCA.
// The reset line of the ASICs is the GPIO line numbered after the bus.
type Device struct {
	ch    gbt.Channel
	lnk   gbt.Link
	bus   int
	asics []int
	freq  gbt.I2CFreq
	seq   []Write
	regs  Registers
	msg   log.MsgStream

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

// WithASICs sets the default ASICs.
func WithASICs(asics ...int) Option {
	return func(dev *Device) {
		dev.asics = append([]int(nil), asics...)
	}
}

// WithFreq sets the I2C frequency.
func WithFreq(freq gbt.I2CFreq) Option {
	return func(dev *Device) {
		dev.freq = freq
	}
}

// WithInitSequence sets the initialization sequence.
func WithInitSequence(seq []Write) Option {
	return func(dev *Device) {
		dev.seq = append([]Write(nil), seq...)
	}
}

// WithRegisters sets the phase alignment registers.
func WithRegisters(regs Registers) Option {
	return func(dev *Device) {
		dev.regs = regs
	}
}

// WithMsgStream sets the stream used to report warnings.
func WithMsgStream(msg log.MsgStream) Option {
	return func(dev *Device) {
		dev.msg = msg
	}
}

// New creates the SALT ASICs on I2C bus bus of GBT link gbtID.
func New(ch gbt.Channel, gbtID, bus int, opts ...Option) *Device {
	dev := &Device{
		ch:    ch,
		lnk:   gbt.Link{GBT: gbtID, SCA: 0},
		bus:   bus,
		asics: []int{0, 1, 2, 3},
		freq:  gbt.Freq100kHz,
		seq:   DefaultInitSequence(),
		regs:  DefaultRegisters(),
		msg:   log.NewMsgStream("salt", log.LvlInfo, os.Stdout),
	}
	for _, opt := range opts {
		opt(dev)
	}
	return dev
}

// ASICs returns the default ASICs.
func (dev *Device) ASICs() []int {
	return append([]int(nil), dev.asics...)
}

func (dev *Device) targets(asics []int) []int {
	if len(asics) == 0 {
		return dev.asics
	}
	return asics
}

// Addr returns the I2C address of register reg of an ASIC.
func Addr(reg Reg, asic int) int {
	return int(reg.Addr) + AddrStride*asic
}

func (dev *Device) req(asic int, reg Reg) gbt.I2C {
	return gbt.I2C{
		Link:  dev.lnk,
		Bus:   dev.bus,
		Slave: Addr(reg, asic),
		Reg:   uint16(reg.Sub),
		Type:  gbt.SALT,
		Freq:  dev.freq,
	}
}

func (dev *Device) activateI2C(ctx context.Context) error {
	if dev.i2cActivated {
		return nil
	}
	err := dev.ch.ActivateI2C(ctx, dev.lnk, dev.bus)
	if err != nil {
		return fmt.Errorf("salt: could not activate i2c bus %d: %w", dev.bus, err)
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
		return fmt.Errorf("salt: could not activate gpio: %w", err)
	}
	dev.gpioActivated = true
	return nil
}

// Init resets the ASICs and runs the initialization sequence on each of
// them.
func (dev *Device) Init(ctx context.Context, asics []int) error {
	asics = dev.targets(asics)
	err := ValidateASICs(asics)
	if err != nil {
		return err
	}
	err = dev.activateI2C(ctx)
	if err != nil {
		return err
	}
	err = dev.Reset(ctx, gbt.High, false)
	if err != nil {
		return err
	}
	for _, asic := range asics {
		for _, w := range dev.seq {
			err := dev.ch.I2CWrite(ctx, dev.req(asic, w.Reg), []byte{w.Val})
			if err != nil {
				return fmt.Errorf("salt: could not initialize ASIC %d (reg=%d/0x%x): %w", asic, w.Addr, w.Sub, err)
			}
		}
	}
	return nil
}

// Write writes data at register reg of each ASIC.
func (dev *Device) Write(ctx context.Context, reg Reg, data []byte, asics []int) error {
	err := dev.activateI2C(ctx)
	if err != nil {
		return err
	}
	for _, asic := range dev.targets(asics) {
		err := dev.ch.I2CWrite(ctx, dev.req(asic, reg), data)
		if err != nil {
			return fmt.Errorf("salt: could not write register %d/0x%x of ASIC %d: %w", reg.Addr, reg.Sub, asic, err)
		}
	}
	return nil
}

// Reading is a register content read back from one ASIC.
type Reading struct {
	ASIC int
	Addr int // I2C address of the register
	Data []byte
}

// Read reads n bytes at register reg of each ASIC.
func (dev *Device) Read(ctx context.Context, reg Reg, n int, asics []int) ([]Reading, error) {
	err := dev.activateI2C(ctx)
	if err != nil {
		return nil, err
	}
	var o []Reading
	for _, asic := range dev.targets(asics) {
		p, err := dev.ch.I2CRead(ctx, dev.req(asic, reg), n)
		if err != nil {
			return nil, fmt.Errorf("salt: could not read register %d/0x%x of ASIC %d: %w", reg.Addr, reg.Sub, asic, err)
		}
		o = append(o, Reading{ASIC: asic, Addr: Addr(reg, asic), Data: p})
	}
	return o, nil
}

// WriteReadings writes a table of register readings.
func WriteReadings(w io.Writer, rs []Reading) error {
	_, err := fmt.Fprintf(w, "SALT  address  value\n----  -------  -----\n")
	if err != nil {
		return err
	}
	for _, r := range rs {
		_, err = fmt.Fprintf(w, "%4d  %7s  %x\n", r.ASIC, fmt.Sprintf("0x%x", r.Addr), r.Data)
		if err != nil {
			return err
		}
	}
	return nil
}

// Reset pulses the reset line of the ASICs, leaving it at the final level.
// When verify is set, a read-back mismatch is reported as a warning.
func (dev *Device) Reset(ctx context.Context, final gbt.Level, verify bool) error {
	err := dev.activateGPIO(ctx)
	if err != nil {
		return err
	}
	line := dev.bus
	err = gbt.Pulse(ctx, dev.ch, dev.lnk, line, final)
	if err != nil {
		return fmt.Errorf("salt: could not reset GPIO line %d: %w", line, err)
	}
	if !verify {
		return nil
	}
	lvl, err := dev.ch.GPIOGetLine(ctx, dev.lnk, line)
	if err != nil {
		return fmt.Errorf("salt: could not read back GPIO line %d: %w", line, err)
	}
	if lvl != final {
		dev.msg.Warnf("GPIO line %d is %v after reset (want=%v)", line, lvl, final)
	}
	return nil
}

// ParseSerSrc parses a serializer source: a named mode or a raw hex byte.
func ParseSerSrc(s string) (uint8, error) {
	if v, ok := SerSrcModes[s]; ok {
		return v, nil
	}
	v, err := pattern.ParseHex(s)
	if err != nil || v > 0xff {
		return 0, &ValidationError{
			What: "serializer source",
			Msg:  fmt.Sprintf("%q is neither fixed, prbs, tfc nor a hex byte", s),
		}
	}
	return uint8(v), nil
}

// SerSrc sets the serializer source of each ASIC.
func (dev *Device) SerSrc(ctx context.Context, mode string, asics []int) error {
	v, err := ParseSerSrc(mode)
	if err != nil {
		return err
	}
	return dev.Write(ctx, dev.regs.SerSrc, []byte{v}, asics)
}

// SetFixedPattern sets the fixed pattern sent by the serializer.
func (dev *Device) SetFixedPattern(ctx context.Context, v uint8, asics []int) error {
	return dev.Write(ctx, dev.regs.Pattern, []byte{v}, asics)
}

// SetElinkPhase shifts the serializer output by shift bits.
func (dev *Device) SetElinkPhase(ctx context.Context, shift uint8, asics []int) error {
	if shift >= MaxShift {
		return &ValidationError{
			What: "elink phase",
			Msg:  fmt.Sprintf("shift %d is not in [0, %d)", shift, MaxShift),
		}
	}
	return dev.Write(ctx, dev.regs.ElinkPhase, []byte{shift}, asics)
}

// SetTFCPhase sets the phase of the TFC input.
func (dev *Device) SetTFCPhase(ctx context.Context, ph uint8, asics []int) error {
	if !phase.TFC.Contains(ph) {
		return &ValidationError{
			What: "TFC phase",
			Msg:  fmt.Sprintf("%s is not one of %v", phase.TFC.Format(ph), phase.TFC),
		}
	}
	return dev.Write(ctx, dev.regs.TFCPhase, []byte{ph}, asics)
}

// TFCApplier returns a function applying TFC phases on the given ASICs,
// for the phase scanner. The TFC phase is shared by all the elinks of an
// ASIC: a phase is written only when it changes.
func (dev *Device) TFCApplier(asics []int) phase.ApplyFunc {
	var (
		last uint8
		done bool
	)
	return func(ctx context.Context, ch int, ph uint8) error {
		if done && ph == last {
			return nil
		}
		err := dev.SetTFCPhase(ctx, ph, asics)
		if err != nil {
			return err
		}
		last, done = ph, true
		return nil
	}
}

// Group is a set of ASICs read out by a single DAQ fiber.
type Group struct {
	Name  string
	ASICs []int
}

// Groups are the ASIC groups of a bus.
var Groups = []Group{
	{"west", []int{0, 1, 2, 3}},
	{"east", []int{4, 5, 6, 7}},
}

// GroupOf returns the group of an ASIC.
func GroupOf(asic int) (Group, error) {
	for _, grp := range Groups {
		for _, v := range grp.ASICs {
			if v == asic {
				return grp, nil
			}
		}
	}
	return Group{}, &ValidationError{What: "ASIC", Msg: fmt.Sprintf("no ASIC %d", asic)}
}

// ValidateASICs checks that the ASICs exist and belong to one group.
func ValidateASICs(asics []int) error {
	if len(asics) == 0 {
		return &ValidationError{What: "ASICs", Msg: "no ASIC requested"}
	}
	if n := len(Groups[0].ASICs); len(asics) > n {
		return &ValidationError{
			What: "ASICs",
			Msg:  fmt.Sprintf("%d ASICs requested, a group holds at most %d", len(asics), n),
		}
	}
	ref, err := GroupOf(asics[0])
	if err != nil {
		return err
	}
	for _, asic := range asics[1:] {
		grp, err := GroupOf(asic)
		if err != nil {
			return err
		}
		if grp.Name != ref.Name {
			return &ValidationError{
				What: "ASICs",
				Msg:  fmt.Sprintf("ASIC %d (%s) and ASIC %d (%s) are in different groups", asics[0], ref.Name, asic, grp.Name),
			}
		}
	}
	return nil
}
