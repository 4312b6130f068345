// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakegbt provides an in-memory command channel and memory
// monitor, for tests.
package fakegbt // import "github.com/umd-lhcb/MiniDAQ-utils/internal/fakegbt"

import (
	"context"
	"fmt"

	"github.com/umd-lhcb/MiniDAQ-utils/elink"
	"github.com/umd-lhcb/MiniDAQ-utils/gbt"
)

// Call is one recorded command.
type Call struct {
	Op   string
	Link gbt.Link
	Bus  int
	Reg  gbt.I2C // I2C requests only
	Line int     // GPIO requests only
	Data []byte
}

func (c Call) String() string {
	switch c.Op {
	case "i2c-write":
		return fmt.Sprintf("%s slave=%#x reg=%#x data=%x", c.Op, c.Reg.Slave, c.Reg.Reg, c.Data)
	case "i2c-read":
		return fmt.Sprintf("%s slave=%#x reg=%#x n=%d", c.Op, c.Reg.Slave, c.Reg.Reg, len(c.Data))
	case "gpio-dir", "gpio-write", "gpio-read":
		return fmt.Sprintf("%s line=%d data=%x", c.Op, c.Line, c.Data)
	}
	return fmt.Sprintf("%s %v bus=%d", c.Op, c.Link, c.Bus)
}

type regKey struct {
	gbt, slave int
	reg        int
}

// Channel is an in-memory command channel.
// Register writes are stored and served back by reads.
type Channel struct {
	Calls []Call

	// Err, when set, is consulted before every operation.
	Err func(op string) error
	// Stuck, when set, lists GPIO lines that do not follow writes.
	Stuck map[int]bool

	regs  map[regKey]byte
	lines map[int]gbt.Level
}

// New creates an empty in-memory command channel.
func New() *Channel {
	return &Channel{
		regs:  make(map[regKey]byte),
		lines: make(map[int]gbt.Level),
	}
}

// Preset sets the content of registers starting at reg.
func (c *Channel) Preset(gbtID, slave, reg int, data ...byte) {
	for i, v := range data {
		c.regs[regKey{gbtID, slave, reg + i}] = v
	}
}

// Reg returns the content of a register.
func (c *Channel) Reg(gbtID, slave, reg int) byte {
	return c.regs[regKey{gbtID, slave, reg}]
}

// Line returns the level of a GPIO line.
func (c *Channel) Line(line int) gbt.Level {
	return c.lines[line]
}

// Writes returns the recorded I2C writes.
func (c *Channel) Writes() []Call {
	var o []Call
	for _, call := range c.Calls {
		if call.Op == "i2c-write" {
			o = append(o, call)
		}
	}
	return o
}

// Count returns the number of recorded calls of the given operation.
func (c *Channel) Count(op string) int {
	n := 0
	for _, call := range c.Calls {
		if call.Op == op {
			n++
		}
	}
	return n
}

func (c *Channel) check(op string) error {
	if c.Err == nil {
		return nil
	}
	return c.Err(op)
}

func (c *Channel) ActivateI2C(ctx context.Context, lnk gbt.Link, bus int) error {
	c.Calls = append(c.Calls, Call{Op: "i2c-activate", Link: lnk, Bus: bus})
	return c.check("i2c-activate")
}

func (c *Channel) I2CWrite(ctx context.Context, req gbt.I2C, data []byte) error {
	c.Calls = append(c.Calls, Call{
		Op: "i2c-write", Link: req.Link, Bus: req.Bus, Reg: req,
		Data: append([]byte(nil), data...),
	})
	if err := c.check("i2c-write"); err != nil {
		return err
	}
	for i, v := range data {
		c.regs[regKey{req.GBT, req.Slave, int(req.Reg) + i}] = v
	}
	return nil
}

func (c *Channel) I2CRead(ctx context.Context, req gbt.I2C, n int) ([]byte, error) {
	c.Calls = append(c.Calls, Call{
		Op: "i2c-read", Link: req.Link, Bus: req.Bus, Reg: req,
		Data: make([]byte, n),
	})
	if err := c.check("i2c-read"); err != nil {
		return nil, err
	}
	o := make([]byte, n)
	for i := range o {
		o[i] = c.regs[regKey{req.GBT, req.Slave, int(req.Reg) + i}]
	}
	return o, nil
}

func (c *Channel) ActivateGPIO(ctx context.Context, lnk gbt.Link) error {
	c.Calls = append(c.Calls, Call{Op: "gpio-activate", Link: lnk})
	return c.check("gpio-activate")
}

func (c *Channel) GPIOSetDir(ctx context.Context, lnk gbt.Link, line int, dir gbt.Dir) error {
	c.Calls = append(c.Calls, Call{Op: "gpio-dir", Link: lnk, Line: line, Data: []byte{byte(dir)}})
	return c.check("gpio-dir")
}

func (c *Channel) GPIOSetLine(ctx context.Context, lnk gbt.Link, line int, lvl gbt.Level) error {
	c.Calls = append(c.Calls, Call{Op: "gpio-write", Link: lnk, Line: line, Data: []byte{byte(lvl)}})
	if err := c.check("gpio-write"); err != nil {
		return err
	}
	if !c.Stuck[line] {
		c.lines[line] = lvl
	}
	return nil
}

func (c *Channel) GPIOGetLine(ctx context.Context, lnk gbt.Link, line int) (gbt.Level, error) {
	c.Calls = append(c.Calls, Call{Op: "gpio-read", Link: lnk, Line: line})
	if err := c.check("gpio-read"); err != nil {
		return gbt.Low, err
	}
	return c.lines[line], nil
}

// Monitor is an in-memory memory monitor whose frames depend on the phase
// last applied to each channel.
type Monitor struct {
	Frames int // frames per snapshot
	// Value returns the value of channel ch at phase ph, for frame i.
	Value func(ch int, ph uint8, i int) uint8

	Phases map[int]uint8 // phase last applied per channel
	Reads  int           // number of snapshots read
	Err    error         // returned by Read when set
}

// NewMonitor creates a memory monitor serving n frames per snapshot.
func NewMonitor(n int, value func(ch int, ph uint8, i int) uint8) *Monitor {
	return &Monitor{
		Frames: n,
		Value:  value,
		Phases: make(map[int]uint8),
	}
}

// Apply records phase ph for channel ch.
func (m *Monitor) Apply(ctx context.Context, ch int, ph uint8) error {
	m.Phases[ch] = ph
	return nil
}

// Read returns one snapshot.
func (m *Monitor) Read(ctx context.Context) ([]elink.Frame, error) {
	m.Reads++
	if m.Err != nil {
		return nil, m.Err
	}
	frames := make([]elink.Frame, m.Frames)
	for i := range frames {
		frames[i].Header = [2]uint8{0x80, 0x00}
		for ch, ph := range m.Phases {
			frames[i].Elinks[ch] = m.Value(ch, ph, i)
		}
	}
	return frames, nil
}

var _ gbt.Channel = (*Channel)(nil)
