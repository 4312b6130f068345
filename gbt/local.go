// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gbt

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/go-daq/smbus"
	"github.com/go-daq/tdaq/log"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// regConn is a SMBus connection with 8-bit register addressing.
type regConn interface {
	ReadReg(addr, reg uint8) (uint8, error)
	WriteReg(addr, reg, v uint8) error
	Close() error
}

var (
	hostInit  = func() error { _, err := host.Init(); return err }
	smbusOpen = func(bus int, addr uint8) (regConn, error) { return smbus.Open(bus, addr) }
	i2cOpen   = func(name string) (i2c.BusCloser, error) { return i2creg.Open(name) }
	pinByName = gpioreg.ByName
)

// Local is a command channel for a bench setup where the I2C bus and the
// reset lines are attached to the host.
//
// SALT slaves (8-bit registers) are accessed through SMBus register
// transactions. GBTx slaves (16-bit registers) are accessed with raw I2C
// transfers. The link and bus of requests are ignored: there is only one
// bus.
type Local struct {
	bus  int            // I2C bus number (/dev/i2c-<bus>)
	pins map[int]string // GPIO line -> host pin name
	msg  log.MsgStream

	conns map[int]regConn
	raw   i2c.BusCloser
	freq  I2CFreq
	lines map[int]gpio.PinIO
}

// NewLocal creates a command channel on the given I2C bus, with GPIO lines
// mapped to the named host pins.
func NewLocal(bus int, pins map[int]string, msg log.MsgStream) (*Local, error) {
	err := hostInit()
	if err != nil {
		return nil, fmt.Errorf("gbt: could not initialize host drivers: %w", err)
	}
	if msg == nil {
		msg = log.NewMsgStream("gbt-local", log.LvlInfo, os.Stdout)
	}
	return &Local{
		bus:   bus,
		pins:  pins,
		msg:   msg,
		conns: make(map[int]regConn),
		freq:  0xff,
		lines: make(map[int]gpio.PinIO),
	}, nil
}

// Close releases the I2C connections.
func (dev *Local) Close() error {
	var err error
	for slave, c := range dev.conns {
		e := c.Close()
		if e != nil && err == nil {
			err = fmt.Errorf("gbt: could not close smbus connection to %#x: %w", slave, e)
		}
	}
	dev.conns = make(map[int]regConn)
	if dev.raw != nil {
		e := dev.raw.Close()
		if e != nil && err == nil {
			err = fmt.Errorf("gbt: could not close i2c bus: %w", e)
		}
		dev.raw = nil
	}
	return err
}

func (dev *Local) ActivateI2C(ctx context.Context, lnk Link, bus int) error {
	if dev.raw != nil {
		return nil
	}
	raw, err := i2cOpen(strconv.Itoa(dev.bus))
	if err != nil {
		return fmt.Errorf("gbt: could not open i2c bus %d: %w", dev.bus, err)
	}
	dev.raw = raw
	return nil
}

func (dev *Local) I2CWrite(ctx context.Context, req I2C, data []byte) error {
	switch req.Type {
	case GBTx:
		raw, err := dev.rawBus(ctx, req)
		if err != nil {
			return err
		}
		w := append([]byte{uint8(req.Reg), uint8(req.Reg >> 8)}, data...)
		err = raw.Tx(uint16(req.Slave), w, nil)
		if err != nil {
			return fmt.Errorf("gbt: could not write %v: %w", req, err)
		}
		return nil
	default:
		c, err := dev.conn(req.Slave)
		if err != nil {
			return err
		}
		for i, v := range data {
			if err := ctx.Err(); err != nil {
				return err
			}
			err = c.WriteReg(uint8(req.Slave), uint8(int(req.Reg)+i), v)
			if err != nil {
				return fmt.Errorf("gbt: could not write %v: %w", req, err)
			}
		}
		return nil
	}
}

func (dev *Local) I2CRead(ctx context.Context, req I2C, n int) ([]byte, error) {
	switch req.Type {
	case GBTx:
		raw, err := dev.rawBus(ctx, req)
		if err != nil {
			return nil, err
		}
		r := make([]byte, n)
		err = raw.Tx(uint16(req.Slave), []byte{uint8(req.Reg), uint8(req.Reg >> 8)}, r)
		if err != nil {
			return nil, fmt.Errorf("gbt: could not read %v: %w", req, err)
		}
		return r, nil
	default:
		c, err := dev.conn(req.Slave)
		if err != nil {
			return nil, err
		}
		r := make([]byte, n)
		for i := range r {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			r[i], err = c.ReadReg(uint8(req.Slave), uint8(int(req.Reg)+i))
			if err != nil {
				return nil, fmt.Errorf("gbt: could not read %v: %w", req, err)
			}
		}
		return r, nil
	}
}

func (dev *Local) ActivateGPIO(ctx context.Context, lnk Link) error {
	for line := range dev.pins {
		_, err := dev.pin(line)
		if err != nil {
			return err
		}
	}
	return nil
}

func (dev *Local) GPIOSetDir(ctx context.Context, lnk Link, line int, dir Dir) error {
	p, err := dev.pin(line)
	if err != nil {
		return err
	}
	switch dir {
	case Out:
		// direction and level are set together by Out.
		err = p.Out(p.Read())
	default:
		err = p.In(gpio.PullNoChange, gpio.NoEdge)
	}
	if err != nil {
		return fmt.Errorf("gbt: could not set direction of GPIO line %d: %w", line, err)
	}
	return nil
}

func (dev *Local) GPIOSetLine(ctx context.Context, lnk Link, line int, lvl Level) error {
	p, err := dev.pin(line)
	if err != nil {
		return err
	}
	err = p.Out(gpio.Level(lvl == High))
	if err != nil {
		return fmt.Errorf("gbt: could not set GPIO line %d to %v: %w", line, lvl, err)
	}
	return nil
}

func (dev *Local) GPIOGetLine(ctx context.Context, lnk Link, line int) (Level, error) {
	p, err := dev.pin(line)
	if err != nil {
		return Low, err
	}
	if p.Read() == gpio.High {
		return High, nil
	}
	return Low, nil
}

func (dev *Local) rawBus(ctx context.Context, req I2C) (i2c.Bus, error) {
	if dev.raw == nil {
		err := dev.ActivateI2C(ctx, req.Link, req.Bus)
		if err != nil {
			return nil, err
		}
	}
	if req.Freq != dev.freq {
		err := dev.raw.SetSpeed(speedOf(req.Freq))
		if err != nil {
			return nil, fmt.Errorf("gbt: could not set i2c bus speed to %v: %w", req.Freq, err)
		}
		dev.freq = req.Freq
	}
	return dev.raw, nil
}

func (dev *Local) conn(slave int) (regConn, error) {
	if c, ok := dev.conns[slave]; ok {
		return c, nil
	}
	c, err := smbusOpen(dev.bus, uint8(slave))
	if err != nil {
		return nil, fmt.Errorf("gbt: could not open smbus connection to %#x: %w", slave, err)
	}
	dev.conns[slave] = c
	return c, nil
}

func (dev *Local) pin(line int) (gpio.PinIO, error) {
	if p, ok := dev.lines[line]; ok {
		return p, nil
	}
	name, ok := dev.pins[line]
	if !ok {
		return nil, &DeviceError{Op: fmt.Sprintf("gpio-line-%d", line), Code: ErrInvalidArgs}
	}
	p := pinByName(name)
	if p == nil {
		return nil, fmt.Errorf("gbt: no GPIO pin named %q", name)
	}
	dev.lines[line] = p
	return p, nil
}

func speedOf(f I2CFreq) physic.Frequency {
	switch f {
	case Freq1MHz:
		return physic.MegaHertz
	case Freq400kHz:
		return 400 * physic.KiloHertz
	case Freq200kHz:
		return 200 * physic.KiloHertz
	default:
		return 100 * physic.KiloHertz
	}
}

var _ Channel = (*Local)(nil)
