// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gbt describes the command channel used to reach the I2C buses
// and GPIO lines of the front-end chain, through the GBT-SCA of a link.
//
// Two backends are provided:
//   - Exec drives the external i2c_op and sca_test tools,
//   - Local drives an I2C bus and GPIO lines attached to the host.
package gbt // import "github.com/umd-lhcb/MiniDAQ-utils/gbt"

import (
	"context"
	"fmt"
)

// I2CType is the I2C protocol flavor of a slave.
type I2CType uint8

const (
	GBTx I2CType = 0 // 16-bit register addressing
	SALT I2CType = 1 // 8-bit register addressing
)

func (t I2CType) String() string {
	switch t {
	case GBTx:
		return "gbtx"
	case SALT:
		return "salt"
	}
	return fmt.Sprintf("I2CType(%d)", uint8(t))
}

// I2CFreq is the SCL frequency of an I2C bus.
type I2CFreq uint8

const (
	Freq100kHz I2CFreq = 0
	Freq200kHz I2CFreq = 1
	Freq400kHz I2CFreq = 2
	Freq1MHz   I2CFreq = 3
)

func (f I2CFreq) String() string {
	switch f {
	case Freq100kHz:
		return "100kHz"
	case Freq200kHz:
		return "200kHz"
	case Freq400kHz:
		return "400kHz"
	case Freq1MHz:
		return "1MHz"
	}
	return fmt.Sprintf("I2CFreq(%d)", uint8(f))
}

// I2COp is the operation mode of an I2C transaction.
type I2COp uint8

const (
	OpWrite      I2COp = 0
	OpRead       I2COp = 1
	OpWriteRead  I2COp = 2
	OpActivate   I2COp = 3
	OpDeactivate I2COp = 4
)

// Link identifies the GBT-SCA of an optical link.
type Link struct {
	GBT int // GBT link index
	SCA int // SCA index on that link
}

func (lnk Link) String() string {
	return fmt.Sprintf("gbt=%d sca=%d", lnk.GBT, lnk.SCA)
}

// I2C addresses one register of one I2C slave.
type I2C struct {
	Link
	Bus   int // I2C bus (SCA channel) index
	Slave int // 7-bit slave address
	Reg   uint16
	Type  I2CType
	Freq  I2CFreq
}

func (req I2C) String() string {
	return fmt.Sprintf("%v bus=%d slave=%#x reg=%#x", req.Link, req.Bus, req.Slave, req.Reg)
}

// Dir is the direction of a GPIO line.
type Dir uint8

const (
	In  Dir = 0
	Out Dir = 1
)

func (d Dir) String() string {
	if d == Out {
		return "out"
	}
	return "in"
}

// Level is the logic level of a GPIO line.
type Level uint8

const (
	Low  Level = 0
	High Level = 1
)

func (lvl Level) String() string {
	if lvl == High {
		return "high"
	}
	return "low"
}

// ParseLevel parses "high" or "low".
func ParseLevel(s string) (Level, error) {
	switch s {
	case "high", "H", "1":
		return High, nil
	case "low", "L", "0":
		return Low, nil
	}
	return Low, fmt.Errorf("gbt: invalid GPIO level %q", s)
}

// Channel is a device command channel.
//
// Every call is a blocking round trip on a shared physical bus:
// calls must not be issued concurrently.
type Channel interface {
	// ActivateI2C enables the I2C master of the given bus.
	ActivateI2C(ctx context.Context, lnk Link, bus int) error
	// I2CWrite writes data starting at req.Reg.
	I2CWrite(ctx context.Context, req I2C, data []byte) error
	// I2CRead reads n bytes starting at req.Reg.
	I2CRead(ctx context.Context, req I2C, n int) ([]byte, error)

	// ActivateGPIO enables the GPIO block of the SCA.
	ActivateGPIO(ctx context.Context, lnk Link) error
	GPIOSetDir(ctx context.Context, lnk Link, line int, dir Dir) error
	GPIOSetLine(ctx context.Context, lnk Link, line int, lvl Level) error
	GPIOGetLine(ctx context.Context, lnk Link, line int) (Level, error)
}

// Pulse drives a GPIO line as an output, low, then to the final level.
func Pulse(ctx context.Context, ch Channel, lnk Link, line int, final Level) error {
	err := ch.GPIOSetDir(ctx, lnk, line, Out)
	if err != nil {
		return err
	}
	err = ch.GPIOSetLine(ctx, lnk, line, Low)
	if err != nil {
		return err
	}
	return ch.GPIOSetLine(ctx, lnk, line, final)
}
