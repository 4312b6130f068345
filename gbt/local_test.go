// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gbt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

type fakeSMBus struct {
	regs   map[[2]uint8]uint8
	closed bool
}

func (c *fakeSMBus) ReadReg(addr, reg uint8) (uint8, error) {
	return c.regs[[2]uint8{addr, reg}], nil
}

func (c *fakeSMBus) WriteReg(addr, reg, v uint8) error {
	c.regs[[2]uint8{addr, reg}] = v
	return nil
}

func (c *fakeSMBus) Close() error {
	c.closed = true
	return nil
}

type fakeI2C struct {
	speed physic.Frequency
	mem   map[uint16][]byte // slave -> register file
}

func (b *fakeI2C) String() string { return "fake-i2c" }
func (b *fakeI2C) Close() error   { return nil }

func (b *fakeI2C) SetSpeed(f physic.Frequency) error {
	b.speed = f
	return nil
}

func (b *fakeI2C) Tx(addr uint16, w, r []byte) error {
	if len(w) < 2 {
		return fmt.Errorf("missing register address")
	}
	mem, ok := b.mem[addr]
	if !ok {
		mem = make([]byte, 0x200)
		b.mem[addr] = mem
	}
	reg := int(w[0]) | int(w[1])<<8
	copy(mem[reg:], w[2:])
	copy(r, mem[reg:])
	return nil
}

func withFakeHost(t *testing.T) (*fakeSMBus, *fakeI2C, map[string]*gpiotest.Pin) {
	t.Helper()
	var (
		smb  = &fakeSMBus{regs: make(map[[2]uint8]uint8)}
		raw  = &fakeI2C{mem: make(map[uint16][]byte)}
		pins = map[string]*gpiotest.Pin{
			"GPIO17": {N: "GPIO17", Num: 17},
			"GPIO27": {N: "GPIO27", Num: 27},
		}
	)

	oinit, osmb, oi2c, opin := hostInit, smbusOpen, i2cOpen, pinByName
	hostInit = func() error { return nil }
	smbusOpen = func(bus int, addr uint8) (regConn, error) { return smb, nil }
	i2cOpen = func(name string) (i2c.BusCloser, error) { return raw, nil }
	pinByName = func(name string) gpio.PinIO {
		p, ok := pins[name]
		if !ok {
			return nil
		}
		return p
	}
	t.Cleanup(func() {
		hostInit, smbusOpen, i2cOpen, pinByName = oinit, osmb, oi2c, opin
	})
	return smb, raw, pins
}

func TestLocalI2C(t *testing.T) {
	smb, raw, _ := withFakeHost(t)
	dev, err := NewLocal(1, nil, nil)
	if err != nil {
		t.Fatalf("could not create local channel: %+v", err)
	}

	ctx := context.Background()

	salt := I2C{Slave: 0x10, Reg: 0x08, Type: SALT, Freq: Freq100kHz}
	err = dev.I2CWrite(ctx, salt, []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("could not write salt register: %+v", err)
	}
	if got, want := smb.regs[[2]uint8{0x10, 0x09}], uint8(0x02); got != want {
		t.Fatalf("invalid register value: got=%#x, want=%#x", got, want)
	}
	got, err := dev.I2CRead(ctx, salt, 2)
	if err != nil {
		t.Fatalf("could not read salt register: %+v", err)
	}
	if want := []byte{0x01, 0x02}; !bytes.Equal(got, want) {
		t.Fatalf("invalid read-back: got=%x, want=%x", got, want)
	}

	gbtx := I2C{Slave: 0x3, Reg: 0x1af, Type: GBTx, Freq: Freq1MHz}
	err = dev.I2CWrite(ctx, gbtx, []byte{0x61})
	if err != nil {
		t.Fatalf("could not write gbtx register: %+v", err)
	}
	got, err = dev.I2CRead(ctx, gbtx, 1)
	if err != nil {
		t.Fatalf("could not read gbtx register: %+v", err)
	}
	if want := []byte{0x61}; !bytes.Equal(got, want) {
		t.Fatalf("invalid read-back: got=%x, want=%x", got, want)
	}
	if got, want := raw.speed, physic.MegaHertz; got != want {
		t.Fatalf("invalid bus speed: got=%v, want=%v", got, want)
	}

	err = dev.Close()
	if err != nil {
		t.Fatalf("could not close local channel: %+v", err)
	}
	if !smb.closed {
		t.Fatalf("smbus connection not closed")
	}
}

func TestLocalGPIO(t *testing.T) {
	_, _, pins := withFakeHost(t)
	dev, err := NewLocal(1, map[int]string{0: "GPIO17", 1: "GPIO27", 2: "GPIO99"}, nil)
	if err != nil {
		t.Fatalf("could not create local channel: %+v", err)
	}

	ctx := context.Background()
	var lnk Link

	err = dev.GPIOSetDir(ctx, lnk, 0, Out)
	if err != nil {
		t.Fatalf("could not set direction: %+v", err)
	}
	err = dev.GPIOSetLine(ctx, lnk, 0, High)
	if err != nil {
		t.Fatalf("could not set level: %+v", err)
	}
	if got, want := pins["GPIO17"].L, gpio.High; got != want {
		t.Fatalf("invalid pin level: got=%v, want=%v", got, want)
	}
	lvl, err := dev.GPIOGetLine(ctx, lnk, 0)
	if err != nil {
		t.Fatalf("could not read level: %+v", err)
	}
	if lvl != High {
		t.Fatalf("invalid level: got=%v, want=%v", lvl, High)
	}

	_, err = dev.GPIOGetLine(ctx, lnk, 5)
	var derr *DeviceError
	if !errors.As(err, &derr) || derr.Code != ErrInvalidArgs {
		t.Fatalf("expected an invalid-args device error, got %+v", err)
	}

	_, err = dev.GPIOGetLine(ctx, lnk, 2)
	if err == nil {
		t.Fatalf("expected an error for an unknown pin")
	}
}
