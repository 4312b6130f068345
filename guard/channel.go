// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package guard

import (
	"context"

	"github.com/umd-lhcb/MiniDAQ-utils/gbt"
)

// Channel is a command channel whose every operation is guarded.
type Channel struct {
	ch   gbt.Channel
	opts []Option
}

// NewChannel wraps ch so that every operation runs through Exec.
func NewChannel(ch gbt.Channel, opts ...Option) *Channel {
	return &Channel{ch: ch, opts: opts}
}

func (g *Channel) ActivateI2C(ctx context.Context, lnk gbt.Link, bus int) error {
	return Do(ctx, func(ctx context.Context) error {
		return g.ch.ActivateI2C(ctx, lnk, bus)
	}, g.opts...)
}

func (g *Channel) I2CWrite(ctx context.Context, req gbt.I2C, data []byte) error {
	return Do(ctx, func(ctx context.Context) error {
		return g.ch.I2CWrite(ctx, req, data)
	}, g.opts...)
}

func (g *Channel) I2CRead(ctx context.Context, req gbt.I2C, n int) ([]byte, error) {
	return Exec(ctx, func(ctx context.Context) ([]byte, error) {
		return g.ch.I2CRead(ctx, req, n)
	}, g.opts...)
}

func (g *Channel) ActivateGPIO(ctx context.Context, lnk gbt.Link) error {
	return Do(ctx, func(ctx context.Context) error {
		return g.ch.ActivateGPIO(ctx, lnk)
	}, g.opts...)
}

func (g *Channel) GPIOSetDir(ctx context.Context, lnk gbt.Link, line int, dir gbt.Dir) error {
	return Do(ctx, func(ctx context.Context) error {
		return g.ch.GPIOSetDir(ctx, lnk, line, dir)
	}, g.opts...)
}

func (g *Channel) GPIOSetLine(ctx context.Context, lnk gbt.Link, line int, lvl gbt.Level) error {
	return Do(ctx, func(ctx context.Context) error {
		return g.ch.GPIOSetLine(ctx, lnk, line, lvl)
	}, g.opts...)
}

func (g *Channel) GPIOGetLine(ctx context.Context, lnk gbt.Link, line int) (gbt.Level, error) {
	return Exec(ctx, func(ctx context.Context) (gbt.Level, error) {
		return g.ch.GPIOGetLine(ctx, lnk, line)
	}, g.opts...)
}

var _ gbt.Channel = (*Channel)(nil)
