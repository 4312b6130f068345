// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	tlog "github.com/go-daq/tdaq/log"
	"github.com/umd-lhcb/MiniDAQ-utils/config"
	"github.com/umd-lhcb/MiniDAQ-utils/dcb"
	"github.com/umd-lhcb/MiniDAQ-utils/gbt"
	"github.com/umd-lhcb/MiniDAQ-utils/internal/cli"
	"github.com/umd-lhcb/MiniDAQ-utils/internal/fakegbt"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func withFake(t *testing.T) *fakegbt.Channel {
	t.Helper()
	dev := fakegbt.New()
	orig := openChannel
	openChannel = func(cfg *config.Config, msg tlog.MsgStream) (gbt.Channel, io.Closer, error) {
		return dev, nopCloser{}, nil
	}
	t.Cleanup(func() { openChannel = orig })
	return dev
}

func TestRun(t *testing.T) {
	for _, tc := range []struct {
		name  string
		args  []string
		setup func(dev *fakegbt.Channel)
		want  string
		check func(t *testing.T, dev *fakegbt.Channel)
	}{
		{
			name: "write",
			args: []string{"-g", "2", "-s", "1,2", "write", "1c", "03151515"},
			setup: func(dev *fakegbt.Channel) {
				dev.Preset(2, 1, 0x1af, 0x61)
				dev.Preset(2, 2, 0x1af, 0x15)
			},
			want: "slave  status\n-----  ------\n    1  Idle (0x61)\n    2  Pause for config (0x15)\n",
			check: func(t *testing.T, dev *fakegbt.Channel) {
				if got, want := dev.Reg(2, 2, 0x1f), byte(0x15); got != want {
					t.Fatalf("invalid register: got=0x%x, want=0x%x", got, want)
				}
			},
		},
		{
			name: "read",
			args: []string{"-g", "1", "-s", "3", "read", "0x40", "2"},
			setup: func(dev *fakegbt.Channel) {
				dev.Preset(1, 3, 0x40, 0xca, 0xfe)
			},
			want: "slave  data\n-----  ----\n    3  cafe\n",
		},
		{
			name: "status",
			args: []string{"-s", "4", "status"},
			want: "slave  status\n-----  ------\n    4  Unknown state (0x00)\n",
		},
		{
			name: "prbs",
			args: []string{"-s", "1", "prbs", "on"},
			check: func(t *testing.T, dev *fakegbt.Channel) {
				if got, want := dev.Reg(0, 1, 0x1c), byte(0x03); got != want {
					t.Fatalf("invalid PRBS register: got=0x%x, want=0x%x", got, want)
				}
			},
		},
		{
			name: "bias",
			args: []string{"-s", "1", "bias", "6"},
			check: func(t *testing.T, dev *fakegbt.Channel) {
				if got, want := dev.Reg(0, 1, 0x39), byte(0x25); got != want {
					t.Fatalf("invalid bias register: got=0x%x, want=0x%x", got, want)
				}
			},
		},
		{
			name: "gpio",
			args: []string{"gpio", "-reset", "1,3"},
			want: "line  level\n----  -----\n   0  low\n   1  high\n   2  low\n   3  high\n   4  low\n   5  low\n   6  low\n",
		},
		{
			name: "phase",
			args: []string{"-s", "1", "phase", "3", "a"},
			want: "slave  elink  phase\n-----  -----  -----\n    1      3      a\n",
			check: func(t *testing.T, dev *fakegbt.Channel) {
				if got, want := dev.Reg(0, 1, 0x43), byte(0xa0); got != want {
					t.Fatalf("invalid phase register: got=0x%x, want=0x%x", got, want)
				}
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := withFake(t)
			if tc.setup != nil {
				tc.setup(dev)
			}
			out := new(bytes.Buffer)
			err := run(context.Background(), tc.args, out)
			if err != nil {
				t.Fatalf("could not run: %+v", err)
			}
			if tc.want != "" {
				if got, want := out.String(), tc.want; got != want {
					t.Fatalf("invalid output:\ngot:\n%s\nwant:\n%s", got, want)
				}
			}
			if tc.check != nil {
				tc.check(t, dev)
			}
		})
	}
}

func TestRunErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		err  error
	}{
		{"no-cmd", nil, cli.ErrUsage},
		{"unknown-cmd", []string{"frobnicate"}, cli.ErrUsage},
	} {
		t.Run(tc.name, func(t *testing.T) {
			withFake(t)
			err := run(context.Background(), tc.args, io.Discard)
			if !errors.Is(err, tc.err) {
				t.Fatalf("invalid error: got=%+v, want=%+v", err, tc.err)
			}
		})
	}

	for _, tc := range []struct {
		name string
		args []string
	}{
		{"write-nargs", []string{"write", "1c"}},
		{"write-data", []string{"write", "1c", "zz"}},
		{"read-size", []string{"read", "1c", "-1"}},
		{"bias", []string{"bias", "7"}},
		{"phase", []string{"phase", "3", "f"}},
		{"phase-channel", []string{"phase", "14"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := withFake(t)
			err := run(context.Background(), tc.args, io.Discard)
			var verr *dcb.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected a validation error, got %+v", err)
			}
			if got := dev.Count("i2c-write"); got != 0 {
				t.Fatalf("unexpected writes: %d", got)
			}
			if !strings.Contains(err.Error(), "could not run") {
				t.Fatalf("invalid error message: %q", err.Error())
			}
		})
	}
}
