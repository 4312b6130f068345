// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package salt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/go-daq/tdaq/log"
	"github.com/umd-lhcb/MiniDAQ-utils/gbt"
	"github.com/umd-lhcb/MiniDAQ-utils/internal/fakegbt"
)

func newTestDevice(opts ...Option) (*Device, *fakegbt.Channel) {
	ch := fakegbt.New()
	opts = append([]Option{WithMsgStream(log.NewMsgStream("salt", log.LvlError, io.Discard))}, opts...)
	return New(ch, 1, 3, opts...), ch
}

func TestInit(t *testing.T) {
	dev, ch := newTestDevice()
	err := dev.Init(context.Background(), []int{1, 2})
	if err != nil {
		t.Fatalf("could not init: %+v", err)
	}

	if got, want := ch.Count("gpio-write"), 2; got != want {
		t.Fatalf("invalid number of reset writes: got=%d, want=%d", got, want)
	}
	if got, want := ch.Line(3), gbt.High; got != want {
		t.Fatalf("invalid reset line level: got=%v, want=%v", got, want)
	}

	ws := ch.Writes()
	seq := DefaultInitSequence()
	if got, want := len(ws), 2*len(seq); got != want {
		t.Fatalf("invalid number of writes: got=%d, want=%d", got, want)
	}
	for i, w := range ws {
		asic := 1 + i/len(seq)
		ref := seq[i%len(seq)]
		if got, want := w.Reg.Slave, int(ref.Addr)+10*asic; got != want {
			t.Fatalf("write %d: invalid address: got=%d, want=%d", i, got, want)
		}
		if got, want := w.Reg.Reg, uint16(ref.Sub); got != want {
			t.Fatalf("write %d: invalid register: got=%d, want=%d", i, got, want)
		}
		if !bytes.Equal(w.Data, []byte{ref.Val}) {
			t.Fatalf("write %d: invalid data: got=%x, want=%02x", i, w.Data, ref.Val)
		}
		if w.Reg.Type != gbt.SALT || w.Reg.Freq != gbt.Freq100kHz || w.Reg.Bus != 3 {
			t.Fatalf("write %d: invalid i2c settings: %+v", i, w.Reg)
		}
	}

	// the last writes of the sequence leave a zero elink phase and the
	// fixed pattern on the serializer.
	if got, want := ch.Reg(1, 20, 8), byte(0); got != want {
		t.Fatalf("invalid elink phase: got=0x%x, want=0x%x", got, want)
	}
	if got, want := ch.Reg(1, 20, 0), byte(0x22); got != want {
		t.Fatalf("invalid serializer source: got=0x%x, want=0x%x", got, want)
	}

	n := len(ch.Calls)
	err = dev.Init(context.Background(), []int{3, 4})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected a validation error, got %+v", err)
	}
	if len(ch.Calls) != n {
		t.Fatalf("invalid ASICs should not reach the device")
	}
}

func TestCustomInitSequence(t *testing.T) {
	dev, ch := newTestDevice(
		WithInitSequence([]Write{{Reg{2, 5}, 0x42}}),
		WithASICs(0),
	)
	err := dev.Init(context.Background(), nil)
	if err != nil {
		t.Fatalf("could not init: %+v", err)
	}
	if got, want := ch.Reg(1, 2, 5), byte(0x42); got != want {
		t.Fatalf("invalid register: got=0x%x, want=0x%x", got, want)
	}
	if got, want := len(ch.Writes()), 1; got != want {
		t.Fatalf("invalid number of writes: got=%d, want=%d", got, want)
	}
}

func TestReadWrite(t *testing.T) {
	dev, ch := newTestDevice()
	ctx := context.Background()

	err := dev.Write(ctx, Reg{0, 1}, []byte{0xaa}, []int{0, 2})
	if err != nil {
		t.Fatalf("could not write: %+v", err)
	}
	ch.Preset(1, 11, 1, 0xbb)

	rs, err := dev.Read(ctx, Reg{0, 1}, 1, nil)
	if err != nil {
		t.Fatalf("could not read: %+v", err)
	}
	want := []Reading{
		{0, 0, []byte{0xaa}},
		{1, 10, []byte{0x00}},
		{2, 20, []byte{0xaa}},
		{3, 30, []byte{0x00}},
	}
	if !reflect.DeepEqual(rs, want) {
		t.Fatalf("invalid readings:\ngot= %+v\nwant=%+v", rs, want)
	}

	rs, err = dev.Read(ctx, Reg{1, 1}, 1, []int{1})
	if err != nil {
		t.Fatalf("could not read: %+v", err)
	}
	if got, want := rs[0].Data[0], byte(0xbb); got != want {
		t.Fatalf("invalid reading: got=0x%x, want=0x%x", got, want)
	}

	o := new(bytes.Buffer)
	err = WriteReadings(o, rs)
	if err != nil {
		t.Fatalf("could not write readings: %+v", err)
	}
	if !strings.Contains(o.String(), "   1      0xb  bb") {
		t.Fatalf("invalid readings table:\n%s", o.String())
	}

	if got, want := ch.Count("i2c-activate"), 1; got != want {
		t.Fatalf("i2c should be activated once: got=%d", got)
	}
}

func TestReset(t *testing.T) {
	for _, tc := range []struct {
		final gbt.Level
		stuck bool
	}{
		{gbt.High, false},
		{gbt.Low, false},
		{gbt.High, true},
	} {
		t.Run(tc.final.String(), func(t *testing.T) {
			msg := new(bytes.Buffer)
			dev, ch := newTestDevice(WithMsgStream(log.NewMsgStream("salt", log.LvlInfo, msg)))
			if tc.stuck {
				ch.Stuck = map[int]bool{3: true}
			}
			err := dev.Reset(context.Background(), tc.final, true)
			if err != nil {
				t.Fatalf("could not reset: %+v", err)
			}
			var ops []string
			for _, c := range ch.Calls {
				ops = append(ops, c.Op)
			}
			want := []string{"gpio-activate", "gpio-dir", "gpio-write", "gpio-write", "gpio-read"}
			if !reflect.DeepEqual(ops, want) {
				t.Fatalf("invalid call sequence:\ngot= %q\nwant=%q", ops, want)
			}
			if got, want := ch.Calls[1].Line, 3; got != want {
				t.Fatalf("invalid reset line: got=%d, want=%d", got, want)
			}
			warned := strings.Contains(msg.String(), "after reset")
			if want := tc.stuck && tc.final == gbt.High; warned != want {
				t.Fatalf("invalid warning status: got=%v, want=%v (log=%q)", warned, want, msg.String())
			}
		})
	}
}

func TestSerSrc(t *testing.T) {
	for _, tc := range []struct {
		mode string
		want byte
		err  bool
	}{
		{"fixed", 0x22, false},
		{"prbs", 0x03, false},
		{"tfc", 0x01, false},
		{"0x11", 0x11, false},
		{"7", 0x07, false},
		{"100", 0, true},
		{"foo", 0, true},
	} {
		t.Run(tc.mode, func(t *testing.T) {
			dev, ch := newTestDevice()
			err := dev.SerSrc(context.Background(), tc.mode, []int{2})
			if tc.err {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("expected a validation error, got %+v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("could not set serializer source: %+v", err)
			}
			if got := ch.Reg(1, 20, 0); got != tc.want {
				t.Fatalf("invalid serializer source: got=0x%x, want=0x%x", got, tc.want)
			}
		})
	}
}

func TestPhases(t *testing.T) {
	dev, ch := newTestDevice()
	ctx := context.Background()

	err := dev.SetElinkPhase(ctx, 5, []int{0})
	if err != nil {
		t.Fatalf("could not set elink phase: %+v", err)
	}
	if got, want := ch.Reg(1, 0, 8), byte(5); got != want {
		t.Fatalf("invalid elink phase: got=%d, want=%d", got, want)
	}

	err = dev.SetTFCPhase(ctx, 0x0b, []int{0})
	if err != nil {
		t.Fatalf("could not set TFC phase: %+v", err)
	}
	if got, want := ch.Reg(1, 0, 2), byte(0x0b); got != want {
		t.Fatalf("invalid TFC phase: got=0x%x, want=0x%x", got, want)
	}

	err = dev.SetFixedPattern(ctx, 0x89, []int{0})
	if err != nil {
		t.Fatalf("could not set pattern: %+v", err)
	}
	if got, want := ch.Reg(1, 0, 1), byte(0x89); got != want {
		t.Fatalf("invalid pattern: got=0x%x, want=0x%x", got, want)
	}

	n := len(ch.Calls)
	for _, err := range []error{
		dev.SetElinkPhase(ctx, 8, nil),
		dev.SetTFCPhase(ctx, 0x04, nil),
	} {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected a validation error, got %+v", err)
		}
	}
	if len(ch.Calls) != n {
		t.Fatalf("invalid phases should not reach the device")
	}
}

func TestTFCApplier(t *testing.T) {
	dev, ch := newTestDevice()
	apply := dev.TFCApplier([]int{0})
	ctx := context.Background()
	for _, ph := range []uint8{0x03, 0x03, 0x03, 0x07, 0x07} {
		for _, elk := range []int{0, 1} {
			err := apply(ctx, elk, ph)
			if err != nil {
				t.Fatalf("could not apply phase: %+v", err)
			}
		}
	}
	if got, want := len(ch.Writes()), 2; got != want {
		t.Fatalf("invalid number of writes: got=%d, want=%d", got, want)
	}
	if err := apply(ctx, 0, 0x05); err == nil {
		t.Fatalf("expected an error for an invalid TFC phase")
	}
}

func TestValidateASICs(t *testing.T) {
	for _, tc := range []struct {
		asics []int
		ok    bool
	}{
		{[]int{0}, true},
		{[]int{0, 1, 2, 3}, true},
		{[]int{4, 7}, true},
		{[]int{3, 4}, false},
		{[]int{0, 1, 2, 3, 4}, false},
		{[]int{8}, false},
		{[]int{-1}, false},
		{nil, false},
	} {
		err := ValidateASICs(tc.asics)
		if got := err == nil; got != tc.ok {
			t.Fatalf("asics=%v: got=%v, want=%v (err=%v)", tc.asics, got, tc.ok, err)
		}
		if err != nil {
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("asics=%v: expected a validation error, got %T", tc.asics, err)
			}
		}
	}

	grp, err := GroupOf(6)
	if err != nil {
		t.Fatalf("could not find group: %+v", err)
	}
	if got, want := grp.Name, "east"; got != want {
		t.Fatalf("invalid group: got=%q, want=%q", got, want)
	}
}
