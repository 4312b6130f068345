// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gbt

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/sbinet/pmon"
	"github.com/umd-lhcb/MiniDAQ-utils/pattern"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Exec is a command channel driving the i2c_op and sca_test tools.
//
// Each operation runs a new worker process in its own process group.
// The whole group is killed when the context is done, so a wedged bus
// cannot leave a stray worker behind.
//
// A worker exiting with a positive status reports a DeviceError with
// that status as code. The tools report read-back values on stdout as:
//
//	I2C Reading: <hex bytes>
//	GPIO Reading: <0|1>
type Exec struct {
	I2COp   string        // path to the i2c_op tool
	SCATest string        // path to the sca_test tool
	Settle  time.Duration // wait time after a channel activation

	// Monitor, when set, receives pmon resource usage of every worker.
	Monitor io.Writer
	Freq    time.Duration // pmon sampling frequency

	Msg log.MsgStream
}

// NewExec returns an exec command channel with default tool names.
func NewExec() *Exec {
	return &Exec{
		I2COp:   "i2c_op",
		SCATest: "sca_test",
		Settle:  200 * time.Millisecond,
		Freq:    100 * time.Millisecond,
		Msg:     log.NewMsgStream("gbt-exec", log.LvlInfo, os.Stdout),
	}
}

var (
	reI2CRead  = regexp.MustCompile(`I2C Reading:\s*(?:0x)?([0-9a-fA-F]+)`)
	reGPIORead = regexp.MustCompile(`GPIO Reading:\s*([01])`)
)

func (e *Exec) ActivateI2C(ctx context.Context, lnk Link, bus int) error {
	_, err := e.run(ctx, "i2c-activate", e.SCATest,
		"--gbt", strconv.Itoa(lnk.GBT),
		"--sca", strconv.Itoa(lnk.SCA),
		"--activate-ch", strconv.Itoa(bus),
	)
	if err != nil {
		return err
	}
	return e.settle(ctx)
}

func (e *Exec) I2CWrite(ctx context.Context, req I2C, data []byte) error {
	for _, w := range slices(req.Reg, data) {
		_, err := e.run(ctx, "i2c-write", e.I2COp, append(
			e.i2cArgs(req, w.reg, 1),
			"--val", hex.EncodeToString(w.val),
			"--write",
		)...)
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Exec) I2CRead(ctx context.Context, req I2C, n int) ([]byte, error) {
	out, err := e.run(ctx, "i2c-read", e.I2COp, append(
		e.i2cArgs(req, req.Reg, n),
		"--read",
	)...)
	if err != nil {
		return nil, err
	}

	m := reI2CRead.FindSubmatch(out)
	if m == nil {
		return nil, &pattern.FormatError{
			What: "i2c_op output",
			Msg:  fmt.Sprintf("no I2C reading in %q", out),
		}
	}
	txt := string(m[1])
	if len(txt)%2 == 1 {
		txt = "0" + txt
	}
	v, err := hex.DecodeString(txt)
	if err != nil {
		return nil, &pattern.FormatError{What: "i2c_op output", Msg: err.Error()}
	}
	if len(v) < n {
		v = append(make([]byte, n-len(v)), v...)
	}
	return v[len(v)-n:], nil
}

func (e *Exec) ActivateGPIO(ctx context.Context, lnk Link) error {
	_, err := e.run(ctx, "gpio-activate", e.SCATest, append(
		e.linkArgs(lnk), "--activate-gpio",
	)...)
	if err != nil {
		return err
	}
	return e.settle(ctx)
}

func (e *Exec) GPIOSetDir(ctx context.Context, lnk Link, line int, dir Dir) error {
	_, err := e.run(ctx, "gpio-dir", e.SCATest, append(
		e.linkArgs(lnk),
		"--gpio-line", strconv.Itoa(line),
		"--gpio-dir", dir.String(),
	)...)
	return err
}

func (e *Exec) GPIOSetLine(ctx context.Context, lnk Link, line int, lvl Level) error {
	_, err := e.run(ctx, "gpio-write", e.SCATest, append(
		e.linkArgs(lnk),
		"--gpio-line", strconv.Itoa(line),
		"--gpio-write", lvl.String(),
	)...)
	return err
}

func (e *Exec) GPIOGetLine(ctx context.Context, lnk Link, line int) (Level, error) {
	out, err := e.run(ctx, "gpio-read", e.SCATest, append(
		e.linkArgs(lnk),
		"--gpio-line", strconv.Itoa(line),
		"--gpio-read",
	)...)
	if err != nil {
		return Low, err
	}
	m := reGPIORead.FindSubmatch(out)
	if m == nil {
		return Low, &pattern.FormatError{
			What: "sca_test output",
			Msg:  fmt.Sprintf("no GPIO reading in %q", out),
		}
	}
	if string(m[1]) == "1" {
		return High, nil
	}
	return Low, nil
}

func (e *Exec) linkArgs(lnk Link) []string {
	return []string{
		"--gbt", strconv.Itoa(lnk.GBT),
		"--sca", strconv.Itoa(lnk.SCA),
	}
}

func (e *Exec) i2cArgs(req I2C, reg uint16, size int) []string {
	return append(e.linkArgs(req.Link),
		"--size", strconv.Itoa(size),
		"--slave", strconv.FormatInt(int64(req.Slave), 16),
		"--addr", strconv.FormatUint(uint64(reg), 16),
		"--mode", strconv.Itoa(int(req.Type)),
		"--ch", strconv.Itoa(req.Bus),
		"--freq", strconv.Itoa(int(req.Freq)),
	)
}

func (e *Exec) settle(ctx context.Context) error {
	if e.Settle <= 0 {
		return nil
	}
	tck := time.NewTimer(e.Settle)
	defer tck.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tck.C:
		return nil
	}
}

// run executes a worker process and returns its standard output.
func (e *Exec) run(ctx context.Context, op, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("gbt: could not create stdout pipe for %q: %w", op, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("gbt: could not create stderr pipe for %q: %w", op, err)
	}

	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("gbt: could not start %q: %w", op, err)
	}

	if e.Monitor != nil {
		p, err := pmon.Monitor(cmd.Process.Pid)
		if err != nil {
			e.msg().Warnf("could not monitor %q (pid=%d): %+v", op, cmd.Process.Pid, err)
		} else {
			p.W = e.Monitor
			p.Freq = e.Freq
			go func() {
				err := p.Run()
				if err != nil {
					e.msg().Debugf("could not run pmon for %q: %+v", op, err)
				}
			}()
			defer func() {
				_ = p.Kill()
			}()
		}
	}

	var (
		grp  errgroup.Group
		obuf bytes.Buffer
		ebuf bytes.Buffer
	)
	grp.Go(func() error {
		_, err := io.Copy(&obuf, stdout)
		return err
	})
	grp.Go(func() error {
		_, err := io.Copy(&ebuf, stderr)
		return err
	})
	errIO := grp.Wait()
	err = cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return nil, fmt.Errorf("gbt: %q (%s) interrupted: %w", op, filepath.Base(name), ctx.Err())
	case err != nil:
		var eerr *exec.ExitError
		if errors.As(err, &eerr) && eerr.ExitCode() > 0 {
			e.msg().Debugf("%s stderr: %s", op, bytes.TrimSpace(ebuf.Bytes()))
			return nil, &DeviceError{Op: op, Code: Code(eerr.ExitCode())}
		}
		return nil, fmt.Errorf("gbt: %q (%s) crashed: %w\nstderr: %s", op, filepath.Base(name), err, ebuf.Bytes())
	case errIO != nil:
		return nil, fmt.Errorf("gbt: could not read output of %q: %w", op, errIO)
	}

	return obuf.Bytes(), nil
}

func (e *Exec) msg() log.MsgStream {
	if e.Msg == nil {
		e.Msg = log.NewMsgStream("gbt-exec", log.LvlInfo, os.Stdout)
	}
	return e.Msg
}

type slice struct {
	reg uint16
	val []byte
}

// slices splits data into 4-byte words written in reversed byte order at
// increasing register addresses. The last word is realigned to end at the
// end of the payload.
func slices(reg uint16, data []byte) []slice {
	const n = 4
	if len(data) <= n {
		return []slice{{reg, reversed(data)}}
	}
	var o []slice
	for i := 0; ; i += n {
		if i+n >= len(data) {
			beg := len(data) - n
			return append(o, slice{reg + uint16(beg), reversed(data[beg:])})
		}
		o = append(o, slice{reg + uint16(i), reversed(data[i : i+n])})
	}
}

func reversed(p []byte) []byte {
	o := make([]byte, len(p))
	for i, v := range p {
		o[len(p)-1-i] = v
	}
	return o
}

var _ Channel = (*Exec)(nil)
