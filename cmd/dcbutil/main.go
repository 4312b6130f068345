// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// dcbutil configures the slave GBTx chips of a data control board.
//
// Usage: dcbutil [OPTIONS] CMD [ARGS]
//
// Commands:
//
//	init FILE          program the slaves with a GBTx configuration file
//	write REG VAL      write the hex value VAL at register REG
//	read REG SIZE      read SIZE bytes starting at register REG
//	status             display the state of the slaves
//	gpio [OPTIONS]     display or reset the GPIO lines of the board
//	prbs on|off|RAW    configure the PRBS generator
//	bias 5|6           set the laser driver bias current (mA)
//	phase CH [PH]      display or set the phase of elink CH
//
// Example:
//
//	$> dcbutil -g 2 -s 1,2 write 1c 03151515
//	slave  status
//	-----  ------
//	    1  Idle (0x61)
//	    2  Idle (0x61)
package main // import "github.com/umd-lhcb/MiniDAQ-utils/cmd/dcbutil"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	tlog "github.com/go-daq/tdaq/log"
	"github.com/umd-lhcb/MiniDAQ-utils/config"
	"github.com/umd-lhcb/MiniDAQ-utils/dcb"
	"github.com/umd-lhcb/MiniDAQ-utils/gbt"
	"github.com/umd-lhcb/MiniDAQ-utils/guard"
	"github.com/umd-lhcb/MiniDAQ-utils/internal/cli"
	"github.com/umd-lhcb/MiniDAQ-utils/phase"
)

var openChannel = func(cfg *config.Config, msg tlog.MsgStream) (gbt.Channel, io.Closer, error) {
	return cfg.Channel(msg)
}

func main() {
	log.SetPrefix("dcbutil: ")
	log.SetFlags(0)

	err := run(context.Background(), os.Args[1:], os.Stdout)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

const usage = `dcbutil configures the slave GBTx chips of a data control board.

Usage: dcbutil [OPTIONS] CMD [ARGS]

Commands:

 init FILE          program the slaves with a GBTx configuration file
 write REG VAL      write the hex value VAL at register REG
 read REG SIZE      read SIZE bytes starting at register REG
 status             display the state of the slaves
 gpio [OPTIONS]     display or reset the GPIO lines of the board
 prbs on|off|RAW    configure the PRBS generator
 bias 5|6           set the laser driver bias current (mA)
 phase CH [PH]      display or set the phase of elink CH

Options:
`

func run(ctx context.Context, args []string, w io.Writer) error {
	fset := flag.NewFlagSet("dcbutil", flag.ContinueOnError)
	var (
		fname  = fset.String("config", "", "path to a YAML configuration file")
		gbtID  = fset.Int("g", 0, "GBT link index")
		slaves cli.Ints
	)
	fset.Var(&slaves, "s", "comma separated list of slave GBTx chips (default from configuration)")
	fset.Usage = func() {
		fmt.Fprint(fset.Output(), usage)
		fset.PrintDefaults()
	}

	err := fset.Parse(args)
	if err != nil {
		return err
	}
	if fset.NArg() == 0 {
		fset.Usage()
		return cli.ErrUsage
	}

	cmd, args := fset.Arg(0), fset.Args()[1:]
	exec, ok := cmds[cmd]
	if !ok {
		fset.Usage()
		return fmt.Errorf("%w %q", cli.ErrUsage, cmd)
	}

	cfg, err := cli.LoadConfig(*fname)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}

	msg := tlog.NewMsgStream("dcbutil", tlog.LvlInfo, w)
	ch, closer, err := openChannel(cfg, msg)
	if err != nil {
		return fmt.Errorf("could not open command channel: %w", err)
	}
	defer closer.Close()

	dev := dcb.New(
		guard.NewChannel(ch, cfg.GuardOptions(msg)...),
		*gbtID, cfg.DCBOptions(msg)...,
	)

	err = exec(ctx, &cmdContext{dev: dev, slaves: slaves, w: w}, args)
	if err != nil {
		return fmt.Errorf("could not run %q: %w", cmd, err)
	}
	return closer.Close()
}

type cmdContext struct {
	dev    *dcb.Device
	slaves []int
	w      io.Writer
}

func (c *cmdContext) status(ctx context.Context) error {
	sts, err := c.dev.Status(ctx, c.slaves)
	if err != nil {
		return err
	}
	return dcb.WriteStatus(c.w, sts)
}

var cmds = map[string]func(ctx context.Context, c *cmdContext, args []string) error{
	"init":   cmdInit,
	"write":  cmdWrite,
	"read":   cmdRead,
	"status": cmdStatus,
	"gpio":   cmdGPIO,
	"prbs":   cmdPRBS,
	"bias":   cmdBias,
	"phase":  cmdPhase,
}

func nargs(args []string, min, max int, usage string) error {
	if len(args) < min || len(args) > max {
		return &dcb.ValidationError{What: "arguments", Msg: "usage: " + usage}
	}
	return nil
}

func cmdInit(ctx context.Context, c *cmdContext, args []string) error {
	err := nargs(args, 1, 1, "init FILE")
	if err != nil {
		return err
	}
	err = c.dev.Init(ctx, args[0], c.slaves)
	if err != nil {
		return err
	}
	return c.status(ctx)
}

func cmdWrite(ctx context.Context, c *cmdContext, args []string) error {
	err := nargs(args, 2, 2, "write REG VAL")
	if err != nil {
		return err
	}
	reg, err := cli.ParseHex16(args[0])
	if err != nil {
		return &dcb.ValidationError{What: "register", Msg: err.Error()}
	}
	data, err := dcb.ParseData(args[1])
	if err != nil {
		return err
	}
	err = c.dev.Write(ctx, reg, data, c.slaves)
	if err != nil {
		return err
	}
	return c.status(ctx)
}

func cmdRead(ctx context.Context, c *cmdContext, args []string) error {
	err := nargs(args, 2, 2, "read REG SIZE")
	if err != nil {
		return err
	}
	reg, err := cli.ParseHex16(args[0])
	if err != nil {
		return &dcb.ValidationError{What: "register", Msg: err.Error()}
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n <= 0 {
		return &dcb.ValidationError{What: "size", Msg: fmt.Sprintf("%q is not a positive integer", args[1])}
	}
	rs, err := c.dev.Read(ctx, reg, n, c.slaves)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.w, "slave  data\n-----  ----\n")
	for _, r := range rs {
		fmt.Fprintf(c.w, "%5d  %x\n", r.Slave, r.Data)
	}
	return nil
}

func cmdStatus(ctx context.Context, c *cmdContext, args []string) error {
	err := nargs(args, 0, 0, "status")
	if err != nil {
		return err
	}
	return c.status(ctx)
}

func cmdGPIO(ctx context.Context, c *cmdContext, args []string) error {
	fset := flag.NewFlagSet("gpio", flag.ContinueOnError)
	var (
		lines  cli.Ints
		final  = fset.String("final", "high", "level of the reset lines after the pulse (high|low)")
		verify = fset.Bool("verify", true, "read back the reset lines")
	)
	fset.Var(&lines, "reset", "comma separated list of GPIO lines to reset")
	err := fset.Parse(args)
	if err != nil {
		return err
	}

	if len(lines) > 0 {
		lvl, err := gbt.ParseLevel(*final)
		if err != nil {
			return &dcb.ValidationError{What: "GPIO level", Msg: err.Error()}
		}
		err = c.dev.GPIOReset(ctx, lines, lvl, *verify)
		if err != nil {
			return err
		}
	}

	lvls, err := c.dev.GPIOStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.w, "line  level\n----  -----\n")
	for _, ll := range lvls {
		fmt.Fprintf(c.w, "%4d  %v\n", ll.Line, ll.Level)
	}
	return nil
}

func cmdPRBS(ctx context.Context, c *cmdContext, args []string) error {
	err := nargs(args, 1, 1, "prbs on|off|RAW")
	if err != nil {
		return err
	}
	return c.dev.PRBS(ctx, args[0], c.slaves)
}

func cmdBias(ctx context.Context, c *cmdContext, args []string) error {
	err := nargs(args, 1, 1, "bias 5|6")
	if err != nil {
		return err
	}
	mA, err := strconv.Atoi(args[0])
	if err != nil {
		return &dcb.ValidationError{What: "bias current", Msg: fmt.Sprintf("%q is not an integer", args[0])}
	}
	return c.dev.SetBiasCurrent(ctx, mA, c.slaves)
}

func cmdPhase(ctx context.Context, c *cmdContext, args []string) error {
	err := nargs(args, 1, 2, "phase CH [PH]")
	if err != nil {
		return err
	}
	ch, err := strconv.Atoi(args[0])
	if err != nil {
		return &dcb.ValidationError{What: "elink channel", Msg: fmt.Sprintf("%q is not an integer", args[0])}
	}
	if len(args) == 2 {
		ph, err := phase.Elink.Parse(args[1])
		if err != nil {
			return err
		}
		err = c.dev.SetElinkPhase(ctx, ch, ph, c.slaves)
		if err != nil {
			return err
		}
	}

	phs, err := c.dev.ElinkPhase(ctx, ch, c.slaves)
	if err != nil {
		return err
	}
	slaves := c.slaves
	if len(slaves) == 0 {
		slaves = c.dev.Slaves()
	}
	fmt.Fprintf(c.w, "slave  elink  phase\n-----  -----  -----\n")
	for _, s := range slaves {
		fmt.Fprintf(c.w, "%5d  %5d  %5s\n", s, ch, phase.Elink.Format(phs[s]))
	}
	return nil
}
