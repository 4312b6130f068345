// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// saltutil configures the SALT ASICs of a front-end board.
//
// Usage: saltutil [OPTIONS] CMD [ARGS]
//
// Commands:
//
//	init                  reset the ASICs and run the initialization sequence
//	ser_src MODE          set the serializer source (fixed, prbs, tfc or a hex byte)
//	pattern VAL           set the fixed pattern of the serializer
//	write ADDR SUB VAL    write the hex value VAL at register ADDR/SUB
//	read ADDR SUB SIZE    read SIZE bytes at register ADDR/SUB
//	reset [high|low]      pulse the reset line of the ASICs
//	phase SHIFT           set the elink phase shift of the serializer
//	tfc_phase PH          set the TFC phase
//
// Example:
//
//	$> saltutil -g 1 -b 3 -a 0,1 read 0 1 1
//	SALT  address  value
//	----  -------  -----
//	   0      0x0  c4
//	   1      0xa  c4
package main // import "github.com/umd-lhcb/MiniDAQ-utils/cmd/saltutil"

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
	"github.com/umd-lhcb/MiniDAQ-utils/pattern"
	"github.com/umd-lhcb/MiniDAQ-utils/phase"
	"github.com/umd-lhcb/MiniDAQ-utils/salt"
)

var openChannel = func(cfg *config.Config, msg tlog.MsgStream) (gbt.Channel, io.Closer, error) {
	return cfg.Channel(msg)
}

func main() {
	log.SetPrefix("saltutil: ")
	log.SetFlags(0)

	err := run(context.Background(), os.Args[1:], os.Stdout)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

const usage = `saltutil configures the SALT ASICs of a front-end board.

Usage: saltutil [OPTIONS] CMD [ARGS]

Commands:

 init                  reset the ASICs and run the initialization sequence
 ser_src MODE          set the serializer source (fixed, prbs, tfc or a hex byte)
 pattern VAL           set the fixed pattern of the serializer
 write ADDR SUB VAL    write the hex value VAL at register ADDR/SUB
 read ADDR SUB SIZE    read SIZE bytes at register ADDR/SUB
 reset [high|low]      pulse the reset line of the ASICs
 phase SHIFT           set the elink phase shift of the serializer
 tfc_phase PH          set the TFC phase

Options:
`

func run(ctx context.Context, args []string, w io.Writer) error {
	fset := flag.NewFlagSet("saltutil", flag.ContinueOnError)
	var (
		fname = fset.String("config", "", "path to a YAML configuration file")
		gbtID = fset.Int("g", 0, "GBT link index")
		bus   = fset.Int("b", 0, "I2C bus of the ASICs")
		asics cli.Ints
	)
	fset.Var(&asics, "a", "comma separated list of ASICs (default from configuration)")
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
	if len(asics) == 0 {
		asics = cfg.SALT.ASICs
	}
	err = salt.ValidateASICs(asics)
	if err != nil {
		return err
	}

	msg := tlog.NewMsgStream("saltutil", tlog.LvlInfo, w)
	ch, closer, err := openChannel(cfg, msg)
	if err != nil {
		return fmt.Errorf("could not open command channel: %w", err)
	}
	defer closer.Close()

	dev := salt.New(
		guard.NewChannel(ch, cfg.GuardOptions(msg)...),
		*gbtID, *bus, cfg.SALTOptions(msg)...,
	)

	err = exec(ctx, &cmdContext{dev: dev, asics: asics, w: w}, args)
	if err != nil {
		return fmt.Errorf("could not run %q: %w", cmd, err)
	}
	return closer.Close()
}

type cmdContext struct {
	dev   *salt.Device
	asics []int
	w     io.Writer
}

var cmds = map[string]func(ctx context.Context, c *cmdContext, args []string) error{
	"init":      cmdInit,
	"ser_src":   cmdSerSrc,
	"pattern":   cmdPattern,
	"write":     cmdWrite,
	"read":      cmdRead,
	"reset":     cmdReset,
	"phase":     cmdPhase,
	"tfc_phase": cmdTFCPhase,
}

func nargs(args []string, min, max int, usage string) error {
	if len(args) < min || len(args) > max {
		return &salt.ValidationError{What: "arguments", Msg: "usage: " + usage}
	}
	return nil
}

func parseReg(addr, sub string) (salt.Reg, error) {
	a, err := strconv.ParseUint(addr, 10, 8)
	if err != nil {
		return salt.Reg{}, &salt.ValidationError{What: "register address", Msg: fmt.Sprintf("%q is not a decimal byte", addr)}
	}
	s, err := pattern.ParseHex(sub)
	if err != nil || s > 0xff {
		return salt.Reg{}, &salt.ValidationError{What: "register sub-address", Msg: fmt.Sprintf("%q is not a hex byte", sub)}
	}
	return salt.Reg{Addr: uint8(a), Sub: uint8(s)}, nil
}

func cmdInit(ctx context.Context, c *cmdContext, args []string) error {
	err := nargs(args, 0, 0, "init")
	if err != nil {
		return err
	}
	return c.dev.Init(ctx, c.asics)
}

func cmdSerSrc(ctx context.Context, c *cmdContext, args []string) error {
	err := nargs(args, 1, 1, "ser_src fixed|prbs|tfc|RAW")
	if err != nil {
		return err
	}
	return c.dev.SerSrc(ctx, args[0], c.asics)
}

func cmdPattern(ctx context.Context, c *cmdContext, args []string) error {
	err := nargs(args, 1, 1, "pattern VAL")
	if err != nil {
		return err
	}
	v, err := pattern.ParseHex(args[0])
	if err != nil || v > 0xff {
		return &salt.ValidationError{What: "fixed pattern", Msg: fmt.Sprintf("%q is not a hex byte", args[0])}
	}
	return c.dev.SetFixedPattern(ctx, uint8(v), c.asics)
}

func cmdWrite(ctx context.Context, c *cmdContext, args []string) error {
	err := nargs(args, 3, 3, "write ADDR SUB VAL")
	if err != nil {
		return err
	}
	reg, err := parseReg(args[0], args[1])
	if err != nil {
		return err
	}
	data, err := dcb.ParseData(args[2])
	if err != nil {
		return err
	}
	return c.dev.Write(ctx, reg, data, c.asics)
}

func cmdRead(ctx context.Context, c *cmdContext, args []string) error {
	err := nargs(args, 3, 3, "read ADDR SUB SIZE")
	if err != nil {
		return err
	}
	reg, err := parseReg(args[0], args[1])
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(args[2])
	if err != nil || n <= 0 {
		return &salt.ValidationError{What: "size", Msg: fmt.Sprintf("%q is not a positive integer", args[2])}
	}
	rs, err := c.dev.Read(ctx, reg, n, c.asics)
	if err != nil {
		return err
	}
	return salt.WriteReadings(c.w, rs)
}

func cmdReset(ctx context.Context, c *cmdContext, args []string) error {
	err := nargs(args, 0, 1, "reset [high|low]")
	if err != nil {
		return err
	}
	final := gbt.High
	if len(args) == 1 {
		final, err = gbt.ParseLevel(args[0])
		if err != nil {
			return &salt.ValidationError{What: "GPIO level", Msg: err.Error()}
		}
	}
	return c.dev.Reset(ctx, final, true)
}

func cmdPhase(ctx context.Context, c *cmdContext, args []string) error {
	err := nargs(args, 1, 1, "phase SHIFT")
	if err != nil {
		return err
	}
	shift, err := strconv.ParseUint(args[0], 10, 8)
	if err != nil {
		return &salt.ValidationError{What: "elink phase", Msg: fmt.Sprintf("%q is not an integer", args[0])}
	}
	return c.dev.SetElinkPhase(ctx, uint8(shift), c.asics)
}

func cmdTFCPhase(ctx context.Context, c *cmdContext, args []string) error {
	err := nargs(args, 1, 1, "tfc_phase PH")
	if err != nil {
		return err
	}
	ph, err := phase.TFC.Parse(args[0])
	if err != nil {
		return err
	}
	return c.dev.SetTFCPhase(ctx, ph, c.asics)
}
