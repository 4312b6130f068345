// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// memmon displays the elink frames recorded by the readout board memory
// monitor.
//
// Usage: memmon [OPTIONS]
//
// Frames are displayed one per row, with the elink channels grouped as
// 13-12, 11-8, 7-4 and 3-0. Values differing from the most common value of
// their column are highlighted, unless a search pattern (-s) or a list of
// elinks (-e) is given.
//
// Example:
//
//	$> memmon -c 3 -n 2 -s c4 -H
package main // import "github.com/umd-lhcb/MiniDAQ-utils/cmd/memmon"

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/umd-lhcb/MiniDAQ-utils/elink"
	"github.com/umd-lhcb/MiniDAQ-utils/internal/cli"
	"github.com/umd-lhcb/MiniDAQ-utils/memmon"
	"github.com/umd-lhcb/MiniDAQ-utils/pattern"
)

// device is a memory monitor whose fiber and options can be set.
type device interface {
	memmon.Monitor
	SetFiber(fiber int) error
	SetOptions(opts uint32) error
	Close() error
}

var openDevice = func(fname string, lay memmon.Layout) (device, error) {
	return memmon.Open(fname, lay)
}

func main() {
	log.SetPrefix("memmon: ")
	log.SetFlags(0)

	err := run(context.Background(), os.Args[1:], os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(ctx context.Context, args []string, w io.Writer, tty bool) error {
	fset := flag.NewFlagSet("memmon", flag.ContinueOnError)
	var (
		fname  = fset.String("config", "", "path to a YAML configuration file")
		dname  = fset.String("dev", "", "path to the memory monitor device (default from configuration)")
		capt   = fset.String("f", "", "replay snapshots from a capture file instead of the device")
		oname  = fset.String("o", "", "write the raw snapshots to this file")
		fiber  = fset.Int("c", -1, "fiber to monitor (default: unchanged)")
		opts   = fset.String("opts", "", "monitoring options, as a hex value (default: unchanged)")
		num    = fset.Int("n", 1, "number of snapshots to read")
		search = fset.String("s", "", "pattern to search, as a hex value")
		hlOnly = fset.Bool("H", false, "only display frames with a highlighted value")
		color  = fset.Bool("color", tty, "colorize the output")
		elinks cli.Ints
	)
	fset.Var(&elinks, "e", "comma separated list of elinks to highlight")
	fset.Usage = func() {
		fmt.Fprintf(fset.Output(), `memmon displays the elink frames recorded by the memory monitor.

Usage: memmon [OPTIONS]

Options:
`)
		fset.PrintDefaults()
	}

	err := fset.Parse(args)
	if err != nil {
		return err
	}
	if fset.NArg() != 0 {
		fset.Usage()
		return fmt.Errorf("%w %q", cli.ErrUsage, fset.Arg(0))
	}

	tbl := elink.TableOptions{
		Highlighted: *hlOnly,
		Color:       *color,
	}
	switch {
	case *search != "":
		v, err := pattern.ParseHex(*search)
		if err != nil || v > 0xff {
			return &pattern.ValidationError{What: "search pattern", Msg: fmt.Sprintf("%q is not a hex byte", *search)}
		}
		tbl.Highlight = elink.Search(uint8(v))
	case len(elinks) > 0:
		for _, ch := range elinks {
			if !elink.ValidChannel(ch) {
				return &pattern.ValidationError{What: "elink", Msg: fmt.Sprintf("no elink %d", ch)}
			}
		}
		tbl.Highlight = elink.Channels(elinks)
	}
	if *num <= 0 {
		return &pattern.ValidationError{What: "snapshots", Msg: fmt.Sprintf("%d is not a positive number", *num)}
	}

	cfg, err := cli.LoadConfig(*fname)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}
	lay := cfg.Layout()

	var mon memmon.Monitor
	switch *capt {
	case "":
		if *dname == "" {
			*dname = cfg.MemMon.Device
		}
		dev, err := openDevice(*dname, lay)
		if err != nil {
			return fmt.Errorf("could not open memory monitor: %w", err)
		}
		defer dev.Close()

		if *fiber >= 0 {
			err = dev.SetFiber(*fiber)
			if err != nil {
				return err
			}
		}
		if *opts != "" {
			v, err := pattern.ParseHex(*opts)
			if err != nil || v > 0xffffffff {
				return &pattern.ValidationError{What: "monitoring options", Msg: fmt.Sprintf("%q is not a 32b hex value", *opts)}
			}
			err = dev.SetOptions(uint32(v))
			if err != nil {
				return err
			}
		}
		mon = dev
	default:
		if *fiber >= 0 || *opts != "" {
			return &pattern.ValidationError{What: "capture", Msg: "fiber and options can not be set on a capture file"}
		}
		c, err := memmon.OpenCapture(*capt, lay.Frames)
		if err != nil {
			return err
		}
		mon = c
	}

	var frames []elink.Frame
	for i := 0; i < *num; i++ {
		fs, err := mon.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("could not read snapshot %d: %w", i, err)
		}
		frames = append(frames, fs...)
	}

	if *oname != "" {
		err = dump(*oname, frames)
		if err != nil {
			return err
		}
	}

	o := bufio.NewWriter(w)
	defer o.Flush()

	err = elink.WriteTable(o, frames, tbl)
	if err != nil {
		return fmt.Errorf("could not write elink table: %w", err)
	}
	return o.Flush()
}

func dump(fname string, frames []elink.Frame) error {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("could not create snapshot file: %w", err)
	}
	defer f.Close()

	err = memmon.WriteSnapshot(f, frames)
	if err != nil {
		return err
	}
	return f.Close()
}
