// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// phaseadj aligns the elink and TFC phases of a DCB and SALT chain.
//
// The elink phase of the DCB slaves is scanned while the SALT ASICs send
// their fixed pattern, and the phase keeping all the elinks locked is
// applied. The TFC phase of the SALT ASICs is then scanned and applied the
// same way.
//
// Usage: phaseadj [OPTIONS]
//
// Example:
//
//	$> phaseadj -g 0 -s 1 -b 3 -a 0 -c 2 -e 0,1,2 -adjust-elink-phase -adjust-tfc-phase
package main // import "github.com/umd-lhcb/MiniDAQ-utils/cmd/phaseadj"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	tlog "github.com/go-daq/tdaq/log"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	"github.com/umd-lhcb/MiniDAQ-utils/align"
	"github.com/umd-lhcb/MiniDAQ-utils/elink"
	"github.com/umd-lhcb/MiniDAQ-utils/internal/alert"
	"github.com/umd-lhcb/MiniDAQ-utils/internal/cli"
	"github.com/umd-lhcb/MiniDAQ-utils/phase"
	"github.com/umd-lhcb/MiniDAQ-utils/phasedb"
	"github.com/umd-lhcb/MiniDAQ-utils/salt"
)

// prompter reads answers from the user.
type prompter interface {
	Prompt(prompt string) (string, error)
	Close() error
}

var (
	newPrompter = func() prompter {
		term := liner.NewLiner()
		term.SetCtrlCAborts(true)
		return term
	}
	openAligner = align.Open
	openDB      = phasedb.Open
	newMailer   = alert.FromEnv
)

// number of frames displayed before and after the alignment.
const preview = 10

func main() {
	log.SetPrefix("phaseadj: ")
	log.SetFlags(0)

	err := run(context.Background(), os.Args[1:], os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

type options struct {
	gbt, bus, fiber int
	slaves, asics   []int
	elinks          []int

	verbose  bool
	adjElink bool
	adjTFC   bool
	rotated  bool
	yoda     string
	color    bool
}

func run(ctx context.Context, args []string, w io.Writer, tty bool) error {
	fset := flag.NewFlagSet("phaseadj", flag.ContinueOnError)
	var (
		opts   options
		fname  = fset.String("config", "", "path to a YAML configuration file")
		dsn    = fset.String("db", "", "DSN of the phase history database (default from configuration)")
		silent = fset.Bool("non-verbose", false, "do not display the memory monitor after the alignment")
		slaves cli.Ints
		asics  cli.Ints
		elinks cli.Ints
	)
	fset.IntVar(&opts.gbt, "g", 0, "GBT link index")
	fset.IntVar(&opts.bus, "b", 0, "I2C bus of the SALT ASICs")
	fset.IntVar(&opts.fiber, "c", 0, "MiniDAQ fiber read by the memory monitor")
	fset.Var(&slaves, "s", "comma separated list of slave GBTx chips (default from configuration)")
	fset.Var(&asics, "a", "comma separated list of SALT ASICs (default from configuration)")
	fset.Var(&elinks, "e", "comma separated list of elinks to align (default: prompt)")
	fset.BoolVar(&opts.adjElink, "adjust-elink-phase", false, "adjust the elink phase without asking")
	fset.BoolVar(&opts.adjTFC, "adjust-tfc-phase", false, "adjust the TFC phase without asking")
	fset.BoolVar(&opts.rotated, "rotated", false, "accept a rotated fixed pattern and shift the SALT serializer")
	fset.StringVar(&opts.yoda, "yoda", "", "write the elink lock histograms to this YODA file")
	fset.BoolVar(&opts.color, "color", tty, "colorize the output")

	err := fset.Parse(args)
	if err != nil {
		return err
	}
	if fset.NArg() != 0 {
		fset.Usage()
		return fmt.Errorf("%w %q", cli.ErrUsage, fset.Arg(0))
	}
	opts.verbose = !*silent
	opts.elinks = elinks

	cfg, err := cli.LoadConfig(*fname)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}
	if *dsn != "" {
		cfg.DB.DSN = *dsn
	}
	opts.slaves = slaves
	if len(opts.slaves) == 0 {
		opts.slaves = cfg.DCB.Slaves
	}
	opts.asics = asics
	if len(opts.asics) == 0 {
		opts.asics = cfg.SALT.ASICs
	}
	err = salt.ValidateASICs(opts.asics)
	if err != nil {
		return err
	}
	if len(opts.elinks) > 0 {
		err = phase.ValidateChannels(opts.elinks)
		if err != nil {
			return err
		}
	}

	term := newPrompter()
	defer term.Close()

	msg := tlog.NewMsgStream("phaseadj", tlog.LvlInfo, w)
	a, closer, err := openAligner(cfg, opts.gbt, opts.bus, opts.fiber, msg)
	if err != nil {
		return fmt.Errorf("could not open devices: %w", err)
	}
	defer closer.Close()
	a.Slaves = opts.slaves
	a.ASICs = opts.asics
	a.ElinkScan.Rotated = a.ElinkScan.Rotated || opts.rotated

	var db *phasedb.DB
	if cfg.DB.DSN != "" {
		db, err = openDB(cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("could not open phase history: %w", err)
		}
		defer db.Close()
	}

	adj := &adjuster{
		opts: opts,
		a:    a,
		w:    w,
		term: term,
		db:   db,
		mail: newMailer(),
		msg:  msg,
	}
	err = adj.run(ctx)
	if err != nil {
		return err
	}
	return closer.Close()
}

type adjuster struct {
	opts options
	a    *align.Aligner
	w    io.Writer
	term prompter
	db   *phasedb.DB
	mail *alert.Mailer
	msg  tlog.MsgStream
}

func (adj *adjuster) run(ctx context.Context) error {
	chs := adj.opts.elinks
	if len(chs) == 0 {
		var err error
		chs, err = adj.askElinks(ctx)
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(adj.w, "Will adjust the following DCB elinks: %s\n", join(chs))

	done := false
	ok, err := adj.confirm(adj.opts.adjElink, "Continue to elink phase adjustment (y/n)? ")
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintf(adj.w, "Generating phase-scanning table, this may take a while...\n")
		sel, err := adj.a.Elink(ctx, chs)
		err = adj.report(ctx, sel, err)
		if err != nil {
			return err
		}
		if adj.opts.yoda != "" {
			err = writeYODA(adj.opts.yoda, sel)
			if err != nil {
				return err
			}
		}
		done = true
	}

	ok, err = adj.confirm(adj.opts.adjTFC, "Continue to TFC phase adjustment (y/n)? ")
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintf(adj.w, "Tuning TFC phase, this may take a while...\n")
		sel, err := adj.a.TFC(ctx, chs)
		err = adj.report(ctx, sel, err)
		if err != nil {
			return err
		}
		done = true
	}

	if done && adj.opts.verbose {
		return adj.preview(ctx, chs)
	}
	return nil
}

// askElinks displays the current frames and asks which elinks to align.
func (adj *adjuster) askElinks(ctx context.Context) ([]int, error) {
	if adj.a.SALT != nil {
		err := adj.a.SALT.SerSrc(ctx, "fixed", adj.a.ASICs)
		if err != nil {
			return nil, fmt.Errorf("could not select SALT fixed pattern: %w", err)
		}
	}
	fmt.Fprintf(adj.w, "Current readings of MiniDAQ fiber %d:\n", adj.opts.fiber)
	err := adj.preview(ctx, nil)
	if err != nil {
		return nil, err
	}

	txt, err := adj.term.Prompt("Input elinks to be aligned, separated by space: ")
	if err != nil {
		return nil, fmt.Errorf("could not read elinks: %w", err)
	}
	chs, err := cli.ParseInts(txt)
	if err != nil {
		return nil, &phase.ValidationError{What: "elinks", Msg: err.Error()}
	}
	err = phase.ValidateChannels(chs)
	if err != nil {
		return nil, err
	}
	return chs, nil
}

func (adj *adjuster) confirm(yes bool, question string) (bool, error) {
	if yes {
		return true, nil
	}
	txt, err := adj.term.Prompt(question)
	if err != nil {
		return false, fmt.Errorf("could not read answer: %w", err)
	}
	return strings.EqualFold(strings.TrimSpace(txt), "y"), nil
}

// report displays a selection, saves it to the phase history when it was
// applied and sends an alert otherwise.
func (adj *adjuster) report(ctx context.Context, sel *phase.Selection, err error) error {
	if sel != nil {
		if e := phase.WriteTable(adj.w, sel, adj.opts.color); e != nil {
			return fmt.Errorf("could not write scan table: %w", e)
		}
		if e := phase.WriteSummary(adj.w, sel); e != nil {
			return fmt.Errorf("could not write scan summary: %w", e)
		}
	}

	if err != nil {
		if adj.mail.Enabled() && !errors.Is(err, context.Canceled) {
			subject, body := alert.Report("phaseadj", adj.opts.gbt, sel, err)
			if e := adj.mail.Send(subject, body); e != nil {
				adj.msg.Warnf("could not send alert: %+v", e)
			}
		}
		return err
	}

	if adj.db != nil {
		rec := phasedb.FromSelection(adj.opts.gbt, sel)
		if e := adj.db.Save(ctx, rec); e != nil {
			adj.msg.Warnf("could not save %s phases: %+v", rec.Kind, e)
		}
	}
	return nil
}

func (adj *adjuster) preview(ctx context.Context, chs []int) error {
	frames, err := adj.a.Mem.Read(ctx)
	if err != nil {
		return fmt.Errorf("could not read memory monitor: %w", err)
	}
	if n := len(frames); n > preview {
		frames = frames[n-preview:]
	}
	opts := elink.TableOptions{Color: adj.opts.color}
	if len(chs) > 0 {
		opts.Highlight = elink.Channels(chs)
	}
	return elink.WriteTable(adj.w, frames, opts)
}

func writeYODA(fname string, sel *phase.Selection) error {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("could not create YODA file: %w", err)
	}
	defer f.Close()

	err = phase.WriteYODA(f, sel)
	if err != nil {
		return fmt.Errorf("could not write YODA file: %w", err)
	}
	return f.Close()
}

func join(vs []int) string {
	o := make([]string, len(vs))
	for i, v := range vs {
		o[i] = fmt.Sprint(v)
	}
	return strings.Join(o, ", ")
}
