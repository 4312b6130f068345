// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command phase-srv starts a TDAQ server aligning the elink and TFC phases
// of a DCB and SALT chain.
//
// The aligned chain is sent with the /config command. Each /start command
// runs the alignment, and the applied phases are published on the /phases
// output.
//
// The PHASE_SRV_CONFIG environment variable holds the path to the YAML
// configuration file. Mail alerts are configured with the MAIL_USERNAME,
// MAIL_PASSWORD, MAIL_SERVER, MAIL_PORT and MAIL_TGTS environment variables.
package main // import "github.com/umd-lhcb/MiniDAQ-utils/cmd/phase-srv"

import (
	"context"
	"log"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/umd-lhcb/MiniDAQ-utils/internal/alert"
	"github.com/umd-lhcb/MiniDAQ-utils/internal/cli"
	"github.com/umd-lhcb/MiniDAQ-utils/phasedb"
	"github.com/umd-lhcb/MiniDAQ-utils/srv"
)

func main() {
	cmd := flags.New()

	cfg, err := cli.LoadConfig(os.Getenv("PHASE_SRV_CONFIG"))
	if err != nil {
		log.Panicf("could not load configuration: %+v", err)
	}

	dev := srv.New(cfg, srv.Target{}, nil)
	dev.Mail = alert.FromEnv()
	if cfg.DB.DSN != "" {
		db, err := phasedb.Open(cfg.DB.DSN)
		if err != nil {
			log.Panicf("could not open phase history: %+v", err)
		}
		defer db.Close()
		dev.DB = db
	}

	run := tdaq.New(cmd, os.Stdout)
	run.CmdHandle("/config", dev.OnConfig)
	run.CmdHandle("/init", dev.OnInit)
	run.CmdHandle("/reset", dev.OnReset)
	run.CmdHandle("/start", dev.OnStart)
	run.CmdHandle("/stop", dev.OnStop)
	run.CmdHandle("/quit", dev.OnQuit)

	run.OutputHandle("/phases", dev.Phases)

	err = run.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}
