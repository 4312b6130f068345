// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command phase-sql queries the history of the phases applied on the
// readout chain.
//
// Usage: phase-sql [OPTIONS]
//
// Example:
//
//	$> phase-sql -g 2 -kind elink
//	$> phase-sql -g 2 -since 72h
package main // import "github.com/umd-lhcb/MiniDAQ-utils/cmd/phase-sql"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/umd-lhcb/MiniDAQ-utils/internal/cli"
	"github.com/umd-lhcb/MiniDAQ-utils/phase"
	"github.com/umd-lhcb/MiniDAQ-utils/phasedb"
)

func main() {
	log.SetPrefix("phase-sql: ")
	log.SetFlags(0)

	var (
		fname  = flag.String("config", "", "path to a YAML configuration file")
		dsn    = flag.String("db", "", "DSN of the phase history database (default from configuration)")
		usr    = flag.String("user", "", "database user (when no DSN is given)")
		addr   = flag.String("addr", "localhost:3306", "database address (when no DSN is given)")
		dbname = flag.String("dbname", "minidaq", "database name (when no DSN is given)")
		gbtID  = flag.Int("g", 0, "GBT link to inspect")
		kind   = flag.String("kind", "elink", "kind of phases to inspect (elink|tfc)")
		since  = flag.Duration("since", 0, "display the history over this period instead of the last phases")
	)

	flag.Parse()

	cfg, err := cli.LoadConfig(*fname)
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}
	switch {
	case *dsn != "":
		cfg.DB.DSN = *dsn
	case *usr != "":
		cfg.DB.DSN = phasedb.DSN(*usr, os.Getenv("PHASEDB_PASSWORD"), *addr, *dbname)
	}
	if cfg.DB.DSN == "" {
		log.Fatalf("missing phase history database")
	}
	if *kind != phase.Elink.Name && *kind != phase.TFC.Name {
		log.Fatalf("invalid phase kind %q", *kind)
	}

	db, err := phasedb.Open(cfg.DB.DSN)
	if err != nil {
		log.Fatalf("could not open phase history: %+v", err)
	}
	defer db.Close()

	err = doQuery(context.Background(), os.Stdout, db, *gbtID, *kind, *since)
	if err != nil {
		log.Fatalf("could not do query: %+v", err)
	}
}

func doQuery(ctx context.Context, w io.Writer, db *phasedb.DB, gbt int, kind string, since time.Duration) error {
	if since > 0 {
		recs, err := db.History(ctx, gbt, time.Now().UTC().Add(-since))
		if err != nil {
			return fmt.Errorf("could not get history of gbt=%d: %w", gbt, err)
		}
		return writeRecords(w, recs)
	}

	rec, err := db.Last(ctx, kind, gbt)
	if err != nil {
		return fmt.Errorf("could not get last %s phases of gbt=%d: %w", kind, gbt, err)
	}
	return writeRecords(w, []phasedb.Record{rec})
}

func writeRecords(w io.Writer, recs []phasedb.Record) error {
	for _, rec := range recs {
		dom := phase.Elink
		if rec.Kind == phase.TFC.Name {
			dom = phase.TFC
		}
		_, err := fmt.Fprintf(w, "=== %s %s phases (gbt=%d, pattern=0x%02x, shift=%d) ===\n",
			rec.Time.UTC().Format(time.RFC3339), rec.Kind, rec.GBT, rec.Pattern, rec.Shift,
		)
		if err != nil {
			return err
		}
		chs := make([]int, 0, len(rec.Phases))
		for ch := range rec.Phases {
			chs = append(chs, ch)
		}
		sort.Ints(chs)
		for _, ch := range chs {
			_, err = fmt.Fprintf(w, "elink %2d: %s\n", ch, dom.Format(rec.Phases[ch]))
			if err != nil {
				return err
			}
		}
	}
	return nil
}
