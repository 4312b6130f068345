// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package phasedb stores the history of the phases applied on the readout
// chain.
package phasedb // import "github.com/umd-lhcb/MiniDAQ-utils/phasedb"

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/umd-lhcb/MiniDAQ-utils/phase"
)

var (
	drvName = "mysql"
	timeout = 5 * time.Second
)

// Record is a phase selection applied to the elinks of one GBT link.
type Record struct {
	Time    time.Time
	Kind    string // "elink" or "tfc"
	GBT     int
	Phases  map[int]uint8 // elink channel -> phase
	Pattern uint8         // pattern observed at the applied phase
	Shift   int           // rotation from Pattern to the expected pattern
}

// DB is a connection to the phase history database.
type DB struct {
	db *sql.DB
}

// DSN returns the data source name of a MySQL database.
func DSN(usr, pwd, addr, dbname string) string {
	cfg := mysql.NewConfig()
	cfg.User = usr
	cfg.Passwd = pwd
	cfg.Net = "tcp"
	cfg.Addr = addr
	cfg.DBName = dbname
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// Open opens a connection to the phase history database.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("phasedb: could not open db: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err = db.PingContext(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("phasedb: could not ping db: %w", err)
	}

	return &DB{db: db}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Save stores a phase selection, one row per elink channel.
func (db *DB) Save(ctx context.Context, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("phasedb: could not start transaction: %w", err)
	}
	defer tx.Rollback()

	chs := make([]int, 0, len(rec.Phases))
	for ch := range rec.Phases {
		chs = append(chs, ch)
	}
	sort.Ints(chs)

	for _, ch := range chs {
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO elink_phases (datetime, kind, gbt, channel, phase, pattern, shift) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.Time, rec.Kind, rec.GBT, ch, rec.Phases[ch], rec.Pattern, rec.Shift,
		)
		if err != nil {
			return fmt.Errorf("phasedb: could not insert phase of elink %d: %w", ch, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("phasedb: could not commit phases: %w", err)
	}
	return nil
}

// Last returns the last phase selection of a kind applied on a GBT link.
func (db *DB) Last(ctx context.Context, kind string, gbt int) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rec := Record{Kind: kind, GBT: gbt, Phases: make(map[int]uint8)}
	rows, err := db.db.QueryContext(
		ctx,
		`
SELECT datetime, channel, phase, pattern, shift FROM elink_phases
WHERE kind=? AND gbt=? AND datetime=(
	SELECT MAX(datetime) FROM elink_phases WHERE kind=? AND gbt=?
)
ORDER BY channel
`,
		kind, gbt, kind, gbt,
	)
	if err != nil {
		return rec, fmt.Errorf("phasedb: could not query last %s phases: %w", kind, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ch int
			ph uint8
		)
		err = rows.Scan(&rec.Time, &ch, &ph, &rec.Pattern, &rec.Shift)
		if err != nil {
			return rec, fmt.Errorf("phasedb: could not scan %s phases: %w", kind, err)
		}
		rec.Phases[ch] = ph
	}

	if err := rows.Err(); err != nil {
		return rec, fmt.Errorf("phasedb: could not scan db for %s phases: %w", kind, err)
	}

	if err := ctx.Err(); err != nil {
		return rec, fmt.Errorf("phasedb: context error while retrieving %s phases: %w", kind, err)
	}

	if len(rec.Phases) == 0 {
		return rec, fmt.Errorf("phasedb: no %s phases for gbt=%d", kind, gbt)
	}

	return rec, nil
}

// History returns the phase selections applied on a GBT link since t,
// oldest first.
func (db *DB) History(ctx context.Context, gbt int, since time.Time) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := db.db.QueryContext(
		ctx,
		`
SELECT datetime, kind, channel, phase, pattern, shift FROM elink_phases
WHERE gbt=? AND datetime>=?
ORDER BY datetime, kind, channel
`,
		gbt, since,
	)
	if err != nil {
		return nil, fmt.Errorf("phasedb: could not query history: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			row Record
			ch  int
			ph  uint8
		)
		err = rows.Scan(&row.Time, &row.Kind, &ch, &ph, &row.Pattern, &row.Shift)
		if err != nil {
			return nil, fmt.Errorf("phasedb: could not scan history: %w", err)
		}
		n := len(recs)
		if n == 0 || !recs[n-1].Time.Equal(row.Time) || recs[n-1].Kind != row.Kind {
			row.GBT = gbt
			row.Phases = make(map[int]uint8)
			recs = append(recs, row)
			n++
		}
		recs[n-1].Phases[ch] = ph
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("phasedb: could not scan db for history: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("phasedb: context error while retrieving history: %w", err)
	}

	return recs, nil
}

// FromSelection returns the record of a selection applied on a GBT link.
func FromSelection(gbt int, sel *phase.Selection) Record {
	rec := Record{
		Kind:    sel.Domain.Name,
		GBT:     gbt,
		Phases:  make(map[int]uint8, len(sel.Chosen)),
		Pattern: sel.Pattern,
		Shift:   sel.Shift,
	}
	for ch, ph := range sel.Chosen {
		rec.Phases[ch] = ph
	}
	return rec
}
