// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package phasedb

import (
	"context"
	"database/sql/driver"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/umd-lhcb/MiniDAQ-utils/internal/fakedb"
	"github.com/umd-lhcb/MiniDAQ-utils/phase"
)

func init() {
	drvName = "fakedb"
}

func TestDSN(t *testing.T) {
	got := DSN("daq", "s3cr3t", "localhost:3306", "minidaq")
	want := "daq:s3cr3t@tcp(localhost:3306)/minidaq?parseTime=true"
	if got != want {
		t.Fatalf("invalid DSN:\ngot= %q\nwant=%q", got, want)
	}
}

func TestSave(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open phasedb: %+v", err)
	}
	defer db.Close()

	now := time.Date(2020, 2, 3, 4, 5, 6, 0, time.UTC)
	stmts, err := fakedb.Run(context.Background(), fakedb.Rows{}, func(ctx context.Context) error {
		return db.Save(ctx, Record{
			Time:    now,
			Kind:    "elink",
			GBT:     2,
			Phases:  map[int]uint8{7: 5, 3: 6},
			Pattern: 0xc4,
		})
	})
	if err != nil {
		t.Fatalf("could not save phases: %+v", err)
	}

	if got, want := len(stmts), 2; got != want {
		t.Fatalf("invalid number of statements: got=%d, want=%d", got, want)
	}
	for i, want := range [][]driver.Value{
		{now, "elink", int64(2), int64(3), int64(6), int64(0xc4), int64(0)},
		{now, "elink", int64(2), int64(7), int64(5), int64(0xc4), int64(0)},
	} {
		if !strings.HasPrefix(stmts[i].Query, "INSERT INTO elink_phases") {
			t.Fatalf("invalid statement: %q", stmts[i].Query)
		}
		if got := stmts[i].Args; !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid args for row %d:\ngot= %v\nwant=%v", i, got, want)
		}
	}
	if commits, _ := fakedb.Commits(); commits != 1 {
		t.Fatalf("phases should be saved in one transaction (commits=%d)", commits)
	}
}

func TestLast(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open phasedb: %+v", err)
	}
	defer db.Close()

	now := time.Date(2020, 2, 3, 4, 5, 6, 0, time.UTC)
	_, err = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"datetime", "channel", "phase", "pattern", "shift"},
		Values: [][]driver.Value{
			{now, int64(0), int64(5), int64(0x89), int64(7)},
			{now, int64(1), int64(6), int64(0x89), int64(7)},
		},
	}, func(ctx context.Context) error {
		rec, err := db.Last(ctx, "elink", 2)
		if err != nil {
			t.Fatalf("could not retrieve last phases: %+v", err)
		}
		want := Record{
			Time:    now,
			Kind:    "elink",
			GBT:     2,
			Phases:  map[int]uint8{0: 5, 1: 6},
			Pattern: 0x89,
			Shift:   7,
		}
		if !reflect.DeepEqual(rec, want) {
			t.Fatalf("invalid record:\ngot= %+v\nwant=%+v", rec, want)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"datetime", "channel", "phase", "pattern", "shift"},
	}, func(ctx context.Context) error {
		_, err := db.Last(ctx, "tfc", 2)
		if err == nil {
			t.Fatalf("expected an error for an empty history")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestHistory(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open phasedb: %+v", err)
	}
	defer db.Close()

	t0 := time.Date(2020, 2, 3, 4, 5, 6, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	_, err = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"datetime", "kind", "channel", "phase", "pattern", "shift"},
		Values: [][]driver.Value{
			{t0, "elink", int64(0), int64(5), int64(0xc4), int64(0)},
			{t0, "elink", int64(1), int64(5), int64(0xc4), int64(0)},
			{t0, "tfc", int64(0), int64(0x0b), int64(0x04), int64(0)},
			{t1, "elink", int64(0), int64(9), int64(0xc4), int64(0)},
		},
	}, func(ctx context.Context) error {
		recs, err := db.History(ctx, 2, t0)
		if err != nil {
			t.Fatalf("could not retrieve history: %+v", err)
		}
		if got, want := len(recs), 3; got != want {
			t.Fatalf("invalid number of records: got=%d, want=%d", got, want)
		}
		if got, want := recs[0].Phases, map[int]uint8{0: 5, 1: 5}; !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid phases: got=%v, want=%v", got, want)
		}
		if got, want := recs[1].Kind, "tfc"; got != want {
			t.Fatalf("invalid kind: got=%q, want=%q", got, want)
		}
		if got, want := recs[2].Time, t1; !got.Equal(want) {
			t.Fatalf("invalid time: got=%v, want=%v", got, want)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFromSelection(t *testing.T) {
	sel := &phase.Selection{
		Domain:   phase.TFC,
		Channels: []int{0, 1},
		Chosen:   map[int]uint8{0: 0x0b, 1: 0x0b},
		Pattern:  0x04,
	}
	got := FromSelection(3, sel)
	want := Record{
		Kind:    "tfc",
		GBT:     3,
		Phases:  map[int]uint8{0: 0x0b, 1: 0x0b},
		Pattern: 0x04,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid record:\ngot= %+v\nwant=%+v", got, want)
	}
}
