// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cli

import (
	"flag"
	"io"
	"reflect"
	"testing"
)

func TestInts(t *testing.T) {
	for _, tc := range []struct {
		args []string
		want Ints
		err  bool
	}{
		{nil, nil, false},
		{[]string{"-s", "1,2,3"}, Ints{1, 2, 3}, false},
		{[]string{"-s", "4 5"}, Ints{4, 5}, false},
		{[]string{"-s", "1,x"}, nil, true},
	} {
		var v Ints
		fset := flag.NewFlagSet("test", flag.ContinueOnError)
		fset.SetOutput(io.Discard)
		fset.Var(&v, "s", "slaves")
		err := fset.Parse(tc.args)
		if tc.err {
			if err == nil {
				t.Fatalf("args=%q: expected an error", tc.args)
			}
			continue
		}
		if err != nil {
			t.Fatalf("args=%q: could not parse: %+v", tc.args, err)
		}
		if !reflect.DeepEqual(v, tc.want) {
			t.Fatalf("args=%q: got=%v, want=%v", tc.args, v, tc.want)
		}
	}

	if got, want := (&Ints{1, 2}).String(), "1,2"; got != want {
		t.Fatalf("invalid string: got=%q, want=%q", got, want)
	}
}

func TestParseHex16(t *testing.T) {
	for _, tc := range []struct {
		s    string
		want uint16
		err  bool
	}{
		{"1af", 0x1af, false},
		{"0x1c", 0x1c, false},
		{"10000", 0, true},
		{"zz", 0, true},
	} {
		got, err := ParseHex16(tc.s)
		if (err != nil) != tc.err {
			t.Fatalf("%q: invalid error status: %v", tc.s, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got=0x%x, want=0x%x", tc.s, got, tc.want)
		}
	}
}
