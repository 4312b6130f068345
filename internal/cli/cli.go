// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cli holds helpers shared by the commands.
package cli // import "github.com/umd-lhcb/MiniDAQ-utils/internal/cli"

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/umd-lhcb/MiniDAQ-utils/config"
)

// ErrUsage is returned by commands invoked without a valid subcommand.
var ErrUsage = errors.New("missing or unknown subcommand")

// Ints is a flag holding a list of integers, given as "1,2,3" or "1 2 3".
type Ints []int

func (v *Ints) String() string {
	if v == nil {
		return ""
	}
	o := make([]string, len(*v))
	for i, x := range *v {
		o[i] = strconv.Itoa(x)
	}
	return strings.Join(o, ",")
}

// Set implements flag.Value.
func (v *Ints) Set(s string) error {
	vs, err := ParseInts(s)
	if err != nil {
		return err
	}
	*v = vs
	return nil
}

// ParseInts parses a comma or space separated list of integers.
func ParseInts(s string) ([]int, error) {
	var o []int
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		v, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", tok)
		}
		o = append(o, v)
	}
	return o, nil
}

// ParseHex16 parses a hex register address.
func ParseHex16(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid register address %q", s)
	}
	return uint16(v), nil
}

// LoadConfig loads a configuration file, or returns the default
// configuration when fname is empty.
func LoadConfig(fname string) (*config.Config, error) {
	if fname == "" {
		return config.Default(), nil
	}
	return config.Load(fname)
}
