// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gbt

import "fmt"

// Code is a status code reported by the device command channel.
type Code int

const (
	OK                  Code = 0
	ErrLinkNotLocked    Code = 1
	ErrChanNotActivated Code = 2
	ErrNoAck            Code = 3
	ErrBusBusy          Code = 4
	ErrInvalidArgs      Code = 5
	ErrUnknown          Code = -1
)

var codeMsgs = map[Code]string{
	OK:                  "success",
	ErrLinkNotLocked:    "master link not locked",
	ErrChanNotActivated: "channel not activated",
	ErrNoAck:            "operation not acknowledged",
	ErrBusBusy:          "bus busy",
	ErrInvalidArgs:      "invalid arguments",
	ErrUnknown:          "unknown error",
}

// Describe returns the message associated with a status code.
// Unmapped codes are described as "unknown error".
func Describe(code Code) string {
	if msg, ok := codeMsgs[code]; ok {
		return msg
	}
	return codeMsgs[ErrUnknown]
}

func (code Code) String() string { return Describe(code) }

// DeviceError is a nonzero status code reported by the hardware.
type DeviceError struct {
	Op   string // operation that failed (e.g. "i2c-write")
	Code Code
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("gbt: %s failed: %s (code=%d)", e.Op, Describe(e.Code), int(e.Code))
}

func statusError(op string, code int) error {
	if code == 0 {
		return nil
	}
	return &DeviceError{Op: op, Code: Code(code)}
}
