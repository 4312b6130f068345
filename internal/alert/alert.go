// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package alert sends mail alerts about failed phase alignments.
package alert // import "github.com/umd-lhcb/MiniDAQ-utils/internal/alert"

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/umd-lhcb/MiniDAQ-utils/phase"
	mail "gopkg.in/gomail.v2"
)

// ErrNoCredentials is returned when the mail credentials are incomplete.
var ErrNoCredentials = errors.New("alert: missing mail credentials")

var dialAndSend = func(d *mail.Dialer, msgs ...*mail.Message) error {
	return d.DialAndSend(msgs...)
}

// Mailer sends alerts through an SMTP server.
type Mailer struct {
	Usr  string
	Pwd  string
	Srv  string
	Port int
	Tgts []string
}

// FromEnv returns a mailer configured from the MAIL_USERNAME,
// MAIL_PASSWORD, MAIL_SERVER, MAIL_PORT and MAIL_TGTS environment
// variables.
func FromEnv() *Mailer {
	m := &Mailer{
		Usr:  os.Getenv("MAIL_USERNAME"),
		Pwd:  os.Getenv("MAIL_PASSWORD"),
		Srv:  os.Getenv("MAIL_SERVER"),
		Port: atoi(os.Getenv("MAIL_PORT")),
	}
	for _, tgt := range strings.Split(os.Getenv("MAIL_TGTS"), ",") {
		if tgt = strings.TrimSpace(tgt); tgt != "" {
			m.Tgts = append(m.Tgts, tgt)
		}
	}
	return m
}

// Enabled returns whether the credentials are complete.
func (m *Mailer) Enabled() bool {
	return m != nil && m.Usr != "" && m.Pwd != "" &&
		m.Srv != "" && m.Port != 0 && len(m.Tgts) != 0
}

// Send sends a plain text mail to all targets.
func (m *Mailer) Send(subject, body string) error {
	if !m.Enabled() {
		return ErrNoCredentials
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", m.Usr)
	msg.SetHeader("Bcc", m.Tgts...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	dial := mail.NewDialer(m.Srv, m.Port, m.Usr, m.Pwd)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	err := dialAndSend(dial, msg)
	if err != nil {
		return fmt.Errorf("alert: could not send mail: %w", err)
	}
	return nil
}

// Report formats the alert of a failed alignment on a GBT link.
// sel may be nil when the alignment failed before the selection.
func Report(tool string, gbt int, sel *phase.Selection, err error) (subject, body string) {
	what := "phase"
	if sel != nil {
		what = sel.Domain.Name + " phase"
	}
	subject = fmt.Sprintf("[%s] %s alignment failed: gbt=%d", tool, what, gbt)

	o := new(bytes.Buffer)
	fmt.Fprintf(o, "gbt: %d\n", gbt)
	if err != nil {
		fmt.Fprintf(o, "error: %v\n", err)
	}
	if sel != nil {
		fmt.Fprintf(o, "channels: %v\nmissing: %v\n\n", sel.Channels, sel.Missing())
		_ = phase.WriteTable(o, sel, false)
	}
	return subject, o.String()
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
