// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package alert

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/umd-lhcb/MiniDAQ-utils/phase"
	mail "gopkg.in/gomail.v2"
)

func TestFromEnv(t *testing.T) {
	t.Setenv("MAIL_USERNAME", "daq@example.org")
	t.Setenv("MAIL_PASSWORD", "s3cr3t")
	t.Setenv("MAIL_SERVER", "smtp.example.org")
	t.Setenv("MAIL_PORT", "587")
	t.Setenv("MAIL_TGTS", "a@example.org, b@example.org,")

	m := FromEnv()
	want := &Mailer{
		Usr:  "daq@example.org",
		Pwd:  "s3cr3t",
		Srv:  "smtp.example.org",
		Port: 587,
		Tgts: []string{"a@example.org", "b@example.org"},
	}
	if !reflect.DeepEqual(m, want) {
		t.Fatalf("invalid mailer:\ngot= %+v\nwant=%+v", m, want)
	}
	if !m.Enabled() {
		t.Fatalf("mailer should be enabled")
	}

	t.Setenv("MAIL_PORT", "smtp")
	if FromEnv().Enabled() {
		t.Fatalf("mailer without port should be disabled")
	}
}

func TestSend(t *testing.T) {
	var sent []*mail.Message
	defer func(f func(*mail.Dialer, ...*mail.Message) error) { dialAndSend = f }(dialAndSend)
	dialAndSend = func(d *mail.Dialer, msgs ...*mail.Message) error {
		if got, want := d.Host, "smtp.example.org"; got != want {
			t.Fatalf("invalid host: got=%q, want=%q", got, want)
		}
		sent = append(sent, msgs...)
		return nil
	}

	m := &Mailer{
		Usr: "daq@example.org", Pwd: "s3cr3t",
		Srv: "smtp.example.org", Port: 587,
		Tgts: []string{"a@example.org"},
	}
	err := m.Send("[phaseadj] alert", "elinks unlocked")
	if err != nil {
		t.Fatalf("could not send mail: %+v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("invalid number of mails: %d", len(sent))
	}
	if got, want := sent[0].GetHeader("Subject"), []string{"[phaseadj] alert"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid subject: got=%q, want=%q", got, want)
	}
	o := new(bytes.Buffer)
	_, err = sent[0].WriteTo(o)
	if err != nil {
		t.Fatalf("could not render mail: %+v", err)
	}
	if !strings.Contains(o.String(), "elinks unlocked") {
		t.Fatalf("invalid mail body:\n%s", o.String())
	}

	dialAndSend = func(d *mail.Dialer, msgs ...*mail.Message) error {
		return errors.New("connection refused")
	}
	if err := m.Send("s", "b"); err == nil {
		t.Fatalf("expected an error")
	}

	err = new(Mailer).Send("s", "b")
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("invalid error: got=%v, want=%v", err, ErrNoCredentials)
	}
}

func TestReport(t *testing.T) {
	scan := phase.NewScanResult(phase.Elink, []int{0, 1})
	sel := phase.Select(scan, 0xc4, phase.Options{})

	subject, body := Report("phaseadj", 3, sel, errors.New("boom"))
	if got, want := subject, "[phaseadj] elink phase alignment failed: gbt=3"; got != want {
		t.Fatalf("invalid subject: got=%q, want=%q", got, want)
	}
	for _, want := range []string{"gbt: 3\n", "error: boom\n", "missing: [0 1]\n"} {
		if !strings.Contains(body, want) {
			t.Fatalf("body misses %q:\n%s", want, body)
		}
	}

	subject, _ = Report("phase-srv", 1, nil, nil)
	if got, want := subject, "[phase-srv] phase alignment failed: gbt=1"; got != want {
		t.Fatalf("invalid subject: got=%q, want=%q", got, want)
	}
}
