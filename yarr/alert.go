// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package yarr

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"

	mail "gopkg.in/gomail.v2"
)

// Alert describes where to send a mail notification when scanConsole
// keeps failing.
type Alert struct {
	Server   string
	Port     int
	User     string
	Password string
	To       []string
}

// AlertFromEnv builds an Alert from the MAIL_SERVER, MAIL_PORT,
// MAIL_USERNAME, MAIL_PASSWORD and MAIL_TGTS environment variables.
func AlertFromEnv() Alert {
	return Alert{
		Server:   os.Getenv("MAIL_SERVER"),
		Port:     atoi(os.Getenv("MAIL_PORT")),
		User:     os.Getenv("MAIL_USERNAME"),
		Password: os.Getenv("MAIL_PASSWORD"),
		To:       splitList(os.Getenv("MAIL_TGTS")),
	}
}

func (run *Runner) alertFailure(kind, out string) {
	if run.alert == nil {
		return
	}
	a := *run.alert
	if a.Server == "" || a.Port == 0 || a.User == "" || a.Password == "" ||
		len(a.To) == 0 {
		run.msg.Printf("could not send mail alert: missing credentials")
		return
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", a.User)
	msg.SetHeader("Bcc", a.To...)
	msg.SetHeader("Subject", fmt.Sprintf("[reg-sweep] %s failed %d time(s)", kind, run.retries))
	msg.SetBody("text/plain", fmt.Sprintf("run: %s\nattempts: %d\n\nlast output:\n%s",
		kind, run.retries, tail(out, 50),
	))

	dial := mail.NewDialer(a.Server, a.Port, a.User, a.Password)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	err := dial.DialAndSend(msg)
	if err != nil {
		run.msg.Printf("could not send mail alert: %+v", err)
	}
}

// tail returns the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
