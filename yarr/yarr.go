// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package yarr drives the YARR scanConsole program: it runs chip
// configuration and scan jobs over a set of modules, classifies their
// outcome from the captured output and retries failed attempts.
package yarr // import "github.com/go-itk/regsweep/yarr"

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
)

const (
	// failMarker flags a failed scanConsole run. Its presence in the
	// captured output is the only failure signal: the exit code of
	// scanConsole is not meaningful.
	failMarker = "[critical]"

	// scanMarker is printed by scanConsole when the scan proper starts.
	scanMarker = "Run Scan"

	timeFormat = "2006-01-02 15:04:05"
)

// ScanTypes maps a scan type to its standard ITkPixV2 scan definition
// file.
var ScanTypes = map[string]string{
	"digital":     "std_digitalscan.json",
	"analog":      "std_analogscan.json",
	"noise":       "std_noisescan.json",
	"random":      "randomtrigger_sourcescan.json",
	"selftrigger": "selftrigger_source.json",
}

// ErrFailure reports that scanConsole kept failing up to the retry
// limit.
var ErrFailure = errors.New("yarr: scanConsole failed")

// Runner supervises scanConsole runs for one controller configuration.
type Runner struct {
	msg *log.Logger

	cmd   string            // scanConsole command
	ctl   string            // controller configuration
	dir   string            // scan definitions directory
	scans map[string]string // scan type -> scan definition file

	retries int
	backoff time.Duration // pause between failed attempts
	settle  time.Duration // hardware settling time after scan start

	mon     string // directory for pmon logs, empty disables monitoring
	monFreq time.Duration

	alert *Alert
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger used by the Runner.
func WithLogger(msg *log.Logger) Option {
	return func(run *Runner) {
		run.msg = msg
	}
}

// WithRetries sets the total number of attempts per run.
func WithRetries(n int) Option {
	return func(run *Runner) {
		run.retries = n
	}
}

// WithBackoff sets the pause between failed attempts.
func WithBackoff(d time.Duration) Option {
	return func(run *Runner) {
		run.backoff = d
	}
}

// WithSettle sets the wait between the scan-start marker and the
// invocation of the scan-started trigger.
func WithSettle(d time.Duration) Option {
	return func(run *Runner) {
		run.settle = d
	}
}

// WithScanTypes overrides the scan type table.
func WithScanTypes(tbl map[string]string) Option {
	return func(run *Runner) {
		run.scans = tbl
	}
}

// WithMonitor enables resource monitoring of the scanConsole process,
// with pmon logs written under dir.
func WithMonitor(dir string) Option {
	return func(run *Runner) {
		run.mon = dir
	}
}

// WithAlert enables a mail notification when all attempts of a run
// have failed.
func WithAlert(a Alert) Option {
	return func(run *Runner) {
		run.alert = &a
	}
}

// New creates a Runner for the given scanConsole command, controller
// configuration and scan definitions directory.
func New(cmd, ctl, scandir string, opts ...Option) *Runner {
	run := &Runner{
		msg:     log.New(os.Stdout, "yarr: ", 0),
		cmd:     cmd,
		ctl:     ctl,
		dir:     scandir,
		scans:   ScanTypes,
		retries: 3,
		backoff: 2 * time.Second,
		settle:  5 * time.Second,
		monFreq: 1 * time.Second,
	}
	for _, opt := range opts {
		opt(run)
	}
	return run
}

// RunConfig runs scanConsole in configure-only mode for the given
// connectivity file and returns the completion time.
func (run *Runner) RunConfig(conn string) (time.Time, error) {
	return run.run("config", run.args(conn, ""), nil)
}

// RunScan runs scanConsole with the scan definition of the given scan
// type. The output is monitored as it is produced: once per attempt,
// when the scan-start marker first appears, RunScan waits the settling
// time and then invokes started. The process keeps running during the
// wait and its output keeps being drained afterwards.
func (run *Runner) RunScan(conn, scan string, started func()) (time.Time, error) {
	fname, ok := run.scans[scan]
	if !ok {
		return time.Time{}, fmt.Errorf("yarr: unknown scan type %q", scan)
	}
	args := run.args(conn, filepath.Join(run.dir, fname))
	return run.run(scan+" scan", args, started)
}

func (run *Runner) args(conn, scan string) []string {
	args := []string{"-r", run.ctl, "-c", conn}
	if scan != "" {
		args = append(args, "-s", scan)
	}
	args = append(args, "-o", os.DevNull)
	return args
}

func (run *Runner) run(kind string, args []string, started func()) (time.Time, error) {
	var out string
	for attempt := 1; attempt <= run.retries; attempt++ {
		run.msg.Printf("running %s (attempt %d/%d): %s %s",
			kind, attempt, run.retries,
			run.cmd, strings.Join(args, " "),
		)
		var err error
		out, err = run.attempt(args, started)
		if err != nil {
			return time.Time{}, fmt.Errorf("yarr: could not run %s: %w", run.cmd, err)
		}
		if !strings.Contains(strings.ToLower(out), failMarker) {
			stamp := time.Now()
			run.msg.Printf("%s completed successfully at %s.", kind, stamp.Format(timeFormat))
			return stamp, nil
		}
		run.msg.Printf("attempt %d failed.", attempt)
		if attempt < run.retries {
			run.msg.Printf("retrying...")
			time.Sleep(run.backoff)
		}
	}
	run.msg.Printf("all %d attempts failed.", run.retries)
	run.alertFailure(kind, out)
	return time.Time{}, fmt.Errorf("yarr: %s failed %d time(s): %w", kind, run.retries, ErrFailure)
}

// attempt runs scanConsole once and returns its merged stdout+stderr.
func (run *Runner) attempt(args []string, started func()) (string, error) {
	cmd := exec.Command(run.cmd, args...)

	pr, pw, err := os.Pipe()
	if err != nil {
		return "", fmt.Errorf("could not create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	err = cmd.Start()
	if err != nil {
		pr.Close()
		pw.Close()
		return "", fmt.Errorf("could not start %s: %w", cmd.Path, err)
	}
	pw.Close()

	stop := run.monitor(cmd.Process.Pid)
	defer stop()

	var (
		buf strings.Builder
		grp errgroup.Group
	)
	grp.Go(func() error {
		defer pr.Close()

		triggered := false
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			buf.WriteString(line)
			buf.WriteString("\n")
			if started != nil && !triggered && strings.Contains(line, scanMarker) {
				triggered = true
				run.msg.Printf("scan started, waiting %v before readback...", run.settle)
				time.Sleep(run.settle)
				started()
			}
		}
		return sc.Err()
	})

	rerr := grp.Wait()
	werr := cmd.Wait()

	if rerr != nil {
		return buf.String(), fmt.Errorf("could not drain %s output: %w", cmd.Path, rerr)
	}
	if werr != nil {
		var xerr *exec.ExitError
		if !errors.As(werr, &xerr) {
			return buf.String(), fmt.Errorf("could not run %s: %w", cmd.Path, werr)
		}
		// scanConsole exits nonzero on various benign conditions:
		// the outcome is classified from the captured output only.
	}
	return buf.String(), nil
}

// monitor watches the resource usage of the scanConsole process with
// pmon. Monitoring problems are logged, never fatal.
func (run *Runner) monitor(pid int) func() {
	if run.mon == "" {
		return func() {}
	}

	p, err := pmon.Monitor(pid)
	if err != nil {
		run.msg.Printf("could not monitor scanConsole (pid=%d): %+v", pid, err)
		return func() {}
	}

	fname := filepath.Join(run.mon, "scanConsole-pmon.log")
	f, err := os.OpenFile(fname, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		run.msg.Printf("could not create pmon log file %q: %+v", fname, err)
		_ = p.Kill()
		return func() {}
	}
	p.W = f
	p.Freq = run.monFreq

	go func() {
		err := p.Run()
		if err != nil {
			run.msg.Printf("could not run pmon (pid=%d): %+v", pid, err)
		}
	}()

	return func() {
		_ = p.Kill()
		_ = f.Close()
	}
}
