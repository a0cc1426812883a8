// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sweep implements monitor-register calibration sweeps over
// the chips of one or more quad modules.
//
// A sweep walks chip positions and register values in the caller's
// order. For each sweep point it rewrites every chip configuration
// (target chips to the requested setting, all others to the neutral
// one), runs scanConsole once over all modules, reads back the
// telemetry values and records one measurement row per target chip.
// Sweep points are strictly sequential: mutation, run, readback and
// recording never overlap across points.
package sweep // import "github.com/go-itk/regsweep/sweep"

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-itk/regsweep/chip"
)

// Runner executes the external hardware control program once per sweep
// point, covering all modules of the connectivity file at once.
type Runner interface {
	// RunConfig runs a configure-only job and returns its completion time.
	RunConfig(conn string) (time.Time, error)
	// RunScan runs a scan job, invoking started once after the scan
	// proper has begun and settled.
	RunScan(conn, scan string, started func()) (time.Time, error)
}

// Fetcher reads back the current telemetry values, one per module slot.
type Fetcher interface {
	Fetch(ctx context.Context) (map[string]float64, error)
}

// Point is one sweep point: a monitor register kind and its value.
type Point struct {
	Reg   string // "vmux" or "imux"
	Value int    // register value, 0-63
}

// Engine runs calibration sweeps.
type Engine struct {
	msg *log.Logger

	conn  string // connectivity file handed to scanConsole
	chips []chip.Chip
	run   Runner

	scan   string            // scan type, empty for configure-only runs
	fetch  Fetcher           // nil disables telemetry readback
	slots  map[string]string // module serial -> telemetry slot
	settle time.Duration     // wait before readback after a blocking run

	setMonitor func(fname string, vmon, imon int) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used by the Engine.
func WithLogger(msg *log.Logger) Option {
	return func(eng *Engine) {
		eng.msg = msg
	}
}

// WithScan makes the Engine run a dedicated scan of the given type at
// each sweep point instead of a simple configuration.
func WithScan(scan string) Option {
	return func(eng *Engine) {
		eng.scan = scan
	}
}

// WithTelemetry enables telemetry readback after each run: values are
// fetched from f and attributed to chips through the module-to-slot
// map.
func WithTelemetry(f Fetcher, slots map[string]string) Option {
	return func(eng *Engine) {
		eng.fetch = f
		eng.slots = slots
	}
}

// WithSettle sets the wait between a completed configure-only run and
// the telemetry readback.
func WithSettle(d time.Duration) Option {
	return func(eng *Engine) {
		eng.settle = d
	}
}

// New creates an Engine sweeping the given chips through the runner.
func New(conn string, chips []chip.Chip, run Runner, opts ...Option) *Engine {
	eng := &Engine{
		msg:        log.New(os.Stdout, "sweep: ", 0),
		conn:       conn,
		chips:      chips,
		run:        run,
		settle:     10 * time.Second,
		setMonitor: chip.SetMonitor,
	}
	for _, opt := range opts {
		opt(eng)
	}
	return eng
}

// Run sweeps the requested register values over each chip position, in
// the given order, and returns one measurement row per target chip and
// sweep point.
//
// Run fails before touching any chip configuration when no chip sits
// at any of the requested positions. A failing run aborts the whole
// sweep: no rows are returned.
func (eng *Engine) Run(positions, vmux, imux []int) ([]Row, error) {
	n := 0
	for _, c := range eng.chips {
		if contains(positions, c.Pos) {
			n++
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("sweep: no chips found at position(s) %v", positions)
	}

	var rows []Row
	for _, pos := range positions {
		var at, others []chip.Chip
		for _, c := range eng.chips {
			switch c.Pos {
			case pos:
				at = append(at, c)
			default:
				others = append(others, c)
			}
		}
		if len(at) == 0 {
			eng.msg.Printf("warning: no chips found at position %d, skipping.", pos)
			continue
		}

		for _, v := range vmux {
			rs, err := eng.point(pos, at, others, Point{Reg: "vmux", Value: v})
			if err != nil {
				return nil, err
			}
			rows = append(rows, rs...)
		}
		for _, v := range imux {
			rs, err := eng.point(pos, at, others, Point{Reg: "imux", Value: v})
			if err != nil {
				return nil, err
			}
			rows = append(rows, rs...)
		}
	}
	return rows, nil
}

// neutral is the monitor setting driven onto every chip that is not at
// the target position, so non-target chips sit in a known bias state
// during the run.
const neutral = 63

func (eng *Engine) point(pos int, at, others []chip.Chip, pt Point) ([]Row, error) {
	eng.msg.Printf("=== %s=%d for chip position %d across all modules ===", pt.Reg, pt.Value, pos)

	vmon, imon := neutral, neutral
	switch pt.Reg {
	case "vmux":
		vmon, imon = pt.Value, neutral
	case "imux":
		vmon, imon = 1, pt.Value
	default:
		return nil, fmt.Errorf("sweep: invalid register kind %q", pt.Reg)
	}

	for _, c := range at {
		eng.msg.Printf("[%s] setting %s: MonitorV=%d, MonitorI=%d", c.Module, c.Name, vmon, imon)
		err := eng.setMonitor(c.Path, vmon, imon)
		if err != nil {
			return nil, fmt.Errorf("sweep: could not set monitor registers of %q: %w", c.Name, err)
		}
	}
	for _, c := range others {
		err := eng.setMonitor(c.Path, neutral, neutral)
		if err != nil {
			return nil, fmt.Errorf("sweep: could not set monitor registers of %q: %w", c.Name, err)
		}
	}

	var (
		snap  snapshot
		stamp time.Time
		err   error
	)
	switch {
	case eng.scan != "":
		stamp, err = eng.run.RunScan(eng.conn, eng.scan, func() {
			eng.readback(&snap)
		})
	default:
		stamp, err = eng.run.RunConfig(eng.conn)
		if err == nil && eng.fetch != nil {
			eng.msg.Printf("waiting %v...", eng.settle)
			time.Sleep(eng.settle)
			eng.readback(&snap)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("sweep: %s=%d at position %d: %w", pt.Reg, pt.Value, pos, err)
	}

	rows := make([]Row, 0, len(at))
	for _, c := range at {
		row := Row{
			Module: c.Module,
			Chip:   c.Name,
			Pos:    c.Pos,
			Reg:    pt.Reg,
			Value:  pt.Value,
			When:   stamp,
		}
		if slot, ok := eng.slots[c.Module]; ok && snap.vals != nil {
			if v, ok := snap.vals[slot]; ok {
				row.Reading = v
				row.HasReading = true
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// snapshot holds the telemetry readback of one sweep point. It is
// handed by reference to the scan-started trigger so the fetched
// values outlive the callback.
type snapshot struct {
	vals map[string]float64
}

// readback performs the single telemetry fetch of a sweep point.
// Failures are logged and leave the snapshot empty: a missing reading
// never aborts the sweep.
func (eng *Engine) readback(snap *snapshot) {
	if eng.fetch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	vals, err := eng.fetch.Fetch(ctx)
	if err != nil {
		eng.msg.Printf("telemetry readback failed: %+v", err)
		return
	}
	eng.msg.Printf("telemetry values: %v", vals)
	snap.vals = vals
}

func contains(vs []int, v int) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}
