// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command reg-sweep sweeps the vmux and imux monitor registers of
// ITkPix quad modules: for each requested chip position and register
// value it rewrites the chip configurations, drives scanConsole once
// over all modules and collects the telemetry readback into a
// fixed-width report.
//
// Usage:
//
//	reg-sweep [OPTIONS] conn.json positions [output]
//
// Examples:
//
//	reg-sweep -vmux 0,5,12 -imux 0,5,12 20UPGM23211190_L2_warm.json 1,2
//	reg-sweep -vmux 0,5,12 SP_4_modules.json 4
//	reg-sweep -vmux 0,5 -scan-type digital SP_4_modules.json 1,2
//	reg-sweep -imux 10 -grafana module_map.txt SP_4_modules.json 4 out.txt
package main // import "github.com/go-itk/regsweep/cmd/reg-sweep"

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-itk/regsweep/chip"
	"github.com/go-itk/regsweep/grafana"
	"github.com/go-itk/regsweep/sweep"
	"github.com/go-itk/regsweep/yarr"
)

func main() {
	log.SetPrefix("reg-sweep: ")
	log.SetFlags(0)

	var (
		vmuxFlag = flag.String("vmux", "", "comma-separated vmux values (0-63)")
		imuxFlag = flag.String("imux", "", "comma-separated imux values (0-63)")
		scanType = flag.String("scan-type", "", "scan type to run instead of a simple configuration (digital, analog, noise, random, selftrigger)")
		modMap   = flag.String("grafana", "", "module mapping file (lines of '<slot> <module-serial>'); enables telemetry readback")
		graAddr  = flag.String("grafana-addr", grafana.DefaultURL, "grafana base URL")
		envFile  = flag.String("env", ".env", "environment file with credentials")
		cmdName  = flag.String("cmd", "/YARR/bin/scanConsole", "scanConsole command to run")
		ctlCfg   = flag.String("ctl", "/configs/yarr/controller/controller_demi.json", "controller configuration")
		scanDir  = flag.String("scans", "/configs/yarr/scans/itkpixv2", "scan definitions directory")
		monDir   = flag.String("mon", "", "directory for scanConsole resource-monitoring logs")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: reg-sweep [OPTIONS] conn.json positions [output]

reg-sweep measures vmux and/or imux monitor registers for the chips of
one or more ITkPix quad modules. positions is a comma-separated list of
chip positions (1-4), applied to each module of the connectivity file.
The default output file is registers_info_<datetime>.txt.

Options:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 2 || flag.NArg() > 3 {
		flag.Usage()
		os.Exit(2)
	}

	output := ""
	if flag.NArg() == 3 {
		output = flag.Arg(2)
	}

	err := run(config{
		conn:     flag.Arg(0),
		pos:      flag.Arg(1),
		output:   output,
		vmux:     *vmuxFlag,
		imux:     *imuxFlag,
		scanType: *scanType,
		modMap:   *modMap,
		graAddr:  *graAddr,
		envFile:  *envFile,
		cmd:      *cmdName,
		ctl:      *ctlCfg,
		scanDir:  *scanDir,
		monDir:   *monDir,
	})
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

type config struct {
	conn     string
	pos      string
	output   string
	vmux     string
	imux     string
	scanType string
	modMap   string
	graAddr  string
	envFile  string
	cmd      string
	ctl      string
	scanDir  string
	monDir   string
}

func run(cfg config) error {
	positions, vmux, imux, err := parseSweep(cfg.pos, cfg.vmux, cfg.imux)
	if err != nil {
		return err
	}
	if cfg.scanType != "" {
		if _, ok := yarr.ScanTypes[cfg.scanType]; !ok {
			return fmt.Errorf("invalid scan type %q", cfg.scanType)
		}
	}

	chips, err := chip.Load(cfg.conn, chip.ITkPixV2IDs)
	if err != nil {
		return err
	}

	mods := chip.Modules(chips)
	log.Printf("found %d module(s): %s", len(mods), strings.Join(mods, ", "))
	log.Printf("total chips: %d", len(chips))
	log.Printf("target chip positions: %v", positions)
	for _, c := range chips {
		if !containsInt(positions, c.Pos) {
			continue
		}
		log.Printf("  [%s] %s (position %d)", c.Module, c.Name, c.Pos)
	}

	opts := []sweep.Option{
		sweep.WithLogger(log.Default()),
	}
	if cfg.scanType != "" {
		log.Printf("scan type: %s (using %s)", cfg.scanType, yarr.ScanTypes[cfg.scanType])
		log.Printf("running dedicated scan instead of simple configuration.")
		opts = append(opts, sweep.WithScan(cfg.scanType))
	}
	if cfg.modMap != "" {
		if _, err := os.Stat(cfg.envFile); err == nil {
			err = grafana.LoadEnvFile(cfg.envFile)
			if err != nil {
				return err
			}
		}
		slots, err := grafana.LoadModuleMap(cfg.modMap)
		if err != nil {
			return err
		}
		log.Printf("grafana module mapping loaded from %s:", cfg.modMap)
		for _, kv := range bySlot(slots) {
			log.Printf("  %s -> %s", kv[1], kv[0])
		}
		cli := grafana.New(grafana.WithURL(cfg.graAddr))
		opts = append(opts, sweep.WithTelemetry(cli, slots))
	}

	ropts := []yarr.Option{
		yarr.WithLogger(log.Default()),
	}
	if cfg.monDir != "" {
		ropts = append(ropts, yarr.WithMonitor(cfg.monDir))
	}
	if a := yarr.AlertFromEnv(); a.Server != "" {
		ropts = append(ropts, yarr.WithAlert(a))
	}
	runner := yarr.New(cfg.cmd, cfg.ctl, cfg.scanDir, ropts...)

	eng := sweep.New(cfg.conn, chips, runner, opts...)
	rows, err := eng.Run(positions, vmux, imux)
	if err != nil {
		return err
	}

	output := cfg.output
	if output == "" {
		output = fmt.Sprintf("registers_info_%s.txt", time.Now().Format("20060102_150405"))
	}
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("could not create output file: %w", err)
	}
	defer f.Close()

	err = sweep.WriteTable(f, rows)
	if err != nil {
		return fmt.Errorf("could not write %q: %w", output, err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("could not close %q: %w", output, err)
	}

	log.Printf("results written to %s", output)
	log.Printf("total measurements: %d", len(rows))
	return nil
}

// parseSweep parses and validates the chip positions and register
// value lists. It fails before anything has run: an out-of-range
// position or value must abort the sweep with no mutation performed
// and no output file written.
func parseSweep(pos, vmux, imux string) (positions, vs, is []int, err error) {
	positions, err = parseInts(pos)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("could not parse chip positions %q: %w", pos, err)
	}
	for _, p := range positions {
		if p < 1 || p > 4 {
			return nil, nil, nil, fmt.Errorf("chip position %d is invalid (must be 1-4)", p)
		}
	}

	if vmux == "" && imux == "" {
		return nil, nil, nil, fmt.Errorf("at least one of -vmux or -imux must be specified")
	}
	if vmux != "" {
		vs, err = parseInts(vmux)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("could not parse vmux values %q: %w", vmux, err)
		}
		for _, v := range vs {
			if v < 0 || v > 63 {
				return nil, nil, nil, fmt.Errorf("vmux value %d out of range (0-63)", v)
			}
		}
	}
	if imux != "" {
		is, err = parseInts(imux)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("could not parse imux values %q: %w", imux, err)
		}
		for _, v := range is {
			if v < 0 || v > 63 {
				return nil, nil, nil, fmt.Errorf("imux value %d out of range (0-63)", v)
			}
		}
	}
	return positions, vs, is, nil
}

func parseInts(s string) ([]int, error) {
	var vs []int
	for _, tok := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(tok))
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", tok)
		}
		vs = append(vs, v)
	}
	return vs, nil
}

func containsInt(vs []int, v int) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}

// bySlot returns (module, slot) pairs sorted by slot label.
func bySlot(slots map[string]string) [][2]string {
	kvs := make([][2]string, 0, len(slots))
	for mod, slot := range slots {
		kvs = append(kvs, [2]string{mod, slot})
	}
	sort.Slice(kvs, func(i, j int) bool {
		return kvs[i][1] < kvs[j][1]
	})
	return kvs
}
