// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package chip handles ITkPix chip configurations: loading the chip
// inventory of one or more quad modules from a connectivity file, and
// updating the monitor multiplexer registers of a chip in place.
package chip // import "github.com/go-itk/regsweep/chip"

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// IDTable maps a hardware chip identifier to its position (1-4) inside
// a quad module.
type IDTable map[int]int

// ITkPixV2IDs is the chip-id wiring of ITkPixV2 quad modules.
var ITkPixV2IDs = IDTable{
	12: 1,
	13: 2,
	14: 3,
	15: 4,
}

// Chip describes one front-end chip referenced by a connectivity file.
type Chip struct {
	Module string // module serial, first segment of the config reference
	Path   string // absolute path to the chip configuration
	ID     int    // hardware chip identifier
	Name   string // human readable chip name
	Pos    int    // position (1-4) inside the module, 0 if unrecognized
}

// Load reads the connectivity file fname and returns the chips it
// references, with their position resolved through tbl.
//
// Any unreadable chip configuration, or one without the chip-id and
// name parameters, fails the whole load: no partial inventory is ever
// returned.
func Load(fname string, tbl IDTable) ([]Chip, error) {
	fname, err := filepath.Abs(fname)
	if err != nil {
		return nil, fmt.Errorf("chip: could not resolve %q: %w", fname, err)
	}

	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("chip: could not open connectivity file: %w", err)
	}
	defer f.Close()

	var conn struct {
		Chips []struct {
			Config string `json:"config"`
		} `json:"chips"`
	}
	err = json.NewDecoder(f).Decode(&conn)
	if err != nil {
		return nil, fmt.Errorf("chip: could not decode connectivity file %q: %w", fname, err)
	}

	dir := filepath.Dir(fname)
	chips := make([]Chip, 0, len(conn.Chips))
	for _, entry := range conn.Chips {
		c, err := load(dir, entry.Config, tbl)
		if err != nil {
			return nil, fmt.Errorf("chip: could not load chip config %q: %w", entry.Config, err)
		}
		chips = append(chips, c)
	}
	return chips, nil
}

func load(dir, ref string, tbl IDTable) (Chip, error) {
	var c Chip

	fname, err := filepath.Abs(filepath.Join(dir, ref))
	if err != nil {
		return c, fmt.Errorf("could not resolve %q: %w", ref, err)
	}

	f, err := os.Open(fname)
	if err != nil {
		return c, fmt.Errorf("could not open %q: %w", fname, err)
	}
	defer f.Close()

	var cfg struct {
		FE struct {
			Param struct {
				ChipID *int   `json:"ChipId"`
				Name   string `json:"Name"`
			} `json:"Parameter"`
		} `json:"ITKPIXV2"`
	}
	err = json.NewDecoder(f).Decode(&cfg)
	if err != nil {
		return c, fmt.Errorf("could not decode %q: %w", fname, err)
	}
	if cfg.FE.Param.ChipID == nil || cfg.FE.Param.Name == "" {
		return c, fmt.Errorf("missing ITKPIXV2 chip-id or name in %q", fname)
	}

	c = Chip{
		Module: moduleOf(ref),
		Path:   fname,
		ID:     *cfg.FE.Param.ChipID,
		Name:   cfg.FE.Param.Name,
		Pos:    tbl[*cfg.FE.Param.ChipID],
	}
	return c, nil
}

// moduleOf derives the module serial from a connectivity reference:
// its first path segment, or the reference itself when it has none.
func moduleOf(ref string) string {
	ref = filepath.ToSlash(ref)
	if ref == "" {
		return "unknown"
	}
	if i := strings.Index(ref, "/"); i > 0 {
		return ref[:i]
	}
	return ref
}

// Modules returns the sorted list of distinct module serials of chips.
func Modules(chips []Chip) []string {
	set := make(map[string]struct{})
	for _, c := range chips {
		set[c.Module] = struct{}{}
	}
	mods := make([]string, 0, len(set))
	for m := range set {
		mods = append(mods, m)
	}
	sort.Strings(mods)
	return mods
}
