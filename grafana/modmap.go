// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package grafana

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadModuleMap reads a module mapping file, each line holding a slot
// label and a module serial:
//
//	M1 20UPGM23211190
//	M2 20UPGR93210231
//
// Blank lines and lines starting with '#' are skipped. The returned
// map goes from module serial to slot label.
func LoadModuleMap(fname string) (map[string]string, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("grafana: could not open module map: %w", err)
	}
	defer f.Close()

	slots := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		slots[fields[1]] = fields[0]
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("grafana: could not read module map %q: %w", fname, err)
	}
	return slots, nil
}

// LoadEnvFile seeds the environment from a file of KEY=VALUE lines.
// Blank lines, comments and malformed lines are skipped; variables
// already set in the environment are left alone.
func LoadEnvFile(fname string) error {
	f, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("grafana: could not open env file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if _, dup := os.LookupEnv(key); dup {
			continue
		}
		err := os.Setenv(key, strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("grafana: could not set %q from env file: %w", key, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("grafana: could not read env file %q: %w", fname, err)
	}
	return nil
}
