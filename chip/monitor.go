// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package chip

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strconv"
)

var (
	monVRe = regexp.MustCompile(`("MonitorV"\s*:\s*)\d+`)
	monIRe = regexp.MustCompile(`("MonitorI"\s*:\s*)\d+`)
)

// SetMonitor updates the MonitorV and MonitorI registers in the chip
// configuration fname, leaving every other byte of the file untouched.
//
// scanConsole is sensitive to the exact layout of its configuration
// files, so the update is a localized text substitution rather than a
// decode/encode round-trip. The file is not rewritten when either
// register cannot be located, nor when the values are already in place.
func SetMonitor(fname string, vmon, imon int) error {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return fmt.Errorf("chip: could not read %q: %w", fname, err)
	}

	if !monVRe.Match(raw) || !monIRe.Match(raw) {
		return fmt.Errorf("chip: could not locate MonitorV/MonitorI registers in %q", fname)
	}

	out := monVRe.ReplaceAll(raw, []byte("${1}"+strconv.Itoa(vmon)))
	out = monIRe.ReplaceAll(out, []byte("${1}"+strconv.Itoa(imon)))

	if bytes.Equal(out, raw) {
		return nil
	}

	err = os.WriteFile(fname, out, 0644)
	if err != nil {
		return fmt.Errorf("chip: could not update %q: %w", fname, err)
	}
	return nil
}
