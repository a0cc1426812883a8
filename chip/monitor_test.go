// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package chip

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSetMonitor(t *testing.T) {
	const cfg = `{
	"ITKPIXV2": {
		"GlobalConfig": {
			"DiffPreComp": 350,
			"MonitorEnable": 1,
			"MonitorI"  : 63,
			"MonitorV": 1,
			"SldoTrimA": 16
		},
		"Parameter": {
			"ChipId": 12,
			"Name": "0x20661"
		}
	}
}`
	const want = `{
	"ITKPIXV2": {
		"GlobalConfig": {
			"DiffPreComp": 350,
			"MonitorEnable": 1,
			"MonitorI"  : 7,
			"MonitorV": 30,
			"SldoTrimA": 16
		},
		"Parameter": {
			"ChipId": 12,
			"Name": "0x20661"
		}
	}
}`

	fname := filepath.Join(t.TempDir(), "chip.json")
	err := os.WriteFile(fname, []byte(cfg), 0644)
	if err != nil {
		t.Fatalf("could not write chip config: %+v", err)
	}

	err = SetMonitor(fname, 30, 7)
	if err != nil {
		t.Fatalf("could not set monitor registers: %+v", err)
	}

	got, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("could not read back chip config: %+v", err)
	}
	if string(got) != want {
		t.Fatalf("invalid chip config:\ngot:\n%s\nwant:\n%s", got, want)
	}

	// repeated calls with the same values must not change the file.
	err = SetMonitor(fname, 30, 7)
	if err != nil {
		t.Fatalf("could not re-set monitor registers: %+v", err)
	}
	got, err = os.ReadFile(fname)
	if err != nil {
		t.Fatalf("could not read back chip config: %+v", err)
	}
	if string(got) != want {
		t.Fatalf("monitor update is not idempotent:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestSetMonitorMissingField(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  string
	}{
		{
			name: "no-monitor-v",
			cfg:  `{"GlobalConfig": {"MonitorI": 63}}`,
		},
		{
			name: "no-monitor-i",
			cfg:  `{"GlobalConfig": {"MonitorV": 63}}`,
		},
		{
			name: "empty",
			cfg:  `{}`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fname := filepath.Join(t.TempDir(), "chip.json")
			err := os.WriteFile(fname, []byte(tc.cfg), 0644)
			if err != nil {
				t.Fatalf("could not write chip config: %+v", err)
			}

			err = SetMonitor(fname, 0, 0)
			if err == nil {
				t.Fatalf("expected an error")
			}

			got, err := os.ReadFile(fname)
			if err != nil {
				t.Fatalf("could not read back chip config: %+v", err)
			}
			if string(got) != tc.cfg {
				t.Fatalf("file was rewritten:\ngot:\n%s\nwant:\n%s", got, tc.cfg)
			}
		})
	}
}

func TestSetMonitorMissingFile(t *testing.T) {
	err := SetMonitor(filepath.Join(t.TempDir(), "nope.json"), 0, 0)
	if err == nil {
		t.Fatalf("expected an error")
	}
}
