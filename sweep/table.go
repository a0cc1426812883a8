// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sweep

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Row is one measurement: the state of one target chip for one sweep
// point, with the optional telemetry readback of its module slot.
type Row struct {
	Module string
	Chip   string
	Pos    int
	Reg    string
	Value  int
	When   time.Time

	Reading    float64
	HasReading bool
}

const stampFormat = "2006-01-02 15:04:05"

// WriteTable writes rows to w as a fixed-width text table, sorted by
// module, chip position, register kind and register value. Missing
// telemetry readings render as "N/A".
func WriteTable(w io.Writer, rows []Row) error {
	sort.Slice(rows, func(i, j int) bool {
		ri, rj := rows[i], rows[j]
		if ri.Module != rj.Module {
			return ri.Module < rj.Module
		}
		if ri.Pos != rj.Pos {
			return ri.Pos < rj.Pos
		}
		if ri.Reg != rj.Reg {
			return ri.Reg < rj.Reg
		}
		return ri.Value < rj.Value
	})

	header := fmt.Sprintf("%-20s %-15s %-8s %-8s %-8s %-20s %-12s",
		"Module", "ChipName", "ChipNum", "RegType", "RegValue", "Timestamp", "GrafanaVal",
	)
	_, err := fmt.Fprintf(w, "%s\n%s\n", header, strings.Repeat("-", len(header)))
	if err != nil {
		return fmt.Errorf("sweep: could not write table header: %w", err)
	}

	for _, row := range rows {
		val := "N/A"
		if row.HasReading {
			val = strconv.FormatFloat(row.Reading, 'g', -1, 64)
		}
		_, err = fmt.Fprintf(w, "%-20s %-15s %-8d %-8s %-8d %-20s %-12s\n",
			row.Module, row.Chip, row.Pos, row.Reg, row.Value,
			row.When.Format(stampFormat), val,
		)
		if err != nil {
			return fmt.Errorf("sweep: could not write table row: %w", err)
		}
	}
	return nil
}
