// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package grafana

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const fetchReply = `{
	"results": {
		"A": {
			"frames": [
				{
					"schema": {"name": "M1"},
					"data": {"values": [[1700000000000, 1700000060000], [1.2049, 1.2351]]}
				},
				{
					"schema": {"name": "M2"},
					"data": {"values": [[1700000060000], [0.98]]}
				},
				{
					"schema": {"name": "M3"},
					"data": {"values": [[], []]}
				},
				{
					"schema": {"name": "T1"},
					"data": {"values": [[1700000060000], [21.5]]}
				}
			]
		}
	}
}`

func TestFetch(t *testing.T) {
	var (
		gotPath  string
		gotAuth  string
		gotQuery string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")

		var req struct {
			Queries []struct {
				Query string `json:"query"`
			} `json:"queries"`
		}
		err := json.NewDecoder(r.Body).Decode(&req)
		if err == nil && len(req.Queries) == 1 {
			gotQuery = req.Queries[0].Query
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, fetchReply)
	}))
	defer srv.Close()

	cli := New(
		WithURL(srv.URL),
		WithToken("s3cr3t"),
	)

	vals, err := cli.Fetch(context.Background())
	if err != nil {
		t.Fatalf("could not fetch values: %+v", err)
	}

	// M3 carries no data and T1 is not a known slot: both absent.
	want := map[string]float64{
		"M1": 1.24,
		"M2": 0.98,
	}
	if !reflect.DeepEqual(vals, want) {
		t.Fatalf("invalid values:\ngot= %v\nwant=%v", vals, want)
	}

	if got, want := gotPath, "/api/ds/query"; got != want {
		t.Fatalf("invalid query path: got=%q, want=%q", got, want)
	}
	if got, want := gotAuth, "Bearer s3cr3t"; got != want {
		t.Fatalf("invalid authorization header: got=%q, want=%q", got, want)
	}
	for _, want := range []string{
		`from(bucket: "RegisterRead")`,
		`range(start: -5m)`,
		`r["_measurement"] == "M1"`,
		`r["_measurement"] == "M4"`,
		`r["_field"] == "REG[V]"`,
		`last()`,
	} {
		if !strings.Contains(gotQuery, want) {
			t.Fatalf("query %q misses %q", gotQuery, want)
		}
	}
}

func TestFetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cli := New(WithURL(srv.URL))
	_, err := cli.Fetch(context.Background())
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestFetchBadReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	}))
	defer srv.Close()

	cli := New(WithURL(srv.URL))
	_, err := cli.Fetch(context.Background())
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestFetchUnreachable(t *testing.T) {
	cli := New(WithURL("http://127.0.0.1:1"))
	_, err := cli.Fetch(context.Background())
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestLoadModuleMap(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "module_map.txt")
	err := os.WriteFile(fname, []byte(`# slot to module mapping
M1 20UPGM23211190

M2	20UPGR93210231
M3 20UPGM23211200 trailing comment
bogus
`), 0644)
	if err != nil {
		t.Fatalf("could not write module map: %+v", err)
	}

	slots, err := LoadModuleMap(fname)
	if err != nil {
		t.Fatalf("could not load module map: %+v", err)
	}

	want := map[string]string{
		"20UPGM23211190": "M1",
		"20UPGR93210231": "M2",
		"20UPGM23211200": "M3",
	}
	if !reflect.DeepEqual(slots, want) {
		t.Fatalf("invalid module map:\ngot= %v\nwant=%v", slots, want)
	}
}

func TestLoadModuleMapMissing(t *testing.T) {
	_, err := LoadModuleMap(filepath.Join(t.TempDir(), "nope.txt"))
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestLoadEnvFile(t *testing.T) {
	fname := filepath.Join(t.TempDir(), ".env")
	err := os.WriteFile(fname, []byte(`# credentials
GRAFANA_TEST_KEY_A = aaa
GRAFANA_TEST_KEY_B=bbb
malformed line
`), 0644)
	if err != nil {
		t.Fatalf("could not write env file: %+v", err)
	}

	t.Setenv("GRAFANA_TEST_KEY_B", "already-set")
	os.Unsetenv("GRAFANA_TEST_KEY_A")
	defer os.Unsetenv("GRAFANA_TEST_KEY_A")

	err = LoadEnvFile(fname)
	if err != nil {
		t.Fatalf("could not load env file: %+v", err)
	}

	if got, want := os.Getenv("GRAFANA_TEST_KEY_A"), "aaa"; got != want {
		t.Fatalf("invalid env value: got=%q, want=%q", got, want)
	}
	if got, want := os.Getenv("GRAFANA_TEST_KEY_B"), "already-set"; got != want {
		t.Fatalf("env value was clobbered: got=%q, want=%q", got, want)
	}
}
