// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package grafana queries the lab monitoring stack for the last
// register readback value of each module slot.
package grafana // import "github.com/go-itk/regsweep/grafana"

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults of the bench monitoring setup.
const (
	DefaultURL = "http://193.206.86.196:3000"
	DefaultUID = "ffbqtv11qyv40c"
)

// DefaultSlots are the module slots of a 4-module bench.
var DefaultSlots = []string{"M1", "M2", "M3", "M4"}

// Client queries register readback values from InfluxDB through the
// Grafana datasource proxy.
type Client struct {
	url    string
	uid    string // datasource UID
	token  string // bearer token, empty for anonymous access
	slots  []string
	window time.Duration // trailing time window of the query

	cli *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithURL sets the Grafana base URL.
func WithURL(url string) Option {
	return func(cli *Client) {
		cli.url = strings.TrimRight(url, "/")
	}
}

// WithDatasource sets the InfluxDB datasource UID.
func WithDatasource(uid string) Option {
	return func(cli *Client) {
		cli.uid = uid
	}
}

// WithToken sets the bearer token used to authenticate requests.
func WithToken(token string) Option {
	return func(cli *Client) {
		cli.token = token
	}
}

// WithSlots sets the module slots to query.
func WithSlots(slots []string) Option {
	return func(cli *Client) {
		cli.slots = slots
	}
}

// WithWindow sets the trailing time window of the query.
func WithWindow(d time.Duration) Option {
	return func(cli *Client) {
		cli.window = d
	}
}

// New creates a Client for the bench monitoring stack.
func New(opts ...Option) *Client {
	cli := &Client{
		url:    DefaultURL,
		uid:    DefaultUID,
		token:  os.Getenv("GRAFANA_API_KEY"),
		slots:  DefaultSlots,
		window: 5 * time.Minute,
		cli:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// Fetch queries the last REG[V] value of each module slot over the
// trailing time window. Slots with no data are absent from the
// returned map. Fetch performs exactly one query: retrying on failure
// is the caller's business (and the sweep never does).
func (cli *Client) Fetch(ctx context.Context) (map[string]float64, error) {
	now := time.Now().UTC()

	var payload struct {
		Queries []query `json:"queries"`
		From    string  `json:"from"`
		To      string  `json:"to"`
	}
	payload.Queries = []query{{
		RefID:      "A",
		Datasource: datasource{Type: "influxdb", UID: cli.uid},
		Query:      cli.flux(),
	}}
	payload.From = strconv.FormatInt(now.Add(-cli.window).UnixMilli(), 10)
	payload.To = strconv.FormatInt(now.UnixMilli(), 10)

	body := new(bytes.Buffer)
	err := json.NewEncoder(body).Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("grafana: could not encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cli.url+"/api/ds/query", body)
	if err != nil {
		return nil, fmt.Errorf("grafana: could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if cli.token != "" {
		req.Header.Set("Authorization", "Bearer "+cli.token)
	}

	resp, err := cli.cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("grafana: could not query %q: %w", cli.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("grafana: query failed with status %v", resp.Status)
	}

	var data struct {
		Results map[string]struct {
			Frames []struct {
				Schema struct {
					Name string `json:"name"`
				} `json:"schema"`
				Data struct {
					Values [][]json.Number `json:"values"`
				} `json:"data"`
			} `json:"frames"`
		} `json:"results"`
	}
	err = json.NewDecoder(resp.Body).Decode(&data)
	if err != nil {
		return nil, fmt.Errorf("grafana: could not decode reply: %w", err)
	}

	vals := make(map[string]float64, len(cli.slots))
	for _, frame := range data.Results["A"].Frames {
		name := frame.Schema.Name
		if !cli.slot(name) {
			continue
		}
		vs := frame.Data.Values
		if len(vs) < 2 || len(vs[1]) == 0 {
			continue
		}
		v, err := vs[1][len(vs[1])-1].Float64()
		if err != nil {
			continue
		}
		vals[name] = math.Round(v*100) / 100
	}
	return vals, nil
}

type query struct {
	RefID      string     `json:"refId"`
	Datasource datasource `json:"datasource"`
	Query      string     `json:"query"`
}

type datasource struct {
	Type string `json:"type"`
	UID  string `json:"uid"`
}

// flux builds the query selecting the last REG[V] point of each slot
// measurement in the RegisterRead bucket.
func (cli *Client) flux() string {
	conds := make([]string, len(cli.slots))
	for i, slot := range cli.slots {
		conds[i] = fmt.Sprintf(`r["_measurement"] == %q`, slot)
	}
	return `from(bucket: "RegisterRead")` +
		fmt.Sprintf(` |> range(start: -%dm)`, int(cli.window.Minutes())) +
		fmt.Sprintf(` |> filter(fn: (r) => %s)`, strings.Join(conds, " or ")) +
		` |> filter(fn: (r) => r["_field"] == "REG[V]")` +
		` |> last()`
}

func (cli *Client) slot(name string) bool {
	for _, slot := range cli.slots {
		if slot == name {
			return true
		}
	}
	return false
}
