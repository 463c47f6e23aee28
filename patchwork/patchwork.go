// snowpatch - continuous integration for patch-based workflows
//
// Copyright (C) 2021 IBM Corporation
// Authors:
//     Russell Currey <ruscur@russell.cc>
//     Andrew Donnellan <andrew.donnellan@au1.ibm.com>
//
// This program is free software; you can redistribute it and/or modify it
// under the terms of the GNU General Public License as published by the Free
// Software Foundation; either version 2 of the License, or (at your option)
// any later version.
//
// patchwork.go - typed client for the Patchwork REST API

// Package patchwork is a typed client for the Patchwork JSON REST API at
// a fixed API version.  It is the only component that talks to the patch
// tracker; the watcher, the git engine and the dispatcher all go through
// it.
package patchwork

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// Version of snowpatch itself, reported in check contexts.
const Version = "1.0.0"

// APIVersion is the only Patchwork API revision this client speaks.
const APIVersion = "1.2"

type Project struct {
	ID       uint64 `json:"id"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	LinkName string `json:"link_name"`
}

type Submitter struct {
	ID    uint64 `json:"id"`
	URL   string `json:"url"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// PatchSummary is the abbreviated form of a patch embedded in a series.
type PatchSummary struct {
	ID    uint64 `json:"id"`
	URL   string `json:"url"`
	Mbox  string `json:"mbox"`
	Name  string `json:"name"`
	MsgID string `json:"msgid"`
	Date  string `json:"date"`
}

type SeriesSummary struct {
	ID      uint64 `json:"id"`
	URL     string `json:"url"`
	Date    string `json:"date"`
	Name    string `json:"name"`
	Version uint64 `json:"version"`
	Mbox    string `json:"mbox"`
}

type Series struct {
	ID            uint64         `json:"id"`
	URL           string         `json:"url"`
	Project       Project        `json:"project"`
	Version       uint64         `json:"version"`
	ReceivedAll   bool           `json:"received_all"`
	ReceivedTotal uint64         `json:"received_total"`
	Mbox          string         `json:"mbox"`
	Patches       []PatchSummary `json:"patches"`
	Submitter     Submitter      `json:"submitter"`
}

type Patch struct {
	ID      uint64          `json:"id"`
	URL     string          `json:"url"`
	Project Project         `json:"project"`
	Name    string          `json:"name"`
	State   string          `json:"state"`
	Mbox    string          `json:"mbox"`
	Series  []SeriesSummary `json:"series"`
	Check   string          `json:"check"`
	Checks  string          `json:"checks"`
	PullURL string          `json:"pull_url"`
}

// ActionRequired reports whether a patch should be admitted to the
// pipeline: no pull request attached, and nobody has acted on it yet.
func (p *Patch) ActionRequired() bool {
	if p.PullURL != "" {
		return false
	}
	return p.State == "new" || p.State == "under-review"
}

func (p *Patch) HasSeries() bool {
	return len(p.Series) > 0
}

type Check struct {
	ID          uint64 `json:"id"`
	State       string `json:"state"`
	Context     string `json:"context"`
	Description string `json:"description"`
	TargetURL   string `json:"target_url"`
}

// TestState is the state attached to a check, both when reading summary
// states off patches and when posting verdicts.
type TestState string

const (
	Pending TestState = "pending"
	Success TestState = "success"
	Warning TestState = "warning"
	Fail    TestState = "fail"
)

// precedence orders states for series-level reduction, highest first.
var precedence = []TestState{Pending, Fail, Warning, Success}

// WorstOf reduces two states to the one with higher precedence, where
// Pending > Fail > Warning > Success.
func WorstOf(a, b TestState) TestState {
	for _, state := range precedence {
		if a == state || b == state {
			return state
		}
	}
	return a
}

// TestResult is the verdict POSTed to a patch's checks URL.
type TestResult struct {
	State       TestState `json:"state"`
	TargetURL   string    `json:"target_url,omitempty"`
	Description string    `json:"description,omitempty"`
	Context     string    `json:"context"`
}

// DefaultContext is used when a result carries no context of its own.
// Patchwork contexts can't contain dots.
func DefaultContext() string {
	return "snowpatch-" + strings.ReplaceAll(Version, ".", "_")
}

func (r TestResult) MarshalJSON() ([]byte, error) {
	type plain TestResult
	p := plain(r)
	if p.Context == "" {
		p.Context = DefaultContext()
	}
	return json.Marshal(p)
}

// Client talks to one Patchwork server.  It is safe for concurrent use
// and should be shared so every caller benefits from the same connection
// pool.
type Client struct {
	base     *url.URL
	token    string
	http     *http.Client
	pageSize int
	logger   *log.Logger
}

// NewClient builds a client for the server at base, appends the API
// version and smoke-tests it with a GET before returning.
func NewClient(base, token string, httpClient *http.Client, pageSize int, logger *log.Logger) (*Client, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing patchwork URL: %w", err)
	}
	client := &Client{
		base:     parsed.JoinPath("api", APIVersion),
		token:    token,
		http:     httpClient,
		pageSize: pageSize,
		logger:   logger,
	}
	resp, err := client.get(context.Background(), client.base)
	if err != nil {
		return nil, fmt.Errorf("patchwork API smoke test: %w", err)
	}
	resp.Body.Close()
	return client, nil
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: unexpected status %s", method, u, resp.Status)
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, u *url.URL) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, u, nil)
}

func (c *Client) getJSON(ctx context.Context, u *url.URL, out interface{}) error {
	resp, err := c.get(ctx, u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", u, err)
	}
	return nil
}

func (c *Client) GetPatch(ctx context.Context, id uint64) (*Patch, error) {
	var patch Patch
	u := c.base.JoinPath("patches", strconv.FormatUint(id, 10))
	if err := c.getJSON(ctx, u, &patch); err != nil {
		return nil, err
	}
	return &patch, nil
}

func (c *Client) GetSeries(ctx context.Context, id uint64) (*Series, error) {
	var series Series
	u := c.base.JoinPath("series", strconv.FormatUint(id, 10))
	if err := c.getJSON(ctx, u, &series); err != nil {
		return nil, err
	}
	return &series, nil
}

// GetSeriesList returns the newest series of a project, newest first,
// bounded by the configured page size.
func (c *Client) GetSeriesList(ctx context.Context, project string) ([]Series, error) {
	u := c.base.JoinPath("series")
	query := u.Query()
	query.Set("order", "-id")
	query.Set("per_page", strconv.Itoa(c.pageSize))
	query.Set("project", project)
	u.RawQuery = query.Encode()

	var list []Series
	if err := c.getJSON(ctx, u, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) GetPatchChecks(ctx context.Context, patchID uint64) ([]Check, error) {
	var checks []Check
	u := c.base.JoinPath("patches", strconv.FormatUint(patchID, 10), "checks")
	if err := c.getJSON(ctx, u, &checks); err != nil {
		return nil, err
	}
	return checks, nil
}

// GetSeriesState fetches every patch of the series in parallel and
// reduces their summary check states to the highest-precedence one.
func (c *Client) GetSeriesState(ctx context.Context, seriesID uint64) (TestState, error) {
	series, err := c.GetSeries(ctx, seriesID)
	if err != nil {
		return Pending, err
	}

	var wg sync.WaitGroup
	states := make([]TestState, len(series.Patches))
	errs := make([]error, len(series.Patches))
	for i, summary := range series.Patches {
		wg.Add(1)
		go func(i int, id uint64) {
			defer wg.Done()
			patch, err := c.GetPatch(ctx, id)
			if err != nil {
				errs[i] = err
				return
			}
			states[i] = TestState(patch.Check)
		}(i, summary.ID)
	}
	wg.Wait()

	state := Success
	for i := range states {
		if errs[i] != nil {
			return Pending, errs[i]
		}
		state = WorstOf(state, states[i])
	}
	return state, nil
}

// SendCheck posts a verdict against the last patch of the series.  With
// no API token configured this is a warning no-op, since Patchwork would
// reject the write anyway.
func (c *Client) SendCheck(ctx context.Context, seriesID uint64, result TestResult) error {
	if c.token == "" {
		c.logger.Printf("No patchwork token, not sending check for series %d", seriesID)
		return nil
	}
	series, err := c.GetSeries(ctx, seriesID)
	if err != nil {
		return err
	}
	if len(series.Patches) == 0 {
		return fmt.Errorf("series %d has no patches", seriesID)
	}
	last, err := c.GetPatch(ctx, series.Patches[len(series.Patches)-1].ID)
	if err != nil {
		return err
	}
	checksURL, err := url.Parse(last.Checks)
	if err != nil {
		return fmt.Errorf("parsing checks URL for patch %d: %w", last.ID, err)
	}
	// Patchwork rejects POSTs to the non-slash form with a redirect.
	if !strings.HasSuffix(checksURL.Path, "/") {
		checksURL.Path += "/"
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding check: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, checksURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("check POST for series %d: unexpected status %s", seriesID, resp.Status)
	}
	return nil
}
