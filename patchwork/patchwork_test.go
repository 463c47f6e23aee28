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

package patchwork

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestNewClientSmokeTest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/1.2" {
			t.Errorf("smoke test hit %s, want /api/1.2", r.URL.Path)
		}
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	if _, err := NewClient(server.URL, "", server.Client(), 50, testLogger()); err != nil {
		t.Errorf("NewClient errored against a healthy server: %s", err)
	}
}

func TestNewClientFailsOnBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	if _, err := NewClient(server.URL, "", server.Client(), 50, testLogger()); err == nil {
		t.Errorf("NewClient didn't error on a 500 smoke test")
	}
}

func TestActionRequired(t *testing.T) {
	tests := []struct {
		state   string
		pullURL string
		want    bool
	}{
		{"new", "", true},
		{"under-review", "", true},
		{"accepted", "", false},
		{"rejected", "", false},
		{"new", "https://github.com/torvalds/linux/pull/1", false},
	}
	for _, tt := range tests {
		patch := Patch{State: tt.state, PullURL: tt.pullURL}
		if got := patch.ActionRequired(); got != tt.want {
			t.Errorf("ActionRequired(state=%q, pull_url=%q) = %v, want %v",
				tt.state, tt.pullURL, got, tt.want)
		}
	}
}

func TestWorstOf(t *testing.T) {
	tests := []struct {
		a, b, want TestState
	}{
		{Success, Success, Success},
		{Success, Warning, Warning},
		{Warning, Fail, Fail},
		{Fail, Pending, Pending},
		{Success, Pending, Pending},
		{Warning, Success, Warning},
	}
	for _, tt := range tests {
		if got := WorstOf(tt.a, tt.b); got != tt.want {
			t.Errorf("WorstOf(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestTestResultContextDefault(t *testing.T) {
	encoded, err := json.Marshal(TestResult{State: Success})
	if err != nil {
		t.Fatalf("Marshal errored: %s", err)
	}
	var decoded map[string]interface{}
	json.Unmarshal(encoded, &decoded)
	context, _ := decoded["context"].(string)
	if context == "" {
		t.Fatalf("serialised result has empty context: %s", encoded)
	}
	if !strings.HasPrefix(context, "snowpatch-") {
		t.Errorf("default context %q doesn't name the tool", context)
	}
	if strings.Contains(context, ".") {
		t.Errorf("default context %q contains dots", context)
	}
}

func TestTestResultContextPreserved(t *testing.T) {
	encoded, err := json.Marshal(TestResult{State: Fail, Context: "github-build"})
	if err != nil {
		t.Fatalf("Marshal errored: %s", err)
	}
	if !strings.Contains(string(encoded), `"context":"github-build"`) {
		t.Errorf("explicit context was not preserved: %s", encoded)
	}
}

// newTestServer serves a small fixed Patchwork: one series with two
// patches, with checks URLs pointing back at the test server.
func newTestServer(t *testing.T, postStatus int) (*httptest.Server, *[]string, *http.Header) {
	t.Helper()
	var posts []string
	var postHeader http.Header
	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/api/1.2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("/api/1.2/series", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Series{seriesFixture(server.URL)})
	})
	mux.HandleFunc("/api/1.2/series/77", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(seriesFixture(server.URL))
	})
	mux.HandleFunc("/api/1.2/patches/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/1"):
			json.NewEncoder(w).Encode(Patch{
				ID: 1, State: "new", Check: "success",
				Checks: server.URL + "/api/1.2/patches/1/checks",
			})
		case strings.HasSuffix(r.URL.Path, "/2"):
			json.NewEncoder(w).Encode(Patch{
				ID: 2, State: "new", Check: "warning",
				Checks: server.URL + "/api/1.2/patches/2/checks",
			})
		case strings.HasSuffix(r.URL.Path, "/checks/"):
			if r.Method == http.MethodPost {
				body, _ := io.ReadAll(r.Body)
				posts = append(posts, r.URL.Path+" "+string(body))
				postHeader = r.Header.Clone()
				w.WriteHeader(postStatus)
				return
			}
			json.NewEncoder(w).Encode([]Check{})
		default:
			http.NotFound(w, r)
		}
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &posts, &postHeader
}

func seriesFixture(base string) Series {
	return Series{
		ID:            77,
		Version:       1,
		ReceivedAll:   true,
		ReceivedTotal: 2,
		Mbox:          base + "/series/77/mbox/",
		Patches: []PatchSummary{
			{ID: 1, Mbox: base + "/patch/1/mbox/"},
			{ID: 2, Mbox: base + "/patch/2/mbox/"},
		},
	}
}

func TestGetSeriesState(t *testing.T) {
	server, _, _ := newTestServer(t, http.StatusCreated)
	client, err := NewClient(server.URL, "", server.Client(), 50, testLogger())
	if err != nil {
		t.Fatalf("NewClient errored: %s", err)
	}
	state, err := client.GetSeriesState(context.Background(), 77)
	if err != nil {
		t.Fatalf("GetSeriesState errored: %s", err)
	}
	// success + warning reduces to warning
	if state != Warning {
		t.Errorf("GetSeriesState = %s, want %s", state, Warning)
	}
}

func TestSendCheckPostsToLastPatch(t *testing.T) {
	server, posts, header := newTestServer(t, http.StatusCreated)
	client, err := NewClient(server.URL, "sekrit", server.Client(), 50, testLogger())
	if err != nil {
		t.Fatalf("NewClient errored: %s", err)
	}
	err = client.SendCheck(context.Background(), 77, TestResult{
		State: Success, Context: "github-build",
	})
	if err != nil {
		t.Fatalf("SendCheck errored: %s", err)
	}
	if len(*posts) != 1 {
		t.Fatalf("SendCheck made %d POSTs, want 1", len(*posts))
	}
	// last patch in the series is patch 2, and the URL must end in /
	if !strings.HasPrefix((*posts)[0], "/api/1.2/patches/2/checks/ ") {
		t.Errorf("check went to the wrong URL: %s", (*posts)[0])
	}
	if got := header.Get("Authorization"); got != "Token sekrit" {
		t.Errorf("check POST had authorization %q", got)
	}
}

func TestSendCheckWithoutTokenIsNoop(t *testing.T) {
	server, posts, _ := newTestServer(t, http.StatusCreated)
	client, err := NewClient(server.URL, "", server.Client(), 50, testLogger())
	if err != nil {
		t.Fatalf("NewClient errored: %s", err)
	}
	if err := client.SendCheck(context.Background(), 77, TestResult{State: Fail}); err != nil {
		t.Fatalf("tokenless SendCheck errored: %s", err)
	}
	if len(*posts) != 0 {
		t.Errorf("tokenless SendCheck still POSTed")
	}
}

func TestSendCheckRequires201(t *testing.T) {
	server, _, _ := newTestServer(t, http.StatusOK)
	client, err := NewClient(server.URL, "sekrit", server.Client(), 50, testLogger())
	if err != nil {
		t.Fatalf("NewClient errored: %s", err)
	}
	if err := client.SendCheck(context.Background(), 77, TestResult{State: Success}); err == nil {
		t.Errorf("SendCheck accepted a non-201 response")
	}
}

func TestGetSeriesList(t *testing.T) {
	server, _, _ := newTestServer(t, http.StatusCreated)
	client, err := NewClient(server.URL, "", server.Client(), 50, testLogger())
	if err != nil {
		t.Fatalf("NewClient errored: %s", err)
	}
	list, err := client.GetSeriesList(context.Background(), "linuxppc-dev")
	if err != nil {
		t.Fatalf("GetSeriesList errored: %s", err)
	}
	if len(list) != 1 || list[0].ID != 77 {
		t.Errorf("GetSeriesList returned unexpected list: %+v", list)
	}
}
