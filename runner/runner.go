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
// runner.go - the capability set every CI backend implements

// Package runner adapts external CI systems to the queue pipeline.  Each
// backend implements the Runner capability set; the git engine pushes
// branches, a watcher per runner notices queued series, and a waiter per
// in-flight branch turns remote job state into dispatchable results.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ruscur/snowpatch/config"
	"github.com/ruscur/snowpatch/database"
	"github.com/ruscur/snowpatch/patchwork"
)

// JobState is where a remote job is in its lifecycle.
type JobState string

const (
	Waiting   JobState = "waiting"
	Running   JobState = "running"
	Completed JobState = "completed"
	// Failed means the job can't produce a meaningful outcome, not
	// that the tests failed; a test failure is Completed with a fail
	// outcome.
	Failed JobState = "failed"
)

// Result is one remote job's status as seen by a runner.  Outcome stays
// empty until the runner can judge the job.  Results sit in the dispatch
// queue as JSON, so the encoding must stay decodable across restarts.
type Result struct {
	Name        string              `json:"name"`
	State       JobState            `json:"state"`
	Outcome     patchwork.TestState `json:"outcome,omitempty"`
	URL         string              `json:"url,omitempty"`
	Description string              `json:"description,omitempty"`
}

// Terminal reports whether the job will never change state again.
func (r Result) Terminal() bool {
	return r.State == Completed || r.State == Failed
}

// Runner is the capability set of a CI backend.
type Runner interface {
	// Handle names the runner; its queue names derive from it.
	Handle() string
	// StartWork sets up any state the backend needs and kicks off
	// testing, for backends that don't trigger on push.
	StartWork(ctx context.Context, branch string, target *url.URL) error
	// GetProgress returns the status of every job spawned for branch.
	GetProgress(ctx context.Context, branch string, target *url.URL) ([]Result, error)
	// CleanUp tears down local and remote state for branch.
	CleanUp(ctx context.Context, branch string, target *url.URL) error
}

// Init builds a runner per config entry and records which git remotes
// feed which runner, for the git engine's push step.
func Init(cfgs []config.Runner, store *database.Store, httpClient *http.Client, logger *log.Logger) ([]Runner, error) {
	remotes := store.Tree("remotes to push to")
	var runners []Runner
	for _, cfg := range cfgs {
		switch cfg.Kind {
		case "github":
			if cfg.Trigger.OnPush == nil {
				return nil, fmt.Errorf("manual triggers are not supported yet")
			}
			gha, err := NewGitHubActions(httpClient, cfg.URL, cfg.Token, logger)
			if err != nil {
				return nil, err
			}
			if err := remotes.Insert([]byte(cfg.Trigger.OnPush.Remote), []byte(gha.Handle())); err != nil {
				return nil, err
			}
			runners = append(runners, gha)
		default:
			return nil, fmt.Errorf("unknown runner kind %q", cfg.Kind)
		}
	}
	return runners, nil
}

// ResultKey builds the composite "needs dispatch" key.  The job name can
// contain spaces, so it always goes last.
func ResultKey(handle string, seriesID uint64, job string) []byte {
	return []byte(handle + " " + strconv.FormatUint(seriesID, 10) + " " + job)
}

// BranchFor maps a series onto the branch the git engine pushes for it.
func BranchFor(seriesID uint64) string {
	return "snowpatch/" + strconv.FormatUint(seriesID, 10)
}

// How often a completion waiter re-polls the backend.
const progressInterval = 90 * time.Second

// Watch consumes "<handle> queue": every queued series gets its tests
// started, moves to "<handle> working" and gains a completion waiter.
// Runs until the context is cancelled.
func Watch(ctx context.Context, r Runner, store *database.Store, logger *log.Logger) {
	queue := store.Tree(r.Handle() + " queue")
	working := store.Tree(r.Handle() + " working")
	for {
		items, err := queue.Items()
		if err != nil {
			logger.Printf("Couldn't read the %s queue: %s", r.Handle(), err)
			queue.Wait()
			continue
		}
		for _, item := range items {
			id, err := database.KeyU64(item.Key)
			if err != nil {
				logger.Printf("Dropping malformed %s queue key %x", r.Handle(), item.Key)
				queue.Remove(item.Key)
				continue
			}
			if err := r.StartWork(ctx, BranchFor(id), nil); err != nil {
				// The waiter polls regardless, so a struggling
				// backend isn't fatal here.
				logger.Printf("Couldn't start %s work for series %d: %s", r.Handle(), id, err)
			}
			if err := queue.MoveTo(working, item.Key); err != nil {
				logger.Printf("Couldn't move series %d to the %s working set: %s", id, r.Handle(), err)
				continue
			}
			go WaitForCompletion(ctx, r, store, logger, id)
		}
		if ctx.Err() != nil {
			return
		}
		queue.Wait()
	}
}

// WaitForCompletion polls one branch until every job reaches a terminal
// state, feeding each finished job into "needs dispatch" exactly once,
// then retires the branch from the working set.
func WaitForCompletion(ctx context.Context, r Runner, store *database.Store, logger *log.Logger, seriesID uint64) {
	branch := BranchFor(seriesID)
	working := store.Tree(r.Handle() + " working")
	dispatch := store.Tree("needs dispatch")
	emitted := map[string]bool{}

	for {
		results, err := r.GetProgress(ctx, branch, nil)
		if err != nil {
			logger.Printf("Couldn't poll %s for %s: %s", r.Handle(), branch, err)
		} else if emit(results, r.Handle(), seriesID, dispatch, emitted, logger) {
			if err := working.Remove(database.U64Key(seriesID)); err != nil {
				logger.Printf("Couldn't retire %s from the %s working set: %s", branch, r.Handle(), err)
			}
			logger.Printf("All %s jobs for %s have finished", r.Handle(), branch)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(progressInterval):
		}
	}
}

// emit queues every newly-terminal result for dispatch and reports
// whether the whole branch has finished.
func emit(results []Result, handle string, seriesID uint64, dispatch *database.Tree,
	emitted map[string]bool, logger *log.Logger) bool {
	done := len(results) > 0
	for _, result := range results {
		if !result.Terminal() {
			done = false
			continue
		}
		if emitted[result.Name] {
			continue
		}
		value, err := json.Marshal(result)
		if err != nil {
			logger.Printf("Couldn't encode result %q: %s", result.Name, err)
			done = false
			continue
		}
		if err := dispatch.Insert(ResultKey(handle, seriesID, result.Name), value); err != nil {
			logger.Printf("Couldn't queue result %q for dispatch: %s", result.Name, err)
			done = false
			continue
		}
		emitted[result.Name] = true
	}
	return done
}
