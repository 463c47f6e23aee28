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
// dispatch.go - drains "needs dispatch" into tracker verdicts

// Package dispatch is the pipeline's last stage: it takes finished
// runner results off the queue and posts them to the tracker as checks.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/ruscur/snowpatch/database"
	"github.com/ruscur/snowpatch/patchwork"
	"github.com/ruscur/snowpatch/runner"
)

// How long to hold off after a failed POST before rescanning, so a
// down tracker doesn't turn the loop into a busy-wait.
const retryInterval = 60 * time.Second

type Dispatcher struct {
	store  *database.Store
	client *patchwork.Client
	logger *log.Logger
}

func New(store *database.Store, client *patchwork.Client, logger *log.Logger) *Dispatcher {
	return &Dispatcher{store: store, client: client, logger: logger}
}

// parseResultKey splits a queue key into runner handle, series ID and
// job name.  The job name goes last precisely because it may contain
// spaces.
func parseResultKey(key []byte) (handle string, seriesID uint64, job string, err error) {
	fields := strings.SplitN(string(key), " ", 3)
	if len(fields) != 3 {
		return "", 0, "", fmt.Errorf("malformed result key %q", key)
	}
	seriesID, err = strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return "", 0, "", fmt.Errorf("malformed series ID in result key %q: %w", key, err)
	}
	return fields[0], seriesID, fields[2], nil
}

// verdict shapes a runner result into the check the tracker stores.
func verdict(handle, job string, result runner.Result) patchwork.TestResult {
	description := result.Description
	if description == "" {
		description = fmt.Sprintf("Job %s from runner %s", job, handle)
	}
	return patchwork.TestResult{
		State:       result.Outcome,
		TargetURL:   result.URL,
		Description: description,
		Context:     handle + "-" + job,
	}
}

// Run drains the dispatch queue until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	queue := d.store.Tree("needs dispatch")
	for {
		retry := d.Scan(ctx)
		if ctx.Err() != nil {
			return
		}
		if retry {
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryInterval):
			}
			continue
		}
		queue.Wait()
	}
}

// Scan posts every queued result and removes the ones the tracker
// accepted.  Results whose POST failed stay queued; the returned flag
// asks the caller to come back soon rather than sleep on the queue.
// Removal happens after the pass so a mid-scan crash re-dispatches
// instead of losing verdicts.
func (d *Dispatcher) Scan(ctx context.Context) (retry bool) {
	queue := d.store.Tree("needs dispatch")
	items, err := queue.Items()
	if err != nil {
		d.logger.Printf("Couldn't read the dispatch queue: %s", err)
		return true
	}

	var done [][]byte
	for _, item := range items {
		handle, seriesID, job, err := parseResultKey(item.Key)
		if err != nil {
			d.logger.Printf("Dropping undispatchable entry: %s", err)
			done = append(done, item.Key)
			continue
		}
		var result runner.Result
		if err := json.Unmarshal(item.Value, &result); err != nil {
			d.logger.Printf("Dropping undecodable result for series %d: %s", seriesID, err)
			done = append(done, item.Key)
			continue
		}
		if result.State == runner.Failed {
			// The job never produced a meaningful outcome; there's
			// no verdict worth posting.
			d.logger.Printf("Job %q for series %d failed on runner %s, not reporting it",
				job, seriesID, handle)
			done = append(done, item.Key)
			continue
		}
		if err := d.client.SendCheck(ctx, seriesID, verdict(handle, job, result)); err != nil {
			d.logger.Printf("Couldn't post %q for series %d: %s", job, seriesID, err)
			retry = true
			continue
		}
		d.logger.Printf("Posted %s verdict for job %q on series %d", result.Outcome, job, seriesID)
		done = append(done, item.Key)
	}

	for _, key := range done {
		if err := queue.Remove(key); err != nil {
			d.logger.Printf("Couldn't retire dispatched entry %q: %s", key, err)
		}
	}
	return retry
}
