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
// watchcat.go - because cats are better than dogs

// Package watchcat monitors state.  It doesn't really care what the rest
// of snowpatch is doing; it watches Patchwork to see if there's any new
// stuff to do, and queues up stuff to be done.  The watchcat does not
// test anything.
package watchcat

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ruscur/snowpatch/database"
	"github.com/ruscur/snowpatch/patchwork"
)

// Scans are never closer together than this, however fast the loop runs.
const scanInterval = 10 * time.Minute

// tick drives the loop finer than the scan interval so shutdown and
// testing stay responsive.
const tick = 30 * time.Second

// Watchcat watches one project.  Spawn one per project.
type Watchcat struct {
	project string
	client  *patchwork.Client
	store   *database.Store
	logger  *log.Logger

	lastChecked time.Time
}

func New(project string, client *patchwork.Client, store *database.Store, logger *log.Logger) *Watchcat {
	return &Watchcat{
		project: project,
		client:  client,
		store:   store,
		logger:  logger,
	}
}

// Run scans forever, at most once per scan interval, until the context
// is cancelled.  Scan errors are logged; the next tick retries.
func (w *Watchcat) Run(ctx context.Context) {
	for {
		if time.Since(w.lastChecked) >= scanInterval {
			w.lastChecked = time.Now()
			if err := w.Scan(ctx); err != nil {
				w.logger.Printf("Scan failed: %s", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
		}
	}
}

// Scan fetches the newest series of the project and enqueues every
// actionable one that hasn't been seen before.  A failed list fetch
// aborts the scan; per-series failures are logged and skipped.
func (w *Watchcat) Scan(ctx context.Context) error {
	list, err := w.client.GetSeriesList(ctx, w.project)
	if err != nil {
		return err
	}

	seen := w.store.Tree("seen by watchcat")
	queue := w.store.Tree("needs testing")

	var wg sync.WaitGroup
	for _, series := range list {
		if !series.ReceivedAll || series.ReceivedTotal == 0 || len(series.Patches) == 0 {
			continue
		}
		alreadySeen, err := seen.Has(database.U64Key(series.ID))
		if err != nil {
			w.logger.Printf("Couldn't check series %d against the seen list: %s", series.ID, err)
			continue
		}
		if alreadySeen {
			continue
		}
		wg.Add(1)
		go func(series patchwork.Series) {
			defer wg.Done()
			w.observe(ctx, seen, queue, series)
		}(series)
	}
	wg.Wait()
	return nil
}

// observe runs the last filter, which costs an HTTP round trip, then
// marks the series seen and queues it for testing.  Marking happens
// first: after a crash we'd rather skip a series than test it twice.
func (w *Watchcat) observe(ctx context.Context, seen, queue *database.Tree, series patchwork.Series) {
	last := series.Patches[len(series.Patches)-1]
	patch, err := w.client.GetPatch(ctx, last.ID)
	if err != nil {
		w.logger.Printf("Couldn't fetch patch %d of series %d: %s", last.ID, series.ID, err)
		return
	}
	if !patch.ActionRequired() {
		return
	}

	key := database.U64Key(series.ID)
	if err := seen.Insert(key, []byte("hello")); err != nil {
		w.logger.Printf("Couldn't mark series %d as seen: %s", series.ID, err)
		return
	}
	w.logger.Printf("Inserting series %d into the git queue", series.ID)
	if err := queue.Insert(key, []byte(series.Mbox)); err != nil {
		w.logger.Printf("Couldn't queue series %d for testing: %s", series.ID, err)
	}
}
