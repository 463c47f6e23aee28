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
// git.go - the git engine: worktree pool, ingest loop, workers

// Package git owns the repository.  It maintains a pool of worktrees,
// consumes the "needs testing" queue, applies each series in a worktree,
// commits the result and pushes a branch to every configured remote.
// All other components only ever see the queues this package reads and
// writes.
package git

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/ruscur/snowpatch/database"
	"github.com/ruscur/snowpatch/patchwork"
)

// BaseBranch is what every work item starts from.
const BaseBranch = "master"

// Engine runs the worktree pool.  Operations against the base repository
// happen only during single-threaded initialisation; after that each
// worker touches nothing outside its own worktree.
type Engine struct {
	repoPath string
	workdir  string
	workers  int
	handles  map[string]bool

	store  *database.Store
	client *patchwork.Client
	http   *http.Client
	logger *log.Logger

	work chan uint64
}

// NewEngine prepares an engine over an existing local clone.  handles is
// the set of configured runner handles; pushes destined for anything
// else fail the item.
func NewEngine(repoPath, workdir string, workers int, handles []string,
	store *database.Store, client *patchwork.Client, httpClient *http.Client,
	logger *log.Logger) (*Engine, error) {
	if workers < 1 {
		return nil, fmt.Errorf("need at least one worker, got %d", workers)
	}
	if _, err := gogit.PlainOpen(repoPath); err != nil {
		return nil, fmt.Errorf("opening repository %q: %w", repoPath, err)
	}
	known := map[string]bool{}
	for _, handle := range handles {
		known[handle] = true
	}
	return &Engine{
		repoPath: repoPath,
		workdir:  workdir,
		workers:  workers,
		handles:  known,
		store:    store,
		client:   client,
		http:     httpClient,
		logger:   logger,
		work:     make(chan uint64, 1024),
	}, nil
}

func worktreeName(slot int) string {
	return fmt.Sprintf("snowpatch%d", slot)
}

func (e *Engine) worktreePath(slot int) string {
	return filepath.Join(e.workdir, worktreeName(slot))
}

// InitWorktrees makes sure worktrees snowpatch0..N-1 exist and are
// usable, recreating any that aren't.  Must run before StartWorkers and
// never concurrently with anything else touching the repository.
func (e *Engine) InitWorktrees() error {
	if err := os.MkdirAll(e.workdir, 0o755); err != nil {
		return fmt.Errorf("creating workdir: %w", err)
	}
	for slot := 0; slot < e.workers; slot++ {
		path := e.worktreePath(slot)
		// A worktree can pass git's own bookkeeping but be deleted
		// on disk; only opening it as a repository catches that.
		if _, err := openWorktree(path); err == nil {
			continue
		}
		e.logger.Printf("Worktree %s is missing or stale, recreating", path)
		if err := e.recreateWorktree(slot); err != nil {
			return fmt.Errorf("creating worktree %s: %w", path, err)
		}
	}
	return nil
}

func openWorktree(path string) (*gogit.Repository, error) {
	return gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{
		EnableDotGitCommonDir: true,
	})
}

func (e *Engine) recreateWorktree(slot int) error {
	name := worktreeName(slot)
	path := e.worktreePath(slot)

	// go-git can open linked worktrees but not create them, so
	// management goes through the git binary like the apply fallback.
	if out, err := e.git("worktree", "prune"); err != nil {
		return fmt.Errorf("pruning worktrees: %s: %w", out, err)
	}
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(e.repoPath, ".git", "worktrees", name)); err != nil {
		return err
	}
	// Old snowpatch versions made a branch per worktree; clear any
	// leftovers so the add below can't collide.
	repo, err := gogit.PlainOpen(e.repoPath)
	if err != nil {
		return err
	}
	branch := plumbing.NewBranchReferenceName(name)
	if _, err := repo.Reference(branch, false); err == nil {
		if err := repo.Storer.RemoveReference(branch); err != nil {
			return fmt.Errorf("deleting stale branch %s: %w", name, err)
		}
	}
	if out, err := e.git("worktree", "add", "--detach", path, BaseBranch); err != nil {
		return fmt.Errorf("git worktree add: %s: %w", out, err)
	}
	return nil
}

func (e *Engine) git(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = e.repoPath
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Recover moves anything stranded in the per-worker mailboxes or the
// awaiting queue by a previous crash back to "needs testing", where the
// ingest loop will pick it up again.
func (e *Engine) Recover() error {
	queue := e.store.Tree("needs testing")
	trees := []*database.Tree{e.store.Tree("awaiting git worker")}
	for slot := 0; slot < e.workers; slot++ {
		trees = append(trees, e.store.Tree(fmt.Sprintf("git worker %d", slot)))
	}
	for _, tree := range trees {
		items, err := tree.Items()
		if err != nil {
			return err
		}
		for _, item := range items {
			e.logger.Printf("Requeueing stranded work item from %q", tree.Name())
			if err := tree.MoveTo(queue, item.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run is the ingest loop: it drains "needs testing" oldest-first into
// the worker pool and then sleeps on the queue's change subscription.
// Runs until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	queue := e.store.Tree("needs testing")
	awaiting := e.store.Tree("awaiting git worker")
	for {
		items, err := queue.Items()
		if err != nil {
			e.logger.Printf("Couldn't read the test queue: %s", err)
			queue.Wait()
			continue
		}
		for _, item := range items {
			id, err := database.KeyU64(item.Key)
			if err != nil {
				e.logger.Printf("Dropping malformed queue key %x: %s", item.Key, err)
				queue.Remove(item.Key)
				continue
			}
			if err := queue.MoveTo(awaiting, item.Key); err != nil {
				e.logger.Printf("Couldn't hand series %d to the pool: %s", id, err)
				continue
			}
			select {
			case e.work <- id:
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		queue.Wait()
	}
}

// StartWorkers spawns the worktree pool.
func (e *Engine) StartWorkers(ctx context.Context) {
	for slot := 0; slot < e.workers; slot++ {
		go e.worker(ctx, slot)
	}
}

func (e *Engine) worker(ctx context.Context, slot int) {
	mailbox := e.store.Tree(fmt.Sprintf("git worker %d", slot))
	awaiting := e.store.Tree("awaiting git worker")
	failures := e.store.Tree("git failures")

	for {
		var id uint64
		select {
		case id = <-e.work:
		case <-ctx.Done():
			return
		}
		// The slot tree is a single-item mailbox; if a crashed run
		// left something in it, wait for recovery to drain it.
		mailbox.WaitEmpty()

		key := database.U64Key(id)
		if err := awaiting.MoveTo(mailbox, key); err != nil {
			e.logger.Printf("Series %d vanished before worker %d took it: %s", id, slot, err)
			continue
		}
		if err := e.process(ctx, slot, id, mailbox); err != nil {
			e.logger.Printf("Series %d failed in worker %d: %s", id, slot, err)
			if moveErr := mailbox.MoveTo(failures, key); moveErr != nil {
				e.logger.Printf("Couldn't record failure of series %d: %s", id, moveErr)
			}
			e.reportFailure(ctx, id, err)
		} else {
			if err := mailbox.Remove(key); err != nil {
				e.logger.Printf("Couldn't retire series %d from worker %d: %s", id, slot, err)
			}
		}
	}
}

// reportFailure posts an apply-failure verdict upstream.  Push and
// infrastructure failures stay in the failure queue without a verdict,
// since they say nothing about the patch.
func (e *Engine) reportFailure(ctx context.Context, id uint64, err error) {
	var apply *ApplyError
	if !errors.As(err, &apply) {
		return
	}
	result := patchwork.TestResult{
		State:       patchwork.Fail,
		Context:     "apply_patch",
		Description: "Patch failed to apply",
	}
	if err := e.client.SendCheck(ctx, id, result); err != nil {
		e.logger.Printf("Couldn't report apply failure for series %d: %s", id, err)
	}
}
