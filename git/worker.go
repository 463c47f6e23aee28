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
// worker.go - per-item work: reset, apply, commit, push

package git

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"github.com/ruscur/snowpatch/database"
)

func branchName(id uint64) string {
	return fmt.Sprintf("snowpatch/%d", id)
}

func commitMessage(id uint64, linkPrefix string) string {
	return fmt.Sprintf("From patchwork series %d\n\n%s%d", id, linkPrefix, id)
}

// process takes one series through its slot's worktree: reset to the
// base branch, fetch and apply the mbox, commit, push everywhere.  Any
// error fails the whole item; the caller moves it to "git failures".
func (e *Engine) process(ctx context.Context, slot int, id uint64, mailbox *database.Tree) error {
	value, ok, err := mailbox.Get(database.U64Key(id))
	if err != nil || !ok {
		return fmt.Errorf("reading work item for series %d: %w", id, err)
	}
	mboxURL := string(value)

	path := e.worktreePath(slot)
	repo, err := openWorktree(path)
	if err != nil {
		return fmt.Errorf("opening worktree %s: %w", path, err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree %s: %w", path, err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(BaseBranch), true)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", BaseBranch, err)
	}
	tip := ref.Hash()
	// Force checkout plus clean gets us a pristine tree whatever the
	// previous item left behind.
	if err := worktree.Checkout(&gogit.CheckoutOptions{Hash: tip, Force: true}); err != nil {
		return fmt.Errorf("resetting worktree %s: %w", path, err)
	}
	if err := worktree.Clean(&gogit.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("cleaning worktree %s: %w", path, err)
	}

	mbox, err := e.fetchMbox(ctx, mboxURL)
	if err != nil {
		return fmt.Errorf("fetching mbox for series %d: %w", id, err)
	}
	if err := e.applyMbox(repo, path, mbox); err != nil {
		return err
	}

	hash, err := e.commit(repo, worktree, id)
	if err != nil {
		return fmt.Errorf("committing series %d: %w", id, err)
	}
	e.logger.Printf("Series %d applied as %s in worker %d", id, hash, slot)

	return e.pushAll(ctx, repo, id, hash)
}

func (e *Engine) fetchMbox(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (e *Engine) commit(repo *gogit.Repository, worktree *gogit.Worktree, id uint64) (plumbing.Hash, error) {
	prefix, _, err := e.store.Tree(database.ConfigTree).Get([]byte("series link prefix"))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return worktree.Commit(commitMessage(id, string(prefix)), &gogit.CommitOptions{
		Author: e.signature(repo),
	})
}

// signature reads the committer identity from the repository config,
// falling back to a fixed identity so headless deployments still work.
func (e *Engine) signature(repo *gogit.Repository) *object.Signature {
	name, email := "snowpatch", "snowpatch@snowpatch"
	if cfg, err := repo.ConfigScoped(gitcfg.SystemScope); err == nil {
		if cfg.User.Name != "" {
			name = cfg.User.Name
		}
		if cfg.User.Email != "" {
			email = cfg.User.Email
		}
	}
	return &object.Signature{Name: name, Email: email, When: time.Now()}
}

// pushAll publishes snowpatch/<id> on every remote in "remotes to push
// to" and queues runner work for each.  A branch that already exists is
// only worth a warning; anything else fails the item.
func (e *Engine) pushAll(ctx context.Context, repo *gogit.Repository, id uint64, hash plumbing.Hash) error {
	remotes, err := e.store.Tree("remotes to push to").Items()
	if err != nil {
		return err
	}
	for _, remote := range remotes {
		if handle := string(remote.Value); !e.handles[handle] {
			return fmt.Errorf("remote %q is wired to unknown runner %q", remote.Key, handle)
		}
	}

	refName := plumbing.NewBranchReferenceName(branchName(id))
	if err := repo.Storer.SetReference(plumbing.NewHashReference(refName, hash)); err != nil {
		return fmt.Errorf("creating %s: %w", refName, err)
	}
	defer repo.Storer.RemoveReference(refName)

	auth, err := e.pushAuth()
	if err != nil {
		return err
	}
	refSpec := gitcfg.RefSpec(refName.String() + ":" + refName.String())

	for _, remote := range remotes {
		remoteName, handle := string(remote.Key), string(remote.Value)
		err := repo.PushContext(ctx, &gogit.PushOptions{
			RemoteName: remoteName,
			RefSpecs:   []gitcfg.RefSpec{refSpec},
			Auth:       auth,
		})
		switch {
		case err == nil:
			e.logger.Printf("Pushed %s to %s", branchName(id), remoteName)
		case err == gogit.NoErrAlreadyUpToDate:
			e.logger.Printf("Branch %s already up to date on %s", branchName(id), remoteName)
		case IsNonFastForward(err):
			e.logger.Printf("Warning: branch %s already exists on %s", branchName(id), remoteName)
		default:
			return fmt.Errorf("pushing %s to %s: %w", branchName(id), remoteName, err)
		}
		queue := e.store.Tree(handle + " queue")
		if err := queue.Insert(database.U64Key(id), []byte("new")); err != nil {
			return fmt.Errorf("queueing series %d for runner %q: %w", id, handle, err)
		}
	}
	return nil
}

// IsNonFastForward spots the rejection a remote gives when the branch
// already exists with different content, typically a re-test of a
// series we've pushed before.
func IsNonFastForward(err error) bool {
	return err != nil && strings.Contains(err.Error(), "non-fast-forward")
}

// pushAuth builds SSH credentials from the scalar store keys seeded by
// the config layer, so this code needs no configuration reference.
func (e *Engine) pushAuth() (transport.AuthMethod, error) {
	tree := e.store.Tree(database.ConfigTree)
	user, _, err := tree.Get([]byte("ssh user"))
	if err != nil {
		return nil, err
	}
	private, ok, err := tree.Get([]byte("ssh private key path"))
	if err != nil || !ok {
		return nil, fmt.Errorf("no SSH private key path in the store: %w", err)
	}
	auth, err := gitssh.NewPublicKeysFromFile(string(user), string(private), "")
	if err != nil {
		return nil, fmt.Errorf("loading SSH key %s: %w", private, err)
	}
	return auth, nil
}
