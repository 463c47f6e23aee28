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
// apply.go - patch application, library first with a git binary fallback

package git

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	gogit "github.com/go-git/go-git/v5"
)

// ApplyError marks a series whose patches don't apply to the base
// branch.  Unlike infrastructure failures it earns a verdict upstream,
// because it's the submitter's problem.
type ApplyError struct {
	Stage string
	Err   error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("patch failed to apply at %s: %s", e.Stage, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// applyMbox applies a mail-formatted patch series to the worktree at
// dir.  The library-level apply is strictly less permissive than the
// git binary; when it refuses, we check and then apply with the binary,
// feeding it the mbox on stdin both times.
func (e *Engine) applyMbox(repo *gogit.Repository, dir string, mbox []byte) error {
	if err := applyWithLibrary(repo, dir, mbox); err == nil {
		return nil
	} else {
		e.logger.Printf("Library apply refused (%s), falling back to the git binary", err)
	}
	if err := gitApply(dir, mbox, "--check"); err != nil {
		return &ApplyError{Stage: "git apply --check", Err: err}
	}
	// The check above makes a failure here a rare race, but it can
	// still happen; treat it the same way.
	if err := gitApply(dir, mbox, "--index"); err != nil {
		return &ApplyError{Stage: "git apply --index", Err: err}
	}
	return nil
}

// applyWithLibrary parses the mbox as a diff, dry-runs every file and
// only then touches the working tree, staging the result.  Any error
// leaves the decision to the git binary.
func applyWithLibrary(repo *gogit.Repository, dir string, mbox []byte) error {
	files, _, err := gitdiff.Parse(bytes.NewReader(mbox))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("no file changes in patch")
	}

	type write struct {
		path string
		mode os.FileMode
		data []byte
	}
	var writes []write
	var removes []string

	for _, file := range files {
		if file.IsBinary {
			return errors.New("binary patch")
		}
		if file.IsDelete {
			removes = append(removes, file.OldName)
			continue
		}
		var src *bytes.Reader
		if file.IsNew {
			src = bytes.NewReader(nil)
		} else {
			data, err := os.ReadFile(filepath.Join(dir, file.OldName))
			if err != nil {
				return err
			}
			src = bytes.NewReader(data)
		}
		var out bytes.Buffer
		if err := gitdiff.Apply(&out, src, file); err != nil {
			return err
		}
		name := file.NewName
		if name == "" {
			name = file.OldName
		}
		mode := os.FileMode(0o644)
		if file.NewMode != 0 {
			mode = os.FileMode(file.NewMode)
		}
		writes = append(writes, write{path: name, mode: mode, data: out.Bytes()})
		if file.IsRename {
			removes = append(removes, file.OldName)
		}
	}

	// Every fragment applied cleanly; flush.
	for _, name := range removes {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	for _, w := range writes {
		path := filepath.Join(dir, w.path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, w.data, w.mode); err != nil {
			return err
		}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return err
	}
	return worktree.AddWithOptions(&gogit.AddOptions{All: true})
}

func gitApply(dir string, mbox []byte, flag string) error {
	cmd := exec.Command("git", "apply", flag)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(mbox)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
