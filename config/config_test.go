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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ruscur/snowpatch/database"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	// Fake keypair so validation passes.
	pub := filepath.Join(dir, "id_rsa.pub")
	priv := filepath.Join(dir, "id_rsa")
	os.WriteFile(pub, []byte("ssh-rsa AAAA"), 0o600)
	os.WriteFile(priv, []byte("key"), 0o600)
	contents = strings.ReplaceAll(contents, "PUBKEY", pub)
	contents = strings.ReplaceAll(contents, "PRIVKEY", priv)
	path := filepath.Join(dir, "snowpatch.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing config fixture: %s", err)
	}
	return path
}

const goodConfig = `
name: linuxppc-dev
git:
  user: git
  public_key: PUBKEY
  private_key: PRIVKEY
  repo: /home/ruscur/linux
  workdir: /home/ruscur/worktrees
patchwork:
  url: https://patchwork.ozlabs.org
  token: banana
runners:
  - kind: github
    url: https://github.com/ruscur/linux-ci
    trigger:
      on_push:
        remote: github
`

func TestParseGoodConfig(t *testing.T) {
	cfg, err := Parse(writeConfig(t, goodConfig))
	if err != nil {
		t.Fatalf("Parse errored on a valid config: %s", err)
	}
	if cfg.Git.Workers != 1 {
		t.Errorf("workers didn't default to 1, got %d", cfg.Git.Workers)
	}
	if cfg.Patchwork.PageSize != 50 {
		t.Errorf("page_size didn't default to 50, got %d", cfg.Patchwork.PageSize)
	}
	if len(cfg.Runners) != 1 || cfg.Runners[0].Trigger.OnPush.Remote != "github" {
		t.Errorf("runner parsed wrong: %+v", cfg.Runners)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	bad := strings.Replace(goodConfig, "workdir:", "wrokdir:", 1)
	if _, err := Parse(writeConfig(t, bad)); err == nil {
		t.Errorf("Parse accepted a config with an unknown key")
	}
}

func TestParseRejectsMissingRequired(t *testing.T) {
	bad := strings.Replace(goodConfig, "name: linuxppc-dev", "", 1)
	if _, err := Parse(writeConfig(t, bad)); err == nil {
		t.Errorf("Parse accepted a config with no project name")
	}
}

func TestParseRejectsUnknownRunnerKind(t *testing.T) {
	bad := strings.Replace(goodConfig, "kind: github", "kind: jenkins", 1)
	if _, err := Parse(writeConfig(t, bad)); err == nil {
		t.Errorf("Parse accepted an unknown runner kind")
	}
}

func TestParseRejectsAmbiguousTrigger(t *testing.T) {
	bad := goodConfig + "      manual:\n        data: x\n"
	if _, err := Parse(writeConfig(t, bad)); err == nil {
		t.Errorf("Parse accepted a runner with two triggers")
	}
}

func TestSeriesLinkPrefix(t *testing.T) {
	cfg, err := Parse(writeConfig(t, goodConfig))
	if err != nil {
		t.Fatalf("Parse errored: %s", err)
	}
	want := "https://patchwork.ozlabs.org/project/linuxppc-dev/list/?series="
	if got := cfg.SeriesLinkPrefix(); got != want {
		t.Errorf("SeriesLinkPrefix = %q, want %q", got, want)
	}
}

func TestSeed(t *testing.T) {
	cfg, err := Parse(writeConfig(t, goodConfig))
	if err != nil {
		t.Fatalf("Parse errored: %s", err)
	}
	store, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open errored: %s", err)
	}
	defer store.Close()
	if err := cfg.Seed(store); err != nil {
		t.Fatalf("Seed errored: %s", err)
	}
	tree := store.Tree(database.ConfigTree)
	for _, key := range []string{
		"ssh user", "ssh public key path", "ssh private key path", "series link prefix",
	} {
		value, ok, err := tree.Get([]byte(key))
		if err != nil || !ok || len(value) == 0 {
			t.Errorf("scalar key %q wasn't seeded", key)
		}
	}
}
