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
// config.go - configuration parsing, validation and store seeding

// Package config defines the full set of information snowpatch needs in
// order to do anything useful, parsed from a YAML file.  Unknown keys
// are rejected so typos don't silently disable features.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/ruscur/snowpatch/database"
)

type Config struct {
	// Patch tracker project link name, e.g. "linuxppc-dev".
	Name      string    `yaml:"name"`
	Git       Git       `yaml:"git"`
	Patchwork Patchwork `yaml:"patchwork"`
	Runners   []Runner  `yaml:"runners"`
}

// Git holds what we need to work a local clone and push to remotes over
// SSH.
type Git struct {
	// SSH user on the remotes, typically "git".
	User string `yaml:"user"`
	// Paths to the SSH keypair used for pushes.
	PublicKey  string `yaml:"public_key"`
	PrivateKey string `yaml:"private_key"`
	// Full path of the local clone to work with.
	Repo string `yaml:"repo"`
	// Path snowpatch makes its worktrees in.
	Workdir string `yaml:"workdir"`
	// Worktree pool size.
	Workers int `yaml:"workers"`
}

// Patchwork identifies the tracker.  Credentials are only needed if you
// want results pushed back.
type Patchwork struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	PageSize int    `yaml:"page_size"`
}

// Runner describes one CI backend, a tagged union on Kind.
type Runner struct {
	Kind    string  `yaml:"kind"`
	URL     string  `yaml:"url"`
	Token   string  `yaml:"token"`
	Trigger Trigger `yaml:"trigger"`
}

// Trigger says how the runner's builds get kicked off.  Exactly one
// member must be set.
type Trigger struct {
	OnPush *OnPush `yaml:"on_push"`
	Manual *Manual `yaml:"manual"`
}

// OnPush means the remote CI reacts to branches we push to the named
// remote.
type OnPush struct {
	Remote string `yaml:"remote"`
}

type Manual struct {
	Data string `yaml:"data"`
}

// Parse loads, defaults and validates the configuration at path.
func Parse(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	var cfg Config
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Git.Workers == 0 {
		c.Git.Workers = 1
	}
	if c.Patchwork.PageSize == 0 {
		c.Patchwork.PageSize = 50
	}
	if c.Git.PublicKey == "" {
		c.Git.PublicKey = "~/.ssh/id_rsa.pub"
	}
	if c.Git.PrivateKey == "" {
		c.Git.PrivateKey = "~/.ssh/id_rsa"
	}
	var err error
	if c.Git.PublicKey, err = expandHome(c.Git.PublicKey); err != nil {
		return err
	}
	if c.Git.PrivateKey, err = expandHome(c.Git.PrivateKey); err != nil {
		return err
	}
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %q: %w", path, err)
	}
	return filepath.Join(home, path[2:]), nil
}

func (c *Config) validate() error {
	for key, value := range map[string]string{
		"name":        c.Name,
		"git.user":    c.Git.User,
		"git.repo":    c.Git.Repo,
		"git.workdir": c.Git.Workdir,
	} {
		if value == "" {
			return fmt.Errorf("config is missing required key %q", key)
		}
	}
	if c.Git.Workers < 1 {
		return fmt.Errorf("git.workers must be at least 1")
	}
	for _, key := range []string{c.Git.PublicKey, c.Git.PrivateKey} {
		f, err := os.Open(key)
		if err != nil {
			return fmt.Errorf("couldn't open SSH key: %w", err)
		}
		f.Close()
	}
	if _, err := url.Parse(c.Patchwork.URL); c.Patchwork.URL == "" || err != nil {
		return fmt.Errorf("couldn't parse patchwork URL %q", c.Patchwork.URL)
	}
	for i, runner := range c.Runners {
		if runner.Kind != "github" {
			return fmt.Errorf("runner %d has unknown kind %q", i, runner.Kind)
		}
		if runner.URL == "" {
			return fmt.Errorf("runner %d has no url", i)
		}
		onPush, manual := runner.Trigger.OnPush != nil, runner.Trigger.Manual != nil
		if onPush == manual {
			return fmt.Errorf("runner %d needs exactly one of on_push or manual", i)
		}
		if onPush && runner.Trigger.OnPush.Remote == "" {
			return fmt.Errorf("runner %d has an on_push trigger with no remote", i)
		}
	}
	return nil
}

// SeriesLinkPrefix is the web URL prefix a series id is appended to in
// commit messages.
func (c *Config) SeriesLinkPrefix() string {
	return strings.TrimRight(c.Patchwork.URL, "/") +
		"/project/" + c.Name + "/list/?series="
}

// Seed writes the config-derived scalar keys into the store, so worker
// callbacks can read credentials without holding config references.
func (c *Config) Seed(store *database.Store) error {
	tree := store.Tree(database.ConfigTree)
	for key, value := range map[string]string{
		"ssh user":            c.Git.User,
		"ssh public key path": c.Git.PublicKey,
		"ssh private key path": c.Git.PrivateKey,
		"series link prefix":  c.SeriesLinkPrefix(),
	} {
		if err := tree.Insert([]byte(key), []byte(value)); err != nil {
			return fmt.Errorf("seeding config keys: %w", err)
		}
	}
	return nil
}
