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
// snowpatch.go - wires the pipeline together and runs it

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruscur/snowpatch/config"
	"github.com/ruscur/snowpatch/database"
	"github.com/ruscur/snowpatch/dispatch"
	"github.com/ruscur/snowpatch/git"
	"github.com/ruscur/snowpatch/patchwork"
	"github.com/ruscur/snowpatch/runner"
	"github.com/ruscur/snowpatch/watchcat"
)

var (
	configPath string
	dbPath     string
)

func componentLogger(name string) *log.Logger {
	return log.New(os.Stdout, "["+name+"] ", log.LstdFlags)
}

func main() {
	flag.StringVar(&configPath, "config", "snowpatch.yaml", "Path to the configuration file")
	flag.StringVar(&dbPath, "database", "./database", "Path to the state database")
	flag.Parse()

	logger := componentLogger("snowpatch")

	cfg, err := config.Parse(configPath)
	if err != nil {
		logger.Fatal(err)
	}
	store, err := database.Open(dbPath)
	if err != nil {
		logger.Fatal(err)
	}
	defer store.Close()
	if err := cfg.Seed(store); err != nil {
		logger.Fatal(err)
	}

	httpClient := &http.Client{}
	client, err := patchwork.NewClient(cfg.Patchwork.URL, cfg.Patchwork.Token,
		httpClient, cfg.Patchwork.PageSize, componentLogger("patchwork"))
	if err != nil {
		logger.Fatal(err)
	}

	runnerLogger := componentLogger("runner")
	runners, err := runner.Init(cfg.Runners, store, httpClient, runnerLogger)
	if err != nil {
		logger.Fatal(err)
	}
	handles := make([]string, 0, len(runners))
	for _, r := range runners {
		handles = append(handles, r.Handle())
	}

	engine, err := git.NewEngine(cfg.Git.Repo, cfg.Git.Workdir, cfg.Git.Workers,
		handles, store, client, httpClient, componentLogger("git"))
	if err != nil {
		logger.Fatal(err)
	}
	if err := engine.InitWorktrees(); err != nil {
		logger.Fatal(err)
	}
	if err := engine.Recover(); err != nil {
		logger.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.StartWorkers(ctx)
	go engine.Run(ctx)
	go watchcat.New(cfg.Name, client, store, componentLogger("watchcat")).Run(ctx)

	for _, r := range runners {
		// A restart orphans anything mid-test; give those branches
		// their completion waiters back before watching for new work.
		working, err := store.Tree(r.Handle() + " working").Items()
		if err != nil {
			logger.Fatal(err)
		}
		for _, item := range working {
			id, err := database.KeyU64(item.Key)
			if err != nil {
				logger.Printf("Ignoring malformed working entry %x", item.Key)
				continue
			}
			go runner.WaitForCompletion(ctx, r, store, runnerLogger, id)
		}
		go runner.Watch(ctx, r, store, runnerLogger)
	}

	go dispatch.New(store, client, componentLogger("dispatch")).Run(ctx)

	logger.Printf("snowpatch %s is up, watching %s", patchwork.Version, cfg.Name)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Println("Shutting down")
}
