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
// database.go - durable named work queues over an embedded store

// Package database implements the queue store every pipeline stage
// communicates through: named ordered byte-key/byte-value trees with
// atomic moves between trees and change subscription.  The store is the
// sole locus of shared mutable state in the whole program and is safe
// for concurrent use.
package database

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ConfigTree holds the scalar keys seeded from the configuration layer at
// startup, such as SSH key paths.  Worker callbacks read credentials from
// here so they don't need to hold configuration references.
const ConfigTree = "config"

type Store struct {
	db *sql.DB

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// Item is a single key/value entry of a tree.
type Item struct {
	Key   []byte
	Value []byte
}

// Open creates or reopens the store under dir.  The directory is created
// if missing.  Writes are serialized on a single connection; SQLite does
// that anyway.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database dir: %w", err)
	}
	path := filepath.Join(dir, "snowpatch.db")
	db, err := sql.Open("sqlite", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		`CREATE TABLE IF NOT EXISTS trees (
			tree TEXT NOT NULL,
			key BLOB NOT NULL,
			value BLOB NOT NULL,
			PRIMARY KEY (tree, key)
		)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialising database: %w", err)
		}
	}

	return &Store{db: db, waiters: map[string][]chan struct{}{}}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Tree returns a handle on the named tree.  Trees spring into existence
// on first use; an empty tree and a missing one are indistinguishable.
func (s *Store) Tree(name string) *Tree {
	return &Tree{store: s, name: name}
}

func (s *Store) subscribe(tree string) chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.waiters[tree] = append(s.waiters[tree], ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) unsubscribe(tree string, ch chan struct{}) {
	s.mu.Lock()
	ws := s.waiters[tree]
	for i, w := range ws {
		if w == ch {
			s.waiters[tree] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

func (s *Store) notify(tree string) {
	s.mu.Lock()
	for _, ch := range s.waiters[tree] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()
}

// Tree is a named ordered map inside the store.  Handles are cheap and
// any number of them may refer to the same tree.
type Tree struct {
	store *Store
	name  string
}

func (t *Tree) Name() string { return t.name }

func (t *Tree) Insert(key, value []byte) error {
	_, err := t.store.db.Exec(
		"INSERT OR REPLACE INTO trees (tree, key, value) VALUES (?, ?, ?)",
		t.name, key, value)
	if err != nil {
		return fmt.Errorf("insert into %q: %w", t.name, err)
	}
	t.store.notify(t.name)
	return nil
}

func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := t.store.db.QueryRow(
		"SELECT value FROM trees WHERE tree = ? AND key = ?",
		t.name, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get from %q: %w", t.name, err)
	}
	return value, true, nil
}

func (t *Tree) Has(key []byte) (bool, error) {
	_, ok, err := t.Get(key)
	return ok, err
}

func (t *Tree) Remove(key []byte) error {
	_, err := t.store.db.Exec(
		"DELETE FROM trees WHERE tree = ? AND key = ?", t.name, key)
	if err != nil {
		return fmt.Errorf("remove from %q: %w", t.name, err)
	}
	t.store.notify(t.name)
	return nil
}

func (t *Tree) Len() (int, error) {
	var n int
	err := t.store.db.QueryRow(
		"SELECT COUNT(*) FROM trees WHERE tree = ?", t.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %q: %w", t.name, err)
	}
	return n, nil
}

func (t *Tree) IsEmpty() (bool, error) {
	n, err := t.Len()
	return n == 0, err
}

// Items returns every entry of the tree in ascending key order.  Series
// id keys are big-endian, so this is oldest-first for work queues.
func (t *Tree) Items() ([]Item, error) {
	rows, err := t.store.db.Query(
		"SELECT key, value FROM trees WHERE tree = ? ORDER BY key ASC", t.name)
	if err != nil {
		return nil, fmt.Errorf("iterating %q: %w", t.name, err)
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.Key, &it.Value); err != nil {
			return nil, fmt.Errorf("iterating %q: %w", t.name, err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// MoveTo atomically transfers key from t to dst: both effects or neither.
// A missing key is an error, matching the failed-transaction behaviour
// the pipeline relies on for crash safety.
func (t *Tree) MoveTo(dst *Tree, key []byte) error {
	tx, err := t.store.db.Begin()
	if err != nil {
		return fmt.Errorf("move %q -> %q: %w", t.name, dst.name, err)
	}
	defer tx.Rollback()

	var value []byte
	err = tx.QueryRow(
		"SELECT value FROM trees WHERE tree = ? AND key = ?",
		t.name, key).Scan(&value)
	if err == sql.ErrNoRows {
		return fmt.Errorf("move %q -> %q: key not present", t.name, dst.name)
	}
	if err != nil {
		return fmt.Errorf("move %q -> %q: %w", t.name, dst.name, err)
	}
	if _, err := tx.Exec(
		"DELETE FROM trees WHERE tree = ? AND key = ?", t.name, key); err != nil {
		return fmt.Errorf("move %q -> %q: %w", t.name, dst.name, err)
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO trees (tree, key, value) VALUES (?, ?, ?)",
		dst.name, key, value); err != nil {
		return fmt.Errorf("move %q -> %q: %w", t.name, dst.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("move %q -> %q: %w", t.name, dst.name, err)
	}
	t.store.notify(t.name)
	t.store.notify(dst.name)
	return nil
}

// Wait does nothing until something on the tree changes.  The subscriber
// is registered before the emptiness check to avoid racing a concurrent
// insert.  Returns immediately if the tree already has entries.
func (t *Tree) Wait() {
	ch := t.store.subscribe(t.name)
	defer t.store.unsubscribe(t.name, ch)
	if empty, err := t.IsEmpty(); err != nil || !empty {
		return
	}
	<-ch
}

// WaitEmpty blocks until the tree has no entries.  Used by git workers
// treating their per-slot tree as a single-item mailbox.
func (t *Tree) WaitEmpty() {
	for {
		ch := t.store.subscribe(t.name)
		empty, err := t.IsEmpty()
		if err != nil || empty {
			t.store.unsubscribe(t.name, ch)
			return
		}
		<-ch
		t.store.unsubscribe(t.name, ch)
	}
}

// U64Key encodes a series id as a fixed 8-byte big-endian key, so byte
// order and numeric order agree.
func U64Key(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func KeyU64(key []byte) (uint64, error) {
	if len(key) != 8 {
		return 0, fmt.Errorf("key has %d bytes, want 8", len(key))
	}
	return binary.BigEndian.Uint64(key), nil
}
