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

package database

import (
	"bytes"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open errored: %s", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInsertGetRemove(t *testing.T) {
	store := openTestStore(t)
	tree := store.Tree("needs testing")

	if err := tree.Insert(U64Key(42), []byte("mbox url")); err != nil {
		t.Fatalf("Insert errored: %s", err)
	}
	value, ok, err := tree.Get(U64Key(42))
	if err != nil || !ok {
		t.Fatalf("Get didn't find the inserted key: %s", err)
	}
	if string(value) != "mbox url" {
		t.Errorf("Get returned wrong value: %q", value)
	}
	if ok, _ := tree.Has(U64Key(13)); ok {
		t.Errorf("Has found a key that was never inserted")
	}
	if err := tree.Remove(U64Key(42)); err != nil {
		t.Fatalf("Remove errored: %s", err)
	}
	if ok, _ := tree.Has(U64Key(42)); ok {
		t.Errorf("Remove left the key behind")
	}
}

func TestTreesAreIndependent(t *testing.T) {
	store := openTestStore(t)
	a := store.Tree("a")
	b := store.Tree("b")

	a.Insert([]byte("k"), []byte("v"))
	if ok, _ := b.Has([]byte("k")); ok {
		t.Errorf("key inserted into tree a is visible in tree b")
	}
}

func TestItemsOrderedByKey(t *testing.T) {
	store := openTestStore(t)
	tree := store.Tree("ordered")

	for _, id := range []uint64{300, 5, 1000, 42} {
		if err := tree.Insert(U64Key(id), []byte("x")); err != nil {
			t.Fatalf("Insert errored: %s", err)
		}
	}
	items, err := tree.Items()
	if err != nil {
		t.Fatalf("Items errored: %s", err)
	}
	want := []uint64{5, 42, 300, 1000}
	if len(items) != len(want) {
		t.Fatalf("Items returned %d entries, want %d", len(items), len(want))
	}
	for i, item := range items {
		id, err := KeyU64(item.Key)
		if err != nil {
			t.Fatalf("KeyU64 errored: %s", err)
		}
		if id != want[i] {
			t.Errorf("item %d has id %d, want %d", i, id, want[i])
		}
	}
}

func TestMoveToIsAtomic(t *testing.T) {
	store := openTestStore(t)
	src := store.Tree("awaiting git worker")
	dst := store.Tree("git worker 0")

	src.Insert(U64Key(13675), []byte("mbox"))
	if err := src.MoveTo(dst, U64Key(13675)); err != nil {
		t.Fatalf("MoveTo errored: %s", err)
	}
	// The key must be present in exactly one tree.
	if ok, _ := src.Has(U64Key(13675)); ok {
		t.Errorf("key still present in source tree after move")
	}
	value, ok, _ := dst.Get(U64Key(13675))
	if !ok {
		t.Fatalf("key missing from destination tree after move")
	}
	if !bytes.Equal(value, []byte("mbox")) {
		t.Errorf("move changed the value: %q", value)
	}
}

func TestMoveToMissingKey(t *testing.T) {
	store := openTestStore(t)
	src := store.Tree("a")
	dst := store.Tree("b")

	if err := src.MoveTo(dst, U64Key(1)); err == nil {
		t.Errorf("MoveTo of an absent key didn't error")
	}
	if ok, _ := dst.Has(U64Key(1)); ok {
		t.Errorf("failed move still inserted into destination")
	}
}

func TestWaitReturnsWhenNotEmpty(t *testing.T) {
	store := openTestStore(t)
	tree := store.Tree("queue")
	tree.Insert([]byte("k"), []byte("v"))

	done := make(chan struct{})
	go func() {
		tree.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Wait blocked on a non-empty tree")
	}
}

func TestWaitWakesOnInsert(t *testing.T) {
	store := openTestStore(t)
	tree := store.Tree("queue")

	done := make(chan struct{})
	go func() {
		tree.Wait()
		close(done)
	}()
	// Give the waiter a moment to subscribe, then write.
	time.Sleep(50 * time.Millisecond)
	tree.Insert([]byte("k"), []byte("v"))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Wait didn't wake on insert")
	}
}

func TestWaitEmpty(t *testing.T) {
	store := openTestStore(t)
	tree := store.Tree("git worker 0")
	tree.Insert([]byte("k"), []byte("v"))

	done := make(chan struct{})
	go func() {
		tree.WaitEmpty()
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatalf("WaitEmpty returned while the mailbox still had an entry")
	default:
	}
	tree.Remove([]byte("k"))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("WaitEmpty didn't wake when the mailbox drained")
	}
}

func TestKeyRoundTrip(t *testing.T) {
	for _, id := range []uint64{0, 1, 13675, 1<<63 + 7} {
		got, err := KeyU64(U64Key(id))
		if err != nil {
			t.Fatalf("KeyU64 errored: %s", err)
		}
		if got != id {
			t.Errorf("round trip of %d gave %d", id, got)
		}
	}
	if _, err := KeyU64([]byte("short")); err == nil {
		t.Errorf("KeyU64 accepted a short key")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open errored: %s", err)
	}
	store.Tree("seen by watchcat").Insert(U64Key(99), []byte("hello"))
	store.Close()

	store, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen errored: %s", err)
	}
	defer store.Close()
	if ok, _ := store.Tree("seen by watchcat").Has(U64Key(99)); !ok {
		t.Errorf("key didn't survive a store reopen")
	}
}
