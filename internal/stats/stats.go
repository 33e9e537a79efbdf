// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats maintains trees of expvars used to export operation
// statistics from bigcomm daemons and communicators.
package stats

import (
	"expvar"
	"sync"
	"time"
)

// A Tree represents a tree of expvars.
type Tree struct {
	expvar.Map
	mu sync.Mutex
}

// Publish creates a new tree and publishes it under the provided
// expvar name. If a tree is already published under the name, it is
// returned instead.
func Publish(name string) *Tree {
	publishMu.Lock()
	defer publishMu.Unlock()
	if t, ok := expvar.Get(name).(*Tree); ok {
		return t
	}
	t := new(Tree)
	expvar.Publish(name, t)
	return t
}

var publishMu sync.Mutex

// Path returns the tree with the provided path.
func (t *Tree) Path(names ...string) *Tree {
	child := t
	for _, name := range names {
		child = child.Child(name)
	}
	return child
}

// Child returns the tree's child with the given path,
// creating one if it does not yet exist.
func (t *Tree) Child(name string) *Tree {
	child, ok := t.Map.Get(name).(*Tree)
	if child != nil && ok {
		return child
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	child, ok = t.Map.Get(name).(*Tree)
	if child != nil && ok {
		return child
	}
	child = new(Tree)
	t.Map.Set(name, child)
	return child
}

// Int returns the current value of the integer at the provided path,
// or 0 if there is none.
func (t *Tree) Int(path ...string) int64 {
	path, name := path[:len(path)-1], path[len(path)-1]
	if iv, ok := t.Path(path...).Get(name).(*expvar.Int); ok {
		return iv.Value()
	}
	return 0
}

// Start starts an operation stat for the provided op, and optionally
// peer. It returns a function that records the status, size, and
// latency of the operation. The caller must run the function after the
// operation finishes. Arg n reports the payload size; it may be -1 if
// it is unknown.
func (t *Tree) Start(peer, op string) (done func(n int64, err error)) {
	t.Path("op", op).Add("count", 1)
	if peer != "" {
		t.Path("peer", peer, "op", op).Add("count", 1)
	}
	now := time.Now()
	return func(n int64, err error) {
		elapsed := time.Since(now).Nanoseconds() / 1e6
		t.Path("op", op).Add("time", elapsed)
		if n > 0 {
			t.Path("op", op).Add("bytes", n)
			t.Max(n, "op", op, "maxbytes")
		}
		if err != nil {
			t.Path("op", op).Add("errors", 1)
		}
		t.Max(elapsed, "op", op, "maxtime")

		if peer != "" {
			t.Path("peer", peer, "op", op).Add("time", elapsed)
			if n > 0 {
				t.Path("peer", peer, "op", op).Add("bytes", n)
			}
			t.Max(elapsed, "peer", peer, "op", op, "maxtime")
		}
	}
}

// Max sets the integer at the provided path to val if val is larger
// than its current value.
func (t *Tree) Max(val int64, path ...string) {
	path, name := path[:len(path)-1], path[len(path)-1]
	t.Path(path...).Add(name, 0)
	if iv, ok := t.Path(path...).Get(name).(*expvar.Int); ok {
		if val > iv.Value() {
			iv.Set(val)
		}
	}
}
