// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"context"
	"sync"

	"github.com/grailbio/bigcomm/wire"
)

// A mailbox holds the messages received by a communicator until they
// are matched by a receive. Messages are matched in arrival order, so
// that messages from a single source are received in the order in
// which they were sent.
type mailbox struct {
	rank, size int

	mu      sync.Mutex
	queue   []Envelope
	waiters []*waiter
	// closed[rank] is set once the channel to rank is torn down.
	closed  []error
	nclosed int
}

type result struct {
	env Envelope
	err error
}

// A waiter is a pending receive.
type waiter struct {
	source, tag int
	c           chan result
}

func (w *waiter) matches(env Envelope) bool {
	return match(w.source, w.tag, env)
}

// match tells whether the envelope matches the provided source and
// tag. AnyTag matches only user (non-negative) tags.
func match(source, tag int, env Envelope) bool {
	if source != AnySource && source != env.Source {
		return false
	}
	if tag == AnyTag {
		return env.Tag >= 0
	}
	return tag == env.Tag
}

func newMailbox(rank, size int) *mailbox {
	return &mailbox{
		rank:   rank,
		size:   size,
		closed: make([]error, size),
	}
}

// deliver adds a received message to the mailbox, handing it directly
// to the oldest matching waiter if there is one.
func (m *mailbox) deliver(env Envelope) {
	m.mu.Lock()
	for i, w := range m.waiters {
		if w.matches(env) {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			m.mu.Unlock()
			w.c <- result{env: env}
			return
		}
	}
	m.queue = append(m.queue, env)
	m.mu.Unlock()
}

// takeLocked removes and returns the oldest queued message matching
// source and tag. It must be called with m.mu held.
func (m *mailbox) takeLocked(source, tag int) (Envelope, bool) {
	for i, env := range m.queue {
		if match(source, tag, env) {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return env, true
		}
	}
	return Envelope{}, false
}

// errLocked returns the error with which a receive from source fails
// when no message is queued, or nil if the receive may still be
// satisfied. It must be called with m.mu held.
func (m *mailbox) errLocked(source int) error {
	switch {
	case source == m.rank:
		return nil
	case source == AnySource:
		if m.size > 1 && m.nclosed == m.size-1 {
			return wire.E(wire.ChannelClosed, "all peer channels are closed")
		}
		return nil
	default:
		return m.closed[source]
	}
}

func (m *mailbox) tryReceive(source, tag int) (Envelope, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if env, ok := m.takeLocked(source, tag); ok {
		return env, true, nil
	}
	return Envelope{}, false, m.errLocked(source)
}

func (m *mailbox) receive(ctx context.Context, source, tag int) (Envelope, error) {
	m.mu.Lock()
	if env, ok := m.takeLocked(source, tag); ok {
		m.mu.Unlock()
		return env, nil
	}
	if err := m.errLocked(source); err != nil {
		m.mu.Unlock()
		return Envelope{}, err
	}
	w := &waiter{source: source, tag: tag, c: make(chan result, 1)}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	select {
	case r := <-w.c:
		return r.env, r.err
	case <-ctx.Done():
	}
	m.mu.Lock()
	for i := range m.waiters {
		if m.waiters[i] == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			m.mu.Unlock()
			return Envelope{}, ctx.Err()
		}
	}
	m.mu.Unlock()
	// A message was handed to the waiter concurrently with the
	// cancelation; it is not lost.
	r := <-w.c
	return r.env, r.err
}

// closeSource marks the channel to the provided rank closed. Pending
// receives that can no longer be satisfied fail with the provided
// error.
func (m *mailbox) closeSource(rank int, err error) {
	m.mu.Lock()
	if m.closed[rank] != nil {
		m.mu.Unlock()
		return
	}
	m.closed[rank] = err
	m.nclosed++
	waiters := m.waiters
	m.waiters = nil
	for _, w := range waiters {
		if werr := m.errLocked(w.source); werr != nil {
			w.c <- result{err: werr}
		} else {
			m.waiters = append(m.waiters, w)
		}
	}
	m.mu.Unlock()
}

// len returns the number of queued messages.
func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
