// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package daemon

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/bigcomm/wire"
)

// State enumerates the possible states of a session. Session states
// proceed monotonically: they can only increase in value.
type State int32

const (
	// Open indicates that the session is accepting registrations.
	Open State = iota
	// Sealed indicates that every rank has registered, and the address
	// table is being handed out.
	Sealed
	// Retired indicates that the session is done: every rank fetched the
	// table, or the session timed out. Retired sessions are never
	// reused.
	Retired
)

// String returns a State's string.
func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case Sealed:
		return "SEALED"
	case Retired:
		return "RETIRED"
	default:
		panic(fmt.Sprintf("invalid session state %d", s))
	}
}

type stateWaiter struct {
	c     chan struct{}
	state State
}

// A Session is a single bootstrap of a job: it collects the address of
// every rank and then hands out the complete table. Sessions are
// created by the Registry.
type Session struct {
	// ID is the session's unique job id.
	ID string
	// Job is the job name under which the session was created.
	Job string
	// WorldSize is the number of ranks expected by the session.
	WorldSize int
	// Created is the time at which the session was created.
	Created time.Time

	timeout time.Duration
	// onSeal and onRetire are called, without the session lock held,
	// once the session reaches the respective state.
	onSeal, onRetire func(*Session)

	state int64

	mu       sync.Mutex
	err      error
	addrs    []string
	present  []bool
	fetched  []bool
	nreg     int
	nfetched int
	waiters  []stateWaiter
	timer    *time.Timer
}

func newSession(job string, worldSize int, timeout time.Duration, onSeal, onRetire func(*Session)) *Session {
	s := &Session{
		ID:        uuid.New().String(),
		Job:       job,
		WorldSize: worldSize,
		Created:   time.Now(),
		timeout:   timeout,
		onSeal:    onSeal,
		onRetire:  onRetire,
		addrs:     make([]string, worldSize),
		present:   make([]bool, worldSize),
		fetched:   make([]bool, worldSize),
	}
	s.mu.Lock()
	s.timer = time.AfterFunc(timeout, s.expire)
	s.mu.Unlock()
	return s
}

// errNotOpen is returned by add when the session stopped accepting
// registrations; the caller should retry with a fresh session.
var errNotOpen = fmt.Errorf("session not open")

// add registers the provided rank's address. If rank is wire.AnyRank,
// the lowest free rank is assigned. It returns the registered rank.
func (s *Session) add(rank int, addr string) (int, error) {
	s.mu.Lock()
	if s.State() != Open {
		s.mu.Unlock()
		return 0, errNotOpen
	}
	if rank == wire.AnyRank {
		for i, ok := range s.present {
			if !ok {
				rank = i
				break
			}
		}
	}
	if s.present[rank] {
		s.mu.Unlock()
		return 0, wire.Errorf(wire.DuplicateRank, "rank %d already registered in job %s", rank, s.ID)
	}
	s.present[rank] = true
	s.addrs[rank] = addr
	s.nreg++
	sealed := s.nreg == s.WorldSize
	if sealed {
		// Give stragglers one more window to fetch the table before the
		// session is discarded.
		s.timer.Stop()
		s.timer = time.AfterFunc(s.timeout, s.expire)
		s.setStateLocked(Sealed)
	}
	s.mu.Unlock()
	if sealed && s.onSeal != nil {
		s.onSeal(s)
	}
	return rank, nil
}

// expire is called when the session's window elapses. Open sessions
// fail with BootstrapTimeout; sealed sessions are retired.
func (s *Session) expire() {
	switch s.State() {
	case Open:
		s.retire(wire.Errorf(wire.BootstrapTimeout,
			"job %s: %d of %d ranks registered within %s", s.ID, s.Registered(), s.WorldSize, s.timeout))
	case Sealed:
		s.retire(nil)
	}
}

// Abort fails the session with the provided error, unless it has
// already sealed, in which case it is merely retired.
func (s *Session) Abort(err error) {
	if s.State() == Sealed {
		err = nil
	}
	s.retire(err)
}

func (s *Session) retire(err error) {
	s.mu.Lock()
	if s.State() == Retired {
		s.mu.Unlock()
		return
	}
	if err != nil && s.State() == Open {
		s.err = err
	}
	s.timer.Stop()
	s.setStateLocked(Retired)
	s.mu.Unlock()
	if s.onRetire != nil {
		s.onRetire(s)
	}
}

// Fetched records that the provided rank has received the address
// table. The session retires once every rank has fetched it.
func (s *Session) Fetched(rank int) {
	s.mu.Lock()
	if rank < 0 || rank >= s.WorldSize || s.fetched[rank] {
		s.mu.Unlock()
		return
	}
	s.fetched[rank] = true
	s.nfetched++
	done := s.nfetched == s.WorldSize
	s.mu.Unlock()
	if done {
		s.retire(nil)
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	return State(atomic.LoadInt64(&s.state))
}

// Wait returns a channel that is closed once the session reaches the
// provided state or greater.
func (s *Session) Wait(state State) <-chan struct{} {
	c := make(chan struct{})
	s.mu.Lock()
	if state <= s.State() {
		close(c)
	} else {
		s.waiters = append(s.waiters, stateWaiter{c, state})
	}
	s.mu.Unlock()
	return c
}

// setStateLocked sets the session's state and triggers waiters. It
// must be called with s.mu held.
func (s *Session) setStateLocked(state State) {
	ws := s.waiters
	s.waiters = nil
	for _, w := range ws {
		if w.state <= state {
			close(w.c)
		} else {
			s.waiters = append(s.waiters, w)
		}
	}
	atomic.StoreInt64(&s.state, int64(state))
}

// Err returns the error with which the session failed, if any. Err is
// only well-defined once the session has reached Sealed or Retired.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Table returns the session's rank to address table. Entries of ranks
// that have not registered are empty.
func (s *Session) Table() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.addrs...)
}

// Registered returns the number of registered ranks.
func (s *Session) Registered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nreg
}

// Missing returns the ranks that have yet to register, in ascending
// order.
func (s *Session) Missing() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var missing []int
	for rank, ok := range s.present {
		if !ok {
			missing = append(missing, rank)
		}
	}
	return missing
}
