// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

const (
	mutexLock uint8 = iota + 1
	mutexUnlock
)

// A Mutex is a lock shared by all ranks of a job, guarding a shared
// value. The lock is hosted by rank 0, which grants it in the order in
// which requests arrive.
type Mutex struct {
	comm *Comm
	id   int
	name string

	mu      sync.Mutex
	locked  bool
	pending bool
}

// NewMutex creates a new mutex with the provided name and initial
// value. NewMutex is collective: every rank must create the job's
// mutexes in the same order.
func (c *Comm) NewMutex(ctx context.Context, name string, initial []byte) (*Mutex, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	id := c.nextMutex
	c.nextMutex++
	if c.rank == 0 {
		if c.mutexes == nil {
			svcCtx, cancel := context.WithCancel(context.Background())
			c.mutexes = &mutexService{comm: c, states: make(map[int]*mutexState)}
			c.cancelSvcs = cancel
			go c.mutexes.serve(svcCtx)
		}
		c.mutexes.create(id, name, initial)
	}
	c.mu.Unlock()
	// Make sure the mutex exists at rank 0 before any rank uses it.
	if err := c.Barrier(ctx); err != nil {
		return nil, errors.E(fmt.Sprintf("create mutex %s", name), err)
	}
	return &Mutex{comm: c, id: id, name: name}, nil
}

// Name returns the mutex's name.
func (m *Mutex) Name() string { return m.name }

// Lock acquires the mutex, blocking until it is granted, and returns the
// value stored by the last holder. Lock is not reentrant.
func (m *Mutex) Lock(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	if m.locked || m.pending {
		m.mu.Unlock()
		return nil, errors.E(errors.Precondition, fmt.Sprintf("mutex %s already held", m.name))
	}
	m.pending = true
	m.mu.Unlock()
	value, err := m.lock(ctx)
	m.mu.Lock()
	m.pending = false
	m.locked = err == nil
	m.mu.Unlock()
	return value, err
}

func (m *Mutex) lock(ctx context.Context) ([]byte, error) {
	if err := m.comm.send(ctx, 0, tagMutex, mutexRequest(mutexLock, m.id, nil)); err != nil {
		return nil, err
	}
	// Once issued, a request cannot be withdrawn; if the context is
	// canceled, the grant is never consumed and the mutex is wedged.
	env, err := m.comm.receive(ctx, 0, tagMutexGrant-m.id)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("lock mutex %s", m.name), err)
	}
	return env.Payload, nil
}

// Unlock stores the provided value and releases the mutex.
func (m *Mutex) Unlock(ctx context.Context, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked {
		return errors.E(errors.Precondition, fmt.Sprintf("mutex %s not held", m.name))
	}
	if err := m.comm.send(ctx, 0, tagMutex, mutexRequest(mutexUnlock, m.id, value)); err != nil {
		return err
	}
	m.locked = false
	return nil
}

func mutexRequest(op uint8, id int, value []byte) []byte {
	b := make([]byte, 5+len(value))
	b[0] = op
	binary.BigEndian.PutUint32(b[1:5], uint32(id))
	copy(b[5:], value)
	return b
}

type mutexState struct {
	name   string
	value  []byte
	holder int
	queue  []int
}

// mutexService runs on rank 0 and serves the job's mutexes.
type mutexService struct {
	comm *Comm

	mu     sync.Mutex
	states map[int]*mutexState
}

func (s *mutexService) create(id int, name string, initial []byte) {
	s.mu.Lock()
	s.states[id] = &mutexState{name: name, value: append([]byte(nil), initial...), holder: -1}
	s.mu.Unlock()
}

func (s *mutexService) serve(ctx context.Context) {
	for {
		env, err := s.comm.receive(ctx, AnySource, tagMutex)
		if err != nil {
			if ctx.Err() == nil && s.comm.check() == nil {
				log.Error.Printf("%s: mutex service: %v", s.comm, err)
			}
			return
		}
		if err := s.handle(ctx, env); err != nil {
			log.Error.Printf("%s: mutex service: request from rank %d: %v", s.comm, env.Source, err)
		}
	}
}

func (s *mutexService) handle(ctx context.Context, env Envelope) error {
	if len(env.Payload) < 5 {
		return errors.E(errors.Invalid, "short mutex request")
	}
	op, id := env.Payload[0], int(binary.BigEndian.Uint32(env.Payload[1:5]))
	s.mu.Lock()
	state := s.states[id]
	if state == nil {
		s.mu.Unlock()
		return errors.E(errors.NotExist, fmt.Sprintf("no mutex %d", id))
	}
	switch op {
	case mutexLock:
		state.queue = append(state.queue, env.Source)
	case mutexUnlock:
		if state.holder != env.Source {
			s.mu.Unlock()
			return errors.E(errors.Precondition, fmt.Sprintf("mutex %s released by rank %d, held by %d", state.name, env.Source, state.holder))
		}
		state.value = append([]byte(nil), env.Payload[5:]...)
		state.holder = -1
	default:
		s.mu.Unlock()
		return errors.E(errors.Invalid, fmt.Sprintf("invalid mutex op %d", op))
	}
	if state.holder >= 0 || len(state.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	state.holder, state.queue = state.queue[0], state.queue[1:]
	holder, value := state.holder, state.value
	s.mu.Unlock()
	if log.At(log.Debug) {
		log.Debug.Printf("%s: mutex %s granted to rank %d", s.comm, state.name, holder)
	}
	return s.comm.send(ctx, holder, tagMutexGrant-id, value)
}
