// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package testsystem implements a bigcomm deployment that's useful
// for testing. Unlike a real deployment, testsystem.System does not
// require processes: the daemon and all of a job's ranks run inside of
// the same process.
package testsystem

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/grailbio/bigcomm"
	"github.com/grailbio/bigcomm/daemon"
	"golang.org/x/sync/errgroup"
)

// System is an in-process daemon together with the communicators of
// the jobs started on it. Systems should be instantiated with New().
type System struct {
	daemon *daemon.Daemon

	mu      sync.Mutex
	comms   []*bigcomm.Comm
	nextJob int
}

// New starts a new System whose daemon listens on a local port and
// uses the provided registration window. A zero window selects the
// daemon's default.
func New(registerTimeout time.Duration) (*System, error) {
	d, err := daemon.New(daemon.Config{
		Partition:       "test",
		Name:            fmt.Sprintf("testd%d", rand.Int()),
		Addr:            "localhost:0",
		RegisterTimeout: registerTimeout,
		NoAdvertise:     true,
	})
	if err != nil {
		return nil, err
	}
	if err := d.Start(); err != nil {
		return nil, err
	}
	return &System{daemon: d}, nil
}

// Daemon returns the system's daemon.
func (s *System) Daemon() *daemon.Daemon {
	return s.daemon
}

// Spec returns a job spec that bootstraps through the system's daemon.
func (s *System) Spec(job string, worldSize, rank int) bigcomm.JobSpec {
	id := s.daemon.Identity()
	return bigcomm.JobSpec{
		Partition:  id.Partition,
		Daemon:     id.Name,
		WorldSize:  worldSize,
		Rank:       rank,
		Job:        job,
		DaemonAddr: s.daemon.Addr(),
	}
}

// Start bootstraps a new job of n ranks, each of which runs in its own
// goroutine, and returns their communicators indexed by rank.
func (s *System) Start(ctx context.Context, n int, opts ...bigcomm.Option) ([]*bigcomm.Comm, error) {
	s.mu.Lock()
	job := fmt.Sprintf("job%d", s.nextJob)
	s.nextJob++
	s.mu.Unlock()
	opts = append([]bigcomm.Option{bigcomm.WithListenAddr("localhost:0")}, opts...)
	comms := make([]*bigcomm.Comm, n)
	g, ctx := errgroup.WithContext(ctx)
	for i := range comms {
		i := i
		g.Go(func() (err error) {
			comms[i], err = bigcomm.Init(ctx, s.Spec(job, n, i), opts...)
			return
		})
	}
	err := g.Wait()
	s.mu.Lock()
	for _, c := range comms {
		if c == nil {
			continue
		}
		if err != nil {
			c.Abort()
		} else {
			s.comms = append(s.comms, c)
		}
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return comms, nil
}

// Kill aborts the provided communicator, simulating the failure of its
// process.
func (s *System) Kill(c *bigcomm.Comm) {
	c.Abort()
}

// Finalize finalizes all of the provided communicators concurrently.
func Finalize(ctx context.Context, comms []*bigcomm.Comm) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range comms {
		c := c
		g.Go(func() error { return c.Finalize(ctx) })
	}
	return g.Wait()
}

// Shutdown aborts every communicator started by the system and shuts
// down its daemon.
func (s *System) Shutdown() {
	s.mu.Lock()
	comms := s.comms
	s.comms = nil
	s.mu.Unlock()
	for _, c := range comms {
		c.Abort()
	}
	s.daemon.Shutdown()
}
