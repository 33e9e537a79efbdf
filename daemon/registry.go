// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package daemon

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/internal/stats"
	"github.com/grailbio/bigcomm/wire"
)

// Identity names a daemon: the partition it serves and its name within
// the partition.
type Identity struct {
	Partition string
	Name      string
}

// String returns the identity as "partition/name".
func (id Identity) String() string {
	return id.Partition + "/" + id.Name
}

// Registry is the daemon's arena of sessions. Registrations for
// different jobs proceed independently: the registry lock guards only
// the arena maps, and each session serializes its own mutations.
type Registry struct {
	id      Identity
	timeout time.Duration
	stats   *stats.Tree

	mu       sync.Mutex
	closed   bool
	sessions map[string]*Session
	// open indexes the currently open session by job name.
	open map[string]*Session
}

// NewRegistry returns a new registry for the daemon with the provided
// identity. Sessions that do not fill within the provided timeout fail
// with BootstrapTimeout.
func NewRegistry(id Identity, timeout time.Duration) *Registry {
	return &Registry{
		id:       id,
		timeout:  timeout,
		stats:    daemonstats.Path(id.Partition, id.Name),
		sessions: make(map[string]*Session),
		open:     make(map[string]*Session),
	}
}

// Register admits the rank described by the request into a session.
// The registration joins the open session for the request's job name;
// if there is none, a fresh session is created. It returns the session
// and the registered rank.
func (r *Registry) Register(req *wire.RegisterRequest) (*Session, int, error) {
	sess, rank, err := r.register(req)
	r.stats.Add("registrations", 1)
	if err != nil {
		r.stats.Path("errors").Add(wire.CodeOf(err).String(), 1)
	}
	return sess, rank, err
}

func (r *Registry) register(req *wire.RegisterRequest) (*Session, int, error) {
	if req.Partition != r.id.Partition || req.Daemon != r.id.Name {
		return nil, 0, wire.Errorf(wire.MisroutedRegistration,
			"registration for %s/%s received by %s", req.Partition, req.Daemon, r.id)
	}
	if req.WorldSize < 1 {
		return nil, 0, wire.Errorf(wire.InvalidRequest, "invalid world size %d", req.WorldSize)
	}
	if req.Rank != wire.AnyRank && (req.Rank < 0 || req.Rank >= req.WorldSize) {
		return nil, 0, wire.Errorf(wire.UnknownRank, "rank %d out of range [0, %d)", req.Rank, req.WorldSize)
	}
	if req.Addr == "" {
		return nil, 0, wire.E(wire.InvalidRequest, "missing listen address")
	}
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, 0, wire.E(wire.DaemonShutdown, "daemon "+r.id.String()+" is shutting down")
		}
		sess := r.open[req.Job]
		if sess == nil || sess.State() != Open {
			sess = newSession(req.Job, req.WorldSize, r.timeout, r.sealed, r.retired)
			r.sessions[sess.ID] = sess
			r.open[req.Job] = sess
			r.stats.Path("sessions").Add("created", 1)
			log.Printf("%s: job %q: new session %s with world size %d", r.id, req.Job, sess.ID, sess.WorldSize)
		}
		r.mu.Unlock()
		if sess.WorldSize != req.WorldSize {
			return nil, 0, wire.Errorf(wire.WorldSizeMismatch,
				"job %q: world size %d does not match open session %s with world size %d",
				req.Job, req.WorldSize, sess.ID, sess.WorldSize)
		}
		rank, err := sess.add(req.Rank, req.Addr)
		if err == errNotOpen {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		if log.At(log.Debug) {
			log.Debug.Printf("%s: session %s: rank %d registered at %s", r.id, sess.ID, rank, req.Addr)
		}
		return sess, rank, nil
	}
}

func (r *Registry) sealed(sess *Session) {
	r.mu.Lock()
	if r.open[sess.Job] == sess {
		delete(r.open, sess.Job)
	}
	r.mu.Unlock()
	r.stats.Path("sessions").Add("sealed", 1)
	log.Printf("%s: session %s sealed after %s", r.id, sess.ID, time.Since(sess.Created))
}

func (r *Registry) retired(sess *Session) {
	r.mu.Lock()
	delete(r.sessions, sess.ID)
	if r.open[sess.Job] == sess {
		delete(r.open, sess.Job)
	}
	r.mu.Unlock()
	if err := sess.Err(); err != nil {
		r.stats.Path("sessions").Add("failed", 1)
		log.Error.Printf("%s: session %s failed: %v", r.id, sess.ID, err)
		return
	}
	r.stats.Path("sessions").Add("retired", 1)
	if log.At(log.Debug) {
		log.Debug.Printf("%s: session %s retired", r.id, sess.ID)
	}
}

// Session returns the live session with the provided job id.
func (r *Registry) Session(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Sessions returns the registry's live sessions, oldest first.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].Created.Equal(sessions[j].Created) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].Created.Before(sessions[j].Created)
	})
	return sessions
}

// Close stops the registry from accepting registrations and fails every
// open session with DaemonShutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()
	err := wire.E(wire.DaemonShutdown, fmt.Sprintf("daemon %s shut down", r.id))
	for _, sess := range sessions {
		sess.Abort(err)
	}
}
