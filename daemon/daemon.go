// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package daemon implements bigcommd, the per-node broker through which
// the ranks of a job find each other. Each rank registers its listen
// address with the daemon; once every rank of the job has registered,
// the daemon hands the full address table to all of them. The daemon
// plays no part in a job's traffic after bootstrap.
package daemon

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/transport"
	"github.com/grailbio/bigcomm/wire"
	"golang.org/x/net/netutil"
)

// DefaultPort is the port on which daemons listen by default.
const DefaultPort = 4664

// DefaultRegisterTimeout is the default registration window of a
// session.
const DefaultRegisterTimeout = 30 * time.Second

// Config configures a daemon.
type Config struct {
	// Partition and Name are the daemon's identity. Both are required.
	Partition, Name string
	// Addr is the TCP address on which the daemon listens. It defaults
	// to ":4664".
	Addr string
	// RegisterTimeout bounds the time a session may take to fill.
	RegisterTimeout time.Duration
	// AdvertiseDir is the directory in which the daemon advertises
	// itself. It defaults to DefaultDir().
	AdvertiseDir string
	// NoAdvertise disables the advertisement.
	NoAdvertise bool
	// MaxConns limits the number of simultaneous client connections.
	// Zero means no limit.
	MaxConns int
}

// A Daemon serves job registrations for one identity.
type Daemon struct {
	config   Config
	registry *Registry

	mu         sync.Mutex
	listener   net.Listener
	addr       string
	started    time.Time
	advertised string
	// conns maps live connections to whether their request was read.
	conns    map[*transport.Conn]bool
	shutdown bool

	wg sync.WaitGroup
}

// New returns a new, unstarted daemon with the provided configuration.
func New(config Config) (*Daemon, error) {
	if !validName(config.Partition) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid partition %q", config.Partition))
	}
	if !validName(config.Name) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid daemon name %q", config.Name))
	}
	if config.Addr == "" {
		config.Addr = fmt.Sprintf(":%d", DefaultPort)
	}
	if config.RegisterTimeout <= 0 {
		config.RegisterTimeout = DefaultRegisterTimeout
	}
	if config.AdvertiseDir == "" {
		config.AdvertiseDir = DefaultDir()
	}
	d := &Daemon{
		config:   config,
		registry: NewRegistry(Identity{config.Partition, config.Name}, config.RegisterTimeout),
		conns:    make(map[*transport.Conn]bool),
	}
	daemonstats.Path(config.Partition, config.Name).Set("live", sessionVars{d.registry})
	return d, nil
}

// Identity returns the daemon's identity.
func (d *Daemon) Identity() Identity {
	return d.registry.id
}

// Registry returns the daemon's session registry.
func (d *Daemon) Registry() *Registry {
	return d.registry
}

// Addr returns the address at which clients may reach the daemon. It
// is empty until the daemon is started.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Start starts listening and serving registrations. Start returns once
// the daemon is listening and advertised.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener != nil || d.shutdown {
		return errors.E(errors.Precondition, "daemon already started")
	}
	l, err := transport.Listen(d.config.Addr)
	if err != nil {
		return err
	}
	if d.config.MaxConns > 0 {
		l = netutil.LimitListener(l, d.config.MaxConns)
	}
	d.listener = l
	d.addr = dialAddr(l.Addr())
	d.started = time.Now()
	if !d.config.NoAdvertise {
		d.advertised, err = Advertise(d.config.AdvertiseDir, Advertisement{
			Partition: d.config.Partition,
			Name:      d.config.Name,
			Addr:      d.addr,
			Pid:       os.Getpid(),
			Started:   d.started.Format(time.RFC3339),
		})
		if err != nil {
			l.Close()
			d.listener = nil
			return err
		}
	}
	d.wg.Add(1)
	go d.serve(l)
	log.Printf("daemon %s listening on %s", d.Identity(), l.Addr())
	return nil
}

func (d *Daemon) serve(l net.Listener) {
	defer d.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			d.mu.Lock()
			shutdown := d.shutdown
			d.mu.Unlock()
			if !shutdown {
				log.Error.Printf("daemon %s: accept: %v", d.Identity(), err)
			}
			return
		}
		c := transport.NewConn(conn)
		_ = c.SetDeadline(time.Now().Add(d.config.RegisterTimeout))
		d.mu.Lock()
		if d.shutdown {
			d.mu.Unlock()
			c.Close()
			return
		}
		d.conns[c] = false
		d.wg.Add(1)
		d.mu.Unlock()
		go func() {
			defer d.wg.Done()
			d.serveConn(c)
			d.mu.Lock()
			delete(d.conns, c)
			d.mu.Unlock()
		}()
	}
}

// serveConn handles a single registration: it reads the request,
// admits it into a session, and replies with RegisterPending followed
// by the sealed table or an error.
func (d *Daemon) serveConn(conn *transport.Conn) {
	defer conn.Close()
	stats := daemonstats.Path(d.config.Partition, d.config.Name)
	stats.Add("conns", 1)
	f, err := conn.ReadFrame()
	if err != nil {
		log.Error.Printf("daemon %s: %s: read registration: %v", d.Identity(), conn.RemoteAddr(), err)
		return
	}
	d.mu.Lock()
	d.conns[conn] = true
	d.mu.Unlock()
	_ = conn.SetDeadline(time.Time{})
	req, ok := f.(*wire.RegisterRequest)
	if !ok {
		d.reply(conn, wire.NewRegisterError(wire.Errorf(wire.InvalidRequest, "unexpected %s frame", f.Type())))
		return
	}
	sess, rank, err := d.registry.Register(req)
	if err != nil {
		log.Error.Printf("daemon %s: %s: registration rejected: %v", d.Identity(), conn.RemoteAddr(), err)
		d.reply(conn, wire.NewRegisterError(err))
		return
	}
	if !d.reply(conn, &wire.RegisterPending{JobID: sess.ID, Rank: rank, WorldSize: sess.WorldSize}) {
		return
	}
	<-sess.Wait(Sealed)
	if err := sess.Err(); err != nil {
		d.reply(conn, wire.NewRegisterError(err))
		return
	}
	if d.reply(conn, &wire.RegisterTable{JobID: sess.ID, Rank: rank, Addrs: sess.Table()}) {
		sess.Fetched(rank)
	}
}

// reply writes a best-effort reply to a registrant; failures are
// logged.
func (d *Daemon) reply(conn *transport.Conn, f wire.Frame) bool {
	_ = conn.SetDeadline(time.Now().Add(d.config.RegisterTimeout))
	if err := conn.WriteFrame(f); err != nil {
		log.Error.Printf("daemon %s: %s: write %s: %v", d.Identity(), conn.RemoteAddr(), f.Type(), err)
		return false
	}
	return true
}

// Shutdown stops the daemon: it stops accepting connections, fails
// pending registrations with DaemonShutdown, removes the advertisement,
// and waits for all connection handlers to return.
func (d *Daemon) Shutdown() {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return
	}
	d.shutdown = true
	if d.listener != nil {
		d.listener.Close()
	}
	advertised := d.advertised
	d.mu.Unlock()

	d.registry.Close()
	if advertised != "" {
		if err := os.Remove(advertised); err != nil && !os.IsNotExist(err) {
			log.Error.Printf("daemon %s: remove advertisement: %v", d.Identity(), err)
		}
	}
	// Registrants blocked in sessions were woken by the registry;
	// interrupt the ones still reading their request.
	d.mu.Lock()
	for c, read := range d.conns {
		if !read {
			_ = c.SetDeadline(time.Now())
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
	log.Printf("daemon %s shut down", d.Identity())
}
