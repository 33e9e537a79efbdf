// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/daemon"
	"github.com/grailbio/bigcomm/internal/netif"
	"github.com/grailbio/bigcomm/transport"
	"github.com/grailbio/bigcomm/wire"
	"golang.org/x/sync/errgroup"
)

// Init bootstraps the process into the job described by spec and
// returns its communicator. Init registers with the job's daemon,
// waits for every rank of the job to register, and then connects to
// every other rank: each rank dials the ranks above it and accepts
// connections from the ranks below it. Init fails if the full mesh
// cannot be formed; bootstrap is never retried.
func Init(ctx context.Context, spec JobSpec, opts ...Option) (*Comm, error) {
	c := newComm(spec, opts...)
	if spec.WorldSize < 1 {
		return nil, wire.Errorf(wire.InvalidRequest, "invalid world size %d", spec.WorldSize)
	}
	if spec.Rank != AnyRank && (spec.Rank < 0 || spec.Rank >= spec.WorldSize) {
		return nil, wire.Errorf(wire.UnknownRank, "rank %d out of range [0, %d)", spec.Rank, spec.WorldSize)
	}
	daemonAddr, err := c.daemonAddr()
	if err != nil {
		return nil, err
	}
	regCtx, cancel := context.WithTimeout(ctx, c.registerTimeout)
	defer cancel()
	conn, err := transport.Dial(regCtx, daemonAddr)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("dial daemon %s/%s at %s", spec.Partition, spec.Daemon, daemonAddr), err)
	}
	defer conn.Close()
	l, addr, err := c.listen(conn.LocalAddr())
	if err != nil {
		return nil, err
	}
	defer l.Close()
	addrs, err := c.register(regCtx, conn, addr)
	if err != nil {
		return nil, err
	}
	conn.Close()
	c.size = len(addrs)
	c.stats = commstats.Path(c.jobID, strconv.Itoa(c.rank))
	c.mailbox = newMailbox(c.rank, c.size)
	log.Printf("%s: registered at %s; connecting to %d peers", c, addr, c.size-1)

	conns, err := c.connect(ctx, l, addrs)
	if err != nil {
		return nil, err
	}
	c.peers = make([]*peer, c.size)
	for rank, conn := range conns {
		if rank == c.rank {
			continue
		}
		c.peers[rank] = newPeer(c, rank, conn)
		c.peers[rank].start()
	}
	log.Printf("%s: bootstrap complete", c)
	return c, nil
}

func (c *Comm) daemonAddr() (string, error) {
	if c.spec.DaemonAddr != "" {
		return c.spec.DaemonAddr, nil
	}
	ad, err := daemon.Lookup(c.advertiseDir, daemon.Identity{Partition: c.spec.Partition, Name: c.spec.Daemon})
	if err != nil {
		return "", err
	}
	return ad.Addr, nil
}

// listen binds the listener on which peers connect to this process.
// The listener is bound on the interface named by the spec, or else
// the one used to reach the daemon. It returns the listener together
// with the address advertised to peers.
func (c *Comm) listen(local net.Addr) (net.Listener, string, error) {
	var ip net.IP
	if tcp, ok := local.(*net.TCPAddr); ok {
		ip = tcp.IP
	}
	listenAddr := c.listenAddr
	if listenAddr == "" {
		if c.spec.Interface != "" {
			var err error
			ip, err = netif.Addr(c.spec.Interface)
			if err != nil {
				return nil, "", err
			}
		}
		if ip == nil {
			return nil, "", errors.E(errors.Invalid, fmt.Sprintf("cannot determine listen address from %s", local))
		}
		listenAddr = net.JoinHostPort(ip.String(), "0")
	}
	l, err := transport.Listen(listenAddr)
	if err != nil {
		return nil, "", err
	}
	addr := l.Addr().(*net.TCPAddr)
	if addr.IP.IsUnspecified() && ip != nil {
		return l, net.JoinHostPort(ip.String(), strconv.Itoa(addr.Port)), nil
	}
	return l, addr.String(), nil
}

// register sends the registration request to the daemon and waits for
// the job's address table.
func (c *Comm) register(ctx context.Context, conn *transport.Conn, addr string) ([]string, error) {
	req := &wire.RegisterRequest{
		Partition: c.spec.Partition,
		Daemon:    c.spec.Daemon,
		Job:       c.spec.Job,
		WorldSize: c.spec.WorldSize,
		Rank:      c.spec.Rank,
		Addr:      addr,
	}
	stop := conn.Interrupt(ctx)
	defer stop()
	if err := conn.WriteFrame(req); err != nil {
		return nil, errors.E("register", err)
	}
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil, wire.Errorf(wire.BootstrapTimeout,
					"job %s: address table not received within %s", c.spec.Job, c.registerTimeout)
			}
			return nil, errors.E("register", err)
		}
		switch f := f.(type) {
		case *wire.RegisterPending:
			c.jobID, c.rank = f.JobID, f.Rank
			if log.At(log.Debug) {
				log.Debug.Printf("registered as rank %d of job %s; waiting for peers", f.Rank, f.JobID)
			}
		case *wire.RegisterTable:
			if f.JobID != c.jobID || f.Rank != c.rank {
				return nil, wire.Errorf(wire.InvalidRequest,
					"received table for %s[%d], expected %s[%d]", f.JobID, f.Rank, c.jobID, c.rank)
			}
			if len(f.Addrs) != c.spec.WorldSize || f.Addrs[c.rank] != addr {
				return nil, wire.Errorf(wire.InvalidRequest, "job %s: inconsistent address table %v", f.JobID, f.Addrs)
			}
			return f.Addrs, nil
		case *wire.RegisterError:
			return nil, f.Err()
		default:
			return nil, wire.Errorf(wire.InvalidRequest, "unexpected %s frame from daemon", f.Type())
		}
	}
}

// connect forms the peer mesh. It returns one connection for every rank
// except the communicator's own.
func (c *Comm) connect(ctx context.Context, l net.Listener, addrs []string) (conns []*transport.Conn, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.peerTimeout)
	defer cancel()
	conns = make([]*transport.Conn, c.size)
	defer func() {
		if err == nil {
			return
		}
		for _, conn := range conns {
			if conn != nil {
				conn.Close()
			}
		}
		if wire.CodeOf(err) == wire.OK {
			err = wire.Errorf(wire.PeerConnectFailure, "%s: %v", c, err)
		}
	}()
	g, ctx := errgroup.WithContext(ctx)
	for rank := c.rank + 1; rank < c.size; rank++ {
		rank := rank
		g.Go(func() error {
			conn, err := transport.Dial(ctx, addrs[rank])
			if err != nil {
				return err
			}
			conns[rank] = conn
			if err := c.hello(ctx, conn, rank); err != nil {
				return errors.E(fmt.Sprintf("rank %d at %s", rank, addrs[rank]), err)
			}
			return nil
		})
	}
	if c.rank > 0 {
		g.Go(func() error { return c.accept(ctx, l, conns) })
	}
	return conns, g.Wait()
}

// hello exchanges Hello frames on a connection dialed to the provided
// rank.
func (c *Comm) hello(ctx context.Context, conn *transport.Conn, rank int) error {
	stop := conn.Interrupt(ctx)
	if err := conn.WriteFrame(&wire.Hello{JobID: c.jobID, Rank: c.rank}); err != nil {
		stop()
		return err
	}
	f, err := conn.ReadFrame()
	if cerr := stop(); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}
	hello, ok := f.(*wire.Hello)
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("unexpected %s frame", f.Type()))
	}
	if hello.JobID != c.jobID || hello.Rank != rank {
		return errors.E(errors.Invalid, fmt.Sprintf("connected to %s[%d], expected %s[%d]", hello.JobID, hello.Rank, c.jobID, rank))
	}
	return nil
}

// accept accepts one connection from every rank below the
// communicator's. Connections that do not belong to the job are
// dropped.
func (c *Comm) accept(ctx context.Context, l net.Listener, conns []*transport.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-stop:
		}
	}()
	for n := 0; n < c.rank; {
		nc, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return errors.E(fmt.Sprintf("accepted %d of %d peers", n, c.rank), ctx.Err())
			}
			return err
		}
		conn := transport.NewConn(nc)
		_ = conn.SetDeadline(time.Now().Add(c.peerTimeout))
		rank, err := c.acceptHello(conn, conns)
		if err != nil {
			log.Error.Printf("%s: rejected connection from %s: %v", c, conn.RemoteAddr(), err)
			conn.Close()
			continue
		}
		_ = conn.SetDeadline(time.Time{})
		conns[rank] = conn
		n++
	}
	return nil
}

func (c *Comm) acceptHello(conn *transport.Conn, conns []*transport.Conn) (int, error) {
	f, err := conn.ReadFrame()
	if err != nil {
		return 0, err
	}
	hello, ok := f.(*wire.Hello)
	if !ok {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("unexpected %s frame", f.Type()))
	}
	switch {
	case hello.JobID != c.jobID:
		return 0, errors.E(errors.Invalid, fmt.Sprintf("hello from job %s", hello.JobID))
	case hello.Rank < 0 || hello.Rank >= c.rank:
		return 0, errors.E(errors.Invalid, fmt.Sprintf("hello from rank %d", hello.Rank))
	case conns[hello.Rank] != nil:
		return 0, errors.E(errors.Exists, fmt.Sprintf("duplicate connection from rank %d", hello.Rank))
	}
	if err := conn.WriteFrame(&wire.Hello{JobID: c.jobID, Rank: c.rank}); err != nil {
		return 0, err
	}
	return hello.Rank, nil
}
