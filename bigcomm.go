// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/daemon"
	"github.com/grailbio/bigcomm/internal/stats"
	"github.com/grailbio/bigcomm/wire"
	"golang.org/x/sync/errgroup"
)

const (
	// AnyRank may be supplied as JobSpec.Rank to have the daemon
	// assign the lowest free rank.
	AnyRank = wire.AnyRank
	// AnySource matches messages from any source rank.
	AnySource = -1
	// AnyTag matches messages with any (user) tag.
	AnyTag = -1
)

// Commstats holds the statistics of every communicator in the
// process, keyed by job id and rank.
var commstats = stats.Publish("bigcomm")

// A JobSpec describes the job a process belongs to. All processes of a
// job supply identical specs, except for their rank.
type JobSpec struct {
	// Partition and Daemon identify the daemon with which the job
	// bootstraps.
	Partition, Daemon string
	// WorldSize is the number of ranks in the job.
	WorldSize int
	// Rank is this process's rank, or AnyRank.
	Rank int
	// Job optionally names the job. Concurrent jobs on the same daemon
	// must have distinct names.
	Job string
	// DaemonAddr is the address of the daemon. If empty, the daemon is
	// looked up through its advertisement.
	DaemonAddr string
	// Interface names the network interface on which the process
	// listens for its peers. If empty, the interface used to reach the
	// daemon is used.
	Interface string
	// Args holds the rank-local arguments of the job.
	Args []string
}

// Option is an option that can be provided when initializing a
// communicator. It is a function that can modify the communicator
// that will be returned by Init.
type Option func(c *Comm)

// WithRegisterTimeout bounds the time spent waiting for the daemon to
// hand out the job's address table. The default is 30 seconds.
func WithRegisterTimeout(d time.Duration) Option {
	return func(c *Comm) {
		c.registerTimeout = d
	}
}

// WithPeerTimeout bounds the time spent forming the peer mesh. The
// default is 30 seconds.
func WithPeerTimeout(d time.Duration) Option {
	return func(c *Comm) {
		c.peerTimeout = d
	}
}

// WithListenAddr sets the address on which the communicator listens for
// its peers, overriding JobSpec.Interface.
func WithListenAddr(addr string) Option {
	return func(c *Comm) {
		c.listenAddr = addr
	}
}

// WithCompression enables lz4 compression of large payloads.
func WithCompression(compress bool) Option {
	return func(c *Comm) {
		c.compress = compress
	}
}

// WithAdvertiseDir sets the directory in which daemon advertisements
// are looked up.
func WithAdvertiseDir(dir string) Option {
	return func(c *Comm) {
		c.advertiseDir = dir
	}
}

// An Envelope is a message received by a communicator.
type Envelope struct {
	Source, Dest int
	Tag          int
	Payload      []byte
	// Seq is the message's sequence number on its channel.
	Seq uint64
}

// Comm is a communicator: the handle through which a job's process
// exchanges point-to-point and collective messages with the other
// ranks of its job. Comms are created by Init and are safe for
// concurrent use; they remain usable until Finalize is called.
type Comm struct {
	spec  JobSpec
	rank  int
	size  int
	jobID string

	registerTimeout time.Duration
	peerTimeout     time.Duration
	listenAddr      string
	compress        bool
	advertiseDir    string

	// peers is indexed by rank; the entry of the communicator's own
	// rank is nil.
	peers   []*peer
	mailbox *mailbox
	selfSeq uint64
	stats   *stats.Tree

	mu         sync.Mutex
	finalized  bool
	nextMutex  int
	mutexes    *mutexService
	cancelSvcs func()
}

func newComm(spec JobSpec, opts ...Option) *Comm {
	c := &Comm{
		spec:            spec,
		registerTimeout: 30 * time.Second,
		peerTimeout:     30 * time.Second,
		advertiseDir:    daemon.DefaultDir(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Rank returns the communicator's rank.
func (c *Comm) Rank() int { return c.rank }

// Size returns the number of ranks in the communicator's job.
func (c *Comm) Size() int { return c.size }

// JobID returns the id assigned to the job by the daemon.
func (c *Comm) JobID() string { return c.jobID }

// Spec returns the job spec with which the communicator was created.
func (c *Comm) Spec() JobSpec { return c.spec }

// String returns a description of the communicator suitable for
// logging.
func (c *Comm) String() string {
	return fmt.Sprintf("%s[%d/%d]", c.jobID, c.rank, c.size)
}

func (c *Comm) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return wire.E(wire.Finalized, c.String()+": communicator finalized")
	}
	return nil
}

func (c *Comm) checkRank(rank int) error {
	if rank < 0 || rank >= c.size {
		return wire.Errorf(wire.UnknownRank, "rank %d out of range [0, %d)", rank, c.size)
	}
	return nil
}

// checkTag validates a receive tag: a user tag or AnyTag.
func checkTag(tag int) error {
	if tag == AnyTag {
		return nil
	}
	return checkUserTag(tag)
}

func checkUserTag(tag int) error {
	if tag < 0 {
		return wire.Errorf(wire.InvalidRequest, "tag %d is reserved", tag)
	}
	if tag > math.MaxInt32 {
		return wire.Errorf(wire.InvalidRequest, "tag %d out of range [0, %d]", tag, math.MaxInt32)
	}
	return nil
}

// Send sends the payload to the provided rank with the provided tag.
// Send returns once the payload has been written to the channel, not
// once the destination has received it. Messages sent to the same rank
// are received in the order in which they were sent.
func (c *Comm) Send(ctx context.Context, dest, tag int, payload []byte) error {
	if err := checkUserTag(tag); err != nil {
		return err
	}
	return c.send(ctx, dest, tag, payload)
}

func (c *Comm) send(ctx context.Context, dest, tag int, payload []byte) (err error) {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.checkRank(dest); err != nil {
		return err
	}
	done := c.stats.Start(strconv.Itoa(dest), "send")
	defer func() { done(int64(len(payload)), err) }()
	if dest == c.rank {
		c.sendSelf(tag, payload)
		return nil
	}
	p := c.peers[dest]
	prev, mine := p.enqueue()
	return p.write(ctx, prev, mine, tag, payload)
}

func (c *Comm) sendSelf(tag int, payload []byte) {
	c.mu.Lock()
	c.selfSeq++
	seq := c.selfSeq
	c.mu.Unlock()
	c.mailbox.deliver(Envelope{
		Source:  c.rank,
		Dest:    c.rank,
		Tag:     tag,
		Payload: append([]byte(nil), payload...),
		Seq:     seq,
	})
}

// Receive returns the next message with the provided tag from any
// source, blocking until one is available. AnyTag matches any tag.
func (c *Comm) Receive(ctx context.Context, tag int) (Envelope, error) {
	return c.ReceiveFrom(ctx, AnySource, tag)
}

// ReceiveFrom returns the next message with the provided tag from the
// provided source rank, blocking until one is available. AnySource and
// AnyTag match any source and tag respectively. Messages from a single
// source are received in the order in which they were sent.
func (c *Comm) ReceiveFrom(ctx context.Context, source, tag int) (Envelope, error) {
	if err := checkTag(tag); err != nil {
		return Envelope{}, err
	}
	return c.receive(ctx, source, tag)
}

func (c *Comm) receive(ctx context.Context, source, tag int) (env Envelope, err error) {
	if err := c.check(); err != nil {
		return Envelope{}, err
	}
	if source != AnySource {
		if err := c.checkRank(source); err != nil {
			return Envelope{}, err
		}
	}
	peer := "any"
	if source != AnySource {
		peer = strconv.Itoa(source)
	}
	done := c.stats.Start(peer, "receive")
	defer func() { done(int64(len(env.Payload)), err) }()
	return c.mailbox.receive(ctx, source, tag)
}

// TryReceive returns the next message with the provided tag from any
// source, if one is available. It does not block.
func (c *Comm) TryReceive(tag int) (Envelope, bool, error) {
	return c.TryReceiveFrom(AnySource, tag)
}

// TryReceiveFrom returns the next message with the provided tag from
// the provided source, if one is available. It does not block.
func (c *Comm) TryReceiveFrom(source, tag int) (Envelope, bool, error) {
	if err := checkTag(tag); err != nil {
		return Envelope{}, false, err
	}
	if err := c.check(); err != nil {
		return Envelope{}, false, err
	}
	if source != AnySource {
		if err := c.checkRank(source); err != nil {
			return Envelope{}, false, err
		}
	}
	return c.mailbox.tryReceive(source, tag)
}

// Finalize shuts down the communicator. It waits until every message
// sent by the communicator has been acknowledged by its destination or
// the destination has failed, then says goodbye to every peer and
// closes all channels. Finalize is collective: it returns once every
// peer has also finalized (or failed), or when the context is done.
// Operations on a finalized communicator fail with Finalized.
func (c *Comm) Finalize(ctx context.Context) error {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return nil
	}
	c.finalized = true
	cancel := c.cancelSvcs
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	var lost uint64
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range c.peers {
		if p == nil {
			continue
		}
		p := p
		g.Go(func() error {
			n, err := p.finalize(ctx)
			atomic.AddUint64(&lost, n)
			return err
		})
	}
	err := g.Wait()
	if err != nil {
		// Make sure that nothing is left behind.
		for _, p := range c.peers {
			if p != nil {
				p.fail(errors.E(errors.Canceled, "finalize aborted"))
			}
		}
		return errors.E(fmt.Sprintf("finalize %s", c), err)
	}
	if lost > 0 {
		return wire.Errorf(wire.ChannelClosed, "%s: %d messages were not acknowledged by failed peers", c, lost)
	}
	if log.At(log.Debug) {
		log.Debug.Printf("%s: finalized", c)
	}
	return nil
}

// Abort tears down the communicator's channels without waiting for
// outstanding messages. Peers observe the failure as ChannelClosed.
func (c *Comm) Abort() {
	c.mu.Lock()
	c.finalized = true
	cancel := c.cancelSvcs
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, p := range c.peers {
		if p != nil {
			p.fail(errors.E(errors.Canceled, "communicator aborted"))
		}
	}
}
