// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/transport"
	"github.com/grailbio/bigcomm/wire"
)

// A peer is the communicator's channel to one other rank. Sends are
// written in the order in which they were enqueued; a single reader
// goroutine demultiplexes incoming frames, and a separate goroutine
// acknowledges received data.
type peer struct {
	// recvSeq is the sequence number of the last data frame received.
	recvSeq uint64

	comm *Comm
	rank int
	conn *transport.Conn

	// ackc coalesces notifications to the ack goroutine.
	ackc chan struct{}
	// done is closed when the reader exits.
	done chan struct{}

	mu sync.Mutex
	// tail is closed once the last enqueued send has completed.
	tail    chan struct{}
	seq     uint64
	acked   uint64
	bye     bool
	err     error
	changed chan struct{}
}

func newPeer(c *Comm, rank int, conn *transport.Conn) *peer {
	tail := make(chan struct{})
	close(tail)
	return &peer{
		comm:    c,
		rank:    rank,
		conn:    conn,
		ackc:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		tail:    tail,
		changed: make(chan struct{}),
	}
}

func (p *peer) start() {
	go p.read()
	go p.ack()
}

// enqueue reserves the next slot in the peer's send order. The caller
// must eventually call write with the returned channels.
func (p *peer) enqueue() (prev <-chan struct{}, mine chan struct{}) {
	mine = make(chan struct{})
	p.mu.Lock()
	prev, p.tail = p.tail, mine
	p.mu.Unlock()
	return
}

// write waits for the previous send to complete and then writes a data
// frame with the provided tag and payload.
func (p *peer) write(ctx context.Context, prev <-chan struct{}, mine chan struct{}, tag int, payload []byte) error {
	select {
	case <-prev:
	case <-ctx.Done():
		go func() {
			<-prev
			close(mine)
		}()
		return ctx.Err()
	}
	defer close(mine)
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return wire.Errorf(wire.ChannelClosed, "send to rank %d: %v", p.rank, err)
	}
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	stop := p.conn.InterruptWrite(ctx)
	err := p.conn.WriteFrame(&wire.Data{Seq: seq, Tag: tag, Payload: payload, Compress: p.comm.compress})
	if cerr := stop(); cerr != nil && err != nil {
		// The frame may have been partially written; the channel is no
		// longer usable.
		p.fail(cerr)
		return cerr
	}
	if err != nil {
		p.fail(err)
		return wire.Errorf(wire.ChannelClosed, "send to rank %d: %v", p.rank, err)
	}
	if log.At(log.Debug) {
		log.Debug.Printf("%s: sent seq %d tag %d (%d bytes) to rank %d", p.comm, seq, tag, len(payload), p.rank)
	}
	return nil
}

// read is the peer's reader loop.
func (p *peer) read() {
	defer close(p.done)
	for {
		f, err := p.conn.ReadFrame()
		if err != nil {
			if err == io.EOF {
				err = errors.E(errors.Net, fmt.Sprintf("rank %d closed the connection", p.rank))
			}
			p.fail(err)
			return
		}
		switch f := f.(type) {
		case *wire.Data:
			if want := atomic.LoadUint64(&p.recvSeq) + 1; f.Seq != want {
				p.fail(errors.E(errors.Integrity, fmt.Sprintf("rank %d: received seq %d, expected %d", p.rank, f.Seq, want)))
				return
			}
			atomic.StoreUint64(&p.recvSeq, f.Seq)
			p.comm.mailbox.deliver(Envelope{
				Source:  p.rank,
				Dest:    p.comm.rank,
				Tag:     f.Tag,
				Payload: f.Payload,
				Seq:     f.Seq,
			})
			select {
			case p.ackc <- struct{}{}:
			default:
			}
		case *wire.Ack:
			p.mu.Lock()
			if f.Seq > p.acked {
				p.acked = f.Seq
				p.notifyLocked()
			}
			p.mu.Unlock()
		case *wire.Bye:
			p.mu.Lock()
			p.bye = true
			p.notifyLocked()
			p.mu.Unlock()
			if log.At(log.Debug) {
				log.Debug.Printf("%s: rank %d said goodbye", p.comm, p.rank)
			}
		default:
			p.fail(errors.E(errors.Invalid, fmt.Sprintf("rank %d: unexpected %s frame", p.rank, f.Type())))
			return
		}
	}
}

// ack sends cumulative acknowledgments of received data. Bursts of
// received frames are acknowledged with a single Ack.
func (p *peer) ack() {
	var sent uint64
	for {
		select {
		case <-p.ackc:
		case <-p.done:
			return
		}
		seq := atomic.LoadUint64(&p.recvSeq)
		if seq == sent {
			continue
		}
		if err := p.conn.WriteFrame(&wire.Ack{Seq: seq}); err != nil {
			// The reader notices the broken connection.
			return
		}
		sent = seq
	}
}

// notifyLocked wakes up goroutines waiting for a change in the peer's
// state. It must be called with p.mu held.
func (p *peer) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// waitUntil waits until cond, which is evaluated with p.mu held, is
// true, or until the context is done.
func (p *peer) waitUntil(ctx context.Context, cond func() bool) error {
	for {
		p.mu.Lock()
		if cond() {
			p.mu.Unlock()
			return nil
		}
		changed := p.changed
		p.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fail tears down the peer's channel. Pending and subsequent receives
// that can only be satisfied by this peer fail with ChannelClosed.
func (p *peer) fail(err error) {
	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	bye := p.bye
	p.notifyLocked()
	p.mu.Unlock()
	p.conn.Close()
	if !bye && p.comm.check() == nil {
		log.Error.Printf("%s: channel to rank %d failed: %v", p.comm, p.rank, err)
	}
	p.comm.mailbox.closeSource(p.rank, wire.Errorf(wire.ChannelClosed, "rank %d: %v", p.rank, err))
}

// finalize waits for all sends to the peer to be acknowledged, then
// exchanges goodbyes and closes the channel. It returns the number of
// sends that were lost because the peer failed before acknowledging
// them.
func (p *peer) finalize(ctx context.Context) (lost uint64, err error) {
	p.mu.Lock()
	tail := p.tail
	p.mu.Unlock()
	select {
	case <-tail:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	err = p.waitUntil(ctx, func() bool { return p.err != nil || p.acked >= p.seq })
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	failed := p.err != nil
	lost = p.seq - p.acked
	p.mu.Unlock()
	if !failed {
		if err := p.conn.WriteFrame(&wire.Bye{}); err != nil {
			p.fail(err)
		}
		err = p.waitUntil(ctx, func() bool { return p.err != nil || p.bye })
		if err != nil {
			return 0, err
		}
		lost = 0
	}
	p.fail(errors.E(errors.Canceled, "finalized"))
	<-p.done
	return lost, nil
}
