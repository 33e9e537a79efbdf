// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"context"
	"strconv"
)

// A Request is a pending asynchronous send or receive.
type Request struct {
	done chan struct{}
	env  Envelope
	err  error
}

func newRequest() *Request {
	return &Request{done: make(chan struct{})}
}

func (r *Request) complete(env Envelope, err error) {
	r.env, r.err = env, err
	close(r.done)
}

// Done returns a channel that is closed when the request completes.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Test tells whether the request has completed, without blocking. If it
// has, Test also returns the request's result.
func (r *Request) Test() (Envelope, bool, error) {
	select {
	case <-r.done:
		return r.env, true, r.err
	default:
		return Envelope{}, false, nil
	}
}

// Wait waits for the request to complete and returns its result. For
// send requests, the returned envelope is empty. If the context is done
// before the request completes, the request is not canceled.
func (r *Request) Wait(ctx context.Context) (Envelope, error) {
	select {
	case <-r.done:
		return r.env, r.err
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// SendAsync starts sending the payload to the provided rank, and
// returns a request that completes once the payload has been written
// to the channel. Sends are ordered by the call to SendAsync: a later
// Send or SendAsync to the same rank is received after this one.
func (c *Comm) SendAsync(ctx context.Context, dest, tag int, payload []byte) *Request {
	req := newRequest()
	if err := checkUserTag(tag); err != nil {
		req.complete(Envelope{}, err)
		return req
	}
	if err := c.check(); err != nil {
		req.complete(Envelope{}, err)
		return req
	}
	if err := c.checkRank(dest); err != nil {
		req.complete(Envelope{}, err)
		return req
	}
	if dest == c.rank {
		c.sendSelf(tag, payload)
		req.complete(Envelope{}, nil)
		return req
	}
	p := c.peers[dest]
	prev, mine := p.enqueue()
	done := c.stats.Start(strconv.Itoa(dest), "sendasync")
	go func() {
		err := p.write(ctx, prev, mine, tag, payload)
		done(int64(len(payload)), err)
		req.complete(Envelope{}, err)
	}()
	return req
}

// ReceiveAsync starts receiving a message with the provided source and
// tag, and returns a request that completes with the message. Canceling
// the context abandons the receive.
func (c *Comm) ReceiveAsync(ctx context.Context, source, tag int) *Request {
	req := newRequest()
	if err := checkTag(tag); err != nil {
		req.complete(Envelope{}, err)
		return req
	}
	go func() {
		req.complete(c.receive(ctx, source, tag))
	}()
	return req
}
