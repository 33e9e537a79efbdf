// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
)

// Reserved tags. User tags are non-negative; collectives and the mutex
// service exchange messages on negative tags so that they never match
// user receives.
const (
	tagBarrierReady   = -2
	tagBarrierRelease = -3
	tagBroadcast      = -4
	tagReduce         = -5
	tagGather         = -6
	tagScatter        = -7
	tagMutex          = -8
	// Mutex grants are sent on tagMutexGrant-id.
	tagMutexGrant = -1000
)

// Collective operations must be called by every rank of the job, in
// the same order. Calling mismatched collectives results in undefined
// behavior.

// Barrier blocks until every rank has entered the barrier. Rank 0
// coordinates: it waits for every other rank to report ready, then
// releases them all.
func (c *Comm) Barrier(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	done := c.stats.Start("", "barrier")
	err := c.barrier(ctx)
	done(-1, err)
	return err
}

func (c *Comm) barrier(ctx context.Context) error {
	if c.rank != 0 {
		if err := c.send(ctx, 0, tagBarrierReady, nil); err != nil {
			return err
		}
		_, err := c.receive(ctx, 0, tagBarrierRelease)
		return err
	}
	for rank := 1; rank < c.size; rank++ {
		if _, err := c.receive(ctx, rank, tagBarrierReady); err != nil {
			return err
		}
	}
	for rank := 1; rank < c.size; rank++ {
		if err := c.send(ctx, rank, tagBarrierRelease, nil); err != nil {
			return err
		}
	}
	return nil
}

// Broadcast sends the root's payload to every rank. The payload
// argument is used only at the root; every rank returns the root's
// payload.
func (c *Comm) Broadcast(ctx context.Context, root int, payload []byte) ([]byte, error) {
	if err := c.checkRoot(root); err != nil {
		return nil, err
	}
	if c.rank != root {
		env, err := c.receive(ctx, root, tagBroadcast)
		return env.Payload, err
	}
	for rank := 0; rank < c.size; rank++ {
		if rank == root {
			continue
		}
		if err := c.send(ctx, rank, tagBroadcast, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// A ReduceOp combines two payloads into one. Ops must be associative
// and commutative. The accumulator acc may be modified and returned.
type ReduceOp func(acc, in []byte) ([]byte, error)

// Reduce combines the payloads of every rank at the root. The root
// seeds the accumulator with its own payload and then folds in the
// payloads of the other ranks in ascending rank order. Reduce returns
// the result at the root and nil elsewhere.
func (c *Comm) Reduce(ctx context.Context, root int, payload []byte, op ReduceOp) ([]byte, error) {
	if err := c.checkRoot(root); err != nil {
		return nil, err
	}
	if c.rank != root {
		return nil, c.send(ctx, root, tagReduce, payload)
	}
	acc := append([]byte(nil), payload...)
	for rank := 0; rank < c.size; rank++ {
		if rank == root {
			continue
		}
		env, err := c.receive(ctx, rank, tagReduce)
		if err != nil {
			return nil, err
		}
		acc, err = op(acc, env.Payload)
		if err != nil {
			return nil, errors.E(fmt.Sprintf("reduce payload from rank %d", rank), err)
		}
	}
	return acc, nil
}

// Gather collects the payloads of every rank at the root. At the root,
// Gather returns the payloads indexed by rank; elsewhere it returns
// nil.
func (c *Comm) Gather(ctx context.Context, root int, payload []byte) ([][]byte, error) {
	if err := c.checkRoot(root); err != nil {
		return nil, err
	}
	if c.rank != root {
		return nil, c.send(ctx, root, tagGather, payload)
	}
	payloads := make([][]byte, c.size)
	payloads[root] = payload
	for rank := 0; rank < c.size; rank++ {
		if rank == root {
			continue
		}
		env, err := c.receive(ctx, rank, tagGather)
		if err != nil {
			return nil, err
		}
		payloads[rank] = env.Payload
	}
	return payloads, nil
}

// Scatter distributes payloads[i] from the root to rank i, and returns
// this rank's share. The payloads argument is used only at the root,
// where it must contain one payload for every rank.
func (c *Comm) Scatter(ctx context.Context, root int, payloads [][]byte) ([]byte, error) {
	if err := c.checkRoot(root); err != nil {
		return nil, err
	}
	if c.rank != root {
		env, err := c.receive(ctx, root, tagScatter)
		return env.Payload, err
	}
	if len(payloads) != c.size {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("scatter: %d payloads for %d ranks", len(payloads), c.size))
	}
	for rank := 0; rank < c.size; rank++ {
		if rank == root {
			continue
		}
		if err := c.send(ctx, rank, tagScatter, payloads[rank]); err != nil {
			return nil, err
		}
	}
	return payloads[root], nil
}

func (c *Comm) checkRoot(root int) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.checkRank(root)
}
