// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigcomm implements a message-passing runtime for parallel
	jobs in Go. A job is a fixed set of cooperating processes, each
	identified by a rank in [0, N). The processes of a job find each
	other through bigcommd, a daemon that runs on each node; they then
	talk directly to each other over a full mesh of TCP connections.

	Bootstrap

	Every process of a job calls Init (or driver.Start, which configures
	Init from a standard set of flags):

		import (
			"github.com/grailbio/bigcomm/driver"
			...
		)

		func main() {
			flag.Parse()
			comm, shutdown := driver.Start()
			defer shutdown()

			// Job code...
		}

	Init registers the process's listen address with the daemon named by
	the job's (partition, daemon) identity. Once all N ranks have
	registered, the daemon hands each of them the complete table of
	addresses. Each rank then dials the ranks above it and accepts
	connections from the ranks below it, so that every pair of ranks
	shares exactly one connection. If the daemon does not see all ranks
	within the registration window, or if the mesh cannot be formed, Init
	fails: jobs are never partially bootstrapped, and bootstrap is never
	retried.

	Point-to-point messaging

	Comm.Send sends a tagged payload to a rank; Comm.Receive and
	Comm.ReceiveFrom block until a matching message arrives. Messages
	between a pair of ranks are received in the order in which they were
	sent, regardless of tag; messages from different ranks may
	interleave. TryReceive polls without blocking. SendAsync and
	ReceiveAsync return Requests that complete in the background, and
	SendValue and ReceiveValue transmit gob-encoded Go values.

	A failed channel is never reestablished: once a peer's connection is
	torn down, sends to it, and receives that can only be satisfied by
	it, fail with ChannelClosed.

	Collectives

	Barrier, Broadcast, Reduce, Gather, and Scatter are implemented with
	flat exchange patterns over the point-to-point channels, using tags
	that are reserved for the runtime. Every rank must call the same
	collectives in the same order. Mutexes, created collectively by
	NewMutex, provide a job-wide lock around a shared value.

	Finalize

	Comm.Finalize waits for every message sent by the process to be
	acknowledged by its destination, then closes the mesh. Like the
	collectives, it must be called by every rank.
*/
package bigcomm
