// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigpingpong measures the round-trip latency and throughput of
// the channel between ranks 0 and 1 of a job. Rank 0 sends a message
// of the provided size to rank 1, which echoes it back; this is
// repeated for the provided number of rounds. Other ranks only
// participate in the final barrier.
//
//	bigcommrun -np 2 bigpingpong -np 2 -size 1024 -rounds 10000
package main

import (
	"bytes"
	"context"
	"flag"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm"
	"github.com/grailbio/bigcomm/driver"
)

const tagPing = 1

func main() {
	var (
		size     = flag.Int("size", 64, "message size in bytes")
		rounds   = flag.Int("rounds", 1000, "number of round trips")
		compress = flag.Bool("compress", false, "compress payloads")
	)
	log.AddFlags()
	flag.Parse()
	comm, shutdown := driver.Start(bigcomm.WithCompression(*compress))
	defer shutdown()
	if comm.Size() < 2 {
		log.Fatal("bigpingpong requires at least 2 ranks")
	}
	ctx := context.Background()
	payload := bytes.Repeat([]byte{'p'}, *size)
	switch comm.Rank() {
	case 0:
		start := time.Now()
		for i := 0; i < *rounds; i++ {
			if err := comm.Send(ctx, 1, tagPing, payload); err != nil {
				log.Fatal(err)
			}
			env, err := comm.ReceiveFrom(ctx, 1, tagPing)
			if err != nil {
				log.Fatal(err)
			}
			if len(env.Payload) != *size {
				log.Fatalf("round %d: received %d bytes, expected %d", i, len(env.Payload), *size)
			}
		}
		elapsed := time.Since(start)
		bytesPerSec := float64(2**size**rounds) / elapsed.Seconds()
		log.Printf("%d rounds of %s: %s per round trip, %s/s",
			*rounds, data.Size(*size), elapsed/time.Duration(*rounds), data.Size(bytesPerSec))
	case 1:
		for i := 0; i < *rounds; i++ {
			env, err := comm.ReceiveFrom(ctx, 0, tagPing)
			if err != nil {
				log.Fatal(err)
			}
			if err := comm.Send(ctx, 0, tagPing, env.Payload); err != nil {
				log.Fatal(err)
			}
		}
	}
	if err := comm.Barrier(ctx); err != nil {
		log.Fatal(err)
	}
}
