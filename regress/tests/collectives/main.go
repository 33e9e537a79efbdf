// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Collectives runs each collective operation, rooted at every rank in
// turn, and checks the results.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/grailbio/bigcomm"
	"github.com/grailbio/bigcomm/driver"
)

func main() {
	flag.Parse()
	comm, shutdown := driver.Start(bigcomm.WithCompression(true))
	ctx := context.Background()
	n := comm.Size()
	for root := 0; root < n; root++ {
		if err := comm.Barrier(ctx); err != nil {
			log.Fatal(err)
		}
		// Large enough to be compressed.
		big := bytes.Repeat([]byte{byte(root)}, 64<<10)
		var payload []byte
		if comm.Rank() == root {
			payload = big
		}
		b, err := comm.Broadcast(ctx, root, payload)
		if err != nil {
			log.Fatal(err)
		}
		if !bytes.Equal(b, big) {
			log.Fatalf("broadcast from %d: wrong payload", root)
		}

		r, err := comm.Reduce(ctx, root, bigcomm.EncodeInt64s(int64(comm.Rank())), bigcomm.MaxInt64)
		if err != nil {
			log.Fatal(err)
		}
		if comm.Rank() == root {
			v, err := bigcomm.DecodeInt64s(r)
			if err != nil {
				log.Fatal(err)
			}
			if got, want := v[0], int64(n-1); got != want {
				log.Fatalf("reduce at %d: got %v, want %v", root, got, want)
			}
		}

		g, err := comm.Gather(ctx, root, []byte{byte(comm.Rank())})
		if err != nil {
			log.Fatal(err)
		}
		var payloads [][]byte
		if comm.Rank() == root {
			for i, p := range g {
				if len(p) != 1 || int(p[0]) != i {
					log.Fatalf("gather at %d: rank %d sent %v", root, i, p)
				}
			}
			payloads = g
		}
		s, err := comm.Scatter(ctx, root, payloads)
		if err != nil {
			log.Fatal(err)
		}
		if len(s) != 1 || int(s[0]) != comm.Rank() {
			log.Fatalf("scatter from %d: got %v", root, s)
		}
	}
	shutdown()
	fmt.Println("ok")
}
