// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Ring passes a token around the ranks of the job; each rank adds its
// rank to the token.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/grailbio/bigcomm"
	"github.com/grailbio/bigcomm/driver"
)

func main() {
	flag.Parse()
	comm, shutdown := driver.Start()
	ctx := context.Background()
	next, prev := (comm.Rank()+1)%comm.Size(), (comm.Rank()+comm.Size()-1)%comm.Size()
	var token int64
	if comm.Rank() != 0 {
		if _, err := comm.ReceiveValue(ctx, prev, 0, &token); err != nil {
			log.Fatal(err)
		}
	}
	token += int64(comm.Rank())
	if err := comm.SendValue(ctx, next, 0, token); err != nil {
		log.Fatal(err)
	}
	if comm.Rank() == 0 {
		if _, err := comm.ReceiveValue(ctx, prev, 0, &token); err != nil {
			log.Fatal(err)
		}
		n := int64(comm.Size())
		if got, want := token, n*(n-1)/2; got != want {
			log.Fatalf("got %v, want %v", got, want)
		}
	}
	// Make sure everyone agrees before leaving.
	b, err := comm.Broadcast(ctx, 0, bigcomm.EncodeInt64s(token))
	if err != nil {
		log.Fatal(err)
	}
	v, err := bigcomm.DecodeInt64s(b)
	if err != nil {
		log.Fatal(err)
	}
	if comm.Rank() == comm.Size()-1 && v[0] != token {
		log.Fatalf("broadcast %d, have %d", v[0], token)
	}
	shutdown()
	fmt.Println("ok")
}
