// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigcommrun runs a bigcomm job on the local machine. It runs
// the provided program once per rank, setting $BIGCOMM_RANK for each
// process, and prefixes each line of the processes' output with its
// rank:
//
//	bigcommrun -np 4 bigpi -partition test -daemon local -np 4
//
// Bigcommrun exits with a nonzero status if any of the processes fail.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/driver"
)

func main() {
	np := flag.Int("np", 1, "number of processes to run")
	log.AddFlags()
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: bigcommrun [-np N] program [args...]\n")
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	ctx, cancel := context.WithCancel(context.Background())
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigc
		log.Printf("received %s; killing job", sig)
		cancel()
	}()
	if err := driver.LaunchLocal(ctx, *np, flag.Args(), os.Stdout); err != nil {
		log.Fatal(err)
	}
}
