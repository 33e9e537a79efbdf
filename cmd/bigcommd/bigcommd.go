// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigcommd runs the bigcomm bootstrap daemon for a node. Job
// processes register with the daemon named by their (partition, name)
// identity, which hands each of them the addresses of their peers once
// the job is complete. The daemon advertises its address in a file
// named after its identity so that processes on the same machine can
// find it without further configuration:
//
//	bigcommd -partition test -name local
//
// When -debug is given, the daemon serves its status page at
// /debug/bigcommd/status and its statistics at /debug/vars.
package main

import (
	"expvar"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/daemon"
	"golang.org/x/time/rate"
)

func main() {
	hostname, _ := os.Hostname()
	var (
		partition    = flag.String("partition", "default", "partition of the daemon")
		name         = flag.String("name", hostname, "name of the daemon within its partition")
		addr         = flag.String("addr", ":4664", "address on which to serve registrations")
		timeout      = flag.Duration("timeout", daemon.DefaultRegisterTimeout, "time a job has to register all of its ranks")
		debug        = flag.String("debug", "", "address on which to serve debug handlers")
		advertiseDir = flag.String("advertise-dir", "", "directory in which the daemon advertises itself (default $XDG_CONFIG_HOME/bigcomm)")
		maxConns     = flag.Int("maxconns", 0, "maximum number of simultaneous client connections (0 for no limit); registrants hold a connection until their job seals")
		logRate      = flag.Float64("lograte", 10, "maximum number of log messages per second")
	)
	log.AddFlags()
	flag.Parse()

	restore := daemon.LimitLog(rate.Limit(*logRate), 100)
	defer restore()

	d, err := daemon.New(daemon.Config{
		Partition:       *partition,
		Name:            *name,
		Addr:            *addr,
		RegisterTimeout: *timeout,
		AdvertiseDir:    *advertiseDir,
		MaxConns:        *maxConns,
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := d.Start(); err != nil {
		log.Fatal(err)
	}
	if *debug != "" {
		mux := http.NewServeMux()
		d.HandleDebug(mux)
		mux.Handle("/debug/vars", expvar.Handler())
		go func() {
			err := http.ListenAndServe(*debug, mux)
			log.Error.Printf("debug server: %v", err)
		}()
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	log.Printf("received %s; shutting down", sig)
	done := make(chan struct{})
	go func() {
		d.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Error.Printf("timed out waiting for shutdown")
	}
}
