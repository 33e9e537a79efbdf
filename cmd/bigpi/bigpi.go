// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Bigpi is an example bigcomm program that estimates digits of Pi
	using the Monte Carlo method. Every rank of the job draws its share
	of the samples and counts the ones that fall inside of the unit
	circle; the counts are then summed at rank 0 with Reduce.

	With a bigcommd daemon running on the local machine, we can run it
	with a small number of samples to test:

		% bigcommd -partition test -name local &
		% bigcommrun -np 4 bigpi -partition test -daemon local -np 4 -n 1000000
		[0] 2019/10/04 15:21:08 job0[0/4]: registered at 127.0.0.1:63880; connecting to 3 peers
		...
		[0] 2019/10/04 15:21:08 total=784425 nsamples=1000000
		[0] π = 3.1377
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/big"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm"
	"github.com/grailbio/bigcomm/driver"
)

// sample generates n points inside the unit square and reports
// how many of these fall inside the unit circle.
func sample(seed int64, n uint64) (m uint64) {
	r := rand.New(rand.NewSource(seed))
	for i := uint64(0); i < n; i++ {
		if i%1e7 == 0 {
			log.Printf("%d/%d", i, n)
		}
		x, y := r.Float64(), r.Float64()
		if (x-0.5)*(x-0.5)+(y-0.5)*(y-0.5) < 0.25 {
			m++
		}
	}
	return
}

func main() {
	nsamples := flag.Uint64("n", 1e10, "number of samples to make")
	debug := flag.String("debug", "", "address on which to serve debug handlers")
	log.AddFlags()
	flag.Parse()
	comm, shutdown := driver.Start()
	defer shutdown()

	if *debug != "" {
		// Launch a local web server so we have access to profiles and
		// the communicator's statistics.
		go func() {
			err := http.ListenAndServe(*debug, nil)
			log.Printf("http.ListenAndServe: %v", err)
		}()
	}
	ctx := context.Background()

	// Divide the samples among the ranks; rank 0 picks up the
	// remainder.
	n := *nsamples / uint64(comm.Size())
	if comm.Rank() == 0 {
		n += *nsamples % uint64(comm.Size())
	}
	count := sample(time.Now().UnixNano()+int64(comm.Rank()), n)
	result, err := comm.Reduce(ctx, 0, bigcomm.EncodeInt64s(int64(count)), bigcomm.SumInt64)
	if err != nil {
		log.Fatal(err)
	}
	if comm.Rank() != 0 {
		return
	}
	v, err := bigcomm.DecodeInt64s(result)
	if err != nil {
		log.Fatal(err)
	}
	total := v[0]
	log.Printf("total=%d nsamples=%d", total, *nsamples)
	var (
		pi   = big.NewRat(4*total, int64(*nsamples))
		prec = int(math.Log(float64(*nsamples)) / math.Log(10))
	)
	fmt.Printf("π = %s\n", pi.FloatString(prec))
}
