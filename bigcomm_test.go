// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm_test

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"math/rand"
	"net"
	"reflect"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm"
	"github.com/grailbio/bigcomm/testsystem"
	"github.com/grailbio/bigcomm/transport"
	"github.com/grailbio/bigcomm/wire"
	"golang.org/x/sync/errgroup"
)

func startJob(t *testing.T, n int, opts ...bigcomm.Option) (*testsystem.System, []*bigcomm.Comm, context.Context, func()) {
	t.Helper()
	test, err := testsystem.New(0)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	comms, err := test.Start(ctx, n, opts...)
	if err != nil {
		cancel()
		test.Shutdown()
		t.Fatal(err)
	}
	return test, comms, ctx, func() {
		cancel()
		test.Shutdown()
	}
}

// each runs fn concurrently for every communicator.
func each(ctx context.Context, comms []*bigcomm.Comm, fn func(ctx context.Context, c *bigcomm.Comm) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range comms {
		c := c
		g.Go(func() error { return fn(ctx, c) })
	}
	return g.Wait()
}

func TestBroadcast(t *testing.T) {
	_, comms, ctx, cleanup := startJob(t, 4)
	defer cleanup()
	for _, c := range comms[1:] {
		if got, want := c.JobID(), comms[0].JobID(); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	got := make([]int64, 4)
	err := each(ctx, comms, func(ctx context.Context, c *bigcomm.Comm) error {
		var payload []byte
		if c.Rank() == 0 {
			payload = bigcomm.EncodeInt64s(42)
		}
		p, err := c.Broadcast(ctx, 0, payload)
		if err != nil {
			return err
		}
		v, err := bigcomm.DecodeInt64s(p)
		if err != nil {
			return err
		}
		got[c.Rank()] = v[0]
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := []int64{42, 42, 42, 42}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	// The same exchange with user messages.
	for rank := 1; rank < 4; rank++ {
		if err := comms[0].Send(ctx, rank, 7, []byte("42")); err != nil {
			t.Fatal(err)
		}
	}
	for _, c := range comms[1:] {
		env, err := c.Receive(ctx, 7)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := string(env.Payload), "42"; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := env.Source, 0; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := env.Dest, c.Rank(); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if err := testsystem.Finalize(ctx, comms); err != nil {
		t.Fatal(err)
	}
}

func TestFIFO(t *testing.T) {
	_, comms, ctx, cleanup := startJob(t, 3)
	defer cleanup()
	const N = 500
	err := each(ctx, comms, func(ctx context.Context, c *bigcomm.Comm) error {
		if c.Rank() == 2 {
			next := make([]int, 2)
			for i := 0; i < 2*N; i++ {
				env, err := c.Receive(ctx, bigcomm.AnyTag)
				if err != nil {
					return err
				}
				var k int
				fmt.Sscan(string(env.Payload), &k)
				if k != next[env.Source] {
					return fmt.Errorf("from %d: got message %d, want %d", env.Source, k, next[env.Source])
				}
				next[env.Source]++
			}
			return nil
		}
		r := rand.New(rand.NewSource(int64(c.Rank())))
		for i := 0; i < N; i++ {
			// Interleave sends to other destinations and tags.
			if r.Intn(4) == 0 {
				if err := c.Send(ctx, 1-c.Rank(), 99, nil); err != nil {
					return err
				}
			}
			if err := c.Send(ctx, 2, r.Intn(10), []byte(fmt.Sprint(i))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestReceiveFromTag(t *testing.T) {
	_, comms, ctx, cleanup := startJob(t, 2)
	defer cleanup()
	for i, tag := range []int{1, 2, 1, 3} {
		if err := comms[0].Send(ctx, 1, tag, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	for _, c := range []struct {
		tag  int
		want byte
	}{
		{3, 3},
		{1, 0},
		{bigcomm.AnyTag, 1},
		{1, 2},
	} {
		env, err := comms[1].ReceiveFrom(ctx, 0, c.tag)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := env.Payload[0], c.want; got != want {
			t.Errorf("tag %d: got %v, want %v", c.tag, got, want)
		}
	}
}

func TestBarrier(t *testing.T) {
	_, comms, ctx, cleanup := startJob(t, 5)
	defer cleanup()
	var entered int64
	err := each(ctx, comms, func(ctx context.Context, c *bigcomm.Comm) error {
		time.Sleep(time.Duration(rand.Intn(50)) * time.Millisecond)
		atomic.AddInt64(&entered, 1)
		if err := c.Barrier(ctx); err != nil {
			return err
		}
		if n := atomic.LoadInt64(&entered); n != 5 {
			return fmt.Errorf("rank %d left barrier with %d ranks entered", c.Rank(), n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestReduce(t *testing.T) {
	const N = 5
	_, comms, ctx, cleanup := startJob(t, N)
	defer cleanup()
	for root := 0; root < N; root++ {
		results := make([][]byte, N)
		err := each(ctx, comms, func(ctx context.Context, c *bigcomm.Comm) (err error) {
			results[c.Rank()], err = c.Reduce(ctx, root, bigcomm.EncodeInt64s(int64(c.Rank()+1), -int64(c.Rank())), bigcomm.SumInt64)
			return
		})
		if err != nil {
			t.Fatal(err)
		}
		v, err := bigcomm.DecodeInt64s(results[root])
		if err != nil {
			t.Fatal(err)
		}
		if got, want := v, []int64{N * (N + 1) / 2, -N * (N - 1) / 2}; !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
		for rank, r := range results {
			if rank != root && r != nil {
				t.Errorf("rank %d: got result %v", rank, r)
			}
		}
	}
}

func TestReduceOrder(t *testing.T) {
	_, comms, ctx, cleanup := startJob(t, 4)
	defer cleanup()
	// A non-commutative op exposes the fold order.
	concat := func(acc, in []byte) ([]byte, error) { return append(acc, in...), nil }
	var result []byte
	err := each(ctx, comms, func(ctx context.Context, c *bigcomm.Comm) error {
		r, err := c.Reduce(ctx, 2, []byte{byte('a' + c.Rank())}, concat)
		if c.Rank() == 2 {
			result = r
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(result), "cabd"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestGatherScatter(t *testing.T) {
	const N = 4
	_, comms, ctx, cleanup := startJob(t, N)
	defer cleanup()
	var gathered [][]byte
	scattered := make([][]byte, N)
	err := each(ctx, comms, func(ctx context.Context, c *bigcomm.Comm) error {
		g, err := c.Gather(ctx, 1, []byte(fmt.Sprint("g", c.Rank())))
		if err != nil {
			return err
		}
		if c.Rank() == 1 {
			gathered = g
		} else if g != nil {
			return fmt.Errorf("rank %d: unexpected gather result", c.Rank())
		}
		var payloads [][]byte
		if c.Rank() == 3 {
			for i := 0; i < N; i++ {
				payloads = append(payloads, []byte(fmt.Sprint("s", i)))
			}
		}
		scattered[c.Rank()], err = c.Scatter(ctx, 3, payloads)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < N; i++ {
		if got, want := string(gathered[i]), fmt.Sprint("g", i); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := string(scattered[i]), fmt.Sprint("s", i); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if _, err := comms[0].Scatter(ctx, 0, nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestTryReceive(t *testing.T) {
	_, comms, ctx, cleanup := startJob(t, 2)
	defer cleanup()
	if _, ok, err := comms[1].TryReceive(bigcomm.AnyTag); err != nil || ok {
		t.Fatalf("got %v, %v", ok, err)
	}
	if err := comms[0].Send(ctx, 1, 5, []byte("x")); err != nil {
		t.Fatal(err)
	}
	for {
		env, ok, err := comms[1].TryReceiveFrom(0, 5)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			if got, want := string(env.Payload), "x"; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			break
		}
		time.Sleep(time.Millisecond)
	}
}

func TestUsageErrors(t *testing.T) {
	_, comms, ctx, cleanup := startJob(t, 2)
	defer cleanup()
	c := comms[0]
	if got, want := wire.CodeOf(c.Send(ctx, 2, 0, nil)), wire.UnknownRank; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := wire.CodeOf(c.Send(ctx, -1, 0, nil)), wire.UnknownRank; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	_, err := c.ReceiveFrom(ctx, 5, 0)
	if got, want := wire.CodeOf(err), wire.UnknownRank; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := wire.CodeOf(c.Send(ctx, 1, -4, nil)), wire.InvalidRequest; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, tag := range []int{math.MaxInt32 + 1, 1<<32 - 2, 1<<32 + 5} {
		if got, want := wire.CodeOf(c.Send(ctx, 1, tag, nil)), wire.InvalidRequest; got != want {
			t.Errorf("tag %d: got %v, want %v", tag, got, want)
		}
		_, err = c.ReceiveFrom(ctx, 1, tag)
		if got, want := wire.CodeOf(err), wire.InvalidRequest; got != want {
			t.Errorf("tag %d: got %v, want %v", tag, got, want)
		}
	}
	if err := c.Send(ctx, 1, math.MaxInt32, []byte("max")); err != nil {
		t.Fatal(err)
	}
	env, err := comms[1].ReceiveFrom(ctx, 0, math.MaxInt32)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := env.Tag, math.MaxInt32; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	_, err = c.Broadcast(ctx, 7, nil)
	if got, want := wire.CodeOf(err), wire.UnknownRank; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSelf(t *testing.T) {
	_, comms, ctx, cleanup := startJob(t, 1)
	defer cleanup()
	c := comms[0]
	if err := c.Send(ctx, 0, 1, []byte("self")); err != nil {
		t.Fatal(err)
	}
	env, err := c.ReceiveFrom(ctx, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(env.Payload), "self"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := c.Barrier(ctx); err != nil {
		t.Fatal(err)
	}
	r, err := c.Reduce(ctx, 0, bigcomm.EncodeFloat64s(1.5), bigcomm.SumFloat64)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := bigcomm.DecodeFloat64s(r); v[0] != 1.5 {
		t.Errorf("got %v, want 1.5", v)
	}
	if err := c.Finalize(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestCompression(t *testing.T) {
	_, comms, ctx, cleanup := startJob(t, 2, bigcomm.WithCompression(true))
	defer cleanup()
	payload := bytes.Repeat([]byte("bigcomm "), 1<<13)
	if err := comms[0].Send(ctx, 1, 0, payload); err != nil {
		t.Fatal(err)
	}
	env, err := comms[1].Receive(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(env.Payload, payload) {
		t.Error("payload mismatch")
	}
}

func TestAsync(t *testing.T) {
	_, comms, ctx, cleanup := startJob(t, 2)
	defer cleanup()
	const N = 100
	recvs := make([]*bigcomm.Request, N)
	for i := range recvs {
		recvs[i] = comms[1].ReceiveAsync(ctx, 0, i)
	}
	if _, ok, _ := recvs[0].Test(); ok {
		t.Error("receive completed before send")
	}
	sends := make([]*bigcomm.Request, N)
	for i := N - 1; i >= 0; i-- {
		sends[N-1-i] = comms[0].SendAsync(ctx, 1, i, []byte{byte(i)})
	}
	for _, req := range sends {
		if _, err := req.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	for i, req := range recvs {
		env, err := req.Wait(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := env.Payload[0], byte(i); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		// Sends were issued in descending tag order.
		if got, want := env.Seq, uint64(N-i); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		<-req.Done()
		if _, ok, err := req.Test(); !ok || err != nil {
			t.Errorf("got %v, %v", ok, err)
		}
	}
}

type point struct {
	X, Y  float64
	Label string
}

func TestValue(t *testing.T) {
	_, comms, ctx, cleanup := startJob(t, 2)
	defer cleanup()
	want := point{1, 2, "p"}
	if err := comms[1].SendValue(ctx, 0, 3, want); err != nil {
		t.Fatal(err)
	}
	var got point
	env, err := comms[0].ReceiveValue(ctx, 1, 3, &got)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := env.Source, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMutex(t *testing.T) {
	const (
		N = 4
		K = 25
	)
	_, comms, ctx, cleanup := startJob(t, N)
	defer cleanup()
	var holders int64
	err := each(ctx, comms, func(ctx context.Context, c *bigcomm.Comm) error {
		mu, err := c.NewMutex(ctx, "counter", bigcomm.EncodeInt64s(0))
		if err != nil {
			return err
		}
		if err := mu.Unlock(ctx, nil); !errors.Is(errors.Precondition, err) {
			return fmt.Errorf("unlock of unheld mutex: got %v", err)
		}
		for i := 0; i < K; i++ {
			b, err := mu.Lock(ctx)
			if err != nil {
				return err
			}
			if n := atomic.AddInt64(&holders, 1); n != 1 {
				return fmt.Errorf("%d holders of mutex", n)
			}
			v, err := bigcomm.DecodeInt64s(b)
			if err != nil {
				return err
			}
			atomic.AddInt64(&holders, -1)
			if err := mu.Unlock(ctx, bigcomm.EncodeInt64s(v[0]+1)); err != nil {
				return err
			}
		}
		if err := c.Barrier(ctx); err != nil {
			return err
		}
		if c.Rank() != 0 {
			return nil
		}
		b, err := mu.Lock(ctx)
		if err != nil {
			return err
		}
		v, _ := bigcomm.DecodeInt64s(b)
		if got, want := v[0], int64(N*K); got != want {
			return fmt.Errorf("got %v, want %v", got, want)
		}
		return mu.Unlock(ctx, b)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestChannelClosed(t *testing.T) {
	test, comms, ctx, cleanup := startJob(t, 3)
	defer cleanup()
	if err := comms[1].Send(ctx, 0, 0, []byte("before")); err != nil {
		t.Fatal(err)
	}
	env, err := comms[0].ReceiveFrom(ctx, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(env.Payload), "before"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	test.Kill(comms[1])
	_, err = comms[0].ReceiveFrom(ctx, 1, 0)
	if got, want := wire.CodeOf(err), wire.ChannelClosed; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Sends eventually fail once the failure is observed.
	for {
		err := comms[0].Send(ctx, 1, 0, nil)
		if err != nil {
			if got, want := wire.CodeOf(err), wire.ChannelClosed; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			break
		}
		time.Sleep(time.Millisecond)
	}
	// Other channels are unaffected.
	if err := comms[2].Send(ctx, 0, 0, []byte("after")); err != nil {
		t.Fatal(err)
	}
	env, err = comms[0].Receive(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := env.Source, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFinalize(t *testing.T) {
	_, comms, ctx, cleanup := startJob(t, 3)
	defer cleanup()
	// Messages that are never received are still acknowledged.
	for _, c := range comms {
		for rank := 0; rank < 3; rank++ {
			if err := c.Send(ctx, rank, 1, []byte("unreceived")); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := testsystem.Finalize(ctx, comms); err != nil {
		t.Fatal(err)
	}
	for _, c := range comms {
		if got, want := wire.CodeOf(c.Send(ctx, 0, 0, nil)), wire.Finalized; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		_, err := c.Receive(ctx, 0)
		if got, want := wire.CodeOf(err), wire.Finalized; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if err := c.Finalize(ctx); err != nil {
			t.Errorf("second finalize: %v", err)
		}
	}
}

func TestBootstrapTimeout(t *testing.T) {
	test, err := testsystem.New(200 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer test.Shutdown()
	ctx := context.Background()
	_, err = bigcomm.Init(ctx, test.Spec("lonely", 2, 0), bigcomm.WithListenAddr("localhost:0"))
	if got, want := wire.CodeOf(err), wire.BootstrapTimeout; got != want {
		t.Errorf("got %v (%v), want %v", got, err, want)
	}
	if !errors.Is(errors.Timeout, err) {
		t.Errorf("wrong kind for %v", err)
	}
}

func TestPeerConnectFailure(t *testing.T) {
	test, err := testsystem.New(5 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer test.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	// Reserve a port and release it, so that nothing is listening there.
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := l.Addr().String()
	l.Close()

	spec := test.Spec("dead", 2, 1)
	errc := make(chan error, 1)
	go func() {
		conn, err := transport.Dial(ctx, spec.DaemonAddr)
		if err != nil {
			errc <- err
			return
		}
		defer conn.Close()
		err = conn.WriteFrame(&wire.RegisterRequest{
			Partition: spec.Partition,
			Daemon:    spec.Daemon,
			Job:       spec.Job,
			WorldSize: spec.WorldSize,
			Rank:      spec.Rank,
			Addr:      dead,
		})
		if err != nil {
			errc <- err
			return
		}
		for {
			f, err := conn.ReadFrame()
			if err != nil {
				errc <- err
				return
			}
			switch f := f.(type) {
			case *wire.RegisterTable:
				errc <- nil
				return
			case *wire.RegisterError:
				errc <- f.Err()
				return
			}
		}
	}()
	c, err := bigcomm.Init(ctx, test.Spec("dead", 2, 0),
		bigcomm.WithListenAddr("localhost:0"), bigcomm.WithPeerTimeout(500*time.Millisecond))
	if got, want := wire.CodeOf(err), wire.PeerConnectFailure; got != want {
		t.Errorf("got %v (%v), want %v", got, err, want)
	}
	if c != nil {
		t.Errorf("got communicator %v, want nil", c)
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
}

func TestDuplicateRank(t *testing.T) {
	test, err := testsystem.New(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer test.Shutdown()
	ctx := context.Background()
	errc := make(chan error, 1)
	go func() {
		_, err := bigcomm.Init(ctx, test.Spec("dup", 2, 0), bigcomm.WithListenAddr("localhost:0"))
		errc <- err
	}()
	for len(test.Daemon().Registry().Sessions()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	_, err = bigcomm.Init(ctx, test.Spec("dup", 2, 0), bigcomm.WithListenAddr("localhost:0"))
	if got, want := wire.CodeOf(err), wire.DuplicateRank; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := wire.CodeOf(<-errc), wire.BootstrapTimeout; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAnyRank(t *testing.T) {
	test, err := testsystem.New(0)
	if err != nil {
		t.Fatal(err)
	}
	defer test.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	comms := make([]*bigcomm.Comm, 3)
	g, gctx := errgroup.WithContext(ctx)
	for i := range comms {
		i := i
		g.Go(func() (err error) {
			comms[i], err = bigcomm.Init(gctx, test.Spec("any", 3, bigcomm.AnyRank), bigcomm.WithListenAddr("localhost:0"))
			return
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	var ranks []int
	for _, c := range comms {
		ranks = append(ranks, c.Rank())
	}
	sort.Ints(ranks)
	if got, want := ranks, []int{0, 1, 2}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := testsystem.Finalize(ctx, comms); err != nil {
		t.Fatal(err)
	}
}
