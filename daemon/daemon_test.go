// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/transport"
	"github.com/grailbio/bigcomm/wire"
	"github.com/grailbio/testutil"
	"golang.org/x/sync/errgroup"
)

func startDaemon(t *testing.T, config Config) *Daemon {
	t.Helper()
	if config.Partition == "" {
		config.Partition, config.Name = testIdentity.Partition, testIdentity.Name
	}
	if config.Addr == "" {
		config.Addr = "localhost:0"
	}
	d, err := New(config)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	return d
}

// register performs a registration against the daemon, returning the
// pending frame and the final reply.
func register(ctx context.Context, addr string, req *wire.RegisterRequest) (*wire.RegisterPending, *wire.RegisterTable, error) {
	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	defer conn.Close()
	if err := conn.WriteFrame(req); err != nil {
		return nil, nil, err
	}
	var pending *wire.RegisterPending
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			return pending, nil, err
		}
		switch f := f.(type) {
		case *wire.RegisterPending:
			pending = f
		case *wire.RegisterTable:
			return pending, f, nil
		case *wire.RegisterError:
			return pending, nil, f.Err()
		}
	}
}

func TestDaemon(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	d := startDaemon(t, Config{AdvertiseDir: dir})
	defer d.Shutdown()

	ad, err := Lookup(dir, testIdentity)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ad.Addr, d.Addr(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := ad.Pid, os.Getpid(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	const N = 4
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var (
		pendings = make([]*wire.RegisterPending, N)
		tables   = make([]*wire.RegisterTable, N)
	)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < N; i++ {
		i := i
		g.Go(func() (err error) {
			pendings[i], tables[i], err = register(ctx, ad.Addr, request("job", N, i))
			return
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < N; i++ {
		if got, want := pendings[i].Rank, i; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := tables[i].JobID, pendings[0].JobID; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := tables[i].Addrs, tables[0].Addrs; !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if got, want := len(tables[0].Addrs), N; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	d.Shutdown()
	if _, err := Lookup(dir, testIdentity); !errors.Is(errors.NotExist, err) {
		t.Errorf("advertisement not removed: %v", err)
	}
}

func TestDaemonErrors(t *testing.T) {
	d := startDaemon(t, Config{NoAdvertise: true, RegisterTimeout: 100 * time.Millisecond})
	defer d.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req := request("job", 2, 0)
	req.Partition = "other"
	_, _, err := register(ctx, d.Addr(), req)
	if got, want := wire.CodeOf(err), wire.MisroutedRegistration; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	pending, _, err := register(ctx, d.Addr(), request("job", 2, 0))
	if got, want := wire.CodeOf(err), wire.BootstrapTimeout; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if pending == nil {
		t.Error("expected pending reply before timeout")
	}
}

func TestDaemonShutdown(t *testing.T) {
	d := startDaemon(t, Config{NoAdvertise: true})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	errc := make(chan error)
	go func() {
		_, _, err := register(ctx, d.Addr(), request("job", 2, 0))
		errc <- err
	}()
	for len(d.Registry().Sessions()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	d.Shutdown()
	if got, want := wire.CodeOf(<-errc), wire.DaemonShutdown; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStatus(t *testing.T) {
	d := startDaemon(t, Config{NoAdvertise: true})
	defer d.Shutdown()
	sess, _, err := d.Registry().Register(request("pi", 3, 1))
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	d.HandleDebug(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", StatusPath, nil))
	if got, want := rec.Code, http.StatusOK; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	body := rec.Body.String()
	for _, want := range []string{"home/home1", sess.ID, `"pi"`, "OPEN", "1/3", "missing 0,2"} {
		if !strings.Contains(body, want) {
			t.Errorf("status %q does not contain %q", body, want)
		}
	}
	vars := daemonstats.Path("home", "home1").Get("live").String()
	if !strings.Contains(vars, sess.ID) {
		t.Errorf("expvar %s does not contain %s", vars, sess.ID)
	}
}

func TestInvalidConfig(t *testing.T) {
	for _, config := range []Config{
		{Partition: "", Name: "x"},
		{Partition: "p", Name: "a/b"},
		{Partition: "..", Name: "x"},
	} {
		if _, err := New(config); !errors.Is(errors.Invalid, err) {
			t.Errorf("%+v: got %v, want invalid", config, err)
		}
	}
}
