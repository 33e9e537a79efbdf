// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transport carries bigcomm frames over TCP connections.
package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigcomm/wire"
)

var dialPolicy = retry.Backoff(100*time.Millisecond, 2*time.Second, 1.5)

// aLongTimeAgo is a deadline in the past, used to interrupt blocking
// I/O.
var aLongTimeAgo = time.Unix(1, 0)

// Conn is a frame connection. Writes may be issued concurrently;
// reads must be issued by a single goroutine.
type Conn struct {
	nwritten int64
	closed   int32

	conn net.Conn
	r    *countingReader

	mu sync.Mutex
	w  *bufio.Writer
}

// NewConn returns a frame connection on top of the provided network
// connection.
func NewConn(conn net.Conn) *Conn {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &Conn{
		conn: conn,
		r:    &countingReader{r: bufio.NewReader(conn)},
		w:    bufio.NewWriter(conn),
	}
}

// Dial connects to the provided address, retrying with backoff until
// the connection succeeds or the context is done.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var dialer net.Dialer
	for retries := 0; ; retries++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return NewConn(conn), nil
		}
		log.Debug.Printf("dial %s: %v (try %d)", addr, err, retries+1)
		if werr := retry.Wait(ctx, dialPolicy, retries); werr != nil {
			return nil, errors.E(errors.Net, "dial "+addr, err)
		}
	}
}

// Listen announces on the provided TCP address.
func Listen(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.E(errors.Net, "listen "+addr, err)
	}
	return l, nil
}

// WriteFrame writes a frame to the connection and flushes it.
func (c *Conn) WriteFrame(f wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if atomic.LoadInt32(&c.closed) != 0 {
		return errors.E(errors.Net, "write on closed connection")
	}
	n, err := wire.WriteFrame(c.w, f)
	if err == nil {
		err = c.w.Flush()
	}
	atomic.AddInt64(&c.nwritten, int64(n))
	if err != nil {
		return errors.E(errors.Net, "write "+f.Type().String()+" frame", err)
	}
	return nil
}

// ReadFrame reads the next frame from the connection.
func (c *Conn) ReadFrame() (wire.Frame, error) {
	f, _, err := wire.ReadFrame(c.r)
	if err != nil && err != io.EOF && !errors.Is(errors.Integrity, err) && !errors.Is(errors.Invalid, err) {
		err = errors.E(errors.Net, "read frame", err)
	}
	return f, err
}

// Interrupt arranges for I/O on the connection to fail once the
// context is done. The returned function stops the watch; it returns
// the context's error if the connection was interrupted, after which
// the connection is no longer usable.
func (c *Conn) Interrupt(ctx context.Context) (stop func() error) {
	return interrupt(ctx, c.conn.SetDeadline, nil)
}

// InterruptWrite is like Interrupt, but only writes fail once the
// context is done, and the write deadline is cleared again when the
// watch is stopped. A write that completed before it could be
// interrupted leaves the connection usable even though stop reports
// the context's error.
func (c *Conn) InterruptWrite(ctx context.Context) (stop func() error) {
	return interrupt(ctx, c.conn.SetWriteDeadline, c.conn.SetWriteDeadline)
}

func interrupt(ctx context.Context, set, reset func(time.Time) error) (stop func() error) {
	if ctx.Done() == nil {
		return func() error { return nil }
	}
	var (
		done   = make(chan struct{})
		exited = make(chan error, 1)
	)
	go func() {
		select {
		case <-ctx.Done():
			_ = set(aLongTimeAgo)
			exited <- ctx.Err()
		case <-done:
			exited <- nil
		}
	}()
	return func() error {
		close(done)
		err := <-exited
		if err != nil && reset != nil {
			_ = reset(time.Time{})
		}
		return err
	}
}

// SetDeadline sets the read and write deadline of the underlying
// connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// BytesRead returns the number of bytes read from the connection.
func (c *Conn) BytesRead() int64 { return atomic.LoadInt64(&c.r.n) }

// BytesWritten returns the number of bytes written to the connection.
func (c *Conn) BytesWritten() int64 { return atomic.LoadInt64(&c.nwritten) }

// Close closes the connection, failing any blocked reads and writes.
// It is safe to call Close multiple times.
func (c *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	return c.conn.Close()
}

// CloseWrite flushes pending writes and shuts down the writing side
// of the connection, if the underlying connection supports it.
func (c *Conn) CloseWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if atomic.LoadInt32(&c.closed) != 0 {
		return nil
	}
	if err := c.w.Flush(); err != nil {
		return errors.E(errors.Net, "flush", err)
	}
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// CountingReader keeps track of the number of bytes read
// through the underlying reader.
type countingReader struct {
	r io.Reader
	n int64
}

// Read implements io.Reader.
func (c *countingReader) Read(p []byte) (n int, err error) {
	n, err = c.r.Read(p)
	atomic.AddInt64(&c.n, int64(n))
	return
}
