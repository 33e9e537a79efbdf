// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bigioutil contains IO utilities used by the bigcomm
// launcher.
package bigioutil

import (
	"bytes"
	"io"
	"sync"
)

// prefixWriter is an io.WriteCloser that outputs a prefix before each
// line. Lines are buffered so that each prefixed line reaches the
// underlying writer in a single write.
type prefixWriter struct {
	w      io.Writer
	prefix []byte
	buf    []byte
}

// PrefixWriter returns a new io.WriteCloser that copies its writes to
// the provided io.Writer, adding a prefix at the beginning of each
// line. Each complete line is written with a single call to w.Write,
// so that multiple prefix writers may share a writer that serializes
// its writes (see SyncWriter) without interleaving their lines. Close
// flushes a final, unterminated line.
func PrefixWriter(w io.Writer, prefix string) io.WriteCloser {
	return &prefixWriter{w: w, prefix: []byte(prefix)}
}

func (w *prefixWriter) Write(p []byte) (n int, err error) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.add(p)
			return n + len(p), nil
		}
		w.add(p[:i+1])
		n += i + 1
		p = p[i+1:]
		if err := w.flush(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (w *prefixWriter) add(p []byte) {
	if len(w.buf) == 0 {
		w.buf = append(w.buf, w.prefix...)
	}
	w.buf = append(w.buf, p...)
}

func (w *prefixWriter) flush() error {
	_, err := w.w.Write(w.buf)
	w.buf = w.buf[:0]
	return err
}

// Close writes any buffered partial line, terminated by a newline.
func (w *prefixWriter) Close() error {
	if len(w.buf) == 0 {
		return nil
	}
	w.buf = append(w.buf, '\n')
	return w.flush()
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// SyncWriter returns an io.Writer that serializes writes to w.
func SyncWriter(w io.Writer) io.Writer {
	return &syncWriter{w: w}
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
