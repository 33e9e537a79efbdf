// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wire defines the frames exchanged between bigcomm clients,
// daemons, and peers, and their binary encoding.
//
// Every frame is a 16-byte header followed by a body:
//
//	magic    uint16  0xB1C0
//	type     uint8
//	flags    uint8
//	length   uint32  body length in bytes
//	checksum uint64  xxhash64 of the body
//
// All integers are big-endian. Strings and byte slices in bodies are
// prefixed by their uint32 length.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/OneOfOne/xxhash"
	"github.com/grailbio/base/errors"
)

const (
	// Magic begins every frame header.
	Magic uint16 = 0xB1C0
	// HeaderSize is the size of a frame header in bytes.
	HeaderSize = 16
	// MaxBodySize is the largest body accepted by ReadFrame.
	MaxBodySize = 1 << 30
	// CompressThreshold is the smallest payload that is considered for
	// compression.
	CompressThreshold = 4 << 10
)

const flagCompressed uint8 = 1 << 0

// WriteFrame encodes f and writes it to w in a single call to Write.
// It returns the number of bytes written.
func WriteFrame(w io.Writer, f Frame) (int, error) {
	e := encoder{buf: make([]byte, HeaderSize, HeaderSize+64)}
	f.encode(&e)
	body := e.buf[HeaderSize:]
	if len(body) > MaxBodySize {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("wire: %s frame body of %d bytes exceeds maximum", f.Type(), len(body)))
	}
	binary.BigEndian.PutUint16(e.buf[0:2], Magic)
	e.buf[2] = uint8(f.Type())
	e.buf[3] = e.flags
	binary.BigEndian.PutUint32(e.buf[4:8], uint32(len(body)))
	binary.BigEndian.PutUint64(e.buf[8:16], xxhash.Checksum64(body))
	return w.Write(e.buf)
}

// ReadFrame reads and decodes the next frame from r. It returns the
// number of bytes consumed along with the frame. The error is io.EOF
// only if r is at EOF before the first byte of a frame.
func ReadFrame(r io.Reader) (Frame, int, error) {
	var hdr [HeaderSize]byte
	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = errors.E(errors.Net, "wire: truncated frame header", err)
		}
		return nil, n, err
	}
	if magic := binary.BigEndian.Uint16(hdr[0:2]); magic != Magic {
		return nil, HeaderSize, errors.E(errors.Invalid, fmt.Sprintf("wire: bad magic %#x", magic))
	}
	typ, flags := Type(hdr[2]), hdr[3]
	size := binary.BigEndian.Uint32(hdr[4:8])
	if size > MaxBodySize {
		return nil, HeaderSize, errors.E(errors.Invalid, fmt.Sprintf("wire: %s frame body of %d bytes exceeds maximum", typ, size))
	}
	f := newFrame(typ)
	if f == nil {
		return nil, HeaderSize, errors.E(errors.Invalid, fmt.Sprintf("wire: unknown frame type %d", typ))
	}
	if flags&flagCompressed != 0 && typ != TypeData {
		return nil, HeaderSize, errors.E(errors.Invalid, fmt.Sprintf("wire: compressed %s frame", typ))
	}
	body := make([]byte, size)
	n, err := io.ReadFull(r, body)
	n += HeaderSize
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = errors.E(errors.Net, "wire: truncated frame body", io.ErrUnexpectedEOF)
		}
		return nil, n, err
	}
	if sum, want := xxhash.Checksum64(body), binary.BigEndian.Uint64(hdr[8:16]); sum != want {
		return nil, n, errors.E(errors.Integrity, fmt.Sprintf("wire: %s frame checksum %x, expected %x", typ, sum, want))
	}
	d := decoder{buf: body, flags: flags}
	f.decode(&d)
	if err := d.finish(); err != nil {
		return nil, n, errors.E(fmt.Sprintf("wire: decode %s frame", typ), err)
	}
	return f, n, nil
}

type encoder struct {
	buf   []byte
	flags uint8
}

func (e *encoder) putUint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) putUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) putUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

// putInt writes a signed value in 32 bits: ranks, sizes, and tags all
// fit.
func (e *encoder) putInt(v int) {
	e.putUint32(uint32(int32(v)))
}

func (e *encoder) putBytes(p []byte) {
	e.putUint32(uint32(len(p)))
	e.buf = append(e.buf, p...)
}

func (e *encoder) putString(s string) {
	e.putUint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// A decoder reads fields from a frame body. The first failure is
// sticky: subsequent reads return zero values.
type decoder struct {
	buf   []byte
	off   int
	flags uint8
	err   error
}

func (d *decoder) fail(msg string) {
	if d.err == nil {
		d.err = errors.E(errors.Invalid, "wire: "+msg)
	}
}

func (d *decoder) next(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.fail("short frame body")
		return nil
	}
	p := d.buf[d.off : d.off+n]
	d.off += n
	return p
}

func (d *decoder) uint8() uint8 {
	p := d.next(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (d *decoder) uint32() uint32 {
	p := d.next(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

func (d *decoder) uint64() uint64 {
	p := d.next(8)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint64(p)
}

func (d *decoder) int() int {
	return int(int32(d.uint32()))
}

func (d *decoder) bytes() []byte {
	n := d.uint32()
	if d.err != nil {
		return nil
	}
	p := d.next(int(n))
	if p == nil {
		return nil
	}
	// Copy so that frames do not alias the body buffer.
	return append([]byte{}, p...)
}

func (d *decoder) string() string {
	n := d.uint32()
	return string(d.next(int(n)))
}

func (d *decoder) finish() error {
	if d.err == nil && d.off != len(d.buf) {
		d.fail(fmt.Sprintf("%d trailing bytes in frame body", len(d.buf)-d.off))
	}
	return d.err
}
