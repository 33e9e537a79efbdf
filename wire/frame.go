// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/pierrec/lz4/v4"
)

// Type is the type of a frame.
type Type uint8

const (
	TypeRegisterRequest Type = iota + 1
	TypeRegisterPending
	TypeRegisterTable
	TypeRegisterError
	TypeHello
	TypeData
	TypeAck
	TypeBye
)

// String returns the frame type's name.
func (t Type) String() string {
	switch t {
	case TypeRegisterRequest:
		return "RegisterRequest"
	case TypeRegisterPending:
		return "RegisterPending"
	case TypeRegisterTable:
		return "RegisterTable"
	case TypeRegisterError:
		return "RegisterError"
	case TypeHello:
		return "Hello"
	case TypeData:
		return "Data"
	case TypeAck:
		return "Ack"
	case TypeBye:
		return "Bye"
	default:
		return fmt.Sprintf("Type(%d)", t)
	}
}

// A Frame is a single message on a bigcomm connection.
type Frame interface {
	// Type returns the frame's type.
	Type() Type

	encode(e *encoder)
	decode(d *decoder)
}

func newFrame(t Type) Frame {
	switch t {
	case TypeRegisterRequest:
		return new(RegisterRequest)
	case TypeRegisterPending:
		return new(RegisterPending)
	case TypeRegisterTable:
		return new(RegisterTable)
	case TypeRegisterError:
		return new(RegisterError)
	case TypeHello:
		return new(Hello)
	case TypeData:
		return new(Data)
	case TypeAck:
		return new(Ack)
	case TypeBye:
		return new(Bye)
	default:
		return nil
	}
}

// RegisterRequest is sent by a client to its daemon to join a job.
// Rank is AnyRank if the client wants the daemon to assign one.
type RegisterRequest struct {
	Partition string
	Daemon    string
	Job       string
	WorldSize int
	Rank      int
	Addr      string
}

// AnyRank asks the daemon to assign the lowest free rank.
const AnyRank = -1

func (*RegisterRequest) Type() Type { return TypeRegisterRequest }

func (f *RegisterRequest) encode(e *encoder) {
	e.putString(f.Partition)
	e.putString(f.Daemon)
	e.putString(f.Job)
	e.putInt(f.WorldSize)
	e.putInt(f.Rank)
	e.putString(f.Addr)
}

func (f *RegisterRequest) decode(d *decoder) {
	f.Partition = d.string()
	f.Daemon = d.string()
	f.Job = d.string()
	f.WorldSize = d.int()
	f.Rank = d.int()
	f.Addr = d.string()
}

// RegisterPending acknowledges a registration: the client has been
// admitted to session JobID with the given rank, and should wait for
// the table.
type RegisterPending struct {
	JobID     string
	Rank      int
	WorldSize int
}

func (*RegisterPending) Type() Type { return TypeRegisterPending }

func (f *RegisterPending) encode(e *encoder) {
	e.putString(f.JobID)
	e.putInt(f.Rank)
	e.putInt(f.WorldSize)
}

func (f *RegisterPending) decode(d *decoder) {
	f.JobID = d.string()
	f.Rank = d.int()
	f.WorldSize = d.int()
}

// RegisterTable carries the sealed address table of a session. Addrs is
// indexed by rank.
type RegisterTable struct {
	JobID string
	Rank  int
	Addrs []string
}

func (*RegisterTable) Type() Type { return TypeRegisterTable }

func (f *RegisterTable) encode(e *encoder) {
	e.putString(f.JobID)
	e.putInt(f.Rank)
	e.putUint32(uint32(len(f.Addrs)))
	for _, addr := range f.Addrs {
		e.putString(addr)
	}
}

func (f *RegisterTable) decode(d *decoder) {
	f.JobID = d.string()
	f.Rank = d.int()
	n := d.uint32()
	if d.err != nil {
		return
	}
	// Every address costs at least its length prefix.
	if int(n) > (len(d.buf)-d.off)/4 {
		d.fail("address table too large")
		return
	}
	f.Addrs = make([]string, n)
	for i := range f.Addrs {
		f.Addrs[i] = d.string()
	}
}

// RegisterError rejects a registration.
type RegisterError struct {
	Code    Code
	Message string
}

func (*RegisterError) Type() Type { return TypeRegisterError }

// NewRegisterError returns a RegisterError frame describing err.
// Errors that do not carry a code are reported as InvalidRequest.
func NewRegisterError(err error) *RegisterError {
	f := &RegisterError{Code: CodeOf(err), Message: MessageOf(err)}
	if f.Code == OK {
		f.Code = InvalidRequest
	}
	return f
}

// Err returns the error carried by the frame.
func (f *RegisterError) Err() error {
	return E(f.Code, f.Message)
}

func (f *RegisterError) encode(e *encoder) {
	e.putUint8(uint8(f.Code))
	e.putString(f.Message)
}

func (f *RegisterError) decode(d *decoder) {
	f.Code = Code(d.uint8())
	f.Message = d.string()
}

// Hello is the first frame on a peer connection, identifying the
// dialing rank in both directions.
type Hello struct {
	JobID string
	Rank  int
}

func (*Hello) Type() Type { return TypeHello }

func (f *Hello) encode(e *encoder) {
	e.putString(f.JobID)
	e.putInt(f.Rank)
}

func (f *Hello) decode(d *decoder) {
	f.JobID = d.string()
	f.Rank = d.int()
}

// Data carries a tagged payload between ranks. Seq numbers are assigned
// per connection and direction, starting at 1. If Compress is set, the
// payload is lz4-compressed on the wire when that makes it smaller;
// on decode Compress reports whether the payload arrived compressed.
type Data struct {
	Seq      uint64
	Tag      int
	Payload  []byte
	Compress bool
}

func (*Data) Type() Type { return TypeData }

func (f *Data) encode(e *encoder) {
	e.putUint64(f.Seq)
	e.putInt(f.Tag)
	if f.Compress && len(f.Payload) >= CompressThreshold {
		dst := make([]byte, lz4.CompressBlockBound(len(f.Payload)))
		n, err := lz4.CompressBlock(f.Payload, dst, nil)
		if err == nil && n > 0 && n+4 < len(f.Payload) {
			e.flags |= flagCompressed
			e.putUint32(uint32(len(f.Payload)))
			e.putBytes(dst[:n])
			return
		}
	}
	e.putBytes(f.Payload)
}

func (f *Data) decode(d *decoder) {
	f.Seq = d.uint64()
	f.Tag = d.int()
	if d.flags&flagCompressed == 0 {
		f.Payload = d.bytes()
		return
	}
	f.Compress = true
	size := d.uint32()
	block := d.bytes()
	if d.err != nil {
		return
	}
	if size > MaxBodySize {
		d.fail("decompressed payload too large")
		return
	}
	f.Payload = make([]byte, size)
	n, err := lz4.UncompressBlock(block, f.Payload)
	if err != nil {
		d.err = errors.E(errors.Integrity, "wire: decompress payload", err)
		return
	}
	if n != int(size) {
		d.err = errors.E(errors.Integrity, fmt.Sprintf("wire: decompressed %d bytes, expected %d", n, size))
	}
}

// Ack cumulatively acknowledges all Data frames up to and including
// Seq.
type Ack struct {
	Seq uint64
}

func (*Ack) Type() Type { return TypeAck }

func (f *Ack) encode(e *encoder) { e.putUint64(f.Seq) }

func (f *Ack) decode(d *decoder) { f.Seq = d.uint64() }

// Bye announces an orderly close: the sender will not send further
// Data frames.
type Bye struct{}

func (*Bye) Type() Type { return TypeBye }

func (*Bye) encode(*encoder) {}

func (*Bye) decode(*decoder) {}
