// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// A Code identifies a bigcomm failure. Codes travel on the wire in
// RegisterError frames, and are carried inside local errors so that
// callers can distinguish them with CodeOf.
type Code uint8

const (
	// OK is the zero code; it never describes an error.
	OK Code = iota
	// MisroutedRegistration indicates that a registration named a
	// partition or daemon other than the one that received it.
	MisroutedRegistration
	// WorldSizeMismatch indicates that a registration disagreed with the
	// world size of the open session for the same job.
	WorldSizeMismatch
	// DuplicateRank indicates that a rank registered twice in one session.
	DuplicateRank
	// BootstrapTimeout indicates that a session did not fill within its
	// registration window.
	BootstrapTimeout
	// PeerConnectFailure indicates that the peer mesh could not be formed.
	PeerConnectFailure
	// ChannelClosed indicates that a peer connection was torn down.
	ChannelClosed
	// UnknownRank indicates a rank outside of [0, world-size).
	UnknownRank
	// InvalidRequest indicates a malformed request or frame.
	InvalidRequest
	// DaemonShutdown indicates that the daemon stopped while a
	// registration was pending.
	DaemonShutdown
	// Finalized indicates an operation on a finalized communicator.
	Finalized

	maxCode
)

var codeNames = [...]string{
	OK:                    "OK",
	MisroutedRegistration: "MisroutedRegistration",
	WorldSizeMismatch:     "WorldSizeMismatch",
	DuplicateRank:         "DuplicateRank",
	BootstrapTimeout:      "BootstrapTimeout",
	PeerConnectFailure:    "PeerConnectFailure",
	ChannelClosed:         "ChannelClosed",
	UnknownRank:           "UnknownRank",
	InvalidRequest:        "InvalidRequest",
	DaemonShutdown:        "DaemonShutdown",
	Finalized:             "Finalized",
}

// String returns the code's name.
func (c Code) String() string {
	if c >= maxCode {
		return fmt.Sprintf("Code(%d)", c)
	}
	return codeNames[c]
}

// Kind returns the error kind under which errors of this code are
// reported.
func (c Code) Kind() errors.Kind {
	switch c {
	case MisroutedRegistration:
		return errors.NotAllowed
	case WorldSizeMismatch:
		return errors.Precondition
	case DuplicateRank:
		return errors.Exists
	case BootstrapTimeout:
		return errors.Timeout
	case PeerConnectFailure:
		return errors.Net
	case ChannelClosed, DaemonShutdown, Finalized:
		return errors.Unavailable
	case UnknownRank, InvalidRequest:
		return errors.Invalid
	default:
		return errors.Other
	}
}

// Error is the coded cause carried by bigcomm errors.
type Error struct {
	Code    Code
	Message string
}

// Error implements error.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Message
}

// E returns an error of the provided code. Its kind is given by
// code.Kind, so that errors.Is works as it does for other errors.
func E(code Code, message string) error {
	return errors.E(code.Kind(), &Error{Code: code, Message: message})
}

// Errorf is E with a formatted message.
func Errorf(code Code, format string, args ...interface{}) error {
	return E(code, fmt.Sprintf(format, args...))
}

// CodeOf returns the code carried by err, or OK if err does not carry
// one.
func CodeOf(err error) Code {
	if e := find(err); e != nil {
		return e.Code
	}
	return OK
}

// MessageOf returns the message of the coded error carried by err, or
// err's full message if it does not carry one.
func MessageOf(err error) string {
	if e := find(err); e != nil {
		return e.Message
	}
	return err.Error()
}

func find(err error) *Error {
	for err != nil {
		switch e := err.(type) {
		case *Error:
			return e
		case *errors.Error:
			err = e.Err
		case interface{ Unwrap() error }:
			err = e.Unwrap()
		default:
			return nil
		}
	}
	return nil
}

// Is tells whether err carries the provided code.
func Is(code Code, err error) bool {
	return err != nil && CodeOf(err) == code
}
