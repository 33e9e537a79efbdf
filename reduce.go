// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

// The provided ReduceOps operate element-wise on vectors of 64-bit
// values, encoded little-endian as by EncodeInt64s and EncodeFloat64s.
var (
	SumInt64   = int64Op(func(a, b int64) int64 { return a + b })
	MaxInt64   = int64Op(maxInt64)
	MinInt64   = int64Op(minInt64)
	SumFloat64 = float64Op(func(a, b float64) float64 { return a + b })
	MaxFloat64 = float64Op(math.Max)
	MinFloat64 = float64Op(math.Min)
)

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func checkVectors(acc, in []byte) error {
	if len(acc)%8 != 0 || len(in)%8 != 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("payload sizes %d, %d are not multiples of 8", len(acc), len(in)))
	}
	if len(acc) != len(in) {
		return errors.E(errors.Invalid, fmt.Sprintf("mismatched vector lengths %d and %d", len(acc)/8, len(in)/8))
	}
	return nil
}

func int64Op(fn func(a, b int64) int64) ReduceOp {
	return func(acc, in []byte) ([]byte, error) {
		if err := checkVectors(acc, in); err != nil {
			return nil, err
		}
		for i := 0; i < len(acc); i += 8 {
			a := int64(binary.LittleEndian.Uint64(acc[i:]))
			b := int64(binary.LittleEndian.Uint64(in[i:]))
			binary.LittleEndian.PutUint64(acc[i:], uint64(fn(a, b)))
		}
		return acc, nil
	}
}

func float64Op(fn func(a, b float64) float64) ReduceOp {
	return func(acc, in []byte) ([]byte, error) {
		if err := checkVectors(acc, in); err != nil {
			return nil, err
		}
		for i := 0; i < len(acc); i += 8 {
			a := math.Float64frombits(binary.LittleEndian.Uint64(acc[i:]))
			b := math.Float64frombits(binary.LittleEndian.Uint64(in[i:]))
			binary.LittleEndian.PutUint64(acc[i:], math.Float64bits(fn(a, b)))
		}
		return acc, nil
	}
}

// EncodeInt64s encodes a vector of int64s for use with the int64
// ReduceOps.
func EncodeInt64s(v ...int64) []byte {
	b := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(b[8*i:], uint64(x))
	}
	return b
}

// DecodeInt64s decodes a vector encoded by EncodeInt64s.
func DecodeInt64s(b []byte) ([]int64, error) {
	if len(b)%8 != 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("payload size %d is not a multiple of 8", len(b)))
	}
	v := make([]int64, len(b)/8)
	for i := range v {
		v[i] = int64(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return v, nil
}

// EncodeFloat64s encodes a vector of float64s for use with the float64
// ReduceOps.
func EncodeFloat64s(v ...float64) []byte {
	b := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(x))
	}
	return b
}

// DecodeFloat64s decodes a vector encoded by EncodeFloat64s.
func DecodeFloat64s(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("payload size %d is not a multiple of 8", len(b)))
	}
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return v, nil
}
