// Copyright 2024 Terminos Storage Protocol
// This file is part of the tos library.
//
// The tos library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The tos library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the tos library. If not, see <http://www.gnu.org/licenses/>.

package emo

import (
	"context"
	"encoding/binary"
	"fmt"
)

// DType names a tensor element type, mirroring the small fixed set the
// original model-serving code carries across the wire (U8/U32/I64/BF16/
// F16/F32/F64) instead of a free-form string.
type DType byte

const (
	DTypeU8 DType = iota
	DTypeU32
	DTypeI64
	DTypeBF16
	DTypeF16
	DTypeF32
	DTypeF64
)

// Tensor is the opaque binary blob spec §6 describes for FORWARD payloads:
// dtype, dimensions, and raw bytes, serialized in a stable binary form for
// transmission over RpcReq/RpcRes (spec §6: "a tensor is an opaque binary
// blob carrying dtype, dimensions, and raw bytes").
type Tensor struct {
	Dims  []uint64
	Buf   []byte
	DType DType
}

// Marshal encodes a Tensor to a stable binary form: dtype byte, dim count,
// dims as u64 LE, then raw bytes.
func (t Tensor) Marshal() []byte {
	out := make([]byte, 0, 1+4+8*len(t.Dims)+len(t.Buf))
	out = append(out, byte(t.DType))
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(t.Dims)))
	out = append(out, n[:]...)
	for _, d := range t.Dims {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], d)
		out = append(out, b[:]...)
	}
	out = append(out, t.Buf...)
	return out
}

// UnmarshalTensor decodes a Tensor previously produced by Marshal.
func UnmarshalTensor(buf []byte) (Tensor, error) {
	if len(buf) < 5 {
		return Tensor{}, fmt.Errorf("executor: short tensor encoding")
	}
	dtype := DType(buf[0])
	ndims := binary.LittleEndian.Uint32(buf[1:5])
	off := 5
	if len(buf) < off+8*int(ndims) {
		return Tensor{}, fmt.Errorf("executor: truncated tensor dims")
	}
	dims := make([]uint64, ndims)
	for i := range dims {
		dims[i] = binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
	}
	return Tensor{Dims: dims, Buf: append([]byte(nil), buf[off:]...), DType: dtype}, nil
}

// LayerConfig carries the per-session parameters an executor needs to open
// its KV cache slots on START.
type LayerConfig struct {
	ChatID ChatId
	Layers LayerRange
}

// LayerExecutor is the external collaborator that actually runs the node's
// hosted transformer layers (spec §6). The Session Pipeline calls it; it
// never calls back into the pipeline.
type LayerExecutor interface {
	// Start opens KV-cache slots for sessionID, scoped to cfg.Layers.
	Start(ctx context.Context, sessionID SessionId, cfg LayerConfig) error
	// Forward runs one step of the hosted layers over tensor, returning the
	// resulting hidden state.
	Forward(ctx context.Context, sessionID SessionId, step uint32, tensor Tensor, seqLen, indexPos uint32) (Tensor, error)
	// Finish releases sessionID's KV-cache slots. Idempotent.
	Finish(sessionID SessionId)
}

// NopExecutor is a LayerExecutor that performs no computation: Forward
// echoes its input tensor unchanged. Useful for nodes with an empty local
// range, and in tests.
type NopExecutor struct{}

func (NopExecutor) Start(context.Context, SessionId, LayerConfig) error { return nil }

func (NopExecutor) Forward(_ context.Context, _ SessionId, _ uint32, tensor Tensor, _, _ uint32) (Tensor, error) {
	return tensor, nil
}

func (NopExecutor) Finish(SessionId) {}
