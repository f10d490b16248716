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
	"container/list"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
)

const (
	wireTagChunk    byte = 0
	wireTagChunkAck byte = 1
)

// wireChunk is one on-wire chunker datagram (spec §4.3): either a data
// Chunk or a ChunkAck. Only one of Data is meaningful depending on Ack.
type wireChunk struct {
	Ack        bool
	FrameID    uint32
	ChunkID    uint16
	ChunkCount uint16
	Data       []byte
}

// encode serializes a wireChunk to its wire form: 1 tag byte, frame_id,
// chunk_id, chunk_count, and — for a Chunk — a length-prefixed data blob.
func (c wireChunk) encode() []byte {
	head := make([]byte, 9)
	if c.Ack {
		head[0] = wireTagChunkAck
	} else {
		head[0] = wireTagChunk
	}
	binary.LittleEndian.PutUint32(head[1:5], c.FrameID)
	binary.LittleEndian.PutUint16(head[5:7], c.ChunkID)
	binary.LittleEndian.PutUint16(head[7:9], c.ChunkCount)
	if c.Ack {
		return head
	}
	out := make([]byte, 9+4+len(c.Data))
	copy(out, head)
	binary.LittleEndian.PutUint32(out[9:13], uint32(len(c.Data)))
	copy(out[13:], c.Data)
	return out
}

// inAirSize is the serialized size counted against the in-flight budget:
// only data Chunks count, never Acks (spec §4.3).
func (c wireChunk) inAirSize() int {
	if c.Ack {
		return 0
	}
	return len(c.encode())
}

func decodeWireChunk(buf []byte) (wireChunk, error) {
	if len(buf) < 9 {
		return wireChunk{}, fmt.Errorf("chunker: short datagram: %d bytes", len(buf))
	}
	c := wireChunk{
		Ack:        buf[0] == wireTagChunkAck,
		FrameID:    binary.LittleEndian.Uint32(buf[1:5]),
		ChunkID:    binary.LittleEndian.Uint16(buf[5:7]),
		ChunkCount: binary.LittleEndian.Uint16(buf[7:9]),
	}
	if c.Ack {
		return c, nil
	}
	if len(buf) < 13 {
		return wireChunk{}, fmt.Errorf("chunker: truncated chunk header")
	}
	n := binary.LittleEndian.Uint32(buf[9:13])
	if uint32(len(buf)-13) < n {
		return wireChunk{}, fmt.Errorf("chunker: truncated chunk body")
	}
	c.Data = append([]byte(nil), buf[13:13+n]...)
	return c, nil
}

type incomingFrame struct {
	chunkCount uint16
	chunks     map[uint16][]byte
	have       int
}

type outgoingFrame struct {
	// chunks maps chunk_id -> its recorded in-air size, mirroring the
	// source's BTreeMap<u16, usize>; entries are removed as acks arrive.
	chunks map[uint16]int
}

// Chunker turns arbitrary-size application messages into bounded wire
// chunks with per-chunk ACKs over a fixed in-flight byte budget (spec
// §4.3), grounded on the source's ConnectionBuffer<CHUNK_SIZE, AIR_LIMIT>.
type Chunker struct {
	chunkSize int
	airLimit  int

	frameIDSeed uint32
	highPrio    *list.List // of wireChunk
	lowPrio     *list.List // of wireChunk
	incomings   map[uint32]*incomingFrame
	outgoings   map[uint32]*outgoingFrame
	outs        *list.List // of []byte, ready application messages
	inAirSize   int

	log *zap.SugaredLogger
}

// NewChunker builds a chunker with the given chunk size and in-flight byte
// budget. Pass 0 for either to use the spec defaults (CHUNK_SIZE, AIR_LIMIT).
func NewChunker(chunkSize, airLimit int, log *zap.Logger) *Chunker {
	if chunkSize <= 0 {
		chunkSize = CHUNK_SIZE
	}
	if airLimit <= 0 {
		airLimit = AIR_LIMIT
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Chunker{
		chunkSize: chunkSize,
		airLimit:  airLimit,
		highPrio:  list.New(),
		lowPrio:   list.New(),
		incomings: make(map[uint32]*incomingFrame),
		outgoings: make(map[uint32]*outgoingFrame),
		outs:      list.New(),
		log:       log.Sugar().Named("chunker"),
	}
}

// PushFrame splits one application message into wire chunks and enqueues
// them: a single-chunk frame into high_priority, a multi-chunk frame's
// bodies into low_priority (spec §4.3 "smalls-beat-bigs").
func (c *Chunker) PushFrame(data []byte) {
	frameID := c.frameIDSeed
	c.frameIDSeed++
	frame := &outgoingFrame{chunks: make(map[uint16]int)}

	if len(data) <= c.chunkSize {
		chunk := wireChunk{FrameID: frameID, ChunkID: 0, ChunkCount: 1, Data: append([]byte(nil), data...)}
		frame.chunks[0] = chunk.inAirSize()
		c.outgoings[frameID] = frame
		c.highPrio.PushBack(chunk)
		c.log.Debugw("push single-chunk frame", "frame_id", frameID, "bytes", len(data))
		return
	}

	count := (len(data) + c.chunkSize - 1) / c.chunkSize
	for i := 0; i < count; i++ {
		from := i * c.chunkSize
		to := from + c.chunkSize
		if to > len(data) {
			to = len(data)
		}
		chunk := wireChunk{
			FrameID:    frameID,
			ChunkID:    uint16(i),
			ChunkCount: uint16(count),
			Data:       append([]byte(nil), data[from:to]...),
		}
		frame.chunks[uint16(i)] = chunk.inAirSize()
		c.lowPrio.PushBack(chunk)
	}
	c.outgoings[frameID] = frame
	c.log.Debugw("push multi-chunk frame", "frame_id", frameID, "chunks", count, "bytes", len(data))
}

// OnReceived decodes one inbound wire datagram: a Chunk is acked and
// reassembled (or delivered immediately if single-chunk); a ChunkAck
// decrements the in-flight budget for its frame.
func (c *Chunker) OnReceived(buf []byte) error {
	wc, err := decodeWireChunk(buf)
	if err != nil {
		return err
	}

	if !wc.Ack {
		c.highPrio.PushBack(wireChunk{Ack: true, FrameID: wc.FrameID, ChunkID: wc.ChunkID, ChunkCount: wc.ChunkCount})

		if wc.ChunkCount == 1 {
			c.outs.PushBack(wc.Data)
			return nil
		}

		frame, ok := c.incomings[wc.FrameID]
		if !ok {
			frame = &incomingFrame{chunkCount: wc.ChunkCount, chunks: make(map[uint16][]byte)}
			c.incomings[wc.FrameID] = frame
		}
		if _, dup := frame.chunks[wc.ChunkID]; !dup {
			frame.chunks[wc.ChunkID] = wc.Data
			frame.have++
		}
		if frame.have == int(frame.chunkCount) {
			delete(c.incomings, wc.FrameID)
			out := make([]byte, 0, frame.have*c.chunkSize)
			for id := uint16(0); id < frame.chunkCount; id++ {
				out = append(out, frame.chunks[id]...)
			}
			c.outs.PushBack(out)
		}
		return nil
	}

	frame, ok := c.outgoings[wc.FrameID]
	if !ok {
		c.log.Warnw("ack for unknown frame", "frame_id", wc.FrameID)
		return nil
	}
	size, ok := frame.chunks[wc.ChunkID]
	if !ok {
		c.log.Warnw("ack for unknown chunk", "frame_id", wc.FrameID, "chunk_id", wc.ChunkID)
		return nil
	}
	delete(frame.chunks, wc.ChunkID)
	c.inAirSize -= size
	if len(frame.chunks) == 0 {
		delete(c.outgoings, wc.FrameID)
	}
	return nil
}

// PopSend dequeues the next wire datagram eligible to leave under the
// in-flight budget, preferring high_priority over low_priority (spec §4.3).
// Returns nil, false if nothing is eligible right now.
func (c *Chunker) PopSend() ([]byte, bool) {
	front := c.highPrio.Front()
	if front == nil {
		front = c.lowPrio.Front()
	}
	if front == nil {
		return nil, false
	}

	wc := front.Value.(wireChunk)
	size := wc.inAirSize()
	if size+c.inAirSize > c.airLimit {
		return nil, false
	}

	if c.highPrio.Front() != nil {
		c.highPrio.Remove(c.highPrio.Front())
	} else {
		c.lowPrio.Remove(c.lowPrio.Front())
	}
	c.inAirSize += size
	return wc.encode(), true
}

// PopRecv dequeues the next fully reassembled application message, if any.
func (c *Chunker) PopRecv() ([]byte, bool) {
	e := c.outs.Front()
	if e == nil {
		return nil, false
	}
	c.outs.Remove(e)
	return e.Value.([]byte), true
}

// InAirSize reports the current outstanding serialized Chunk bytes (spec
// §8 invariant: in_air_size == sum over outgoings[].chunks.values()).
func (c *Chunker) InAirSize() int { return c.inAirSize }
