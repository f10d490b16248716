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
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testChunkSize = 1024
	testAirLimit  = 4096
)

func TestChunkerBufferSmall(t *testing.T) {
	c := NewChunker(testChunkSize, testAirLimit, nil)
	small := []byte{1, 2, 3, 4, 5}

	c.PushFrame(small)

	sent, ok := c.PopSend()
	require.True(t, ok)
	wc, err := decodeWireChunk(sent)
	require.NoError(t, err)
	assert.Equal(t, wireChunk{FrameID: 0, ChunkID: 0, ChunkCount: 1, Data: small}, wc)

	ack := wireChunk{Ack: true, FrameID: 0, ChunkID: 0, ChunkCount: 1}
	require.NoError(t, c.OnReceived(ack.encode()))

	assert.Empty(t, c.outgoings)
	assert.Equal(t, 0, c.InAirSize())
}

func TestChunkerBufferBig(t *testing.T) {
	c := NewChunker(testChunkSize, testAirLimit, nil)
	big := bytes.Repeat([]byte{42}, testChunkSize*2+100)

	c.PushFrame(big)

	for i := 0; i < 3; i++ {
		sent, ok := c.PopSend()
		require.True(t, ok)
		wc, err := decodeWireChunk(sent)
		require.NoError(t, err)

		from := i * testChunkSize
		to := from + testChunkSize
		if to > len(big) {
			to = len(big)
		}
		assert.Equal(t, wireChunk{FrameID: 0, ChunkID: uint16(i), ChunkCount: 3, Data: big[from:to]}, wc)
	}
	_, ok := c.PopSend()
	assert.False(t, ok)

	for i := uint16(0); i < 3; i++ {
		ack := wireChunk{Ack: true, FrameID: 0, ChunkID: i, ChunkCount: 3}
		require.NoError(t, c.OnReceived(ack.encode()))
	}

	assert.Empty(t, c.outgoings)
	assert.Equal(t, 0, c.InAirSize())
}

func TestChunkerBufferHybrid(t *testing.T) {
	c := NewChunker(testChunkSize, testAirLimit, nil)
	big := bytes.Repeat([]byte{42}, testChunkSize*2)
	small := []byte{1, 2, 3, 4, 5}

	c.PushFrame(big)
	c.PushFrame(small)

	// Small data (second frame) is sent first, even though it was pushed
	// after the big frame — the smalls-beat-bigs rule.
	sent, ok := c.PopSend()
	require.True(t, ok)
	wc, err := decodeWireChunk(sent)
	require.NoError(t, err)
	assert.Equal(t, wireChunk{FrameID: 1, ChunkID: 0, ChunkCount: 1, Data: small}, wc)

	for i := 0; i < 2; i++ {
		sent, ok := c.PopSend()
		require.True(t, ok)
		wc, err := decodeWireChunk(sent)
		require.NoError(t, err)
		from := i * testChunkSize
		assert.Equal(t, wireChunk{FrameID: 0, ChunkID: uint16(i), ChunkCount: 2, Data: big[from : from+testChunkSize]}, wc)
	}
}

func TestChunkerWaitOnAir(t *testing.T) {
	c := NewChunker(testChunkSize, testAirLimit, nil)
	data := bytes.Repeat([]byte{42}, testAirLimit+1)

	c.PushFrame(data)

	// No acks arrive while sending: each full chunk counts 1037 serialized
	// bytes against the 4096-byte budget, so only three of the frame's five
	// chunks leave.
	sentCount := 0
	for {
		sent, ok := c.PopSend()
		if !ok {
			break
		}
		sentCount++
		_, err := decodeWireChunk(sent)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, sentCount)

	// Can't send more until an ack arrives.
	_, ok := c.PopSend()
	assert.False(t, ok)

	firstAck := wireChunk{Ack: true, FrameID: 0, ChunkID: 0, ChunkCount: 5}
	require.NoError(t, c.OnReceived(firstAck.encode()))

	_, ok = c.PopSend()
	assert.True(t, ok)
}

func TestChunkerReceivingChunks(t *testing.T) {
	c := NewChunker(testChunkSize, testAirLimit, nil)
	data := bytes.Repeat([]byte{42}, testChunkSize*2+100)

	for i := 0; i < 3; i++ {
		from := i * testChunkSize
		to := from + testChunkSize
		if to > len(data) {
			to = len(data)
		}
		chunk := wireChunk{FrameID: 0, ChunkID: uint16(i), ChunkCount: 3, Data: data[from:to]}
		require.NoError(t, c.OnReceived(chunk.encode()))
	}

	received, ok := c.PopRecv()
	require.True(t, ok)
	assert.Equal(t, data, received)

	for i := uint16(0); i < 3; i++ {
		ack, ok := c.PopSend()
		require.True(t, ok)
		wc, err := decodeWireChunk(ack)
		require.NoError(t, err)
		assert.Equal(t, wireChunk{Ack: true, FrameID: 0, ChunkID: i, ChunkCount: 3}, wc)
	}
}

// TestChunkerRoundTripUpToTenMB is the §8 law: (send -> receive) round-trip
// of a byte string through the chunker preserves the string, for any size
// up to 10 MB.
func TestChunkerRoundTripUpToTenMB(t *testing.T) {
	sizes := []int{0, 1, testChunkSize, testChunkSize + 1, 2*1024*1024 + 37, 10 * 1024 * 1024}

	for _, size := range sizes {
		sender := NewChunker(CHUNK_SIZE, AIR_LIMIT, nil)
		receiver := NewChunker(CHUNK_SIZE, AIR_LIMIT, nil)

		msg := make([]byte, size)
		rand.New(rand.NewSource(int64(size))).Read(msg)

		sender.PushFrame(msg)

		for {
			sent, ok := sender.PopSend()
			if !ok {
				break
			}
			require.NoError(t, receiver.OnReceived(sent))
			for {
				ack, ok := receiver.PopSend()
				if !ok {
					break
				}
				require.NoError(t, sender.OnReceived(ack))
			}
		}

		got, ok := receiver.PopRecv()
		if size == 0 {
			require.True(t, ok)
			assert.Empty(t, got)
			continue
		}
		require.True(t, ok)
		assert.Equal(t, msg, got)
		assert.Equal(t, 0, sender.InAirSize())
	}
}
