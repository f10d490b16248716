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
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tos-network/fabric/protocol"
)

// mesh is a test-only RPCClient that dispatches a CallRPC straight into the
// target node's Pipeline, mirroring the recursive hop-awaits-child shape of
// spec §5's ordering guarantees without an actual transport underneath.
type mesh struct {
	pipelines map[NodeId]*Pipeline
}

func (m *mesh) CallRPC(ctx context.Context, node NodeId, cmd protocol.Cmd, env protocol.RpcEnvelope) (protocol.RpcEnvelope, error) {
	p, ok := m.pipelines[node]
	if !ok {
		return protocol.RpcEnvelope{Success: false}, nil
	}
	switch cmd {
	case protocol.CmdStart:
		return p.HandleStart(ctx, env), nil
	case protocol.CmdForward:
		return p.HandleForward(ctx, env), nil
	case protocol.CmdEnd:
		return p.HandleEnd(ctx, env), nil
	default:
		return protocol.RpcEnvelope{Success: false}, nil
	}
}

// converge runs enough apply_sync/create_sync rounds over a fully
// connected set of route tables for every node to learn every other
// node's best path, the way a running node's 1-second sync ticker would.
func converge(t *testing.T, nodes map[NodeId]*RouteTable, rtt uint32, rounds int) {
	t.Helper()
	for round := 0; round < rounds; round++ {
		now := uint64(round * 1000)
		syncs := make(map[NodeId][]SyncEntry, len(nodes))
		for id, rt := range nodes {
			syncs[id] = rt.CreateSync(now)
		}
		for id, rt := range nodes {
			for otherID, sync := range syncs {
				if otherID == id {
					continue
				}
				rt.ApplySync(otherID, rtt, sync)
			}
		}
	}
}

func buildThreeNodeRing(t *testing.T) (out *mesh, rtA, rtB, rtC *RouteTable, rootSK ed25519.PrivateKey) {
	t.Helper()

	rtA = NewRouteTable(3, LayerRange{0, 1}, nil)
	rtB = NewRouteTable(3, LayerRange{1, 2}, nil)
	rtC = NewRouteTable(3, LayerRange{2, 3}, nil)

	converge(t, map[NodeId]*RouteTable{"A": rtA, "B": rtB, "C": rtC}, 50, 4)

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	vA := NewValidator(privKey, nil)
	vB := NewValidator(nil, nil)
	vC := NewValidator(nil, nil)

	m := &mesh{pipelines: map[NodeId]*Pipeline{}}
	m.pipelines["A"] = NewPipeline(rtA, NopExecutor{}, vA, m, nil)
	m.pipelines["B"] = NewPipeline(rtB, NopExecutor{}, vB, m, nil)
	m.pipelines["C"] = NewPipeline(rtC, NopExecutor{}, vC, m, nil)

	_ = pubKey
	return m, rtA, rtB, rtC, privKey
}

func TestSessionPipelineThreeNodeRing(t *testing.T) {
	m, _, _, _, rootSK := buildThreeNodeRing(t)
	ctx := context.Background()

	pubKey := rootSK.Public().(ed25519.PublicKey)
	chatID := ChatId(1)

	path, ok := m.pipelines["A"].routes.SelectNext(0)
	require.True(t, ok)
	require.NotNil(t, path.Local)
	assert.Equal(t, LayerRange{0, 1}, *path.Local)
	require.NotNil(t, path.Remote)
	assert.Equal(t, NodeId("B"), path.Remote.Node)
	assert.Equal(t, LayerRange{1, 3}, path.Remote.Range)
	assert.Greater(t, path.Remote.Cost, uint32(0))

	startRes := m.pipelines["A"].HandleStart(ctx, protocol.RpcEnvelope{
		Session:   uint64(chatID),
		ChatID:    uint64(chatID),
		FromLayer: 0,
		MaxTokens: 100,
		Meta:      protocol.Meta{metaKeyVerifyingKey: pubKey},
	})
	require.True(t, startRes.Success)

	assert.Equal(t, 1, m.pipelines["A"].SessionCount())
	assert.Equal(t, 1, m.pipelines["B"].SessionCount())
	assert.Equal(t, 1, m.pipelines["C"].SessionCount())

	tensor := Tensor{Dims: []uint64{4}, Buf: make([]byte, 16), DType: DTypeF32}
	fwdRes := m.pipelines["A"].HandleForward(ctx, protocol.RpcEnvelope{
		Session:   uint64(chatID),
		Embedding: tensor.Marshal(),
		Step:      0,
		SeqLen:    1,
		IndexPos:  0,
	})
	require.True(t, fwdRes.Success)
	assert.NotEmpty(t, fwdRes.Embedding)

	endRes := m.pipelines["A"].HandleEnd(ctx, protocol.RpcEnvelope{Session: uint64(chatID)})
	require.True(t, endRes.Success)

	assert.Equal(t, 0, m.pipelines["A"].SessionCount())
	assert.Equal(t, 0, m.pipelines["B"].SessionCount())
	assert.Equal(t, 0, m.pipelines["C"].SessionCount())

	// END on an already-DEAD session fails.
	endAgain := m.pipelines["A"].HandleEnd(ctx, protocol.RpcEnvelope{Session: uint64(chatID)})
	assert.False(t, endAgain.Success)

	// FORWARD after END fails (spec §8 law).
	fwdAfterEnd := m.pipelines["A"].HandleForward(ctx, protocol.RpcEnvelope{Session: uint64(chatID)})
	assert.False(t, fwdAfterEnd.Success)
}

func TestSessionPipelineMissingMiddle(t *testing.T) {
	rtA := NewRouteTable(3, LayerRange{0, 1}, nil)
	rtC := NewRouteTable(3, LayerRange{2, 3}, nil)
	converge(t, map[NodeId]*RouteTable{"A": rtA, "C": rtC}, 50, 4)

	vA := NewValidator(nil, nil)
	vC := NewValidator(nil, nil)

	m := &mesh{pipelines: map[NodeId]*Pipeline{}}
	m.pipelines["A"] = NewPipeline(rtA, NopExecutor{}, vA, m, nil)
	m.pipelines["C"] = NewPipeline(rtC, NopExecutor{}, vC, m, nil)

	_, ok := rtA.SelectNext(0)
	assert.False(t, ok)

	res := m.pipelines["A"].HandleStart(context.Background(), protocol.RpcEnvelope{
		Session: 1, ChatID: 1, FromLayer: 0,
	})
	assert.False(t, res.Success)
	assert.Equal(t, 0, m.pipelines["A"].SessionCount())
	assert.Equal(t, 0, m.pipelines["C"].SessionCount())
}

func TestSessionPipelineMidChatDisconnect(t *testing.T) {
	m, rtA, _, _, rootSK := buildThreeNodeRing(t)
	ctx := context.Background()
	pubKey := rootSK.Public().(ed25519.PublicKey)
	chatID := ChatId(7)

	startRes := m.pipelines["A"].HandleStart(ctx, protocol.RpcEnvelope{
		Session: uint64(chatID), ChatID: uint64(chatID), FromLayer: 0,
		Meta: protocol.Meta{metaKeyVerifyingKey: pubKey},
	})
	require.True(t, startRes.Success)

	tensor := Tensor{Dims: []uint64{2}, Buf: make([]byte, 8), DType: DTypeF32}
	for i := 0; i < 5; i++ {
		fwdRes := m.pipelines["A"].HandleForward(ctx, protocol.RpcEnvelope{
			Session: uint64(chatID), Embedding: tensor.Marshal(), Step: uint32(i), SeqLen: 1,
		})
		require.True(t, fwdRes.Success)
	}

	// B disconnects.
	rtA.OnDisconnected("B")
	m.pipelines["A"].EndOrphansOf("B")
	delete(m.pipelines, "B")

	assert.Equal(t, 0, m.pipelines["A"].SessionCount())

	fwdAfterDisconnect := m.pipelines["A"].HandleForward(ctx, protocol.RpcEnvelope{
		Session: uint64(chatID), Embedding: tensor.Marshal(),
	})
	assert.False(t, fwdAfterDisconnect.Success)

	// The last converge round synced at 3000 ms. With no further SYNC, every
	// remaining entry (including C's route back through B) expires
	// ROUTE_TIMEOUT_MS after that.
	rtA.OnTick(3000 + ROUTE_TIMEOUT_MS)
	_, ok := rtA.SelectNext(0)
	assert.False(t, ok)
}
