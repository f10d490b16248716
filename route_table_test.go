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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteTableFull(t *testing.T) {
	rt := NewRouteTable(3, LayerRange{0, 3}, nil)

	assert.Equal(t, []SyncEntry{
		{Present: true, Cost: 0, LastUpdated: 100},
		{Present: true, Cost: 0, LastUpdated: 100},
		{Present: true, Cost: 0, LastUpdated: 100},
	}, rt.CreateSync(100))

	for layer := uint32(0); layer < 3; layer++ {
		path, ok := rt.SelectNext(layer)
		require.True(t, ok)
		require.NotNil(t, path.Local)
		assert.Equal(t, LayerRange{layer, 3}, *path.Local)
		assert.Nil(t, path.Remote)
	}
}

func TestRouteTableIncompleteRight(t *testing.T) {
	rt := NewRouteTable(3, LayerRange{1, 3}, nil)

	assert.Equal(t, []SyncEntry{
		{},
		{Present: true, Cost: 0, LastUpdated: 100},
		{Present: true, Cost: 0, LastUpdated: 100},
	}, rt.CreateSync(100))

	_, ok := rt.SelectNext(0)
	assert.False(t, ok)

	path, ok := rt.SelectNext(1)
	require.True(t, ok)
	assert.Equal(t, LayerRange{1, 3}, *path.Local)
	assert.Nil(t, path.Remote)

	path, ok = rt.SelectNext(2)
	require.True(t, ok)
	assert.Equal(t, LayerRange{2, 3}, *path.Local)
}

func TestRouteTableIncompleteLeft(t *testing.T) {
	rt := NewRouteTable(3, LayerRange{0, 2}, nil)

	assert.Equal(t, []SyncEntry{{}, {}, {}}, rt.CreateSync(100))

	for layer := uint32(0); layer < 3; layer++ {
		_, ok := rt.SelectNext(layer)
		assert.False(t, ok)
	}
}

func TestRouteTableIncompleteRightSync(t *testing.T) {
	rt := NewRouteTable(3, LayerRange{1, 3}, nil)

	const remoteNode NodeId = "2"
	const rtt = uint32(10)

	rt.ApplySync(remoteNode, rtt, []SyncEntry{
		{Present: true, Cost: 10, LastUpdated: 100},
		{Present: true, Cost: 10, LastUpdated: 100},
		{Present: true, Cost: 10, LastUpdated: 100},
	})

	path, ok := rt.SelectNext(0)
	require.True(t, ok)
	assert.Nil(t, path.Local)
	require.NotNil(t, path.Remote)
	assert.Equal(t, remoteNode, path.Remote.Node)
	assert.Equal(t, LayerRange{0, 3}, path.Remote.Range)
	assert.Equal(t, uint32(20), path.Remote.Cost)
	assert.Equal(t, uint64(100), path.Remote.LastUpdated)

	path, ok = rt.SelectNext(1)
	require.True(t, ok)
	assert.Equal(t, LayerRange{1, 3}, *path.Local)
	assert.Nil(t, path.Remote)

	path, ok = rt.SelectNext(2)
	require.True(t, ok)
	assert.Equal(t, LayerRange{2, 3}, *path.Local)
}

func TestRouteTableIncompleteLeftSync(t *testing.T) {
	rt := NewRouteTable(3, LayerRange{0, 1}, nil)

	const remoteNode NodeId = "2"
	const rtt = uint32(10)

	rt.ApplySync(remoteNode, rtt, []SyncEntry{
		{},
		{Present: true, Cost: 0, LastUpdated: 100},
		{Present: true, Cost: 0, LastUpdated: 100},
	})

	path, ok := rt.SelectNext(0)
	require.True(t, ok)
	assert.Equal(t, LayerRange{0, 1}, *path.Local)
	require.NotNil(t, path.Remote)
	assert.Equal(t, remoteNode, path.Remote.Node)
	assert.Equal(t, LayerRange{1, 3}, path.Remote.Range)
	assert.Equal(t, uint32(10), path.Remote.Cost)

	path, ok = rt.SelectNext(1)
	require.True(t, ok)
	assert.Nil(t, path.Local)
	require.NotNil(t, path.Remote)
	assert.Equal(t, LayerRange{1, 3}, path.Remote.Range)

	path, ok = rt.SelectNext(2)
	require.True(t, ok)
	assert.Nil(t, path.Local)
	require.NotNil(t, path.Remote)
	assert.Equal(t, LayerRange{2, 3}, path.Remote.Range)
}

func TestRouteTableRemoteTimeout(t *testing.T) {
	rt := NewRouteTable(3, LayerRange{0, 1}, nil)

	const remoteNode NodeId = "2"
	const rtt = uint32(10)

	rt.ApplySync(remoteNode, rtt, []SyncEntry{
		{},
		{Present: true, Cost: 0, LastUpdated: 100},
		{Present: true, Cost: 0, LastUpdated: 100},
	})

	_, ok := rt.SelectNext(0)
	assert.True(t, ok)

	rt.OnTick(100 + ROUTE_TIMEOUT_MS)

	_, ok = rt.SelectNext(0)
	assert.False(t, ok)
}

// TestRouteTableTieBreakLowestNodeId covers the §8 boundary: two routes to
// the same slot with equal cost resolve deterministically to the lowest
// NodeId.
func TestRouteTableTieBreakLowestNodeId(t *testing.T) {
	rt := NewRouteTable(1, LayerRange{0, 0}, nil)

	rt.ApplySync(NodeId("zzz"), 0, []SyncEntry{{Present: true, Cost: 10, LastUpdated: 100}})
	rt.ApplySync(NodeId("aaa"), 0, []SyncEntry{{Present: true, Cost: 10, LastUpdated: 100}})

	path, ok := rt.SelectNext(0)
	require.True(t, ok)
	require.NotNil(t, path.Remote)
	assert.Equal(t, NodeId("aaa"), path.Remote.Node)
}

// TestRouteTableOnDisconnectedThenOnTickIdempotent covers the §8 law:
// on_disconnected(n); on_tick(t) is idempotent.
func TestRouteTableOnDisconnectedThenOnTickIdempotent(t *testing.T) {
	rt := NewRouteTable(1, LayerRange{0, 0}, nil)
	rt.ApplySync(NodeId("a"), 0, []SyncEntry{{Present: true, Cost: 10, LastUpdated: 100}})

	rt.OnDisconnected(NodeId("a"))
	rt.OnTick(1_000_000)
	_, ok := rt.SelectNext(0)
	assert.False(t, ok)

	// Repeating both calls must not panic or change the outcome.
	rt.OnDisconnected(NodeId("a"))
	rt.OnTick(1_000_000)
	_, ok = rt.SelectNext(0)
	assert.False(t, ok)
}

// TestRouteTableSingleNodeChain covers the §8 boundary behavior: a node
// hosting the entire model resolves a local-only path from layer 0.
func TestRouteTableSingleNodeChain(t *testing.T) {
	rt := NewRouteTable(4, LayerRange{0, 4}, nil)
	path, ok := rt.SelectNext(0)
	require.True(t, ok)
	require.NotNil(t, path.Local)
	assert.Equal(t, LayerRange{0, 4}, *path.Local)
	assert.Nil(t, path.Remote)
}
