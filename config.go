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
	"crypto/ed25519"
	"time"

	"go.uber.org/zap"
)

// Config carries the parameters a fabric Node is constructed with.
type Config struct {
	// LocalID the id of this node. If empty, a random id is generated.
	LocalID NodeId
	// Model identifies which model's Registry namespace this node joins.
	Model string
	// ModelLayers is the per-model runtime constant fixed for the node's
	// lifetime (spec §9: "mismatched values between peers MUST cause those
	// peers' SYNCs to be ignored for that model").
	ModelLayers uint32
	// LocalLayers is the contiguous range of transformer layers this node
	// hosts locally.
	LocalLayers LayerRange
	// Executor runs this node's hosted layers. NopExecutor if nil.
	Executor LayerExecutor
	// RootKey signs Checkpoints when this node originates a chat session.
	// May be nil for a node that never originates, only relays/verifies.
	RootKey ed25519.PrivateKey
	// RegistryURL is the address of the external rendezvous service (§6).
	RegistryURL string
	// DataDir is the path to the node's data directory (identity keyfile).
	DataDir string
	// RouteTimeout is returned by routeTimeout() when non-zero. The
	// RouteTable does not read it: route expiry always uses ROUTE_TIMEOUT_MS.
	RouteTimeout time.Duration
	// RPCTimeout bounds how long CallRPC waits for a still-connected peer
	// that never answers. It is unrelated to RouteTimeout: a disconnect is
	// never expected to wait for this — Dispatcher.FailPeer resolves those
	// immediately (spec §5). Defaults to Dispatcher's own 30s if zero.
	RPCTimeout time.Duration
	// SyncInterval overrides SYNC_INTERVAL_MS when non-zero (tests).
	SyncInterval time.Duration
	// ChunkSize overrides CHUNK_SIZE when non-zero (tests).
	ChunkSize int
	// AirLimit overrides AIR_LIMIT when non-zero (tests).
	AirLimit int
	// Logger is the base logger every component derives a named child
	// logger from. Defaults to zap.NewNop() if nil.
	Logger *zap.Logger
}

func (c *Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Config) routeTimeout() time.Duration {
	if c.RouteTimeout > 0 {
		return c.RouteTimeout
	}
	return RouteTimeout()
}

func (c *Config) rpcTimeout() time.Duration {
	if c.RPCTimeout > 0 {
		return c.RPCTimeout
	}
	return 0 // NewDispatcher applies its own 30s default
}

func (c *Config) syncInterval() time.Duration {
	if c.SyncInterval > 0 {
		return c.SyncInterval
	}
	return SyncInterval()
}

func (c *Config) chunkSize() int {
	if c.ChunkSize > 0 {
		return c.ChunkSize
	}
	return CHUNK_SIZE
}

func (c *Config) airLimit() int {
	if c.AirLimit > 0 {
		return c.AirLimit
	}
	return AIR_LIMIT
}
