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

import "time"

const (
	// ROUTE_TIMEOUT_MS is how long a route-table entry survives without a
	// refreshing SYNC before on_tick expires it.
	ROUTE_TIMEOUT_MS = 5000
	// SYNC_INTERVAL_MS is the cadence of the node's own create_sync broadcast.
	SYNC_INTERVAL_MS = 1000
	// CHUNK_SIZE is the payload size of one chunker wire chunk, in bytes.
	CHUNK_SIZE = 4096
	// AIR_LIMIT is the maximum outstanding serialized Chunk bytes in flight
	// per connection.
	AIR_LIMIT = 150000
	// STUN_REFRESH_S names a 10-second ICE/STUN refresh cadence. Nothing in
	// this module reads it; PeerConn leaves ICE/STUN timing to pion's defaults.
	STUN_REFRESH_S = 10
	// fakeHopCostMS is the placeholder per-hop RTT cost used until a real
	// latency measurement replaces it (spec §4.1: "the implementation uses
	// fake RTT e.g. 50ms per hop today").
	fakeHopCostMS = 50
)

// RouteTimeout is ROUTE_TIMEOUT_MS as a time.Duration.
func RouteTimeout() time.Duration { return time.Duration(ROUTE_TIMEOUT_MS) * time.Millisecond }

// SyncInterval is SYNC_INTERVAL_MS as a time.Duration.
func SyncInterval() time.Duration { return time.Duration(SYNC_INTERVAL_MS) * time.Millisecond }
