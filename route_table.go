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
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tos-network/fabric/protocol"
)

// SyncEntry is the wire-decoded form of one layer slot in a create_sync
// vector, shared verbatim with the protocol package so RouteTable's output
// needs no conversion before BuildSyncReq encodes it.
type SyncEntry = protocol.SyncEntry

// layerRemoteInfo is the cost/freshness pair a peer advertised for reaching
// the end of the model starting at one layer slot.
type layerRemoteInfo struct {
	cost        uint32
	lastUpdated uint64
}

// layerRemotePaths holds every peer's advertisement for one layer slot plus
// the cached cheapest one (spec §3 invariant: next always equals argmin).
type layerRemotePaths struct {
	remotes map[NodeId]layerRemoteInfo
	next    NodeId
	nextOK  bool
	nextCst layerRemoteInfo
}

// updateBest recomputes the cached cheapest entry, breaking ties by lowest
// NodeId (spec §4.1: "Ties broken by lowest NodeId to keep deterministic").
func (p *layerRemotePaths) updateBest() {
	p.nextOK = false
	for node, info := range p.remotes {
		if !p.nextOK || info.cost < p.nextCst.cost || (info.cost == p.nextCst.cost && node < p.next) {
			p.next = node
			p.nextCst = info
			p.nextOK = true
		}
	}
	if !p.nextOK {
		p.next = ""
		p.nextCst = layerRemoteInfo{}
	}
}

// RouteTable is the per-node distance-vector table of spec §4.1: one slot
// per model layer, each holding every directly-synced peer's advertised
// cost to finish the model from that layer onward, plus this node's own
// locally hosted range.
type RouteTable struct {
	mu          sync.RWMutex
	modelLayers uint32
	localLayers LayerRange
	remote      []layerRemotePaths
	log         *zap.SugaredLogger
}

// NewRouteTable builds an empty table for a node hosting localLayers out of
// modelLayers total transformer layers.
func NewRouteTable(modelLayers uint32, localLayers LayerRange, log *zap.Logger) *RouteTable {
	if log == nil {
		log = zap.NewNop()
	}
	remote := make([]layerRemotePaths, modelLayers)
	for i := range remote {
		remote[i].remotes = make(map[NodeId]layerRemoteInfo)
	}
	return &RouteTable{
		modelLayers: modelLayers,
		localLayers: localLayers,
		remote:      remote,
		log:         log.Sugar().Named("route_table"),
	}
}

// OnTick removes any entry whose lastUpdated+ROUTE_TIMEOUT_MS <= nowMs and
// recomputes affected best entries (spec §4.1 on_tick).
func (t *RouteTable) OnTick(nowMs uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for layer := range t.remote {
		route := &t.remote[layer]
		removed := 0
		for node, info := range route.remotes {
			if info.lastUpdated+ROUTE_TIMEOUT_MS <= nowMs {
				delete(route.remotes, node)
				removed++
			}
		}
		if removed > 0 {
			t.log.Infow("expired stale remotes", "layer", layer, "removed", removed)
			route.updateBest()
		}
	}
}

// OnDisconnected removes all entries for node and recomputes all affected
// bests (spec §4.1 on_disconnected).
func (t *RouteTable) OnDisconnected(node NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for layer := range t.remote {
		route := &t.remote[layer]
		if _, ok := route.remotes[node]; ok {
			delete(route.remotes, node)
			route.updateBest()
		}
	}
}

// ApplySync folds a peer's SYNC advertisement into the table: for every
// slot, replace from's entry with sync[i]'s cost incremented by rtt, or
// remove from if sync[i] is absent (spec §4.1 apply_sync). A sync whose
// length differs from this table's model layer count comes from a peer
// serving a different model and is ignored whole.
func (t *RouteTable) ApplySync(from NodeId, rtt uint32, sync []SyncEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if uint32(len(sync)) != t.modelLayers {
		t.log.Warnw("ignoring sync with mismatched layer count", "from", from, "layers", len(sync), "model_layers", t.modelLayers)
		return
	}
	for layer := uint32(0); layer < t.modelLayers; layer++ {
		route := &t.remote[layer]
		if sync[layer].Present {
			route.remotes[from] = layerRemoteInfo{
				cost:        sync[layer].Cost + rtt,
				lastUpdated: sync[layer].LastUpdated,
			}
		} else {
			delete(route.remotes, from)
		}
		route.updateBest()
	}
}

// CreateSync returns this node's own best-next view, one entry per model
// layer, for broadcast to directly connected peers (spec §4.1 create_sync).
func (t *RouteTable) CreateSync(nowMs uint64) []SyncEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]SyncEntry, t.modelLayers)
	for layer := uint32(0); layer < t.modelLayers; layer++ {
		path, ok := t.selectNextLocked(layer)
		if !ok {
			continue
		}
		cost := uint32(0)
		lastUpdated := nowMs
		if path.Remote != nil {
			cost = path.Remote.Cost
			lastUpdated = path.Remote.LastUpdated
		}
		out[layer] = SyncEntry{Present: true, Cost: cost, LastUpdated: lastUpdated}
	}
	return out
}

// SelectNext resolves the cheapest RoutePath covering [nextLayer,
// ModelLayers) from this node's perspective (spec §4.1 select_next, three
// cases).
func (t *RouteTable) SelectNext(nextLayer uint32) (RoutePath, bool) {
	timer := prometheus.NewTimer(routeSelectDuration)
	defer timer.ObserveDuration()

	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.selectNextLocked(nextLayer)
}

func (t *RouteTable) selectNextLocked(nextLayer uint32) (RoutePath, bool) {
	if t.localLayers.Contains(nextLayer) {
		if t.localLayers.To == t.modelLayers {
			local := LayerRange{From: nextLayer, To: t.modelLayers}
			return RoutePath{Local: &local}, true
		}
		route := &t.remote[t.localLayers.To]
		if !route.nextOK {
			return RoutePath{}, false
		}
		local := LayerRange{From: nextLayer, To: t.localLayers.To}
		remote := RemoteHop{
			Node:        route.next,
			Range:       LayerRange{From: t.localLayers.To, To: t.modelLayers},
			Cost:        route.nextCst.cost,
			LastUpdated: route.nextCst.lastUpdated,
		}
		return RoutePath{Local: &local, Remote: &remote}, true
	}

	if nextLayer >= t.modelLayers {
		return RoutePath{}, false
	}
	route := &t.remote[nextLayer]
	if !route.nextOK {
		return RoutePath{}, false
	}
	remote := RemoteHop{
		Node:        route.next,
		Range:       LayerRange{From: nextLayer, To: t.modelLayers},
		Cost:        route.nextCst.cost,
		LastUpdated: route.nextCst.lastUpdated,
	}
	return RoutePath{Remote: &remote}, true
}

// ModelLayers returns the node's fixed model-layer count.
func (t *RouteTable) ModelLayers() uint32 { return t.modelLayers }

// LocalLayers returns the node's own hosted layer range.
func (t *RouteTable) LocalLayers() LayerRange {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.localLayers
}
