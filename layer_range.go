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

import "fmt"

// LayerRange is the half-open [From, To) range of transformer layer indices
// a node hosts locally, or a remote hop claims to cover.
type LayerRange struct {
	From uint32
	To   uint32
}

// Empty reports whether the range covers no layers.
func (r LayerRange) Empty() bool { return r.To <= r.From }

// Contains reports whether layer is within [From, To).
func (r LayerRange) Contains(layer uint32) bool { return layer >= r.From && layer < r.To }

// Len returns the number of layers the range covers.
func (r LayerRange) Len() uint32 {
	if r.Empty() {
		return 0
	}
	return r.To - r.From
}

func (r LayerRange) String() string { return fmt.Sprintf("[%d,%d)", r.From, r.To) }

// RemoteHop is the remote half of a RoutePath: the next-hop NodeId, the
// layer range that hop (and everything behind it) covers, the cumulative
// cost to reach the end of the model through it, and the freshness
// timestamp of the route-table entry it was read from.
type RemoteHop struct {
	Node        NodeId
	Range       LayerRange
	Cost        uint32
	LastUpdated uint64
}

// RoutePath is one planned traversal covering [next_layer, MODEL_LAYERS)
// (spec §3). Local and Remote may each be unset; at least one MUST be set
// for the path to be selectable, and if only Local is set it MUST reach
// ModelLayers.
type RoutePath struct {
	Local  *LayerRange
	Remote *RemoteHop
}

// Valid checks the §3 invariant: Local ∪ Remote covers [nextLayer,
// modelLayers) with no gap, and a Local-only path reaches modelLayers.
func (p RoutePath) Valid(nextLayer, modelLayers uint32) bool {
	if p.Local == nil && p.Remote == nil {
		return false
	}
	if p.Local != nil {
		if p.Local.From != nextLayer {
			return false
		}
		if p.Remote == nil {
			return p.Local.To == modelLayers
		}
		if p.Local.To != p.Remote.Range.From {
			return false
		}
		return p.Remote.Range.To == modelLayers
	}
	// Remote-only.
	return p.Remote.Range.From == nextLayer && p.Remote.Range.To == modelLayers
}

// Classify names the three-way shape of a resolved RoutePath, reused from
// the source's alternate ModelRouter design purely as a logging/metrics
// label — it carries no routing behavior of its own.
type Classify string

const (
	// ClassifyLocalOnly is a path entirely served by this node.
	ClassifyLocalOnly Classify = "local_only"
	// ClassifyLocalThenRemote is a local prefix handed off to a remote tail.
	ClassifyLocalThenRemote Classify = "local_then_remote"
	// ClassifyRemoteOnly is a path with no local contribution.
	ClassifyRemoteOnly Classify = "remote_only"
)

// Classify labels the path's shape for logging/metrics.
func (p RoutePath) Classify() Classify {
	switch {
	case p.Local != nil && p.Remote == nil:
		return ClassifyLocalOnly
	case p.Local != nil && p.Remote != nil:
		return ClassifyLocalThenRemote
	default:
		return ClassifyRemoteOnly
	}
}
