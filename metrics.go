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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_sessions_active",
		Help: "Number of live session-pipeline hops on this node.",
	})

	peersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_peers_connected",
		Help: "Number of peer connections this node tracks, including ones whose data channel is not yet open.",
	})

	chunkerInAirBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fabric_chunker_in_air_bytes",
		Help: "Bytes currently in flight per peer connection's chunker.",
	}, []string{"remote"})

	checkpointsVerified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_checkpoints_verified_total",
		Help: "Checkpoints verified, partitioned by outcome.",
	}, []string{"result"})

	routeSelectDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fabric_route_select_seconds",
		Help:    "Time spent in RouteTable.SelectNext.",
		Buckets: prometheus.DefBuckets,
	})
)

// ReportSessions updates the active-session gauge from a Pipeline's live
// count. Called from the node's tick loop.
func ReportSessions(p *Pipeline) {
	sessionsActive.Set(float64(p.SessionCount()))
}

// ReportPeers updates the connected-peer gauge.
func ReportPeers(n int) {
	peersConnected.Set(float64(n))
}

// ReportInAir records one peer connection's current in-flight byte count.
func ReportInAir(remote NodeId, bytes int) {
	chunkerInAirBytes.WithLabelValues(string(remote)).Set(float64(bytes))
}

// ReportCheckpointVerified increments the verified-checkpoint counter for
// the given outcome ("accepted" or "rejected").
func ReportCheckpointVerified(accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	checkpointsVerified.WithLabelValues(result).Inc()
}
