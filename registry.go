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
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RegistryEventKind names one event a RegistryClient can deliver, the Go
// shape of the original ToWorker event union (Update/Neighbours/Relay).
type RegistryEventKind int

const (
	RegistryNeighbours RegistryEventKind = iota
	RegistryOffer
	RegistryAnswer
)

// RegistryEvent is one item received from the Registry's push channel.
type RegistryEvent struct {
	Kind       RegistryEventKind
	Neighbours []NodeId
	From       NodeId
	ConnID     ConnId
	SDP        string
}

// wire envelopes for the registry's JSON event stream. The Registry itself
// is external to this fabric and out of scope to redesign (spec §6), so
// the envelope is kept as small and opaque as the spec treats it.
type toRegistryMsg struct {
	Update     *updateReq     `json:"update,omitempty"`
	Neighbours *struct{}      `json:"neighbours,omitempty"`
	Relay      *relayMsg      `json:"relay,omitempty"`
}

type updateReq struct {
	FromLayer uint32 `json:"from_layer"`
	ToLayer   uint32 `json:"to_layer"`
}

type relayMsg struct {
	Dest NodeId    `json:"dest"`
	Data *relayData `json:"data,omitempty"`
}

type relayData struct {
	Offer  *sdpMsg `json:"offer,omitempty"`
	Answer *sdpMsg `json:"answer,omitempty"`
}

type sdpMsg struct {
	ConnID ConnId `json:"conn_id"`
	SDP    string `json:"sdp"`
}

type toWorkerMsg struct {
	Update     *neighboursRes `json:"update,omitempty"`
	Neighbours *struct{}      `json:"neighbours,omitempty"`
	Relay      *fromRelayMsg  `json:"relay,omitempty"`
}

type neighboursRes struct {
	Neighbours []NodeId `json:"neighbours"`
}

type fromRelayMsg struct {
	Source NodeId     `json:"source"`
	Data   *relayData `json:"data,omitempty"`
}

// RegistryClient publishes this node's layer range to the model's Registry
// service and relays WebRTC SDP offers/answers between peers that haven't
// connected yet, grounded on the original p2p-network's RegistryClient
// (crates/registry/src/client/mod.rs): a persistent connection with a
// send queue flushed before each blocking read.
type RegistryClient struct {
	conn *websocket.Conn

	mu    sync.Mutex
	queue []toRegistryMsg

	log *zap.SugaredLogger
}

// DialRegistry opens a websocket to endpoint for model/nodeID, the
// /ws/:model/:node route of the Registry service.
func DialRegistry(ctx context.Context, endpoint, model string, nodeID NodeId, log *zap.Logger) (*RegistryClient, error) {
	if log == nil {
		log = zap.NewNop()
	}
	url := fmt.Sprintf("%s/ws/%s/%s", endpoint, model, nodeID)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: dial %s: %w", url, err)
	}

	log.Sugar().Named("registry").Infow("connected", "node_id", nodeID, "model", model)
	return &RegistryClient{conn: conn, log: log.Sugar().Named("registry")}, nil
}

// UpdateLayer publishes this node's local layer range.
func (r *RegistryClient) UpdateLayer(rng LayerRange) {
	r.enqueue(toRegistryMsg{Update: &updateReq{FromLayer: rng.From, ToLayer: rng.To}})
}

// FindNeighbours requests a fresh neighbour list from the Registry.
func (r *RegistryClient) FindNeighbours() {
	r.enqueue(toRegistryMsg{Neighbours: &struct{}{}})
}

// Offer relays a WebRTC SDP offer to dest via the Registry.
func (r *RegistryClient) Offer(dest NodeId, connID ConnId, sdp string) {
	r.enqueue(toRegistryMsg{Relay: &relayMsg{Dest: dest, Data: &relayData{Offer: &sdpMsg{ConnID: connID, SDP: sdp}}}})
}

// Answer relays a WebRTC SDP answer to dest via the Registry.
func (r *RegistryClient) Answer(dest NodeId, connID ConnId, sdp string) {
	r.enqueue(toRegistryMsg{Relay: &relayMsg{Dest: dest, Data: &relayData{Answer: &sdpMsg{ConnID: connID, SDP: sdp}}}})
}

func (r *RegistryClient) enqueue(msg toRegistryMsg) {
	r.mu.Lock()
	r.queue = append(r.queue, msg)
	r.mu.Unlock()
}

func (r *RegistryClient) flush() error {
	r.mu.Lock()
	pending := r.queue
	r.queue = nil
	r.mu.Unlock()

	for _, msg := range pending {
		if err := r.conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("registry: write: %w", err)
		}
	}
	return nil
}

// Recv flushes any queued outgoing requests, then blocks for the next
// inbound event.
func (r *RegistryClient) Recv() (RegistryEvent, error) {
	if err := r.flush(); err != nil {
		return RegistryEvent{}, err
	}

	var msg toWorkerMsg
	if err := r.conn.ReadJSON(&msg); err != nil {
		return RegistryEvent{}, fmt.Errorf("registry: read: %w", err)
	}

	switch {
	case msg.Update != nil:
		return RegistryEvent{Kind: RegistryNeighbours, Neighbours: msg.Update.Neighbours}, nil
	case msg.Relay != nil && msg.Relay.Data != nil && msg.Relay.Data.Offer != nil:
		o := msg.Relay.Data.Offer
		return RegistryEvent{Kind: RegistryOffer, From: msg.Relay.Source, ConnID: o.ConnID, SDP: o.SDP}, nil
	case msg.Relay != nil && msg.Relay.Data != nil && msg.Relay.Data.Answer != nil:
		a := msg.Relay.Data.Answer
		return RegistryEvent{Kind: RegistryAnswer, From: msg.Relay.Source, ConnID: a.ConnID, SDP: a.SDP}, nil
	default:
		return RegistryEvent{}, fmt.Errorf("registry: unrecognized event")
	}
}

// Close shuts down the websocket connection.
func (r *RegistryClient) Close() error {
	return r.conn.Close()
}

// Reconnect dials a fresh Registry connection with exponential backoff; it
// does not close any earlier client. This is the supplemented bootstrap/reconnect behaviour of
// SPEC_FULL's registry-driven bootstrap: the original node republishes its
// layer range and re-requests neighbours after every reconnect, since the
// Registry holds no session state across a dropped socket.
func Reconnect(ctx context.Context, endpoint, model string, nodeID NodeId, localLayers LayerRange, log *zap.Logger) (*RegistryClient, error) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		client, err := DialRegistry(ctx, endpoint, model, nodeID, log)
		if err == nil {
			client.UpdateLayer(localLayers)
			client.FindNeighbours()
			return client, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
