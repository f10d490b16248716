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
	"errors"
	"fmt"
	"sync"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/tos-network/fabric/protocol"
)

// Node ties the route table, session pipeline, chunked transport, and
// Registry client into one running fabric participant, the Go counterpart
// of the teacher's DHT type: the same wg/quit/closeOnce lifecycle, with
// UDP listeners and a Kademlia routing table swapped for WebRTC PeerConns
// and the layer-range RouteTable.
type Node struct {
	cfg *Config
	id  NodeId

	routes    *RouteTable
	validator *Validator
	pipeline  *Pipeline
	dispatch  *Dispatcher

	registryMu sync.Mutex
	registry   *RegistryClient

	peersMu sync.RWMutex
	peers   map[NodeId]*PeerConn
	pending map[ConnId]*PeerConn // offered, awaiting the remote answer

	rttMu       sync.Mutex
	rtt         map[NodeId]uint32
	pendingPing map[NodeId]time.Time

	builders sync.Pool

	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once

	log *zap.SugaredLogger
}

// NewNode constructs a Node from cfg but does not yet connect to the
// Registry or any peer; call Start for that.
func NewNode(cfg *Config) (*Node, error) {
	if cfg == nil {
		return nil, errors.New("node: nil config")
	}
	if cfg.LocalID == "" {
		cfg.LocalID = newNodeId()
	}
	log := cfg.logger()

	n := &Node{
		cfg:         cfg,
		id:          cfg.LocalID,
		routes:      NewRouteTable(cfg.ModelLayers, cfg.LocalLayers, log),
		validator:   NewValidator(cfg.RootKey, log),
		peers:       make(map[NodeId]*PeerConn),
		pending:     make(map[ConnId]*PeerConn),
		rtt:         make(map[NodeId]uint32),
		pendingPing: make(map[NodeId]time.Time),
		quit:        make(chan struct{}),
		log:         log.Sugar().Named("node").With("node_id", string(cfg.LocalID)),
		builders:    sync.Pool{New: func() any { return flatbuffers.NewBuilder(1024) }},
	}

	executor := cfg.Executor
	if executor == nil {
		executor = NopExecutor{}
	}

	handler := func(ctx context.Context, cmd protocol.Cmd, env protocol.RpcEnvelope) protocol.RpcEnvelope {
		switch cmd {
		case protocol.CmdStart:
			return n.pipeline.HandleStart(ctx, env)
		case protocol.CmdForward:
			return n.pipeline.HandleForward(ctx, env)
		case protocol.CmdEnd:
			return n.pipeline.HandleEnd(ctx, env)
		default:
			return protocol.RpcEnvelope{Success: false}
		}
	}

	n.dispatch = NewDispatcher(n.sendTo, handler, cfg.rpcTimeout(), log)
	n.pipeline = NewPipeline(n.routes, executor, n.validator, n.dispatch, log)

	return n, nil
}

// ID returns the node's NodeId.
func (n *Node) ID() NodeId { return n.id }

// Pipeline exposes the Session Pipeline for an originator to drive START
// locally (spec §4.2: the originator is simply the first hop's caller).
func (n *Node) Pipeline() *Pipeline { return n.pipeline }

// Validator exposes the Usage/Validator subsystem.
func (n *Node) Validator() *Validator { return n.validator }

// Start dials the Registry, publishes the node's local layer range, and
// begins the Registry event loop and the periodic route-sync loop.
func (n *Node) Start(ctx context.Context) error {
	client, err := Reconnect(ctx, n.cfg.RegistryURL, n.cfg.Model, n.id, n.cfg.LocalLayers, n.cfg.logger())
	if err != nil {
		return fmt.Errorf("node: registry connect: %w", err)
	}
	n.setRegistry(client)

	n.wg.Add(2)
	go func() { defer n.wg.Done(); n.registryLoop(ctx) }()
	go func() { defer n.wg.Done(); n.syncLoop(ctx) }()

	return nil
}

// CallRPC lets Node itself satisfy RPCClient by delegating to its
// Dispatcher, the client its own Pipeline dispatches through.
func (n *Node) CallRPC(ctx context.Context, node NodeId, cmd protocol.Cmd, env protocol.RpcEnvelope) (protocol.RpcEnvelope, error) {
	return n.dispatch.CallRPC(ctx, node, cmd, env)
}

func (n *Node) getRegistry() *RegistryClient {
	n.registryMu.Lock()
	defer n.registryMu.Unlock()
	return n.registry
}

func (n *Node) setRegistry(client *RegistryClient) {
	n.registryMu.Lock()
	n.registry = client
	n.registryMu.Unlock()
}

func (n *Node) sendTo(node NodeId, buf []byte) error {
	n.peersMu.RLock()
	pc, ok := n.peers[node]
	n.peersMu.RUnlock()
	if !ok {
		return fmt.Errorf("node: no connection to %s", node)
	}
	return pc.Send(buf)
}

func (n *Node) registryLoop(ctx context.Context) {
	for {
		select {
		case <-n.quit:
			return
		case <-ctx.Done():
			return
		default:
		}

		ev, err := n.getRegistry().Recv()
		if err != nil {
			n.log.Warnw("registry recv failed, reconnecting", "err", err)
			client, err := Reconnect(ctx, n.cfg.RegistryURL, n.cfg.Model, n.id, n.cfg.LocalLayers, n.cfg.logger())
			if err != nil {
				// Reconnect only gives up on ctx cancellation, handled below.
				n.log.Warnw("registry reconnect aborted", "err", err)
				select {
				case <-n.quit:
					return
				case <-ctx.Done():
					return
				default:
				}
				continue
			}
			n.setRegistry(client)
			continue
		}

		switch ev.Kind {
		case RegistryNeighbours:
			for _, remote := range ev.Neighbours {
				if remote == n.id {
					continue
				}
				if n.hasPeer(remote) {
					continue
				}
				if err := n.connectPeer(ctx, remote); err != nil {
					n.log.Warnw("connect to neighbour failed", "remote", remote, "err", err)
				}
			}
		case RegistryOffer:
			if err := n.acceptOffer(ctx, ev.From, ev.ConnID, ev.SDP); err != nil {
				n.log.Warnw("accept offer failed", "from", ev.From, "err", err)
			}
		case RegistryAnswer:
			if err := n.onAnswer(ev.ConnID, ev.SDP); err != nil {
				n.log.Warnw("apply answer failed", "conn_id", ev.ConnID, "err", err)
			}
		}
	}
}

func (n *Node) hasPeer(remote NodeId) bool {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	_, ok := n.peers[remote]
	return ok
}

func (n *Node) connectPeer(ctx context.Context, remote NodeId) error {
	pc, err := NewPeerConn(remote, n.cfg.chunkSize(), n.cfg.airLimit(), n.cfg.logger())
	if err != nil {
		return err
	}

	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		pc.Close()
		return err
	}

	connID := newConnId()
	n.peersMu.Lock()
	n.pending[connID] = pc
	n.peersMu.Unlock()

	n.getRegistry().Offer(remote, connID, offer)
	n.watchPeer(remote, pc)
	return nil
}

func (n *Node) acceptOffer(ctx context.Context, remote NodeId, connID ConnId, offerSDP string) error {
	pc, err := NewPeerConn(remote, n.cfg.chunkSize(), n.cfg.airLimit(), n.cfg.logger())
	if err != nil {
		return err
	}

	answer, err := pc.AcceptOffer(ctx, offerSDP)
	if err != nil {
		pc.Close()
		return err
	}

	n.getRegistry().Answer(remote, connID, answer)
	n.watchPeer(remote, pc)
	return nil
}

func (n *Node) onAnswer(connID ConnId, answerSDP string) error {
	n.peersMu.Lock()
	pc, ok := n.pending[connID]
	delete(n.pending, connID)
	n.peersMu.Unlock()
	if !ok {
		return fmt.Errorf("node: no pending connection for conn_id %d", connID)
	}
	return pc.OnAnswer(answerSDP)
}

// watchPeer registers pc under remote and spawns its event-draining
// goroutine. A connection that never reaches Connected (e.g. ICE failure)
// is reaped through its own Disconnected event.
func (n *Node) watchPeer(remote NodeId, pc *PeerConn) {
	n.peersMu.Lock()
	n.peers[remote] = pc
	n.peersMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.drainPeer(remote, pc)
	}()
}

func (n *Node) drainPeer(remote NodeId, pc *PeerConn) {
	ctx := context.Background()
	for ev := range pc.Events() {
		switch ev.Kind {
		case PeerConnected:
			n.log.Infow("peer connected", "remote", remote)
		case PeerMessage:
			n.onPeerMessage(ctx, remote, ev.Data)
		case PeerDisconnected:
			n.onPeerDisconnected(remote)
			return
		}
	}
}

func (n *Node) onPeerMessage(ctx context.Context, remote NodeId, buf []byte) {
	msg, ok := protocol.Parse(buf)
	if !ok {
		n.log.Warnw("dropped malformed message", "remote", remote)
		return
	}

	switch msg.Kind {
	case protocol.KindSyncReq:
		n.routes.ApplySync(remote, n.peerRTT(remote), msg.Sync)
		n.ackSync(remote)
	case protocol.KindSyncRes:
		n.recordRTT(remote)
	default:
		n.dispatch.OnMessage(ctx, remote, buf)
	}
}

func (n *Node) onPeerDisconnected(remote NodeId) {
	n.peersMu.Lock()
	delete(n.peers, remote)
	remaining := len(n.peers)
	n.peersMu.Unlock()

	n.routes.OnDisconnected(remote)
	n.pipeline.EndOrphansOf(remote)
	n.dispatch.FailPeer(remote)
	ReportPeers(remaining)
	chunkerInAirBytes.DeleteLabelValues(string(remote))
	n.log.Infow("peer disconnected", "remote", remote)
}

func (n *Node) peerRTT(remote NodeId) uint32 {
	n.rttMu.Lock()
	defer n.rttMu.Unlock()
	if r, ok := n.rtt[remote]; ok {
		return r
	}
	return fakeHopCostMS
}

func (n *Node) recordRTT(remote NodeId) {
	n.rttMu.Lock()
	sentAt, ok := n.pendingPing[remote]
	delete(n.pendingPing, remote)
	n.rttMu.Unlock()
	if !ok {
		return
	}
	rtt := uint32(time.Since(sentAt).Milliseconds())
	if rtt < 1 {
		rtt = 1
	}
	n.rttMu.Lock()
	n.rtt[remote] = rtt
	n.rttMu.Unlock()
}

func (n *Node) ackSync(remote NodeId) {
	b := n.builders.Get().(*flatbuffers.Builder)
	buf := append([]byte(nil), protocol.BuildSyncRes(b)...)
	n.builders.Put(b)
	if err := n.sendTo(remote, buf); err != nil {
		n.log.Warnw("sync ack failed", "remote", remote, "err", err)
	}
}

// syncLoop runs the node's periodic distance-vector exchange (spec §4.1):
// on every tick it expires stale remote paths, then pushes its current
// sync vector to every connected peer.
func (n *Node) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.syncInterval())
	defer ticker.Stop()

	for {
		select {
		case <-n.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.tick()
		}
	}
}

func (n *Node) tick() {
	now := uint64(time.Now().UnixMilli())
	n.routes.OnTick(now)
	sync := n.routes.CreateSync(now)

	n.peersMu.RLock()
	peers := make(map[NodeId]*PeerConn, len(n.peers))
	for remote, pc := range n.peers {
		peers[remote] = pc
	}
	n.peersMu.RUnlock()

	ReportPeers(len(peers))
	ReportSessions(n.pipeline)

	remotes := make([]NodeId, 0, len(peers))
	for remote, pc := range peers {
		remotes = append(remotes, remote)
		ReportInAir(remote, pc.InAirSize())
	}

	for _, remote := range remotes {
		n.rttMu.Lock()
		n.pendingPing[remote] = time.Now()
		n.rttMu.Unlock()

		b := n.builders.Get().(*flatbuffers.Builder)
		buf := append([]byte(nil), protocol.BuildSyncReq(b, sync)...)
		n.builders.Put(b)

		if err := n.sendTo(remote, buf); err != nil {
			n.log.Warnw("sync push failed", "remote", remote, "err", err)
		}
	}
}

// Close shuts down the Registry connection, every peer connection, and
// the node's background loops, aggregating any errors encountered.
func (n *Node) Close() error {
	var result *multierror.Error

	n.closeOnce.Do(func() {
		close(n.quit)

		if reg := n.getRegistry(); reg != nil {
			if err := reg.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}

		n.peersMu.Lock()
		peers := make([]*PeerConn, 0, len(n.peers))
		for _, pc := range n.peers {
			peers = append(peers, pc)
		}
		n.peers = make(map[NodeId]*PeerConn)
		n.peersMu.Unlock()

		for _, pc := range peers {
			if err := pc.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}

		n.dispatch.Close()
		n.wg.Wait()
	})

	return result.ErrorOrNil()
}
