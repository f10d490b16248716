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
	"sync"
	"sync/atomic"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"go.uber.org/zap"

	"github.com/tos-network/fabric/protocol"
)

// ErrRequestTimeout names a pending RPC call whose TTL elapsed without a
// response. CallRPC does not return it: the TTL sweep resolves such a call
// with success=false and a nil error.
var ErrRequestTimeout = errors.New("rpc: request timeout")

// RPCHandler processes one inbound RpcReq and produces its RpcRes.
type RPCHandler func(ctx context.Context, cmd protocol.Cmd, env protocol.RpcEnvelope) protocol.RpcEnvelope

// SendFunc transmits one already-encoded PeerMessage to node over the
// chunker/transport. Implemented by the node's per-peer Chunker/PeerConn.
type SendFunc func(node NodeId, buf []byte) error

type pendingRPC struct {
	node NodeId
	ch   chan protocol.RpcEnvelope
	ttl  time.Time
}

// Dispatcher multiplexes outgoing RpcReq/RpcRes pairs and incoming RPC
// traffic keyed by the PeerMessage's seq field, grounded on the teacher's
// cache.go pending-request pattern (sync.Map of pending calls plus a TTL
// sweep goroutine) adapted from hashed byte-slice keys to the wire's native
// uint32 seq.
type Dispatcher struct {
	seq     atomic.Uint32
	pending sync.Map // uint32 -> *pendingRPC

	builders sync.Pool // of *flatbuffers.Builder

	send    SendFunc
	handler RPCHandler
	timeout time.Duration

	log *zap.SugaredLogger

	stop chan struct{}
}

// NewDispatcher builds a Dispatcher that sends outgoing bytes via send,
// routes inbound RpcReq to handler, and times out a pending call after
// timeout (0 uses a 30s default).
func NewDispatcher(send SendFunc, handler RPCHandler, timeout time.Duration, log *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		send:    send,
		handler: handler,
		timeout: timeout,
		log:     log.Sugar().Named("rpc"),
		stop:    make(chan struct{}),
		builders: sync.Pool{
			New: func() any { return flatbuffers.NewBuilder(1024) },
		},
	}
	go d.cleanup(timeout / 3)
	return d
}

// Close stops the Dispatcher's TTL-sweep goroutine.
func (d *Dispatcher) Close() { close(d.stop) }

// CallRPC sends cmd/env to node as a fresh RpcReq and blocks for its
// RpcRes, the SessionId Pipeline's RPCClient contract.
func (d *Dispatcher) CallRPC(ctx context.Context, node NodeId, cmd protocol.Cmd, env protocol.RpcEnvelope) (protocol.RpcEnvelope, error) {
	seq := d.seq.Add(1)

	b := d.builders.Get().(*flatbuffers.Builder)
	buf := protocol.BuildRpcReq(b, seq, cmd, env)
	out := append([]byte(nil), buf...)
	d.builders.Put(b)

	ch := make(chan protocol.RpcEnvelope, 1)
	d.pending.Store(seq, &pendingRPC{node: node, ch: ch, ttl: time.Now().Add(d.timeout)})

	if err := d.send(node, out); err != nil {
		d.pending.Delete(seq)
		return protocol.RpcEnvelope{}, err
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		d.pending.Delete(seq)
		return protocol.RpcEnvelope{}, ctx.Err()
	}
}

// OnMessage decodes one inbound wire datagram and either delivers it to a
// pending CallRPC waiter (RpcRes), or dispatches it to the handler and
// sends back the RpcRes (RpcReq). SYNC messages are not handled here —
// Node.onPeerMessage handles SyncReq/SyncRes frames before they reach it.
func (d *Dispatcher) OnMessage(ctx context.Context, from NodeId, buf []byte) {
	msg, ok := protocol.Parse(buf)
	if !ok {
		d.log.Warnw("dropped malformed peer message", "from", from)
		return
	}

	switch msg.Kind {
	case protocol.KindRpcRes:
		v, ok := d.pending.LoadAndDelete(msg.Seq)
		if !ok {
			d.log.Debugw("response for unknown/expired seq", "seq", msg.Seq, "from", from)
			return
		}
		v.(*pendingRPC).ch <- msg.Rpc

	case protocol.KindRpcReq:
		res := d.handler(ctx, msg.Cmd, msg.Rpc)

		b := d.builders.Get().(*flatbuffers.Builder)
		out := protocol.BuildRpcRes(b, msg.Seq, msg.Cmd, res)
		copied := append([]byte(nil), out...)
		d.builders.Put(b)

		if err := d.send(from, copied); err != nil {
			d.log.Warnw("failed to send rpc response", "to", from, "err", err)
		}
	}
}

// FailPeer resolves every pending call targeting node with success=false,
// the disconnect-triggered completion spec §5 requires ("no deadline, the
// transport's own connection-state change is the trigger") rather than
// leaving those futures to the TTL sweep.
func (d *Dispatcher) FailPeer(node NodeId) {
	d.pending.Range(func(key, value any) bool {
		p := value.(*pendingRPC)
		if p.node != node {
			return true
		}
		select {
		case p.ch <- protocol.RpcEnvelope{Success: false}:
		default:
		}
		d.pending.Delete(key)
		return true
	})
}

func (d *Dispatcher) cleanup(refresh time.Duration) {
	if refresh <= 0 {
		refresh = time.Second
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case now := <-ticker.C:
			d.pending.Range(func(key, value any) bool {
				p := value.(*pendingRPC)
				if now.After(p.ttl) {
					select {
					case p.ch <- protocol.RpcEnvelope{Success: false}:
					default:
					}
					d.pending.Delete(key)
				}
				return true
			})
		}
	}
}
