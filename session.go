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
	"sync"

	"github.com/tos-network/fabric/protocol"
	"go.uber.org/zap"
)

const (
	metaKeyVerifyingKey   = "vk"
	metaKeyCheckpointCnt  = "cp_tc"
	metaKeyCheckpointSign = "cp_sig"
)

func putCheckpointMeta(meta protocol.Meta, cp Checkpoint) protocol.Meta {
	if meta == nil {
		meta = protocol.Meta{}
	}
	meta[metaKeyCheckpointCnt] = bcsU64(cp.TokenCount)
	meta[metaKeyCheckpointSign] = cp.Signature
	return meta
}

// readCheckpointMeta reports ok=false when no checkpoint is attached; the
// originator attaches one on every FORWARD, so absence here means this hop
// isn't the originator, not a verification bypass — HandleForward only
// skips VerifyCheckpoint, it never skips routing the FORWARD itself.
func readCheckpointMeta(meta protocol.Meta) (Checkpoint, bool) {
	raw, ok := meta[metaKeyCheckpointCnt]
	if !ok || len(raw) != 8 {
		return Checkpoint{}, false
	}
	sig, ok := meta[metaKeyCheckpointSign]
	if !ok {
		return Checkpoint{}, false
	}
	return Checkpoint{TokenCount: decodeU64(raw), Signature: sig}, true
}

func decodeU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// ChildRef identifies the downstream hop a Session forwards to.
type ChildRef struct {
	Node    NodeId
	Session SessionId
}

// Session is a hop-local record of one chain position (spec §3): the
// chat it belongs to, the sub-range this hop computes locally, and the
// optional downstream hop it forwards the remaining layers to.
type Session struct {
	ChatID       ChatId
	Local        *LayerRange
	Child        *ChildRef
	IsOriginator bool
	tokenCount   uint64
}

// RPCClient is the Session Pipeline's view of the peer-to-peer transport:
// issue an RPC to a child hop and await its response. Implemented by the
// node's RPC dispatcher (rpc.go).
type RPCClient interface {
	CallRPC(ctx context.Context, node NodeId, cmd protocol.Cmd, env protocol.RpcEnvelope) (protocol.RpcEnvelope, error)
}

// Pipeline implements the Session Pipeline of spec §4.2: it handles START,
// FORWARD, and END received from peers (or issued locally by the
// originator) and recursively issues the same three RPCs to a child hop
// when the route extends beyond this node.
type Pipeline struct {
	sessions sync.Map // SessionId -> *Session

	routes   *RouteTable
	executor LayerExecutor
	validator *Validator
	peer     RPCClient

	log *zap.SugaredLogger
}

// NewPipeline builds a Session Pipeline over routes/executor/validator,
// dispatching child RPCs through peer.
func NewPipeline(routes *RouteTable, executor LayerExecutor, validator *Validator, peer RPCClient, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if executor == nil {
		executor = NopExecutor{}
	}
	return &Pipeline{
		routes:    routes,
		executor:  executor,
		validator: validator,
		peer:      peer,
		log:       log.Sugar().Named("pipeline"),
	}
}

// HandleStart implements spec §4.2's START handler.
func (p *Pipeline) HandleStart(ctx context.Context, req protocol.RpcEnvelope) protocol.RpcEnvelope {
	chatID := ChatId(req.ChatID)
	sessionID := SessionId(req.Session)

	if vk, ok := req.Meta[metaKeyVerifyingKey]; ok && len(vk) == ed25519.PublicKeySize {
		p.validator.AddRootPK(chatID, ed25519.PublicKey(vk))
	}

	path, ok := p.routes.SelectNext(req.FromLayer)
	if !ok {
		p.log.Infow("start: no route", "chat_id", chatID, "from_layer", req.FromLayer)
		return protocol.RpcEnvelope{Success: false}
	}

	sess := &Session{
		ChatID:       chatID,
		Local:        path.Local,
		IsOriginator: sessionID == SessionId(chatID),
	}

	if sess.Local != nil {
		if err := p.executor.Start(ctx, sessionID, LayerConfig{ChatID: chatID, Layers: *sess.Local}); err != nil {
			p.log.Warnw("local executor start failed", "session", sessionID, "err", err)
			return protocol.RpcEnvelope{Success: false}
		}
	}

	resMeta := req.Meta
	if path.Remote != nil {
		childSession := newSessionId()
		childReq := req
		childReq.Session = uint64(childSession)
		childReq.FromLayer = path.Remote.Range.From
		childReq.ChainIndex = req.ChainIndex + 1

		childRes, err := p.peer.CallRPC(ctx, path.Remote.Node, protocol.CmdStart, childReq)
		if err != nil || !childRes.Success {
			p.log.Infow("start: child failed", "child", path.Remote.Node, "err", err)
			if sess.Local != nil {
				p.executor.Finish(sessionID)
			}
			return protocol.RpcEnvelope{Success: false}
		}
		sess.Child = &ChildRef{Node: path.Remote.Node, Session: childSession}
		resMeta = childRes.Meta
	}

	p.sessions.Store(sessionID, sess)
	p.log.Infow("start ok", "session", sessionID, "chat_id", chatID, "shape", path.Classify())
	return protocol.RpcEnvelope{Success: true, Meta: resMeta}
}

// HandleForward implements spec §4.2's FORWARD handler.
func (p *Pipeline) HandleForward(ctx context.Context, req protocol.RpcEnvelope) protocol.RpcEnvelope {
	sessionID := SessionId(req.Session)
	v, ok := p.sessions.Load(sessionID)
	if !ok {
		return protocol.RpcEnvelope{Success: false}
	}
	sess := v.(*Session)

	meta := req.Meta
	if sess.IsOriginator {
		sess.tokenCount++
		cp, err := p.validator.CreateCheckpoint(sess.ChatID, sess.tokenCount)
		if err != nil {
			p.log.Warnw("forward: sign checkpoint failed", "err", err)
			return protocol.RpcEnvelope{Success: false}
		}
		meta = putCheckpointMeta(cloneMeta(meta), cp)
	} else {
		cp, ok := readCheckpointMeta(req.Meta)
		if !ok || !p.validator.VerifyCheckpoint(sess.ChatID, cp) {
			p.log.Infow("forward: checkpoint invalid", "chat_id", sess.ChatID)
			return protocol.RpcEnvelope{Success: false}
		}
		p.validator.IncrementEarned(sess.ChatID)
	}

	embedding := req.Embedding
	if sess.Local != nil {
		tensor, err := UnmarshalTensor(embedding)
		if err != nil {
			p.log.Warnw("forward: bad tensor encoding", "err", err)
			return protocol.RpcEnvelope{Success: false}
		}
		out, err := p.executor.Forward(ctx, sessionID, req.Step, tensor, req.SeqLen, req.IndexPos)
		if err != nil {
			p.log.Warnw("forward: local executor failed", "session", sessionID, "err", err)
			return protocol.RpcEnvelope{Success: false}
		}
		embedding = out.Marshal()
	}

	if sess.Child != nil {
		childReq := req
		childReq.Session = uint64(sess.Child.Session)
		childReq.Embedding = embedding
		childReq.Meta = meta

		childRes, err := p.peer.CallRPC(ctx, sess.Child.Node, protocol.CmdForward, childReq)
		if err != nil || !childRes.Success {
			p.log.Infow("forward: child failed", "child", sess.Child.Node, "err", err)
			return protocol.RpcEnvelope{Success: false}
		}
		return protocol.RpcEnvelope{Success: true, Embedding: childRes.Embedding, Meta: childRes.Meta}
	}

	return protocol.RpcEnvelope{Success: true, Embedding: embedding, Meta: meta}
}

// HandleEnd implements spec §4.2's END handler.
func (p *Pipeline) HandleEnd(ctx context.Context, req protocol.RpcEnvelope) protocol.RpcEnvelope {
	sessionID := SessionId(req.Session)
	v, ok := p.sessions.LoadAndDelete(sessionID)
	if !ok {
		return protocol.RpcEnvelope{Success: false}
	}
	sess := v.(*Session)

	if sess.Local != nil {
		p.executor.Finish(sessionID)
	}

	if sess.Child != nil {
		childReq := req
		childReq.Session = uint64(sess.Child.Session)
		childRes, err := p.peer.CallRPC(ctx, sess.Child.Node, protocol.CmdEnd, childReq)
		if err != nil || !childRes.Success {
			p.log.Infow("end: child failed (best effort)", "child", sess.Child.Node, "err", err)
			return protocol.RpcEnvelope{Success: false}
		}
		return protocol.RpcEnvelope{Success: true, Meta: childRes.Meta}
	}

	return protocol.RpcEnvelope{Success: true, Meta: req.Meta}
}

// EndOrphansOf removes every session hop-down to node (spec §4.3
// disconnect handling: "remove any session whose child equals that
// peer"). Local KV slots for those sessions are released.
func (p *Pipeline) EndOrphansOf(node NodeId) {
	p.sessions.Range(func(key, value any) bool {
		sess := value.(*Session)
		if sess.Child != nil && sess.Child.Node == node {
			p.sessions.Delete(key)
			if sess.Local != nil {
				p.executor.Finish(key.(SessionId))
			}
		}
		return true
	})
}

// SessionCount reports the number of live sessions, for metrics.
func (p *Pipeline) SessionCount() int {
	n := 0
	p.sessions.Range(func(any, any) bool { n++; return true })
	return n
}

func cloneMeta(m protocol.Meta) protocol.Meta {
	out := make(protocol.Meta, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
