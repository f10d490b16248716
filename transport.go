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

	"github.com/dustin/go-humanize"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PeerEventKind names one event a PeerConn can emit, mirroring the original
// p2p layer's RemoteConnOut enum (Connected/Message/Disconnected — Transmit
// is handled internally by pion's own ICE agent, so it has no Go analogue
// here).
type PeerEventKind int

const (
	PeerConnected PeerEventKind = iota
	PeerMessage
	PeerDisconnected
)

// PeerEvent is one item drained from a PeerConn's event stream.
type PeerEvent struct {
	Kind PeerEventKind
	Data []byte
}

func defaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

// PeerConn wraps one pion/webrtc peer connection and its data channel with
// the chunker/in-flight-budget framing of spec §4.3, the Go counterpart of
// the original node's str0m-based RemoteConn: the same create_offer/
// accept_offer/on_answer/send_data/on_data shape, adapted to pion's
// callback-driven API in place of str0m's poll_output loop.
type PeerConn struct {
	remote NodeId

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	chunker *Chunker

	events    chan PeerEvent
	closeOnce sync.Once

	mu          sync.RWMutex
	discEmitted bool
	closed      bool

	log *zap.SugaredLogger
}

// NewPeerConn opens a fresh RTCPeerConnection for remote. No offer/answer
// has been exchanged yet; call CreateOffer or AcceptOffer next.
func NewPeerConn(remote NodeId, chunkSize, airLimit int, log *zap.Logger) (*PeerConn, error) {
	if log == nil {
		log = zap.NewNop()
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: defaultICEServers()})
	if err != nil {
		return nil, fmt.Errorf("transport: new peer connection: %w", err)
	}

	c := &PeerConn{
		remote:  remote,
		pc:      pc,
		chunker: NewChunker(chunkSize, airLimit, log),
		events:  make(chan PeerEvent, 256),
		log:     log.Sugar().Named("transport").With("remote", string(remote)),
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.log.Debugw("ice state change", "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			c.emitDisconnect()
		}
	})

	return c, nil
}

// CreateOffer opens the data channel and returns a local SDP offer, the
// originator side of the exchange.
func (c *PeerConn) CreateOffer(ctx context.Context) (string, error) {
	dc, err := c.pc.CreateDataChannel("data", nil)
	if err != nil {
		return "", fmt.Errorf("transport: create data channel: %w", err)
	}
	c.wireDataChannel(dc)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("transport: create offer: %w", err)
	}
	return c.setLocalAndGather(ctx, offer)
}

// AcceptOffer ingests a remote SDP offer and returns the local SDP answer,
// the receiving side of the exchange.
func (c *PeerConn) AcceptOffer(ctx context.Context, offerSDP string) (string, error) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.wireDataChannel(dc)
	})

	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		return "", fmt.Errorf("transport: set remote offer: %w", err)
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("transport: create answer: %w", err)
	}
	return c.setLocalAndGather(ctx, answer)
}

// OnAnswer completes the offering side's handshake with the remote SDP
// answer.
func (c *PeerConn) OnAnswer(answerSDP string) error {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
		return fmt.Errorf("transport: set remote answer: %w", err)
	}
	return nil
}

func (c *PeerConn) setLocalAndGather(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)

	if err := c.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("transport: set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := c.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("transport: no local description after gathering")
	}
	return local.SDP, nil
}

func (c *PeerConn) wireDataChannel(dc *webrtc.DataChannel) {
	c.dc = dc

	dc.OnOpen(func() {
		c.log.Infow("data channel open")
		c.emit(PeerEvent{Kind: PeerConnected})
		if err := c.flushOutgoing(); err != nil {
			c.log.Warnw("flush on open failed", "err", err)
		}
	})

	dc.OnClose(func() {
		c.log.Infow("data channel closed")
		c.emitDisconnect()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.onData(msg.Data)
	})
}

func (c *PeerConn) onData(buf []byte) {
	if err := c.chunker.OnReceived(buf); err != nil {
		c.log.Warnw("malformed chunk", "bytes", humanize.Bytes(uint64(len(buf))), "err", err)
		return
	}
	for {
		frame, ok := c.chunker.PopRecv()
		if !ok {
			break
		}
		c.emit(PeerEvent{Kind: PeerMessage, Data: frame})
	}
	if err := c.flushOutgoing(); err != nil {
		c.log.Warnw("flush after recv failed", "err", err)
	}
}

// Send enqueues data as a fresh chunked frame (spec §4.3) and pushes as
// much of it as the data channel and in-flight budget currently allow.
func (c *PeerConn) Send(data []byte) error {
	c.chunker.PushFrame(data)
	return c.flushOutgoing()
}

func (c *PeerConn) flushOutgoing() error {
	if c.dc == nil || c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	for {
		chunk, ok := c.chunker.PopSend()
		if !ok {
			return nil
		}
		if err := c.dc.Send(chunk); err != nil {
			return fmt.Errorf("transport: data channel send: %w", err)
		}
	}
}

// InAirSize reports the number of bytes the underlying chunker currently
// considers in flight (spec §4.3's AIR_LIMIT budget), for metrics.
func (c *PeerConn) InAirSize() int { return c.chunker.InAirSize() }

// Events returns the channel PeerConnected/PeerMessage/PeerDisconnected
// events are delivered on. Closed after Close.
func (c *PeerConn) Events() <-chan PeerEvent { return c.events }

func (c *PeerConn) emit(e PeerEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- e:
	default:
		c.log.Warnw("event queue full, dropping event", "kind", e.Kind)
	}
}

func (c *PeerConn) emitDisconnect() {
	c.mu.Lock()
	already := c.discEmitted
	c.discEmitted = true
	c.mu.Unlock()
	if !already {
		c.emit(PeerEvent{Kind: PeerDisconnected})
	}
}

// Close tears down the peer connection and its event stream.
func (c *PeerConn) Close() error {
	err := c.pc.Close()
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()
	})
	return err
}
