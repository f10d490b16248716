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
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
)

func init() {
	s := make([]byte, 8)
	rand.Read(s)
	mrand.Seed(int64(binary.LittleEndian.Uint64(s)))
}

// NodeId is the stable string identity of a peer (spec §3). It is opaque to
// the core — typically a hex-encoded public key or registry-assigned handle.
type NodeId string

// ConnId is the local id of one peer-to-peer connection: 64-bit random,
// scoped to a single offer/answer cycle.
type ConnId uint64

// SessionId is a chain-unique id of one forward-pass session hop: 64-bit
// random, minted fresh by every hop for its child.
type SessionId uint64

// ChatId is the logical id of one user-visible conversation. It equals the
// originator's own SessionId for that turn and never changes down the chain.
type ChatId uint64

// newConnId returns a fresh random ConnId.
func newConnId() ConnId {
	return ConnId(mrand.Uint64())
}

// newSessionId returns a fresh random SessionId.
func newSessionId() SessionId {
	return SessionId(mrand.Uint64())
}

// newNodeId returns a fresh random NodeId, used when a Node is started
// without a configured identity.
func newNodeId() NodeId {
	return NodeId(fmt.Sprintf("%016x", mrand.Uint64()))
}
