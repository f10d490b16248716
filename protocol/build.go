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

package protocol

import (
	"sort"

	flatbuffers "github.com/google/flatbuffers/go"
)

// SyncEntry is the decoded form of one SyncLayer slot.
type SyncEntry struct {
	Present     bool
	Cost        uint32
	LastUpdated uint64
}

// Meta is the decoded metadata envelope (spec §9): originator-wide
// invariants (verifying key, checkpoint, addresses) carried hop to hop.
type Meta map[string][]byte

func buildMetadata(b *flatbuffers.Builder, meta Meta) flatbuffers.UOffsetT {
	if len(meta) == 0 {
		return 0
	}

	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]flatbuffers.UOffsetT, len(keys))
	for i, k := range keys {
		kk := b.CreateString(k)
		vv := b.CreateByteVector(meta[k])
		MetaEntryStart(b)
		MetaEntryAddKey(b, kk)
		MetaEntryAddValue(b, vv)
		entries[i] = MetaEntryEnd(b)
	}

	PeerMessageStartMetadataVector(b, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		b.PrependUOffsetT(entries[i])
	}
	return b.EndVector(len(entries))
}

func readMetadata(m *PeerMessage) Meta {
	n := m.MetadataLength()
	if n == 0 {
		return nil
	}

	out := make(Meta, n)
	var e MetaEntry
	for i := 0; i < n; i++ {
		if !m.Metadata(&e, i) {
			continue
		}
		out[string(e.Key())] = append([]byte(nil), e.Value()...)
	}
	return out
}

// BuildSyncReq encodes the node's create_sync vector (spec §4.1).
func BuildSyncReq(b *flatbuffers.Builder, layers []SyncEntry) []byte {
	b.Reset()

	offs := make([]flatbuffers.UOffsetT, len(layers))
	for i, l := range layers {
		SyncLayerStart(b)
		SyncLayerAddPresent(b, l.Present)
		SyncLayerAddCost(b, l.Cost)
		SyncLayerAddLastUpdated(b, l.LastUpdated)
		offs[i] = SyncLayerEnd(b)
	}

	PeerMessageStartSyncLayersVector(b, len(offs))
	for i := len(offs) - 1; i >= 0; i-- {
		b.PrependUOffsetT(offs[i])
	}
	lv := b.EndVector(len(offs))

	PeerMessageStart(b)
	PeerMessageAddKind(b, KindSyncReq)
	PeerMessageAddSyncLayers(b, lv)
	m := PeerMessageEnd(b)

	b.Finish(m)
	return b.FinishedBytes()
}

// BuildSyncRes encodes the (empty) SYNC acknowledgement.
func BuildSyncRes(b *flatbuffers.Builder) []byte {
	b.Reset()
	PeerMessageStart(b)
	PeerMessageAddKind(b, KindSyncRes)
	m := PeerMessageEnd(b)
	b.Finish(m)
	return b.FinishedBytes()
}

// RpcEnvelope is the decoded shape of an RpcReq/RpcRes payload: the
// START/FORWARD/END envelope of spec §4.2.
type RpcEnvelope struct {
	Session    uint64
	ChatID     uint64
	FromLayer  uint32
	ChainIndex uint32
	MaxTokens  uint64
	Step       uint32
	SeqLen     uint32
	IndexPos   uint32
	Embedding  []byte
	Meta       Meta
	Success    bool
}

// BuildRpcReq encodes an outgoing RpcReq carrying a START/FORWARD/END
// request body, keyed by cmd and paired with seq for response matching.
func BuildRpcReq(b *flatbuffers.Builder, seq uint32, cmd Cmd, env RpcEnvelope) []byte {
	b.Reset()

	var emb flatbuffers.UOffsetT
	if len(env.Embedding) > 0 {
		emb = b.CreateByteVector(env.Embedding)
	}
	md := buildMetadata(b, env.Meta)

	PeerMessageStart(b)
	PeerMessageAddKind(b, KindRpcReq)
	PeerMessageAddSeq(b, seq)
	PeerMessageAddCmd(b, cmd)
	PeerMessageAddSession(b, env.Session)
	PeerMessageAddChatId(b, env.ChatID)
	PeerMessageAddFromLayer(b, env.FromLayer)
	PeerMessageAddChainIndex(b, env.ChainIndex)
	PeerMessageAddMaxTokens(b, env.MaxTokens)
	PeerMessageAddStep(b, env.Step)
	PeerMessageAddSeqLen(b, env.SeqLen)
	PeerMessageAddIndexPos(b, env.IndexPos)
	if emb != 0 {
		PeerMessageAddEmbedding(b, emb)
	}
	if md != 0 {
		PeerMessageAddMetadata(b, md)
	}
	m := PeerMessageEnd(b)

	b.Finish(m)
	return b.FinishedBytes()
}

// BuildRpcRes encodes an outgoing RpcRes carrying a START/FORWARD/END
// response body.
func BuildRpcRes(b *flatbuffers.Builder, seq uint32, cmd Cmd, env RpcEnvelope) []byte {
	b.Reset()

	var emb flatbuffers.UOffsetT
	if len(env.Embedding) > 0 {
		emb = b.CreateByteVector(env.Embedding)
	}
	md := buildMetadata(b, env.Meta)

	PeerMessageStart(b)
	PeerMessageAddKind(b, KindRpcRes)
	PeerMessageAddSeq(b, seq)
	PeerMessageAddCmd(b, cmd)
	PeerMessageAddSuccess(b, env.Success)
	if emb != 0 {
		PeerMessageAddEmbedding(b, emb)
	}
	if md != 0 {
		PeerMessageAddMetadata(b, md)
	}
	m := PeerMessageEnd(b)

	b.Finish(m)
	return b.FinishedBytes()
}

// Decoded is the Go-native view of a parsed PeerMessage.
type Decoded struct {
	Kind  Kind
	Seq   uint32
	Cmd   Cmd
	Sync  []SyncEntry
	Rpc   RpcEnvelope
}

// Parse decodes a chunker-delivered application message into its PeerMessage
// shape. Returns false only when buf is too short to hold a root offset; it
// does not otherwise verify the flatbuffer before reading its fields.
func Parse(buf []byte) (Decoded, bool) {
	if len(buf) < flatbuffers.SizeUOffsetT {
		return Decoded{}, false
	}

	m := GetRootAsPeerMessage(buf, 0)

	d := Decoded{Kind: m.Kind(), Seq: m.Seq(), Cmd: m.Cmd()}

	switch d.Kind {
	case KindSyncReq:
		n := m.SyncLayersLength()
		d.Sync = make([]SyncEntry, n)
		var l SyncLayer
		for i := 0; i < n; i++ {
			if m.SyncLayers(&l, i) {
				d.Sync[i] = SyncEntry{Present: l.Present(), Cost: l.Cost(), LastUpdated: l.LastUpdated()}
			}
		}
	case KindRpcReq, KindRpcRes:
		d.Rpc = RpcEnvelope{
			Session:    m.Session(),
			ChatID:     m.ChatId(),
			FromLayer:  m.FromLayer(),
			ChainIndex: m.ChainIndex(),
			MaxTokens:  m.MaxTokens(),
			Step:       m.Step(),
			SeqLen:     m.SeqLen(),
			IndexPos:   m.IndexPos(),
			Embedding:  append([]byte(nil), m.EmbeddingBytes()...),
			Meta:       readMetadata(m),
			Success:    m.Success(),
		}
	}

	return d, true
}
