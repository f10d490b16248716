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

// Package protocol is the flatbuffers wire schema carried inside the
// chunker's reassembled frames: one PeerMessage per SYNC or RPC exchange
// (spec §6), plus the MetaEntry/SyncLayer tables it is built from.
package protocol

import (
	"strconv"

	flatbuffers "github.com/google/flatbuffers/go"
)

// Kind discriminates the four peer-wire message shapes of spec §6.
type Kind byte

const (
	KindSyncReq Kind = 0
	KindSyncRes Kind = 1
	KindRpcReq  Kind = 2
	KindRpcRes  Kind = 3
)

var kindNames = map[Kind]string{
	KindSyncReq: "SyncReq",
	KindSyncRes: "SyncRes",
	KindRpcReq:  "RpcReq",
	KindRpcRes:  "RpcRes",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Cmd discriminates START/FORWARD/END inside an RpcReq/RpcRes.
type Cmd byte

const (
	CmdStart   Cmd = 0
	CmdForward Cmd = 1
	CmdEnd     Cmd = 2
)

var cmdNames = map[Cmd]string{
	CmdStart:   "START",
	CmdForward: "FORWARD",
	CmdEnd:     "END",
}

func (c Cmd) String() string {
	if s, ok := cmdNames[c]; ok {
		return s
	}
	return "Cmd(" + strconv.Itoa(int(c)) + ")"
}

// MetaEntry is one key/value pair of the metadata envelope (spec §9).
type MetaEntry struct {
	_tab flatbuffers.Table
}

func GetRootAsMetaEntry(buf []byte, offset flatbuffers.UOffsetT) *MetaEntry {
	n := flatbuffers.GetUOffsetT(buf[offset:])
	x := &MetaEntry{}
	x.Init(buf, n+offset)
	return x
}

func (rcv *MetaEntry) Init(buf []byte, i flatbuffers.UOffsetT) {
	rcv._tab.Bytes = buf
	rcv._tab.Pos = i
}

func (rcv *MetaEntry) Key() []byte {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(4))
	if o != 0 {
		return rcv._tab.ByteVector(o + rcv._tab.Pos)
	}
	return nil
}

func (rcv *MetaEntry) Value() []byte {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(6))
	if o != 0 {
		return rcv._tab.ByteVector(o + rcv._tab.Pos)
	}
	return nil
}

func MetaEntryStart(builder *flatbuffers.Builder) {
	builder.StartObject(2)
}
func MetaEntryAddKey(builder *flatbuffers.Builder, key flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(0, flatbuffers.UOffsetT(key), 0)
}
func MetaEntryAddValue(builder *flatbuffers.Builder, value flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(1, flatbuffers.UOffsetT(value), 0)
}
func MetaEntryEnd(builder *flatbuffers.Builder) flatbuffers.UOffsetT {
	return builder.EndObject()
}

// SyncLayer is one slot of a SYNC advertisement: the cheapest path to cover
// from that layer onward, as seen from the advertising node (spec §4.1).
type SyncLayer struct {
	_tab flatbuffers.Table
}

func GetRootAsSyncLayer(buf []byte, offset flatbuffers.UOffsetT) *SyncLayer {
	n := flatbuffers.GetUOffsetT(buf[offset:])
	x := &SyncLayer{}
	x.Init(buf, n+offset)
	return x
}

func (rcv *SyncLayer) Init(buf []byte, i flatbuffers.UOffsetT) {
	rcv._tab.Bytes = buf
	rcv._tab.Pos = i
}

func (rcv *SyncLayer) Present() bool {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(4))
	if o != 0 {
		return rcv._tab.GetBool(o + rcv._tab.Pos)
	}
	return false
}

func (rcv *SyncLayer) Cost() uint32 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(6))
	if o != 0 {
		return rcv._tab.GetUint32(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *SyncLayer) LastUpdated() uint64 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(8))
	if o != 0 {
		return rcv._tab.GetUint64(o + rcv._tab.Pos)
	}
	return 0
}

func SyncLayerStart(builder *flatbuffers.Builder) {
	builder.StartObject(3)
}
func SyncLayerAddPresent(builder *flatbuffers.Builder, present bool) {
	builder.PrependBoolSlot(0, present, false)
}
func SyncLayerAddCost(builder *flatbuffers.Builder, cost uint32) {
	builder.PrependUint32Slot(1, cost, 0)
}
func SyncLayerAddLastUpdated(builder *flatbuffers.Builder, lastUpdated uint64) {
	builder.PrependUint64Slot(2, lastUpdated, 0)
}
func SyncLayerEnd(builder *flatbuffers.Builder) flatbuffers.UOffsetT {
	return builder.EndObject()
}

// PeerMessage is the single top-level envelope carried inside chunker
// frames. Kind selects which fields are meaningful; unused fields default
// to their zero value, exactly as spec §6's four message shapes require.
type PeerMessage struct {
	_tab flatbuffers.Table
}

func GetRootAsPeerMessage(buf []byte, offset flatbuffers.UOffsetT) *PeerMessage {
	n := flatbuffers.GetUOffsetT(buf[offset:])
	x := &PeerMessage{}
	x.Init(buf, n+offset)
	return x
}

func (rcv *PeerMessage) Init(buf []byte, i flatbuffers.UOffsetT) {
	rcv._tab.Bytes = buf
	rcv._tab.Pos = i
}

func (rcv *PeerMessage) Kind() Kind {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(4))
	if o != 0 {
		return Kind(rcv._tab.GetByte(o + rcv._tab.Pos))
	}
	return KindSyncReq
}

func (rcv *PeerMessage) Seq() uint32 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(6))
	if o != 0 {
		return rcv._tab.GetUint32(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *PeerMessage) Cmd() Cmd {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(8))
	if o != 0 {
		return Cmd(rcv._tab.GetByte(o + rcv._tab.Pos))
	}
	return CmdStart
}

func (rcv *PeerMessage) Success() bool {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(10))
	if o != 0 {
		return rcv._tab.GetBool(o + rcv._tab.Pos)
	}
	return false
}

func (rcv *PeerMessage) SyncLayers(obj *SyncLayer, j int) bool {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(12))
	if o != 0 {
		x := rcv._tab.Vector(o)
		x += flatbuffers.UOffsetT(j) * 4
		x = rcv._tab.Indirect(x)
		obj.Init(rcv._tab.Bytes, x)
		return true
	}
	return false
}

func (rcv *PeerMessage) SyncLayersLength() int {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(12))
	if o != 0 {
		return rcv._tab.VectorLen(o)
	}
	return 0
}

func (rcv *PeerMessage) Session() uint64 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(14))
	if o != 0 {
		return rcv._tab.GetUint64(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *PeerMessage) ChatId() uint64 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(16))
	if o != 0 {
		return rcv._tab.GetUint64(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *PeerMessage) FromLayer() uint32 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(18))
	if o != 0 {
		return rcv._tab.GetUint32(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *PeerMessage) ChainIndex() uint32 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(20))
	if o != 0 {
		return rcv._tab.GetUint32(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *PeerMessage) MaxTokens() uint64 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(22))
	if o != 0 {
		return rcv._tab.GetUint64(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *PeerMessage) Step() uint32 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(24))
	if o != 0 {
		return rcv._tab.GetUint32(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *PeerMessage) SeqLen() uint32 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(26))
	if o != 0 {
		return rcv._tab.GetUint32(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *PeerMessage) IndexPos() uint32 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(28))
	if o != 0 {
		return rcv._tab.GetUint32(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *PeerMessage) EmbeddingBytes() []byte {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(30))
	if o != 0 {
		return rcv._tab.ByteVector(o + rcv._tab.Pos)
	}
	return nil
}

func (rcv *PeerMessage) Metadata(obj *MetaEntry, j int) bool {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(32))
	if o != 0 {
		x := rcv._tab.Vector(o)
		x += flatbuffers.UOffsetT(j) * 4
		x = rcv._tab.Indirect(x)
		obj.Init(rcv._tab.Bytes, x)
		return true
	}
	return false
}

func (rcv *PeerMessage) MetadataLength() int {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(32))
	if o != 0 {
		return rcv._tab.VectorLen(o)
	}
	return 0
}

func PeerMessageStart(builder *flatbuffers.Builder) {
	builder.StartObject(15)
}
func PeerMessageAddKind(builder *flatbuffers.Builder, kind Kind) {
	builder.PrependByteSlot(0, byte(kind), 0)
}
func PeerMessageAddSeq(builder *flatbuffers.Builder, seq uint32) {
	builder.PrependUint32Slot(1, seq, 0)
}
func PeerMessageAddCmd(builder *flatbuffers.Builder, cmd Cmd) {
	builder.PrependByteSlot(2, byte(cmd), 0)
}
func PeerMessageAddSuccess(builder *flatbuffers.Builder, success bool) {
	builder.PrependBoolSlot(3, success, false)
}
func PeerMessageAddSyncLayers(builder *flatbuffers.Builder, layers flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(4, flatbuffers.UOffsetT(layers), 0)
}
func PeerMessageStartSyncLayersVector(builder *flatbuffers.Builder, numElems int) flatbuffers.UOffsetT {
	return builder.StartVector(4, numElems, 4)
}
func PeerMessageAddSession(builder *flatbuffers.Builder, session uint64) {
	builder.PrependUint64Slot(5, session, 0)
}
func PeerMessageAddChatId(builder *flatbuffers.Builder, chatID uint64) {
	builder.PrependUint64Slot(6, chatID, 0)
}
func PeerMessageAddFromLayer(builder *flatbuffers.Builder, fromLayer uint32) {
	builder.PrependUint32Slot(7, fromLayer, 0)
}
func PeerMessageAddChainIndex(builder *flatbuffers.Builder, chainIndex uint32) {
	builder.PrependUint32Slot(8, chainIndex, 0)
}
func PeerMessageAddMaxTokens(builder *flatbuffers.Builder, maxTokens uint64) {
	builder.PrependUint64Slot(9, maxTokens, 0)
}
func PeerMessageAddStep(builder *flatbuffers.Builder, step uint32) {
	builder.PrependUint32Slot(10, step, 0)
}
func PeerMessageAddSeqLen(builder *flatbuffers.Builder, seqLen uint32) {
	builder.PrependUint32Slot(11, seqLen, 0)
}
func PeerMessageAddIndexPos(builder *flatbuffers.Builder, indexPos uint32) {
	builder.PrependUint32Slot(12, indexPos, 0)
}
func PeerMessageAddEmbedding(builder *flatbuffers.Builder, embedding flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(13, flatbuffers.UOffsetT(embedding), 0)
}
func PeerMessageAddMetadata(builder *flatbuffers.Builder, metadata flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(14, flatbuffers.UOffsetT(metadata), 0)
}
func PeerMessageStartMetadataVector(builder *flatbuffers.Builder, numElems int) flatbuffers.UOffsetT {
	return builder.StartVector(4, numElems, 4)
}
func PeerMessageEnd(builder *flatbuffers.Builder) flatbuffers.UOffsetT {
	return builder.EndObject()
}
