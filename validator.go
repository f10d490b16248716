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
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// checkpointCacheSize bounds the validator's per-ChatId checkpoint and
// verifying-key stores so a misbehaving originator can't grow either map
// unboundedly.
const checkpointCacheSize = 4096

// bcsU64 canonicalizes a token count the way the source's bcs encoding of a
// Rust u64 does: its 8-byte little-endian form.
func bcsU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// Checkpoint is a signed proof of work (spec §3): the originator's claimed
// token count for a chat session and its Ed25519 signature over bcsU64 of
// that count.
type Checkpoint struct {
	TokenCount uint64
	Signature  []byte
}

// Validator implements the Usage/Validator subsystem of spec §4.4: the
// originator signs a Checkpoint per FORWARD, downstream workers verify it
// against the originator's verifying key delivered via START metadata.
type Validator struct {
	mu      sync.Mutex
	rootSK  ed25519.PrivateKey
	rootPKs *lru.Cache[ChatId, ed25519.PublicKey]

	cpMu        sync.Mutex
	checkpoints *lru.Cache[ChatId, Checkpoint]

	earnedMu sync.Mutex
	earned   map[ChatId]uint64

	log *zap.SugaredLogger
}

// NewValidator builds a Validator whose originator-side signatures are made
// with rootSK. rootSK may be nil for a node that only ever verifies.
func NewValidator(rootSK ed25519.PrivateKey, log *zap.Logger) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	rootPKs, _ := lru.New[ChatId, ed25519.PublicKey](checkpointCacheSize)
	checkpoints, _ := lru.New[ChatId, Checkpoint](checkpointCacheSize)
	return &Validator{
		rootSK:      rootSK,
		rootPKs:     rootPKs,
		checkpoints: checkpoints,
		earned:      make(map[ChatId]uint64),
		log:         log.Sugar().Named("validator"),
	}
}

// AddRootPK records the originator's verifying key for chatID, parsed from
// the first START's metadata (spec §4.4).
func (v *Validator) AddRootPK(chatID ChatId, pk ed25519.PublicKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rootPKs.Add(chatID, pk)
}

// SignCheckpoint signs bcsU64(tokenCount) with the node's long-lived
// identity key (spec §4.4: "a long-lived signing key... signs
// bcs(u64_token_count) for each FORWARD").
func (v *Validator) SignCheckpoint(tokenCount uint64) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.rootSK == nil {
		return nil, fmt.Errorf("validator: no signing key configured")
	}
	return ed25519.Sign(v.rootSK, bcsU64(tokenCount)), nil
}

// CreateCheckpoint signs and stores a fresh Checkpoint for chatID at the
// originator.
func (v *Validator) CreateCheckpoint(chatID ChatId, tokenCount uint64) (Checkpoint, error) {
	sig, err := v.SignCheckpoint(tokenCount)
	if err != nil {
		return Checkpoint{}, err
	}
	cp := Checkpoint{TokenCount: tokenCount, Signature: sig}
	v.cpMu.Lock()
	v.checkpoints.Add(chatID, cp)
	v.cpMu.Unlock()
	v.log.Infow("created checkpoint", "chat_id", chatID, "token_count", tokenCount)
	return cp, nil
}

// VerifyCheckpoint verifies cp's signature under chatID's remembered
// verifying key and against strictly-increasing token_count (spec §3
// invariant). A chatID with no recorded verifying key always fails.
func (v *Validator) VerifyCheckpoint(chatID ChatId, cp Checkpoint) bool {
	ok := v.verifyCheckpoint(chatID, cp)
	ReportCheckpointVerified(ok)
	return ok
}

func (v *Validator) verifyCheckpoint(chatID ChatId, cp Checkpoint) bool {
	v.mu.Lock()
	pk, ok := v.rootPKs.Get(chatID)
	v.mu.Unlock()
	if !ok {
		return false
	}
	if len(cp.Signature) != ed25519.SignatureSize {
		return false
	}
	if !ed25519.Verify(pk, bcsU64(cp.TokenCount), cp.Signature) {
		return false
	}

	v.cpMu.Lock()
	defer v.cpMu.Unlock()
	if prev, ok := v.checkpoints.Get(chatID); ok && cp.TokenCount <= prev.TokenCount {
		return false
	}
	v.checkpoints.Add(chatID, cp)
	return true
}

// UpdateCheckpoint verifies and, on success, records cp as the latest
// accepted checkpoint for chatID. HandleEnd does not call it; a verified
// FORWARD already records its checkpoint through VerifyCheckpoint.
func (v *Validator) UpdateCheckpoint(chatID ChatId, cp Checkpoint) error {
	if !v.VerifyCheckpoint(chatID, cp) {
		return fmt.Errorf("validator: invalid checkpoint for chat %d", chatID)
	}
	return nil
}

// GetCheckpoint returns the latest accepted checkpoint for chatID, if any.
func (v *Validator) GetCheckpoint(chatID ChatId) (Checkpoint, bool) {
	v.cpMu.Lock()
	defer v.cpMu.Unlock()
	return v.checkpoints.Get(chatID)
}

// IncrementEarned bumps the downstream's "earning" counter for chatID by
// one (once per verified FORWARD, spec §4.4) and returns the new total.
func (v *Validator) IncrementEarned(chatID ChatId) uint64 {
	v.earnedMu.Lock()
	defer v.earnedMu.Unlock()
	v.earned[chatID]++
	return v.earned[chatID]
}

// Earned returns the current earning counter for chatID.
func (v *Validator) Earned(chatID ChatId) uint64 {
	v.earnedMu.Lock()
	defer v.earnedMu.Unlock()
	return v.earned[chatID]
}
