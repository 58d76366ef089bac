package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"
)

// Epoch nonce derivation. The store already carries the evolving nonce
// (eta_v) per block, so the epoch nonce reduces to two indexed lookups:
//
//	η_e = blake2b-256( η_c(e) || η_h(e) [ || extra_entropy ] )
//
// where η_c is the evolving nonce frozen at the stability-window cutoff
// before the epoch's first slot, and η_h is the prev_hash of the last block
// before the previous epoch began.

// EpochNonce is the derived randomness for one epoch, together with the
// values it was mixed from and the epoch's position in time.
type EpochNonce struct {
	Epoch         int64
	Nonce         []byte
	EtaC          []byte
	EtaH          []byte
	FirstSlot     uint64
	FirstSlotTime time.Time
}

// CalcEpochNonce derives the epoch nonce for targetEpoch from the persisted
// chain. extraEntropy, when non-empty, is the hex-encoded governance mixin.
func CalcEpochNonce(ctx context.Context, store *Store, g Genesis, targetEpoch int64, extraEntropy string) (*EpochNonce, error) {
	if targetEpoch <= g.TransitionEpoch {
		return nil, fmt.Errorf("cannot compute nonce for epoch %d: shelley starts at epoch %d",
			targetEpoch, g.TransitionEpoch)
	}

	firstSlot := g.FirstSlotOfEpoch(targetEpoch)
	stabilityWindowStart := firstSlot - uint64(g.StabilityWindow())

	etaC, err := store.EtaVBeforeSlot(ctx, stabilityWindowStart)
	if err != nil {
		return nil, fmt.Errorf("candidate nonce for epoch %d: %w", targetEpoch, err)
	}

	firstSlotPrevEpoch := g.FirstSlotOfEpoch(targetEpoch - 1)
	etaH, err := store.PrevHashBeforeSlot(ctx, firstSlotPrevEpoch)
	if err != nil {
		return nil, fmt.Errorf("lab nonce for epoch %d: %w", targetEpoch, err)
	}

	nonce := blake2b256(etaC, etaH)
	if extraEntropy != "" {
		entropy, err := hex.DecodeString(extraEntropy)
		if err != nil {
			return nil, fmt.Errorf("decoding extra entropy: %w", err)
		}
		nonce = blake2b256(nonce, entropy)
	}

	return &EpochNonce{
		Epoch:         targetEpoch,
		Nonce:         nonce,
		EtaC:          etaC,
		EtaH:          etaH,
		FirstSlot:     firstSlot,
		FirstSlotTime: g.SlotTime(firstSlot),
	}, nil
}
