package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"
)

// ValidateResult is the JSON emitted by the validate command.
type ValidateResult struct {
	Status      string `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	SlotNumber  uint64 `json:"slotNumber"`
	PoolID      string `json:"poolId"`
	Hash        string `json:"hash"`
	PrevHash    string `json:"prevHash"`
	LeaderVrf   string `json:"leaderVrf"`
}

// ValidateBlock looks a block up by hex hash prefix and reports whether the
// row is canonical or orphaned.
func ValidateBlock(ctx context.Context, store *Store, hashPrefix string) (*ValidateResult, error) {
	block, err := store.LookupByHashPrefix(ctx, hashPrefix)
	if err != nil {
		return nil, fmt.Errorf("no block matching hash %q: %w", hashPrefix, err)
	}
	status := "ok"
	if block.Orphaned {
		status = "orphaned"
	}
	return &ValidateResult{
		Status:      status,
		BlockNumber: block.BlockNumber,
		SlotNumber:  block.SlotNumber,
		PoolID:      hex.EncodeToString(block.PoolID),
		Hash:        hex.EncodeToString(block.Hash),
		PrevHash:    hex.EncodeToString(block.PrevHash),
		LeaderVrf:   hex.EncodeToString(block.LeaderVrf),
	}, nil
}

// StatusResult is the JSON emitted by the status command.
type StatusResult struct {
	Status  string `json:"status"`
	TipSlot uint64 `json:"tipSlot"`
}

// SyncStatus reports ok while the tip is within one epoch of wall-clock.
func SyncStatus(ctx context.Context, store *Store, g Genesis) (*StatusResult, error) {
	tip, err := store.Tip(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading tip: %w", err)
	}
	tipTime := g.SlotTime(tip.SlotNumber)
	if time.Since(tipTime) > g.EpochDuration() {
		return nil, fmt.Errorf("db not fully synced: tip slot %d is %s old",
			tip.SlotNumber, time.Since(tipTime).Round(time.Second))
	}
	return &StatusResult{Status: "ok", TipSlot: tip.SlotNumber}, nil
}
