package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"
)

func TestStoreAppendAndTip(t *testing.T) {
	g := testGenesis()
	store := testStore(t, g)
	ctx := context.Background()

	chain := testHeaderChain(t, g, 10, 1, 100, nil, 0xaa)
	if err := store.SaveBlocks(ctx, chain); err != nil {
		t.Fatalf("saving blocks: %v", err)
	}

	tip, err := store.Tip(ctx)
	if err != nil {
		t.Fatalf("reading tip: %v", err)
	}
	if tip.BlockNumber != 10 {
		t.Errorf("tip block number = %d, want 10", tip.BlockNumber)
	}
	if !bytes.Equal(tip.Hash, chain[9].Hash) {
		t.Errorf("tip hash mismatch")
	}
	if len(tip.PoolID) != 28 {
		t.Errorf("pool id length = %d, want 28", len(tip.PoolID))
	}

	// The epoch-boundary query: highest canonical block below a slot limit.
	last, err := store.LastBlockBeforeSlot(ctx, chain[5].SlotNumber)
	if err != nil {
		t.Fatalf("last block before slot: %v", err)
	}
	if last.BlockNumber != chain[4].BlockNumber {
		t.Errorf("last block before slot %d = %d, want %d",
			chain[5].SlotNumber, last.BlockNumber, chain[4].BlockNumber)
	}
}

func TestStoreEtaVEvolution(t *testing.T) {
	g := testGenesis()
	store := testStore(t, g)
	ctx := context.Background()

	chain := testHeaderChain(t, g, 5, 1, 100, nil, 0xbb)
	if err := store.SaveBlocks(ctx, chain); err != nil {
		t.Fatalf("saving blocks: %v", err)
	}

	// Replay the rolling hash by hand: eta_v = H(prev || H(eta_vrf)).
	expected, _ := hex.DecodeString(g.InitialNonce)
	for _, h := range chain {
		expected = blake2b256(expected, blake2b256(h.EtaVrf))
	}

	tip, err := store.Tip(ctx)
	if err != nil {
		t.Fatalf("reading tip: %v", err)
	}
	if !bytes.Equal(tip.EtaV, expected) {
		t.Errorf("tip eta_v = %x, want %x", tip.EtaV, expected)
	}
}

func TestStoreRollbackIdempotent(t *testing.T) {
	g := testGenesis()
	store := testStore(t, g)
	ctx := context.Background()

	chain := testHeaderChain(t, g, 10, 1, 100, nil, 0xcc)
	if err := store.SaveBlocks(ctx, chain); err != nil {
		t.Fatalf("saving blocks: %v", err)
	}

	limit := chain[4].SlotNumber
	for i := 0; i < 2; i++ {
		if err := store.Rollback(ctx, limit); err != nil {
			t.Fatalf("rollback %d: %v", i, err)
		}
	}

	tip, err := store.Tip(ctx)
	if err != nil {
		t.Fatalf("reading tip: %v", err)
	}
	if tip.BlockNumber != 5 {
		t.Errorf("tip after rollback = %d, want 5", tip.BlockNumber)
	}

	var orphaned int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM block WHERE orphaned = 1`).Scan(&orphaned); err != nil {
		t.Fatal(err)
	}
	if orphaned != 5 {
		t.Errorf("orphaned rows = %d, want 5", orphaned)
	}
}

func TestStoreRollbackThenForward(t *testing.T) {
	g := testGenesis()
	store := testStore(t, g)
	ctx := context.Background()

	chain := testHeaderChain(t, g, 10, 1, 100, nil, 0x01)
	if err := store.SaveBlocks(ctx, chain); err != nil {
		t.Fatalf("saving blocks: %v", err)
	}

	// Peer rolls back to block 5 and serves a different continuation.
	if err := store.Rollback(ctx, chain[4].SlotNumber); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	fork := testHeaderChain(t, g, 7, 6, chain[4].SlotNumber+5, chain[4].Hash, 0x02)
	if err := store.SaveBlocks(ctx, fork); err != nil {
		t.Fatalf("saving fork: %v", err)
	}

	tip, err := store.Tip(ctx)
	if err != nil {
		t.Fatalf("reading tip: %v", err)
	}
	if tip.BlockNumber != 12 {
		t.Errorf("tip = %d, want 12", tip.BlockNumber)
	}

	// At most one canonical block per slot, and exactly the 5 replaced rows
	// are orphaned.
	var dupes int
	if err := store.db.QueryRow(
		`SELECT COUNT(*) FROM (SELECT slot_number FROM block WHERE orphaned = 0
		 GROUP BY slot_number HAVING COUNT(*) > 1)`).Scan(&dupes); err != nil {
		t.Fatal(err)
	}
	if dupes != 0 {
		t.Errorf("%d slots with multiple canonical blocks", dupes)
	}
	var orphaned int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM block WHERE orphaned = 1`).Scan(&orphaned); err != nil {
		t.Fatal(err)
	}
	if orphaned != 5 {
		t.Errorf("orphaned rows = %d, want 5", orphaned)
	}

	// The canonical chain is connected tip to genesis by prev_hash.
	rows, err := store.HeadersInSlotRange(ctx, 0, 1<<62)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(rows); i++ {
		if !bytes.Equal(rows[i].PrevHash, rows[i-1].Hash) {
			t.Errorf("chain broken between block %d and %d", rows[i-1].BlockNumber, rows[i].BlockNumber)
		}
	}

	// The evolving nonce was re-derived from the surviving prefix.
	expected, _ := hex.DecodeString(g.InitialNonce)
	for _, h := range rows {
		expected = blake2b256(expected, blake2b256(h.EtaVrf))
	}
	if !bytes.Equal(rows[len(rows)-1].EtaV, expected) {
		t.Errorf("tip eta_v not re-derived after fork")
	}
}

func TestStoreIntersectPoints(t *testing.T) {
	g := testGenesis()
	store := testStore(t, g)
	ctx := context.Background()

	chain := testHeaderChain(t, g, 40, 1, 100, nil, 0x03)
	if err := store.SaveBlocks(ctx, chain); err != nil {
		t.Fatalf("saving blocks: %v", err)
	}

	points, err := store.IntersectPoints(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 33 {
		t.Fatalf("intersect points = %d, want 33", len(points))
	}
	for i := 1; i < len(points); i++ {
		if points[i].Slot >= points[i-1].Slot {
			t.Errorf("points not strictly decreasing at %d", i)
		}
	}
	if points[0].Slot != chain[39].SlotNumber {
		t.Errorf("first point slot = %d, want tip slot %d", points[0].Slot, chain[39].SlotNumber)
	}

	spaced := logSpaced(points)
	wantOffsets := []int{0, 1, 2, 4, 8, 16, 32}
	if len(spaced) != len(wantOffsets) {
		t.Fatalf("log spaced points = %d, want %d", len(spaced), len(wantOffsets))
	}
	for i, off := range wantOffsets {
		if spaced[i].Slot != points[off].Slot {
			t.Errorf("spaced[%d] = slot %d, want slot at offset %d", i, spaced[i].Slot, off)
		}
	}
}

func TestStoreLookupByHashPrefix(t *testing.T) {
	g := testGenesis()
	store := testStore(t, g)
	ctx := context.Background()

	chain := testHeaderChain(t, g, 3, 1, 100, nil, 0x04)
	if err := store.SaveBlocks(ctx, chain); err != nil {
		t.Fatalf("saving blocks: %v", err)
	}
	if err := store.Rollback(ctx, chain[1].SlotNumber); err != nil {
		t.Fatal(err)
	}

	orphanHash := hex.EncodeToString(chain[2].Hash)
	row, err := store.LookupByHashPrefix(ctx, orphanHash[:6])
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !row.Orphaned {
		t.Errorf("expected orphaned row for %s", orphanHash[:6])
	}
	if len(row.PoolID) != 28 || len(row.LeaderVrf) == 0 {
		t.Errorf("orphaned row missing pool_id or leader_vrf")
	}

	if _, err := store.LookupByHashPrefix(ctx, "ffffffffffff"); err == nil {
		t.Errorf("expected miss for unknown prefix")
	}
}

func TestStoreMigrationIdempotent(t *testing.T) {
	g := testGenesis()
	dir := t.TempDir()
	path := dir + "/reopen.db"

	store, err := OpenStore(path, g)
	if err != nil {
		t.Fatal(err)
	}
	chain := testHeaderChain(t, g, 3, 1, 100, nil, 0x05)
	if err := store.SaveBlocks(context.Background(), chain); err != nil {
		t.Fatal(err)
	}
	store.Close()

	reopened, err := OpenStore(path, g)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer reopened.Close()

	tip, err := reopened.Tip(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tip.BlockNumber != 3 {
		t.Errorf("tip after reopen = %d, want 3", tip.BlockNumber)
	}
	var version int
	if err := reopened.db.QueryRow(`SELECT version FROM meta`).Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != storeVersion {
		t.Errorf("schema version = %d, want %d", version, storeVersion)
	}
}

func TestStoreSlots(t *testing.T) {
	g := testGenesis()
	store := testStore(t, g)
	ctx := context.Background()

	poolID := "00beef"
	if err := store.SaveSlots(ctx, 227, poolID, []uint64{13083245, 13106185}); err != nil {
		t.Fatal(err)
	}
	qty, hash, err := store.CurrentSlots(ctx, 227, poolID)
	if err != nil {
		t.Fatal(err)
	}
	if qty != 2 {
		t.Errorf("slot qty = %d, want 2", qty)
	}
	wantHash := hex.EncodeToString(blake2b256([]byte("[13083245,13106185]")))
	if hash != wantHash {
		t.Errorf("slots hash = %s, want %s", hash, wantHash)
	}

	slots, err := store.PrevSlots(ctx, 227, poolID)
	if err != nil {
		t.Fatal(err)
	}
	if slots != "[13083245,13106185]" {
		t.Errorf("prev slots = %s", slots)
	}
	if _, _, err := store.CurrentSlots(ctx, 1, poolID); err == nil {
		t.Errorf("expected miss for unknown epoch")
	}
}
