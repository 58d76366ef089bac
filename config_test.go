package main

import (
	"testing"
	"time"
)

func TestMainnetEpochArithmetic(t *testing.T) {
	g, err := genesisDefaults(MainnetNetworkMagic)
	if err != nil {
		t.Fatal(err)
	}

	// Shelley started at epoch 208 after 208 Byron epochs of 21600 slots.
	if got := g.FirstSlotOfEpoch(208); got != 4492800 {
		t.Errorf("first slot of epoch 208 = %d", got)
	}
	if got := g.EpochForSlot(4492800); got != 208 {
		t.Errorf("epoch for slot 4492800 = %d", got)
	}
	if got := g.EpochForSlot(4492799); got != 207 {
		t.Errorf("epoch for last byron slot = %d", got)
	}

	// Known schedule entries: absolute slot to epoch-local index.
	if got := g.EpochForSlot(13083245); got != 227 {
		t.Errorf("epoch for slot 13083245 = %d", got)
	}
	if got := g.SlotInEpoch(13083245); got != 382445 {
		t.Errorf("slot 13083245 in epoch = %d", got)
	}
	if got := g.SlotInEpoch(13106185); got != 405385 {
		t.Errorf("slot 13106185 in epoch = %d", got)
	}

	// Shelley began 2020-07-29T21:44:51Z.
	want := time.Date(2020, 7, 29, 21, 44, 51, 0, time.UTC)
	if got := g.SlotTime(4492800); !got.Equal(want) {
		t.Errorf("slot 4492800 time = %v, want %v", got, want)
	}
	// Byron slots are 20 seconds.
	if got := g.SlotTime(1); got.Sub(g.SlotTime(0)) != 20*time.Second {
		t.Errorf("byron slot duration = %v", got.Sub(g.SlotTime(0)))
	}
	// Shelley slots are 1 second.
	if g.SlotTime(4492801).Sub(g.SlotTime(4492800)) != time.Second {
		t.Errorf("shelley slot duration wrong")
	}

	if got := g.StabilityWindow(); got != 129600 {
		t.Errorf("stability window = %d, want 129600", got)
	}
}

func TestGenesisDefaultsUnknownNetwork(t *testing.T) {
	if _, err := genesisDefaults(9999999); err == nil {
		t.Errorf("expected error for unknown network magic")
	}
	for _, magic := range []uint32{MainnetNetworkMagic, PreprodNetworkMagic, PreviewNetworkMagic, GuildNetworkMagic} {
		g, err := genesisDefaults(magic)
		if err != nil {
			t.Errorf("no defaults for magic %d: %v", magic, err)
		}
		if g.EpochLength == 0 || g.ActiveSlotsCoeff == 0 {
			t.Errorf("incomplete defaults for magic %d", magic)
		}
	}
}

func TestEpochAndFirstSlot(t *testing.T) {
	g := testGenesis()
	epoch, first := g.EpochAndFirstSlot(2500)
	if epoch != 2 || first != 2000 {
		t.Errorf("EpochAndFirstSlot(2500) = %d/%d", epoch, first)
	}
	if g.SlotInEpoch(2500) != 500 {
		t.Errorf("slot in epoch = %d", g.SlotInEpoch(2500))
	}
	if g.EpochDuration() != 1000*time.Second {
		t.Errorf("epoch duration = %v", g.EpochDuration())
	}
}
