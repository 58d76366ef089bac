package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/blinklabs-io/gouroboros/vrf"
)

// testVRFKey generates a real VRF keypair and wraps it the way key files
// are parsed.
func testVRFKey(t *testing.T, seedByte byte) (*VRFKey, []byte) {
	t.Helper()
	seed := bytes.Repeat([]byte{seedByte}, 32)
	pk, sk, err := vrf.KeyGen(seed)
	if err != nil {
		t.Fatalf("vrf keygen: %v", err)
	}
	material := make([]byte, 64)
	copy(material[:32], sk)
	copy(material[32:], pk)
	key, err := ParseVRFKeyCborHex("5840" + hex.EncodeToString(material))
	if err != nil {
		t.Fatalf("parsing generated key: %v", err)
	}
	t.Cleanup(key.Close)
	return key, pk
}

func TestSeedConstruction(t *testing.T) {
	eta := bytes.Repeat([]byte{0x5a}, 32)
	praosInput := mkInputPraos(5000, eta)
	tpraosSeed := mkSeedTPraos(5000, eta)

	if len(praosInput) != 32 || len(tpraosSeed) != 32 {
		t.Fatalf("seed lengths %d/%d", len(praosInput), len(tpraosSeed))
	}
	// The TPraos seed is the Praos input XORed with the constant nonce.
	for i := range tpraosSeed {
		if tpraosSeed[i] != praosInput[i]^ucNonce[i] {
			t.Fatalf("tpraos seed is not ucNonce xor hash at byte %d", i)
		}
	}
	// Different slots give different seeds.
	if bytes.Equal(mkInputPraos(5001, eta), praosInput) {
		t.Errorf("seed does not depend on slot")
	}
}

func TestCertNatMaxConstants(t *testing.T) {
	// 2^512, the constant the reference hard-codes.
	want := "13407807929942597099574024998205846127479365820592393377723561443721764030073546976801874298166903427690031858186486050853753882811946569946433649006084096"
	if got := certNatMax(ConsensusTPraos).String(); got != want {
		t.Errorf("certNatMax(tpraos) = %s", got)
	}
	want256 := new(big.Int).Lsh(big.NewInt(1), 256).String()
	if got := certNatMax(ConsensusCPraos).String(); got != want256 {
		t.Errorf("certNatMax(cpraos) = %s", got)
	}
}

func TestIsOverlaySlot(t *testing.T) {
	one := new(big.Rat).SetInt64(1)
	zero := new(big.Rat)
	half := big.NewRat(1, 2)

	for slot := uint64(100); slot < 110; slot++ {
		if !isOverlaySlot(100, slot, one) {
			t.Errorf("d=1: slot %d not overlay", slot)
		}
		if isOverlaySlot(100, slot, zero) {
			t.Errorf("d=0: slot %d overlay", slot)
		}
	}
	// d=1/2 reserves every other slot, starting with the first.
	wantOverlay := []bool{true, false, true, false, true, false}
	for i, want := range wantOverlay {
		if got := isOverlaySlot(100, 100+uint64(i), half); got != want {
			t.Errorf("d=1/2: slot offset %d overlay = %v, want %v", i, got, want)
		}
	}
}

func TestParseConsensusVariant(t *testing.T) {
	for _, name := range []string{"tpraos", "praos", "cpraos"} {
		v, err := ParseConsensusVariant(name)
		if err != nil {
			t.Errorf("parsing %s: %v", name, err)
		}
		if v.String() != name {
			t.Errorf("%s round trip = %s", name, v)
		}
	}
	if _, err := ParseConsensusVariant("ouroboros-bft"); err == nil {
		t.Errorf("expected error for unknown variant")
	}
}

func TestLeaderLogDeterministic(t *testing.T) {
	g := testGenesis()
	key, _ := testVRFKey(t, 0x42)
	nonce := blake2b256([]byte("epoch nonce fixture"))

	params := LeaderLogParams{
		Genesis:     g,
		Epoch:       5,
		EpochNonce:  nonce,
		Variant:     ConsensusCPraos,
		PoolID:      hex.EncodeToString(bytes.Repeat([]byte{0x99}, 28)),
		PoolStake:   5_000_000,
		ActiveStake: 100_000_000,
		VrfKey:      key,
		Timezone:    time.UTC,
	}

	first, err := CalcLeaderLog(context.Background(), params)
	if err != nil {
		t.Fatal(err)
	}
	second, err := CalcLeaderLog(context.Background(), params)
	if err != nil {
		t.Fatal(err)
	}

	if first.EpochSlots != second.EpochSlots {
		t.Fatalf("slot counts differ: %d vs %d", first.EpochSlots, second.EpochSlots)
	}
	for i := range first.AssignedSlots {
		if first.AssignedSlots[i].Slot != second.AssignedSlots[i].Slot {
			t.Errorf("slot %d differs between runs", i)
		}
	}

	// Slots are ordered, epoch-local, and numbered from 1.
	firstSlot := g.FirstSlotOfEpoch(5)
	for i, s := range first.AssignedSlots {
		if s.No != i+1 {
			t.Errorf("slot %d numbered %d", i, s.No)
		}
		if s.SlotInEpoch != s.Slot-firstSlot {
			t.Errorf("slot %d epoch-local index mismatch", i)
		}
		if i > 0 && s.Slot <= first.AssignedSlots[i-1].Slot {
			t.Errorf("slots not strictly increasing at %d", i)
		}
	}
}

func TestLeaderLogSigmaMonotonic(t *testing.T) {
	g := testGenesis()
	key, _ := testVRFKey(t, 0x43)
	nonce := blake2b256([]byte("monotonic"))

	params := LeaderLogParams{
		Genesis:     g,
		Epoch:       3,
		EpochNonce:  nonce,
		Variant:     ConsensusPraos,
		PoolID:      hex.EncodeToString(bytes.Repeat([]byte{0x77}, 28)),
		ActiveStake: 1_000_000,
		VrfKey:      key,
	}

	params.PoolStake = 10_000 // sigma 0.01
	small, err := CalcLeaderLog(context.Background(), params)
	if err != nil {
		t.Fatal(err)
	}
	params.PoolStake = 500_000 // sigma 0.5
	large, err := CalcLeaderLog(context.Background(), params)
	if err != nil {
		t.Fatal(err)
	}

	// A bigger stake can only add elected slots, never drop one.
	largeSet := make(map[uint64]bool, large.EpochSlots)
	for _, s := range large.AssignedSlots {
		largeSet[s.Slot] = true
	}
	for _, s := range small.AssignedSlots {
		if !largeSet[s.Slot] {
			t.Errorf("slot %d elected at sigma 0.01 but not at 0.5", s.Slot)
		}
	}
	if large.EpochSlots < small.EpochSlots {
		t.Errorf("slot count fell from %d to %d as sigma grew", small.EpochSlots, large.EpochSlots)
	}
}

func TestLeaderLogInputValidation(t *testing.T) {
	g := testGenesis()
	key, _ := testVRFKey(t, 0x44)

	base := LeaderLogParams{
		Genesis:     g,
		Epoch:       1,
		EpochNonce:  make([]byte, 32),
		Variant:     ConsensusCPraos,
		PoolStake:   1,
		ActiveStake: 100,
		VrfKey:      key,
	}

	bad := base
	bad.EpochNonce = []byte{1, 2, 3}
	if _, err := CalcLeaderLog(context.Background(), bad); err == nil {
		t.Errorf("accepted short nonce")
	}
	bad = base
	bad.ActiveStake = 0
	if _, err := CalcLeaderLog(context.Background(), bad); err == nil {
		t.Errorf("accepted zero total stake")
	}
	bad = base
	bad.D = 1.5
	if _, err := CalcLeaderLog(context.Background(), bad); err == nil {
		t.Errorf("accepted d > 1")
	}
}

func TestPoolIDBech32RoundTrip(t *testing.T) {
	hexID := hex.EncodeToString(bytes.Repeat([]byte{0xbe}, 28))
	encoded := poolIDBech32(hexID)
	if encoded == "" || encoded[:5] != "pool1" {
		t.Fatalf("bech32 encoding = %q", encoded)
	}
	back, err := normalizePoolID(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if back != hexID {
		t.Errorf("round trip %s != %s", back, hexID)
	}

	if _, err := normalizePoolID("zzzz"); err == nil {
		t.Errorf("accepted invalid pool id")
	}
	if _, err := normalizePoolID(hexID); err != nil {
		t.Errorf("rejected valid hex pool id: %v", err)
	}
}
