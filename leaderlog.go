package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// normalizePoolID accepts a pool id as lower-case hex or bech32 (pool1...)
// and returns the hex form.
func normalizePoolID(s string) (string, error) {
	if strings.HasPrefix(s, "pool1") {
		hrp, data, err := bech32.Decode(s)
		if err != nil {
			return "", fmt.Errorf("decoding bech32 pool id: %w", err)
		}
		if hrp != "pool" {
			return "", fmt.Errorf("unexpected bech32 prefix %q for pool id", hrp)
		}
		raw, err := bech32.ConvertBits(data, 5, 8, false)
		if err != nil {
			return "", fmt.Errorf("converting bech32 pool id: %w", err)
		}
		return hex.EncodeToString(raw), nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("pool id must be hex or bech32: %w", err)
	}
	if len(raw) != 28 {
		return "", fmt.Errorf("pool id must be 28 bytes, got %d", len(raw))
	}
	return s, nil
}

// poolIDBech32 renders a hex pool id in its operator-facing bech32 form.
func poolIDBech32(hexID string) string {
	raw, err := hex.DecodeString(hexID)
	if err != nil {
		return ""
	}
	conv, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return ""
	}
	encoded, err := bech32.Encode("pool", conv)
	if err != nil {
		return ""
	}
	return encoded
}

// ConsensusVariant selects which consensus rules the election reproduces.
// It is an explicit input, never inferred from the era, so headers of one
// era can be re-checked under another era's rules.
type ConsensusVariant int

const (
	ConsensusTPraos ConsensusVariant = iota
	ConsensusPraos
	ConsensusCPraos
)

func ParseConsensusVariant(s string) (ConsensusVariant, error) {
	switch s {
	case "tpraos":
		return ConsensusTPraos, nil
	case "praos":
		return ConsensusPraos, nil
	case "cpraos":
		return ConsensusCPraos, nil
	}
	return 0, fmt.Errorf("unrecognised consensus variant %q", s)
}

func (v ConsensusVariant) String() string {
	switch v {
	case ConsensusTPraos:
		return "tpraos"
	case ConsensusPraos:
		return "praos"
	case ConsensusCPraos:
		return "cpraos"
	}
	return "unknown"
}

// ucNonce is the universal constant nonce: the blake2b-256 hash of the
// 8-byte big-endian value 1 (seedL in the ledger).
var ucNonce = [32]byte{
	0x12, 0xdd, 0x0a, 0x6a, 0x7d, 0x0e, 0x22, 0x2a, 0x97, 0x92, 0x6d, 0xa0,
	0x3a, 0xdb, 0x5a, 0x77, 0x68, 0xd3, 0x1c, 0xc7, 0xc5, 0xc2, 0xbd, 0x68,
	0x28, 0xe1, 0x4a, 0x7d, 0x25, 0xfa, 0x3a, 0x60,
}

// mkSeedTPraos builds the TPraos election seed: the slot/nonce hash XORed
// with the universal constant nonce.
func mkSeedTPraos(slot uint64, eta0 []byte) []byte {
	concat := make([]byte, 8+len(eta0))
	binary.BigEndian.PutUint64(concat[:8], slot)
	copy(concat[8:], eta0)
	slotToSeed := blake2b256(concat)
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = ucNonce[i] ^ slotToSeed[i]
	}
	return seed
}

// mkInputPraos builds the Praos/CPraos VRF input: blake2b-256(slot || eta0).
func mkInputPraos(slot uint64, eta0 []byte) []byte {
	concat := make([]byte, 8+len(eta0))
	binary.BigEndian.PutUint64(concat[:8], slot)
	copy(concat[8:], eta0)
	return blake2b256(concat)
}

// certNatMax is 2^512 for tpraos (raw 64-byte VRF output) or 2^256 for
// praos/cpraos (32-byte leader value).
func certNatMax(variant ConsensusVariant) decimal.Decimal {
	bits := 512
	if variant != ConsensusTPraos {
		bits = 256
	}
	max := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	return decimal.NewFromBigInt(max, 0)
}

// ceilRat returns ceil(r) for a non-negative rational.
func ceilRat(r *big.Rat) *big.Int {
	q := new(big.Int)
	m := new(big.Int)
	q.DivMod(r.Num(), r.Denom(), m)
	if m.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// isOverlaySlot reports whether the decentralisation parameter reserves the
// slot for federated nodes (legacy TPraos only).
func isOverlaySlot(firstSlotOfEpoch, slot uint64, d *big.Rat) bool {
	diff := new(big.Rat).SetInt64(int64(slot - firstSlotOfEpoch))
	diffInc := new(big.Rat).Add(diff, new(big.Rat).SetInt64(1))
	left := ceilRat(new(big.Rat).Mul(d, diff))
	right := ceilRat(new(big.Rat).Mul(d, diffInc))
	return left.Cmp(right) < 0
}

// LeaderSlot is one assigned slot in a schedule.
type LeaderSlot struct {
	No          int    `json:"no"`
	Slot        uint64 `json:"slot"`
	SlotInEpoch uint64 `json:"slotInEpoch"`
	At          string `json:"at"`
}

// LeaderLog is the JSON document the leaderlog command emits.
type LeaderLog struct {
	Status           string       `json:"status"`
	Epoch            int64        `json:"epoch"`
	EpochNonce       string       `json:"epochNonce"`
	Consensus        string       `json:"consensus"`
	EpochSlots       int          `json:"epochSlots"`
	EpochSlotsIdeal  float64      `json:"epochSlotsIdeal"`
	MaxPerformance   float64      `json:"maxPerformance"`
	PoolID           string       `json:"poolId"`
	PoolIDBech32     string       `json:"poolIdBech32"`
	Sigma            float64      `json:"sigma"`
	ActiveStake      uint64       `json:"activeStake"`
	TotalActiveStake uint64       `json:"totalActiveStake"`
	D                float64      `json:"d"`
	F                float64      `json:"f"`
	AssignedSlots    []LeaderSlot `json:"assignedSlots"`
}

// LeaderLogParams are the inputs to a schedule computation. Stake values
// arrive from outside (the store is a header projection, not a ledger).
type LeaderLogParams struct {
	Genesis     Genesis
	Epoch       int64
	EpochNonce  []byte
	Variant     ConsensusVariant
	PoolID      string
	PoolStake   uint64
	ActiveStake uint64
	D           float64
	VrfKey      *VRFKey
	Timezone    *time.Location
}

// electionContext carries the per-epoch constants shared by every slot
// check.
type electionContext struct {
	variant ConsensusVariant
	eta0    []byte
	vrfKey  *VRFKey
	certMax decimal.Decimal
	x       decimal.Decimal // -sigma * ln(1-f), rounded
}

// isSlotLeader runs the per-slot probabilistic check.
func (e *electionContext) isSlotLeader(slot uint64) (bool, error) {
	var seed []byte
	if e.variant == ConsensusTPraos {
		seed = mkSeedTPraos(slot, e.eta0)
	} else {
		seed = mkInputPraos(slot, e.eta0)
	}

	_, output, err := vrfProve(e.vrfKey, seed)
	if err != nil {
		return false, fmt.Errorf("slot %d: %w", slot, err)
	}

	var certNatBytes []byte
	if e.variant == ConsensusTPraos {
		certNatBytes = output
	} else {
		certNatBytes = deriveTaggedVrfOutput(output, 'L')
	}
	certNat := new(big.Int).SetBytes(certNatBytes)

	denominator := e.certMax.Sub(decimal.NewFromBigInt(certNat, 0))
	recipQ := normalize(e.certMax.Div(denominator))

	switch taylorExpCmp(3, recipQ, e.x) {
	case taylorBelow:
		return true, nil
	default:
		return false, nil
	}
}

// CalcLeaderLog enumerates the slots of the epoch the pool is elected to
// lead. The per-slot checks are independent and fan out across the CPUs.
func CalcLeaderLog(ctx context.Context, p LeaderLogParams) (*LeaderLog, error) {
	if len(p.EpochNonce) != 32 {
		return nil, fmt.Errorf("epoch nonce must be 32 bytes, got %d", len(p.EpochNonce))
	}
	if p.ActiveStake == 0 {
		return nil, fmt.Errorf("total active stake must be non-zero")
	}
	if p.D < 0 || p.D > 1 {
		return nil, fmt.Errorf("decentralisation parameter %f out of [0,1]", p.D)
	}
	if p.Timezone == nil {
		p.Timezone = time.UTC
	}

	g := p.Genesis
	firstSlot := g.FirstSlotOfEpoch(p.Epoch)
	epochLength := uint64(g.EpochLength)

	sigma := normalize(decimal.NewFromUint64(p.PoolStake).Div(decimal.NewFromUint64(p.ActiveStake)))
	f := decimal.NewFromFloat(g.ActiveSlotsCoeff)
	c := lnDec(decOne.Sub(f))
	x := roundDec(c.Neg().Mul(sigma))

	election := &electionContext{
		variant: p.Variant,
		eta0:    p.EpochNonce,
		vrfKey:  p.VrfKey,
		certMax: certNatMax(p.Variant),
		x:       x,
	}

	dRat := new(big.Rat)
	if p.D > 0 {
		dRat.SetFloat64(p.D)
	}

	sigmaF, _ := sigma.Float64()
	idealSlots := roundTo(sigmaF*float64(g.EpochLength)*g.ActiveSlotsCoeff*(1-p.D), 2)

	workers := runtime.NumCPU()
	grp, grpCtx := errgroup.WithContext(ctx)
	found := make([][]uint64, workers)
	chunk := (epochLength + uint64(workers) - 1) / uint64(workers)
	for w := 0; w < workers; w++ {
		w := w
		lo := firstSlot + uint64(w)*chunk
		hi := lo + chunk
		if hi > firstSlot+epochLength {
			hi = firstSlot + epochLength
		}
		grp.Go(func() error {
			for slot := lo; slot < hi; slot++ {
				if err := grpCtx.Err(); err != nil {
					return err
				}
				if p.Variant == ConsensusTPraos && p.D > 0 && isOverlaySlot(firstSlot, slot, dRat) {
					continue
				}
				leader, err := election.isSlotLeader(slot)
				if err != nil {
					return err
				}
				if leader {
					found[w] = append(found[w], slot)
				}
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	var assigned []uint64
	for _, part := range found {
		assigned = append(assigned, part...)
	}
	sort.Slice(assigned, func(i, j int) bool { return assigned[i] < assigned[j] })

	leaderLog := &LeaderLog{
		Status:           "ok",
		Epoch:            p.Epoch,
		EpochNonce:       hex.EncodeToString(p.EpochNonce),
		Consensus:        p.Variant.String(),
		EpochSlotsIdeal:  idealSlots,
		PoolID:           p.PoolID,
		PoolIDBech32:     poolIDBech32(p.PoolID),
		Sigma:            sigmaF,
		ActiveStake:      p.PoolStake,
		TotalActiveStake: p.ActiveStake,
		D:                roundTo(p.D, 2),
		F:                g.ActiveSlotsCoeff,
		AssignedSlots:    []LeaderSlot{},
	}
	for i, slot := range assigned {
		leaderLog.AssignedSlots = append(leaderLog.AssignedSlots, LeaderSlot{
			No:          i + 1,
			Slot:        slot,
			SlotInEpoch: slot - firstSlot,
			At:          g.SlotTime(slot).In(p.Timezone).Format(time.RFC3339),
		})
	}
	leaderLog.EpochSlots = len(assigned)
	if idealSlots > 0 {
		leaderLog.MaxPerformance = roundTo(float64(len(assigned))/idealSlots*100, 2)
	}
	return leaderLog, nil
}

// Slots returns just the assigned slot numbers, for persistence.
func (l *LeaderLog) Slots() []uint64 {
	slots := make([]uint64, len(l.AssignedSlots))
	for i, s := range l.AssignedSlots {
		slots[i] = s.Slot
	}
	return slots
}

func roundTo(v float64, digits int) float64 {
	scale := 1.0
	for i := 0; i < digits; i++ {
		scale *= 10
	}
	return float64(int64(v*scale+0.5)) / scale
}
