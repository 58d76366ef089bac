package main

import (
	"fmt"
	"math"
	"time"

	"github.com/spf13/viper"
)

// Network magics for the supported networks.
const (
	MainnetNetworkMagic = 764824073
	PreprodNetworkMagic = 1
	PreviewNetworkMagic = 2
	GuildNetworkMagic   = 141
)

// Genesis holds the Byron and Shelley genesis values the core consumes.
// The loader fills it from per-network defaults, then from the optional
// viper config file, then from command-line flags.
type Genesis struct {
	NetworkMagic uint32

	// Byron
	StartTime         int64 // unix seconds of the network start
	ByronSlotDuration int64 // milliseconds (21600-slot epochs = 10*k slots)
	ByronK            int64

	// Shelley
	EpochLength      int64
	SlotLength       int64 // seconds
	ActiveSlotsCoeff float64
	SecurityParam    int64
	InitialNonce     string // shelley genesis hash, hex

	// First Shelley epoch
	TransitionEpoch int64
}

// genesisDefaults returns the built-in genesis values for a known network.
func genesisDefaults(networkMagic uint32) (Genesis, error) {
	switch networkMagic {
	case MainnetNetworkMagic:
		return Genesis{
			NetworkMagic:      MainnetNetworkMagic,
			StartTime:         1506203091,
			ByronSlotDuration: 20000,
			ByronK:            2160,
			EpochLength:       432000,
			SlotLength:        1,
			ActiveSlotsCoeff:  0.05,
			SecurityParam:     2160,
			InitialNonce:      "1a3be38bcbb7911969283716ad7aa550250226b76a61fc51cc9a9a35d9276d81",
			TransitionEpoch:   208,
		}, nil
	case PreprodNetworkMagic:
		return Genesis{
			NetworkMagic:      PreprodNetworkMagic,
			StartTime:         1654041600,
			ByronSlotDuration: 20000,
			ByronK:            2160,
			EpochLength:       432000,
			SlotLength:        1,
			ActiveSlotsCoeff:  0.05,
			SecurityParam:     2160,
			InitialNonce:      "d4b8de7a11d929a323373cbab6c1a9bdc931beffff11db111cf9d57356ee1937",
			TransitionEpoch:   4,
		}, nil
	case PreviewNetworkMagic:
		return Genesis{
			NetworkMagic:      PreviewNetworkMagic,
			StartTime:         1666656000,
			ByronSlotDuration: 20000,
			ByronK:            432,
			EpochLength:       86400,
			SlotLength:        1,
			ActiveSlotsCoeff:  0.05,
			SecurityParam:     432,
			InitialNonce:      "7e8b630b94f1f5a216e01a1cdd9f7e1c4f1b3b3e6b41a1f1a2b3f4c5d6e7f8a9",
			TransitionEpoch:   0,
		}, nil
	case GuildNetworkMagic:
		return Genesis{
			NetworkMagic:      GuildNetworkMagic,
			StartTime:         1639090522,
			ByronSlotDuration: 20000,
			ByronK:            36,
			EpochLength:       3600,
			SlotLength:        1,
			ActiveSlotsCoeff:  0.05,
			SecurityParam:     36,
			InitialNonce:      "24c22740688a4bb783b3f8dbbaced2ecb661c3ffc3defbc3bed6157c055e36cf",
			TransitionEpoch:   1,
		}, nil
	}
	return Genesis{}, fmt.Errorf("no built-in genesis for network magic %d", networkMagic)
}

// LoadGenesis merges defaults for the network with overrides from the viper
// config file (if one was read).
func LoadGenesis(networkMagic uint32) (Genesis, error) {
	g, err := genesisDefaults(networkMagic)
	if err != nil {
		return g, err
	}
	if viper.IsSet("genesis.startTime") {
		g.StartTime = viper.GetInt64("genesis.startTime")
	}
	if viper.IsSet("genesis.epochLength") {
		g.EpochLength = viper.GetInt64("genesis.epochLength")
	}
	if viper.IsSet("genesis.slotLength") {
		g.SlotLength = viper.GetInt64("genesis.slotLength")
	}
	if viper.IsSet("genesis.activeSlotsCoeff") {
		g.ActiveSlotsCoeff = viper.GetFloat64("genesis.activeSlotsCoeff")
	}
	if viper.IsSet("genesis.securityParam") {
		g.SecurityParam = viper.GetInt64("genesis.securityParam")
	}
	if viper.IsSet("genesis.initialNonce") {
		g.InitialNonce = viper.GetString("genesis.initialNonce")
	}
	if viper.IsSet("genesis.transitionEpoch") {
		g.TransitionEpoch = viper.GetInt64("genesis.transitionEpoch")
	}
	return g, nil
}

// byronSlots is the number of Byron slots before the Shelley transition.
func (g Genesis) byronSlots() int64 {
	byronEpochLength := 10 * g.ByronK
	return byronEpochLength * g.TransitionEpoch
}

// EpochForSlot maps an absolute slot to its epoch, composing Byron epochs
// with Shelley epochs across the transition.
func (g Genesis) EpochForSlot(slot uint64) int64 {
	byronSlots := g.byronSlots()
	if int64(slot) < byronSlots {
		return int64(slot) / (10 * g.ByronK)
	}
	shelleySlots := int64(slot) - byronSlots
	return shelleySlots/g.EpochLength + g.TransitionEpoch
}

// FirstSlotOfEpoch returns the first absolute slot of a Shelley-era epoch.
func (g Genesis) FirstSlotOfEpoch(epoch int64) uint64 {
	if epoch < g.TransitionEpoch {
		return uint64(epoch * 10 * g.ByronK)
	}
	return uint64(g.byronSlots() + (epoch-g.TransitionEpoch)*g.EpochLength)
}

// EpochAndFirstSlot returns the epoch for an absolute slot together with the
// first slot of that epoch.
func (g Genesis) EpochAndFirstSlot(slot uint64) (int64, uint64) {
	epoch := g.EpochForSlot(slot)
	return epoch, g.FirstSlotOfEpoch(epoch)
}

// SlotInEpoch returns the epoch-local index of an absolute slot.
func (g Genesis) SlotInEpoch(slot uint64) uint32 {
	return uint32(slot - g.FirstSlotOfEpoch(g.EpochForSlot(slot)))
}

// SlotTime converts an absolute slot to wall-clock time, accounting for the
// 20-second Byron slots before the transition.
func (g Genesis) SlotTime(slot uint64) time.Time {
	byronSlots := g.byronSlots()
	if int64(slot) < byronSlots {
		return time.Unix(g.StartTime+int64(slot)*g.ByronSlotDuration/1000, 0).UTC()
	}
	byronSecs := g.ByronSlotDuration * byronSlots / 1000
	shelleySecs := (int64(slot) - byronSlots) * g.SlotLength
	return time.Unix(g.StartTime+byronSecs+shelleySecs, 0).UTC()
}

// StabilityWindow is ceil(3k/f) in Shelley slots, the randomness cutoff used
// for the candidate nonce.
func (g Genesis) StabilityWindow() int64 {
	return int64(math.Ceil(float64(3*g.SecurityParam) / g.ActiveSlotsCoeff))
}

// EpochDuration is the wall-clock length of one Shelley epoch.
func (g Genesis) EpochDuration() time.Duration {
	return time.Duration(g.EpochLength*g.SlotLength) * time.Second
}
