package main

import (
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"
)

// testGenesis is a small fast network for tests: no Byron prefix, 1-second
// slots, short epochs.
func testGenesis() Genesis {
	return Genesis{
		NetworkMagic:      42,
		StartTime:         time.Now().Add(-time.Hour).Unix(),
		ByronSlotDuration: 20000,
		ByronK:            2160,
		EpochLength:       1000,
		SlotLength:        1,
		ActiveSlotsCoeff:  0.05,
		SecurityParam:     10,
		InitialNonce:      "1a3be38bcbb7911969283716ad7aa550250226b76a61fc51cc9a9a35d9276d81",
		TransitionEpoch:   0,
	}
}

func testStore(t *testing.T, g Genesis) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "test.db"), g)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// buildPraosHeaderRaw encodes one synthetic Babbage header. The seed byte
// distinguishes forks that reuse block numbers.
func buildPraosHeaderRaw(blockNumber, slot uint64, prevHash []byte, seed byte) []byte {
	vrfOut := make([]byte, 64)
	binary.BigEndian.PutUint64(vrfOut, blockNumber)
	vrfOut[8] = seed
	vkey := make([]byte, 32)
	binary.BigEndian.PutUint64(vkey, blockNumber)
	vkey[9] = seed

	return cborMarshal(praosHeader{
		Body: praosHeaderBody{
			BlockNumber:   blockNumber,
			Slot:          slot,
			PrevHash:      prevHash,
			IssuerVkey:    vkey,
			VrfVkey:       make([]byte, 32),
			VrfResult:     vrfCert{Output: vrfOut, Proof: make([]byte, 80)},
			BlockBodySize: 1024,
			BlockBodyHash: make([]byte, 32),
			OpCert:        praosOpCert{HotVkey: make([]byte, 32), Signature: make([]byte, 64)},
			ProtoVersion:  praosProtoVersion{Major: 9},
		},
		Signature: make([]byte, 448),
	})
}

// testHeaderChain builds a linked chain of synthetic Babbage headers with
// real CBOR bytes, starting at the given block number and slot. prevHash
// seeds the linkage; pass nil for a chain start.
func testHeaderChain(t *testing.T, g Genesis, count int, startBlock, startSlot uint64, prevHash []byte, seed byte) []*BlockHeader {
	t.Helper()
	headers := make([]*BlockHeader, 0, count)
	for i := 0; i < count; i++ {
		blockNumber := startBlock + uint64(i)
		slot := startSlot + uint64(i)*10
		raw := buildPraosHeaderRaw(blockNumber, slot, prevHash, seed)
		hdr, err := DecodeHeader(EraBabbage, raw, g)
		if err != nil {
			t.Fatalf("decoding synthetic header %d: %v", i, err)
		}
		headers = append(headers, hdr)
		prevHash = hdr.Hash
	}
	return headers
}
