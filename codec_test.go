package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestDecodePraosHeader(t *testing.T) {
	g := testGenesis()
	raw := buildPraosHeaderRaw(77, 1234, bytes.Repeat([]byte{0xab}, 32), 0x01)

	hdr, err := DecodeHeader(EraBabbage, raw, g)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Era != EraBabbage {
		t.Errorf("era = %v", hdr.Era)
	}
	if hdr.BlockNumber != 77 || hdr.SlotNumber != 1234 {
		t.Errorf("block/slot = %d/%d", hdr.BlockNumber, hdr.SlotNumber)
	}
	if !bytes.Equal(hdr.Hash, blake2b256(raw)) {
		t.Errorf("hash is not blake2b-256 of the header bytes")
	}
	if !bytes.Equal(hdr.PrevHash, bytes.Repeat([]byte{0xab}, 32)) {
		t.Errorf("prev hash mismatch")
	}
	// Praos derivations are domain-separated hashes of the single output.
	if !bytes.Equal(hdr.EtaVrf, blake2b256([]byte{'N'}, hdr.BlockVrf)) {
		t.Errorf("eta vrf not the N-tagged derivation")
	}
	if !bytes.Equal(hdr.LeaderVrf, blake2b256([]byte{'L'}, hdr.BlockVrf)) {
		t.Errorf("leader vrf not the L-tagged derivation")
	}
	if len(hdr.PoolID()) != 28 {
		t.Errorf("pool id length = %d", len(hdr.PoolID()))
	}
}

func TestDecodeTPraosHeader(t *testing.T) {
	g := testGenesis()
	nonceOut := bytes.Repeat([]byte{0x01}, 64)
	leaderOut := bytes.Repeat([]byte{0x02}, 64)
	raw := cborMarshal(tpraosHeader{
		Body: tpraosHeaderBody{
			BlockNumber:   5,
			Slot:          99,
			PrevHash:      bytes.Repeat([]byte{0xcd}, 32),
			IssuerVkey:    make([]byte, 32),
			VrfVkey:       make([]byte, 32),
			NonceVrf:      vrfCert{Output: nonceOut, Proof: make([]byte, 80)},
			LeaderVrf:     vrfCert{Output: leaderOut, Proof: make([]byte, 80)},
			BlockBodySize: 2048,
			BlockBodyHash: make([]byte, 32),
			OpCertHotVkey: make([]byte, 32),
			ProtoMajor:    4,
		},
		Signature: make([]byte, 448),
	})

	hdr, err := DecodeHeader(EraShelley, raw, g)
	if err != nil {
		t.Fatal(err)
	}
	// Shelley-era headers keep distinct nonce and leader VRF outputs.
	if !bytes.Equal(hdr.EtaVrf, nonceOut) {
		t.Errorf("eta vrf not the raw nonce output")
	}
	if !bytes.Equal(hdr.LeaderVrf, leaderOut) {
		t.Errorf("leader vrf not the raw leader output")
	}
	if hdr.BlockVrf != nil {
		t.Errorf("tpraos header should have no single block vrf")
	}
	if hdr.ProtoMajor != 4 {
		t.Errorf("proto major = %d", hdr.ProtoMajor)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	raw := buildPraosHeaderRaw(9, 900, make([]byte, 32), 0x07)
	var parsed praosHeader
	if err := cbor.Unmarshal(raw, &parsed); err != nil {
		t.Fatal(err)
	}
	reencoded := cborMarshal(parsed)
	if !bytes.Equal(raw, reencoded) {
		t.Errorf("re-encoded header differs from original CBOR")
	}
}

func TestDecodeUnknownEra(t *testing.T) {
	g := testGenesis()
	if _, err := DecodeHeader(Era(12), []byte{0x80}, g); err == nil {
		t.Fatal("expected unknown era error")
	}
}

func TestDecodeErrorCarriesOffset(t *testing.T) {
	g := testGenesis()
	// A CBOR text string where the header array should be.
	_, err := DecodeHeader(EraBabbage, cborMarshal("not a header"), g)
	if err == nil {
		t.Fatal("expected decode error")
	}
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("error type %T, want DecodeError", err)
	}
}

func TestDecodeByronBoundaryHeader(t *testing.T) {
	g := testGenesis()
	raw := cborMarshal(byronBoundaryHeader{
		ProtocolMagic: uint64(g.NetworkMagic),
		PrevBlock:     bytes.Repeat([]byte{0xee}, 32),
		BodyProof:     cborMarshal(0),
		Consensus:     byronBoundaryConsensus{Epoch: 3, Difficulty: []uint64{64800}},
		Extra:         cborMarshal([]any{}),
	})
	hdr, err := DecodeHeader(EraByronBoundary, raw, g)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.SlotNumber != 3*uint64(10*g.ByronK) {
		t.Errorf("boundary slot = %d", hdr.SlotNumber)
	}
	if hdr.Era.HasVrf() {
		t.Errorf("byron era must not claim VRF fields")
	}
	if hdr.PoolID() != nil {
		t.Errorf("byron boundary header must have no pool id")
	}
	if !bytes.Equal(hdr.Hash, blake2b256(append([]byte{0x82, 0x00}, raw...))) {
		t.Errorf("boundary hash not over the tagged wrapper")
	}
}

func TestDecodeByronMainHeader(t *testing.T) {
	g := testGenesis()
	raw := cborMarshal(byronMainHeader{
		ProtocolMagic: uint64(g.NetworkMagic),
		PrevBlock:     bytes.Repeat([]byte{0xef}, 32),
		BodyProof:     cborMarshal(0),
		Consensus: byronMainConsensus{
			SlotID:     byronSlotID{Epoch: 2, Slot: 55},
			PubKey:     make([]byte, 64),
			Difficulty: []uint64{43255},
			BlockSig:   cborMarshal(0),
		},
		Extra: cborMarshal([]any{}),
	})
	hdr, err := DecodeHeader(EraByronMain, raw, g)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.SlotNumber != 2*uint64(10*g.ByronK)+55 {
		t.Errorf("byron slot = %d", hdr.SlotNumber)
	}
	if hdr.BlockNumber != 43255 {
		t.Errorf("byron block number = %d", hdr.BlockNumber)
	}
}
