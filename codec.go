package main

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Era identifies the header layout of a block, taken from the outer CBOR tag
// of the chain-sync roll-forward payload.
type Era uint

const (
	EraByronBoundary Era = 0
	EraByronMain     Era = 1
	EraShelley       Era = 2
	EraAllegra       Era = 3
	EraMary          Era = 4
	EraAlonzo        Era = 5
	EraBabbage       Era = 6
	EraConway        Era = 7
)

func (e Era) String() string {
	switch e {
	case EraByronBoundary:
		return "byron-boundary"
	case EraByronMain:
		return "byron"
	case EraShelley:
		return "shelley"
	case EraAllegra:
		return "allegra"
	case EraMary:
		return "mary"
	case EraAlonzo:
		return "alonzo"
	case EraBabbage:
		return "babbage"
	case EraConway:
		return "conway"
	}
	return fmt.Sprintf("unknown(%d)", uint(e))
}

// HasVrf reports whether headers of this era carry VRF fields.
func (e Era) HasVrf() bool { return e >= EraShelley }

// DecodeError is a CBOR decode failure annotated with the byte offset where
// decoding stopped.
type DecodeError struct {
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cbor decode error at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(consumed int, err error) error {
	return &DecodeError{Offset: consumed, Err: err}
}

// cborEnc is the encoder used for all outgoing protocol messages: canonical
// map ordering so proposals are deterministic on the wire.
var cborEnc cbor.EncMode

func init() {
	em, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	cborEnc = em
}

func cborMarshal(v any) []byte {
	data, err := cborEnc.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// BlockHeader is the uniform header record every era decodes into. VRF
// outputs are stored era-adjusted: EtaVrf and LeaderVrf are the values the
// nonce evolution and leader checks consume directly, while BlockVrf keeps
// the raw output of the single Praos-era VRF.
type BlockHeader struct {
	Era             Era
	BlockNumber     uint64
	SlotNumber      uint64
	Hash            []byte
	PrevHash        []byte
	NodeVkey        []byte
	NodeVrfVkey     []byte
	BlockVrf        []byte
	EtaVrf          []byte
	LeaderVrf       []byte
	BlockSize       uint64
	BlockBodyHash   []byte
	OpCertHotVkey   []byte
	OpCertSequence  uint64
	OpCertKesPeriod uint64
	ProtoMajor      uint64
	ProtoMinor      uint64
}

// PoolID derives the 28-byte pool id from the issuer vkey, or nil for Byron
// headers.
func (h *BlockHeader) PoolID() []byte {
	if len(h.NodeVkey) == 0 {
		return nil
	}
	return poolIDFromVkey(h.NodeVkey)
}

type vrfCert struct {
	_      struct{} `cbor:",toarray"`
	Output []byte
	Proof  []byte
}

type tpraosHeaderBody struct {
	_               struct{} `cbor:",toarray"`
	BlockNumber     uint64
	Slot            uint64
	PrevHash        []byte
	IssuerVkey      []byte
	VrfVkey         []byte
	NonceVrf        vrfCert
	LeaderVrf       vrfCert
	BlockBodySize   uint64
	BlockBodyHash   []byte
	OpCertHotVkey   []byte
	OpCertSequence  uint64
	OpCertKesPeriod uint64
	OpCertSignature []byte
	ProtoMajor      uint64
	ProtoMinor      uint64
}

type tpraosHeader struct {
	_         struct{} `cbor:",toarray"`
	Body      tpraosHeaderBody
	Signature []byte
}

type praosOpCert struct {
	_         struct{} `cbor:",toarray"`
	HotVkey   []byte
	Sequence  uint64
	KesPeriod uint64
	Signature []byte
}

type praosProtoVersion struct {
	_     struct{} `cbor:",toarray"`
	Major uint64
	Minor uint64
}

type praosHeaderBody struct {
	_             struct{} `cbor:",toarray"`
	BlockNumber   uint64
	Slot          uint64
	PrevHash      []byte
	IssuerVkey    []byte
	VrfVkey       []byte
	VrfResult     vrfCert
	BlockBodySize uint64
	BlockBodyHash []byte
	OpCert        praosOpCert
	ProtoVersion  praosProtoVersion
}

type praosHeader struct {
	_         struct{} `cbor:",toarray"`
	Body      praosHeaderBody
	Signature []byte
}

type byronSlotID struct {
	_     struct{} `cbor:",toarray"`
	Epoch uint64
	Slot  uint64
}

type byronMainConsensus struct {
	_          struct{} `cbor:",toarray"`
	SlotID     byronSlotID
	PubKey     []byte
	Difficulty []uint64
	BlockSig   cbor.RawMessage
}

type byronMainHeader struct {
	_             struct{} `cbor:",toarray"`
	ProtocolMagic uint64
	PrevBlock     []byte
	BodyProof     cbor.RawMessage
	Consensus     byronMainConsensus
	Extra         cbor.RawMessage
}

type byronBoundaryConsensus struct {
	_          struct{} `cbor:",toarray"`
	Epoch      uint64
	Difficulty []uint64
}

type byronBoundaryHeader struct {
	_             struct{} `cbor:",toarray"`
	ProtocolMagic uint64
	PrevBlock     []byte
	BodyProof     cbor.RawMessage
	Consensus     byronBoundaryConsensus
	Extra         cbor.RawMessage
}

// deriveTaggedVrfOutput applies the Praos domain separation to the single
// VRF output: blake2b-256(tag || output). Tag 0x4E ("N") yields the nonce
// value, 0x4C ("L") the leader value.
func deriveTaggedVrfOutput(output []byte, tag byte) []byte {
	return blake2b256([]byte{tag}, output)
}

// DecodeHeader decodes a raw era-tagged header into the uniform record. The
// hash is the blake2b-256 of the header bytes (for Byron eras, of the tagged
// wrapper the node hashes).
func DecodeHeader(era Era, data []byte, g Genesis) (*BlockHeader, error) {
	switch era {
	case EraByronBoundary:
		return decodeByronBoundaryHeader(data, g)
	case EraByronMain:
		return decodeByronMainHeader(data, g)
	case EraShelley, EraAllegra, EraMary, EraAlonzo:
		return decodeTPraosHeader(era, data)
	case EraBabbage, EraConway:
		return decodePraosHeader(era, data)
	}
	return nil, fmt.Errorf("unknown era tag %d", uint(era))
}

func decodeTPraosHeader(era Era, data []byte) (*BlockHeader, error) {
	var hdr tpraosHeader
	if rest, err := cbor.UnmarshalFirst(data, &hdr); err != nil {
		return nil, decodeErr(len(data)-len(rest), err)
	}
	b := hdr.Body
	return &BlockHeader{
		Era:             era,
		BlockNumber:     b.BlockNumber,
		SlotNumber:      b.Slot,
		Hash:            blake2b256(data),
		PrevHash:        b.PrevHash,
		NodeVkey:        b.IssuerVkey,
		NodeVrfVkey:     b.VrfVkey,
		EtaVrf:          b.NonceVrf.Output,
		LeaderVrf:       b.LeaderVrf.Output,
		BlockSize:       b.BlockBodySize,
		BlockBodyHash:   b.BlockBodyHash,
		OpCertHotVkey:   b.OpCertHotVkey,
		OpCertSequence:  b.OpCertSequence,
		OpCertKesPeriod: b.OpCertKesPeriod,
		ProtoMajor:      b.ProtoMajor,
		ProtoMinor:      b.ProtoMinor,
	}, nil
}

func decodePraosHeader(era Era, data []byte) (*BlockHeader, error) {
	var hdr praosHeader
	if rest, err := cbor.UnmarshalFirst(data, &hdr); err != nil {
		return nil, decodeErr(len(data)-len(rest), err)
	}
	b := hdr.Body
	out := b.VrfResult.Output
	return &BlockHeader{
		Era:             era,
		BlockNumber:     b.BlockNumber,
		SlotNumber:      b.Slot,
		Hash:            blake2b256(data),
		PrevHash:        b.PrevHash,
		NodeVkey:        b.IssuerVkey,
		NodeVrfVkey:     b.VrfVkey,
		BlockVrf:        out,
		EtaVrf:          deriveTaggedVrfOutput(out, 'N'),
		LeaderVrf:       deriveTaggedVrfOutput(out, 'L'),
		BlockSize:       b.BlockBodySize,
		BlockBodyHash:   b.BlockBodyHash,
		OpCertHotVkey:   b.OpCert.HotVkey,
		OpCertSequence:  b.OpCert.Sequence,
		OpCertKesPeriod: b.OpCert.KesPeriod,
		ProtoMajor:      b.ProtoVersion.Major,
		ProtoMinor:      b.ProtoVersion.Minor,
	}, nil
}

// byronWrappedHash hashes a Byron header the way the node does: over the
// [variant, header] wrapper, not the bare header bytes.
func byronWrappedHash(variant byte, data []byte) []byte {
	wrapper := make([]byte, 0, len(data)+2)
	wrapper = append(wrapper, 0x82, variant)
	wrapper = append(wrapper, data...)
	return blake2b256(wrapper)
}

func decodeByronMainHeader(data []byte, g Genesis) (*BlockHeader, error) {
	var hdr byronMainHeader
	if rest, err := cbor.UnmarshalFirst(data, &hdr); err != nil {
		return nil, decodeErr(len(data)-len(rest), err)
	}
	var blockNumber uint64
	if len(hdr.Consensus.Difficulty) > 0 {
		blockNumber = hdr.Consensus.Difficulty[0]
	}
	byronEpochLength := uint64(10 * g.ByronK)
	return &BlockHeader{
		Era:         EraByronMain,
		BlockNumber: blockNumber,
		SlotNumber:  hdr.Consensus.SlotID.Epoch*byronEpochLength + hdr.Consensus.SlotID.Slot,
		Hash:        byronWrappedHash(0x01, data),
		PrevHash:    hdr.PrevBlock,
	}, nil
}

func decodeByronBoundaryHeader(data []byte, g Genesis) (*BlockHeader, error) {
	var hdr byronBoundaryHeader
	if rest, err := cbor.UnmarshalFirst(data, &hdr); err != nil {
		return nil, decodeErr(len(data)-len(rest), err)
	}
	var blockNumber uint64
	if len(hdr.Consensus.Difficulty) > 0 {
		blockNumber = hdr.Consensus.Difficulty[0]
	}
	byronEpochLength := uint64(10 * g.ByronK)
	return &BlockHeader{
		Era:         EraByronBoundary,
		BlockNumber: blockNumber,
		SlotNumber:  hdr.Consensus.Epoch * byronEpochLength,
		Hash:        byronWrappedHash(0x00, data),
		PrevHash:    hdr.PrevBlock,
	}, nil
}
