package main

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"filippo.io/edwards25519"
	"github.com/blinklabs-io/gouroboros/vrf"
	"golang.org/x/crypto/blake2b"
)

// ErrVerificationFailed is returned by signature and VRF checks that ran to
// completion but did not match.
var ErrVerificationFailed = errors.New("verification failed")

// blake2bSum hashes the concatenation of data at the given digest size.
func blake2bSum(size int, data ...[]byte) []byte {
	h, err := blake2b.New(size, nil)
	if err != nil {
		panic(err)
	}
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

func blake2b224(data ...[]byte) []byte { return blake2bSum(28, data...) }
func blake2b256(data ...[]byte) []byte { return blake2bSum(32, data...) }
func blake2b512(data ...[]byte) []byte { return blake2bSum(64, data...) }

// poolIDFromVkey derives the 28-byte pool id from the issuer vkey.
func poolIDFromVkey(nodeVkey []byte) []byte {
	return blake2b224(nodeVkey)
}

// ExtendedSign signs a message with an Ed25519-extended key: 64 bytes,
// the clamped scalar followed by the hashing prefix.
func ExtendedSign(key, msg []byte) ([]byte, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("extended key must be 64 bytes, got %d", len(key))
	}
	a, err := new(edwards25519.Scalar).SetBytesWithClamping(key[:32])
	if err != nil {
		return nil, fmt.Errorf("invalid extended key scalar: %w", err)
	}
	A := new(edwards25519.Point).ScalarBaseMult(a)

	rh := sha512.New()
	rh.Write(key[32:])
	rh.Write(msg)
	r, err := new(edwards25519.Scalar).SetUniformBytes(rh.Sum(nil))
	if err != nil {
		return nil, err
	}
	R := new(edwards25519.Point).ScalarBaseMult(r)

	kh := sha512.New()
	kh.Write(R.Bytes())
	kh.Write(A.Bytes())
	kh.Write(msg)
	k, err := new(edwards25519.Scalar).SetUniformBytes(kh.Sum(nil))
	if err != nil {
		return nil, err
	}

	s := new(edwards25519.Scalar).MultiplyAdd(k, a, r)

	sig := make([]byte, 64)
	copy(sig[:32], R.Bytes())
	copy(sig[32:], s.Bytes())
	return sig, nil
}

// ExtendedPublicKey returns the 32-byte verification key for an extended key.
func ExtendedPublicKey(key []byte) ([]byte, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("extended key must be 64 bytes, got %d", len(key))
	}
	a, err := new(edwards25519.Scalar).SetBytesWithClamping(key[:32])
	if err != nil {
		return nil, fmt.Errorf("invalid extended key scalar: %w", err)
	}
	return new(edwards25519.Point).ScalarBaseMult(a).Bytes(), nil
}

// ExtendedVerify checks an Ed25519 signature against a verification key.
func ExtendedVerify(vkey, sig, msg []byte) error {
	if len(vkey) != 32 || len(sig) != 64 {
		return ErrVerificationFailed
	}
	A, err := new(edwards25519.Point).SetBytes(vkey)
	if err != nil {
		return ErrVerificationFailed
	}
	s, err := new(edwards25519.Scalar).SetCanonicalBytes(sig[32:])
	if err != nil {
		return ErrVerificationFailed
	}

	kh := sha512.New()
	kh.Write(sig[:32])
	kh.Write(vkey)
	kh.Write(msg)
	k, err := new(edwards25519.Scalar).SetUniformBytes(kh.Sum(nil))
	if err != nil {
		return ErrVerificationFailed
	}

	minusA := new(edwards25519.Point).Negate(A)
	R := new(edwards25519.Point).VarTimeDoubleScalarBaseMult(k, minusA, s)
	if !bytes.Equal(R.Bytes(), sig[:32]) {
		return ErrVerificationFailed
	}
	return nil
}

// vrfProve evaluates the VRF at the signing key on the seed, returning the
// proof and the 64-byte output.
func vrfProve(skey *VRFKey, seed []byte) (proof, output []byte, err error) {
	proof, output, err = vrf.Prove(skey.SigningKey(), seed)
	if err != nil {
		return nil, nil, fmt.Errorf("vrf prove: %w", err)
	}
	return proof, output, nil
}

// vrfVerifyProof checks a VRF proof against a verification key and seed and
// returns the proof's output hash on success.
func vrfVerifyProof(vkey, proof, seed []byte) ([]byte, error) {
	output, err := vrf.ProofToHash(proof)
	if err != nil {
		return nil, ErrVerificationFailed
	}
	ok, err := vrf.Verify(vkey, proof, output, seed)
	if err != nil || !ok {
		return nil, ErrVerificationFailed
	}
	return output, nil
}

// VRFKey is a parsed pool VRF signing key. The 64 bytes of key material live
// in mlocked memory outside the Go heap; Close releases them.
type VRFKey struct {
	buf *lockedBuffer
}

// SigningKey returns the 32-byte VRF signing key half.
func (k *VRFKey) SigningKey() []byte { return k.buf.Bytes()[:32] }

// PublicKey returns the 32-byte VRF verification key half.
func (k *VRFKey) PublicKey() []byte { return k.buf.Bytes()[32:64] }

// Close zeroes and releases the key material.
func (k *VRFKey) Close() {
	if k.buf != nil {
		k.buf.Destroy()
		k.buf = nil
	}
}

type keyEnvelope struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	CborHex     string `json:"cborHex"`
}

// ParseVRFKeyFile reads a cardano-cli key envelope holding a
// VrfSigningKey_PraosVRF and returns the parsed key.
func ParseVRFKeyFile(path string) (*VRFKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading VRF key file: %w", err)
	}
	var envelope keyEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("parsing VRF key envelope: %w", err)
	}
	if envelope.Type != "VrfSigningKey_PraosVRF" {
		return nil, fmt.Errorf("pool VRF skey must be of type VrfSigningKey_PraosVRF, got %q", envelope.Type)
	}
	return ParseVRFKeyCborHex(envelope.CborHex)
}

// ParseVRFKeyCborHex parses the cborHex field of a key envelope. The payload
// is a CBOR byte string: a 0x5840 prefix followed by 64 bytes of key material.
func ParseVRFKeyCborHex(cborHex string) (*VRFKey, error) {
	if len(cborHex) < 4 {
		return nil, fmt.Errorf("cborHex too short")
	}
	keyBytes, err := hex.DecodeString(cborHex[4:])
	if err != nil {
		return nil, fmt.Errorf("decoding key hex: %w", err)
	}
	if len(keyBytes) != 64 {
		return nil, fmt.Errorf("expected 64 key bytes, got %d", len(keyBytes))
	}

	buf, err := newLockedBuffer(64)
	if err != nil {
		return nil, fmt.Errorf("allocating key storage: %w", err)
	}
	copy(buf.Bytes(), keyBytes)
	for i := range keyBytes {
		keyBytes[i] = 0
	}
	if err := buf.Seal(); err != nil {
		buf.Destroy()
		return nil, fmt.Errorf("protecting key storage: %w", err)
	}
	return &VRFKey{buf: buf}, nil
}

// ParseVRFVKeyFile reads a VrfVerificationKey_PraosVRF envelope and returns
// the raw 32-byte verification key.
func ParseVRFVKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading VRF vkey file: %w", err)
	}
	var envelope keyEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("parsing VRF vkey envelope: %w", err)
	}
	if envelope.Type != "VrfVerificationKey_PraosVRF" {
		return nil, fmt.Errorf("pool VRF vkey must be of type VrfVerificationKey_PraosVRF, got %q", envelope.Type)
	}
	if len(envelope.CborHex) < 4 {
		return nil, fmt.Errorf("cborHex too short")
	}
	keyBytes, err := hex.DecodeString(envelope.CborHex[4:])
	if err != nil {
		return nil, fmt.Errorf("decoding vkey hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("expected 32 vkey bytes, got %d", len(keyBytes))
	}
	return keyBytes, nil
}
