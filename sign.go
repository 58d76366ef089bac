package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// CIP-0022 challenge signing: pool operators prove control of their VRF key
// by signing a domain-separated challenge. The signature is the VRF proof
// over blake2b-256("cip-0022" || domain || nonce).

func challengeBytes(domain string, nonce []byte) []byte {
	seed := make([]byte, 0, 8+len(domain)+len(nonce))
	seed = append(seed, []byte("cip-0022")...)
	seed = append(seed, []byte(domain)...)
	seed = append(seed, nonce...)
	return blake2b256(seed)
}

// SignResult is the JSON emitted by the sign command.
type SignResult struct {
	Status    string `json:"status"`
	Domain    string `json:"domain"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// SignChallenge signs the CIP-0022 challenge for a domain. An empty nonce
// draws a fresh random one, which is reported back for the verifier.
func SignChallenge(key *VRFKey, domain, nonceHex string) (*SignResult, error) {
	var nonce []byte
	if nonceHex == "" {
		nonce = make([]byte, 64)
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("generating nonce: %w", err)
		}
	} else {
		var err error
		nonce, err = hex.DecodeString(nonceHex)
		if err != nil {
			return nil, fmt.Errorf("decoding nonce: %w", err)
		}
	}

	challenge := challengeBytes(domain, nonce)
	proof, _, err := vrfProve(key, challenge)
	if err != nil {
		return nil, err
	}

	return &SignResult{
		Status:    "ok",
		Domain:    domain,
		Nonce:     hex.EncodeToString(nonce),
		Signature: hex.EncodeToString(proof),
	}, nil
}

// VerifyChallenge checks a CIP-0022 signature: the supplied vkey must hash
// to the on-chain vkey hash, and the proof must verify over the challenge.
func VerifyChallenge(vkey []byte, vkeyHashHex, domain, nonceHex, signatureHex string) error {
	vkeyHash := hex.EncodeToString(blake2b256(vkey))
	if vkeyHashHex != vkeyHash {
		return fmt.Errorf("hash of pool-vrf-vkey (%s) did not match supplied pool-vrf-vkey-hash (%s)",
			vkeyHash, vkeyHashHex)
	}

	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return fmt.Errorf("decoding nonce: %w", err)
	}
	signature, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}

	challenge := challengeBytes(domain, nonce)
	if _, err := vrfVerifyProof(vkey, signature, challenge); err != nil {
		return fmt.Errorf("signature failed to match: %w", err)
	}
	return nil
}
