package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Node-to-node handshake: a single propose/confirm exchange on channel 0.
// We propose every version we can speak; the server picks one or refuses.

const (
	handshakeTimeout = 10 * time.Second

	// N2N protocol versions proposed to the peer. Versions 11+ add the
	// peer-sharing and query flags to the version data.
	minProtocolVersion = 7
	maxProtocolVersion = 13
)

const (
	msgProposeVersions = 0
	msgAcceptVersion   = 1
	msgRefuse          = 2
	msgQueryReply      = 3
)

// HandshakeResult is the outcome of an accepted handshake.
type HandshakeResult struct {
	Version uint64
}

// HandshakeRefusedError carries the server's refusal reason, e.g.
// "version data mismatch".
type HandshakeRefusedError struct {
	Reason string
}

func (e *HandshakeRefusedError) Error() string {
	return fmt.Sprintf("handshake refused: %s", e.Reason)
}

// versionData builds the per-version parameter block: [magic, diffusionMode]
// for v7-v10, [magic, diffusionMode, peerSharing, query] for v11+.
func versionData(version uint64, networkMagic uint32) []any {
	if version >= 11 {
		return []any{networkMagic, false, uint64(0), false}
	}
	return []any{networkMagic, false}
}

// encodeProposeVersions builds MsgProposeVersions for the supported version
// range.
func encodeProposeVersions(networkMagic uint32) []byte {
	versions := make(map[uint64]any)
	for v := uint64(minProtocolVersion); v <= maxProtocolVersion; v++ {
		versions[v] = versionData(v, networkMagic)
	}
	return cborMarshal([]any{uint64(msgProposeVersions), versions})
}

// findErrorText walks a decoded refusal payload and returns the first text
// value, which is where the node puts its human-readable reason.
func findErrorText(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []any:
		for _, item := range val {
			if text, ok := findErrorText(item); ok {
				return text, true
			}
		}
	}
	return "", false
}

// Handshake proposes versions on channel 0 and waits for the confirmation.
func Handshake(ctx context.Context, mux *Mux, networkMagic uint32) (*HandshakeResult, error) {
	if err := mux.Send(protocolHandshake, encodeProposeVersions(networkMagic)); err != nil {
		return nil, err
	}

	var reply []cbor.RawMessage
	if err := mux.Recv(ctx, protocolHandshake, handshakeTimeout, &reply); err != nil {
		return nil, err
	}
	if len(reply) == 0 {
		return nil, fmt.Errorf("handshake: empty reply")
	}

	var msgID uint64
	if err := cbor.Unmarshal(reply[0], &msgID); err != nil {
		return nil, fmt.Errorf("handshake: bad message id: %w", err)
	}

	switch msgID {
	case msgAcceptVersion:
		if len(reply) < 2 {
			return nil, fmt.Errorf("handshake: accept without version")
		}
		var version uint64
		if err := cbor.Unmarshal(reply[1], &version); err != nil {
			return nil, fmt.Errorf("handshake: bad accepted version: %w", err)
		}
		return &HandshakeResult{Version: version}, nil
	case msgRefuse:
		reason := "unknown refusal reason"
		if len(reply) > 1 {
			var payload any
			if err := cbor.Unmarshal(reply[1], &payload); err == nil {
				if text, ok := findErrorText(payload); ok {
					reason = text
				}
			}
		}
		return nil, &HandshakeRefusedError{Reason: reason}
	}
	return nil, fmt.Errorf("handshake: unexpected message id %d", msgID)
}
