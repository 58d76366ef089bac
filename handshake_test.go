package main

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

// readClientMsg reads one mux frame from the raw server side and decodes the
// payload as a CBOR array.
func readClientMsg(t *testing.T, conn net.Conn, wantChannel uint16) []cbor.RawMessage {
	t.Helper()
	frame, err := readFrame(conn)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if frame.channel != wantChannel {
		t.Fatalf("frame on channel %d, want %d", frame.channel, wantChannel)
	}
	var msg []cbor.RawMessage
	if err := cbor.Unmarshal(frame.payload, &msg); err != nil {
		t.Fatalf("decoding client message: %v", err)
	}
	return msg
}

func serverReply(t *testing.T, conn net.Conn, channel uint16, payload []byte) {
	t.Helper()
	if err := writeFrame(conn, muxFrame{channel: channel | responderBit, payload: payload}); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func TestHandshakeAccept(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	mux := NewMux(client, protocolHandshake)
	defer mux.Close()

	go func() {
		msg := readClientMsg(t, server, protocolHandshake)
		var msgID uint64
		cbor.Unmarshal(msg[0], &msgID)
		if msgID != msgProposeVersions {
			t.Errorf("client sent message id %d, want %d", msgID, msgProposeVersions)
		}
		var versions map[uint64]cbor.RawMessage
		if err := cbor.Unmarshal(msg[1], &versions); err != nil {
			t.Errorf("decoding version table: %v", err)
		}
		for v := uint64(minProtocolVersion); v <= maxProtocolVersion; v++ {
			if _, ok := versions[v]; !ok {
				t.Errorf("version %d missing from proposal", v)
			}
		}
		// v11+ version data carries four fields, older two.
		var v10 []cbor.RawMessage
		cbor.Unmarshal(versions[10], &v10)
		if len(v10) != 2 {
			t.Errorf("v10 version data has %d fields, want 2", len(v10))
		}
		var v13 []cbor.RawMessage
		cbor.Unmarshal(versions[13], &v13)
		if len(v13) != 4 {
			t.Errorf("v13 version data has %d fields, want 4", len(v13))
		}

		serverReply(t, server, protocolHandshake,
			cborMarshal([]any{uint64(msgAcceptVersion), uint64(13),
				[]any{uint64(MainnetNetworkMagic), false, uint64(0), false}}))
	}()

	result, err := Handshake(context.Background(), mux, MainnetNetworkMagic)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if result.Version != 13 {
		t.Errorf("negotiated version = %d, want 13", result.Version)
	}
}

func TestHandshakeRefusedMagicMismatch(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	mux := NewMux(client, protocolHandshake)
	defer mux.Close()

	go func() {
		readClientMsg(t, server, protocolHandshake)
		// Refusal shape: [2, [reasonTag, version, text]]
		serverReply(t, server, protocolHandshake,
			cborMarshal([]any{uint64(msgRefuse),
				[]any{uint64(2), uint64(13), "version data mismatch: NetworkMagic {unNetworkMagic = 1} /= NetworkMagic {unNetworkMagic = 764824073}"}}))
	}()

	_, err := Handshake(context.Background(), mux, MainnetNetworkMagic)
	if err == nil {
		t.Fatal("expected refusal error")
	}
	var refused *HandshakeRefusedError
	if !errors.As(err, &refused) {
		t.Fatalf("error type %T, want HandshakeRefusedError", err)
	}
	if !strings.Contains(err.Error(), "version data mismatch") {
		t.Errorf("refusal message %q missing mismatch text", err.Error())
	}
}
