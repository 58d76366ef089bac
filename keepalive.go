package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Keep-alive mini-protocol (channel 8): a periodic 16-bit cookie echo that
// keeps NAT bindings warm. Correctness does not depend on it, but a peer
// that stops answering within twice the interval is treated as gone.

const (
	kaMsgKeepAlive         = 0
	kaMsgKeepAliveResponse = 1
	kaMsgDone              = 2

	keepAliveInterval = 30 * time.Second
)

func encodeKeepAlive(cookie uint16) []byte {
	return cborMarshal([]any{uint64(kaMsgKeepAlive), cookie})
}

// KeepAlive pings the peer every interval until the context ends or the peer
// stops responding.
func KeepAlive(ctx context.Context, mux *Mux) error {
	return keepAliveLoop(ctx, mux, keepAliveInterval)
}

func keepAliveLoop(ctx context.Context, mux *Mux, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var cookie uint16
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := mux.Send(protocolKeepAlive, encodeKeepAlive(cookie)); err != nil {
			return err
		}
		var reply []cbor.RawMessage
		if err := mux.Recv(ctx, protocolKeepAlive, 2*interval, &reply); err != nil {
			return fmt.Errorf("keep-alive: %w", err)
		}
		var msgID uint64
		if len(reply) < 2 || cbor.Unmarshal(reply[0], &msgID) != nil || msgID != kaMsgKeepAliveResponse {
			return fmt.Errorf("keep-alive: unexpected reply")
		}
		var echoed uint16
		if err := cbor.Unmarshal(reply[1], &echoed); err != nil || echoed != cookie {
			return fmt.Errorf("keep-alive: cookie mismatch (sent %d, got %d)", cookie, echoed)
		}
		cookie++
	}
}
