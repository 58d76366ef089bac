package main

import (
	"context"
	"time"
)

// PingSuccess is the JSON emitted by a successful ping.
type PingSuccess struct {
	Status                 string `json:"status"`
	Host                   string `json:"host"`
	Port                   uint16 `json:"port"`
	NetworkProtocolVersion uint64 `json:"networkProtocolVersion"`
	ConnectDurationMs      int64  `json:"connectDurationMs"`
	DurationMs             int64  `json:"durationMs"`
}

// Ping connects to a node, runs the handshake, and reports the durations.
func Ping(ctx context.Context, host string, port uint16, networkMagic uint32, timeout time.Duration) (*PingSuccess, error) {
	start := time.Now()
	conn, err := dialNode(host, port, timeout)
	if err != nil {
		return nil, err
	}
	connectDuration := time.Since(start)

	mux := NewMux(conn, protocolHandshake)
	defer mux.Close()

	result, err := Handshake(ctx, mux, networkMagic)
	if err != nil {
		return nil, err
	}

	return &PingSuccess{
		Status:                 "ok",
		Host:                   host,
		Port:                   port,
		NetworkProtocolVersion: result.Version,
		ConnectDurationMs:      connectDuration.Milliseconds(),
		DurationMs:             time.Since(start).Milliseconds(),
	}, nil
}
