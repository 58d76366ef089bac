package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// defaultConnectTimeout bounds the TCP dial.
const defaultConnectTimeout = 2 * time.Second

// dialNode opens the TCP connection to the peer with keep-alive and
// low-latency options set.
func dialNode(host string, port uint16, timeout time.Duration) (net.Conn, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	return conn, nil
}

// Syncer owns one peer connection at a time and keeps the sink caught up,
// reconnecting with exponential backoff on transport or protocol failure.
type Syncer struct {
	Genesis        Genesis
	Host           string
	Port           uint16
	Sink           BlockSink
	OneShot        bool
	ConnectTimeout time.Duration
}

// session runs one connection: dial, mux, handshake, then chain-sync with a
// keep-alive ticker beside it. The muxer closes the socket when either side
// fails, which unwinds everything else.
func (s *Syncer) session(ctx context.Context) error {
	timeout := s.ConnectTimeout
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}
	conn, err := dialNode(s.Host, s.Port, timeout)
	if err != nil {
		return err
	}
	mux := NewMux(conn, protocolHandshake, protocolChainSync, protocolKeepAlive)
	defer mux.Close()

	result, err := Handshake(ctx, mux, s.Genesis.NetworkMagic)
	if err != nil {
		return err
	}
	log.Printf("Connected to %s:%d (protocol version %d)", s.Host, s.Port, result.Version)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := KeepAlive(sessionCtx, mux); err != nil && sessionCtx.Err() == nil {
			log.Printf("Keep-alive failed: %v", err)
			mux.Close()
		}
	}()

	return NewChainSync(mux, s.Sink, s.Genesis, s.OneShot).Run(sessionCtx)
}

// Run keeps sessions going until the context ends. In one-shot mode it
// returns after the first session that reaches the server tip.
func (s *Syncer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Second
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0

	for {
		start := time.Now()
		err := s.session(ctx)
		if err == nil && s.OneShot {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > time.Minute {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		if err != nil {
			log.Printf("Disconnected: %v — retrying in %s", err, wait.Round(time.Second))
		} else {
			log.Printf("Peer closed the session — retrying in %s", wait.Round(time.Second))
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
