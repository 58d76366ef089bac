package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Mini-protocol channel numbers on a node-to-node connection.
const (
	protocolHandshake uint16 = 0
	protocolChainSync uint16 = 2
	protocolKeepAlive uint16 = 8
)

const (
	// muxHeaderSize is the fixed frame header: 32-bit transmission time,
	// 16-bit mode|channel, 16-bit payload length.
	muxHeaderSize = 8

	// muxSegmentLimit is the payload ceiling per frame; larger messages are
	// fragmented and reassembled by channel.
	muxSegmentLimit = 16384

	// responderBit marks frames sent by the responder side.
	responderBit = 0x8000
)

type muxFrame struct {
	timestamp uint32
	channel   uint16
	payload   []byte
}

// writeFrame encodes a single frame to w.
func writeFrame(w io.Writer, f muxFrame) error {
	hdr := make([]byte, muxHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:4], f.timestamp)
	binary.BigEndian.PutUint16(hdr[4:6], f.channel)
	binary.BigEndian.PutUint16(hdr[6:8], uint16(len(f.payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(f.payload)
	return err
}

// readFrame decodes a single frame from r.
func readFrame(r io.Reader) (muxFrame, error) {
	hdr := make([]byte, muxHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return muxFrame{}, err
	}
	f := muxFrame{
		timestamp: binary.BigEndian.Uint32(hdr[0:4]),
		channel:   binary.BigEndian.Uint16(hdr[4:6]),
	}
	length := binary.BigEndian.Uint16(hdr[6:8])
	f.payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.payload); err != nil {
		return muxFrame{}, err
	}
	return f, nil
}

// channelBuf accumulates payload segments for one mini-protocol channel and
// hands out whole CBOR messages in arrival order.
type channelBuf struct {
	segments chan []byte
	pending  []byte
}

func newChannelBuf() *channelBuf {
	return &channelBuf{segments: make(chan []byte, 64)}
}

// Mux multiplexes mini-protocol channels over one TCP connection. A reader
// goroutine owns the read half and demultiplexes into per-channel buffers; a
// writer goroutine owns the write half and drains a bounded mailbox, so
// sends from any task block rather than interleave.
type Mux struct {
	conn     net.Conn
	start    time.Time
	sendCh   chan muxFrame
	channels map[uint16]*channelBuf

	closeOnce sync.Once
	done      chan struct{}
	errOnce   sync.Once
	err       error
}

// NewMux starts the reader and writer tasks for the connection. Channels
// must be registered before any frame for them arrives, so register all of
// them up front.
func NewMux(conn net.Conn, channels ...uint16) *Mux {
	m := &Mux{
		conn:     conn,
		start:    time.Now(),
		sendCh:   make(chan muxFrame, 16),
		channels: make(map[uint16]*channelBuf),
		done:     make(chan struct{}),
	}
	for _, ch := range channels {
		m.channels[ch] = newChannelBuf()
	}
	go m.readLoop()
	go m.writeLoop()
	return m
}

func (m *Mux) setErr(err error) {
	m.errOnce.Do(func() { m.err = err })
}

// Err returns the first transport error observed, if any.
func (m *Mux) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// Close shuts the connection down and terminates both loops.
func (m *Mux) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.conn.Close()
	})
}

// timestamp is the lower 32 bits of the microseconds elapsed since the
// connection started.
func (m *Mux) timestamp() uint32 {
	return uint32(time.Since(m.start).Microseconds())
}

func (m *Mux) readLoop() {
	defer m.Close()
	for {
		frame, err := readFrame(m.conn)
		if err != nil {
			m.setErr(fmt.Errorf("mux read: %w", err))
			return
		}
		buf, ok := m.channels[frame.channel&^uint16(responderBit)]
		if !ok {
			m.setErr(fmt.Errorf("mux read: frame for unknown channel %d", frame.channel))
			return
		}
		select {
		case buf.segments <- frame.payload:
		case <-m.done:
			return
		}
	}
}

func (m *Mux) writeLoop() {
	for {
		select {
		case frame := <-m.sendCh:
			if err := writeFrame(m.conn, frame); err != nil {
				m.setErr(fmt.Errorf("mux write: %w", err))
				m.Close()
				return
			}
		case <-m.done:
			return
		}
	}
}

// Send queues a whole mini-protocol message on a channel, fragmenting it at
// the segment limit. Blocks when the mailbox is full.
func (m *Mux) Send(channel uint16, payload []byte) error {
	for {
		n := len(payload)
		if n > muxSegmentLimit {
			n = muxSegmentLimit
		}
		frame := muxFrame{timestamp: m.timestamp(), channel: channel, payload: payload[:n]}
		select {
		case m.sendCh <- frame:
		case <-m.done:
			if m.err != nil {
				return m.err
			}
			return fmt.Errorf("mux closed")
		}
		payload = payload[n:]
		if len(payload) == 0 {
			return nil
		}
	}
}

// Recv blocks until one whole CBOR message is available on the channel,
// decodes it into v, and consumes exactly the decoded bytes. Fragmented
// messages are reassembled; back-to-back messages in one frame are split.
func (m *Mux) Recv(ctx context.Context, channel uint16, timeout time.Duration, v any) error {
	buf, ok := m.channels[channel]
	if !ok {
		return fmt.Errorf("mux recv: unregistered channel %d", channel)
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if len(buf.pending) > 0 {
			rest, err := cbor.UnmarshalFirst(buf.pending, v)
			if err == nil {
				buf.pending = buf.pending[len(buf.pending)-len(rest):]
				return nil
			}
			if !isTruncatedCbor(err) {
				return decodeErr(len(buf.pending)-len(rest), err)
			}
		}
		select {
		case seg := <-buf.segments:
			buf.pending = append(buf.pending, seg...)
		case <-deadline.C:
			return fmt.Errorf("mux recv: timeout on channel %d after %s", channel, timeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			if m.err != nil {
				return m.err
			}
			return fmt.Errorf("mux closed")
		}
	}
}

// isTruncatedCbor reports whether a decode failed only because the buffer
// does not yet hold the whole message.
func isTruncatedCbor(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
