package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Chain-sync mini-protocol (channel 2) message ids.
const (
	csMsgRequestNext       = 0
	csMsgAwaitReply        = 1
	csMsgRollForward       = 2
	csMsgRollBackward      = 3
	csMsgFindIntersect     = 4
	csMsgIntersectFound    = 5
	csMsgIntersectNotFound = 6
	csMsgDone              = 7
)

// chainSyncTimeout covers the long AwaitReply gap between blocks.
const chainSyncTimeout = 300 * time.Second

// Point is a position on the chain: a (slot, hash) pair, or the origin.
type Point struct {
	Slot   uint64
	Hash   []byte
	Origin bool
}

func originPoint() Point { return Point{Origin: true} }

func (p Point) String() string {
	if p.Origin {
		return "origin"
	}
	return fmt.Sprintf("%d/%s", p.Slot, hex.EncodeToString(p.Hash))
}

func (p Point) encode() any {
	if p.Origin {
		return []any{}
	}
	return []any{p.Slot, p.Hash}
}

func decodePoint(raw cbor.RawMessage) (Point, error) {
	var parts []cbor.RawMessage
	if err := cbor.Unmarshal(raw, &parts); err != nil {
		return Point{}, fmt.Errorf("decoding point: %w", err)
	}
	if len(parts) == 0 {
		return originPoint(), nil
	}
	if len(parts) != 2 {
		return Point{}, fmt.Errorf("decoding point: expected 2 elements, got %d", len(parts))
	}
	var p Point
	if err := cbor.Unmarshal(parts[0], &p.Slot); err != nil {
		return Point{}, fmt.Errorf("decoding point slot: %w", err)
	}
	if err := cbor.Unmarshal(parts[1], &p.Hash); err != nil {
		return Point{}, fmt.Errorf("decoding point hash: %w", err)
	}
	return p, nil
}

// Tip is the peer's advertised chain frontier.
type Tip struct {
	Point       Point
	BlockNumber uint64
}

func decodeTip(raw cbor.RawMessage) (Tip, error) {
	var parts []cbor.RawMessage
	if err := cbor.Unmarshal(raw, &parts); err != nil || len(parts) != 2 {
		return Tip{}, fmt.Errorf("decoding tip: %v", err)
	}
	var t Tip
	var err error
	if t.Point, err = decodePoint(parts[0]); err != nil {
		return Tip{}, err
	}
	if err := cbor.Unmarshal(parts[1], &t.BlockNumber); err != nil {
		return Tip{}, fmt.Errorf("decoding tip block number: %w", err)
	}
	return t, nil
}

func encodeRequestNext() []byte {
	return cborMarshal([]any{uint64(csMsgRequestNext)})
}

func encodeFindIntersect(points []Point) []byte {
	encoded := make([]any, len(points))
	for i, p := range points {
		encoded[i] = p.encode()
	}
	return cborMarshal([]any{uint64(csMsgFindIntersect), encoded})
}

// decodeWrappedHeader unpacks the roll-forward content [era, tag24(bytes)]
// into the era tag and the raw header bytes.
func decodeWrappedHeader(raw cbor.RawMessage) (Era, []byte, error) {
	var parts []cbor.RawMessage
	if err := cbor.Unmarshal(raw, &parts); err != nil || len(parts) != 2 {
		return 0, nil, fmt.Errorf("decoding wrapped header: %v", err)
	}
	var era uint
	if err := cbor.Unmarshal(parts[0], &era); err != nil {
		return 0, nil, fmt.Errorf("decoding era tag: %w", err)
	}
	if era > uint(EraConway) {
		return 0, nil, fmt.Errorf("unknown era tag %d", era)
	}
	var tag cbor.Tag
	if err := cbor.Unmarshal(parts[1], &tag); err == nil && tag.Number == 24 {
		if content, ok := tag.Content.([]byte); ok {
			return Era(era), content, nil
		}
	}
	var plain []byte
	if err := cbor.Unmarshal(parts[1], &plain); err != nil {
		return 0, nil, fmt.Errorf("decoding header bytes: %w", err)
	}
	return Era(era), plain, nil
}

// BlockSink consumes the chain-sync event stream. The chain store is the
// usual sink; the PoolTool notifier is another.
type BlockSink interface {
	SaveBlocks(ctx context.Context, blocks []*BlockHeader) error
	Rollback(ctx context.Context, slot uint64) error
	IntersectPoints(ctx context.Context) ([]Point, error)
}

// ChainSync drives the chain-sync client: it is the single writer to its
// sink, batching roll-forwards into one flush per transaction.
type ChainSync struct {
	mux     *Mux
	store   BlockSink
	genesis Genesis
	oneShot bool

	pending   []*BlockHeader
	lastFlush time.Time
	serverTip Tip
}

// NewChainSync wires a chain-sync client to a mux and a sink. In one-shot
// mode the client returns once the local tip reaches the server's.
func NewChainSync(mux *Mux, sink BlockSink, g Genesis, oneShot bool) *ChainSync {
	return &ChainSync{mux: mux, store: sink, genesis: g, oneShot: oneShot}
}

// byronPins are the last Byron blocks of the known networks, offered as
// intersect points so a fresh database skips the Byron bulk.
var byronPins = map[uint32]Point{
	MainnetNetworkMagic: mustPoint(4492799, "f8084c61b6a238acec985b59310b6ecec49c0ab8352249afd7268da5cff2a457"),
	PreprodNetworkMagic: mustPoint(1598399, "7e16781b40ebf8b6da18f7b5e8ade855d6738095ef2f1c58c77e88b6e45997a4"),
	GuildNetworkMagic:   mustPoint(719, "e5400faf19e712ebc5ff5b4b44cecb2b140d1cca25a011e36a91d89e97f53e2e"),
}

func mustPoint(slot uint64, hashHex string) Point {
	hash, err := hex.DecodeString(hashHex)
	if err != nil {
		panic(err)
	}
	return Point{Slot: slot, Hash: hash}
}

// logSpaced keeps entries at offsets 0, 1, 2, 4, 8, ... from the tip, so a
// deep rollback still finds an intersection without shipping every point.
func logSpaced(points []Point) []Point {
	var out []Point
	for i, p := range points {
		if i == 0 || i&(i-1) == 0 {
			out = append(out, p)
		}
	}
	return out
}

// intersectCandidates builds the point list for MsgFindIntersect: the
// log-spaced store points, the network's Byron pin, then origin.
func (c *ChainSync) intersectCandidates(ctx context.Context) ([]Point, error) {
	points, err := c.store.IntersectPoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading intersect points: %w", err)
	}
	points = logSpaced(points)
	if pin, ok := byronPins[c.genesis.NetworkMagic]; ok {
		points = append(points, pin)
	}
	return append(points, originPoint()), nil
}

// findIntersect negotiates the resume point with the peer. A miss resets the
// cursor to genesis and retries from the origin point.
func (c *ChainSync) findIntersect(ctx context.Context, points []Point) error {
	if err := c.mux.Send(protocolChainSync, encodeFindIntersect(points)); err != nil {
		return err
	}
	var reply []cbor.RawMessage
	if err := c.mux.Recv(ctx, protocolChainSync, chainSyncTimeout, &reply); err != nil {
		return err
	}
	var msgID uint64
	if len(reply) == 0 || cbor.Unmarshal(reply[0], &msgID) != nil {
		return fmt.Errorf("chain-sync: bad intersect reply")
	}
	switch msgID {
	case csMsgIntersectFound:
		if len(reply) < 3 {
			return fmt.Errorf("chain-sync: short intersect-found")
		}
		point, err := decodePoint(reply[1])
		if err != nil {
			return err
		}
		tip, err := decodeTip(reply[2])
		if err != nil {
			return err
		}
		c.serverTip = tip
		log.Printf("Intersect found at %s (server tip slot %d, block %d)",
			point, tip.Point.Slot, tip.BlockNumber)
		return nil
	case csMsgIntersectNotFound:
		log.Printf("No intersection with peer; restarting from genesis")
		return c.findIntersect(ctx, []Point{originPoint()})
	}
	return fmt.Errorf("chain-sync: unexpected message id %d during intersect", msgID)
}

// flush writes the pending roll-forward batch to the store in one
// transaction.
func (c *ChainSync) flush(ctx context.Context) error {
	if len(c.pending) == 0 {
		return nil
	}
	if err := c.store.SaveBlocks(ctx, c.pending); err != nil {
		return fmt.Errorf("saving block batch: %w", err)
	}
	last := c.pending[len(c.pending)-1]
	if c.serverTip.BlockNumber > 0 {
		pct := float64(last.BlockNumber) / float64(c.serverTip.BlockNumber) * 100
		log.Printf("block %d of %d: %.2f%% sync'd", last.BlockNumber, c.serverTip.BlockNumber, pct)
	}
	c.pending = c.pending[:0]
	c.lastFlush = time.Now()
	return nil
}

// Run executes the chain-sync loop until the context ends, the peer sends
// Done, or (in one-shot mode) the local tip reaches the server's.
func (c *ChainSync) Run(ctx context.Context) error {
	points, err := c.intersectCandidates(ctx)
	if err != nil {
		return err
	}
	if err := c.findIntersect(ctx, points); err != nil {
		return err
	}

	c.lastFlush = time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.mux.Send(protocolChainSync, encodeRequestNext()); err != nil {
			return err
		}
		done, err := c.handleNext(ctx)
		if err != nil {
			return err
		}
		if done {
			return c.flush(ctx)
		}
	}
}

// handleNext consumes one reply to MsgRequestNext (two, when the first is
// AwaitReply). Returns true when the session should end.
func (c *ChainSync) handleNext(ctx context.Context) (bool, error) {
	for {
		var reply []cbor.RawMessage
		if err := c.mux.Recv(ctx, protocolChainSync, chainSyncTimeout, &reply); err != nil {
			return false, err
		}
		var msgID uint64
		if len(reply) == 0 || cbor.Unmarshal(reply[0], &msgID) != nil {
			return false, fmt.Errorf("chain-sync: bad reply")
		}

		switch msgID {
		case csMsgAwaitReply:
			// Caught up; the reply arrives whenever the peer forges or
			// adopts a new block.
			if err := c.flush(ctx); err != nil {
				return false, err
			}
			if c.oneShot {
				return true, nil
			}
			continue

		case csMsgRollForward:
			if len(reply) < 3 {
				return false, fmt.Errorf("chain-sync: short roll-forward")
			}
			era, headerBytes, err := decodeWrappedHeader(reply[1])
			if err != nil {
				return false, err
			}
			tip, err := decodeTip(reply[2])
			if err != nil {
				return false, err
			}
			c.serverTip = tip
			hdr, err := DecodeHeader(era, headerBytes, c.genesis)
			if err != nil {
				return false, err
			}
			c.pending = append(c.pending, hdr)
			atTip := hdr.BlockNumber >= tip.BlockNumber
			if atTip || len(c.pending) >= 256 || time.Since(c.lastFlush) > 5*time.Second {
				if err := c.flush(ctx); err != nil {
					return false, err
				}
			}
			if atTip && c.oneShot {
				return true, nil
			}
			return false, nil

		case csMsgRollBackward:
			if len(reply) < 3 {
				return false, fmt.Errorf("chain-sync: short roll-backward")
			}
			point, err := decodePoint(reply[1])
			if err != nil {
				return false, err
			}
			tip, err := decodeTip(reply[2])
			if err != nil {
				return false, err
			}
			c.serverTip = tip
			// Commit what we have, then orphan everything past the
			// rollback point. The header at the point itself stays
			// canonical.
			if err := c.flush(ctx); err != nil {
				return false, err
			}
			if !point.Origin {
				if err := c.store.Rollback(ctx, point.Slot); err != nil {
					return false, fmt.Errorf("rollback to slot %d: %w", point.Slot, err)
				}
				log.Printf("Rolled back to %s", point)
			} else {
				if err := c.store.Rollback(ctx, 0); err != nil {
					return false, fmt.Errorf("rollback to origin: %w", err)
				}
				log.Printf("Rolled back to origin")
			}
			return false, nil

		case csMsgDone:
			return true, nil
		}
		return false, fmt.Errorf("chain-sync: unexpected message id %d", msgID)
	}
}
