package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// PoolTool integration: sendtip streams our view of the tip to the
// aggregator, sendslots publishes the committed leader-slot counts. Both are
// collaborators outside the core; failures here are logged, never fatal.

const (
	pooltoolSendStatsURL = "https://api.pooltool.io/v0/sendstats"
	pooltoolSendSlotsURL = "https://api.pooltool.io/v0/sendslots"
)

type pooltoolStats struct {
	APIKey string       `json:"apiKey"`
	PoolID string       `json:"poolId"`
	Data   pooltoolData `json:"data"`
}

type pooltoolData struct {
	NodeID     string `json:"nodeId"`
	Version    string `json:"version"`
	At         string `json:"at"`
	BlockNo    uint64 `json:"blockNo"`
	SlotNo     uint64 `json:"slotNo"`
	BlockHash  string `json:"blockHash"`
	ParentHash string `json:"parentHash"`
	LeaderVrf  string `json:"leaderVrf"`
	NodeVKey   string `json:"nodeVKey"`
	Platform   string `json:"platform"`
}

// PoolToolNotifier is a BlockSink that forwards each new tip to PoolTool
// instead of persisting it. It always syncs from the peer's tip, so its
// intersect points are empty.
type PoolToolNotifier struct {
	PoolName    string
	PoolID      string
	APIKey      string
	NodeVersion string
	Client      *http.Client
}

func (p *PoolToolNotifier) httpClient() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func (p *PoolToolNotifier) postJSON(ctx context.Context, url string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("pooltool request: %w", err)
	}
	defer resp.Body.Close()
	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return string(text), nil
}

// SaveBlocks posts the newest header of the batch as our tip.
func (p *PoolToolNotifier) SaveBlocks(ctx context.Context, blocks []*BlockHeader) error {
	if len(blocks) == 0 {
		return nil
	}
	header := blocks[len(blocks)-1]
	stats := pooltoolStats{
		APIKey: p.APIKey,
		PoolID: p.PoolID,
		Data: pooltoolData{
			Version:    p.NodeVersion,
			At:         time.Now().UTC().Format(time.RFC3339Nano),
			BlockNo:    header.BlockNumber,
			SlotNo:     header.SlotNumber,
			BlockHash:  hex.EncodeToString(header.Hash),
			ParentHash: hex.EncodeToString(header.PrevHash),
			LeaderVrf:  hex.EncodeToString(header.LeaderVrf),
			NodeVKey:   hex.EncodeToString(header.NodeVkey),
			Platform:   "cncli",
		},
	}
	text, err := p.postJSON(ctx, pooltoolSendStatsURL, stats)
	if err != nil {
		log.Printf("PoolTool error: %v", err)
		return nil
	}
	log.Printf("Pooltool (%s, %.8s): (%d, %.8s), json: %s",
		p.PoolName, p.PoolID, header.BlockNumber, hex.EncodeToString(header.Hash), text)
	return nil
}

// Rollback is a no-op for the notifier; only the newest tip matters.
func (p *PoolToolNotifier) Rollback(ctx context.Context, slot uint64) error {
	return nil
}

// IntersectPoints is empty so chain-sync starts from the peer's view.
func (p *PoolToolNotifier) IntersectPoints(ctx context.Context) ([]Point, error) {
	return nil, nil
}

type pooltoolSendSlots struct {
	APIKey    string `json:"apiKey"`
	PoolID    string `json:"poolId"`
	Epoch     int64  `json:"epoch"`
	SlotQty   int64  `json:"slotQty"`
	Hash      string `json:"hash"`
	PrevSlots string `json:"prevSlots,omitempty"`
}

// SendSlots publishes the committed slot count for the current epoch along
// with the previous epoch's slot list for verification.
func SendSlots(ctx context.Context, store *Store, g Genesis, poolID, apiKey string) error {
	tip, err := store.Tip(ctx)
	if err != nil {
		return fmt.Errorf("reading tip: %w", err)
	}
	if time.Since(g.SlotTime(tip.SlotNumber)) > 900*time.Second {
		return fmt.Errorf("db not fully synced")
	}
	epoch := g.EpochForSlot(tip.SlotNumber)

	qty, hash, err := store.CurrentSlots(ctx, epoch, poolID)
	if err != nil {
		return fmt.Errorf("no slots recorded for epoch %d and pool %s: %w", epoch, poolID, err)
	}
	prevSlots, err := store.PrevSlots(ctx, epoch-1, poolID)
	if err != nil {
		return fmt.Errorf("reading previous slots: %w", err)
	}

	payload := pooltoolSendSlots{
		APIKey:    apiKey,
		PoolID:    poolID,
		Epoch:     epoch,
		SlotQty:   qty,
		Hash:      hash,
		PrevSlots: prevSlots,
	}
	notifier := &PoolToolNotifier{}
	text, err := notifier.postJSON(ctx, pooltoolSendSlotsURL, payload)
	if err != nil {
		return err
	}
	log.Printf("Pooltool response: %s", text)
	return nil
}
