package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"

	_ "modernc.org/sqlite"
)

// Store is the on-disk chain store: an append-only projection of the header
// stream with orphan tracking. One writer (the chain-sync task) holds the
// connection; sqlite WAL mode lets readers run concurrently.
type Store struct {
	db          *sql.DB
	initialEtaV []byte
}

// storeVersion is the current schema version recorded in the meta table.
// Migrations are forward-only.
const storeVersion = 2

// ErrNotFound is returned by queries that matched no row.
var ErrNotFound = errors.New("not found")

// OpenStore opens (or creates) the sqlite chain store at path and applies
// any pending migrations. The genesis initial nonce seeds eta_v for an
// empty chain.
func OpenStore(path string, g Genesis) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}

	initialEtaV, err := hex.DecodeString(g.InitialNonce)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("decoding initial nonce: %w", err)
	}

	s := &Store{db: db, initialEtaV: initialEtaV}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS meta (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("creating meta table: %w", err)
	}

	version := -1
	row := tx.QueryRowContext(ctx, `SELECT version FROM meta`)
	if err := row.Scan(&version); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading schema version: %w", err)
	}

	if version < 1 {
		log.Println("Creating chain store at schema version 1...")
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS block (
			    id INTEGER PRIMARY KEY AUTOINCREMENT,
			    block_number INTEGER NOT NULL,
			    slot_number INTEGER NOT NULL,
			    hash BLOB NOT NULL,
			    prev_hash BLOB,
			    pool_id BLOB,
			    node_vkey BLOB,
			    node_vrf_vkey BLOB,
			    block_vrf BLOB,
			    eta_vrf BLOB,
			    leader_vrf BLOB,
			    eta_v BLOB,
			    block_size INTEGER NOT NULL DEFAULT 0,
			    block_body_hash BLOB,
			    protocol_major INTEGER NOT NULL DEFAULT 0,
			    protocol_minor INTEGER NOT NULL DEFAULT 0,
			    orphaned INTEGER NOT NULL DEFAULT 0
			)`); err != nil {
			return fmt.Errorf("creating block table: %w", err)
		}
		for _, idx := range []string{
			`CREATE INDEX IF NOT EXISTS idx_block_slot_number ON block(slot_number)`,
			`CREATE INDEX IF NOT EXISTS idx_block_hash ON block(hash)`,
			`CREATE INDEX IF NOT EXISTS idx_block_orphaned_slot ON block(orphaned, slot_number)`,
			`CREATE INDEX IF NOT EXISTS idx_block_block_number ON block(block_number)`,
			`CREATE INDEX IF NOT EXISTS idx_block_node_vkey ON block(node_vkey)`,
		} {
			if _, err := tx.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("creating index: %w", err)
			}
		}
	}

	if version < 2 {
		log.Println("Upgrading chain store to schema version 2...")
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS slots (
			    id INTEGER PRIMARY KEY AUTOINCREMENT,
			    epoch INTEGER NOT NULL,
			    pool_id TEXT NOT NULL,
			    slot_qty INTEGER NOT NULL,
			    slots TEXT NOT NULL,
			    hash TEXT NOT NULL,
			    UNIQUE(epoch, pool_id)
			)`); err != nil {
			return fmt.Errorf("creating slots table: %w", err)
		}
	}

	if version < 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO meta (version) VALUES (?)`, storeVersion); err != nil {
			return fmt.Errorf("recording schema version: %w", err)
		}
	} else if version < storeVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE meta SET version = ?`, storeVersion); err != nil {
			return fmt.Errorf("updating schema version: %w", err)
		}
	}

	return tx.Commit()
}

// tipEtaV reads the evolving nonce at the canonical tip inside tx, falling
// back to the genesis seed for an empty chain.
func (s *Store) tipEtaV(ctx context.Context, tx *sql.Tx) ([]byte, error) {
	var etaV []byte
	err := tx.QueryRowContext(ctx,
		`SELECT eta_v FROM block WHERE orphaned = 0 ORDER BY slot_number DESC LIMIT 1`,
	).Scan(&etaV)
	if errors.Is(err, sql.ErrNoRows) {
		return s.initialEtaV, nil
	}
	if err != nil {
		return nil, err
	}
	return etaV, nil
}

// SaveBlocks appends a chain-sync batch in one transaction. A block whose
// height collides with live rows arrives as the continuation of a rollback;
// the incumbents are marked orphaned and the evolving nonce re-derived from
// the surviving tip before the insert.
func (s *Store) SaveBlocks(ctx context.Context, blocks []*BlockHeader) error {
	if len(blocks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	prevEtaV, err := s.tipEtaV(ctx, tx)
	if err != nil {
		return fmt.Errorf("reading tip eta_v: %w", err)
	}

	orphanStmt, err := tx.PrepareContext(ctx,
		`UPDATE block SET orphaned = 1 WHERE orphaned = 0 AND block_number >= ?`)
	if err != nil {
		return fmt.Errorf("prepare orphan: %w", err)
	}
	defer orphanStmt.Close()

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO block (
		    block_number, slot_number, hash, prev_hash, pool_id,
		    node_vkey, node_vrf_vkey, block_vrf, eta_vrf, leader_vrf, eta_v,
		    block_size, block_body_hash, protocol_major, protocol_minor
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer insertStmt.Close()

	for _, b := range blocks {
		res, err := orphanStmt.ExecContext(ctx, int64(b.BlockNumber))
		if err != nil {
			return fmt.Errorf("orphaning from block %d: %w", b.BlockNumber, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			prevEtaV, err = s.tipEtaV(ctx, tx)
			if err != nil {
				return fmt.Errorf("re-reading tip eta_v: %w", err)
			}
		}

		etaV := prevEtaV
		if b.Era.HasVrf() {
			etaV = blake2b256(prevEtaV, blake2b256(b.EtaVrf))
		}

		if _, err := insertStmt.ExecContext(ctx,
			int64(b.BlockNumber), int64(b.SlotNumber), b.Hash, b.PrevHash, b.PoolID(),
			b.NodeVkey, b.NodeVrfVkey, b.BlockVrf, b.EtaVrf, b.LeaderVrf, etaV,
			int64(b.BlockSize), b.BlockBodyHash, int64(b.ProtoMajor), int64(b.ProtoMinor),
		); err != nil {
			return fmt.Errorf("inserting block %d at slot %d: %w", b.BlockNumber, b.SlotNumber, err)
		}
		prevEtaV = etaV
	}

	return tx.Commit()
}

// Rollback marks everything past the given slot as orphaned. The block at
// the slot itself stays canonical. Idempotent.
func (s *Store) Rollback(ctx context.Context, slot uint64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE block SET orphaned = 1 WHERE slot_number > ?`, int64(slot))
	return err
}

// BlockRow is a persisted header row.
type BlockRow struct {
	BlockNumber   uint64
	SlotNumber    uint64
	Hash          []byte
	PrevHash      []byte
	PoolID        []byte
	NodeVkey      []byte
	NodeVrfVkey   []byte
	BlockVrf      []byte
	EtaVrf        []byte
	LeaderVrf     []byte
	EtaV          []byte
	BlockSize     uint64
	BlockBodyHash []byte
	ProtoMajor    uint64
	ProtoMinor    uint64
	Orphaned      bool
}

const blockColumns = `block_number, slot_number, hash, prev_hash, pool_id,
	node_vkey, node_vrf_vkey, block_vrf, eta_vrf, leader_vrf, eta_v,
	block_size, block_body_hash, protocol_major, protocol_minor, orphaned`

func scanBlockRow(row interface{ Scan(...any) error }) (*BlockRow, error) {
	var b BlockRow
	var blockNumber, slotNumber, blockSize, protoMajor, protoMinor int64
	var orphaned int
	err := row.Scan(&blockNumber, &slotNumber, &b.Hash, &b.PrevHash, &b.PoolID,
		&b.NodeVkey, &b.NodeVrfVkey, &b.BlockVrf, &b.EtaVrf, &b.LeaderVrf, &b.EtaV,
		&blockSize, &b.BlockBodyHash, &protoMajor, &protoMinor, &orphaned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.BlockNumber = uint64(blockNumber)
	b.SlotNumber = uint64(slotNumber)
	b.BlockSize = uint64(blockSize)
	b.ProtoMajor = uint64(protoMajor)
	b.ProtoMinor = uint64(protoMinor)
	b.Orphaned = orphaned != 0
	return &b, nil
}

// Tip returns the non-orphaned block with the greatest height.
func (s *Store) Tip(ctx context.Context) (*BlockRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+blockColumns+` FROM block WHERE orphaned = 0
		 ORDER BY block_number DESC LIMIT 1`)
	return scanBlockRow(row)
}

// LookupByHashPrefix finds a block by full or partial hex hash prefix,
// preferring the canonical row when an orphan shares the prefix.
func (s *Store) LookupByHashPrefix(ctx context.Context, prefix string) (*BlockRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+blockColumns+` FROM block WHERE hex(hash) LIKE ?
		 ORDER BY orphaned ASC, slot_number DESC LIMIT 1`,
		strings.ToUpper(prefix)+"%")
	return scanBlockRow(row)
}

// IntersectPoints returns the (slot, hash) pairs of the 33 highest
// non-orphaned blocks, newest first.
func (s *Store) IntersectPoints(ctx context.Context) ([]Point, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slot_number, hash FROM block WHERE orphaned = 0
		 ORDER BY slot_number DESC LIMIT 33`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var slot int64
		var hash []byte
		if err := rows.Scan(&slot, &hash); err != nil {
			return nil, err
		}
		points = append(points, Point{Slot: uint64(slot), Hash: hash})
	}
	return points, rows.Err()
}

// freshnessWindow bounds how far behind a nonce cutoff the newest block may
// sit; a bigger gap means the chain around the cutoff is not synced.
const freshnessWindow = 120

// EtaVBeforeSlot returns the evolving nonce of the last canonical block
// before the slot. The block must fall within the freshness window of the
// cutoff.
func (s *Store) EtaVBeforeSlot(ctx context.Context, slot uint64) ([]byte, error) {
	var etaV []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT eta_v FROM block WHERE orphaned = 0 AND slot_number < ?1 AND ?1 - slot_number < ?2
		 ORDER BY slot_number DESC LIMIT 1`,
		int64(slot), freshnessWindow).Scan(&etaV)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no block within %d slots below %d: %w", freshnessWindow, slot, ErrNotFound)
	}
	return etaV, err
}

// PrevHashBeforeSlot returns the prev_hash of the last canonical block
// before the slot, subject to the same freshness window.
func (s *Store) PrevHashBeforeSlot(ctx context.Context, slot uint64) ([]byte, error) {
	var prevHash []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT prev_hash FROM block WHERE orphaned = 0 AND slot_number < ?1 AND ?1 - slot_number < ?2
		 ORDER BY slot_number DESC LIMIT 1`,
		int64(slot), freshnessWindow).Scan(&prevHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no block within %d slots below %d: %w", freshnessWindow, slot, ErrNotFound)
	}
	return prevHash, err
}

// LastBlockBeforeSlot returns the highest-slot canonical block below the
// given slot, with no freshness requirement.
func (s *Store) LastBlockBeforeSlot(ctx context.Context, slot uint64) (*BlockRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+blockColumns+` FROM block WHERE orphaned = 0 AND slot_number < ?
		 ORDER BY slot_number DESC LIMIT 1`, int64(slot))
	return scanBlockRow(row)
}

// HeadersInSlotRange returns the canonical blocks with firstSlot <= slot <
// limitSlot in slot order.
func (s *Store) HeadersInSlotRange(ctx context.Context, firstSlot, limitSlot uint64) ([]*BlockRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+blockColumns+` FROM block
		 WHERE orphaned = 0 AND slot_number >= ? AND slot_number < ?
		 ORDER BY slot_number ASC`,
		int64(firstSlot), int64(limitSlot))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*BlockRow
	for rows.Next() {
		b, err := scanBlockRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// SaveSlots upserts a computed leader schedule for auditability and for the
// PoolTool sendslots command. The hash commits to the slot list.
func (s *Store) SaveSlots(ctx context.Context, epoch int64, poolID string, slots []uint64) error {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, slot := range slots {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%d", slot)
	}
	sb.WriteByte(']')
	slotsJSON := sb.String()
	hash := hex.EncodeToString(blake2b256([]byte(slotsJSON)))

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO slots (epoch, pool_id, slot_qty, slots, hash)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (epoch, pool_id) DO UPDATE SET
		   slot_qty = excluded.slot_qty,
		   slots = excluded.slots,
		   hash = excluded.hash`,
		epoch, poolID, len(slots), slotsJSON, hash)
	return err
}

// CurrentSlots returns the persisted slot count and list hash for an epoch.
func (s *Store) CurrentSlots(ctx context.Context, epoch int64, poolID string) (int64, string, error) {
	var qty int64
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT slot_qty, hash FROM slots WHERE epoch = ? AND pool_id = ? LIMIT 1`,
		epoch, poolID).Scan(&qty, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrNotFound
	}
	return qty, hash, err
}

// PrevSlots returns the persisted slot list JSON for an epoch, or "" when
// none was computed.
func (s *Store) PrevSlots(ctx context.Context, epoch int64, poolID string) (string, error) {
	var slots string
	err := s.db.QueryRowContext(ctx,
		`SELECT slots FROM slots WHERE epoch = ? AND pool_id = ? LIMIT 1`,
		epoch, poolID).Scan(&slots)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return slots, err
}
