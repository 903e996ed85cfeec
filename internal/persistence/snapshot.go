package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"CityLedger/internal/city"
	"CityLedger/internal/market"
	"CityLedger/internal/settle"

	"github.com/google/uuid"
)

// SnapshotManager creates and loads world snapshots for recovery. A snapshot
// holds everything the engine cannot rebuild from the read model alone:
// city state, tick validator positions, sequence counter, and the recent
// idempotency keys for LRU warming. On warm restart, load the latest
// verified snapshot and replay commands from snapshot.sequence+1.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized world state at one apply sequence.
type SnapshotData struct {
	Sequence        int64            `json:"sequence"`
	StateHash       []byte           `json:"state_hash"`
	Cities          []city.City      `json:"cities"`
	Balances        map[string]int64 `json:"balances"` // account path -> micro amount
	Councils        []settle.Council `json:"councils"`
	Orders          []market.Order   `json:"orders"` // resting orders, arrival order
	NextOrderSeq    int64            `json:"next_order_seq"`
	TickState       map[string]int64 `json:"tick_state"`
	IdempotencyKeys []string         `json:"idempotency_keys"`
	CreatedAt       time.Time        `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically and verified by replaying commands from the snapshot
// sequence forward before being trusted for recovery.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO city_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM city_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot — cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE city_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadCommandsFrom loads applied commands from a given sequence for replay.
func (sm *SnapshotManager) LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]CommandRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, command_id, city_id, payload,
		       state_hash, prev_hash, applied_at
		FROM city_log.commands
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []CommandRow
	for rows.Next() {
		var c CommandRow
		if err := rows.Scan(
			&c.Sequence, &c.CommandType, &c.CommandID, &c.CityID,
			&c.Payload, &c.StateHash, &c.PrevHash, &c.AppliedAt,
		); err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}

	return commands, rows.Err()
}

// GetLatestSequence returns the highest sequence in the apply log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM city_log.commands
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty apply log
	}
	return seq.Int64, nil
}
