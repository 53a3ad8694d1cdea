package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager creates and loads state snapshots for recovery.
// A snapshot carries everything the core holds in memory: live
// position ids, ledger balances, access control state, per-partition
// sequence cursors, the dedup LRU keys and the hash chain tip.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized in-memory state at a point in time.
// Balances map account paths to decimal amount strings; position ids
// and addresses are 0x-hex. The orchestrator converts to and from the
// core's typed snapshot form.
type SnapshotData struct {
	Sequence         int64             `json:"sequence"`
	StateHash        []byte            `json:"state_hash"`
	LiveIDs          []string          `json:"live_ids"`
	Balances         map[string]string `json:"balances"`
	Authority        string            `json:"authority"`
	PendingAuthority string            `json:"pending_authority"`
	PendingAt        int64             `json:"pending_at"`
	Operators        []OperatorSnap    `json:"operators"`
	SequenceState    map[string]int64  `json:"sequence_state"`
	IdempotencyKeys  []string          `json:"idempotency_keys"`
	CreatedAt        time.Time         `json:"created_at"`
}

// OperatorSnap is one operator grant inside a snapshot.
type OperatorSnap struct {
	Operator    string `json:"operator"`
	EffectiveAt int64  `json:"effective_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are written
// unverified; the orchestrator flips the flag after checking the
// stored state hash against the event log.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO dual_event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// SnapshotSize returns the marshaled byte size of a snapshot, for the
// size gauge.
func SnapshotSize(snap *SnapshotData) int {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0
	}
	return len(data)
}

// LoadLatestSnapshot loads the most recent verified snapshot. On warm
// restart the core restores from it and replays events from
// snapshot.sequence+1. Returns nil with no error on cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM dual_event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot, cold start
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
		UPDATE dual_event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay, used
// by both warm restart (from a snapshot) and cold restart (from the
// beginning of the log).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, command_id, chain_id, dual_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM dual_event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		var chainID int64
		if err := rows.Scan(
			&e.Sequence, &e.CommandType, &e.CommandID, &chainID, &e.DualID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		e.ChainID = uint64(chainID)
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM dual_event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
