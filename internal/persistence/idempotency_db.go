package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker is the second dedup tier behind the core's
// in-memory LRU. It answers from the durable event log, so duplicates
// older than the LRU window are still caught.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db: db,
	}
}

// IsDuplicate checks whether the command already exists in the event
// log. The lookup is capped at 500ms; the core treats a timeout as
// not-a-duplicate and relies on the ON CONFLICT write path to keep the
// log consistent.
func (pic *PostgresIdempotencyChecker) IsDuplicate(commandType string, commandID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM dual_event_log.events
        WHERE command_type = $1 AND command_id = $2
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, commandType, commandID).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}
