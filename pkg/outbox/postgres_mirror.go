package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq" // registers the "postgres" driver

	"github.com/swapmesh/marketd/pkg/contracts"
)

// PostgresMirror durably fans envelopes out to external consumers that
// poll Postgres rather than reading the JSON/SQLite state document
// directly (e.g. a downstream analytics or reconciliation consumer).
// The state store's Events collection remains the source of truth for
// in-process replay; this mirror is an additive sink.
type PostgresMirror struct {
	db *sql.DB
}

// NewPostgresMirror wraps an already-open db and ensures its schema exists.
func NewPostgresMirror(db *sql.DB) (*PostgresMirror, error) {
	m := &PostgresMirror{db: db}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS marketplace_event_outbox (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			envelope_json JSONB NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			consumed BOOLEAN NOT NULL DEFAULT FALSE
		)`); err != nil {
		return nil, fmt.Errorf("outbox: create schema: %w", err)
	}
	return m, nil
}

// Mirror writes envelope to the outbox table, a no-op if it is already
// present (idempotent on event_id, matching the in-memory Append).
func (m *PostgresMirror) Mirror(ctx context.Context, envelope contracts.EventEnvelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("outbox: marshal envelope: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO marketplace_event_outbox (event_id, event_type, envelope_json, occurred_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`,
		envelope.EventID, envelope.Type, body, envelope.OccurredAt)
	if err != nil {
		return fmt.Errorf("outbox: mirror envelope: %w", err)
	}
	return nil
}

// GetPending returns unconsumed envelopes in append order.
func (m *PostgresMirror) GetPending(ctx context.Context) ([]contracts.EventEnvelope, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT envelope_json FROM marketplace_event_outbox
		WHERE consumed = FALSE ORDER BY occurred_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("outbox: query pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var out []contracts.EventEnvelope
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("outbox: scan envelope: %w", err)
		}
		var env contracts.EventEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("outbox: corrupt envelope json: %w", err)
		}
		out = append(out, env)
	}
	return out, nil
}

// MarkDone marks eventID consumed.
func (m *PostgresMirror) MarkDone(ctx context.Context, eventID string) error {
	_, err := m.db.ExecContext(ctx, `UPDATE marketplace_event_outbox SET consumed = TRUE WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("outbox: mark done: %w", err)
	}
	return nil
}
