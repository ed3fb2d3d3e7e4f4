package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/khattaby/collaborative-whiteboard/internal/board"
)

// PostgresStore persists one jsonb snapshot row per session.
//
//	CREATE TABLE whiteboard_sessions (
//	    session_id TEXT PRIMARY KEY,
//	    elements   JSONB NOT NULL DEFAULT '[]',
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// LoadSession returns the persisted snapshot, or nil if the session was
// never saved.
func (s *PostgresStore) LoadSession(ctx context.Context, sessionID string) ([]board.Element, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT elements FROM whiteboard_sessions WHERE session_id = $1`,
		sessionID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	elements, err := board.DecodeList(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode session %s snapshot: %w", sessionID, err)
	}
	return elements, nil
}

// SaveSession upserts the full snapshot for the session.
func (s *PostgresStore) SaveSession(ctx context.Context, sessionID string, elements []board.Element) error {
	if elements == nil {
		elements = []board.Element{}
	}
	raw, err := json.Marshal(elements)
	if err != nil {
		return fmt.Errorf("failed to encode session %s snapshot: %w", sessionID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO whiteboard_sessions (session_id, elements, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (session_id)
		 DO UPDATE SET elements = EXCLUDED.elements, updated_at = now()`,
		sessionID, raw,
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", sessionID, err)
	}
	return nil
}
