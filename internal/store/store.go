// Package store is the persistence boundary. The event path never waits on
// it: snapshots are loaded once when a room is created and written back on a
// debounce after edits, plus once on explicit session end.
package store

import (
	"context"

	"github.com/khattaby/collaborative-whiteboard/internal/board"
)

// Store loads and saves whole session snapshots.
type Store interface {
	LoadSession(ctx context.Context, sessionID string) ([]board.Element, error)
	SaveSession(ctx context.Context, sessionID string, elements []board.Element) error
}

// NopStore is used when no database is configured: sessions live only in
// memory and vanish with the process.
type NopStore struct{}

func (NopStore) LoadSession(ctx context.Context, sessionID string) ([]board.Element, error) {
	return nil, nil
}

func (NopStore) SaveSession(ctx context.Context, sessionID string, elements []board.Element) error {
	return nil
}
