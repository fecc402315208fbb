// Package store defines the persistence interface for the market's event
// journal. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
//
// The journal is append-only: the market never reloads its state from it.
package store

import (
	"context"
	"errors"

	"github.com/atmx/fx-market/internal/model"
)

// ErrDuplicateEvent is returned when a record with the same ID already exists.
var ErrDuplicateEvent = errors.New("store: duplicate event id")

// Store is the journal interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// InsertEvent appends an immutable event record.
	InsertEvent(ctx context.Context, rec *model.EventRecord) error

	// ListEvents returns the most recent records, oldest first.
	// A limit of zero or less returns every record.
	ListEvents(ctx context.Context, limit int) ([]model.EventRecord, error)

	// ListEventsByKind is ListEvents restricted to one kind.
	ListEventsByKind(ctx context.Context, kind model.Kind, limit int) ([]model.EventRecord, error)

	// GetEventsByToken returns the lifecycle of one reservation.
	GetEventsByToken(ctx context.Context, token string) ([]model.EventRecord, error)
}
