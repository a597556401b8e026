// Package store defines the entity store adapter contract shared by every backend.
package store

import (
	"context"
	"errors"
	"fmt"

	"innoflow/internal/domain"
	"innoflow/internal/events"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// StaleVersionError reports an optimistic-concurrency conflict: the stored version moved
// past the one the caller read. Callers re-fetch and retry.
type StaleVersionError struct {
	Kind     domain.Kind
	ID       string
	Expected int64
	Actual   int64
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("stale version for %s/%s: expected %d, stored %d; re-fetch and retry", e.Kind, e.ID, e.Expected, e.Actual)
}

// Change describes the audit event written atomically with an entity write.
type Change struct {
	Type    string
	ActorID string
	Payload map[string]any
}

// Store is the engine's only persistence dependency.
type Store interface {
	// Get returns the current record; Record.Version is the version read.
	Get(ctx context.Context, kind domain.Kind, id string) (domain.Record, error)
	// Create persists a new record at version 1. ErrAlreadyExists when the id is taken.
	Create(ctx context.Context, rec domain.Record, change Change) (domain.Record, error)
	// Update replaces the record if the stored version equals expectedVersion and
	// returns it with the incremented version. *StaleVersionError otherwise.
	Update(ctx context.Context, rec domain.Record, expectedVersion int64, change Change) (domain.Record, error)
}

// Auditor is implemented by stores that keep the audit trail and the conversion link table.
type Auditor interface {
	ListEvents(ctx context.Context, kind domain.Kind, id string, limit int) ([]events.Event, error)
	ListConversionLinks(ctx context.Context, source domain.Ref) ([]domain.ConversionLink, error)
}
