package ledger

import (
	"context"
)

// Repository defines the persistence interface for the idempotency ledger.
// Uniqueness of event IDs is enforced by the store, never in memory.
type Repository interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	// Insert records r unless its event ID is already present, and reports
	// whether a row was written.
	Insert(ctx context.Context, r *Record) (bool, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error)
}
