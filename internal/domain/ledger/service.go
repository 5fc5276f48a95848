package ledger

import (
	"context"
	"fmt"
)

// Ledger answers "has this event already been applied?" and records that it
// has. MarkProcessed must run in the same transaction as the writes it
// vouches for.
type Ledger struct {
	repo Repository
}

func New(repo Repository) *Ledger {
	return &Ledger{repo: repo}
}

func (l *Ledger) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	ok, err := l.repo.Exists(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("check ledger for %s: %w", eventID, err)
	}
	return ok, nil
}

// MarkProcessed records eventID. A second call for the same ID is a no-op
// and returns false with a nil error.
func (l *Ledger) MarkProcessed(ctx context.Context, eventID string, o Outcome) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("event id is required")
	}
	rec := &Record{
		EventID:   eventID,
		EventType: o.EventType,
		ClinicID:  o.ClinicID,
		Action:    o.Action,
	}
	if o.ObjectID != "" {
		obj := o.ObjectID
		rec.ObjectID = &obj
	}
	inserted, err := l.repo.Insert(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("mark %s processed: %w", eventID, err)
	}
	return inserted, nil
}

func (l *Ledger) List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	return l.repo.List(ctx, f, limit, offset)
}
