package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Outcome describes what was done with an event.
type Outcome struct {
	EventType string
	ClinicID  *uuid.UUID
	Action    string
	ObjectID  string
}

// Record maps to the billing_events table. One row per processor event ID
// ever handled.
type Record struct {
	EventID     string     `db:"event_id" json:"event_id"`
	EventType   string     `db:"event_type" json:"event_type"`
	ClinicID    *uuid.UUID `db:"clinic_id" json:"clinic_id,omitempty"`
	Action      string     `db:"action" json:"action"`
	ObjectID    *string    `db:"object_id" json:"object_id,omitempty"`
	ProcessedAt time.Time  `db:"processed_at" json:"processed_at"`
}

// Filter narrows a ledger listing.
type Filter struct {
	ClinicID  *uuid.UUID
	EventType string
	Action    string
}
