package clinic

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("clinic not found")
	ErrVersionConflict = errors.New("clinic was modified concurrently")
	ErrEmailTaken      = errors.New("a clinic with this email already exists")
)

// Repository defines the persistence interface for clinics.
type Repository interface {
	Create(ctx context.Context, c *Clinic) error
	GetByID(ctx context.Context, id uuid.UUID) (*Clinic, error)
	GetByEmail(ctx context.Context, email string) (*Clinic, error)
	GetByStripeCustomerID(ctx context.Context, customerID string) (*Clinic, error)
	GetByStripeSubscriptionID(ctx context.Context, subscriptionID string) (*Clinic, error)
	// Update writes every mutable field when c.VersionID still matches the
	// stored row, then bumps c.VersionID. A stale version yields
	// ErrVersionConflict.
	Update(ctx context.Context, c *Clinic) error
	List(ctx context.Context, status Status, limit, offset int) ([]*Clinic, int, error)
}

// SettingsRepository defines the persistence interface for clinic settings.
type SettingsRepository interface {
	Upsert(ctx context.Context, clinicID uuid.UUID, key string, value interface{}) error
	List(ctx context.Context, clinicID uuid.UUID) ([]*Setting, error)
}
