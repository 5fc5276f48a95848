package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrProfileNotFound = errors.New("user profile not found")
	ErrUsernameTaken   = errors.New("username already in use in this clinic")
	// ErrAdminExists means the clinic already has its auto-provisioned
	// administrator.
	ErrAdminExists = errors.New("clinic already has a provisioned administrator")
	ErrInactive    = errors.New("user is inactive")
)

// Steps reported by CreateError.
const (
	StepAuthAccount = "auth_account"
	StepProfile     = "profile"
)

// CreateError names the step at which identity creation failed.
type CreateError struct {
	Step string
	Err  error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create identity (%s): %v", e.Step, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// ProfileRepository defines the persistence interface for user profiles.
type ProfileRepository interface {
	Create(ctx context.Context, p *Profile) error
	GetByID(ctx context.Context, clinicID, id uuid.UUID) (*Profile, error)
	GetByAuthUserID(ctx context.Context, authUserID uuid.UUID) (*Profile, error)
	ListByClinic(ctx context.Context, clinicID uuid.UUID, limit, offset int) ([]*Profile, int, error)
	HasAutoProvisionedAdmin(ctx context.Context, clinicID uuid.UUID) (bool, error)
}
