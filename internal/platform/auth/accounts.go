package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountNotFound    = errors.New("account not found")
	ErrEmailTaken         = errors.New("email already registered")
)

// Account is an authentication identity. Clinic membership and role live on
// the identity profile linked to it; platform operators carry their role in
// Metadata["platform_role"] and have no profile.
type Account struct {
	ID                 uuid.UUID              `json:"id"`
	Email              string                 `json:"email"`
	PasswordHash       string                 `json:"-"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	MustChangePassword bool                   `json:"must_change_password"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// PlatformRole returns the operator role recorded on the account, if any.
func (a *Account) PlatformRole() string {
	role, _ := a.Metadata["platform_role"].(string)
	return role
}

type AccountRepository interface {
	Create(ctx context.Context, a *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, hash string, mustChange bool) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Accounts is the authentication service: it owns password hashing and
// credential checks over an AccountRepository.
type Accounts struct {
	repo AccountRepository
	cost int
}

func NewAccounts(repo AccountRepository) *Accounts {
	return &Accounts{repo: repo, cost: bcrypt.DefaultCost}
}

// WithCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
func (s *Accounts) WithCost(cost int) *Accounts {
	s.cost = cost
	return s
}

func (s *Accounts) Create(ctx context.Context, email, password string, metadata map[string]interface{}, mustChange bool) (*Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("password must be at least 8 characters")
	}
	if existing, err := s.repo.GetByEmail(ctx, email); err == nil && existing != nil {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	a := &Account{
		Email:              email,
		PasswordHash:       string(hash),
		Metadata:           metadata,
		MustChangePassword: mustChange,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return a, nil
}

func (s *Accounts) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

func (s *Accounts) Get(ctx context.Context, id uuid.UUID) (*Account, error) {
	return s.repo.GetByID(ctx, id)
}

// Authenticate checks the password for email. Unknown emails and wrong
// passwords return the same error.
func (s *Accounts) Authenticate(ctx context.Context, email, password string) (*Account, error) {
	a, err := s.repo.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return a, nil
}

func (s *Accounts) ChangePassword(ctx context.Context, id uuid.UUID, current, next string) error {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(current)); err != nil {
		return ErrInvalidCredentials
	}
	if len(next) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.repo.UpdatePassword(ctx, id, string(hash), false)
}
