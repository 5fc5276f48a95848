package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/regiflex/regiflex/internal/platform/auth"
	"github.com/regiflex/regiflex/internal/platform/db"
)

type Service struct {
	profiles ProfileRepository
	accounts *auth.Accounts
	issuer   *auth.Issuer
	tx       db.Transactor
}

func NewService(profiles ProfileRepository, accounts *auth.Accounts, issuer *auth.Issuer, tx db.Transactor) *Service {
	return &Service{profiles: profiles, accounts: accounts, issuer: issuer, tx: tx}
}

// ValidateNewUser lists every problem with u.
func ValidateNewUser(u NewUser) []string {
	var problems []string
	if strings.TrimSpace(u.FullName) == "" {
		problems = append(problems, "full_name is required")
	}
	switch {
	case strings.TrimSpace(u.Email) == "":
		problems = append(problems, "email is required")
	case !ValidEmail(strings.TrimSpace(u.Email)):
		problems = append(problems, "email is invalid")
	}
	if !ValidRole(u.Role) {
		problems = append(problems, fmt.Sprintf("role must be one of %s, %s, %s", auth.RoleAdmin, auth.RoleProfessional, auth.RoleReceptionist))
	}
	if len(u.Password) < 8 {
		problems = append(problems, "password must be at least 8 characters")
	}
	return problems
}

// CreateIdentity creates an auth account and its clinic profile. When the
// profile write fails the account is deleted again, so no orphan account
// survives a failed creation. Callers own the surrounding transaction.
func (s *Service) CreateIdentity(ctx context.Context, clinicID uuid.UUID, u NewUser, autoProvisioned, mustChangePassword bool) (*Profile, error) {
	email := strings.ToLower(strings.TrimSpace(u.Email))
	username := strings.TrimSpace(u.Username)
	if username == "" {
		username = UsernameFromEmail(email)
	}

	acct, err := s.accounts.Create(ctx, email, u.Password, map[string]interface{}{
		"clinic_id": clinicID.String(),
		"full_name": u.FullName,
		"role":      u.Role,
	}, mustChangePassword)
	if err != nil {
		return nil, &CreateError{Step: StepAuthAccount, Err: err}
	}

	p := &Profile{
		AuthUserID:      acct.ID,
		ClinicID:        clinicID,
		Username:        username,
		Email:           email,
		FullName:        strings.TrimSpace(u.FullName),
		Role:            u.Role,
		Active:          true,
		AutoProvisioned: autoProvisioned,
	}
	err = db.Savepoint(ctx, func(ctx context.Context) error {
		return s.profiles.Create(ctx, p)
	})
	if err != nil {
		if derr := s.accounts.Delete(ctx, acct.ID); derr != nil {
			err = fmt.Errorf("%w (account cleanup failed: %v)", err, derr)
		}
		return nil, &CreateError{Step: StepProfile, Err: err}
	}
	return p, nil
}

// CreateUser adds a user to a clinic on behalf of its administrator. The new
// user must change the initial password on first login.
func (s *Service) CreateUser(ctx context.Context, clinicID uuid.UUID, u NewUser) (*Profile, error) {
	if problems := ValidateNewUser(u); len(problems) > 0 {
		return nil, fmt.Errorf("invalid user: %s", strings.Join(problems, "; "))
	}
	var p *Profile
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.CreateIdentity(ctx, clinicID, u, false, true)
		return err
	})
	return p, err
}

func (s *Service) GetUser(ctx context.Context, clinicID, id uuid.UUID) (*Profile, error) {
	return s.profiles.GetByID(ctx, clinicID, id)
}

func (s *Service) ListUsers(ctx context.Context, clinicID uuid.UUID, limit, offset int) ([]*Profile, int, error) {
	return s.profiles.ListByClinic(ctx, clinicID, limit, offset)
}

func (s *Service) HasAutoProvisionedAdmin(ctx context.Context, clinicID uuid.UUID) (bool, error) {
	return s.profiles.HasAutoProvisionedAdmin(ctx, clinicID)
}

// Login checks credentials and issues a token. Platform operators get a
// token bound to no clinic; clinic users get their profile's clinic and role.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	acct, err := s.accounts.Authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}

	res := &LoginResult{UserID: acct.ID, MustChangePassword: acct.MustChangePassword}
	if role := acct.PlatformRole(); role != "" {
		res.Roles = []string{role}
	} else {
		p, err := s.profiles.GetByAuthUserID(ctx, acct.ID)
		if errors.Is(err, ErrProfileNotFound) {
			return nil, auth.ErrInvalidCredentials
		}
		if err != nil {
			return nil, err
		}
		if !p.Active {
			return nil, ErrInactive
		}
		res.ClinicID = p.ClinicID.String()
		res.Roles = []string{p.Role}
	}

	token, expires, err := s.issuer.Issue(acct.ID.String(), res.ClinicID, res.Roles)
	if err != nil {
		return nil, err
	}
	res.Token, res.ExpiresAt = token, expires
	return res, nil
}

func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, current, next string) error {
	return s.accounts.ChangePassword(ctx, userID, current, next)
}
