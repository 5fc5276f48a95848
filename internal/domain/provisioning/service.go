// Package provisioning creates clinics and their first administrator.
package provisioning

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/regiflex/regiflex/internal/domain/clinic"
	"github.com/regiflex/regiflex/internal/domain/identity"
	"github.com/regiflex/regiflex/internal/platform/auth"
	"github.com/regiflex/regiflex/internal/platform/db"
	"github.com/regiflex/regiflex/internal/platform/metrics"
	"github.com/regiflex/regiflex/internal/platform/notification"
)

const defaultTrialDays = 15

// Identities creates clinic user identities.
type Identities interface {
	CreateIdentity(ctx context.Context, clinicID uuid.UUID, u identity.NewUser, autoProvisioned, mustChangePassword bool) (*identity.Profile, error)
	HasAutoProvisionedAdmin(ctx context.Context, clinicID uuid.UUID) (bool, error)
}

// SettingsApplier writes a clinic's default configuration.
type SettingsApplier interface {
	ApplyDefaultSettings(ctx context.Context, clinicID uuid.UUID) error
}

// Notifier delivers templated email.
type Notifier interface {
	Send(ctx context.Context, templateID, recipient string, data map[string]string) error
}

type Config struct {
	AppURL    string
	TrialDays int
}

type Service struct {
	clinics    clinic.Repository
	settings   SettingsApplier
	identities Identities
	notifier   Notifier
	tx         db.Transactor
	metrics    *metrics.Collector
	logger     zerolog.Logger

	loginURL  string
	trialDays int
	now       func() time.Time
	password  func() (string, error)
}

func NewService(clinics clinic.Repository, settings SettingsApplier, identities Identities, notifier Notifier,
	tx db.Transactor, m *metrics.Collector, logger zerolog.Logger, cfg Config) *Service {
	days := cfg.TrialDays
	if days <= 0 {
		days = defaultTrialDays
	}
	return &Service{
		clinics:    clinics,
		settings:   settings,
		identities: identities,
		notifier:   notifier,
		tx:         tx,
		metrics:    m,
		logger:     logger.With().Str("component", "provisioning").Logger(),
		loginURL:   strings.TrimRight(cfg.AppURL, "/") + "/login",
		trialDays:  days,
		now:        time.Now,
		password:   GeneratePassword,
	}
}

// Provision creates a clinic on trial together with its administrator. The
// clinic row and the administrator identity commit together; default
// settings and the welcome email are best-effort and never fail the call.
func (s *Service) Provision(ctx context.Context, ci ClinicInfo, ai AdminInfo, plan string) (*Result, error) {
	plan = NormalizePlan(plan)
	if v := Validate(ci, ai, plan); len(v) > 0 {
		s.metrics.RecordProvisioning("clinic", "invalid")
		return nil, &ValidationError{Violations: v}
	}

	password, err := s.password()
	if err != nil {
		s.metrics.RecordProvisioning("clinic", "failed")
		return nil, newProvisioningError(StepPassword, err)
	}

	trialEnds := s.now().UTC().AddDate(0, 0, s.trialDays)
	c := &clinic.Clinic{
		Name:        strings.TrimSpace(ci.Name),
		Email:       strings.ToLower(strings.TrimSpace(ci.Email)),
		Phone:       clinic.StrPtr(strings.TrimSpace(ci.Phone)),
		TaxID:       clinic.StrPtr(strings.TrimSpace(ci.TaxID)),
		Address:     clinic.StrPtr(strings.TrimSpace(ci.Address)),
		Plan:        plan,
		Status:      clinic.StatusTrial,
		TrialEndsAt: &trialEnds,
	}

	var admin *identity.Profile
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.clinics.Create(ctx, c); err != nil {
			return newProvisioningError(StepClinic, err)
		}
		p, err := s.identities.CreateIdentity(ctx, c.ID, newAdmin(ai, password), true, true)
		if err != nil {
			return identityError(err)
		}
		admin = p
		return nil
	})
	if err != nil {
		var pe *ProvisioningError
		if !errors.As(err, &pe) {
			pe = newProvisioningError(StepCommit, err)
		}
		s.metrics.RecordProvisioning("clinic", "failed")
		s.logger.Error().Err(pe.Err).Str("step", pe.Step).Str("clinic_email", c.Email).Msg("provisioning failed")
		return nil, pe
	}

	s.applySettings(ctx, c.ID)
	res := s.result(c, admin, password)
	s.SendWelcome(ctx, res)

	s.metrics.RecordProvisioning("clinic", "ok")
	s.logger.Info().Str("clinic_id", c.ID.String()).Str("admin_id", admin.ID.String()).Str("plan", plan).Msg("clinic provisioned")
	return res, nil
}

// ProvisionAdmin gives an existing clinic its auto-provisioned administrator.
// It runs inside the caller's transaction and returns nil, nil when the
// clinic already has one. The welcome email is left to the caller, to be
// sent once the transaction commits.
func (s *Service) ProvisionAdmin(ctx context.Context, c *clinic.Clinic, ai AdminInfo) (*Result, error) {
	exists, err := s.identities.HasAutoProvisionedAdmin(ctx, c.ID)
	if err != nil {
		return nil, newProvisioningError(StepAdminLookup, err)
	}
	if exists {
		return nil, nil
	}
	if v := validateAdmin(ai); len(v) > 0 {
		s.metrics.RecordProvisioning("admin", "invalid")
		return nil, &ValidationError{Violations: v}
	}

	password, err := s.password()
	if err != nil {
		return nil, newProvisioningError(StepPassword, err)
	}

	var admin *identity.Profile
	err = db.Savepoint(ctx, func(ctx context.Context) error {
		var err error
		admin, err = s.identities.CreateIdentity(ctx, c.ID, newAdmin(ai, password), true, true)
		return err
	})
	if errors.Is(err, identity.ErrAdminExists) {
		// Lost a race with a concurrent activation.
		return nil, nil
	}
	if err != nil {
		s.metrics.RecordProvisioning("admin", "failed")
		return nil, identityError(err)
	}

	s.applySettings(ctx, c.ID)
	s.metrics.RecordProvisioning("admin", "ok")
	s.logger.Info().Str("clinic_id", c.ID.String()).Str("admin_id", admin.ID.String()).Msg("administrator provisioned")
	return s.result(c, admin, password), nil
}

// SendWelcome emails the administrator their sign-in details. Failures are
// logged only.
func (s *Service) SendWelcome(ctx context.Context, res *Result) {
	if res == nil || s.notifier == nil {
		return
	}
	err := s.notifier.Send(ctx, notification.TemplateWelcomeAdmin, res.Credentials.Email, map[string]string{
		"clinic_name":   res.Clinic.Name,
		"admin_name":    res.Admin.FullName,
		"admin_email":   res.Credentials.Email,
		"login_url":     res.LoginURL,
		"temp_password": res.Credentials.TempPassword,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("clinic_id", res.Clinic.ID.String()).Msg("welcome email not sent")
	}
}

func (s *Service) applySettings(ctx context.Context, clinicID uuid.UUID) {
	if s.settings == nil {
		return
	}
	err := db.Savepoint(ctx, func(ctx context.Context) error {
		return s.settings.ApplyDefaultSettings(ctx, clinicID)
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("clinic_id", clinicID.String()).Msg("default settings not applied")
	}
}

func (s *Service) result(c *clinic.Clinic, admin *identity.Profile, password string) *Result {
	return &Result{
		Clinic:      c,
		Admin:       admin,
		LoginURL:    s.loginURL,
		Credentials: Credentials{Email: admin.Email, TempPassword: password},
	}
}

func newAdmin(ai AdminInfo, password string) identity.NewUser {
	return identity.NewUser{
		Email:    strings.ToLower(strings.TrimSpace(ai.Email)),
		FullName: strings.TrimSpace(ai.FullName),
		Username: strings.TrimSpace(ai.Username),
		Role:     auth.RoleAdmin,
		Password: password,
	}
}

func identityError(err error) *ProvisioningError {
	step := StepAuthAccount
	var ce *identity.CreateError
	if errors.As(err, &ce) && ce.Step == identity.StepProfile {
		step = StepProfile
	}
	return newProvisioningError(step, err)
}
