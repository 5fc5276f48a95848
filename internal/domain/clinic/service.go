package clinic

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Service struct {
	repo     Repository
	settings SettingsRepository
}

func NewService(repo Repository, settings SettingsRepository) *Service {
	return &Service{repo: repo, settings: settings}
}

// Repo exposes the underlying repository to collaborating services that
// write clinics inside their own transactions.
func (s *Service) Repo() Repository { return s.repo }

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, status Status, limit, offset int) ([]*Clinic, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, fmt.Errorf("unknown status %q", status)
	}
	return s.repo.List(ctx, status, limit, offset)
}

func (s *Service) Settings(ctx context.Context, clinicID uuid.UUID) ([]*Setting, error) {
	return s.settings.List(ctx, clinicID)
}

// ApplyDefaultSettings writes the default configuration for a clinic. It
// attempts every key and reports the first failure.
func (s *Service) ApplyDefaultSettings(ctx context.Context, clinicID uuid.UUID) error {
	var firstErr error
	for key, value := range DefaultSettings() {
		if err := s.settings.Upsert(ctx, clinicID, key, value); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("setting %s: %w", key, err)
		}
	}
	return firstErr
}
