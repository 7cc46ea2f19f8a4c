// Package patient owns the roster: its storage, its cached read path and
// the HTTP handlers that create and edit entries.
package patient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"careplan-service/internal/cache"
	"careplan-service/internal/careplan"
	"careplan-service/internal/events"
)

// RosterNamespace groups every cached roster view.
const RosterNamespace = "roster"

// Cache is the read-through roster cache.
type Cache interface {
	Get(ctx context.Context, namespace, key string, load cache.Loader) ([]byte, error)
	Invalidate(ctx context.Context, namespace string, keys ...string) error
}

// Publisher accepts domain events without blocking.
type Publisher interface {
	Publish(e events.Event) bool
}

type Service interface {
	List(ctx context.Context, page Page) ([]Patient, error)
	Get(ctx context.Context, id uuid.UUID) (*Patient, error)
	Create(ctx context.Context, d Draft) (*Patient, error)
	Update(ctx context.Context, id uuid.UUID, d Draft) (*Patient, error)
	RecordIntake(ctx context.Context, id uuid.UUID, level careplan.TriageLevel, at time.Time) error
	InvalidateRoster(ctx context.Context) error
}

type service struct {
	repo   Repository
	cache  Cache
	events Publisher
	logger *zap.Logger
	now    func() time.Time
}

func NewService(repo Repository, c Cache, pub Publisher, logger *zap.Logger) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{
		repo:   repo,
		cache:  c,
		events: pub,
		logger: logger,
		now:    time.Now,
	}
}

func (s *service) List(ctx context.Context, page Page) ([]Patient, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	raw, err := s.cache.Get(ctx, RosterNamespace, page.CacheKey(), func(ctx context.Context) ([]byte, error) {
		patients, err := s.repo.List(ctx, page)
		if err != nil {
			return nil, err
		}
		return json.Marshal(patients)
	})
	if err != nil {
		return nil, err
	}
	var out []Patient
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode roster snapshot: %w", err)
	}
	return out, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

// Create stores the patient, retires every cached roster view and only then
// returns, so the caller's next list read includes the new entry.
func (s *service) Create(ctx context.Context, d Draft) (*Patient, error) {
	now := s.now().UTC()
	d, err := d.Normalize(now)
	if err != nil {
		return nil, err
	}
	p := &Patient{
		ID:               uuid.New(),
		Name:             d.Name,
		DateOfBirth:      d.DateOfBirth,
		Allergies:        d.Allergies,
		ActiveConditions: d.ActiveConditions,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create patient: %w", err)
	}
	// The row is committed; a caller hanging up must not leave the roster stale.
	ctx = context.WithoutCancel(ctx)
	if err := s.InvalidateRoster(ctx); err != nil {
		return nil, err
	}

	if s.events != nil {
		s.events.Publish(events.New(events.PatientCreated, p.ID, map[string]string{"name": p.Name}))
	}
	s.logger.Info("patient created", zap.String("patient_id", p.ID.String()))
	return p, nil
}

func (s *service) Update(ctx context.Context, id uuid.UUID, d Draft) (*Patient, error) {
	now := s.now().UTC()
	d, err := d.Normalize(now)
	if err != nil {
		return nil, err
	}
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Name = d.Name
	p.DateOfBirth = d.DateOfBirth
	p.Allergies = d.Allergies
	p.ActiveConditions = d.ActiveConditions
	p.UpdatedAt = now
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("update patient: %w", err)
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.InvalidateRoster(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// RecordIntake stamps the latest triage on the roster entry. Callers must
// invalidate the roster afterwards.
func (s *service) RecordIntake(ctx context.Context, id uuid.UUID, level careplan.TriageLevel, at time.Time) error {
	return s.repo.RecordIntake(ctx, id, level, at.UTC())
}

// InvalidateRoster retires all cached roster views. The unpaginated view is
// also deleted outright.
func (s *service) InvalidateRoster(ctx context.Context) error {
	return s.cache.Invalidate(ctx, RosterNamespace, Page{}.CacheKey())
}
