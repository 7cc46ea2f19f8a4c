// Package audit is the append-only log of completed intakes.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"careplan-service/internal/careplan"
)

// ErrAppendOnly is returned when a record with an existing ID is appended.
var ErrAppendOnly = errors.New("audit: record already exists")

// Record is an immutable snapshot of one intake and the plan it produced.
type Record struct {
	ID             uuid.UUID            `json:"id"`
	PatientID      uuid.UUID            `json:"patient_id"`
	Symptoms       []string             `json:"symptoms"`
	Vitals         careplan.Vitals      `json:"vitals"`
	Tone           careplan.Tone        `json:"tone"`
	TriageLevel    careplan.TriageLevel `json:"triage_level"`
	SuggestedTests []string             `json:"suggested_tests"`
	Summary        string               `json:"summary"`
	PlannerPath    careplan.Path        `json:"planner_path"`
	CreatedAt      time.Time            `json:"created_at"`
}

// NewRecord stamps a fresh ID and time onto the intake outcome.
func NewRecord(req careplan.IntakeRequest, plan careplan.CarePlan, path careplan.Path, now time.Time) Record {
	return Record{
		ID:             uuid.New(),
		PatientID:      req.PatientID,
		Symptoms:       append([]string(nil), req.Symptoms...),
		Vitals:         req.Vitals,
		Tone:           req.Tone,
		TriageLevel:    plan.TriageLevel,
		SuggestedTests: append([]string(nil), plan.SuggestedTests...),
		Summary:        plan.Summary,
		PlannerPath:    path,
		CreatedAt:      now.UTC(),
	}
}

// Recorder persists records. Append either stores the whole record or
// returns an error; it never updates or deletes.
type Recorder interface {
	Append(ctx context.Context, r Record) error
	Ping(ctx context.Context) error
}

// MemoryRecorder keeps records in process. It backs memory:// deployments and
// tests.
type MemoryRecorder struct {
	mu      sync.Mutex
	records []Record
	ids     map[uuid.UUID]struct{}
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{ids: make(map[uuid.UUID]struct{})}
}

func (m *MemoryRecorder) Append(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.ids[r.ID]; dup {
		return ErrAppendOnly
	}
	m.ids[r.ID] = struct{}{}
	m.records = append(m.records, r)
	return nil
}

func (m *MemoryRecorder) Ping(context.Context) error { return nil }

// Records returns a copy of everything appended so far, oldest first.
func (m *MemoryRecorder) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}
