// Package intake runs a submitted intake through planning, the audit log,
// roster cache invalidation and event publication.
package intake

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"careplan-service/internal/audit"
	"careplan-service/internal/careplan"
	"careplan-service/internal/events"
	"careplan-service/internal/patient"
	"careplan-service/internal/platform/metrics"
)

// Patients is the slice of the roster service the workflow needs.
type Patients interface {
	Get(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
	RecordIntake(ctx context.Context, id uuid.UUID, level careplan.TriageLevel, at time.Time) error
	InvalidateRoster(ctx context.Context) error
}

type Publisher interface {
	Publish(e events.Event) bool
}

type StatusRecorder interface {
	Record(err error)
}

// Dependencies are injected once at startup. Everything except Patients
// and Audit may be nil.
type Dependencies struct {
	Patients     Patients
	Audit        audit.Recorder
	Events       Publisher
	Remote       careplan.Planner
	Heuristic    *careplan.Heuristic
	RemoteStatus StatusRecorder
	AuditStatus  StatusRecorder
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

type Options struct {
	Mode careplan.Mode
}

// Submission is the caller's raw intake.
type Submission struct {
	Symptoms []string        `json:"symptoms"`
	Vitals   careplan.Vitals `json:"vitals"`
	Tone     string          `json:"tone,omitempty"`
}

// Result is returned for a COMPLETE intake.
type Result struct {
	ID          uuid.UUID         `json:"intake_id"`
	PatientID   uuid.UUID         `json:"patient_id"`
	CarePlan    careplan.CarePlan `json:"care_plan"`
	PlannerPath careplan.Path     `json:"planner_path"`
	AuditID     uuid.UUID         `json:"audit_id"`
	CompletedAt time.Time         `json:"completed_at"`
	States      []State           `json:"-"`
}

type Service interface {
	Submit(ctx context.Context, patientID uuid.UUID, in Submission) (*Result, error)
}

type service struct {
	deps Dependencies
	mode careplan.Mode
	now  func() time.Time
}

func NewService(deps Dependencies, opts Options) Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Heuristic == nil {
		h := careplan.NewHeuristic()
		deps.Heuristic = &h
	}
	mode := opts.Mode
	if mode == "" {
		mode = careplan.ModeRemoteFirst
	}
	return &service{deps: deps, mode: mode, now: time.Now}
}

// Submit validates the intake and drives it to COMPLETE or ABORTED. Once
// the audit record is being written the remaining steps run to completion
// even if the caller goes away.
func (s *service) Submit(ctx context.Context, patientID uuid.UUID, in Submission) (*Result, error) {
	req, err := careplan.NewIntakeRequest(patientID, in.Symptoms, in.Vitals, in.Tone)
	if err != nil {
		s.deps.Metrics.IntakeFinished("none", "rejected")
		return nil, &Error{Kind: KindValidation, Op: "validate", Err: err}
	}
	if _, err := s.deps.Patients.Get(ctx, patientID); err != nil {
		s.deps.Metrics.IntakeFinished("none", "rejected")
		if errors.Is(err, patient.ErrNotFound) {
			return nil, &Error{Kind: KindNotFound, Op: "load patient", Err: err}
		}
		return nil, &Error{Kind: KindPersistence, Op: "load patient", Err: err}
	}

	r := newRun(patientID, s.deps.Logger)
	r.advance(StatePlanning)
	plan, path := s.plan(ctx, r, req)
	r.advance(StatePlanReady)

	ctx = context.WithoutCancel(ctx)
	r.advance(StatePersisting)
	record := audit.NewRecord(req, plan, path, s.now())
	err = s.deps.Audit.Append(ctx, record)
	if s.deps.AuditStatus != nil {
		s.deps.AuditStatus.Record(err)
	}
	if err != nil {
		return nil, s.abort(r, path, &Error{Kind: KindPersistence, Op: "append audit record", Err: err})
	}
	if err := s.deps.Patients.RecordIntake(ctx, patientID, plan.TriageLevel, record.CreatedAt); err != nil {
		kind := KindPersistence
		if errors.Is(err, patient.ErrNotFound) {
			kind = KindNotFound
		}
		return nil, s.abort(r, path, &Error{Kind: kind, Op: "update roster", Err: err})
	}

	r.advance(StateInvalidating)
	if err := s.deps.Patients.InvalidateRoster(ctx); err != nil {
		return nil, s.abort(r, path, &Error{Kind: KindCacheInvalidation, Op: "invalidate roster", Err: err})
	}

	r.advance(StatePublishing)
	if s.deps.Events != nil {
		s.deps.Events.Publish(completedEvent(req, plan, path, record.ID))
	}

	r.advance(StateComplete)
	s.deps.Metrics.IntakeFinished(string(path), "complete")
	r.logger.Info("intake complete",
		zap.String("triage_level", string(plan.TriageLevel)),
		zap.String("planner_path", string(path)),
		zap.String("audit_id", record.ID.String()))

	return &Result{
		ID:          r.ID,
		PatientID:   patientID,
		CarePlan:    plan,
		PlannerPath: path,
		AuditID:     record.ID,
		CompletedAt: s.now().UTC(),
		States:      r.History(),
	}, nil
}

// plan is the single place that chooses between the remote planner and the
// heuristic. It cannot fail.
func (s *service) plan(ctx context.Context, r *run, req careplan.IntakeRequest) (careplan.CarePlan, careplan.Path) {
	if s.mode == careplan.ModeRemoteFirst && s.deps.Remote != nil {
		plan, err := s.deps.Remote.GeneratePlan(ctx, req)
		if err == nil {
			s.recordRemote(nil)
			return plan, careplan.PathRemote
		}
		if !careplan.IsDisabled(err) {
			s.recordRemote(err)
			r.logger.Warn("remote planner unavailable, using heuristic", zap.Error(err))
		}
		r.advance(StateFallback)
	}
	return s.deps.Heuristic.Plan(req.Symptoms, req.Vitals, req.Tone), careplan.PathHeuristic
}

func (s *service) recordRemote(err error) {
	if s.deps.RemoteStatus != nil {
		s.deps.RemoteStatus.Record(err)
	}
}

func (s *service) abort(r *run, path careplan.Path, err *Error) error {
	r.advance(StateAborted)
	s.deps.Metrics.IntakeFinished(string(path), "aborted")
	r.logger.Error("intake aborted", zap.String("op", err.Op), zap.String("kind", string(err.Kind)), zap.Error(err.Err))
	return err
}

func completedEvent(req careplan.IntakeRequest, plan careplan.CarePlan, path careplan.Path, auditID uuid.UUID) events.Event {
	return events.New(events.IntakeCompleted, req.PatientID, map[string]string{
		"audit_id":        auditID.String(),
		"triage_level":    string(plan.TriageLevel),
		"planner_path":    string(path),
		"symptoms":        strings.Join(req.Symptoms, ", "),
		"suggested_tests": strings.Join(plan.SuggestedTests, ", "),
		"summary":         plan.Summary,
	})
}
