package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"careplan-service/internal/platform/database"
)

// SQLRecorder appends to the intake_audit table. Updates and deletes are
// rejected by triggers installed with the schema.
type SQLRecorder struct {
	db *database.DB
}

func NewSQLRecorder(db *database.DB) *SQLRecorder {
	return &SQLRecorder{db: db}
}

func (s *SQLRecorder) Append(ctx context.Context, r Record) error {
	symptomsJSON, err := json.Marshal(r.Symptoms)
	if err != nil {
		return err
	}
	testsJSON, err := json.Marshal(r.SuggestedTests)
	if err != nil {
		return err
	}

	query := s.db.Rebind(`
		INSERT INTO intake_audit (id, patient_id, symptoms, temperature_c, heart_rate_bpm,
			systolic_bp_mm_hg, diastolic_bp_mm_hg, tone, triage_level, suggested_tests,
			summary, planner_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = s.db.ExecContext(ctx, query,
		r.ID.String(), r.PatientID.String(), string(symptomsJSON),
		r.Vitals.TemperatureC, r.Vitals.HeartRateBPM, r.Vitals.SystolicBP, r.Vitals.DiastolicBP,
		string(r.Tone), string(r.TriageLevel), string(testsJSON),
		r.Summary, string(r.PlannerPath), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *SQLRecorder) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
