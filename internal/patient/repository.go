package patient

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"careplan-service/internal/careplan"
	"careplan-service/internal/platform/database"
)

var ErrNotFound = errors.New("patient not found")

type Repository interface {
	Create(ctx context.Context, p *Patient) error
	Update(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	List(ctx context.Context, page Page) ([]Patient, error)
	RecordIntake(ctx context.Context, id uuid.UUID, level careplan.TriageLevel, at time.Time) error
	Ping(ctx context.Context) error
}

type sqlRepo struct {
	db *database.DB
}

func NewRepository(db *database.DB) Repository {
	return &sqlRepo{db: db}
}

const selectColumns = `SELECT id, name, date_of_birth, allergies, active_conditions,
	last_triage_level, last_intake_at, created_at, updated_at FROM patients`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPatient(row rowScanner) (*Patient, error) {
	var (
		p                            Patient
		allergiesJSON, conditionJSON []byte
		lastLevel                    sql.NullString
		lastIntake                   sql.NullTime
	)
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.DateOfBirth,
		&allergiesJSON,
		&conditionJSON,
		&lastLevel,
		&lastIntake,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(allergiesJSON) > 0 {
		if err := json.Unmarshal(allergiesJSON, &p.Allergies); err != nil {
			return nil, fmt.Errorf("failed to unmarshal allergies: %w", err)
		}
	}
	if len(conditionJSON) > 0 {
		if err := json.Unmarshal(conditionJSON, &p.ActiveConditions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conditions: %w", err)
		}
	}
	if lastLevel.Valid {
		p.LastTriageLevel = careplan.TriageLevel(lastLevel.String)
	}
	if lastIntake.Valid {
		t := lastIntake.Time.UTC()
		p.LastIntakeAt = &t
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (r *sqlRepo) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(selectColumns+` WHERE id = ?`), id.String())
	p, err := scanPatient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *sqlRepo) List(ctx context.Context, page Page) ([]Patient, error) {
	query := selectColumns + ` ORDER BY created_at, id`
	var args []any
	if page.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, page.Limit, page.Offset)
	} else if page.Offset > 0 {
		// SQLite requires a LIMIT before OFFSET; -1 means no limit there and
		// postgres accepts LIMIT ALL.
		if r.db.Dialect == database.Postgres {
			query += ` LIMIT ALL OFFSET ?`
		} else {
			query += ` LIMIT -1 OFFSET ?`
		}
		args = append(args, page.Offset)
	}

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Patient, 0)
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *sqlRepo) Create(ctx context.Context, p *Patient) error {
	allergiesJSON, err := json.Marshal(nonNil(p.Allergies))
	if err != nil {
		return err
	}
	conditionsJSON, err := json.Marshal(nonNil(p.ActiveConditions))
	if err != nil {
		return err
	}

	query := r.db.Rebind(`
		INSERT INTO patients (id, name, date_of_birth, allergies, active_conditions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = r.db.ExecContext(ctx, query,
		p.ID.String(), p.Name, p.DateOfBirth, string(allergiesJSON), string(conditionsJSON), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *sqlRepo) Update(ctx context.Context, p *Patient) error {
	allergiesJSON, err := json.Marshal(nonNil(p.Allergies))
	if err != nil {
		return err
	}
	conditionsJSON, err := json.Marshal(nonNil(p.ActiveConditions))
	if err != nil {
		return err
	}

	query := r.db.Rebind(`
		UPDATE patients SET name = ?, date_of_birth = ?, allergies = ?, active_conditions = ?, updated_at = ?
		WHERE id = ?
	`)
	res, err := r.db.ExecContext(ctx, query,
		p.Name, p.DateOfBirth, string(allergiesJSON), string(conditionsJSON), p.UpdatedAt, p.ID.String())
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *sqlRepo) RecordIntake(ctx context.Context, id uuid.UUID, level careplan.TriageLevel, at time.Time) error {
	query := r.db.Rebind(`
		UPDATE patients SET last_triage_level = ?, last_intake_at = ?, updated_at = ?
		WHERE id = ?
	`)
	res, err := r.db.ExecContext(ctx, query, string(level), at, at, id.String())
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *sqlRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
