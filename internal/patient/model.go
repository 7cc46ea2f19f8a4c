package patient

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"careplan-service/internal/careplan"
)

const dateLayout = "2006-01-02"

// Patient is a roster entry. LastTriageLevel and LastIntakeAt are set by
// completed intakes only.
type Patient struct {
	ID               uuid.UUID            `json:"id"`
	Name             string               `json:"name"`
	DateOfBirth      string               `json:"date_of_birth"`
	Allergies        []string             `json:"allergies"`
	ActiveConditions []string             `json:"active_conditions"`
	LastTriageLevel  careplan.TriageLevel `json:"last_triage_level,omitempty"`
	LastIntakeAt     *time.Time           `json:"last_intake_at,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// Draft is the caller-editable part of a Patient.
type Draft struct {
	Name             string   `json:"name"`
	DateOfBirth      string   `json:"date_of_birth"`
	Allergies        []string `json:"allergies"`
	ActiveConditions []string `json:"active_conditions"`
}

// Normalize trims fields and validates them against today's date.
func (d Draft) Normalize(now time.Time) (Draft, error) {
	out := Draft{
		Name:             strings.Join(strings.Fields(d.Name), " "),
		DateOfBirth:      strings.TrimSpace(d.DateOfBirth),
		Allergies:        cleanList(d.Allergies),
		ActiveConditions: cleanList(d.ActiveConditions),
	}
	if out.Name == "" {
		return Draft{}, &careplan.ValidationError{Field: "name", Reason: "is required"}
	}
	dob, err := time.Parse(dateLayout, out.DateOfBirth)
	if err != nil {
		return Draft{}, &careplan.ValidationError{Field: "date_of_birth", Reason: fmt.Sprintf("%q is not YYYY-MM-DD", d.DateOfBirth)}
	}
	if dob.After(now) {
		return Draft{}, &careplan.ValidationError{Field: "date_of_birth", Reason: "is in the future"}
	}
	return out, nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[strings.ToLower(s)]; dup {
			continue
		}
		seen[strings.ToLower(s)] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Page selects a slice of the roster ordered by creation. A zero Limit means
// the whole roster.
type Page struct {
	Limit  int
	Offset int
}

const MaxPageSize = 200

// CacheKey is the stable id of this view in the roster cache namespace.
func (p Page) CacheKey() string {
	if p.Limit == 0 && p.Offset == 0 {
		return "all"
	}
	return fmt.Sprintf("page:%d:%d", p.Offset, p.Limit)
}

func (p Page) Validate() error {
	if p.Limit < 0 || p.Limit > MaxPageSize {
		return &careplan.ValidationError{Field: "limit", Reason: fmt.Sprintf("must be between 0 and %d", MaxPageSize)}
	}
	if p.Offset < 0 {
		return &careplan.ValidationError{Field: "offset", Reason: "must not be negative"}
	}
	return nil
}
