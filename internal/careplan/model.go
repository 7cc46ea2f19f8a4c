package careplan

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// TriageLevel is the urgency classification attached to a CarePlan.
type TriageLevel string

const (
	Routine  TriageLevel = "routine"
	Urgent   TriageLevel = "urgent"
	Emergent TriageLevel = "emergent"
)

func (t TriageLevel) rank() int {
	switch t {
	case Emergent:
		return 2
	case Urgent:
		return 1
	default:
		return 0
	}
}

// Valid reports whether t is one of the three known levels.
func (t TriageLevel) Valid() bool {
	return t == Routine || t == Urgent || t == Emergent
}

// ParseTriageLevel accepts the canonical names plus the "emergency" synonym
// some remote models answer with.
func ParseTriageLevel(s string) (TriageLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "emergent", "emergency":
		return Emergent, true
	case "urgent":
		return Urgent, true
	case "routine":
		return Routine, true
	}
	return "", false
}

// maxLevel never averages down: the more severe level wins.
func maxLevel(levels ...TriageLevel) TriageLevel {
	out := Routine
	for _, l := range levels {
		if l.rank() > out.rank() {
			out = l
		}
	}
	return out
}

// Tone only selects narrative wording.
type Tone string

const (
	ToneNeutral       Tone = "neutral"
	ToneCompassionate Tone = "compassionate"
	ToneConfident     Tone = "confident"
	ToneReassuring    Tone = "reassuring"
)

// ParseTone maps an optional hint to a known tone. Unknown or empty hints
// fall back to neutral; tone is never a reason to reject an intake.
func ParseTone(s string) Tone {
	switch Tone(strings.ToLower(strings.TrimSpace(s))) {
	case ToneCompassionate:
		return ToneCompassionate
	case ToneConfident:
		return ToneConfident
	case ToneReassuring:
		return ToneReassuring
	default:
		return ToneNeutral
	}
}

// Path identifies which planner produced a CarePlan.
type Path string

const (
	PathRemote    Path = "remote"
	PathHeuristic Path = "heuristic"
)

// Mode selects how the orchestrator chooses between planners.
type Mode string

const (
	ModeRemoteFirst   Mode = "remote-first"
	ModeHeuristicOnly Mode = "heuristic-only"
)

// ParseMode returns the mode for s, defaulting to remote-first.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeRemoteFirst:
		return ModeRemoteFirst, nil
	case ModeHeuristicOnly, "heuristic":
		return ModeHeuristicOnly, nil
	}
	return "", fmt.Errorf("unknown planner mode %q", s)
}

// Vitals are expected in metric units. A zero field means "not measured".
type Vitals struct {
	TemperatureC float64 `json:"temperature_c" bson:"temperature_c"`
	HeartRateBPM float64 `json:"heart_rate_bpm" bson:"heart_rate_bpm"`
	SystolicBP   float64 `json:"systolic_bp_mm_hg" bson:"systolic_bp_mm_hg"`
	DiastolicBP  float64 `json:"diastolic_bp_mm_hg" bson:"diastolic_bp_mm_hg"`
}

// IntakeRequest is an accepted, normalized intake submission. Build it with
// NewIntakeRequest; the zero value is not valid.
type IntakeRequest struct {
	PatientID uuid.UUID
	Symptoms  []string
	Vitals    Vitals
	Tone      Tone
}

// CarePlan is produced once per IntakeRequest and never mutated.
type CarePlan struct {
	TriageLevel    TriageLevel `json:"triage_level"`
	SuggestedTests []string    `json:"suggested_tests"`
	Summary        string      `json:"summary"`
}

// ValidationError describes malformed intake input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Accepted physiological ranges; values outside are treated as entry errors.
var vitalBounds = []struct {
	field    string
	min, max float64
	get      func(Vitals) float64
}{
	{"vitals.temperature_c", 30, 45, func(v Vitals) float64 { return v.TemperatureC }},
	{"vitals.heart_rate_bpm", 30, 240, func(v Vitals) float64 { return v.HeartRateBPM }},
	{"vitals.systolic_bp_mm_hg", 50, 250, func(v Vitals) float64 { return v.SystolicBP }},
	{"vitals.diastolic_bp_mm_hg", 30, 200, func(v Vitals) float64 { return v.DiastolicBP }},
}

// NewIntakeRequest normalizes and validates a submission.
func NewIntakeRequest(patientID uuid.UUID, symptoms []string, vitals Vitals, tone string) (IntakeRequest, error) {
	if patientID == uuid.Nil {
		return IntakeRequest{}, &ValidationError{Field: "patient_id", Reason: "is required"}
	}
	normalized := NormalizeSymptoms(symptoms)
	if len(normalized) == 0 {
		return IntakeRequest{}, &ValidationError{Field: "symptoms", Reason: "at least one symptom is required"}
	}
	if err := ValidateVitals(vitals); err != nil {
		return IntakeRequest{}, err
	}
	return IntakeRequest{
		PatientID: patientID,
		Symptoms:  normalized,
		Vitals:    vitals,
		Tone:      ParseTone(tone),
	}, nil
}

// ValidateVitals checks every vital is present and within bounds.
func ValidateVitals(v Vitals) error {
	for _, b := range vitalBounds {
		x := b.get(v)
		if x == 0 {
			return &ValidationError{Field: b.field, Reason: "is required"}
		}
		if x < b.min || x > b.max {
			return &ValidationError{Field: b.field, Reason: fmt.Sprintf("%.1f outside %.0f-%.0f", x, b.min, b.max)}
		}
	}
	return nil
}

// NormalizeSymptoms lowercases, collapses whitespace, drops empties and
// duplicates while keeping first-seen order.
func NormalizeSymptoms(symptoms []string) []string {
	out := make([]string, 0, len(symptoms))
	seen := make(map[string]struct{}, len(symptoms))
	for _, s := range symptoms {
		n := strings.Join(strings.Fields(strings.ToLower(s)), " ")
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
