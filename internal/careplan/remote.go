package careplan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultRemoteTimeout bounds a remote planning call when none is configured.
const DefaultRemoteTimeout = 10 * time.Second

// Completer is the text-completion backend behind the remote planner.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Remote asks an external model for a plan. A nil completer means the remote
// path is disabled by configuration.
type Remote struct {
	completer Completer
	timeout   time.Duration
	logger    *zap.Logger
}

func NewRemote(c Completer, timeout time.Duration, logger *zap.Logger) *Remote {
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remote{completer: c, timeout: timeout, logger: logger}
}

// Enabled reports whether a backend is configured.
func (r *Remote) Enabled() bool {
	return r != nil && r.completer != nil
}

const systemPrompt = "You are a clinical triage assistant generating concise care plans. " +
	"Answer with a single JSON object and nothing else."

// GeneratePlan implements Planner. Every failure is an *UnavailableError.
func (r *Remote) GeneratePlan(ctx context.Context, req IntakeRequest) (CarePlan, error) {
	if !r.Enabled() {
		return CarePlan{}, &UnavailableError{Reason: "disabled via configuration", Disabled: true}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()
	text, err := r.completer.Complete(callCtx, systemPrompt, FormatPrompt(req))
	if err != nil {
		reason := "call failed"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			reason = fmt.Sprintf("timed out after %s", r.timeout)
		}
		return CarePlan{}, &UnavailableError{Reason: reason, Err: err}
	}

	plan, err := ParseRemotePlan(text)
	if err != nil {
		return CarePlan{}, &UnavailableError{Reason: "contract violation", Err: err}
	}
	r.logger.Debug("remote plan generated",
		zap.String("triage_level", string(plan.TriageLevel)),
		zap.Duration("elapsed", time.Since(started)))
	return plan, nil
}

// FormatPrompt renders the intake for the remote model.
func FormatPrompt(req IntakeRequest) string {
	v := req.Vitals
	return fmt.Sprintf(
		"Provide a triage level (one of emergent, urgent, routine), a list of recommended diagnostic tests, "+
			"and a short summary written in a %s tone. "+
			`Respond as {"triage_level": "...", "suggested_tests": ["..."], "summary": "..."}. `+
			"Patient symptoms: %s. Vitals: Temp %.1fC, HR %.0f bpm, BP %.0f/%.0f.",
		req.Tone, strings.Join(req.Symptoms, ", "), v.TemperatureC, v.HeartRateBPM, v.SystolicBP, v.DiastolicBP,
	)
}

type remotePlan struct {
	TriageLevel    string   `json:"triage_level"`
	SuggestedTests []string `json:"suggested_tests"`
	Summary        string   `json:"summary"`
}

// ParseRemotePlan extracts and validates the JSON object in a model answer.
// Anything short of a complete plan is rejected.
func ParseRemotePlan(text string) (CarePlan, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return CarePlan{}, errors.New("no JSON object in response")
	}

	var raw remotePlan
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return CarePlan{}, fmt.Errorf("decode plan: %w", err)
	}

	level, ok := ParseTriageLevel(raw.TriageLevel)
	if !ok {
		return CarePlan{}, fmt.Errorf("unknown triage level %q", raw.TriageLevel)
	}
	tests := make([]string, 0, len(raw.SuggestedTests))
	for _, t := range raw.SuggestedTests {
		if t = strings.TrimSpace(t); t != "" {
			tests = append(tests, t)
		}
	}
	if len(tests) == 0 {
		return CarePlan{}, errors.New("no suggested tests")
	}
	summary := strings.TrimSpace(raw.Summary)
	if summary == "" {
		return CarePlan{}, errors.New("empty summary")
	}
	return CarePlan{TriageLevel: level, SuggestedTests: tests, Summary: summary}, nil
}
