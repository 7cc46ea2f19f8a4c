package careplan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type completerFunc func(ctx context.Context, system, prompt string) (string, error)

func (f completerFunc) Complete(ctx context.Context, system, prompt string) (string, error) {
	return f(ctx, system, prompt)
}

func intake(t *testing.T) IntakeRequest {
	t.Helper()
	req, err := NewIntakeRequest(testPatientID, []string{"chest pain"}, normalVitals, "confident")
	require.NoError(t, err)
	return req
}

func TestRemoteDisabled(t *testing.T) {
	_, err := NewRemote(nil, time.Second, nil).GeneratePlan(context.Background(), intake(t))

	require.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsDisabled(err))
}

func TestRemoteSuccess(t *testing.T) {
	var gotPrompt string
	c := completerFunc(func(_ context.Context, _, prompt string) (string, error) {
		gotPrompt = prompt
		return "```json\n{\"triage_level\": \"Emergency\", \"suggested_tests\": [\"ECG\", \" \", \"Troponin\"], \"summary\": \"Escalate.\"}\n```", nil
	})

	plan, err := NewRemote(c, time.Second, nil).GeneratePlan(context.Background(), intake(t))
	require.NoError(t, err)

	assert.Equal(t, Emergent, plan.TriageLevel)
	assert.Equal(t, []string{"ECG", "Troponin"}, plan.SuggestedTests)
	assert.Equal(t, "Escalate.", plan.Summary)
	assert.Contains(t, gotPrompt, "chest pain")
	assert.Contains(t, gotPrompt, "confident")
}

func TestRemoteTimeout(t *testing.T) {
	c := completerFunc(func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	started := time.Now()
	_, err := NewRemote(c, 20*time.Millisecond, nil).GeneratePlan(context.Background(), intake(t))

	require.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, IsDisabled(err))
	assert.Less(t, time.Since(started), time.Second)
	assert.Contains(t, err.Error(), "timed out")
}

func TestRemoteCallFailure(t *testing.T) {
	c := completerFunc(func(context.Context, string, string) (string, error) {
		return "", errors.New("connection refused")
	})

	_, err := NewRemote(c, time.Second, nil).GeneratePlan(context.Background(), intake(t))
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestParseRemotePlanRejectsContractViolations(t *testing.T) {
	bad := map[string]string{
		"no json":         "Triage: urgent. Tests: ECG.",
		"broken json":     `{"triage_level": "urgent", `,
		"unknown level":   `{"triage_level": "critical", "suggested_tests": ["ECG"], "summary": "x"}`,
		"no tests":        `{"triage_level": "urgent", "suggested_tests": [], "summary": "x"}`,
		"blank summary":   `{"triage_level": "urgent", "suggested_tests": ["ECG"], "summary": "  "}`,
		"wrong test type": `{"triage_level": "urgent", "suggested_tests": "ECG", "summary": "x"}`,
	}
	for name, text := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRemotePlan(text)
			assert.Error(t, err)
		})
	}
}

func TestRemoteMalformedResponseIsUnavailable(t *testing.T) {
	c := completerFunc(func(context.Context, string, string) (string, error) {
		return "I am not able to help with that.", nil
	})

	_, err := NewRemote(c, time.Second, nil).GeneratePlan(context.Background(), intake(t))
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "contract violation")
}
