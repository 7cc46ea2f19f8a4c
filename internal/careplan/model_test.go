package careplan

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPatientID = uuid.MustParse("6f1c2b8e-3d4a-4f5b-9c6d-7e8f9a0b1c2d")

func TestNormalizeSymptoms(t *testing.T) {
	got := NormalizeSymptoms([]string{"  Chest   Pain", "", "chest pain", "COUGH\t", "   "})
	assert.Equal(t, []string{"chest pain", "cough"}, got)
}

func TestNewIntakeRequestValidation(t *testing.T) {
	tests := []struct {
		name      string
		patient   uuid.UUID
		symptoms  []string
		vitals    Vitals
		wantField string
	}{
		{"missing patient", uuid.Nil, []string{"cough"}, normalVitals, "patient_id"},
		{"no symptoms", testPatientID, []string{" ", ""}, normalVitals, "symptoms"},
		{"missing heart rate", testPatientID, []string{"cough"}, Vitals{TemperatureC: 37, SystolicBP: 120, DiastolicBP: 80}, "vitals.heart_rate_bpm"},
		{"negative temperature", testPatientID, []string{"cough"}, Vitals{TemperatureC: -1, HeartRateBPM: 70, SystolicBP: 120, DiastolicBP: 80}, "vitals.temperature_c"},
		{"diastolic out of range", testPatientID, []string{"cough"}, Vitals{TemperatureC: 37, HeartRateBPM: 70, SystolicBP: 120, DiastolicBP: 250}, "vitals.diastolic_bp_mm_hg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewIntakeRequest(tt.patient, tt.symptoms, tt.vitals, "")
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

func TestNewIntakeRequestNormalizes(t *testing.T) {
	req, err := NewIntakeRequest(testPatientID, []string{"Chest Pain", "chest  pain", "Cough"}, normalVitals, "Compassionate")
	require.NoError(t, err)
	assert.Equal(t, []string{"chest pain", "cough"}, req.Symptoms)
	assert.Equal(t, ToneCompassionate, req.Tone)
}

func TestParseTriageLevel(t *testing.T) {
	for in, want := range map[string]TriageLevel{
		"emergent": Emergent, "Emergency": Emergent, " URGENT ": Urgent, "routine": Routine,
	} {
		got, ok := ParseTriageLevel(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseTriageLevel("critical")
	assert.False(t, ok)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeRemoteFirst, m)

	m, err = ParseMode("heuristic-only")
	require.NoError(t, err)
	assert.Equal(t, ModeHeuristicOnly, m)

	_, err = ParseMode("random")
	assert.Error(t, err)
}
