package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careplan-service/internal/cache"
	"careplan-service/internal/careplan"
	"careplan-service/internal/events"
)

func route(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		RegisterRoutes(r, NewHandler(svc))
	})
	return r
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, &buf))
	return rec
}

func TestSubmitHandler(t *testing.T) {
	f := newFixture()
	h := route(f.service(nil, careplan.ModeRemoteFirst))

	rec := post(t, h, "/api/intake/"+f.patientID.String(), Submission{
		Symptoms: []string{"chest pain"},
		Vitals:   careplan.Vitals{TemperatureC: 37, HeartRateBPM: 130, SystolicBP: 120, DiastolicBP: 80},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		PatientID   uuid.UUID         `json:"patient_id"`
		CarePlan    careplan.CarePlan `json:"care_plan"`
		PlannerPath careplan.Path     `json:"planner_path"`
		AuditID     uuid.UUID         `json:"audit_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, f.patientID, body.PatientID)
	assert.Equal(t, careplan.Emergent, body.CarePlan.TriageLevel)
	assert.Equal(t, careplan.PathHeuristic, body.PlannerPath)
	assert.Equal(t, f.audit.Records()[0].ID, body.AuditID)
}

func TestSubmitHandlerErrors(t *testing.T) {
	f := newFixture()
	h := route(f.service(nil, careplan.ModeRemoteFirst))
	valid := Submission{Symptoms: []string{"cough"}, Vitals: normalVitals}

	tests := []struct {
		name  string
		path  string
		body  any
		code  int
		kind  Kind
		field string
	}{
		{"bad id", "/api/intake/123", valid, http.StatusBadRequest, KindValidation, "patient_id"},
		{"bad json", "/api/intake/" + f.patientID.String(), "{", http.StatusBadRequest, KindValidation, "body"},
		{"no symptoms", "/api/intake/" + f.patientID.String(), Submission{Vitals: normalVitals}, http.StatusBadRequest, KindValidation, "symptoms"},
		{"unknown patient", "/api/intake/" + uuid.NewString(), valid, http.StatusNotFound, KindNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, h, tt.path, tt.body)
			assert.Equal(t, tt.code, rec.Code)
			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.kind, resp.Kind)
			assert.Equal(t, tt.field, resp.Field)
		})
	}
}

func TestSubmitHandlerInvalidationFailure(t *testing.T) {
	f := newFixture()
	f.patients.invalidateErr = &cache.InvalidationError{Namespace: "roster", Attempts: 3, Err: errors.New("redis down")}
	h := route(f.service(nil, careplan.ModeRemoteFirst))

	rec := post(t, h, "/api/intake/"+f.patientID.String(), Submission{Symptoms: []string{"cough"}, Vitals: normalVitals})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitHandlerSucceedsDuringBusOutage(t *testing.T) {
	f := newFixture()
	pub := events.NewPublisher(events.Config{Enabled: true, Attempts: 2}, []events.Sink{failingSink{}})
	defer pub.Close(context.Background())
	h := route(NewService(Dependencies{Patients: f.patients, Audit: f.audit, Events: pub}, Options{}))

	for i := 0; i < 3; i++ {
		rec := post(t, h, "/api/intake/"+f.patientID.String(), Submission{Symptoms: []string{"cough"}, Vitals: normalVitals})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	assert.Len(t, f.audit.Records(), 3)
	assert.Equal(t, 3, f.patients.invalidations)
}

func TestKindHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, KindValidation.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, KindNotFound.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindPersistence.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, KindCacheInvalidation.HTTPStatus())
}
