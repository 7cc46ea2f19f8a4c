package intake

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"careplan-service/internal/careplan"
)

type Handler struct {
	svc Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  Kind   `json:"kind"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	if kind == "" {
		kind = KindPersistence
	}
	resp := errorResponse{Error: err.Error(), Kind: kind}
	var verr *careplan.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	writeJSON(w, kind.HTTPStatus(), resp)
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	patientID, err := uuid.Parse(chi.URLParam(r, "patientID"))
	if err != nil {
		writeError(w, &Error{Kind: KindValidation, Op: "parse patient id",
			Err: &careplan.ValidationError{Field: "patient_id", Reason: "is not a UUID"}})
		return
	}

	var in Submission
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&in); err != nil {
		writeError(w, &Error{Kind: KindValidation, Op: "decode body",
			Err: &careplan.ValidationError{Field: "body", Reason: "invalid JSON"}})
		return
	}

	res, err := h.svc.Submit(r.Context(), patientID, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/intake/{patientID}", h.Submit)
}
