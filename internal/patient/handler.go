package patient

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"careplan-service/internal/cache"
	"careplan-service/internal/careplan"
)

type Handler struct {
	svc Service
}

// maxBodyBytes caps patient payloads.
const maxBodyBytes = 1 << 20

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, kind := http.StatusInternalServerError, "persistence"
	var verr *careplan.ValidationError
	var inv *cache.InvalidationError
	switch {
	case errors.As(err, &verr):
		status, kind = http.StatusBadRequest, "validation"
	case errors.Is(err, ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.As(err, &inv):
		status, kind = http.StatusServiceUnavailable, "cache_invalidation"
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind})
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, &careplan.ValidationError{Field: "id", Reason: "is not a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &careplan.ValidationError{Field: name, Reason: "is not an integer"}
	}
	return n, nil
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, err)
		return
	}
	patients, err := h.svc.List(r.Context(), Page{Limit: limit, Offset: offset})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, patients)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	p, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var d Draft
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&d); err != nil {
		writeError(w, &careplan.ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}
	p, err := h.svc.Create(r.Context(), d)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var d Draft
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&d); err != nil {
		writeError(w, &careplan.ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}
	p, err := h.svc.Update(r.Context(), id, d)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Get("/patients", h.List)
	r.Post("/patients", h.Create)
	r.Get("/patients/{id}", h.Get)
	r.Put("/patients/{id}", h.Update)
}
