package health

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	agg *Aggregator
}

func NewHandler(agg *Aggregator) *Handler {
	return &Handler{agg: agg}
}

// Live answers as long as the process serves HTTP.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) Integrations(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.agg.Snapshot())
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Get("/health", h.Live)
	r.Get("/health/integrations", h.Integrations)
}
