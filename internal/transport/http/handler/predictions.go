package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chem-api/internal/application/prediction"
	"github.com/go-chem-api/internal/domain"
	"github.com/go-chem-api/internal/transport/http/middleware"
	"github.com/go-chi/chi/v5"
)

// PredictionHandler handles structure prediction jobs.
type PredictionHandler struct {
	svc prediction.Service
}

func NewPredictionHandler(svc prediction.Service) *PredictionHandler {
	return &PredictionHandler{svc: svc}
}

// Submit answers 202 with the job; clients poll Get until it is terminal.
func (h *PredictionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req domain.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, err := h.svc.Submit(r.Context(), claims.UserID, req.DomainKey)
	if err != nil {
		httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobEnvelope(job))
}

func (h *PredictionHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	job, err := h.svc.Get(r.Context(), claims.UserID, chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobEnvelope(job))
}

func (h *PredictionHandler) List(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.list(w, r, claims.UserID)
}

// ListForUser is the admin view of another user's jobs.
func (h *PredictionHandler) ListForUser(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, chi.URLParam(r, "id"))
}

func (h *PredictionHandler) list(w http.ResponseWriter, r *http.Request, ownerID string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := h.svc.ListRecent(r.Context(), ownerID, limit)
	if err != nil {
		httpError(w, r, err)
		return
	}
	out := make([]JobEnvelope, len(jobs))
	for i := range jobs {
		out[i] = toJobEnvelope(&jobs[i])
	}
	writeJSON(w, http.StatusOK, JobListEnvelope{Data: out, Count: len(out)})
}
