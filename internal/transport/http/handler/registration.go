package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chem-api/internal/application/registration"
	"github.com/go-chem-api/internal/domain"
)

// RegistrationHandler exposes the two signup steps.
type RegistrationHandler struct {
	svc registration.Service
}

func NewRegistrationHandler(svc registration.Service) *RegistrationHandler {
	return &RegistrationHandler{svc: svc}
}

// Begin stages the profile and sends the verification code. Nothing is
// persisted durably until Verify succeeds.
func (h *RegistrationHandler) Begin(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := h.svc.Begin(r.Context(), req)
	if err != nil {
		httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *RegistrationHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req registration.CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := h.svc.Complete(r.Context(), req)
	if err != nil {
		httpError(w, r, err)
		return
	}
	if result.Bearer == "" {
		writeJSON(w, http.StatusCreated, MessageEnvelope{Message: "account created; log in to continue"})
		return
	}
	writeJSON(w, http.StatusCreated, toAuthEnvelope(result))
}
