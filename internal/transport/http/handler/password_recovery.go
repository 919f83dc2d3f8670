package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chem-api/internal/application/auth"
	"github.com/go-chi/chi/v5"
)

// PasswordRecoveryHandler handles the public password recovery flow.
type PasswordRecoveryHandler struct {
	svc auth.Service
}

func NewPasswordRecoveryHandler(svc auth.Service) *PasswordRecoveryHandler {
	return &PasswordRecoveryHandler{svc: svc}
}

func (h *PasswordRecoveryHandler) Action(w http.ResponseWriter, r *http.Request) {
	switch chi.URLParam(r, "action") {
	case "request":
		var req auth.PasswordRecoveryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := h.svc.RequestPasswordRecovery(r.Context(), req); err != nil {
			httpError(w, r, err)
			return
		}
		// Same answer whether or not the account exists.
		writeJSON(w, http.StatusAccepted, MessageEnvelope{Message: "if the account exists a code was sent"})
	case "validate-code":
		var req auth.ResetPasswordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		result, err := h.svc.ResetPassword(r.Context(), req)
		if err != nil {
			httpError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAuthEnvelope(result))
	default:
		writeError(w, http.StatusNotFound, "unknown action")
	}
}
