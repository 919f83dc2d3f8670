package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chem-api/internal/application/auth"
	"github.com/go-chem-api/internal/transport/http/middleware"
	"github.com/go-chi/chi/v5"
)

// PhoneConfirmHandler handles the phone confirmation flow for signed-in users.
type PhoneConfirmHandler struct {
	svc auth.Service
}

func NewPhoneConfirmHandler(svc auth.Service) *PhoneConfirmHandler {
	return &PhoneConfirmHandler{svc: svc}
}

func (h *PhoneConfirmHandler) Action(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	switch chi.URLParam(r, "action") {
	case "request":
		if err := h.svc.RequestPhoneConfirmation(r.Context(), claims.UserID); err != nil {
			httpError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, MessageEnvelope{Message: "confirmation code sent"})
	case "validate-code":
		var req auth.ValidatePhoneRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := h.svc.ValidatePhoneCode(r.Context(), claims.UserID, req); err != nil {
			httpError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, MessageEnvelope{Message: "phone confirmed"})
	default:
		writeError(w, http.StatusNotFound, "unknown action")
	}
}
