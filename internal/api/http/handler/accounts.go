package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dtroode/vaultkeeper-server/internal/logger"
	"github.com/dtroode/vaultkeeper-server/internal/model"
	"github.com/dtroode/vaultkeeper-server/internal/service"
)

// Accounts serves the protected action endpoints: sensitive operations ask
// for a one-time code before they run.
type Accounts struct {
	otp            *service.Otp
	sessions       *service.SessionIssuer
	users          model.UserStore
	contextManager model.ContextManager
	logger         *logger.Logger
}

// NewAccounts creates a new Accounts handler instance.
func NewAccounts(otp *service.Otp, sessions *service.SessionIssuer, users model.UserStore, contextManager model.ContextManager, logger *logger.Logger) *Accounts {
	return &Accounts{otp: otp, sessions: sessions, users: users, contextManager: contextManager, logger: logger}
}

// RequestOtp handles POST /api/accounts/request-otp.
func (h *Accounts) RequestOtp(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.contextManager.GetUserIDFromContext(r.Context())
	if !ok {
		handleError(w, model.ErrTokenInvalid)
		return
	}

	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		handleError(w, err)
		return
	}

	if err := h.otp.Request(r.Context(), user, model.OtpPurposeProtectedAction); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// VerifyOtp handles POST /api/accounts/verify-otp. The code is single use.
func (h *Accounts) VerifyOtp(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.contextManager.GetUserIDFromContext(r.Context())
	if !ok {
		handleError(w, model.ErrTokenInvalid)
		return
	}

	var body struct {
		Otp string `json:"otp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_request", "Malformed request body."))
		return
	}

	if err := h.otp.Verify(r.Context(), userID, model.OtpPurposeProtectedAction, body.Otp, true); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			err = model.ErrOtpInvalid
		}
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SecurityStamp handles POST /api/accounts/security-stamp: the master
// password confirms the request, then every open session is revoked.
func (h *Accounts) SecurityStamp(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.contextManager.GetUserIDFromContext(r.Context())
	if !ok {
		handleError(w, model.ErrTokenInvalid)
		return
	}

	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		handleError(w, err)
		return
	}

	var body struct {
		MasterPasswordHash string `json:"masterPasswordHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_request", "Malformed request body."))
		return
	}
	if !checkPassword(user, body.MasterPasswordHash) {
		handleError(w, model.ErrInvalidCredentials)
		return
	}

	if err := h.sessions.RevokeSessions(r.Context(), user); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
