package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dtroode/vaultkeeper-server/internal/crypto"
	"github.com/dtroode/vaultkeeper-server/internal/duo"
	"github.com/dtroode/vaultkeeper-server/internal/logger"
	"github.com/dtroode/vaultkeeper-server/internal/model"
	"github.com/dtroode/vaultkeeper-server/internal/service"
)

// TwoFactor serves the second factor enrollment endpoints.
type TwoFactor struct {
	twoFactor      *service.TwoFactor
	users          model.UserStore
	contextManager model.ContextManager
	appName        string
	logger         *logger.Logger
}

// NewTwoFactor creates a new TwoFactor handler instance.
func NewTwoFactor(twoFactor *service.TwoFactor, users model.UserStore, contextManager model.ContextManager, appName string, logger *logger.Logger) *TwoFactor {
	return &TwoFactor{twoFactor: twoFactor, users: users, contextManager: contextManager, appName: appName, logger: logger}
}

// currentUser loads the authenticated user placed in context by the
// authenticate middleware.
func (h *TwoFactor) currentUser(ctx context.Context) (model.User, error) {
	userID, ok := h.contextManager.GetUserIDFromContext(ctx)
	if !ok {
		return model.User{}, model.ErrTokenInvalid
	}
	return h.users.GetByID(ctx, userID)
}

// checkPassword guards enrollment changes behind the master password.
func checkPassword(user model.User, passwordHash string) bool {
	return crypto.CheckPassword(passwordHash, user.Salt, user.PasswordIterations, user.PasswordHash)
}

// List handles GET /api/two-factor.
func (h *TwoFactor) List(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}

	enabled, err := h.twoFactor.Enabled(r.Context(), user.ID)
	if err != nil {
		handleError(w, err)
		return
	}

	data := make([]map[string]any, 0, len(enabled))
	for _, tf := range enabled {
		data = append(data, map[string]any{
			"Enabled": true,
			"Type":    int(tf.Type),
			"Object":  "twoFactorProvider",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"Data": data, "Object": "list"})
}

// GetAuthenticator handles POST /api/two-factor/get-authenticator. It
// returns a fresh secret for the client to enroll with.
func (h *TwoFactor) GetAuthenticator(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MasterPasswordHash string `json:"masterPasswordHash"`
	}
	user, ok := h.decodeAuthed(w, r, &body)
	if !ok {
		return
	}
	if !checkPassword(user, body.MasterPasswordHash) {
		handleError(w, model.ErrInvalidCredentials)
		return
	}

	secret, uri, err := h.twoFactor.SetupAuthenticator(h.appName, user)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"Enabled": false,
		"Key":     secret,
		"Uri":     uri,
		"Object":  "twoFactorAuthenticator",
	})
}

// PutAuthenticator handles PUT /api/two-factor/authenticator, confirming
// the enrollment with a code for the presented secret.
func (h *TwoFactor) PutAuthenticator(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MasterPasswordHash string `json:"masterPasswordHash"`
		Key                string `json:"key"`
		Token              string `json:"token"`
	}
	user, ok := h.decodeAuthed(w, r, &body)
	if !ok {
		return
	}
	if !checkPassword(user, body.MasterPasswordHash) {
		handleError(w, model.ErrInvalidCredentials)
		return
	}

	if err := h.twoFactor.ActivateAuthenticator(r.Context(), user, body.Key, body.Token); err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"Enabled": true,
		"Key":     body.Key,
		"Object":  "twoFactorAuthenticator",
	})
}

// SendEmail handles POST /api/two-factor/send-email, mailing a verification
// code to the candidate address.
func (h *TwoFactor) SendEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MasterPasswordHash string `json:"masterPasswordHash"`
		Email              string `json:"email"`
	}
	user, ok := h.decodeAuthed(w, r, &body)
	if !ok {
		return
	}
	if !checkPassword(user, body.MasterPasswordHash) {
		handleError(w, model.ErrInvalidCredentials)
		return
	}

	if err := h.twoFactor.SetupEmail(r.Context(), user, body.Email); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// PutEmail handles PUT /api/two-factor/email, confirming the enrollment
// with the mailed code.
func (h *TwoFactor) PutEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MasterPasswordHash string `json:"masterPasswordHash"`
		Email              string `json:"email"`
		Token              string `json:"token"`
	}
	user, ok := h.decodeAuthed(w, r, &body)
	if !ok {
		return
	}
	if !checkPassword(user, body.MasterPasswordHash) {
		handleError(w, model.ErrInvalidCredentials)
		return
	}

	if err := h.twoFactor.ActivateEmail(r.Context(), user, body.Email, body.Token); err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"Enabled": true,
		"Email":   body.Email,
		"Object":  "twoFactorEmail",
	})
}

// PutDuo handles PUT /api/two-factor/duo.
func (h *TwoFactor) PutDuo(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MasterPasswordHash string `json:"masterPasswordHash"`
		Host               string `json:"host"`
		IntegrationKey     string `json:"integrationKey"`
		SecretKey          string `json:"secretKey"`
	}
	user, ok := h.decodeAuthed(w, r, &body)
	if !ok {
		return
	}
	if !checkPassword(user, body.MasterPasswordHash) {
		handleError(w, model.ErrInvalidCredentials)
		return
	}

	data := duo.Data{Host: body.Host, IntegrationKey: body.IntegrationKey, SecretKey: body.SecretKey}
	if err := h.twoFactor.ActivateDuo(r.Context(), user, data); err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"Enabled": true,
		"Host":    body.Host,
		"Object":  "twoFactorDuo",
	})
}

// Disable handles PUT /api/two-factor/disable.
func (h *TwoFactor) Disable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MasterPasswordHash string             `json:"masterPasswordHash"`
		Type               model.TwoFactorType `json:"type"`
	}
	user, ok := h.decodeAuthed(w, r, &body)
	if !ok {
		return
	}
	if !checkPassword(user, body.MasterPasswordHash) {
		handleError(w, model.ErrInvalidCredentials)
		return
	}

	if err := h.twoFactor.Disable(r.Context(), user.ID, body.Type); err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"Enabled": false,
		"Type":    int(body.Type),
		"Object":  "twoFactorProvider",
	})
}

// SendEmailLogin handles POST /identity/two-factor/send-email-login. It is
// unauthenticated: the caller proves identity with the master password.
func (h *TwoFactor) SendEmailLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email              string `json:"email"`
		MasterPasswordHash string `json:"masterPasswordHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_request", "Malformed request body."))
		return
	}

	user, err := h.users.GetByEmail(r.Context(), body.Email)
	if err != nil {
		handleError(w, model.ErrInvalidCredentials)
		return
	}
	if !checkPassword(user, body.MasterPasswordHash) {
		handleError(w, model.ErrInvalidCredentials)
		return
	}

	if err := h.twoFactor.SendEmailLogin(r.Context(), user); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// decodeAuthed loads the authenticated user and decodes the JSON body.
func (h *TwoFactor) decodeAuthed(w http.ResponseWriter, r *http.Request, body any) (model.User, bool) {
	user, err := h.currentUser(r.Context())
	if err != nil {
		handleError(w, err)
		return model.User{}, false
	}
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_request", "Malformed request body."))
		return model.User{}, false
	}
	return user, true
}
