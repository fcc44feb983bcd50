package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dtroode/vaultkeeper-server/internal/logger"
	"github.com/dtroode/vaultkeeper-server/internal/model"
)

// SessionAuthenticator resolves bearer tokens into a user and device.
type SessionAuthenticator interface {
	Authenticate(ctx context.Context, accessToken string) (model.User, model.Device, error)
}

// Authenticate validates bearer tokens and injects the identity into the
// request context.
type Authenticate struct {
	sessions       SessionAuthenticator
	contextManager model.ContextManager
	logger         *logger.Logger
}

// NewAuthenticate creates a new Authenticate middleware instance.
func NewAuthenticate(sessions SessionAuthenticator, contextManager model.ContextManager, logger *logger.Logger) *Authenticate {
	return &Authenticate{sessions: sessions, contextManager: contextManager, logger: logger}
}

// Handle parses the Authorization header, validates the token and forwards
// the request with the user and device IDs in context.
func (m *Authenticate) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			m.unauthorized(w, "missing authorization token")
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == "" {
			m.unauthorized(w, "missing authorization token")
			return
		}

		user, device, err := m.sessions.Authenticate(r.Context(), tokenString)
		if err != nil {
			m.logger.Debug("authentication failed", "error", err.Error())
			m.unauthorized(w, "invalid authorization token")
			return
		}

		ctx := m.contextManager.SetUserIDToContext(r.Context(), user.ID)
		ctx = m.contextManager.SetDeviceIDToContext(ctx, device.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Authenticate) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             "invalid_token",
		"error_description": message,
	})
}
