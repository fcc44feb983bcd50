package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dtroode/vaultkeeper-server/internal/duo"
	"github.com/dtroode/vaultkeeper-server/internal/model"
	"github.com/dtroode/vaultkeeper-server/internal/service"
	"github.com/dtroode/vaultkeeper-server/internal/sso"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorResponse(code, description string) map[string]any {
	return map[string]any{
		"error":             code,
		"error_description": description,
		"ErrorModel": map[string]any{
			"Message": description,
			"Object":  "error",
		},
	}
}

// twoFactorPayload is the error body the clients expect when a second
// factor is still missing. Provider keys are stringified type numbers.
func twoFactorPayload(required *service.TwoFactorRequiredError) map[string]any {
	providers := make([]int, 0, len(required.Providers))
	providers2 := make(map[string]any, len(required.Providers))
	for t, data := range required.Providers {
		providers = append(providers, int(t))
		providers2[strconv.Itoa(int(t))] = data
	}
	return map[string]any{
		"error":               "invalid_grant",
		"error_description":   "Two factor required.",
		"TwoFactorProviders":  providers,
		"TwoFactorProviders2": providers2,
	}
}

func handleError(w http.ResponseWriter, err error) {
	var required *service.TwoFactorRequiredError
	if errors.As(err, &required) {
		writeJSON(w, http.StatusBadRequest, twoFactorPayload(required))
		return
	}

	var rateLimited *model.RateLimitError
	if errors.As(err, &rateLimited) {
		w.Header().Set("Retry-After", strconv.Itoa(int(rateLimited.RetryAfter.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, errorResponse("rate_limited", "Too many requests. Try again later."))
		return
	}

	switch {
	case errors.Is(err, model.ErrInvalidCredentials):
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_grant", "Username or password is incorrect. Try again."))
	case errors.Is(err, model.ErrUserDisabled):
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_grant", "This user has been disabled."))
	case errors.Is(err, model.ErrOtpInvalid):
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_grant", "Invalid verification code."))
	case errors.Is(err, model.ErrOtpExpired):
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_grant", "Verification code is no longer valid. Request a new one."))
	case errors.Is(err, duo.ErrInvalidResponse),
		errors.Is(err, duo.ErrUnhealthy),
		errors.Is(err, sso.ErrInvalidState),
		errors.Is(err, sso.ErrClaims),
		errors.Is(err, model.ErrClaimMismatch):
		// Provider failures the client can trigger all collapse to one
		// generic message.
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_grant", "Two-step login could not be validated. Try again."))
	case errors.Is(err, model.ErrTransport):
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_grant", "Login provider is unavailable. Try again later."))
	case errors.Is(err, model.ErrTokenInvalid),
		errors.Is(err, model.ErrTokenExpired),
		errors.Is(err, model.ErrTokenNotYetValid),
		errors.Is(err, model.ErrTokenIssuer),
		errors.Is(err, model.ErrTokenAudience):
		writeJSON(w, http.StatusUnauthorized, errorResponse("invalid_token", "Token is invalid or expired."))
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse("not_found", "Resource not found."))
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse("server_error", "Internal server error."))
	}
}
