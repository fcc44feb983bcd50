package handler

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dtroode/vaultkeeper-server/internal/logger"
	"github.com/dtroode/vaultkeeper-server/internal/model"
	"github.com/dtroode/vaultkeeper-server/internal/service"
	"github.com/dtroode/vaultkeeper-server/internal/sso"
)

// defaultKdfIterations is reported for unknown accounts so the endpoint
// does not leak which emails exist.
const defaultKdfIterations = 100_000

// Identity serves the token endpoint and the SSO entry points.
type Identity struct {
	sessions *service.SessionIssuer
	sso      *sso.Bridge
	users    model.UserStore
	domain   string
	logger   *logger.Logger
}

// NewIdentity creates a new Identity handler instance.
func NewIdentity(sessions *service.SessionIssuer, ssoBridge *sso.Bridge, users model.UserStore, domain string, logger *logger.Logger) *Identity {
	return &Identity{sessions: sessions, sso: ssoBridge, users: users, domain: domain, logger: logger}
}

// Token handles POST /identity/connect/token for the password,
// refresh_token and authorization_code grants.
func (h *Identity) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_request", "Malformed form body."))
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "password":
		h.passwordGrant(w, r)
	case "refresh_token":
		h.refreshGrant(w, r)
	case "authorization_code":
		h.authorizationCodeGrant(w, r)
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse("unsupported_grant_type", "Invalid grant type."))
	}
}

func (h *Identity) passwordGrant(w http.ResponseWriter, r *http.Request) {
	in := h.loginRequest(r)
	in.Email = r.PostForm.Get("username")
	in.PasswordHash = r.PostForm.Get("password")
	if in.Email == "" || in.PasswordHash == "" || in.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_request", "username, password and device identifier cannot be blank."))
		return
	}

	sess, err := h.sessions.PasswordLogin(r.Context(), in)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

func (h *Identity) refreshGrant(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.PostForm.Get("refresh_token")
	if refreshToken == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_request", "refresh_token cannot be blank."))
		return
	}

	sess, err := h.sessions.RefreshLogin(r.Context(), refreshToken)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

func (h *Identity) authorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	in := h.loginRequest(r)
	in.Code = r.PostForm.Get("code")
	in.CodeVerifier = r.PostForm.Get("code_verifier")
	if in.Code == "" || in.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_request", "code and device identifier cannot be blank."))
		return
	}

	sess, err := h.sessions.SsoLogin(r.Context(), in)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

// loginRequest collects the fields shared by every grant.
func (h *Identity) loginRequest(r *http.Request) service.LoginRequest {
	deviceType, _ := strconv.Atoi(r.PostForm.Get("deviceType"))

	in := service.LoginRequest{
		DeviceID:   r.PostForm.Get("deviceIdentifier"),
		DeviceName: r.PostForm.Get("deviceName"),
		DeviceType: deviceType,
		ClientName: r.PostForm.Get("client_id"),
		IP:         clientIP(r),

		TwoFactorToken:    r.PostForm.Get("twoFactorToken"),
		TwoFactorRemember: r.PostForm.Get("twoFactorRemember") == "1",
	}

	if provider := r.PostForm.Get("twoFactorProvider"); provider != "" {
		if n, err := strconv.Atoi(provider); err == nil {
			t := model.TwoFactorType(n)
			in.TwoFactorProvider = &t
		}
	}

	return in
}

// Prelogin handles POST /identity/accounts/prelogin, telling the client how
// to derive the master key.
func (h *Identity) Prelogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_request", "email cannot be blank."))
		return
	}

	kdf, iterations := 0, defaultKdfIterations
	if user, err := h.users.GetByEmail(r.Context(), body.Email); err == nil {
		kdf, iterations = user.KdfType, user.KdfIterations
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"Kdf":           kdf,
		"KdfIterations": iterations,
	})
}

// SsoAuthorize handles GET /identity/connect/authorize: it persists the
// flow state and redirects the browser to the provider.
func (h *Identity) SsoAuthorize(w http.ResponseWriter, r *http.Request) {
	if h.sso == nil || !h.sso.Enabled() {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_request", "SSO is not configured."))
		return
	}

	state := r.URL.Query().Get("state")
	challenge := r.URL.Query().Get("code_challenge")
	if state == "" || challenge == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_request", "state and code_challenge cannot be blank."))
		return
	}

	authorizeURL, err := h.sso.AuthorizeURL(r.Context(), state, challenge, h.callbackURL())
	if err != nil {
		handleError(w, err)
		return
	}

	http.Redirect(w, r, authorizeURL, http.StatusTemporaryRedirect)
}

// SsoCallback handles the provider redirect: the authorization code is
// stored on the flow record and the browser is sent back to the web vault,
// which finishes the login through the token endpoint.
func (h *Identity) SsoCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_request", "state and code cannot be blank."))
		return
	}

	if err := h.sso.CallbackCode(r.Context(), state, code); err != nil {
		handleError(w, err)
		return
	}

	http.Redirect(w, r, h.domain+"/sso-connector.html?code="+url.QueryEscape(state), http.StatusTemporaryRedirect)
}

func (h *Identity) callbackURL() string {
	return h.domain + "/identity/sso/callback"
}

func sessionResponse(sess service.Session) map[string]any {
	result := map[string]any{
		"access_token":  sess.AccessToken,
		"expires_in":    sess.ExpiresIn,
		"token_type":    "Bearer",
		"refresh_token": sess.RefreshToken,
		"Key":           sess.User.Key,
		"PrivateKey":    sess.User.PrivateKey,

		"Kdf":                 sess.User.KdfType,
		"KdfIterations":       sess.User.KdfIterations,
		"ResetMasterPassword": false,
		"scope":               "api offline_access",
		"unofficialServer":    true,
	}
	if sess.TwoFactorToken != "" {
		result["TwoFactorToken"] = sess.TwoFactorToken
	}
	return result
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}
