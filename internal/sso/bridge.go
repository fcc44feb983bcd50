package sso

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dtroode/vaultkeeper-server/internal/config"
	"github.com/dtroode/vaultkeeper-server/internal/crypto"
	"github.com/dtroode/vaultkeeper-server/internal/logger"
	"github.com/dtroode/vaultkeeper-server/internal/model"
)

const nonceLength = 64

// AuthenticatedUser is the outcome of a completed provider exchange. It is
// cached on the auth record so a repeated exchange for the same state does
// not hit the provider again, then redeemed once for session tokens.
type AuthenticatedUser struct {
	Identifier    string  `json:"identifier"`
	Email         string  `json:"email"`
	EmailVerified bool    `json:"email_verified"`
	UserName      *string `json:"user_name"`
	AccessToken   string  `json:"access_token"`
	RefreshToken  string  `json:"refresh_token"`
	ExpiresIn     int64   `json:"expires_in"`
}

// UserInformation is the identity subset returned from an exchange, enough
// to route the login into the 2FA flow without exposing provider tokens.
type UserInformation struct {
	State         string
	Identifier    string
	Email         string
	EmailVerified bool
	UserName      *string
}

// Bridge drives the SSO login flow against the configured provider.
type Bridge struct {
	cfg     config.SSO
	clients *ClientCache
	auths   model.SsoAuthStore
	logger  *logger.Logger
}

// NewBridge creates a bridge using clients and persisting flow state in auths.
func NewBridge(cfg config.SSO, clients *ClientCache, auths model.SsoAuthStore, l *logger.Logger) *Bridge {
	return &Bridge{
		cfg:     cfg,
		clients: clients,
		auths:   auths,
		logger:  l,
	}
}

// Enabled reports whether SSO login is configured.
func (b *Bridge) Enabled() bool { return b.cfg.Enabled }

// ChallengeS256 derives the PKCE S256 challenge for a verifier.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// AuthorizeURL starts a login: it persists the flow under state and returns
// the provider redirect. clientChallenge is the PKCE challenge chosen by
// the client.
func (b *Bridge) AuthorizeURL(ctx context.Context, state, clientChallenge, redirectURI string) (string, error) {
	client, err := b.clients.Get(ctx)
	if err != nil {
		return "", err
	}

	nonce, err := crypto.AlphanumToken(nonceLength)
	if err != nil {
		return "", err
	}

	err = b.auths.Create(ctx, model.SsoAuth{
		State:           state,
		Nonce:           nonce,
		ClientChallenge: clientChallenge,
		RedirectURI:     redirectURI,
		ExpiresAt:       time.Now().Add(b.cfg.AuthTTL),
	})
	if err != nil {
		return "", fmt.Errorf("failed to save sso auth: %w", err)
	}

	return client.AuthorizeURL(redirectURI, state, nonce, clientChallenge), nil
}

// CallbackCode records the authorization code delivered to the redirect
// endpoint so the client can finish the login from the token endpoint.
func (b *Bridge) CallbackCode(ctx context.Context, state, code string) error {
	auth, err := b.auths.GetByState(ctx, state)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return ErrInvalidState
		}
		return err
	}
	if auth.Expired(time.Now()) {
		return ErrInvalidState
	}

	auth.Code = &code
	if err := b.auths.Update(ctx, auth); err != nil {
		return fmt.Errorf("failed to store sso code: %w", err)
	}
	return nil
}

// ExchangeCode completes the provider leg of a login. The first call for a
// state exchanges the code and caches the outcome on the record; later
// calls (a login needing 2FA retries the grant) are served from the cache.
// verifier is the client's PKCE verifier.
func (b *Bridge) ExchangeCode(ctx context.Context, state, verifier string) (UserInformation, error) {
	auth, err := b.auths.GetByState(ctx, state)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return UserInformation{}, ErrInvalidState
		}
		return UserInformation{}, err
	}
	if auth.Expired(time.Now()) {
		return UserInformation{}, ErrInvalidState
	}

	if auth.AuthResponse != nil {
		var au AuthenticatedUser
		if err := json.Unmarshal(auth.AuthResponse, &au); err != nil {
			return UserInformation{}, fmt.Errorf("failed to decode cached auth response: %w", err)
		}
		return userInformation(state, au), nil
	}

	if auth.Code == nil {
		return UserInformation{}, ErrInvalidState
	}

	// With PKCE the provider checks the verifier against the challenge we
	// forwarded. Without it the check is ours to make.
	if !b.cfg.PKCE {
		if !crypto.ConstantTimeEq(ChallengeS256(verifier), auth.ClientChallenge) {
			return UserInformation{}, fmt.Errorf("%w: code verifier mismatch", ErrInvalidState)
		}
	}

	client, err := b.clients.Get(ctx)
	if err != nil {
		return UserInformation{}, err
	}

	tr, err := client.ExchangeCode(ctx, *auth.Code, verifier, auth.RedirectURI)
	if err != nil {
		return UserInformation{}, err
	}
	if b.cfg.DebugTokens {
		b.logger.Debug("sso token response",
			"state", state,
			"access_token", tr.AccessToken,
			"id_token", tr.IDToken,
			"refresh_token", tr.RefreshToken)
	}
	if tr.IDToken == "" {
		return UserInformation{}, fmt.Errorf("%w: token response did not contain an id_token", ErrClaims)
	}

	idClaims, err := client.ValidateIDToken(tr.IDToken, auth.Nonce)
	if err != nil {
		// A claim failure right after key rotation at the provider heals
		// once the key set is refetched.
		b.clients.Invalidate()
		return UserInformation{}, err
	}

	userInfo, err := client.UserInfo(ctx, tr.AccessToken)
	if err != nil {
		return UserInformation{}, err
	}

	email := idClaims.Email
	if email == "" {
		email = userInfo.Email
	}
	if email == "" {
		return UserInformation{}, fmt.Errorf("%w: neither id token nor userinfo contained an email", ErrClaims)
	}
	email = strings.ToLower(email)

	var userName *string
	if userInfo.PreferredUsername != "" {
		userName = &userInfo.PreferredUsername
	}

	if tr.RefreshToken == "" && strings.Contains(b.cfg.Scopes, "offline_access") {
		b.logger.Error("scope offline_access is present but response contains no refresh_token")
	}

	au := AuthenticatedUser{
		Identifier:    idClaims.Issuer + "/" + idClaims.Subject,
		Email:         email,
		EmailVerified: idClaims.EmailVerified,
		UserName:      userName,
		AccessToken:   tr.AccessToken,
		RefreshToken:  tr.RefreshToken,
		ExpiresIn:     tr.ExpiresIn,
	}

	raw, err := json.Marshal(au)
	if err != nil {
		return UserInformation{}, fmt.Errorf("failed to encode auth response: %w", err)
	}
	auth.AuthResponse = raw
	if err := b.auths.Update(ctx, auth); err != nil {
		return UserInformation{}, fmt.Errorf("failed to cache auth response: %w", err)
	}

	return userInformation(state, au), nil
}

func userInformation(state string, au AuthenticatedUser) UserInformation {
	return UserInformation{
		State:         state,
		Identifier:    au.Identifier,
		Email:         au.Email,
		EmailVerified: au.EmailVerified,
		UserName:      au.UserName,
	}
}

// Redeem hands out the provider tokens for a completed exchange exactly
// once and deletes the flow record.
func (b *Bridge) Redeem(ctx context.Context, state string) (AuthenticatedUser, error) {
	auth, err := b.auths.GetByState(ctx, state)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return AuthenticatedUser{}, ErrInvalidState
		}
		return AuthenticatedUser{}, err
	}
	if auth.AuthResponse == nil {
		return AuthenticatedUser{}, ErrInvalidState
	}

	var au AuthenticatedUser
	if err := json.Unmarshal(auth.AuthResponse, &au); err != nil {
		return AuthenticatedUser{}, fmt.Errorf("failed to decode cached auth response: %w", err)
	}

	if err := b.auths.Delete(ctx, state); err != nil {
		b.logger.Error("failed to delete sso auth", "state", state, "error", err)
	}

	return au, nil
}

// RefreshTokens renews provider tokens for a session holding a real
// refresh token and returns the rolled pair.
func (b *Bridge) RefreshTokens(ctx context.Context, refreshToken string) (TokenResponse, error) {
	client, err := b.clients.Get(ctx)
	if err != nil {
		return TokenResponse{}, err
	}

	tr, err := client.ExchangeRefreshToken(ctx, refreshToken)
	if err != nil {
		return TokenResponse{}, err
	}
	if tr.RefreshToken == "" {
		tr.RefreshToken = refreshToken
	}
	return tr, nil
}

// CheckAccessToken verifies a provider access token is still accepted, for
// sessions renewing without a refresh token.
func (b *Bridge) CheckAccessToken(ctx context.Context, accessToken string) error {
	client, err := b.clients.Get(ctx)
	if err != nil {
		return err
	}
	if _, err := client.UserInfo(ctx, accessToken); err != nil {
		return fmt.Errorf("access token no longer valid: %w", err)
	}
	return nil
}

// PurgeExpired removes flow records whose login never finished.
func (b *Bridge) PurgeExpired(ctx context.Context) {
	n, err := b.auths.DeleteExpired(ctx)
	if err != nil {
		b.logger.Error("failed to purge sso auths", "error", err)
		return
	}
	if n > 0 {
		b.logger.Debug("purged sso auths", "count", n)
	}
}
