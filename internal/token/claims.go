package token

import (
	"github.com/golang-jwt/jwt/v5"
)

// AuthMethod records how a session was first established.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodSso      AuthMethod = "sso"
)

// LoginClaims is the access token issued to a logged in device.
type LoginClaims struct {
	jwt.RegisteredClaims
	Premium       bool     `json:"premium"`
	Name          string   `json:"name"`
	Email         string   `json:"email"`
	EmailVerified bool     `json:"email_verified"`
	SecurityStamp string   `json:"sstamp"`
	Device        string   `json:"device"`
	Scope         []string `json:"scope"`
	// AMR lists the authentication methods used, per RFC 8176.
	AMR []string `json:"amr"`
}

// TokenKind says what kind of provider token a TokenWrapper carries.
type TokenKind string

const (
	// TokenKindRefresh is a real refresh token from the identity provider.
	TokenKindRefresh TokenKind = "refresh"
	// TokenKindAccess is a provider access token used in place of a
	// refresh token when the provider did not issue one.
	TokenKindAccess TokenKind = "access"
)

// TokenWrapper carries an identity provider token inside one of our refresh
// tokens so an SSO session can be renewed against the provider.
type TokenWrapper struct {
	Kind  TokenKind `json:"kind"`
	Token string    `json:"token"`
}

// RefreshClaims is the refresh token for SSO sessions. Subject holds the
// auth method so the refresh path knows whether to go back to the provider.
type RefreshClaims struct {
	jwt.RegisteredClaims
	DeviceToken string        `json:"device_token"`
	Token       *TokenWrapper `json:"token,omitempty"`
}
