package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/dtroode/vaultkeeper-server/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

// Leeway is the clock skew tolerated when validating exp and nbf.
const Leeway = 30 * time.Second

// Codec signs and validates the server's own session tokens with symmetric
// HMAC. Tokens from external providers are handled by their clients.
type Codec struct {
	secret []byte
	domain string
}

// NewCodec creates a codec signing with secret. domain is the public origin
// of this server and becomes the issuer prefix of every token.
func NewCodec(secret, domain string) *Codec {
	return &Codec{secret: []byte(secret), domain: domain}
}

// LoginIssuer is the issuer of access tokens.
func (c *Codec) LoginIssuer() string { return c.domain + "|login" }

// SsoIssuer is the issuer of SSO refresh tokens.
func (c *Codec) SsoIssuer() string { return c.domain + "|sso" }

// Encode signs claims with HS256.
func (c *Codec) Encode(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Decode parses tokenString into claims, checking the signature, the time
// claims with Leeway and, when issuer is non-empty, the iss claim. Failures
// map onto the model token errors.
func (c *Codec) Decode(tokenString string, claims jwt.Claims, issuer string) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(Leeway),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, opts...)
	if err != nil {
		return MapError(err)
	}
	if !parsed.Valid {
		return model.ErrTokenInvalid
	}
	return nil
}

// MapError translates golang-jwt validation errors onto the model token
// errors. Unknown failures collapse into ErrTokenInvalid.
func MapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return model.ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return model.ErrTokenNotYetValid
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return model.ErrTokenIssuer
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return model.ErrTokenAudience
	default:
		return fmt.Errorf("%w: %s", model.ErrTokenInvalid, err)
	}
}
