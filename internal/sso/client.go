// Package sso implements login through an external OpenID Connect provider:
// a discovery based client, the authorize/exchange/redeem flow and session
// renewal against the provider.
package sso

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dtroode/vaultkeeper-server/internal/config"
	"github.com/dtroode/vaultkeeper-server/internal/crypto"
	"github.com/dtroode/vaultkeeper-server/internal/model"
	"github.com/dtroode/vaultkeeper-server/internal/token"
)

var (
	// ErrInvalidState indicates an exchange for a state that was never
	// started or already finished.
	ErrInvalidState = errors.New("invalid sso state")
	// ErrClaims indicates the provider's ID token failed validation.
	ErrClaims = errors.New("invalid id token claims")
)

// discoveryDocument is the subset of the provider metadata we use.
type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JwksURI               string `json:"jwks_uri"`
}

type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// TokenResponse is the provider's token endpoint reply.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
}

// IDTokenClaims are the claims we read from the provider's ID token.
type IDTokenClaims struct {
	jwt.RegisteredClaims
	Nonce             string `json:"nonce"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	PreferredUsername string `json:"preferred_username"`
}

// UserInfoClaims are the claims we read from the userinfo endpoint.
type UserInfoClaims struct {
	Subject           string `json:"sub"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	PreferredUsername string `json:"preferred_username"`
}

// Client talks to one OpenID Connect provider. It is built from the
// provider's discovery document and key set, so construction hits the
// network; see ClientCache.
type Client struct {
	cfg         config.SSO
	httpClient  *http.Client
	discovery   discoveryDocument
	keys        map[string]*rsa.PublicKey
	trustedAud  *regexp.Regexp
	extraParams url.Values
}

// Discover fetches the provider metadata and signing keys for cfg.
func Discover(ctx context.Context, cfg config.SSO, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	c := &Client{
		cfg:        cfg,
		httpClient: httpClient,
		keys:       map[string]*rsa.PublicKey{},
	}

	if cfg.AudienceTrusted != "" {
		re, err := regexp.Compile(cfg.AudienceTrusted)
		if err != nil {
			return nil, fmt.Errorf("failed to compile trusted audience pattern: %w", err)
		}
		c.trustedAud = re
	}

	if cfg.AuthorizeExtraParams != "" {
		extra, err := url.ParseQuery(cfg.AuthorizeExtraParams)
		if err != nil {
			return nil, fmt.Errorf("failed to parse extra authorize params: %w", err)
		}
		c.extraParams = extra
	}

	wellKnown := strings.TrimSuffix(cfg.AuthorityURL, "/") + "/.well-known/openid-configuration"
	if err := c.getJSON(ctx, wellKnown, &c.discovery); err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}

	var keySet struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := c.getJSON(ctx, c.discovery.JwksURI, &keySet); err != nil {
		return nil, fmt.Errorf("failed to fetch jwks: %w", err)
	}
	for _, k := range keySet.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := rsaKey(k)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jwk %q: %w", k.Kid, err)
		}
		c.keys[k.Kid] = pub
	}
	if len(c.keys) == 0 {
		return nil, fmt.Errorf("provider key set contains no usable RSA keys")
	}

	return c, nil
}

func rsaKey(k jsonWebKey) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("bad modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("bad exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// AuthorizeURL builds the provider redirect starting a login, including any
// configured extra authorize parameters. When PKCE is enabled codeChallenge
// is forwarded, otherwise the server verifies it itself at exchange time.
func (c *Client) AuthorizeURL(redirectURI, state, nonce, codeChallenge string) string {
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {c.cfg.ClientID},
		"redirect_uri":  {redirectURI},
		"scope":         {c.cfg.Scopes},
		"state":         {state},
		"nonce":         {nonce},
	}
	if c.cfg.PKCE && codeChallenge != "" {
		q.Set("code_challenge", codeChallenge)
		q.Set("code_challenge_method", "S256")
	}
	for k, vs := range c.extraParams {
		for _, v := range vs {
			q.Add(k, v)
		}
	}

	sep := "?"
	if strings.Contains(c.discovery.AuthorizationEndpoint, "?") {
		sep = "&"
	}
	return c.discovery.AuthorizationEndpoint + sep + q.Encode()
}

func (c *Client) postToken(ctx context.Context, form url.Values) (TokenResponse, error) {
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.discovery.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("failed to contact token endpoint: %w: %w", model.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return TokenResponse{}, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tr TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return TokenResponse{}, fmt.Errorf("failed to decode token response: %w", err)
	}
	return tr, nil
}

// ExchangeCode trades an authorization code for tokens. verifier is only
// sent when PKCE is enabled.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (TokenResponse, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}
	if c.cfg.PKCE && verifier != "" {
		form.Set("code_verifier", verifier)
	}
	return c.postToken(ctx, form)
}

// ExchangeRefreshToken renews tokens with the provider.
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string) (TokenResponse, error) {
	return c.postToken(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
}

// UserInfo fetches the userinfo claims for an access token. It doubles as a
// validity check for provider access tokens we hold.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (UserInfoClaims, error) {
	if c.discovery.UserinfoEndpoint == "" {
		return UserInfoClaims{}, fmt.Errorf("provider has no userinfo endpoint")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.discovery.UserinfoEndpoint, nil)
	if err != nil {
		return UserInfoClaims{}, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return UserInfoClaims{}, fmt.Errorf("failed to contact userinfo endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return UserInfoClaims{}, fmt.Errorf("userinfo endpoint returned status %d", resp.StatusCode)
	}

	var ui UserInfoClaims
	if err := json.NewDecoder(resp.Body).Decode(&ui); err != nil {
		return UserInfoClaims{}, fmt.Errorf("failed to decode userinfo response: %w", err)
	}
	return ui, nil
}

// ValidateIDToken checks the signature, time claims, issuer, audience and
// nonce of an ID token and returns its claims.
func (c *Client) ValidateIDToken(raw, nonce string) (IDTokenClaims, error) {
	var claims IDTokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := c.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithLeeway(token.Leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(c.discovery.Issuer),
	)
	if err != nil {
		return IDTokenClaims{}, fmt.Errorf("%w: %s", ErrClaims, token.MapError(err))
	}

	if err := c.checkAudience(claims.Audience); err != nil {
		return IDTokenClaims{}, err
	}
	if !crypto.ConstantTimeEq(nonce, claims.Nonce) {
		return IDTokenClaims{}, fmt.Errorf("%w: nonce mismatch", ErrClaims)
	}

	return claims, nil
}

// checkAudience requires our client ID in aud. Extra audiences are only
// accepted when they match the configured trust pattern.
func (c *Client) checkAudience(aud jwt.ClaimStrings) error {
	found := false
	for _, a := range aud {
		switch {
		case a == c.cfg.ClientID:
			found = true
		case c.trustedAud != nil && c.trustedAud.MatchString(a):
		default:
			return fmt.Errorf("%w: untrusted audience %q: %s", ErrClaims, a, model.ErrTokenAudience)
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrClaims, model.ErrTokenAudience)
	}
	return nil
}

// PeekClaims reads nbf and exp from a provider token without verifying its
// signature. Provider tokens are opaque to us, but when they happen to be
// JWTs their lifetime is reused for the session.
func PeekClaims(tokenString string) (nbf, exp int64, err error) {
	var claims struct {
		jwt.RegisteredClaims
	}
	parser := jwt.NewParser()
	if _, _, err = parser.ParseUnverified(tokenString, &claims); err != nil {
		return 0, 0, fmt.Errorf("failed to parse token claims: %w", err)
	}
	if claims.ExpiresAt == nil {
		return 0, 0, fmt.Errorf("token has no exp claim")
	}
	switch {
	case claims.NotBefore != nil:
		nbf = claims.NotBefore.Unix()
	case claims.IssuedAt != nil:
		nbf = claims.IssuedAt.Unix()
	default:
		nbf = time.Now().Unix()
	}
	return nbf, claims.ExpiresAt.Unix(), nil
}
