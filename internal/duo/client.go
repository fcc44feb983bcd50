package duo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dtroode/vaultkeeper-server/internal/crypto"
	"github.com/dtroode/vaultkeeper-server/internal/model"
	"github.com/dtroode/vaultkeeper-server/internal/token"
)

const (
	jwtValidity = 5 * time.Minute
	// stateLength is also the length of nonces and assertion IDs.
	stateLength = 64

	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	userAgent           = "vaultkeeper:Duo/2.0 (Go)"
)

// authorizationRequestClaims is the signed request parameter sent along when
// redirecting a client to Duo's authorize endpoint.
type authorizationRequestClaims struct {
	jwt.RegisteredClaims
	ResponseType string `json:"response_type"`
	Scope        string `json:"scope"`
	ClientID     string `json:"client_id"`
	RedirectURI  string `json:"redirect_uri"`
	State        string `json:"state"`
	DuoUname     string `json:"duo_uname"`
	Nonce        string `json:"nonce"`
}

// idTokenClaims is the interesting part of the ID token Duo returns from the
// code exchange.
type idTokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
	Nonce             string `json:"nonce"`
}

// healthCheckResponse covers both shapes of the health check reply. A
// successful reply carries stat, a failed one message and message_detail.
type healthCheckResponse struct {
	Stat          string `json:"stat"`
	Message       string `json:"message"`
	MessageDetail string `json:"message_detail"`
}

// Client talks to Duo's OAuth API for the universal prompt.
// See https://duo.com/docs/oauthapi.
type Client struct {
	clientID     string
	clientSecret string
	redirectURI  string
	baseURL      string
	httpClient   *http.Client
}

// NewClient builds a client from a user's enrollment. redirectURI is where
// Duo sends the user after the prompt and must match on the code exchange.
func NewClient(data Data, redirectURI string) *Client {
	return &Client{
		clientID:     data.IntegrationKey,
		clientSecret: data.SecretKey,
		redirectURI:  redirectURI,
		baseURL:      "https://" + data.Host,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) clientAssertion(audience string, now time.Time) (string, error) {
	jti, err := crypto.AlphanumToken(stateLength)
	if err != nil {
		return "", err
	}

	claims := jwt.RegisteredClaims{
		Issuer:    c.clientID,
		Subject:   c.clientID,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtValidity)),
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(c.clientSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign duo client assertion: %w", err)
	}
	return signed, nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build duo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call duo: %w: %w", model.ErrTransport, err)
	}
	return resp, nil
}

// HealthCheck verifies the integration is configured and Duo is reachable.
// It must pass before a user is redirected to the prompt.
func (c *Client) HealthCheck(ctx context.Context) error {
	endpoint := c.baseURL + "/oauth/v1/health_check"

	assertion, err := c.clientAssertion(endpoint, time.Now())
	if err != nil {
		return err
	}

	resp, err := c.postForm(ctx, endpoint, url.Values{
		"client_assertion": {assertion},
		"client_id":        {c.clientID},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var health healthCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode duo health check response: %w", err)
	}

	switch {
	case health.Stat == "OK":
		return nil
	case health.Stat == "":
		return fmt.Errorf("%w: %s (%s)", ErrUnhealthy, health.Message, health.MessageDetail)
	default:
		return fmt.Errorf("%w: stat %s", ErrUnhealthy, health.Stat)
	}
}

// AuthorizeURL builds the URL the client is redirected to for the prompt.
// nonce must already be bound to the authenticating device.
func (c *Client) AuthorizeURL(duoUname, state, nonce string, now time.Time) (string, error) {
	claims := authorizationRequestClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.clientID,
			Audience:  jwt.ClaimStrings{c.baseURL},
			ExpiresAt: jwt.NewNumericDate(now.Add(jwtValidity)),
		},
		ResponseType: "code",
		Scope:        "openid",
		ClientID:     c.clientID,
		RedirectURI:  c.redirectURI,
		State:        state,
		DuoUname:     duoUname,
		Nonce:        nonce,
	}

	request, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(c.clientSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign duo authorization request: %w", err)
	}

	authz, err := url.Parse(c.baseURL + "/oauth/v1/authorize")
	if err != nil {
		return "", fmt.Errorf("failed to parse duo authorize url: %w", err)
	}
	q := authz.Query()
	q.Set("response_type", "code")
	q.Set("client_id", c.clientID)
	q.Set("request", request)
	authz.RawQuery = q.Encode()

	return authz.String(), nil
}

// ExchangeCode trades the authorization code for the MFA result and checks
// that the embedded username and nonce match the pending flow.
func (c *Client) ExchangeCode(ctx context.Context, duoCode, duoUname, nonce string) error {
	if duoCode == "" {
		return fmt.Errorf("%w: empty authorization code", ErrInvalidResponse)
	}

	tokenURL := c.baseURL + "/oauth/v1/token"

	assertion, err := c.clientAssertion(tokenURL, time.Now())
	if err != nil {
		return err
	}

	resp, err := c.postForm(ctx, tokenURL, url.Values{
		"grant_type":            {"authorization_code"},
		"code":                  {duoCode},
		"redirect_uri":          {c.redirectURI},
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {assertion},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d from token endpoint", ErrInvalidResponse, resp.StatusCode)
	}

	var idResp struct {
		IDToken     string `json:"id_token"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&idResp); err != nil {
		return fmt.Errorf("failed to decode duo token response: %w", err)
	}

	var claims idTokenClaims
	_, err = jwt.ParseWithClaims(idResp.IDToken, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(c.clientSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithAudience(c.clientID),
		jwt.WithIssuer(tokenURL),
	)
	if err != nil {
		return fmt.Errorf("failed to validate duo id token: %w", token.MapError(err))
	}

	if !(crypto.ConstantTimeEq(nonce, claims.Nonce) && crypto.ConstantTimeEq(duoUname, claims.PreferredUsername)) {
		return fmt.Errorf("%w: nonce or username mismatch", model.ErrClaimMismatch)
	}

	return nil
}
