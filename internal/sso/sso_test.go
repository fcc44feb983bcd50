package sso

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/vaultkeeper-server/internal/config"
	"github.com/dtroode/vaultkeeper-server/internal/model"
	"github.com/dtroode/vaultkeeper-server/internal/testutil"
)

// memAuthStore is an in-memory SsoAuthStore for tests.
type memAuthStore struct {
	mu    sync.Mutex
	auths map[string]model.SsoAuth
}

func newMemAuthStore() *memAuthStore {
	return &memAuthStore{auths: map[string]model.SsoAuth{}}
}

func (s *memAuthStore) Create(_ context.Context, auth model.SsoAuth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auths[auth.State]; !ok {
		s.auths[auth.State] = auth
	}
	return nil
}

func (s *memAuthStore) GetByState(_ context.Context, state string) (model.SsoAuth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	auth, ok := s.auths[state]
	if !ok {
		return model.SsoAuth{}, model.ErrNotFound
	}
	return auth, nil
}

func (s *memAuthStore) Update(_ context.Context, auth model.SsoAuth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auths[auth.State]; !ok {
		return model.ErrNotFound
	}
	s.auths[auth.State] = auth
	return nil
}

func (s *memAuthStore) Delete(_ context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.auths, state)
	return nil
}

func (s *memAuthStore) DeleteExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := time.Now()
	for state, auth := range s.auths {
		if auth.Expired(now) {
			delete(s.auths, state)
			n++
		}
	}
	return n, nil
}

// fakeProvider is a minimal OpenID Connect provider.
type fakeProvider struct {
	srv  *httptest.Server
	key  *rsa.PrivateKey
	kid  string
	mu   sync.Mutex
	hits map[string]int

	clientID     string
	nonce        string // nonce to embed in issued id tokens, set per test
	email        string
	refreshToken string
	extraAud     []string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p := &fakeProvider{
		key:      key,
		kid:      "test-key-1",
		hits:     map[string]int{},
		clientID: "vaultkeeper",
		email:    "User@Example.com",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		p.count("discovery")
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 p.srv.URL,
			"authorization_endpoint": p.srv.URL + "/authorize",
			"token_endpoint":         p.srv.URL + "/token",
			"userinfo_endpoint":      p.srv.URL + "/userinfo",
			"jwks_uri":               p.srv.URL + "/jwks",
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		p.count("jwks")
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": p.kid,
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(p.key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(p.key.E)).Bytes()),
			}},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		p.count("token")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "provider-access",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": p.refreshToken,
			"id_token":      p.signIDToken(t),
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		p.count("userinfo")
		if r.Header.Get("Authorization") != "Bearer provider-access" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"sub":                "subject-1",
			"email":              p.email,
			"email_verified":     true,
			"preferred_username": "user",
		})
	})

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeProvider) count(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hits[endpoint]++
}

func (p *fakeProvider) hitCount(endpoint string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[endpoint]
}

func (p *fakeProvider) signIDToken(t *testing.T) string {
	t.Helper()
	aud := append(jwt.ClaimStrings{p.clientID}, p.extraAud...)
	claims := IDTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.srv.URL,
			Subject:   "subject-1",
			Audience:  aud,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Nonce:         p.nonce,
		Email:         p.email,
		EmailVerified: true,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = p.kid
	signed, err := tok.SignedString(p.key)
	require.NoError(t, err)
	return signed
}

func (p *fakeProvider) config() config.SSO {
	return config.SSO{
		Enabled:        true,
		AuthorityURL:   p.srv.URL,
		ClientID:       p.clientID,
		ClientSecret:   "secret",
		Scopes:         "openid profile email offline_access",
		PKCE:           true,
		ClientCacheTTL: time.Hour,
		AuthTTL:        10 * time.Minute,
	}
}

func newTestBridge(t *testing.T, p *fakeProvider, store model.SsoAuthStore) *Bridge {
	t.Helper()
	cfg := p.config()
	return NewBridge(cfg, NewClientCache(cfg, p.srv.Client()), store, testutil.MakeNoopLogger())
}

func TestChallengeS256(t *testing.T) {
	// RFC 7636 appendix B.
	got := ChallengeS256("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", got)
}

func TestDiscover(t *testing.T) {
	p := newFakeProvider(t)

	client, err := Discover(context.Background(), p.config(), p.srv.Client())
	require.NoError(t, err)
	assert.Equal(t, p.srv.URL, client.discovery.Issuer)
	assert.Contains(t, client.keys, p.kid)
}

func TestClientCache_SingleDiscovery(t *testing.T) {
	p := newFakeProvider(t)
	cc := NewClientCache(p.config(), p.srv.Client())

	for i := 0; i < 3; i++ {
		_, err := cc.Get(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, p.hitCount("discovery"))

	cc.Invalidate()
	_, err := cc.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, p.hitCount("discovery"))
}

func TestBridge_AuthorizeURL(t *testing.T) {
	p := newFakeProvider(t)
	store := newMemAuthStore()
	b := newTestBridge(t, p, store)

	raw, err := b.AuthorizeURL(context.Background(), "state-1", "challenge-abc", "https://vault.example.com/sso-connector.html")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/authorize", u.Path)
	assert.Equal(t, "code", u.Query().Get("response_type"))
	assert.Equal(t, "state-1", u.Query().Get("state"))
	assert.Equal(t, "challenge-abc", u.Query().Get("code_challenge"))
	assert.Equal(t, "S256", u.Query().Get("code_challenge_method"))

	auth, ok := store.auths["state-1"]
	require.True(t, ok)
	assert.Equal(t, u.Query().Get("nonce"), auth.Nonce)
	assert.Equal(t, "challenge-abc", auth.ClientChallenge)
}

func TestBridge_AuthorizeURL_ExtraParams(t *testing.T) {
	p := newFakeProvider(t)
	store := newMemAuthStore()

	cfg := p.config()
	cfg.AuthorizeExtraParams = "audience=vault&prompt=login"
	b := NewBridge(cfg, NewClientCache(cfg, p.srv.Client()), store, testutil.MakeNoopLogger())

	raw, err := b.AuthorizeURL(context.Background(), "state-1", "challenge-abc", "https://vault.example.com/sso-connector.html")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "vault", u.Query().Get("audience"))
	assert.Equal(t, "login", u.Query().Get("prompt"))
	assert.Equal(t, "state-1", u.Query().Get("state"))
}

func TestDiscover_BadExtraParams(t *testing.T) {
	p := newFakeProvider(t)
	cfg := p.config()
	cfg.AuthorizeExtraParams = "bad=%zz"

	_, err := Discover(context.Background(), cfg, p.srv.Client())
	require.Error(t, err)
}

func startedLogin(t *testing.T, b *Bridge, p *fakeProvider, store *memAuthStore, state string) {
	t.Helper()
	_, err := b.AuthorizeURL(context.Background(), state, ChallengeS256("verifier-1"), "https://vault.example.com/cb")
	require.NoError(t, err)
	p.nonce = store.auths[state].Nonce
	require.NoError(t, b.CallbackCode(context.Background(), state, "auth-code"))
}

func TestBridge_ExchangeCode(t *testing.T) {
	p := newFakeProvider(t)
	p.refreshToken = "provider-refresh"
	store := newMemAuthStore()
	b := newTestBridge(t, p, store)
	startedLogin(t, b, p, store, "state-1")

	ui, err := b.ExchangeCode(context.Background(), "state-1", "verifier-1")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", ui.Email)
	assert.True(t, ui.EmailVerified)
	assert.Equal(t, p.srv.URL+"/subject-1", ui.Identifier)
	require.NotNil(t, ui.UserName)
	assert.Equal(t, "user", *ui.UserName)

	// A second exchange is served from the cached auth response.
	ui2, err := b.ExchangeCode(context.Background(), "state-1", "verifier-1")
	require.NoError(t, err)
	assert.Equal(t, ui, ui2)
	assert.Equal(t, 1, p.hitCount("token"))
}

func TestBridge_ExchangeCode_UnknownState(t *testing.T) {
	p := newFakeProvider(t)
	b := newTestBridge(t, p, newMemAuthStore())

	_, err := b.ExchangeCode(context.Background(), "no-such-state", "v")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestBridge_ExchangeCode_NonceMismatch(t *testing.T) {
	p := newFakeProvider(t)
	store := newMemAuthStore()
	b := newTestBridge(t, p, store)
	startedLogin(t, b, p, store, "state-1")
	p.nonce = "wrong-nonce"

	_, err := b.ExchangeCode(context.Background(), "state-1", "verifier-1")
	require.ErrorIs(t, err, ErrClaims)

	// The claim failure must have dropped the cached client.
	discoveries := p.hitCount("discovery")
	_, err = b.clients.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, discoveries+1, p.hitCount("discovery"))
}

func TestBridge_ExchangeCode_VerifierCheckWithoutPKCE(t *testing.T) {
	p := newFakeProvider(t)
	cfg := p.config()
	cfg.PKCE = false
	store := newMemAuthStore()
	b := NewBridge(cfg, NewClientCache(cfg, p.srv.Client()), store, testutil.MakeNoopLogger())
	startedLogin(t, b, p, store, "state-1")

	_, err := b.ExchangeCode(context.Background(), "state-1", "wrong-verifier")
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = b.ExchangeCode(context.Background(), "state-1", "verifier-1")
	require.NoError(t, err)
}

func TestBridge_Redeem(t *testing.T) {
	p := newFakeProvider(t)
	p.refreshToken = "provider-refresh"
	store := newMemAuthStore()
	b := newTestBridge(t, p, store)
	startedLogin(t, b, p, store, "state-1")

	_, err := b.ExchangeCode(context.Background(), "state-1", "verifier-1")
	require.NoError(t, err)

	au, err := b.Redeem(context.Background(), "state-1")
	require.NoError(t, err)
	assert.Equal(t, "provider-access", au.AccessToken)
	assert.Equal(t, "provider-refresh", au.RefreshToken)
	assert.Equal(t, "user@example.com", au.Email)

	// The record is gone, tokens can be redeemed once.
	_, err = b.Redeem(context.Background(), "state-1")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestBridge_Redeem_BeforeExchange(t *testing.T) {
	p := newFakeProvider(t)
	store := newMemAuthStore()
	b := newTestBridge(t, p, store)
	startedLogin(t, b, p, store, "state-1")

	_, err := b.Redeem(context.Background(), "state-1")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestBridge_RefreshTokens(t *testing.T) {
	p := newFakeProvider(t)
	b := newTestBridge(t, p, newMemAuthStore())

	t.Run("rolls refresh token", func(t *testing.T) {
		p.refreshToken = "rolled-refresh"
		tr, err := b.RefreshTokens(context.Background(), "old-refresh")
		require.NoError(t, err)
		assert.Equal(t, "rolled-refresh", tr.RefreshToken)
	})

	t.Run("keeps old token when none returned", func(t *testing.T) {
		p.refreshToken = ""
		tr, err := b.RefreshTokens(context.Background(), "old-refresh")
		require.NoError(t, err)
		assert.Equal(t, "old-refresh", tr.RefreshToken)
	})
}

func TestBridge_CheckAccessToken(t *testing.T) {
	p := newFakeProvider(t)
	b := newTestBridge(t, p, newMemAuthStore())

	require.NoError(t, b.CheckAccessToken(context.Background(), "provider-access"))
	require.Error(t, b.CheckAccessToken(context.Background(), "revoked"))
}

func TestClient_CheckAudience(t *testing.T) {
	p := newFakeProvider(t)

	t.Run("extra audience rejected by default", func(t *testing.T) {
		client, err := Discover(context.Background(), p.config(), p.srv.Client())
		require.NoError(t, err)
		err = client.checkAudience(jwt.ClaimStrings{"vaultkeeper", "other-app"})
		require.ErrorIs(t, err, ErrClaims)
	})

	t.Run("extra audience allowed by trust pattern", func(t *testing.T) {
		cfg := p.config()
		cfg.AudienceTrusted = "^other-[a-z]+$"
		client, err := Discover(context.Background(), cfg, p.srv.Client())
		require.NoError(t, err)
		require.NoError(t, client.checkAudience(jwt.ClaimStrings{"vaultkeeper", "other-app"}))
	})

	t.Run("missing client id rejected", func(t *testing.T) {
		client, err := Discover(context.Background(), p.config(), p.srv.Client())
		require.NoError(t, err)
		err = client.checkAudience(jwt.ClaimStrings{})
		require.ErrorIs(t, err, ErrClaims)
	})
}

func TestPeekClaims(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	key := []byte("whatever")

	t.Run("nbf and exp", func(t *testing.T) {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}).SignedString(key)
		require.NoError(t, err)

		nbf, exp, err := PeekClaims(raw)
		require.NoError(t, err)
		assert.Equal(t, now.Unix(), nbf)
		assert.Equal(t, now.Add(time.Hour).Unix(), exp)
	})

	t.Run("iat fallback", func(t *testing.T) {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}).SignedString(key)
		require.NoError(t, err)

		nbf, _, err := PeekClaims(raw)
		require.NoError(t, err)
		assert.Equal(t, now.Unix(), nbf)
	})

	t.Run("opaque token", func(t *testing.T) {
		_, _, err := PeekClaims("opaque-refresh-token")
		require.Error(t, err)
	})
}
