package duo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/vaultkeeper-server/internal/model"
	"github.com/dtroode/vaultkeeper-server/internal/testutil"
)

// memContextStore is an in-memory DuoContextStore for tests.
type memContextStore struct {
	contexts map[string]model.DuoContext
}

func newMemContextStore() *memContextStore {
	return &memContextStore{contexts: map[string]model.DuoContext{}}
}

func (s *memContextStore) Create(_ context.Context, dc model.DuoContext) error {
	if _, ok := s.contexts[dc.State]; ok {
		return nil
	}
	s.contexts[dc.State] = dc
	return nil
}

func (s *memContextStore) Consume(_ context.Context, state string) (model.DuoContext, error) {
	dc, ok := s.contexts[state]
	if !ok {
		return model.DuoContext{}, model.ErrNotFound
	}
	delete(s.contexts, state)
	return dc, nil
}

func (s *memContextStore) DeleteExpired(_ context.Context) (int64, error) {
	var n int64
	now := time.Now()
	for state, dc := range s.contexts {
		if dc.Expired(now) {
			delete(s.contexts, state)
			n++
		}
	}
	return n, nil
}

func newTestBridge(t *testing.T, store model.DuoContextStore, handler http.Handler) *Bridge {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	b := NewBridge(store, "https://vault.example.com", testutil.MakeNoopLogger())
	b.newClient = func(data Data, redirectURI string) *Client {
		c := NewClient(data, redirectURI)
		c.baseURL = srv.URL
		c.httpClient = srv.Client()
		return c
	}
	return b
}

func duoAPIServer(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/health_check", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"stat": "OK"})
	})
	return mux
}

func TestBridge_AuthURL(t *testing.T) {
	store := newMemContextStore()
	b := newTestBridge(t, store, duoAPIServer(t))

	raw, err := b.AuthURL(context.Background(), testData, "user@example.com", "web", "device-1")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)

	var claims authorizationRequestClaims
	_, err = jwt.ParseWithClaims(u.Query().Get("request"), &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(testData.SecretKey), nil
	}, jwt.WithValidMethods([]string{"HS512"}))
	require.NoError(t, err)

	// The stored context must match the request, with the nonce sent to
	// Duo bound to the device.
	dc, ok := store.contexts[claims.State]
	require.True(t, ok)
	assert.Equal(t, "user@example.com", dc.UserEmail)
	assert.Equal(t, hashNonce(dc.Nonce, "device-1"), claims.Nonce)
	assert.Contains(t, claims.RedirectURI, redirectLocation)
	assert.Contains(t, claims.RedirectURI, "client=web")
}

func TestBridge_Validate(t *testing.T) {
	newValidateBridge := func(t *testing.T, store model.DuoContextStore, nonce string) *Bridge {
		mux := http.NewServeMux()
		var srvURL string
		mux.HandleFunc("/oauth/v1/token", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"id_token":     signIDToken(t, srvURL+"/oauth/v1/token", "user@example.com", nonce),
				"access_token": "1",
				"expires_in":   300,
				"token_type":   "Bearer",
			})
		})
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)
		srvURL = srv.URL

		b := NewBridge(store, "https://vault.example.com", testutil.MakeNoopLogger())
		b.newClient = func(data Data, redirectURI string) *Client {
			c := NewClient(data, redirectURI)
			c.baseURL = srv.URL
			c.httpClient = srv.Client()
			return c
		}
		return b
	}

	seed := func(store *memContextStore) model.DuoContext {
		dc := model.DuoContext{
			State:     "state-0123456789",
			UserEmail: "user@example.com",
			Nonce:     "nonce-0123456789",
			ExpiresAt: time.Now().Add(ctxValidity),
		}
		store.contexts[dc.State] = dc
		return dc
	}

	t.Run("valid", func(t *testing.T) {
		store := newMemContextStore()
		dc := seed(store)
		b := newValidateBridge(t, store, hashNonce(dc.Nonce, "device-1"))

		err := b.Validate(context.Background(), testData, "user@example.com", "duo-code|"+dc.State, "web", "device-1")
		require.NoError(t, err)
	})

	t.Run("state single use", func(t *testing.T) {
		store := newMemContextStore()
		dc := seed(store)
		b := newValidateBridge(t, store, hashNonce(dc.Nonce, "device-1"))

		require.NoError(t, b.Validate(context.Background(), testData, "user@example.com", "duo-code|"+dc.State, "web", "device-1"))
		err := b.Validate(context.Background(), testData, "user@example.com", "duo-code|"+dc.State, "web", "device-1")
		require.ErrorIs(t, err, ErrInvalidResponse)
	})

	t.Run("wrong device", func(t *testing.T) {
		store := newMemContextStore()
		dc := seed(store)
		b := newValidateBridge(t, store, hashNonce(dc.Nonce, "device-1"))

		err := b.Validate(context.Background(), testData, "user@example.com", "duo-code|"+dc.State, "web", "device-2")
		require.ErrorIs(t, err, model.ErrClaimMismatch)
	})

	t.Run("expired context", func(t *testing.T) {
		store := newMemContextStore()
		dc := seed(store)
		dc.ExpiresAt = time.Now().Add(-time.Second)
		store.contexts[dc.State] = dc
		b := newValidateBridge(t, store, hashNonce(dc.Nonce, "device-1"))

		err := b.Validate(context.Background(), testData, "user@example.com", "duo-code|"+dc.State, "web", "device-1")
		require.ErrorIs(t, err, ErrInvalidResponse)
	})

	t.Run("email mismatch", func(t *testing.T) {
		store := newMemContextStore()
		dc := seed(store)
		b := newValidateBridge(t, store, hashNonce(dc.Nonce, "device-1"))

		err := b.Validate(context.Background(), testData, "other@example.com", "duo-code|"+dc.State, "web", "device-1")
		require.ErrorIs(t, err, ErrInvalidResponse)
	})

	t.Run("malformed response", func(t *testing.T) {
		store := newMemContextStore()
		b := newValidateBridge(t, store, "n")

		err := b.Validate(context.Background(), testData, "user@example.com", "no-pipe", "web", "device-1")
		require.ErrorIs(t, err, ErrInvalidResponse)
	})
}

func TestBridge_PurgeExpired(t *testing.T) {
	store := newMemContextStore()
	store.contexts["old"] = model.DuoContext{State: "old", ExpiresAt: time.Now().Add(-time.Minute)}
	store.contexts["fresh"] = model.DuoContext{State: "fresh", ExpiresAt: time.Now().Add(time.Minute)}

	b := NewBridge(store, "https://vault.example.com", testutil.MakeNoopLogger())
	b.PurgeExpired(context.Background())

	assert.NotContains(t, store.contexts, "old")
	assert.Contains(t, store.contexts, "fresh")
}
