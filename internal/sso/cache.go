package sso

import (
	"context"
	"net/http"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dtroode/vaultkeeper-server/internal/config"
)

const clientCacheKey = "client"

// ClientCache hands out a discovered Client, rebuilding it at most once per
// TTL. A TTL of zero disables caching. Invalidate drops the cached client
// so key rotation at the provider is picked up after a claim failure.
type ClientCache struct {
	cfg        config.SSO
	httpClient *http.Client
	cache      *gocache.Cache

	mu       sync.Mutex
	discover func(ctx context.Context, cfg config.SSO, httpClient *http.Client) (*Client, error)
}

// NewClientCache creates a cache for cfg. httpClient may be nil.
func NewClientCache(cfg config.SSO, httpClient *http.Client) *ClientCache {
	return &ClientCache{
		cfg:        cfg,
		httpClient: httpClient,
		cache:      gocache.New(cfg.ClientCacheTTL, cfg.ClientCacheTTL),
		discover:   Discover,
	}
}

// Get returns the cached client or discovers a fresh one.
func (cc *ClientCache) Get(ctx context.Context) (*Client, error) {
	if cc.cfg.ClientCacheTTL <= 0 {
		return cc.discover(ctx, cc.cfg, cc.httpClient)
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cached, ok := cc.cache.Get(clientCacheKey); ok {
		return cached.(*Client), nil
	}

	client, err := cc.discover(ctx, cc.cfg, cc.httpClient)
	if err != nil {
		return nil, err
	}
	cc.cache.SetDefault(clientCacheKey, client)
	return client, nil
}

// Invalidate drops the cached client.
func (cc *ClientCache) Invalidate() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cache.Delete(clientCacheKey)
}
