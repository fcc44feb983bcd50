package duo

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dtroode/vaultkeeper-server/internal/crypto"
	"github.com/dtroode/vaultkeeper-server/internal/logger"
	"github.com/dtroode/vaultkeeper-server/internal/model"
)

// redirectLocation is the connector page clients are sent back to.
const redirectLocation = "duo-redirect-connector.html"

// ctxValidity is how long a started prompt may take before the callback is
// rejected.
const ctxValidity = 5 * time.Minute

// Bridge drives the universal prompt flow: it hands out authorization URLs
// and validates the authorization codes clients bring back.
type Bridge struct {
	contexts  model.DuoContextStore
	domain    string
	logger    *logger.Logger
	newClient func(data Data, redirectURI string) *Client
}

// NewBridge creates a bridge. domain is the public origin of this server.
func NewBridge(contexts model.DuoContextStore, domain string, l *logger.Logger) *Bridge {
	return &Bridge{
		contexts:  contexts,
		domain:    domain,
		logger:    l,
		newClient: NewClient,
	}
}

func (b *Bridge) callbackURL(clientName string) (string, error) {
	base, err := url.Parse(b.domain + "/")
	if err != nil {
		return "", fmt.Errorf("failed to parse configured domain: %w", err)
	}
	callback, err := base.Parse(redirectLocation)
	if err != nil {
		return "", fmt.Errorf("failed to build duo callback url: %w", err)
	}
	q := callback.Query()
	q.Set("client", clientName)
	callback.RawQuery = q.Encode()

	return callback.String(), nil
}

// hashNonce binds a nonce to the authenticating device, so a code obtained
// on one device cannot finish a login started on another.
func hashNonce(nonce, deviceID string) string {
	sum := sha512.Sum512_256([]byte(nonce + deviceID))
	return hex.EncodeToString(sum[:])
}

// CheckHealth verifies that the application described by data is reachable
// and its credentials are accepted.
func (b *Bridge) CheckHealth(ctx context.Context, data Data) error {
	callback, err := b.callbackURL("health")
	if err != nil {
		return err
	}
	return b.newClient(data, callback).HealthCheck(ctx)
}

// AuthURL starts a prompt for email and returns the URL the client must
// visit. The flow context is persisted under a fresh state.
func (b *Bridge) AuthURL(ctx context.Context, data Data, email, clientName, deviceID string) (string, error) {
	callback, err := b.callbackURL(clientName)
	if err != nil {
		return "", err
	}

	client := b.newClient(data, callback)
	if err := client.HealthCheck(ctx); err != nil {
		return "", err
	}

	state, err := crypto.AlphanumToken(stateLength)
	if err != nil {
		return "", err
	}
	nonce, err := crypto.AlphanumToken(stateLength)
	if err != nil {
		return "", err
	}

	now := time.Now()
	err = b.contexts.Create(ctx, model.DuoContext{
		State:     state,
		UserEmail: email,
		Nonce:     nonce,
		ExpiresAt: now.Add(ctxValidity),
	})
	if err != nil {
		return "", fmt.Errorf("failed to save duo context: %w", err)
	}

	return client.AuthorizeURL(email, state, hashNonce(nonce, deviceID), now)
}

// Validate finishes a prompt. response is the client supplied value in the
// form "<code>|<state>". The context for the state is consumed either way.
func (b *Bridge) Validate(ctx context.Context, data Data, email, response, clientName, deviceID string) error {
	code, state, ok := strings.Cut(response, "|")
	if !ok {
		return ErrInvalidResponse
	}

	dc, err := b.contexts.Consume(ctx, state)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return ErrInvalidResponse
		}
		return err
	}

	now := time.Now()
	if dc.Expired(now) || !crypto.ConstantTimeEq(email, dc.UserEmail) || !crypto.ConstantTimeEq(state, dc.State) {
		return ErrInvalidResponse
	}

	callback, err := b.callbackURL(clientName)
	if err != nil {
		return err
	}

	client := b.newClient(data, callback)
	return client.ExchangeCode(ctx, code, email, hashNonce(dc.Nonce, deviceID))
}

// PurgeExpired removes contexts whose prompt was never completed.
func (b *Bridge) PurgeExpired(ctx context.Context) {
	n, err := b.contexts.DeleteExpired(ctx)
	if err != nil {
		b.logger.Error("failed to purge duo contexts", "error", err)
		return
	}
	if n > 0 {
		b.logger.Debug("purged duo contexts", "count", n)
	}
}
