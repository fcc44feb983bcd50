// Package duo implements both generations of the Duo Security second
// factor: the legacy signed-request iframe protocol and the OIDC based
// universal prompt.
package duo

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dtroode/vaultkeeper-server/internal/crypto"
)

var (
	// ErrInvalidResponse indicates a Duo response that failed validation.
	ErrInvalidResponse = errors.New("invalid duo response")
	// ErrUnhealthy indicates the Duo service reported itself unusable.
	ErrUnhealthy = errors.New("duo service unhealthy")
)

// Data is a user's Duo enrollment as stored with the two factor record.
// The integration key doubles as the OIDC client ID and the secret key as
// the client secret. AppKey is server generated and never leaves it.
type Data struct {
	Host           string `json:"Host"`
	IntegrationKey string `json:"IntegrationKey"`
	SecretKey      string `json:"SecretKey"`
	AppKey         string `json:"AppKey,omitempty"`
}

// appKeyLength matches the 64 byte application keys Duo's own kits use.
const appKeyLength = 64

// GenerateAppKey mints a fresh application key for the legacy handshake.
func GenerateAppKey() (string, error) {
	key, err := crypto.AlphanumToken(appKeyLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate duo application key: %w", err)
	}
	return key, nil
}

// ParseData decodes an enrollment from its stored JSON form.
func ParseData(raw string) (Data, error) {
	var d Data
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Data{}, fmt.Errorf("failed to parse duo data: %w", err)
	}
	return d, nil
}

// Encode serializes the enrollment for storage.
func (d Data) Encode() (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode duo data: %w", err)
	}
	return string(raw), nil
}
