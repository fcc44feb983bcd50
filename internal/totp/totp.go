// Package totp validates authenticator app codes.
package totp

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const period = 30

var (
	// ErrInvalidCode indicates the code matches no accepted time step.
	ErrInvalidCode = errors.New("invalid totp code")
	// ErrReusedCode indicates a previously accepted code was replayed.
	ErrReusedCode = errors.New("totp code already used")
)

// Data is an authenticator enrollment as stored with the two factor record.
// LastUsed is the last accepted time step, kept to reject replays.
type Data struct {
	Secret   string `json:"secret"`
	LastUsed int64  `json:"last_used"`
}

// ParseData decodes an enrollment. Legacy records hold the bare secret.
func ParseData(raw string) (Data, error) {
	var d Data
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Data{Secret: raw}, nil
	}
	return d, nil
}

// Encode serializes the enrollment for storage.
func (d Data) Encode() (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode totp data: %w", err)
	}
	return string(raw), nil
}

// GenerateSecret returns a fresh base32 shared secret.
func GenerateSecret(issuer, accountName string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate totp secret: %w", err)
	}
	return key.Secret(), nil
}

// ProvisioningURI builds the otpauth URL encoded into enrollment QR codes.
func ProvisioningURI(secret, issuer, accountName string) string {
	q := url.Values{
		"secret": {secret},
		"issuer": {issuer},
	}
	u := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + issuer + ":" + accountName,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Validate checks code against secret at time now, accepting one step of
// clock drift in either direction. It returns the matched step, which the
// caller must persist: a code for a step at or before lastUsed is rejected
// as a replay.
func Validate(code, secret string, lastUsed int64, now time.Time) (int64, error) {
	current := now.Unix() / period

	for _, step := range []int64{current - 1, current, current + 1} {
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(step*period, 0), totp.ValidateOpts{
			Period:    period,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to compute totp code: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			if step <= lastUsed {
				return 0, ErrReusedCode
			}
			return step, nil
		}
	}

	return 0, ErrInvalidCode
}
