package duo

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dtroode/vaultkeeper-server/internal/crypto"
)

// Cookie prefixes and lifetimes of the legacy signed-request protocol.
// These values are fixed by the protocol.
const (
	duoPrefix  = "TX"
	appPrefix  = "APP"
	authPrefix = "AUTH"

	duoExpire = 300 * time.Second
	appExpire = 3600 * time.Second
)

// LegacySigner implements the iframe based Duo Web v2 handshake: a pair of
// HMAC-SHA1 signed cookies, one for Duo and one bound to this application.
type LegacySigner struct {
	ikey string
	skey string
	akey string
}

// NewLegacySigner builds a signer from a user's enrollment.
func NewLegacySigner(data Data) *LegacySigner {
	return &LegacySigner{
		ikey: data.IntegrationKey,
		skey: data.SecretKey,
		akey: data.AppKey,
	}
}

// SignRequest produces the "TX...:APP..." request passed to the Duo iframe.
func (s *LegacySigner) SignRequest(email string, now time.Time) string {
	duoSig := signValue(s.skey, email, s.ikey, duoPrefix, now.Add(duoExpire))
	appSig := signValue(s.akey, email, s.ikey, appPrefix, now.Add(appExpire))

	return duoSig + ":" + appSig
}

// ValidateResponse checks the "AUTH...:APP..." response posted back by the
// client and confirms both halves agree on the authenticated email. An
// unset application key never validates: the APP cookie would be signed
// with a key anyone can guess.
func (s *LegacySigner) ValidateResponse(email, response string, now time.Time) error {
	if s.akey == "" {
		return fmt.Errorf("%w: application key not set", ErrInvalidResponse)
	}

	parts := strings.Split(response, ":")
	if len(parts) != 2 {
		return ErrInvalidResponse
	}

	authUser, err := parseValue(s.skey, parts[0], s.ikey, authPrefix, now)
	if err != nil {
		return err
	}
	appUser, err := parseValue(s.akey, parts[1], s.ikey, appPrefix, now)
	if err != nil {
		return err
	}

	if !crypto.ConstantTimeEq(authUser, appUser) || !crypto.ConstantTimeEq(authUser, email) {
		return ErrInvalidResponse
	}

	return nil
}

func signValue(key, email, ikey, prefix string, expire time.Time) string {
	val := fmt.Sprintf("%s|%s|%d", email, ikey, expire.Unix())
	cookie := prefix + "|" + base64.StdEncoding.EncodeToString([]byte(val))

	return cookie + "|" + crypto.HmacSHA1Hex(key, cookie)
}

func parseValue(key, value, ikey, prefix string, now time.Time) (string, error) {
	parts := strings.Split(value, "|")
	if len(parts) != 3 {
		return "", ErrInvalidResponse
	}
	uPrefix, uB64, uSig := parts[0], parts[1], parts[2]

	sig := crypto.HmacSHA1Hex(key, uPrefix+"|"+uB64)
	// Compare digests of the signatures so the comparison itself cannot be
	// timed against the valid signature.
	if !crypto.ConstantTimeEq(crypto.HmacSHA1Hex(key, sig), crypto.HmacSHA1Hex(key, uSig)) {
		return "", ErrInvalidResponse
	}
	if uPrefix != prefix {
		return "", ErrInvalidResponse
	}

	raw, err := base64.StdEncoding.DecodeString(uB64)
	if err != nil {
		return "", ErrInvalidResponse
	}
	cookieParts := strings.Split(string(raw), "|")
	if len(cookieParts) != 3 {
		return "", ErrInvalidResponse
	}
	email, uIkey, expireRaw := cookieParts[0], cookieParts[1], cookieParts[2]

	if uIkey != ikey {
		return "", ErrInvalidResponse
	}
	expire, err := strconv.ParseInt(expireRaw, 10, 64)
	if err != nil {
		return "", ErrInvalidResponse
	}
	if !now.Before(time.Unix(expire, 0)) {
		return "", ErrInvalidResponse
	}

	return email, nil
}
