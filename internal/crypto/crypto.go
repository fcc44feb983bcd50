// Package crypto holds the small primitives the auth flows share: random
// token generation, HMAC signing and constant time comparison.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const alphanumChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// NumericToken returns a random decimal string of exactly size digits,
// zero padded. Suitable for codes typed by a human.
func NumericToken(size int) (string, error) {
	b, err := RandomBytes(8)
	if err != nil {
		return "", err
	}
	mod := uint64(1)
	for i := 0; i < size; i++ {
		mod *= 10
	}
	n := binary.BigEndian.Uint64(b) % mod
	return fmt.Sprintf("%0*d", size, n), nil
}

// AlphanumToken returns a random string of size characters drawn from
// [A-Za-z0-9].
func AlphanumToken(size int) (string, error) {
	b, err := RandomBytes(size)
	if err != nil {
		return "", err
	}
	out := make([]byte, size)
	for i, v := range b {
		out[i] = alphanumChars[int(v)%len(alphanumChars)]
	}
	return string(out), nil
}

// RefreshToken returns an opaque device refresh token: 64 random bytes in
// unpadded base64url.
func RefreshToken() (string, error) {
	b, err := RandomBytes(64)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// RememberToken returns a long-lived two factor remember token for a device.
func RememberToken() (string, error) {
	b, err := RandomBytes(180)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// HmacSHA1Hex signs data with key and returns the lowercase hex digest.
func HmacSHA1Hex(key, data string) string {
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// ConstantTimeEq compares two strings without leaking where they differ.
func ConstantTimeEq(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HashPassword derives the stored password hash with PBKDF2-SHA256.
func HashPassword(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
}

// CheckPassword reports whether password matches the stored hash.
func CheckPassword(password string, salt []byte, iterations int, hash []byte) bool {
	derived := HashPassword(password, salt, iterations)
	return subtle.ConstantTimeCompare(derived, hash) == 1
}
