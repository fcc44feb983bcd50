package model

import "errors"

var (
	// ErrTokenInvalid covers malformed tokens, bad signatures and
	// anything else that is not one of the more specific failures below.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenExpired indicates exp is in the past beyond the allowed leeway.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenNotYetValid indicates nbf is in the future beyond the allowed leeway.
	ErrTokenNotYetValid = errors.New("token not valid yet")
	// ErrTokenIssuer indicates the iss claim does not match the expected issuer.
	ErrTokenIssuer = errors.New("token issuer mismatch")
	// ErrTokenAudience indicates the aud claim does not contain the expected audience.
	ErrTokenAudience = errors.New("token audience mismatch")
)
