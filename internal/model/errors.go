package model

import "errors"

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates a failed password or token check.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserDisabled indicates the account exists but may not log in.
	ErrUserDisabled = errors.New("user disabled")
	// ErrTwoFactorRequired indicates the login needs a second factor.
	ErrTwoFactorRequired = errors.New("two factor required")
	// ErrTransport indicates an upstream provider could not be reached.
	// Such failures are retryable and are not the user's doing.
	ErrTransport = errors.New("provider unreachable")
	// ErrClaimMismatch indicates an upstream token carried claims that do
	// not match the login they were issued for.
	ErrClaimMismatch = errors.New("provider claim mismatch")
)
