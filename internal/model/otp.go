package model

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OtpStore defines persistence operations for one-time codes. The store keeps
// at most one record per (user, purpose).
type OtpStore interface {
	Get(ctx context.Context, userID uuid.UUID, purpose OtpPurpose) (OtpRecord, error)
	Save(ctx context.Context, record OtpRecord) error
	Delete(ctx context.Context, userID uuid.UUID, purpose OtpPurpose) error
}

// OtpPurpose scopes a one-time code to the operation it authorizes.
type OtpPurpose string

const (
	// OtpPurposeLogin is the email second factor during login.
	OtpPurposeLogin OtpPurpose = "login"
	// OtpPurposeProtectedAction guards sensitive account operations.
	OtpPurposeProtectedAction OtpPurpose = "protected_action"
	// OtpPurposeEmailVerify confirms ownership of a new email address.
	OtpPurposeEmailVerify OtpPurpose = "email_verify"
)

// OtpRecord is a single outstanding one-time code.
type OtpRecord struct {
	UserID   uuid.UUID
	Purpose  OtpPurpose
	Token    string
	Email    string
	IssuedAt time.Time
	Attempts int
}

var (
	// ErrOtpInvalid indicates the presented code does not match.
	ErrOtpInvalid = fmt.Errorf("one-time code invalid")
	// ErrOtpExpired indicates the code aged out or ran out of attempts.
	ErrOtpExpired = fmt.Errorf("one-time code expired")
)

// RateLimitError is returned when a code was requested again before the
// cooldown since the previous request elapsed.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}
