package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dtroode/vaultkeeper-server/internal/config"
	"github.com/dtroode/vaultkeeper-server/internal/crypto"
	"github.com/dtroode/vaultkeeper-server/internal/logger"
	"github.com/dtroode/vaultkeeper-server/internal/metrics"
	"github.com/dtroode/vaultkeeper-server/internal/model"
)

// Otp issues and verifies one-time codes delivered by mail. At most one code
// per (user, purpose) is outstanding at a time; a new request replaces the
// previous code once the cooldown elapsed.
type Otp struct {
	store  model.OtpStore
	mailer model.MailSender
	cfg    config.OTP
	logger *logger.Logger

	now      func() time.Time
	generate func(size int) (string, error)
}

func NewOtp(store model.OtpStore, mailer model.MailSender, cfg config.OTP, logger *logger.Logger) *Otp {
	return &Otp{
		store:    store,
		mailer:   mailer,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		generate: crypto.NumericToken,
	}
}

// Request generates a fresh code for (user, purpose) and mails it. A request
// made before the cooldown since the previous one elapsed fails with
// *model.RateLimitError and keeps the existing code valid.
func (o *Otp) Request(ctx context.Context, user model.User, purpose model.OtpPurpose) error {
	now := o.now()

	existing, err := o.store.Get(ctx, user.ID, purpose)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("failed to get one-time code: %w", err)
	}
	if err == nil {
		elapsed := now.Sub(existing.IssuedAt)
		if elapsed < o.cfg.Cooldown {
			return &model.RateLimitError{RetryAfter: o.cfg.Cooldown - elapsed}
		}
	}

	token, err := o.generate(o.cfg.TokenSize)
	if err != nil {
		return fmt.Errorf("failed to generate one-time code: %w", err)
	}

	record := model.OtpRecord{
		UserID:   user.ID,
		Purpose:  purpose,
		Token:    token,
		Email:    user.Email,
		IssuedAt: now,
		Attempts: 0,
	}
	if err := o.store.Save(ctx, record); err != nil {
		return fmt.Errorf("failed to save one-time code: %w", err)
	}

	switch purpose {
	case model.OtpPurposeEmailVerify:
		err = o.mailer.SendVerifyCode(ctx, user.Email, token)
	default:
		err = o.mailer.SendLoginCode(ctx, user.Email, token)
	}
	if err != nil {
		return fmt.Errorf("failed to send one-time code: %w", err)
	}

	metrics.OtpIssued.WithLabelValues(string(purpose)).Inc()
	o.logger.Info("Otp service: code issued",
		"user_id", user.ID,
		"purpose", purpose)

	return nil
}

// Verify checks a presented code. A code that was never issued surfaces as
// ErrNotFound; callers decide what the client sees. An aged-out code is
// deleted and reported expired. A code that ran out of attempts stays in
// the store, so retries keep failing until a fresh Request replaces it.
// With deleteOnSuccess the code is single use.
func (o *Otp) Verify(ctx context.Context, userID uuid.UUID, purpose model.OtpPurpose, token string, deleteOnSuccess bool) error {
	record, err := o.store.Get(ctx, userID, purpose)
	if errors.Is(err, model.ErrNotFound) {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get one-time code: %w", err)
	}

	now := o.now()
	if now.Sub(record.IssuedAt) > o.cfg.TTL {
		if err := o.store.Delete(ctx, userID, purpose); err != nil {
			return fmt.Errorf("failed to delete one-time code: %w", err)
		}
		return model.ErrOtpExpired
	}

	if record.Attempts >= o.cfg.AttemptLimit {
		return model.ErrOtpExpired
	}

	if !crypto.ConstantTimeEq(record.Token, token) {
		record.Attempts++
		if err := o.store.Save(ctx, record); err != nil {
			return fmt.Errorf("failed to save one-time code: %w", err)
		}
		o.logger.Info("Otp service: code mismatch",
			"user_id", userID,
			"purpose", purpose,
			"attempts", record.Attempts)
		return model.ErrOtpInvalid
	}

	if deleteOnSuccess {
		if err := o.store.Delete(ctx, userID, purpose); err != nil {
			return fmt.Errorf("failed to delete one-time code: %w", err)
		}
	}

	return nil
}
