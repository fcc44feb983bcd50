package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dtroode/vaultkeeper-server/internal/config"
	"github.com/dtroode/vaultkeeper-server/internal/crypto"
	"github.com/dtroode/vaultkeeper-server/internal/duo"
	"github.com/dtroode/vaultkeeper-server/internal/logger"
	"github.com/dtroode/vaultkeeper-server/internal/mail"
	"github.com/dtroode/vaultkeeper-server/internal/model"
	"github.com/dtroode/vaultkeeper-server/internal/totp"
)

// TwoFactorRequiredError is returned by SessionIssuer when the password was
// accepted but a second factor is still missing. Providers maps each enabled
// provider to the data the client needs to complete it.
type TwoFactorRequiredError struct {
	Providers map[model.TwoFactorType]any
}

func (e *TwoFactorRequiredError) Error() string {
	return model.ErrTwoFactorRequired.Error()
}

func (e *TwoFactorRequiredError) Unwrap() error {
	return model.ErrTwoFactorRequired
}

// emailData is the enrollment payload stored for the email provider.
type emailData struct {
	Email string `json:"email"`
}

// TwoFactor dispatches login verification and enrollment across the second
// factor providers.
type TwoFactor struct {
	store  model.TwoFactorStore
	otp    *Otp
	duo    *duo.Bridge
	duoCfg config.Duo
	logger *logger.Logger

	// Fallback Duo application key, generated once when none is
	// configured. It must stay stable across a sign/validate pair.
	appKey     string
	appKeyErr  error
	appKeyOnce sync.Once

	now func() time.Time
}

func NewTwoFactor(store model.TwoFactorStore, otp *Otp, duoBridge *duo.Bridge, duoCfg config.Duo, logger *logger.Logger) *TwoFactor {
	return &TwoFactor{
		store:  store,
		otp:    otp,
		duo:    duoBridge,
		duoCfg: duoCfg,
		logger: logger,
		now:    time.Now,
	}
}

// Enabled returns the user's enrolled login providers, remember excluded.
func (s *TwoFactor) Enabled(ctx context.Context, userID uuid.UUID) ([]model.TwoFactor, error) {
	all, err := s.store.GetByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get two factor enrollments: %w", err)
	}

	enabled := make([]model.TwoFactor, 0, len(all))
	for _, tf := range all {
		if tf.Type == model.TwoFactorRemember {
			continue
		}
		enabled = append(enabled, tf)
	}
	return enabled, nil
}

// RequiredError builds the "two factor required" error for a login attempt,
// listing every enabled provider with its client payload. For the email
// provider a login code is sent as a side effect. deviceID binds the Duo
// authorization URL to the requesting device.
func (s *TwoFactor) RequiredError(ctx context.Context, user model.User, clientName, deviceID string) (*TwoFactorRequiredError, error) {
	enabled, err := s.Enabled(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	providers := make(map[model.TwoFactorType]any, len(enabled))
	for _, tf := range enabled {
		switch tf.Type {
		case model.TwoFactorAuthenticator:
			providers[tf.Type] = nil

		case model.TwoFactorEmail:
			var d emailData
			if err := json.Unmarshal([]byte(tf.Data), &d); err != nil {
				return nil, fmt.Errorf("failed to parse email enrollment: %w", err)
			}
			// Send the code right away when email is the only option,
			// otherwise wait for the client to pick the provider.
			if len(enabled) == 1 {
				if err := s.sendEmailLogin(ctx, user, d.Email); err != nil {
					// A rate limited resend still lets the user type
					// the previous code.
					var rl *model.RateLimitError
					if !errors.As(err, &rl) {
						return nil, err
					}
				}
			}
			providers[tf.Type] = map[string]any{"Email": mail.ObscureEmail(d.Email)}

		case model.TwoFactorDuo:
			data, err := s.duoData(ctx, user.ID)
			if err != nil {
				return nil, err
			}
			if s.duoCfg.UseOIDC {
				authURL, err := s.duo.AuthURL(ctx, data, user.Email, clientName, deviceID)
				if err != nil {
					return nil, err
				}
				providers[tf.Type] = map[string]any{"Host": data.Host, "AuthUrl": authURL}
			} else {
				signer := duo.NewLegacySigner(data)
				providers[tf.Type] = map[string]any{"Host": data.Host, "Signature": signer.SignRequest(user.Email, s.now())}
			}

		default:
			providers[tf.Type] = nil
		}
	}

	return &TwoFactorRequiredError{Providers: providers}, nil
}

// DefaultProvider picks the provider a login attempt falls back to when the
// client did not name one.
func DefaultProvider(enabled []model.TwoFactor) model.TwoFactorType {
	if len(enabled) == 0 {
		return -1
	}
	return enabled[0].Type
}

// Auth verifies the presented second factor token for a login. On success
// with remember set (and always after a successful remember token), a fresh
// remember token is placed on the device and returned so the client can
// store it; the caller persists the device. Any other outcome clears a
// stale remember token. A wrong or missing remember token surfaces as a
// *TwoFactorRequiredError so the client falls back to a real provider.
func (s *TwoFactor) Auth(ctx context.Context, user model.User, provider model.TwoFactorType, token string, device *model.Device, clientName string, remember bool) (string, error) {
	if token == "" {
		return "", model.ErrOtpInvalid
	}

	switch provider {
	case model.TwoFactorAuthenticator:
		if err := s.authTotp(ctx, user.ID, token); err != nil {
			return "", err
		}

	case model.TwoFactorEmail:
		if err := s.otp.Verify(ctx, user.ID, model.OtpPurposeLogin, token, true); err != nil {
			// A code that was never issued reads as a bad code to the
			// client.
			if errors.Is(err, model.ErrNotFound) {
				return "", model.ErrOtpInvalid
			}
			return "", err
		}

	case model.TwoFactorDuo:
		data, err := s.duoData(ctx, user.ID)
		if err != nil {
			return "", err
		}
		if s.duoCfg.UseOIDC {
			err = s.duo.Validate(ctx, data, user.Email, token, clientName, device.ID)
		} else {
			err = duo.NewLegacySigner(data).ValidateResponse(user.Email, token, s.now())
		}
		if err != nil {
			return "", err
		}

	case model.TwoFactorRemember:
		if device.TwoFactorRemember == nil || !crypto.ConstantTimeEq(*device.TwoFactorRemember, token) {
			device.TwoFactorRemember = nil
			required, err := s.RequiredError(ctx, user, clientName, device.ID)
			if err != nil {
				return "", err
			}
			return "", required
		}
		// Roll the token so the device keeps being remembered.
		remember = true

	default:
		return "", fmt.Errorf("unsupported two factor provider %d", provider)
	}

	if !remember {
		device.TwoFactorRemember = nil
		return "", nil
	}

	rememberToken, err := crypto.RememberToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate remember token: %w", err)
	}
	device.TwoFactorRemember = &rememberToken
	return rememberToken, nil
}

func (s *TwoFactor) authTotp(ctx context.Context, userID uuid.UUID, code string) error {
	tf, err := s.store.GetByUserAndType(ctx, userID, model.TwoFactorAuthenticator)
	if err != nil {
		return fmt.Errorf("failed to get authenticator enrollment: %w", err)
	}

	data, err := totp.ParseData(tf.Data)
	if err != nil {
		return fmt.Errorf("failed to parse authenticator enrollment: %w", err)
	}

	step, err := totp.Validate(code, data.Secret, data.LastUsed, s.now())
	if err != nil {
		return err
	}

	data.LastUsed = step
	encoded, err := data.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode authenticator enrollment: %w", err)
	}
	tf.Data = encoded
	if err := s.store.Save(ctx, tf); err != nil {
		return fmt.Errorf("failed to save authenticator enrollment: %w", err)
	}

	return nil
}

// duoData returns the user's Duo enrollment, or the globally configured
// application when the enrollment carries no data of its own.
func (s *TwoFactor) duoData(ctx context.Context, userID uuid.UUID) (duo.Data, error) {
	tf, err := s.store.GetByUserAndType(ctx, userID, model.TwoFactorDuo)
	if err != nil {
		return duo.Data{}, fmt.Errorf("failed to get duo enrollment: %w", err)
	}

	if tf.Data != "" {
		data, err := duo.ParseData(tf.Data)
		if err != nil {
			return duo.Data{}, fmt.Errorf("failed to parse duo enrollment: %w", err)
		}
		if data.Host != "" {
			// Enrollments saved before application keys were stored need
			// one filled in.
			if data.AppKey == "" {
				data.AppKey, err = s.duoAppKey()
				if err != nil {
					return duo.Data{}, err
				}
			}
			return data, nil
		}
	}

	appKey, err := s.duoAppKey()
	if err != nil {
		return duo.Data{}, err
	}
	return duo.Data{
		Host:           s.duoCfg.Host,
		IntegrationKey: s.duoCfg.IntegrationKey,
		SecretKey:      s.duoCfg.SecretKey,
		AppKey:         appKey,
	}, nil
}

// duoAppKey returns the configured application key, or a process-stable
// generated one when the configuration does not set it.
func (s *TwoFactor) duoAppKey() (string, error) {
	if s.duoCfg.AppKey != "" {
		return s.duoCfg.AppKey, nil
	}
	s.appKeyOnce.Do(func() {
		s.appKey, s.appKeyErr = duo.GenerateAppKey()
	})
	return s.appKey, s.appKeyErr
}

func (s *TwoFactor) sendEmailLogin(ctx context.Context, user model.User, destination string) error {
	if destination != "" {
		user.Email = destination
	}
	return s.otp.Request(ctx, user, model.OtpPurposeLogin)
}

// SendEmailLogin re-sends the email login code for a pending two factor
// login.
func (s *TwoFactor) SendEmailLogin(ctx context.Context, user model.User) error {
	tf, err := s.store.GetByUserAndType(ctx, user.ID, model.TwoFactorEmail)
	if err != nil {
		return fmt.Errorf("failed to get email enrollment: %w", err)
	}
	var d emailData
	if err := json.Unmarshal([]byte(tf.Data), &d); err != nil {
		return fmt.Errorf("failed to parse email enrollment: %w", err)
	}
	return s.sendEmailLogin(ctx, user, d.Email)
}

// SetupAuthenticator returns a fresh TOTP secret and its provisioning URI.
// Nothing is persisted until ActivateAuthenticator confirms a code.
func (s *TwoFactor) SetupAuthenticator(issuer string, user model.User) (secret string, uri string, err error) {
	secret, err = totp.GenerateSecret(issuer, user.Email)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate authenticator secret: %w", err)
	}
	return secret, totp.ProvisioningURI(secret, issuer, user.Email), nil
}

// ActivateAuthenticator enrolls the authenticator provider after the user
// proves possession of the secret with a valid code.
func (s *TwoFactor) ActivateAuthenticator(ctx context.Context, user model.User, secret, code string) error {
	step, err := totp.Validate(code, secret, -1, s.now())
	if err != nil {
		return err
	}

	data := totp.Data{Secret: secret, LastUsed: step}
	encoded, err := data.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode authenticator enrollment: %w", err)
	}

	if err := s.store.Save(ctx, model.TwoFactor{UserID: user.ID, Type: model.TwoFactorAuthenticator, Data: encoded}); err != nil {
		return fmt.Errorf("failed to save authenticator enrollment: %w", err)
	}

	s.logger.Info("TwoFactor service: authenticator enabled", "user_id", user.ID)
	return nil
}

// SetupEmail sends a verification code to the candidate address.
func (s *TwoFactor) SetupEmail(ctx context.Context, user model.User, destination string) error {
	if destination != "" {
		user.Email = destination
	}
	return s.otp.Request(ctx, user, model.OtpPurposeEmailVerify)
}

// ActivateEmail enrolls the email provider after the code sent by SetupEmail
// is confirmed.
func (s *TwoFactor) ActivateEmail(ctx context.Context, user model.User, destination, code string) error {
	if err := s.otp.Verify(ctx, user.ID, model.OtpPurposeEmailVerify, code, true); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.ErrOtpInvalid
		}
		return err
	}

	if destination == "" {
		destination = user.Email
	}
	encoded, err := json.Marshal(emailData{Email: destination})
	if err != nil {
		return fmt.Errorf("failed to encode email enrollment: %w", err)
	}

	if err := s.store.Save(ctx, model.TwoFactor{UserID: user.ID, Type: model.TwoFactorEmail, Data: string(encoded)}); err != nil {
		return fmt.Errorf("failed to save email enrollment: %w", err)
	}

	s.logger.Info("TwoFactor service: email enabled", "user_id", user.ID)
	return nil
}

// ActivateDuo enrolls the Duo provider. The application must answer the
// health check before the enrollment is accepted.
func (s *TwoFactor) ActivateDuo(ctx context.Context, user model.User, data duo.Data) error {
	if s.duoCfg.UseOIDC {
		if err := s.duo.CheckHealth(ctx, data); err != nil {
			return err
		}
	}

	// The application key is minted here, never taken from the client.
	appKey, err := duo.GenerateAppKey()
	if err != nil {
		return err
	}
	data.AppKey = appKey

	encoded, err := data.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode duo enrollment: %w", err)
	}

	if err := s.store.Save(ctx, model.TwoFactor{UserID: user.ID, Type: model.TwoFactorDuo, Data: encoded}); err != nil {
		return fmt.Errorf("failed to save duo enrollment: %w", err)
	}

	s.logger.Info("TwoFactor service: duo enabled", "user_id", user.ID)
	return nil
}

// Disable removes a provider enrollment.
func (s *TwoFactor) Disable(ctx context.Context, userID uuid.UUID, t model.TwoFactorType) error {
	if err := s.store.DeleteByUserAndType(ctx, userID, t); err != nil {
		return fmt.Errorf("failed to delete two factor enrollment: %w", err)
	}
	s.logger.Info("TwoFactor service: provider disabled", "user_id", userID, "type", int(t))
	return nil
}
