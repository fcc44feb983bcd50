package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dtroode/vaultkeeper-server/internal/config"
	"github.com/dtroode/vaultkeeper-server/internal/crypto"
	"github.com/dtroode/vaultkeeper-server/internal/logger"
	"github.com/dtroode/vaultkeeper-server/internal/metrics"
	"github.com/dtroode/vaultkeeper-server/internal/model"
	"github.com/dtroode/vaultkeeper-server/internal/sso"
	"github.com/dtroode/vaultkeeper-server/internal/token"
)

// loginScope is the scope granted to every vault session.
var loginScope = []string{"api", "offline_access"}

// LoginRequest carries everything a /connect/token grant may supply.
type LoginRequest struct {
	Email        string
	PasswordHash string
	Code         string
	CodeVerifier string

	DeviceID   string
	DeviceName string
	DeviceType int

	TwoFactorProvider *model.TwoFactorType
	TwoFactorToken    string
	TwoFactorRemember bool

	ClientName string
	IP         string
}

// Session is an issued login session. TwoFactorToken carries a fresh
// remember token when the client asked to skip the prompt next time.
type Session struct {
	AccessToken    string
	RefreshToken   string
	ExpiresIn      int64
	TwoFactorToken string
	User           model.User
	Device         model.Device
}

// SessionIssuer turns verified credentials into signed session tokens. It
// owns the password and SSO login flows and the matching refresh paths.
type SessionIssuer struct {
	users     model.UserStore
	devices   model.DeviceStore
	events    model.EventStore
	twoFactor *TwoFactor
	sso       *sso.Bridge
	mailer    model.MailSender
	codec     *token.Codec
	jwtCfg    config.JWT
	ssoCfg    config.SSO
	logger    *logger.Logger

	now func() time.Time
}

func NewSessionIssuer(
	users model.UserStore,
	devices model.DeviceStore,
	events model.EventStore,
	twoFactor *TwoFactor,
	ssoBridge *sso.Bridge,
	mailer model.MailSender,
	codec *token.Codec,
	jwtCfg config.JWT,
	ssoCfg config.SSO,
	logger *logger.Logger,
) *SessionIssuer {
	return &SessionIssuer{
		users:     users,
		devices:   devices,
		events:    events,
		twoFactor: twoFactor,
		sso:       ssoBridge,
		mailer:    mailer,
		codec:     codec,
		jwtCfg:    jwtCfg,
		ssoCfg:    ssoCfg,
		logger:    logger,
		now:       time.Now,
	}
}

// PasswordLogin handles the password grant: master password check, second
// factor dispatch, then token issuance.
func (s *SessionIssuer) PasswordLogin(ctx context.Context, in LoginRequest) (Session, error) {
	user, err := s.users.GetByEmail(ctx, in.Email)
	if errors.Is(err, model.ErrNotFound) {
		return Session{}, s.failLogin(ctx, "password", uuid.Nil, in, model.ErrInvalidCredentials)
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to get user by email: %w", err)
	}

	if !crypto.CheckPassword(in.PasswordHash, user.Salt, user.PasswordIterations, user.PasswordHash) {
		return Session{}, s.failLogin(ctx, "password", user.ID, in, model.ErrInvalidCredentials)
	}

	if !user.Enabled {
		return Session{}, s.failLogin(ctx, "password", user.ID, in, model.ErrUserDisabled)
	}

	device, newDevice, err := s.resolveDevice(ctx, user, in)
	if err != nil {
		return Session{}, err
	}

	rememberToken, err := s.authSecondFactor(ctx, user, &device, in)
	if err != nil {
		return Session{}, err
	}

	sess, err := s.issueSession(ctx, user, device, newDevice, in)
	if err != nil {
		return Session{}, err
	}
	sess.TwoFactorToken = rememberToken

	s.recordEvent(ctx, model.EventLoginSuccess, user.ID, in)
	metrics.LoginAttempts.WithLabelValues("password", metrics.OutcomeSuccess).Inc()
	s.logger.Info("Session service: password login",
		"user_id", user.ID,
		"device_id", device.ID,
		"ip", in.IP)

	return sess, nil
}

// SsoLogin handles the authorization_code grant. in.Code carries the state
// of a completed SSO flow; the provider exchange result is redeemed and
// wrapped into our own tokens.
func (s *SessionIssuer) SsoLogin(ctx context.Context, in LoginRequest) (Session, error) {
	if s.sso == nil || !s.sso.Enabled() {
		return Session{}, model.ErrInvalidCredentials
	}

	info, err := s.sso.ExchangeCode(ctx, in.Code, in.CodeVerifier)
	if err != nil {
		metrics.LoginAttempts.WithLabelValues("sso", metrics.OutcomeFailure).Inc()
		return Session{}, err
	}

	user, err := s.findOrCreateSsoUser(ctx, info)
	if err != nil {
		return Session{}, err
	}

	if !user.Enabled {
		return Session{}, s.failLogin(ctx, "sso", user.ID, in, model.ErrUserDisabled)
	}

	device, newDevice, err := s.resolveDevice(ctx, user, in)
	if err != nil {
		return Session{}, err
	}

	rememberToken, err := s.authSecondFactor(ctx, user, &device, in)
	if err != nil {
		return Session{}, err
	}

	// The provider tokens are handed out exactly once.
	au, err := s.sso.Redeem(ctx, in.Code)
	if err != nil {
		return Session{}, err
	}

	sess, err := s.issueSsoSession(ctx, user, device, newDevice, in, au.RefreshToken, au.AccessToken, au.ExpiresIn)
	if err != nil {
		return Session{}, err
	}
	sess.TwoFactorToken = rememberToken

	s.recordEvent(ctx, model.EventSsoLogin, user.ID, in)
	metrics.LoginAttempts.WithLabelValues("sso", metrics.OutcomeSuccess).Inc()
	s.logger.Info("Session service: sso login",
		"user_id", user.ID,
		"device_id", device.ID,
		"ip", in.IP)

	return sess, nil
}

// RefreshLogin handles the refresh_token grant. An SSO session presents one
// of our refresh JWTs wrapping the provider token; a password session
// presents the opaque device token.
func (s *SessionIssuer) RefreshLogin(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, model.ErrTokenInvalid
	}

	if s.sso != nil && s.sso.Enabled() {
		var rc token.RefreshClaims
		if err := s.codec.Decode(refreshToken, &rc, s.codec.SsoIssuer()); err == nil {
			return s.refreshSsoLogin(ctx, rc)
		} else if !errors.Is(err, model.ErrTokenInvalid) && !errors.Is(err, model.ErrTokenIssuer) {
			// A decodable but expired or not-yet-valid wrapper is still
			// ours; do not fall through to the opaque lookup.
			return Session{}, err
		}
	}

	device, err := s.devices.GetByRefreshToken(ctx, refreshToken)
	if errors.Is(err, model.ErrNotFound) {
		return Session{}, model.ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to get device by refresh token: %w", err)
	}

	user, err := s.users.GetByID(ctx, device.UserID)
	if err != nil {
		return Session{}, fmt.Errorf("failed to get user: %w", err)
	}
	if !user.Enabled {
		return Session{}, model.ErrUserDisabled
	}

	now := s.now()
	access, err := s.codec.Encode(s.loginClaims(user, device, now, now.Add(s.jwtCfg.AccessTokenTTL), []string{"Application"}))
	if err != nil {
		return Session{}, fmt.Errorf("failed to encode access token: %w", err)
	}

	device, err = s.devices.Save(ctx, device)
	if err != nil {
		return Session{}, fmt.Errorf("failed to save device: %w", err)
	}

	return Session{
		AccessToken:  access,
		RefreshToken: device.RefreshToken,
		ExpiresIn:    int64(s.jwtCfg.AccessTokenTTL.Seconds()),
		User:         user,
		Device:       device,
	}, nil
}

// Authenticate resolves an access token into its user and device. A rotated
// security stamp invalidates every outstanding token.
func (s *SessionIssuer) Authenticate(ctx context.Context, accessToken string) (model.User, model.Device, error) {
	var claims token.LoginClaims
	if err := s.codec.Decode(accessToken, &claims, s.codec.LoginIssuer()); err != nil {
		return model.User{}, model.Device{}, err
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return model.User{}, model.Device{}, model.ErrTokenInvalid
	}

	user, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, model.ErrNotFound) {
		return model.User{}, model.Device{}, model.ErrTokenInvalid
	}
	if err != nil {
		return model.User{}, model.Device{}, fmt.Errorf("failed to get user: %w", err)
	}

	if !crypto.ConstantTimeEq(claims.SecurityStamp, user.SecurityStamp) {
		return model.User{}, model.Device{}, model.ErrTokenInvalid
	}
	if !user.Enabled {
		return model.User{}, model.Device{}, model.ErrUserDisabled
	}

	device, err := s.devices.GetByID(ctx, claims.Device, user.ID)
	if errors.Is(err, model.ErrNotFound) {
		return model.User{}, model.Device{}, model.ErrTokenInvalid
	}
	if err != nil {
		return model.User{}, model.Device{}, fmt.Errorf("failed to get device: %w", err)
	}

	return user, device, nil
}

// RevokeSessions rotates the user's security stamp, which invalidates every
// outstanding access token at decode time.
func (s *SessionIssuer) RevokeSessions(ctx context.Context, user model.User) error {
	user.ResetSecurityStamp()
	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

func (s *SessionIssuer) resolveDevice(ctx context.Context, user model.User, in LoginRequest) (model.Device, bool, error) {
	device, err := s.devices.GetByID(ctx, in.DeviceID, user.ID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Device{
			ID:     in.DeviceID,
			UserID: user.ID,
			Name:   in.DeviceName,
			Type:   in.DeviceType,
		}, true, nil
	}
	if err != nil {
		return model.Device{}, false, fmt.Errorf("failed to get device: %w", err)
	}

	return device, device.IsNew(), nil
}

// authSecondFactor runs the two factor dispatch for a login attempt and
// returns a fresh remember token when one was granted.
func (s *SessionIssuer) authSecondFactor(ctx context.Context, user model.User, device *model.Device, in LoginRequest) (string, error) {
	enabled, err := s.twoFactor.Enabled(ctx, user.ID)
	if err != nil {
		return "", err
	}
	if len(enabled) == 0 {
		return "", nil
	}

	if in.TwoFactorToken == "" {
		required, err := s.twoFactor.RequiredError(ctx, user, in.ClientName, in.DeviceID)
		if err != nil {
			return "", err
		}
		return "", required
	}

	provider := DefaultProvider(enabled)
	if in.TwoFactorProvider != nil {
		provider = *in.TwoFactorProvider
	}

	rememberToken, err := s.twoFactor.Auth(ctx, user, provider, in.TwoFactorToken, device, in.ClientName, in.TwoFactorRemember)
	if err != nil {
		var required *TwoFactorRequiredError
		switch {
		case errors.As(err, &required):
		case errors.Is(err, model.ErrTransport):
			// An unreachable provider is not a failed attempt; the user
			// retries once the provider is back.
		default:
			s.recordEvent(ctx, model.EventTwoFactorFailed, user.ID, in)
			metrics.TwoFactorAttempts.WithLabelValues(providerLabel(provider), metrics.OutcomeFailure).Inc()
		}
		return "", err
	}

	s.recordEvent(ctx, model.EventTwoFactorSuccess, user.ID, in)
	metrics.TwoFactorAttempts.WithLabelValues(providerLabel(provider), metrics.OutcomeSuccess).Inc()
	return rememberToken, nil
}

func (s *SessionIssuer) issueSession(ctx context.Context, user model.User, device model.Device, newDevice bool, in LoginRequest) (Session, error) {
	if device.RefreshToken == "" {
		refresh, err := crypto.RefreshToken()
		if err != nil {
			return Session{}, fmt.Errorf("failed to generate refresh token: %w", err)
		}
		device.RefreshToken = refresh
	}

	now := s.now()
	access, err := s.codec.Encode(s.loginClaims(user, device, now, now.Add(s.jwtCfg.AccessTokenTTL), []string{"Application"}))
	if err != nil {
		return Session{}, fmt.Errorf("failed to encode access token: %w", err)
	}

	device, err = s.devices.Save(ctx, device)
	if err != nil {
		return Session{}, fmt.Errorf("failed to save device: %w", err)
	}

	s.notifyNewDevice(ctx, user, device, newDevice, in.IP)

	return Session{
		AccessToken:  access,
		RefreshToken: device.RefreshToken,
		ExpiresIn:    int64(s.jwtCfg.AccessTokenTTL.Seconds()),
		User:         user,
		Device:       device,
	}, nil
}

// issueSsoSession wraps the provider tokens into a refresh JWT so renewals
// can go back to the provider. The access token validity follows the
// provider's when it is readable.
func (s *SessionIssuer) issueSsoSession(ctx context.Context, user model.User, device model.Device, newDevice bool, in LoginRequest, providerRefresh, providerAccess string, expiresIn int64) (Session, error) {
	if device.RefreshToken == "" {
		refresh, err := crypto.RefreshToken()
		if err != nil {
			return Session{}, fmt.Errorf("failed to generate refresh token: %w", err)
		}
		device.RefreshToken = refresh
	}

	sess, err := s.createSsoTokens(user, device, providerRefresh, providerAccess, expiresIn)
	if err != nil {
		return Session{}, err
	}

	device, err = s.devices.Save(ctx, device)
	if err != nil {
		return Session{}, fmt.Errorf("failed to save device: %w", err)
	}
	sess.Device = device

	s.notifyNewDevice(ctx, user, device, newDevice, in.IP)

	return sess, nil
}

// createSsoTokens builds the access and refresh tokens for an SSO session.
// With no provider refresh token, the provider access token is wrapped
// instead so validity can still be checked against the provider.
func (s *SessionIssuer) createSsoTokens(user model.User, device model.Device, providerRefresh, providerAccess string, expiresIn int64) (Session, error) {
	now := s.now()

	accessNbf, accessExp, err := sso.PeekClaims(providerAccess)
	if err != nil {
		if expiresIn <= 0 {
			return Session{}, fmt.Errorf("failed to read provider access token validity: %w", err)
		}
		accessNbf = now.Unix()
		accessExp = now.Add(time.Duration(expiresIn) * time.Second).Unix()
	}

	claims := s.loginClaims(user, device, time.Unix(accessNbf, 0), time.Unix(accessExp, 0), []string{"external"})
	access, err := s.codec.Encode(claims)
	if err != nil {
		return Session{}, fmt.Errorf("failed to encode access token: %w", err)
	}

	var (
		refreshNbf, refreshExp int64
		wrapper                token.TokenWrapper
	)
	if providerRefresh != "" {
		refreshNbf, refreshExp, err = sso.PeekClaims(providerRefresh)
		if err != nil {
			// Opaque provider refresh token; fall back to our own validity.
			refreshNbf = now.Unix()
			refreshExp = now.Add(s.jwtCfg.RefreshTokenTTL).Unix()
		}
		wrapper = token.TokenWrapper{Kind: token.TokenKindRefresh, Token: providerRefresh}
	} else {
		refreshNbf = accessNbf
		refreshExp = accessExp
		wrapper = token.TokenWrapper{Kind: token.TokenKindAccess, Token: providerAccess}
	}

	refreshClaims := token.RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.codec.SsoIssuer(),
			Subject:   string(token.AuthMethodSso),
			NotBefore: jwt.NewNumericDate(time.Unix(refreshNbf, 0)),
			ExpiresAt: jwt.NewNumericDate(time.Unix(refreshExp, 0)),
		},
		DeviceToken: device.RefreshToken,
		Token:       &wrapper,
	}
	refresh, err := s.codec.Encode(refreshClaims)
	if err != nil {
		return Session{}, fmt.Errorf("failed to encode refresh token: %w", err)
	}

	return Session{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    accessExp - now.Unix(),
		User:         user,
		Device:       device,
	}, nil
}

// refreshSsoLogin renews an SSO session, going back to the provider when a
// real refresh token is wrapped, or just re-checking validity when only the
// access token was available.
func (s *SessionIssuer) refreshSsoLogin(ctx context.Context, rc token.RefreshClaims) (Session, error) {
	device, err := s.devices.GetByRefreshToken(ctx, rc.DeviceToken)
	if errors.Is(err, model.ErrNotFound) {
		return Session{}, model.ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to get device by refresh token: %w", err)
	}

	user, err := s.users.GetByID(ctx, device.UserID)
	if err != nil {
		return Session{}, fmt.Errorf("failed to get user: %w", err)
	}
	if !user.Enabled {
		return Session{}, model.ErrUserDisabled
	}

	if rc.Token == nil {
		return Session{}, model.ErrTokenInvalid
	}

	now := s.now()
	switch rc.Token.Kind {
	case token.TokenKindRefresh:
		resp, err := s.sso.RefreshTokens(ctx, rc.Token.Token)
		if err != nil {
			return Session{}, err
		}
		rolled := resp.RefreshToken
		if rolled == "" {
			rolled = rc.Token.Token
		}
		sess, err := s.createSsoTokens(user, device, rolled, resp.AccessToken, resp.ExpiresIn)
		if err != nil {
			return Session{}, err
		}
		if _, err := s.devices.Save(ctx, device); err != nil {
			return Session{}, fmt.Errorf("failed to save device: %w", err)
		}
		return sess, nil

	case token.TokenKindAccess:
		// Without a provider refresh token we can only stretch the session
		// while the wrapped access token is comfortably away from expiry.
		if rc.ExpiresAt == nil || rc.ExpiresAt.Before(now.Add(s.ssoCfg.AuthOnlyNotBefore)) {
			return Session{}, model.ErrTokenExpired
		}
		if err := s.sso.CheckAccessToken(ctx, rc.Token.Token); err != nil {
			return Session{}, model.ErrTokenInvalid
		}

		claims := s.loginClaims(user, device, now, rc.ExpiresAt.Time, []string{"external"})
		access, err := s.codec.Encode(claims)
		if err != nil {
			return Session{}, fmt.Errorf("failed to encode access token: %w", err)
		}

		refresh, err := s.codec.Encode(token.RefreshClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    s.codec.SsoIssuer(),
				Subject:   string(token.AuthMethodSso),
				NotBefore: jwt.NewNumericDate(now),
				ExpiresAt: rc.ExpiresAt,
			},
			DeviceToken: device.RefreshToken,
			Token:       rc.Token,
		})
		if err != nil {
			return Session{}, fmt.Errorf("failed to encode refresh token: %w", err)
		}

		return Session{
			AccessToken:  access,
			RefreshToken: refresh,
			ExpiresIn:    rc.ExpiresAt.Unix() - now.Unix(),
			User:         user,
			Device:       device,
		}, nil

	default:
		return Session{}, model.ErrTokenInvalid
	}
}

// findOrCreateSsoUser looks the authenticated identity up by email and
// provisions a fresh account on first login.
func (s *SessionIssuer) findOrCreateSsoUser(ctx context.Context, info sso.UserInformation) (model.User, error) {
	user, err := s.users.GetByEmail(ctx, info.Email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.User{}, fmt.Errorf("failed to get user by email: %w", err)
	}

	now := s.now()
	name := info.Email
	if info.UserName != nil && *info.UserName != "" {
		name = *info.UserName
	}
	var verifiedAt *time.Time
	if info.EmailVerified {
		verifiedAt = &now
	}

	user = model.User{
		ID:         uuid.New(),
		Email:      info.Email,
		Name:       name,
		Enabled:    true,
		VerifiedAt: verifiedAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	user.ResetSecurityStamp()

	created, err := s.users.Create(ctx, user)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info("Session service: provisioned sso user",
		"user_id", created.ID,
		"identifier", info.Identifier)

	return created, nil
}

func (s *SessionIssuer) loginClaims(user model.User, device model.Device, nbf, exp time.Time, amr []string) token.LoginClaims {
	return token.LoginClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.codec.LoginIssuer(),
			Subject:   user.ID.String(),
			NotBefore: jwt.NewNumericDate(nbf),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Premium:       user.Premium,
		Name:          user.Name,
		Email:         user.Email,
		EmailVerified: user.EmailVerified(),
		SecurityStamp: user.SecurityStamp,
		Device:        device.ID,
		Scope:         loginScope,
		AMR:           amr,
	}
}

func (s *SessionIssuer) notifyNewDevice(ctx context.Context, user model.User, device model.Device, newDevice bool, ip string) {
	if !newDevice || s.mailer == nil {
		return
	}
	if err := s.mailer.SendNewDevice(ctx, user.Email, device.Name, ip); err != nil {
		s.logger.Error("Session service: failed to send new device mail",
			"user_id", user.ID,
			"error", err.Error())
	}
}

func (s *SessionIssuer) failLogin(ctx context.Context, grant string, userID uuid.UUID, in LoginRequest, cause error) error {
	if userID != uuid.Nil {
		s.recordEvent(ctx, model.EventLoginFailed, userID, in)
	}
	metrics.LoginAttempts.WithLabelValues(grant, metrics.OutcomeFailure).Inc()
	s.logger.Info("Session service: login rejected",
		"email", in.Email,
		"ip", in.IP,
		"reason", cause.Error())
	return cause
}

func (s *SessionIssuer) recordEvent(ctx context.Context, kind model.EventKind, userID uuid.UUID, in LoginRequest) {
	if s.events == nil {
		return
	}
	event := model.Event{
		ID:         uuid.New(),
		Kind:       kind,
		UserID:     userID,
		IP:         in.IP,
		DeviceType: in.DeviceType,
		OccurredAt: s.now(),
	}
	if err := s.events.Record(ctx, event); err != nil {
		s.logger.Error("Session service: failed to record event",
			"user_id", userID,
			"error", err.Error())
	}
}

func providerLabel(t model.TwoFactorType) string {
	switch t {
	case model.TwoFactorAuthenticator:
		return "authenticator"
	case model.TwoFactorEmail:
		return "email"
	case model.TwoFactorDuo:
		return "duo"
	case model.TwoFactorRemember:
		return "remember"
	default:
		return "unknown"
	}
}
