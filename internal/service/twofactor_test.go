package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	ptotp "github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/vaultkeeper-server/internal/config"
	"github.com/dtroode/vaultkeeper-server/internal/duo"
	"github.com/dtroode/vaultkeeper-server/internal/mocks"
	"github.com/dtroode/vaultkeeper-server/internal/model"
	"github.com/dtroode/vaultkeeper-server/internal/testutil"
	"github.com/dtroode/vaultkeeper-server/internal/totp"
)

func newTestTwoFactor(store *mocks.TwoFactorStore, otpStore *mocks.OtpStore, mailer *mocks.MailSender, duoCfg config.Duo) *TwoFactor {
	now := time.Now()
	otp := newTestOtp(otpStore, mailer, now)
	tf := NewTwoFactor(store, otp, nil, duoCfg, testutil.MakeNoopLogger())
	tf.now = func() time.Time { return now }
	return tf
}

func TestTwoFactor_Enabled_FiltersRemember(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	store := &mocks.TwoFactorStore{}
	store.On("GetByUser", mock.Anything, userID).Return([]model.TwoFactor{
		{UserID: userID, Type: model.TwoFactorAuthenticator},
		{UserID: userID, Type: model.TwoFactorRemember, Data: "token"},
	}, nil)

	tf := newTestTwoFactor(store, &mocks.OtpStore{}, &mocks.MailSender{}, config.Duo{})
	enabled, err := tf.Enabled(ctx, userID)

	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, model.TwoFactorAuthenticator, enabled[0].Type)
}

func TestTwoFactor_RequiredError_EmailOnlySendsCode(t *testing.T) {
	ctx := context.Background()
	user := model.User{ID: uuid.New(), Email: "account@example.com"}

	store := &mocks.TwoFactorStore{}
	store.On("GetByUser", mock.Anything, user.ID).Return([]model.TwoFactor{
		{UserID: user.ID, Type: model.TwoFactorEmail, Data: `{"email":"byron@example.com"}`},
	}, nil)

	otpStore := &mocks.OtpStore{}
	mailer := &mocks.MailSender{}
	otpStore.On("Get", mock.Anything, user.ID, model.OtpPurposeLogin).Return(model.OtpRecord{}, model.ErrNotFound)
	otpStore.On("Save", mock.Anything, mock.Anything).Return(nil)
	mailer.On("SendLoginCode", mock.Anything, "byron@example.com", mock.Anything).Return(nil)

	tf := newTestTwoFactor(store, otpStore, mailer, config.Duo{})
	required, err := tf.RequiredError(ctx, user, "web", "device-1")

	require.NoError(t, err)
	payload, ok := required.Providers[model.TwoFactorEmail].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "by***@example.com", payload["Email"])
	mailer.AssertExpectations(t)
}

func TestTwoFactor_RequiredError_SecondProviderSkipsMail(t *testing.T) {
	ctx := context.Background()
	user := model.User{ID: uuid.New(), Email: "account@example.com"}

	store := &mocks.TwoFactorStore{}
	store.On("GetByUser", mock.Anything, user.ID).Return([]model.TwoFactor{
		{UserID: user.ID, Type: model.TwoFactorAuthenticator},
		{UserID: user.ID, Type: model.TwoFactorEmail, Data: `{"email":"byron@example.com"}`},
	}, nil)

	mailer := &mocks.MailSender{}
	tf := newTestTwoFactor(store, &mocks.OtpStore{}, mailer, config.Duo{})
	required, err := tf.RequiredError(ctx, user, "web", "device-1")

	require.NoError(t, err)
	assert.Contains(t, required.Providers, model.TwoFactorAuthenticator)
	assert.Contains(t, required.Providers, model.TwoFactorEmail)
	mailer.AssertNotCalled(t, "SendLoginCode", mock.Anything, mock.Anything, mock.Anything)
}

func TestTwoFactor_RequiredError_LegacyDuoSignature(t *testing.T) {
	ctx := context.Background()
	user := model.User{ID: uuid.New(), Email: "account@example.com"}

	store := &mocks.TwoFactorStore{}
	enrollment := model.TwoFactor{
		UserID: user.ID,
		Type:   model.TwoFactorDuo,
		Data:   `{"Host":"api-test.duosecurity.com","IntegrationKey":"DIXXXXXXXXXXXXXXXXXX","SecretKey":"secret","AppKey":"appkeyappkeyappkeyappkeyappkeyappkeyapp1"}`,
	}
	store.On("GetByUser", mock.Anything, user.ID).Return([]model.TwoFactor{enrollment}, nil)
	store.On("GetByUserAndType", mock.Anything, user.ID, model.TwoFactorDuo).Return(enrollment, nil)

	tf := newTestTwoFactor(store, &mocks.OtpStore{}, &mocks.MailSender{}, config.Duo{UseOIDC: false})
	required, err := tf.RequiredError(ctx, user, "web", "device-1")

	require.NoError(t, err)
	payload, ok := required.Providers[model.TwoFactorDuo].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "api-test.duosecurity.com", payload["Host"])
	assert.Contains(t, payload["Signature"], "TX|")
}

func TestTwoFactor_Auth_Authenticator(t *testing.T) {
	ctx := context.Background()
	user := model.User{ID: uuid.New(), Email: "account@example.com"}
	device := model.Device{ID: "device-1", UserID: user.ID}

	secret, err := totp.GenerateSecret("Vaultkeeper", user.Email)
	require.NoError(t, err)
	data, err := totp.Data{Secret: secret, LastUsed: -1}.Encode()
	require.NoError(t, err)

	now := time.Now()
	code, err := ptotp.GenerateCode(secret, now)
	require.NoError(t, err)

	store := &mocks.TwoFactorStore{}
	store.On("GetByUserAndType", mock.Anything, user.ID, model.TwoFactorAuthenticator).
		Return(model.TwoFactor{UserID: user.ID, Type: model.TwoFactorAuthenticator, Data: data}, nil)
	store.On("Save", mock.Anything, mock.MatchedBy(func(tf model.TwoFactor) bool {
		parsed, err := totp.ParseData(tf.Data)
		return err == nil && parsed.LastUsed > 0
	})).Return(nil)

	tf := newTestTwoFactor(store, &mocks.OtpStore{}, &mocks.MailSender{}, config.Duo{})
	tf.now = func() time.Time { return now }

	remember, err := tf.Auth(ctx, user, model.TwoFactorAuthenticator, code, &device, "web", false)
	require.NoError(t, err)
	assert.Empty(t, remember)
	assert.Nil(t, device.TwoFactorRemember)
	store.AssertExpectations(t)
}

func TestTwoFactor_Auth_RememberGrantsToken(t *testing.T) {
	ctx := context.Background()
	user := model.User{ID: uuid.New(), Email: "account@example.com"}

	secret, err := totp.GenerateSecret("Vaultkeeper", user.Email)
	require.NoError(t, err)
	data, err := totp.Data{Secret: secret, LastUsed: -1}.Encode()
	require.NoError(t, err)

	now := time.Now()
	code, err := ptotp.GenerateCode(secret, now)
	require.NoError(t, err)

	store := &mocks.TwoFactorStore{}
	store.On("GetByUserAndType", mock.Anything, user.ID, model.TwoFactorAuthenticator).
		Return(model.TwoFactor{UserID: user.ID, Type: model.TwoFactorAuthenticator, Data: data}, nil)
	store.On("Save", mock.Anything, mock.Anything).Return(nil)

	tf := newTestTwoFactor(store, &mocks.OtpStore{}, &mocks.MailSender{}, config.Duo{})
	tf.now = func() time.Time { return now }

	device := model.Device{ID: "device-1", UserID: user.ID}
	remember, err := tf.Auth(ctx, user, model.TwoFactorAuthenticator, code, &device, "web", true)

	require.NoError(t, err)
	require.NotEmpty(t, remember)
	require.NotNil(t, device.TwoFactorRemember)
	assert.Equal(t, remember, *device.TwoFactorRemember)
}

func TestTwoFactor_Auth_RememberTokenMatch(t *testing.T) {
	ctx := context.Background()
	user := model.User{ID: uuid.New()}
	stored := "remember-token"
	device := model.Device{ID: "device-1", UserID: user.ID, TwoFactorRemember: &stored}

	tf := newTestTwoFactor(&mocks.TwoFactorStore{}, &mocks.OtpStore{}, &mocks.MailSender{}, config.Duo{})
	remember, err := tf.Auth(ctx, user, model.TwoFactorRemember, stored, &device, "web", false)

	require.NoError(t, err)
	// A fresh token is rolled so the device stays remembered.
	require.NotEmpty(t, remember)
	assert.NotEqual(t, stored, remember)
}

func TestTwoFactor_Auth_RememberTokenMismatch(t *testing.T) {
	ctx := context.Background()
	user := model.User{ID: uuid.New()}
	stored := "remember-token"
	device := model.Device{ID: "device-1", UserID: user.ID, TwoFactorRemember: &stored}

	store := &mocks.TwoFactorStore{}
	store.On("GetByUser", mock.Anything, user.ID).Return([]model.TwoFactor{
		{UserID: user.ID, Type: model.TwoFactorAuthenticator},
	}, nil)

	tf := newTestTwoFactor(store, &mocks.OtpStore{}, &mocks.MailSender{}, config.Duo{})
	_, err := tf.Auth(ctx, user, model.TwoFactorRemember, "wrong", &device, "web", false)

	var required *TwoFactorRequiredError
	require.ErrorAs(t, err, &required)
	assert.Contains(t, required.Providers, model.TwoFactorAuthenticator)
	assert.Nil(t, device.TwoFactorRemember)
}

func TestTwoFactor_Auth_EmptyToken(t *testing.T) {
	ctx := context.Background()
	device := model.Device{ID: "device-1"}

	tf := newTestTwoFactor(&mocks.TwoFactorStore{}, &mocks.OtpStore{}, &mocks.MailSender{}, config.Duo{})
	_, err := tf.Auth(ctx, model.User{ID: uuid.New()}, model.TwoFactorAuthenticator, "", &device, "web", false)

	require.ErrorIs(t, err, model.ErrOtpInvalid)
}

func TestTwoFactor_ActivateAuthenticator(t *testing.T) {
	ctx := context.Background()
	user := model.User{ID: uuid.New(), Email: "account@example.com"}

	store := &mocks.TwoFactorStore{}
	store.On("Save", mock.Anything, mock.MatchedBy(func(tf model.TwoFactor) bool {
		return tf.UserID == user.ID && tf.Type == model.TwoFactorAuthenticator
	})).Return(nil)

	tf := newTestTwoFactor(store, &mocks.OtpStore{}, &mocks.MailSender{}, config.Duo{})

	secret, uri, err := tf.SetupAuthenticator("Vaultkeeper", user)
	require.NoError(t, err)
	assert.Contains(t, uri, "otpauth://totp/")

	code, err := ptotp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	require.NoError(t, tf.ActivateAuthenticator(ctx, user, secret, code))
	store.AssertExpectations(t)
}

func TestTwoFactor_ActivateAuthenticator_WrongCode(t *testing.T) {
	ctx := context.Background()
	user := model.User{ID: uuid.New(), Email: "account@example.com"}

	store := &mocks.TwoFactorStore{}
	tf := newTestTwoFactor(store, &mocks.OtpStore{}, &mocks.MailSender{}, config.Duo{})

	secret, _, err := tf.SetupAuthenticator("Vaultkeeper", user)
	require.NoError(t, err)

	err = tf.ActivateAuthenticator(ctx, user, secret, "000000")
	if err == nil {
		t.Skip("generated code happened to be 000000")
	}
	store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestTwoFactor_ActivateEmail(t *testing.T) {
	ctx := context.Background()
	user := model.User{ID: uuid.New(), Email: "account@example.com"}

	otpStore := &mocks.OtpStore{}
	otpStore.On("Get", mock.Anything, user.ID, model.OtpPurposeEmailVerify).
		Return(model.OtpRecord{UserID: user.ID, Token: "123456", IssuedAt: time.Now()}, nil)
	otpStore.On("Delete", mock.Anything, user.ID, model.OtpPurposeEmailVerify).Return(nil)

	store := &mocks.TwoFactorStore{}
	store.On("Save", mock.Anything, mock.MatchedBy(func(tf model.TwoFactor) bool {
		return tf.Type == model.TwoFactorEmail && tf.Data == `{"email":"second@example.com"}`
	})).Return(nil)

	tf := newTestTwoFactor(store, otpStore, &mocks.MailSender{}, config.Duo{})
	require.NoError(t, tf.ActivateEmail(ctx, user, "second@example.com", "123456"))

	store.AssertExpectations(t)
}

func TestTwoFactor_Auth_EmailCodeNeverIssued(t *testing.T) {
	ctx := context.Background()
	user := model.User{ID: uuid.New(), Email: "account@example.com"}

	otpStore := &mocks.OtpStore{}
	otpStore.On("Get", mock.Anything, user.ID, model.OtpPurposeLogin).Return(model.OtpRecord{}, model.ErrNotFound)

	tf := newTestTwoFactor(&mocks.TwoFactorStore{}, otpStore, &mocks.MailSender{}, config.Duo{})
	device := &model.Device{ID: "device-1"}
	_, err := tf.Auth(ctx, user, model.TwoFactorEmail, "123456", device, "web", false)

	require.ErrorIs(t, err, model.ErrOtpInvalid)
	require.NotErrorIs(t, err, model.ErrNotFound)
}

func TestTwoFactor_ActivateDuo_MintsAppKey(t *testing.T) {
	ctx := context.Background()
	user := model.User{ID: uuid.New(), Email: "account@example.com"}

	store := &mocks.TwoFactorStore{}
	var saved model.TwoFactor
	store.On("Save", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		saved = args.Get(1).(model.TwoFactor)
	}).Return(nil)

	tf := newTestTwoFactor(store, &mocks.OtpStore{}, &mocks.MailSender{}, config.Duo{UseOIDC: false})
	in := duo.Data{
		Host:           "api-test.duosecurity.com",
		IntegrationKey: "DIXXXXXXXXXXXXXXXXXX",
		SecretKey:      "secret",
		AppKey:         "client-supplied",
	}
	require.NoError(t, tf.ActivateDuo(ctx, user, in))

	data, err := duo.ParseData(saved.Data)
	require.NoError(t, err)
	assert.Len(t, data.AppKey, 64)
	assert.NotEqual(t, "client-supplied", data.AppKey)
}

func TestTwoFactor_RequiredError_LegacyDuoGeneratedAppKey(t *testing.T) {
	ctx := context.Background()
	user := model.User{ID: uuid.New(), Email: "account@example.com"}

	store := &mocks.TwoFactorStore{}
	enrollment := model.TwoFactor{UserID: user.ID, Type: model.TwoFactorDuo}
	store.On("GetByUser", mock.Anything, user.ID).Return([]model.TwoFactor{enrollment}, nil)
	store.On("GetByUserAndType", mock.Anything, user.ID, model.TwoFactorDuo).Return(enrollment, nil)

	cfg := config.Duo{
		Host:           "api-test.duosecurity.com",
		IntegrationKey: "DIXXXXXXXXXXXXXXXXXX",
		SecretKey:      "secret",
		UseOIDC:        false,
	}
	tf := newTestTwoFactor(store, &mocks.OtpStore{}, &mocks.MailSender{}, cfg)

	first, err := tf.RequiredError(ctx, user, "web", "device-1")
	require.NoError(t, err)
	second, err := tf.RequiredError(ctx, user, "web", "device-1")
	require.NoError(t, err)

	sig := first.Providers[model.TwoFactorDuo].(map[string]any)["Signature"].(string)
	again := second.Providers[model.TwoFactorDuo].(map[string]any)["Signature"].(string)
	// The generated key is stable for the process, so consecutive prompts
	// sign identically under a pinned clock.
	assert.Equal(t, sig, again)

	// The APP half must not be signed with an empty key.
	unkeyed := duo.NewLegacySigner(duo.Data{
		Host:           cfg.Host,
		IntegrationKey: cfg.IntegrationKey,
		SecretKey:      cfg.SecretKey,
	}).SignRequest(user.Email, tf.now())
	assert.Equal(t, strings.Split(unkeyed, ":")[0], strings.Split(sig, ":")[0])
	assert.NotEqual(t, strings.Split(unkeyed, ":")[1], strings.Split(sig, ":")[1])
}

func TestTwoFactor_Disable(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	store := &mocks.TwoFactorStore{}
	store.On("DeleteByUserAndType", mock.Anything, userID, model.TwoFactorEmail).Return(nil)

	tf := newTestTwoFactor(store, &mocks.OtpStore{}, &mocks.MailSender{}, config.Duo{})
	require.NoError(t, tf.Disable(ctx, userID, model.TwoFactorEmail))

	store.AssertExpectations(t)
}
