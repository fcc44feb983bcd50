// Package mocks provides testify mocks for the model store interfaces.
package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/dtroode/vaultkeeper-server/internal/model"
)

type UserStore struct {
	mock.Mock
}

func (m *UserStore) GetByEmail(ctx context.Context, email string) (model.User, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(model.User), args.Error(1)
}

func (m *UserStore) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.User), args.Error(1)
}

func (m *UserStore) Create(ctx context.Context, user model.User) (model.User, error) {
	args := m.Called(ctx, user)
	return args.Get(0).(model.User), args.Error(1)
}

func (m *UserStore) Update(ctx context.Context, user model.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

type DeviceStore struct {
	mock.Mock
}

func (m *DeviceStore) GetByID(ctx context.Context, id string, userID uuid.UUID) (model.Device, error) {
	args := m.Called(ctx, id, userID)
	return args.Get(0).(model.Device), args.Error(1)
}

func (m *DeviceStore) GetByRefreshToken(ctx context.Context, refreshToken string) (model.Device, error) {
	args := m.Called(ctx, refreshToken)
	return args.Get(0).(model.Device), args.Error(1)
}

func (m *DeviceStore) Save(ctx context.Context, device model.Device) (model.Device, error) {
	args := m.Called(ctx, device)
	return args.Get(0).(model.Device), args.Error(1)
}

func (m *DeviceStore) Delete(ctx context.Context, id string, userID uuid.UUID) error {
	args := m.Called(ctx, id, userID)
	return args.Error(0)
}

type OtpStore struct {
	mock.Mock
}

func (m *OtpStore) Get(ctx context.Context, userID uuid.UUID, purpose model.OtpPurpose) (model.OtpRecord, error) {
	args := m.Called(ctx, userID, purpose)
	return args.Get(0).(model.OtpRecord), args.Error(1)
}

func (m *OtpStore) Save(ctx context.Context, record model.OtpRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *OtpStore) Delete(ctx context.Context, userID uuid.UUID, purpose model.OtpPurpose) error {
	args := m.Called(ctx, userID, purpose)
	return args.Error(0)
}

type TwoFactorStore struct {
	mock.Mock
}

func (m *TwoFactorStore) GetByUser(ctx context.Context, userID uuid.UUID) ([]model.TwoFactor, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]model.TwoFactor), args.Error(1)
}

func (m *TwoFactorStore) GetByUserAndType(ctx context.Context, userID uuid.UUID, t model.TwoFactorType) (model.TwoFactor, error) {
	args := m.Called(ctx, userID, t)
	return args.Get(0).(model.TwoFactor), args.Error(1)
}

func (m *TwoFactorStore) Save(ctx context.Context, tf model.TwoFactor) error {
	args := m.Called(ctx, tf)
	return args.Error(0)
}

func (m *TwoFactorStore) DeleteByUserAndType(ctx context.Context, userID uuid.UUID, t model.TwoFactorType) error {
	args := m.Called(ctx, userID, t)
	return args.Error(0)
}

type EventStore struct {
	mock.Mock
}

func (m *EventStore) Record(ctx context.Context, event model.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type DuoContextStore struct {
	mock.Mock
}

func (m *DuoContextStore) Create(ctx context.Context, dc model.DuoContext) error {
	args := m.Called(ctx, dc)
	return args.Error(0)
}

func (m *DuoContextStore) Consume(ctx context.Context, state string) (model.DuoContext, error) {
	args := m.Called(ctx, state)
	return args.Get(0).(model.DuoContext), args.Error(1)
}

func (m *DuoContextStore) DeleteExpired(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type SsoAuthStore struct {
	mock.Mock
}

func (m *SsoAuthStore) Create(ctx context.Context, auth model.SsoAuth) error {
	args := m.Called(ctx, auth)
	return args.Error(0)
}

func (m *SsoAuthStore) GetByState(ctx context.Context, state string) (model.SsoAuth, error) {
	args := m.Called(ctx, state)
	return args.Get(0).(model.SsoAuth), args.Error(1)
}

func (m *SsoAuthStore) Update(ctx context.Context, auth model.SsoAuth) error {
	args := m.Called(ctx, auth)
	return args.Error(0)
}

func (m *SsoAuthStore) Delete(ctx context.Context, state string) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *SsoAuthStore) DeleteExpired(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type AttachmentStore struct {
	mock.Mock
}

func (m *AttachmentStore) Create(ctx context.Context, attachment model.Attachment) (model.Attachment, error) {
	args := m.Called(ctx, attachment)
	return args.Get(0).(model.Attachment), args.Error(1)
}

func (m *AttachmentStore) GetByID(ctx context.Context, id uuid.UUID) (model.Attachment, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.Attachment), args.Error(1)
}

func (m *AttachmentStore) GetByUserID(ctx context.Context, userID uuid.UUID) ([]model.Attachment, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]model.Attachment), args.Error(1)
}

func (m *AttachmentStore) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
