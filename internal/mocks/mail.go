package mocks

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

type MailSender struct {
	mock.Mock
}

func (m *MailSender) SendLoginCode(ctx context.Context, to string, code string) error {
	args := m.Called(ctx, to, code)
	return args.Error(0)
}

func (m *MailSender) SendVerifyCode(ctx context.Context, to string, code string) error {
	args := m.Called(ctx, to, code)
	return args.Error(0)
}

func (m *MailSender) SendNewDevice(ctx context.Context, to string, deviceName string, ip string) error {
	args := m.Called(ctx, to, deviceName, ip)
	return args.Error(0)
}

type Storage struct {
	mock.Mock
}

func (m *Storage) Upload(ctx context.Context, key string, reader io.Reader, size int64) error {
	args := m.Called(ctx, key, reader, size)
	return args.Error(0)
}

func (m *Storage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	args := m.Called(ctx, key)
	if rc := args.Get(0); rc != nil {
		return rc.(io.ReadCloser), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *Storage) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *Storage) Exists(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}
