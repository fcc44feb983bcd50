package model

import "context"

// MailSender delivers account mail. Implementations must be safe for
// concurrent use.
type MailSender interface {
	SendLoginCode(ctx context.Context, to string, code string) error
	SendVerifyCode(ctx context.Context, to string, code string) error
	SendNewDevice(ctx context.Context, to string, deviceName string, ip string) error
}
