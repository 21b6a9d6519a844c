package notification

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"devicetrust-controlplane/pkg/config"
	"devicetrust-controlplane/services/devicebinding"

	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notification",
	fx.Provide(NewChannel),
)

var tracer = otel.Tracer("devicetrust-controlplane/services/notification")

var ErrNotConfigured = errors.New("smtp is not configured")

// NewChannel picks SMTP when it is configured. Outside production it falls
// back to logging the code so local setups work without a mail server.
func NewChannel(cfg *config.Config) (devicebinding.VerificationChannel, error) {
	if cfg.SMTP.Host != "" {
		zap.L().Info("verification codes are sent by email", zap.String("smtp_host", cfg.SMTP.Host))
		return NewSMTPChannel(cfg), nil
	}
	if cfg.AppEnv == "production" {
		zap.L().Error("SMTP.HOST is required in production")
		return nil, ErrNotConfigured
	}
	zap.L().Warn("SMTP.HOST not set, verification codes are only logged")
	return NewLogChannel(), nil
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type SMTPChannel struct {
	host     string
	port     string
	user     string
	password string
	from     string
	fromName string
	appName  string

	send sendMailFunc
}

func NewSMTPChannel(cfg *config.Config) *SMTPChannel {
	return &SMTPChannel{
		host:     cfg.SMTP.Host,
		port:     cfg.SMTP.Port,
		user:     cfg.SMTP.User,
		password: cfg.SMTP.Password,
		from:     cfg.SMTP.From,
		fromName: cfg.SMTP.FromName,
		appName:  cfg.AppName,
		send:     smtp.SendMail,
	}
}

func (c *SMTPChannel) SendVerificationCode(ctx context.Context, email, code, deviceName, purpose string) error {
	_, span := tracer.Start(ctx, "notification.SendVerificationCode")
	defer span.End()

	email = strings.TrimSpace(email)
	if email == "" || strings.ContainsAny(email, "\r\n") {
		return fmt.Errorf("invalid recipient %q", email)
	}

	subject, body := render(code, deviceName, purpose)
	msg := []byte(fmt.Sprintf("To: %s\r\n"+
		"From: \"%s\" <%s>\r\n"+
		"Subject: %s\r\n"+
		"MIME-version: 1.0;\r\n"+
		"Content-Type: text/plain; charset=\"UTF-8\";\r\n"+
		"\r\n"+
		"%s", email, c.fromName, c.from, subject, body))

	var auth smtp.Auth
	if c.user != "" {
		auth = smtp.PlainAuth("", c.user, c.password, c.host)
	}

	addr := fmt.Sprintf("%s:%s", c.host, c.port)
	if err := c.send(addr, auth, c.from, []string{email}, msg); err != nil {
		zap.L().Warn("failed to send verification email", zap.String("purpose", purpose), zap.Error(err))
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func render(code, deviceName, purpose string) (subject, body string) {
	switch purpose {
	case devicebinding.PurposeDeviceUnbind:
		subject = "Your device unbind code"
		body = fmt.Sprintf("Use code %s to confirm removing %q from your license.\r\n\r\n"+
			"The code expires in %d minutes. If you did not request this, you can ignore this email.\r\n",
			code, deviceName, int(devicebinding.CodeTTL.Minutes()))
	default:
		subject = "Your verification code"
		body = fmt.Sprintf("Your verification code is %s.\r\n", code)
	}
	return subject, body
}

// LogChannel writes a masked code to the log. It never delivers anything.
type LogChannel struct{}

func NewLogChannel() *LogChannel {
	return &LogChannel{}
}

func (LogChannel) SendVerificationCode(ctx context.Context, email, code, deviceName, purpose string) error {
	zap.L().Info("verification code issued",
		zap.String("email", maskEmail(email)),
		zap.String("code", maskCode(code)),
		zap.String("device_name", deviceName),
		zap.String("purpose", purpose),
	)
	return nil
}

func maskCode(code string) string {
	if len(code) <= 2 {
		return strings.Repeat("*", len(code))
	}
	return strings.Repeat("*", len(code)-2) + code[len(code)-2:]
}

func maskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	switch {
	case at < 0:
		return "***"
	case at <= 1:
		return "***" + email[at:]
	}
	return email[:1] + "***" + email[at:]
}
