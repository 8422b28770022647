// Package mailer 负责外发邮件的投递：经后端 JSON 接口或直连 SMTP。
package mailer

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"commsdash/dashboard/internal/config"
	"commsdash/dashboard/internal/domain"
)

// ErrNoRecipients 邮件没有任何收件人
var ErrNoRecipients = errors.New("email has no recipients")

// Sender 外发邮件投递
type Sender interface {
	Send(ctx context.Context, email domain.OutgoingEmail) error
}

// EmailBackend 后端的发信接口
type EmailBackend interface {
	SendEmail(ctx context.Context, email domain.OutgoingEmail) error
}

// BackendSender 经后端 /send-email 投递
type BackendSender struct {
	backend EmailBackend
}

// NewBackendSender 创建后端投递器
func NewBackendSender(backend EmailBackend) *BackendSender {
	return &BackendSender{backend: backend}
}

// Send 投递邮件
func (s *BackendSender) Send(ctx context.Context, email domain.OutgoingEmail) error {
	return s.backend.SendEmail(ctx, email)
}

// SMTPSender 直连 SMTP 服务器投递
type SMTPSender struct {
	addr string
	from string
	auth sasl.Client
	log  *zap.Logger
	now  func() time.Time
}

// NewSMTPSender 根据邮件配置创建 SMTP 投递器，Username 为空时不认证
func NewSMTPSender(cfg config.MailConfig, log *zap.Logger) *SMTPSender {
	if log == nil {
		log = zap.NewNop()
	}
	var auth sasl.Client
	if cfg.Username != "" {
		auth = sasl.NewPlainClient("", cfg.Username, cfg.Password)
	}
	return &SMTPSender{
		addr: cfg.SMTPAddr,
		from: cfg.From,
		auth: auth,
		log:  log,
		now:  time.Now,
	}
}

// Send 编码并投递邮件，收件人包括 To、Cc 和 Bcc
func (s *SMTPSender) Send(ctx context.Context, email domain.OutgoingEmail) error {
	recipients := domain.SplitRecipients(email.To)
	recipients = append(recipients, domain.SplitRecipients(email.CC)...)
	recipients = append(recipients, domain.SplitRecipients(email.BCC)...)
	if len(recipients) == 0 {
		return ErrNoRecipients
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := Compose(s.from, email, s.now())
	if err != nil {
		return err
	}

	if err := gosmtp.SendMail(s.addr, s.auth, s.from, recipients, bytes.NewReader(raw)); err != nil {
		s.log.Error("smtp delivery failed",
			zap.String("addr", s.addr),
			zap.Int("recipients", len(recipients)),
			zap.Error(err))
		return err
	}

	s.log.Info("email delivered via smtp",
		zap.String("addr", s.addr),
		zap.Int("recipients", len(recipients)),
		zap.Bool("attachment", email.Attachment != nil))
	return nil
}

// New 根据配置选择投递方式
func New(cfg config.MailConfig, backend EmailBackend, log *zap.Logger) Sender {
	if cfg.Transport == "smtp" {
		return NewSMTPSender(cfg, log)
	}
	return NewBackendSender(backend)
}
