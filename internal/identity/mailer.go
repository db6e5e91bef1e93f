package identity

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

// Mail は送信するメール。
type Mail struct {
	// To は宛先アドレス。
	To string
	// Subject は件名。
	Subject string
	// Text は本文（プレーンテキスト）。
	Text string
}

// Mailer はメールを送信する。
type Mailer interface {
	Send(ctx context.Context, mail Mail) error
}

// SMTPConfig はSMTPサーバーの接続設定。
type SMTPConfig struct {
	// Host はSMTPサーバーのホスト名。
	Host string
	// Port はSMTPサーバーのポート。
	Port string
	// Username はSMTP認証のユーザー名。空の場合は認証しない。
	Username string
	// Password はSMTP認証のパスワード。
	Password string
	// FromName は差出人の表示名。
	FromName string
	// FromEmail は差出人のアドレス。
	FromEmail string
}

// SMTPMailer はSMTPでメールを送信する。
type SMTPMailer struct {
	config SMTPConfig
}

// NewSMTPMailer は新しいSMTPMailerを生成する。
func NewSMTPMailer(config SMTPConfig) *SMTPMailer {
	return &SMTPMailer{config: config}
}

// Send はメールを送信する。net/smtpはcontextを受け取らないため、ctxは送信前の確認にのみ使う。
func (m *SMTPMailer) Send(ctx context.Context, mail Mail) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if m.config.Username != "" {
		auth = smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
	}

	addr := net.JoinHostPort(m.config.Host, m.config.Port)
	if err := smtp.SendMail(addr, auth, m.config.FromEmail, []string{mail.To}, m.message(mail)); err != nil {
		return fmt.Errorf("メール送信に失敗: %w", err)
	}
	return nil
}

// message はRFC 5322形式のメッセージを組み立てる。
func (m *SMTPMailer) message(mail Mail) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\r\n", m.config.FromName, m.config.FromEmail)
	fmt.Fprintf(&b, "To: %s\r\n", mail.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mail.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(mail.Text, "\n", "\r\n"))
	return []byte(b.String())
}

// LogMailer はメールを送信せずにログへ出力する。SMTPが未設定の開発環境で使う。
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer は新しいLogMailerを生成する。
func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

// Send はメールの内容をログに出力する。
func (m *LogMailer) Send(_ context.Context, mail Mail) error {
	m.logger.Info("メール送信（ログ出力のみ）",
		zap.String("to", mail.To),
		zap.String("subject", mail.Subject),
		zap.String("text", mail.Text),
	)
	return nil
}
