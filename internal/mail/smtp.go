package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	netmail "net/mail"
	"net/smtp"
	"time"
)

// SMTPConfig はSMTPSenderの設定。
type SMTPConfig struct {
	Addr     string // host:port
	Username string // 空の場合は認証しない
	Password string
	From     string
	Timeout  time.Duration // 接続から送信完了までの上限。0の場合は10秒
}

// SMTPSender はSMTPサーバー経由で確認コードを送信するSender。
// サーバーがSTARTTLSを提供する場合は認証の前にTLSへ切り替える。
type SMTPSender struct {
	config SMTPConfig
	host   string
	from   *netmail.Address
	logger *slog.Logger
	dialer net.Dialer
}

// NewSMTPSender はSMTPSenderを生成する。
func NewSMTPSender(config SMTPConfig, logger *slog.Logger) (*SMTPSender, error) {
	host, _, err := net.SplitHostPort(config.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid smtp address %q: %w", config.Addr, err)
	}
	from, err := netmail.ParseAddress(config.From)
	if err != nil {
		return nil, fmt.Errorf("invalid sender address %q: %w", config.From, err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPSender{config: config, host: host, from: from, logger: logger}, nil
}

// SendVerificationCode は確認コードのメールを1通送信する。
func (s *SMTPSender) SendVerificationCode(ctx context.Context, to, code string, expiresAt time.Time) error {
	rcpt, err := netmail.ParseAddress(to)
	if err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	conn, err := s.dialer.DialContext(ctx, "tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to connect to smtp server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to start smtp session: %w", err)
	}
	defer c.Close()

	if err := s.deliver(c, rcpt.Address, buildMessage(s.from, rcpt, code, expiresAt)); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "確認コードメールを送信しました",
		slog.String("to", rcpt.Address),
		slog.Time("expires_at", expiresAt),
	)
	return nil
}

func (s *SMTPSender) deliver(c *smtp.Client, to string, msg []byte) error {
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("failed to start tls: %w", err)
		}
	}
	if s.config.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp server does not support AUTH")
		}
		if err := c.Auth(smtp.PlainAuth("", s.config.Username, s.config.Password, s.host)); err != nil {
			return fmt.Errorf("smtp authentication failed: %w", err)
		}
	}
	if err := c.Mail(s.from.Address); err != nil {
		return fmt.Errorf("smtp MAIL FROM rejected: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp RCPT TO rejected: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA rejected: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp message rejected: %w", err)
	}
	return c.Quit()
}

// buildMessage は確認コードのメール本文をヘッダー付きで組み立てる。
func buildMessage(from, to *netmail.Address, code string, expiresAt time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from.String())
	fmt.Fprintf(&b, "To: %s\r\n", to.String())
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", "確認コード / Verification code"))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "確認コード: %s\r\n", code)
	fmt.Fprintf(&b, "有効期限: %s\r\n", expiresAt.UTC().Format(time.RFC3339))
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Your verification code is %s. It expires at %s.\r\n", code, expiresAt.UTC().Format(time.RFC3339))
	return b.Bytes()
}

var _ Sender = (*SMTPSender)(nil)
