// Package mail はメール送信を抽象化する。
package mail

import (
	"context"
	"log/slog"
	"time"
)

// Sender は確認コードのメールを送信する。
type Sender interface {
	SendVerificationCode(ctx context.Context, to, code string, expiresAt time.Time) error
}

// LogSender は送信せずにslogへ出力するSender。ローカル開発用。
// コードはDEBUGレベルでのみ出力する。
type LogSender struct {
	From   string
	logger *slog.Logger
}

// NewLogSender はLogSenderを生成する。loggerがnilの場合はslog.Default()を使う。
func NewLogSender(from string, logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{From: from, logger: logger}
}

// SendVerificationCode は送信内容をログに出力する。
func (s *LogSender) SendVerificationCode(ctx context.Context, to, code string, expiresAt time.Time) error {
	s.logger.InfoContext(ctx, "確認コードメールを送信しました",
		slog.String("from", s.From),
		slog.String("to", to),
		slog.Time("expires_at", expiresAt),
	)
	s.logger.DebugContext(ctx, "確認コード",
		slog.String("to", to),
		slog.String("code", code),
	)
	return nil
}

var _ Sender = (*LogSender)(nil)
