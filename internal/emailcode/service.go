// Package emailcode はメールアドレス宛のワンタイムコードによるログインを提供する。
//
// コードは6桁の数字で、保存するのはハッシュのみ。再発行すると同じアドレスの
// 未使用コードは全て無効化され、古いコードで検証するとErrCodeInvalidになる。
package emailcode

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	mailsender "github.com/hitoshi/entrykeep/internal/mail"
	"github.com/hitoshi/entrykeep/internal/model"
	"github.com/hitoshi/entrykeep/internal/quota"
	"github.com/hitoshi/entrykeep/internal/repository"
	"github.com/hitoshi/entrykeep/internal/security"
)

const (
	// DefaultCodeTTL は確認コードの有効期間のデフォルト値。
	DefaultCodeTTL = 10 * time.Minute

	codeDigits     = 6
	maxEmailLength = 254
)

var codeSpace = big.NewInt(1_000_000)

var (
	ErrInvalidEmail    = errors.New("invalid email address")
	ErrCodeInvalid     = errors.New("verification code invalid")
	ErrCodeExpired     = errors.New("verification code expired")
	ErrCodeAlreadyUsed = errors.New("verification code already used")
	ErrRateLimited     = errors.New("verification rate limited")
)

// RateLimitedError は回数制限による拒否。errors.Is(err, ErrRateLimited)が成り立つ。
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("verification rate limited: retry after %s", e.RetryAfter)
}

// Is はerrors.Isのために実装する。
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// Config はServiceの依存と設定。
type Config struct {
	Codes      repository.VerificationCodeRepository
	Identities repository.IdentityRepository
	Sender     mailsender.Sender

	// ResendLimiter は再送の間隔制御。必須。
	ResendLimiter quota.Limiter
	// VerifyLimiter はコード検証の試行回数制限。nilの場合は制限しない。
	VerifyLimiter quota.Limiter

	TTL time.Duration
}

// Service はワンタイムコードの発行と検証を行う。
type Service struct {
	codes         repository.VerificationCodeRepository
	identities    repository.IdentityRepository
	sender        mailsender.Sender
	resendLimiter quota.Limiter
	verifyLimiter quota.Limiter
	ttl           time.Duration

	now      func() time.Time
	generate func() (string, error)
}

// NewService はServiceを生成する。
func NewService(cfg Config) (*Service, error) {
	if cfg.Codes == nil || cfg.Identities == nil || cfg.Sender == nil {
		return nil, errors.New("code repository, identity repository and sender are required")
	}
	if cfg.ResendLimiter == nil {
		return nil, errors.New("resend limiter is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCodeTTL
	}
	return &Service{
		codes:         cfg.Codes,
		identities:    cfg.Identities,
		sender:        cfg.Sender,
		resendLimiter: cfg.ResendLimiter,
		verifyLimiter: cfg.VerifyLimiter,
		ttl:           cfg.TTL,
		now:           time.Now,
		generate:      generateCode,
	}, nil
}

// NormalizeEmail は前後の空白を除去して小文字化し、形式を検証する。
// 表示名付きの形式（"Name <a@example.com>"）は受け付けない。
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" || len(email) > maxEmailLength {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Name != "" || addr.Address != email {
		return "", ErrInvalidEmail
	}
	at := strings.LastIndexByte(email, '@')
	if at < 1 || !strings.Contains(email[at+1:], ".") {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// Issue は新しいコードを発行して送信する。
// 同じアドレスの未使用コードは発行と同一トランザクションで全て無効化される。
// 送信回数はResendと同じ枠で数える。
func (s *Service) Issue(ctx context.Context, rawEmail string) error {
	email, err := NormalizeEmail(rawEmail)
	if err != nil {
		return err
	}
	if err := s.checkLimit(ctx, s.resendLimiter, email); err != nil {
		return err
	}
	return s.issue(ctx, email)
}

// Resend はIssueと同じ処理を、再送間隔の制限付きで行う。
func (s *Service) Resend(ctx context.Context, rawEmail string) error {
	email, err := NormalizeEmail(rawEmail)
	if err != nil {
		return err
	}
	if err := s.checkLimit(ctx, s.resendLimiter, email); err != nil {
		return err
	}
	return s.issue(ctx, email)
}

func (s *Service) issue(ctx context.Context, email string) error {
	code, err := s.generate()
	if err != nil {
		return fmt.Errorf("failed to generate verification code: %w", err)
	}

	now := s.now()
	record := &model.VerificationCode{
		ID:        uuid.New().String(),
		Email:     email,
		CodeHash:  security.HashSecret(code),
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}

	invalidated, err := s.codes.Replace(ctx, record)
	if err != nil {
		return fmt.Errorf("failed to store verification code: %w", err)
	}
	if invalidated > 0 {
		slog.Debug("未使用の確認コードを無効化しました",
			slog.Int64("invalidated", invalidated),
		)
	}

	if err := s.sender.SendVerificationCode(ctx, email, code, record.ExpiresAt); err != nil {
		return fmt.Errorf("failed to send verification code: %w", err)
	}
	return nil
}

// Verify はコードを検証して消費し、(provider=email, subject=メールアドレス)のアカウントを返す。
// アカウントが存在しなければメールアドレス確認済みとして作成する。
func (s *Service) Verify(ctx context.Context, rawEmail, code string) (*model.Identity, bool, error) {
	email, err := NormalizeEmail(rawEmail)
	if err != nil {
		return nil, false, err
	}
	code = strings.TrimSpace(code)
	if !isCodeSyntax(code) {
		return nil, false, ErrCodeInvalid
	}

	if s.verifyLimiter != nil {
		if err := s.checkLimit(ctx, s.verifyLimiter, email); err != nil {
			return nil, false, err
		}
	}

	record, err := s.codes.FindLatest(ctx, email, security.HashSecret(code))
	if err != nil {
		return nil, false, err
	}
	now := s.now()
	switch {
	case record == nil, record.InvalidatedAt != nil:
		return nil, false, ErrCodeInvalid
	case record.UsedAt != nil:
		return nil, false, ErrCodeAlreadyUsed
	case !now.Before(record.ExpiresAt):
		return nil, false, ErrCodeExpired
	}

	consumed, err := s.codes.MarkUsed(ctx, record.ID, now)
	if err != nil {
		return nil, false, err
	}
	if !consumed {
		return nil, false, ErrCodeAlreadyUsed
	}

	return s.identities.ResolveOrCreate(ctx, model.ProviderEmail, email, model.NewIdentity{
		Email:         email,
		EmailVerified: true,
	})
}

func (s *Service) checkLimit(ctx context.Context, l quota.Limiter, key string) error {
	allowed, err := l.Allow(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to check rate limit: %w", err)
	}
	if allowed {
		return nil
	}
	retryAfter, err := l.RetryAfter(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read rate limit: %w", err)
	}
	return &RateLimitedError{RetryAfter: retryAfter}
}

func isCodeSyntax(code string) bool {
	if len(code) != codeDigits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// generateCode はcrypto/randで一様な6桁のコードを生成する。
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
