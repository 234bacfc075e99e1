// Package auth はサインイン、トークンのリフレッシュ、ログアウト、退会を提供する。
//
// 外部IdPのアサーション検証、メール確認コード、アクセストークン発行、
// リフレッシュクレデンシャルの保存を組み合わせ、結果を*model.APIErrorに変換して返す。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/hitoshi/entrykeep/internal/credential"
	"github.com/hitoshi/entrykeep/internal/emailcode"
	"github.com/hitoshi/entrykeep/internal/federation"
	"github.com/hitoshi/entrykeep/internal/metrics"
	"github.com/hitoshi/entrykeep/internal/model"
	"github.com/hitoshi/entrykeep/internal/repository"
	"github.com/hitoshi/entrykeep/internal/token"
)

// DefaultRefreshTTL はリフレッシュクレデンシャルの有効期間のデフォルト値。
const DefaultRefreshTTL = 30 * 24 * time.Hour

// AssertionVerifier は外部IdPのアサーションを検証する。
type AssertionVerifier interface {
	Verify(ctx context.Context, assertion string) (*federation.Assertion, error)
}

// TokenIssuer はアクセストークンの発行と検証を行う。
type TokenIssuer interface {
	Mint(identityID, email string) (string, error)
	Validate(accessToken string) (*token.Subject, error)
	AccessTTL() time.Duration
}

// CredentialStore はリフレッシュクレデンシャルを保存する。
type CredentialStore interface {
	Save(ctx context.Context, identityID, secret string, expiresAt time.Time) error
	Find(ctx context.Context, secret string) (*model.RefreshCredential, error)
	Revoke(ctx context.Context, secret string) error
	RevokeAll(ctx context.Context, identityID string) (int64, error)
}

// CodeService はメール確認コードの発行と検証を行う。
type CodeService interface {
	Issue(ctx context.Context, email string) error
	Resend(ctx context.Context, email string) error
	Verify(ctx context.Context, email, code string) (*model.Identity, bool, error)
}

// NameSanitizer は表示名を正規化する。
type NameSanitizer interface {
	Sanitize(name string) string
}

// TokenPair はサインイン・リフレッシュの結果。
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int // アクセストークンの有効秒数
	Identity     *model.Identity
	Created      bool // このサインインでアカウントが作成された場合true
}

// ServiceConfig は認証サービスの依存と設定。
type ServiceConfig struct {
	Verifier    AssertionVerifier
	Tokens      TokenIssuer
	Credentials CredentialStore
	Codes       CodeService
	Identities  repository.IdentityRepository
	Names       NameSanitizer
	Metrics     metrics.MetricsCollector

	RefreshTTL time.Duration
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	verifier    AssertionVerifier
	tokens      TokenIssuer
	credentials CredentialStore
	codes       CodeService
	identities  repository.IdentityRepository
	names       NameSanitizer
	metrics     metrics.MetricsCollector
	refreshTTL  time.Duration

	now       func() time.Time
	newSecret func() (string, error)
}

// NewService はServiceを生成する。
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Verifier == nil || cfg.Tokens == nil || cfg.Credentials == nil || cfg.Codes == nil || cfg.Identities == nil {
		return nil, errors.New("verifier, tokens, credentials, codes and identities are required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	return &Service{
		verifier:    cfg.Verifier,
		tokens:      cfg.Tokens,
		credentials: cfg.Credentials,
		codes:       cfg.Codes,
		identities:  cfg.Identities,
		names:       cfg.Names,
		metrics:     cfg.Metrics,
		refreshTTL:  cfg.RefreshTTL,
		now:         time.Now,
		newSecret:   token.GenerateRefreshSecret,
	}, nil
}

// SignInWithApple はAppleのアイデンティティトークンでサインインする。
// 初回のsubjectであればアカウントと紐付けを作成する。fullNameは作成時にのみ使われる。
func (s *Service) SignInWithApple(ctx context.Context, identityToken, fullName string) (*TokenPair, error) {
	if strings.TrimSpace(identityToken) == "" {
		return nil, model.NewInvalidRequestError("identityToken is required")
	}

	// 1. アサーション検証
	assertion, err := s.verifier.Verify(ctx, identityToken)
	if err != nil {
		if errors.Is(err, federation.ErrKeyDirectoryUnavailable) {
			s.metrics.RecordSignIn(model.ProviderApple, "error")
			slog.Error("公開鍵ディレクトリを取得できません", slog.String("error", err.Error()))
			return nil, model.NewInternalError()
		}
		s.metrics.RecordSignIn(model.ProviderApple, "unauthorized")
		slog.Warn("apple assertion rejected", slog.String("reason", err.Error()))
		return nil, model.NewUnauthorizedError()
	}

	// 2. アカウントと紐付けを1トランザクションで解決または作成
	input := model.NewIdentity{
		Email:         assertion.Email,
		EmailVerified: assertion.EmailVerified && assertion.Email != "",
	}
	if s.names != nil {
		input.DisplayName = s.names.Sanitize(fullName)
	}
	identity, created, err := s.identities.ResolveOrCreate(ctx, model.ProviderApple, assertion.Subject, input)
	if err != nil {
		s.metrics.RecordSignIn(model.ProviderApple, "error")
		slog.Error("アカウントの解決に失敗しました",
			slog.String("provider", model.ProviderApple),
			slog.String("error", err.Error()),
		)
		return nil, model.NewInternalError()
	}

	// 3. トークン発行
	pair, err := s.issueTokens(ctx, identity)
	if err != nil {
		s.metrics.RecordSignIn(model.ProviderApple, "error")
		return nil, err
	}
	pair.Created = created

	s.metrics.RecordSignIn(model.ProviderApple, "success")
	slog.Info("signed in",
		slog.String("identity_id", identity.ID),
		slog.String("provider", model.ProviderApple),
		slog.Bool("created", created),
	)
	return pair, nil
}

// RequestEmailCode は確認コードを発行してメールで送る。
func (s *Service) RequestEmailCode(ctx context.Context, email string) error {
	err := s.codes.Issue(ctx, email)
	if err != nil {
		return s.codeIssueError(err)
	}
	s.metrics.RecordCodeIssued("sent")
	return nil
}

// ResendEmailCode は確認コードを再発行する。再送間隔の制限を超えた場合はRATE_LIMITED。
func (s *Service) ResendEmailCode(ctx context.Context, email string) error {
	err := s.codes.Resend(ctx, email)
	if err != nil {
		return s.codeIssueError(err)
	}
	s.metrics.RecordCodeIssued("sent")
	return nil
}

func (s *Service) codeIssueError(err error) error {
	var rl *emailcode.RateLimitedError
	switch {
	case errors.Is(err, emailcode.ErrInvalidEmail):
		s.metrics.RecordCodeIssued("invalid_email")
		return model.NewInvalidEmailError()
	case errors.As(err, &rl):
		s.metrics.RecordCodeIssued("rate_limited")
		s.metrics.RecordQuotaRejected("email_resend")
		return model.NewRateLimitedError(retryAfterSeconds(rl.RetryAfter))
	default:
		s.metrics.RecordCodeIssued("error")
		slog.Error("確認コードの発行に失敗しました", slog.String("error", err.Error()))
		return model.NewInternalError()
	}
}

// VerifyEmailCode は確認コードを検証してサインインする。
// 初回のメールアドレスであれば確認済みメールアドレスを持つアカウントを作成する。
func (s *Service) VerifyEmailCode(ctx context.Context, email, code string) (*TokenPair, error) {
	identity, created, err := s.codes.Verify(ctx, email, code)
	if err != nil {
		s.metrics.RecordSignIn(model.ProviderEmail, "unauthorized")
		return nil, s.codeVerifyError(err)
	}
	s.metrics.RecordCodeVerified("success")

	pair, err := s.issueTokens(ctx, identity)
	if err != nil {
		s.metrics.RecordSignIn(model.ProviderEmail, "error")
		return nil, err
	}
	pair.Created = created

	s.metrics.RecordSignIn(model.ProviderEmail, "success")
	slog.Info("signed in",
		slog.String("identity_id", identity.ID),
		slog.String("provider", model.ProviderEmail),
		slog.Bool("created", created),
	)
	return pair, nil
}

func (s *Service) codeVerifyError(err error) error {
	var rl *emailcode.RateLimitedError
	switch {
	case errors.Is(err, emailcode.ErrInvalidEmail):
		s.metrics.RecordCodeVerified("invalid_email")
		return model.NewInvalidEmailError()
	case errors.Is(err, emailcode.ErrCodeInvalid):
		s.metrics.RecordCodeVerified("invalid")
		return model.NewCodeInvalidError()
	case errors.Is(err, emailcode.ErrCodeExpired):
		s.metrics.RecordCodeVerified("expired")
		return model.NewCodeExpiredError()
	case errors.Is(err, emailcode.ErrCodeAlreadyUsed):
		s.metrics.RecordCodeVerified("already_used")
		return model.NewCodeAlreadyUsedError()
	case errors.As(err, &rl):
		s.metrics.RecordCodeVerified("rate_limited")
		s.metrics.RecordQuotaRejected("email_verify")
		return model.NewRateLimitedError(retryAfterSeconds(rl.RetryAfter))
	default:
		s.metrics.RecordCodeVerified("error")
		slog.Error("確認コードの検証に失敗しました", slog.String("error", err.Error()))
		return model.NewInternalError()
	}
}

// Refresh は提示されたリフレッシュシークレットを失効させ、新しいトークンペアを返す。
// 失効を保存より先に行うため、途中で失敗しても同じ系列に有効なシークレットが2つ残ることはない。
// 同じシークレットで同時に呼ばれた場合、成功するのは1件のみで、残りはUNAUTHORIZEDになる。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		s.metrics.RecordRefresh("invalid")
		return nil, model.NewUnauthorizedError()
	}

	// 1. 有効なクレデンシャルを検索
	cred, err := s.credentials.Find(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			s.metrics.RecordRefresh("invalid")
			return nil, model.NewUnauthorizedError()
		}
		return nil, s.refreshInternal("リフレッシュクレデンシャルの検索に失敗しました", err)
	}

	// 2. 所有者を解決
	identity, err := s.identities.FindByID(ctx, cred.IdentityID)
	if err != nil {
		return nil, s.refreshInternal("アカウントの取得に失敗しました", err)
	}
	if !identity.IsActive() {
		s.metrics.RecordRefresh("invalid")
		slog.Warn("refresh for inactive identity", slog.String("identity_id", cred.IdentityID))
		return nil, model.NewUnauthorizedError()
	}

	// 3. 新しいアクセストークンとシークレットを生成
	accessToken, err := s.tokens.Mint(identity.ID, emailOf(identity))
	if err != nil {
		return nil, s.refreshInternal("アクセストークンの発行に失敗しました", err)
	}
	secret, err := s.newSecret()
	if err != nil {
		return nil, s.refreshInternal("リフレッシュシークレットの生成に失敗しました", err)
	}

	// 4. 提示されたシークレットを失効。0件なら他のリクエストが先に消費した
	if err := s.credentials.Revoke(ctx, refreshToken); err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			s.metrics.RecordRefresh("reused")
			slog.Warn("refresh credential already rotated", slog.String("identity_id", identity.ID))
			return nil, model.NewUnauthorizedError()
		}
		return nil, s.refreshInternal("リフレッシュクレデンシャルの失効に失敗しました", err)
	}

	// 5. 新しいシークレットを保存
	if err := s.credentials.Save(ctx, identity.ID, secret, s.now().Add(s.refreshTTL)); err != nil {
		return nil, s.refreshInternal("リフレッシュクレデンシャルの保存に失敗しました", err)
	}

	s.metrics.RecordRefresh("success")
	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: secret,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.tokens.AccessTTL().Seconds()),
		Identity:     identity,
	}, nil
}

func (s *Service) refreshInternal(msg string, err error) error {
	s.metrics.RecordRefresh("error")
	slog.Error(msg, slog.String("error", err.Error()))
	return model.NewInternalError()
}

// Logout はリフレッシュシークレットを失効させる。既に失効済み・未登録でも成功として扱う。
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return model.NewInvalidRequestError("refreshToken is required")
	}
	if err := s.credentials.Revoke(ctx, refreshToken); err != nil && !errors.Is(err, credential.ErrNotFound) {
		slog.Error("ログアウトに失敗しました", slog.String("error", err.Error()))
		return model.NewInternalError()
	}
	return nil
}

// CurrentIdentity は認証済みアカウントを返す。退会済みの場合はIDENTITY_NOT_FOUND。
func (s *Service) CurrentIdentity(ctx context.Context, identityID string) (*model.Identity, error) {
	identity, err := s.identities.FindByID(ctx, identityID)
	if err != nil {
		slog.Error("アカウントの取得に失敗しました",
			slog.String("identity_id", identityID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewInternalError()
	}
	if !identity.IsActive() {
		return nil, model.NewIdentityNotFoundError()
	}
	return identity, nil
}

// DeleteAccount は退会処理を行う。
// 全てのリフレッシュクレデンシャルを失効させた上で、紐付けの削除とアカウントの匿名化を行う。
// 匿名化のトランザクションでも失効を行うため、その間に発行されたクレデンシャルも残らない。
func (s *Service) DeleteAccount(ctx context.Context, identityID string) error {
	if _, err := s.CurrentIdentity(ctx, identityID); err != nil {
		return err
	}

	revoked, err := s.credentials.RevokeAll(ctx, identityID)
	if err != nil {
		slog.Error("リフレッシュクレデンシャルの一括失効に失敗しました",
			slog.String("identity_id", identityID),
			slog.String("error", err.Error()),
		)
		return model.NewInternalError()
	}

	if err := s.identities.Anonymize(ctx, identityID); err != nil {
		slog.Error("退会処理に失敗しました",
			slog.String("identity_id", identityID),
			slog.String("error", err.Error()),
		)
		return model.NewInternalError()
	}

	slog.Info("account deleted",
		slog.String("identity_id", identityID),
		slog.Int64("revoked_credentials", revoked),
	)
	return nil
}

// ResolveSubject はBearerトークンを検証し、アクセス主体を返す。
// 失敗理由は区別せずUNAUTHORIZEDを返す。
func (s *Service) ResolveSubject(_ context.Context, accessToken string) (*token.Subject, error) {
	if accessToken == "" {
		return nil, model.NewUnauthorizedError()
	}
	subject, err := s.tokens.Validate(accessToken)
	if err != nil {
		slog.Debug("access token rejected", slog.String("reason", err.Error()))
		return nil, model.NewUnauthorizedError()
	}
	return subject, nil
}

// issueTokens はアクセストークンを発行し、新しいリフレッシュシークレットを保存する。
func (s *Service) issueTokens(ctx context.Context, identity *model.Identity) (*TokenPair, error) {
	accessToken, err := s.tokens.Mint(identity.ID, emailOf(identity))
	if err != nil {
		slog.Error("アクセストークンの発行に失敗しました", slog.String("error", err.Error()))
		return nil, model.NewInternalError()
	}

	secret, err := s.newSecret()
	if err != nil {
		slog.Error("リフレッシュシークレットの生成に失敗しました", slog.String("error", err.Error()))
		return nil, model.NewInternalError()
	}
	if err := s.credentials.Save(ctx, identity.ID, secret, s.now().Add(s.refreshTTL)); err != nil {
		slog.Error("リフレッシュクレデンシャルの保存に失敗しました",
			slog.String("identity_id", identity.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewInternalError()
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: secret,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.tokens.AccessTTL().Seconds()),
		Identity:     identity,
	}, nil
}

func emailOf(identity *model.Identity) string {
	if identity.Email == nil {
		return ""
	}
	return *identity.Email
}

func retryAfterSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// String はログ用の表現。トークン本体は含めない。
func (p *TokenPair) String() string {
	return fmt.Sprintf("TokenPair{identity=%s, expiresIn=%d}", p.Identity.ID, p.ExpiresIn)
}
