// Package credential はリフレッシュシークレットの保存と失効を扱う。
// シークレット本体は保存せず、HashSecretによる一方向ハッシュのみを永続化する。
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/entrykeep/internal/model"
	"github.com/hitoshi/entrykeep/internal/repository"
	"github.com/hitoshi/entrykeep/internal/security"
)

// ErrNotFound は有効なクレデンシャルが存在しないことを示す。
// 失効済み・期限切れ・未登録を区別しない。
var ErrNotFound = errors.New("refresh credential not found")

// Store はリフレッシュクレデンシャルのストア。
type Store struct {
	repo repository.RefreshCredentialRepository
	now  func() time.Time
}

// NewStore はStoreを生成する。
func NewStore(repo repository.RefreshCredentialRepository) *Store {
	return &Store{repo: repo, now: time.Now}
}

// Save はシークレットのハッシュを保存する。保存後に元のシークレットを取り出す手段はない。
func (s *Store) Save(ctx context.Context, identityID, secret string, expiresAt time.Time) error {
	if identityID == "" || secret == "" {
		return errors.New("identity ID and secret are required")
	}
	err := s.repo.Create(ctx, &model.RefreshCredential{
		ID:         uuid.New().String(),
		IdentityID: identityID,
		TokenHash:  security.HashSecret(secret),
		ExpiresAt:  expiresAt,
		CreatedAt:  s.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save refresh credential: %w", err)
	}
	return nil
}

// Find はシークレットに対応する有効なクレデンシャルを返す。なければErrNotFound。
func (s *Store) Find(ctx context.Context, secret string) (*model.RefreshCredential, error) {
	if secret == "" {
		return nil, ErrNotFound
	}
	c, err := s.repo.FindLiveByHash(ctx, security.HashSecret(secret))
	if err != nil {
		return nil, err
	}
	if c == nil || !c.IsLive(s.now()) {
		return nil, ErrNotFound
	}
	return c, nil
}

// Revoke はシークレットに対応するクレデンシャルを失効させる。
// 既に失効済み、または存在しない場合はErrNotFound。
// 同時に呼ばれた場合、nilを受け取るのは1件のみ。
func (s *Store) Revoke(ctx context.Context, secret string) error {
	if secret == "" {
		return ErrNotFound
	}
	revoked, err := s.repo.RevokeByHash(ctx, security.HashSecret(secret))
	if err != nil {
		return err
	}
	if !revoked {
		return ErrNotFound
	}
	return nil
}

// RevokeAll はアカウントの全クレデンシャルを失効させ、失効させた件数を返す。
func (s *Store) RevokeAll(ctx context.Context, identityID string) (int64, error) {
	return s.repo.RevokeAllByIdentityID(ctx, identityID)
}
