package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/entrykeep/internal/model"
)

// PostgresRefreshCredentialRepo はPostgreSQLを使用したリフレッシュクレデンシャルリポジトリ。
type PostgresRefreshCredentialRepo struct {
	db *sql.DB
}

// NewPostgresRefreshCredentialRepo はPostgresRefreshCredentialRepoを生成する。
func NewPostgresRefreshCredentialRepo(db *sql.DB) *PostgresRefreshCredentialRepo {
	return &PostgresRefreshCredentialRepo{db: db}
}

// Create はクレデンシャルを作成する。
func (r *PostgresRefreshCredentialRepo) Create(ctx context.Context, credential *model.RefreshCredential) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO refresh_credentials (id, identity_id, token_hash, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		credential.ID, credential.IdentityID, credential.TokenHash, credential.ExpiresAt, credential.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create refresh credential: %w", err)
	}
	return nil
}

// FindLiveByHash は失効しておらず期限内のクレデンシャルを取得する。見つからない場合はnilを返す。
func (r *PostgresRefreshCredentialRepo) FindLiveByHash(ctx context.Context, tokenHash string) (*model.RefreshCredential, error) {
	credential := &model.RefreshCredential{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, identity_id, token_hash, expires_at, created_at
		 FROM refresh_credentials
		 WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > now()`,
		tokenHash,
	).Scan(&credential.ID, &credential.IdentityID, &credential.TokenHash, &credential.ExpiresAt, &credential.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find refresh credential: %w", err)
	}
	return credential, nil
}

// RevokeByHash は未失効のクレデンシャルを失効させる。
// 同じクレデンシャルに対する同時リクエストのうち、trueを受け取るのは1件のみ。
func (r *PostgresRefreshCredentialRepo) RevokeByHash(ctx context.Context, tokenHash string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE refresh_credentials SET revoked_at = now()
		 WHERE token_hash = $1 AND revoked_at IS NULL`,
		tokenHash,
	)
	if err != nil {
		return false, fmt.Errorf("failed to revoke refresh credential: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// RevokeAllByIdentityID はアカウントの未失効クレデンシャルを全て失効させ、件数を返す。
func (r *PostgresRefreshCredentialRepo) RevokeAllByIdentityID(ctx context.Context, identityID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE refresh_credentials SET revoked_at = now()
		 WHERE identity_id = $1 AND revoked_at IS NULL`,
		identityID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke identity refresh credentials: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// compile-time interface check
var _ RefreshCredentialRepository = (*PostgresRefreshCredentialRepo)(nil)
