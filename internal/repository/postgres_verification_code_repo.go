package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/entrykeep/internal/model"
)

// PostgresVerificationCodeRepo はPostgreSQLを使用した確認コードリポジトリ。
type PostgresVerificationCodeRepo struct {
	db *sql.DB
}

// NewPostgresVerificationCodeRepo はPostgresVerificationCodeRepoを生成する。
func NewPostgresVerificationCodeRepo(db *sql.DB) *PostgresVerificationCodeRepo {
	return &PostgresVerificationCodeRepo{db: db}
}

// Replace は同一メールアドレスの未使用コードを全て無効化し、新しいコードを作成する。
// 同一アドレスへの同時発行はアドバイザリロックで直列化する。
func (r *PostgresVerificationCodeRepo) Replace(ctx context.Context, code *model.VerificationCode) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`,
		code.Email,
	); err != nil {
		return 0, fmt.Errorf("failed to lock verification codes: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE verification_codes SET invalidated_at = $2
		 WHERE email = $1 AND used_at IS NULL AND invalidated_at IS NULL`,
		code.Email, code.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate verification codes: %w", err)
	}
	invalidated, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO verification_codes (id, email, code_hash, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		code.ID, code.Email, code.CodeHash, code.ExpiresAt, code.CreatedAt,
	); err != nil {
		return 0, fmt.Errorf("failed to create verification code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return invalidated, nil
}

// FindLatest はメールアドレスとコードハッシュに一致する最新のコードを取得する。見つからない場合はnilを返す。
func (r *PostgresVerificationCodeRepo) FindLatest(ctx context.Context, email, codeHash string) (*model.VerificationCode, error) {
	code := &model.VerificationCode{}
	var usedAt, invalidatedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, code_hash, expires_at, used_at, invalidated_at, created_at
		 FROM verification_codes
		 WHERE email = $1 AND code_hash = $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		email, codeHash,
	).Scan(&code.ID, &code.Email, &code.CodeHash, &code.ExpiresAt, &usedAt, &invalidatedAt, &code.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find verification code: %w", err)
	}

	if usedAt.Valid {
		code.UsedAt = &usedAt.Time
	}
	if invalidatedAt.Valid {
		code.InvalidatedAt = &invalidatedAt.Time
	}
	return code, nil
}

// MarkUsed は未使用かつ未無効化のコードを使用済みにする。
// 同じコードに対する同時リクエストのうち、trueを受け取るのは1件のみ。
func (r *PostgresVerificationCodeRepo) MarkUsed(ctx context.Context, id string, usedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE verification_codes SET used_at = $2
		 WHERE id = $1 AND used_at IS NULL AND invalidated_at IS NULL`,
		id, usedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark verification code used: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// compile-time interface check
var _ VerificationCodeRepository = (*PostgresVerificationCodeRepo)(nil)
