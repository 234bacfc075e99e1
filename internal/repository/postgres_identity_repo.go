package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/entrykeep/internal/model"
	"github.com/lib/pq"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// PostgresIdentityRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

// queryRower は*sql.DBと*sql.Txの共通部分。
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByID(ctx context.Context, id string) (*model.Identity, error) {
	return findIdentity(ctx, r.db, id)
}

func findIdentity(ctx context.Context, q queryRower, id string) (*model.Identity, error) {
	identity := &model.Identity{}
	var email, name sql.NullString
	var deletedAt sql.NullTime
	err := q.QueryRowContext(ctx,
		`SELECT id, email, email_verified, display_name, created_at, updated_at, deleted_at
		 FROM identities WHERE id = $1`,
		id,
	).Scan(&identity.ID, &email, &identity.EmailVerified, &name, &identity.CreatedAt, &identity.UpdatedAt, &deletedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity by ID: %w", err)
	}

	if email.Valid {
		identity.Email = &email.String
	}
	if name.Valid {
		identity.DisplayName = &name.String
	}
	if deletedAt.Valid {
		identity.DeletedAt = &deletedAt.Time
	}
	return identity, nil
}

// FindLink はproviderとprovider_subjectで紐付けを検索する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindLink(ctx context.Context, provider, providerSubject string) (*model.FederationLink, error) {
	return findLink(ctx, r.db, provider, providerSubject)
}

func findLink(ctx context.Context, q queryRower, provider, providerSubject string) (*model.FederationLink, error) {
	link := &model.FederationLink{}
	err := q.QueryRowContext(ctx,
		`SELECT id, identity_id, provider, provider_subject, created_at
		 FROM federation_links
		 WHERE provider = $1 AND provider_subject = $2 AND released_at IS NULL`,
		provider, providerSubject,
	).Scan(&link.ID, &link.IdentityID, &link.Provider, &link.ProviderSubject, &link.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find federation link: %w", err)
	}
	return link, nil
}

// ResolveOrCreate は紐付け済みのアカウントを返すか、アカウントと紐付けを同一トランザクションで作成する。
// アカウント作成と紐付け挿入の間でクラッシュしても、到達不能なアカウントは残らない。
// 同じsubjectで同時に初回ログインした場合は、紐付けの一意制約で勝者を決め、敗者は勝者のアカウントを返す。
func (r *PostgresIdentityRepo) ResolveOrCreate(ctx context.Context, provider, providerSubject string, input model.NewIdentity) (*model.Identity, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 1. 既存の紐付けを検索
	link, err := findLink(ctx, tx, provider, providerSubject)
	if err != nil {
		return nil, false, err
	}
	if link != nil {
		identity, err := findIdentity(ctx, tx, link.IdentityID)
		if err != nil {
			return nil, false, err
		}
		if identity == nil {
			return nil, false, fmt.Errorf("federation link %s points to missing identity", link.ID)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return identity, false, nil
	}

	// 2. アカウントを作成
	now := time.Now().UTC()
	identity := &model.Identity{
		ID:            uuid.New().String(),
		EmailVerified: input.EmailVerified,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if input.Email != "" {
		email := input.Email
		identity.Email = &email
	}
	if input.DisplayName != "" {
		name := input.DisplayName
		identity.DisplayName = &name
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO identities (id, email, email_verified, display_name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		identity.ID, nullString(input.Email), identity.EmailVerified, nullString(input.DisplayName), now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert identity: %w", err)
	}

	// 3. 紐付けを作成。競合した場合はこのトランザクションを破棄して勝者を読み直す
	result, err := tx.ExecContext(ctx,
		`INSERT INTO federation_links (id, identity_id, provider, provider_subject, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (provider, provider_subject) WHERE released_at IS NULL DO NOTHING`,
		uuid.New().String(), identity.ID, provider, providerSubject, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert federation link: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if inserted == 0 {
		tx.Rollback()
		return r.resolveExisting(ctx, provider, providerSubject)
	}

	if err := tx.Commit(); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return r.resolveExisting(ctx, provider, providerSubject)
		}
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return identity, true, nil
}

// resolveExisting は同時作成に敗れた場合に、勝者が作成した紐付けからアカウントを取得する。
func (r *PostgresIdentityRepo) resolveExisting(ctx context.Context, provider, providerSubject string) (*model.Identity, bool, error) {
	link, err := r.FindLink(ctx, provider, providerSubject)
	if err != nil {
		return nil, false, err
	}
	if link == nil {
		return nil, false, fmt.Errorf("federation link vanished after conflict: %s", provider)
	}
	identity, err := r.FindByID(ctx, link.IdentityID)
	if err != nil {
		return nil, false, err
	}
	if identity == nil {
		return nil, false, fmt.Errorf("federation link %s points to missing identity", link.ID)
	}
	return identity, false, nil
}

// Anonymize はアカウントを匿名化して退会状態にする。
// 紐付けは行を残したままreleased_atを記録して解放するため、
// 同じ外部IDで再度ログインすると新しいアカウントが作成される。
func (r *PostgresIdentityRepo) Anonymize(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE identities
		 SET email = NULL, display_name = NULL, email_verified = false,
		     deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to anonymize identity: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("identity not found: %s", id)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE federation_links SET released_at = now()
		 WHERE identity_id = $1 AND released_at IS NULL`,
		id,
	); err != nil {
		return fmt.Errorf("failed to release federation links: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE refresh_credentials SET revoked_at = now()
		 WHERE identity_id = $1 AND revoked_at IS NULL`,
		id,
	); err != nil {
		return fmt.Errorf("failed to revoke refresh credentials: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// nullString は空文字列をNULLとして扱う。
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
