// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/entrykeep/internal/model"
)

// IdentityRepository はアカウントと外部IdP紐付けの永続化インターフェース。
type IdentityRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	// 退会済み（匿名化済み）のアカウントも返すため、呼び出し側でIsActiveを確認すること。
	FindByID(ctx context.Context, id string) (*model.Identity, error)

	// FindLink はproviderとprovider_subjectで紐付けを検索する。見つからない場合はnilを返す。
	FindLink(ctx context.Context, provider, providerSubject string) (*model.FederationLink, error)

	// ResolveOrCreate は(provider, providerSubject)に紐付くアカウントを返す。
	// 紐付けが存在しない場合はアカウントと紐付けを同一トランザクションで作成し、createdにtrueを返す。
	ResolveOrCreate(ctx context.Context, provider, providerSubject string, input model.NewIdentity) (identity *model.Identity, created bool, err error)

	// Anonymize はアカウントを匿名化して退会状態にする。
	// 紐付けの削除、リフレッシュクレデンシャルの全失効を同一トランザクションで行う。
	Anonymize(ctx context.Context, id string) error
}

// RefreshCredentialRepository はリフレッシュクレデンシャルの永続化インターフェース。
// シークレット本体は扱わず、ハッシュのみを受け取る。
type RefreshCredentialRepository interface {
	// Create はクレデンシャルを作成する。
	Create(ctx context.Context, credential *model.RefreshCredential) error

	// FindLiveByHash は失効しておらず期限内のクレデンシャルを取得する。見つからない場合はnilを返す。
	FindLiveByHash(ctx context.Context, tokenHash string) (*model.RefreshCredential, error)

	// RevokeByHash は未失効のクレデンシャルを失効させる。
	// 条件付き更新のため、既に失効済みまたは存在しない場合はfalseを返す。
	RevokeByHash(ctx context.Context, tokenHash string) (bool, error)

	// RevokeAllByIdentityID はアカウントの未失効クレデンシャルを全て失効させ、件数を返す。
	RevokeAllByIdentityID(ctx context.Context, identityID string) (int64, error)
}

// VerificationCodeRepository はメールログイン用確認コードの永続化インターフェース。
type VerificationCodeRepository interface {
	// Replace は同一メールアドレスの未使用コードを全て無効化し、新しいコードを作成する。
	// 無効化と作成は同一トランザクションで行い、無効化した件数を返す。
	Replace(ctx context.Context, code *model.VerificationCode) (int64, error)

	// FindLatest はメールアドレスとコードハッシュに一致する最新のコードを取得する。
	// 使用済み・無効化済み・期限切れも含めて返す。見つからない場合はnilを返す。
	FindLatest(ctx context.Context, email, codeHash string) (*model.VerificationCode, error)

	// MarkUsed は未使用かつ未無効化のコードを使用済みにする。
	// 条件付き更新のため、既に使用済みの場合はfalseを返す。
	MarkUsed(ctx context.Context, id string, usedAt time.Time) (bool, error)
}

// UsageCounterRepository は利用回数カウンタの永続化インターフェース。
type UsageCounterRepository interface {
	// FindByOwner は所有者のカウンタを取得する。見つからない場合はnilを返す。
	FindByOwner(ctx context.Context, ownerID string) (*model.UsageCounter, error)

	// UpdateLocked はカウンタ行を行ロックした状態でfnを実行する。
	// 行が存在しない場合はseedを挿入し、created=trueでfnを呼ぶ（seedはそのまま保存済み）。
	// fnがwrite=trueを返した場合は変更を保存してコミットし、エラーを返した場合はロールバックする。
	UpdateLocked(ctx context.Context, seed *model.UsageCounter, fn func(c *model.UsageCounter, created bool) (write bool, err error)) error
}
