// Package model はドメインモデルを定義する。
package model

import "time"

// Identity はサービス利用者の恒久的なアカウントを表す。
// どのログイン手段でも初回ログイン成功時に遅延作成され、退会時は匿名化して保持する。
type Identity struct {
	ID            string
	Email         *string // 検証済みメールアドレス（未取得の場合はnil）
	EmailVerified bool
	DisplayName   *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// IsActive は退会済みでないかを返す。
func (i *Identity) IsActive() bool {
	return i != nil && i.DeletedAt == nil
}

// 連携プロバイダー名
const (
	ProviderApple = "apple"
	ProviderEmail = "email"
)

// FederationLink は外部IdPのsubjectとIdentityの紐付けを表す。
// (Provider, ProviderSubject) は一意で、作成後は変更しない。
type FederationLink struct {
	ID              string
	IdentityID      string
	Provider        string
	ProviderSubject string
	CreatedAt       time.Time
}

// NewIdentity はIdentity作成時の入力を表す。
// ResolveOrCreate で連携が存在しない場合にのみ使われる。
type NewIdentity struct {
	Email         string
	EmailVerified bool
	DisplayName   string
}
