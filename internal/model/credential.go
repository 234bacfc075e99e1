package model

import "time"

// RefreshCredential はリフレッシュシークレットの永続化表現。
// シークレット本体は保持せず、一方向ハッシュのみを保存する。
type RefreshCredential struct {
	ID         string
	IdentityID string
	TokenHash  string
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

// IsLive は失効しておらず有効期限内であるかを返す。
func (c *RefreshCredential) IsLive(now time.Time) bool {
	return c.RevokedAt == nil && now.Before(c.ExpiresAt)
}

// VerificationCode はメールログイン用ワンタイムコードを表す。
// コード本体はハッシュのみを保存する。UsedAtは一度だけ設定される。
type VerificationCode struct {
	ID            string
	Email         string
	CodeHash      string
	ExpiresAt     time.Time
	UsedAt        *time.Time
	InvalidatedAt *time.Time // 再発行により無効化された日時
	CreatedAt     time.Time
}

// UsageCounter は従量制機能の利用回数を固定ウィンドウで集計する。
type UsageCounter struct {
	OwnerID     string
	Count       int
	WindowStart time.Time
	WindowEnd   time.Time
	UpdatedAt   time.Time
}
