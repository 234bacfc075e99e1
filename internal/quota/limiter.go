// Package quota は固定ウィンドウ方式の回数制限を提供する。
//
// 同じLimiterインターフェースに対して3つの実装がある。
//   - MemoryLimiter: プロセス内のみ有効。メール再送の間隔制御など、UX目的の制限に使う
//   - RedisLimiter: 複数インスタンスで共有するが、Redisの再起動で失われてもよい制限に使う
//   - DurableLimiter: 行ロックでカウンタを更新する。従量制機能の利用回数制限に使う
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRateLimitExceeded は制限回数に達していることを示す。
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Limiter はキーごとの回数制限。
type Limiter interface {
	// Allow は1回分の利用を記録し、許可されたかを返す。拒否された場合は何も記録しない。
	Allow(ctx context.Context, key string) (bool, error)

	// RetryAfter は次に許可されるまでの待ち時間を返す。すでに許可される状態なら0を返す。
	RetryAfter(ctx context.Context, key string) (time.Duration, error)
}

// Config はウィンドウあたりの上限回数とウィンドウ長。
type Config struct {
	Limit  int
	Window time.Duration
}

func (c Config) validate() error {
	if c.Limit < 1 {
		return fmt.Errorf("limit must be positive: %d", c.Limit)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive: %s", c.Window)
	}
	return nil
}

// remaining はウィンドウ終了までの待ち時間を返す。
func remaining(windowEnd, now time.Time) time.Duration {
	if d := windowEnd.Sub(now); d > 0 {
		return d
	}
	return 0
}
