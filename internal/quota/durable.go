package quota

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/entrykeep/internal/model"
)

// CounterStore はDurableLimiterが使うカウンタの永続化。
// repository.UsageCounterRepositoryが満たす。
type CounterStore interface {
	FindByOwner(ctx context.Context, ownerID string) (*model.UsageCounter, error)
	UpdateLocked(ctx context.Context, seed *model.UsageCounter, fn func(c *model.UsageCounter, created bool) (bool, error)) error
}

// Usage は現在のウィンドウの利用状況。
type Usage struct {
	Limit     int
	Used      int
	Remaining int
	ResetAt   time.Time // 利用記録がない場合はゼロ値
}

// DurableLimiter はデータベースの行ロックでカウンタを更新する固定ウィンドウ制限。
// 複数インスタンスが同じキーに同時にアクセスしても上限を超えて許可しない。
type DurableLimiter struct {
	store  CounterStore
	config Config
	now    func() time.Time
}

// NewDurableLimiter はDurableLimiterを生成する。
func NewDurableLimiter(store CounterStore, config Config) (*DurableLimiter, error) {
	if store == nil {
		return nil, errors.New("counter store is required")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &DurableLimiter{store: store, config: config, now: time.Now}, nil
}

// Allow は行ロックを取った上で判定と加算を行う。
// ウィンドウが終了していれば、上限に達していてもcount=1でリセットして許可する。
func (l *DurableLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := l.now().UTC()
	seed := &model.UsageCounter{
		OwnerID:     key,
		Count:       1,
		WindowStart: now,
		WindowEnd:   now.Add(l.config.Window),
		UpdatedAt:   now,
	}

	err := l.store.UpdateLocked(ctx, seed, func(c *model.UsageCounter, created bool) (bool, error) {
		if created {
			return false, nil
		}
		if !now.Before(c.WindowEnd) {
			c.Count = 1
			c.WindowStart = now
			c.WindowEnd = now.Add(l.config.Window)
			c.UpdatedAt = now
			return true, nil
		}
		if c.Count >= l.config.Limit {
			return false, ErrRateLimitExceeded
		}
		c.Count++
		c.UpdatedAt = now
		return true, nil
	})
	if errors.Is(err, ErrRateLimitExceeded) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RetryAfter は次に許可されるまでの待ち時間を返す。
func (l *DurableLimiter) RetryAfter(ctx context.Context, key string) (time.Duration, error) {
	c, err := l.store.FindByOwner(ctx, key)
	if err != nil {
		return 0, err
	}
	if c == nil || c.Count < l.config.Limit {
		return 0, nil
	}
	return remaining(c.WindowEnd, l.now()), nil
}

// Usage は現在のウィンドウの利用状況を返す。読み取りのみでカウンタは変更しない。
func (l *DurableLimiter) Usage(ctx context.Context, key string) (*Usage, error) {
	c, err := l.store.FindByOwner(ctx, key)
	if err != nil {
		return nil, err
	}

	u := &Usage{Limit: l.config.Limit, Remaining: l.config.Limit}
	if c == nil || !l.now().Before(c.WindowEnd) {
		return u, nil
	}
	u.Used = c.Count
	u.Remaining = max(l.config.Limit-c.Count, 0)
	u.ResetAt = c.WindowEnd
	return u, nil
}

var _ Limiter = (*DurableLimiter)(nil)
