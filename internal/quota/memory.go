package quota

import (
	"context"
	"sync"
	"time"
)

// DefaultSweepInterval は期限切れエントリを掃除する間隔のデフォルト値。
const DefaultSweepInterval = 5 * time.Minute

// window はキーごとの現在のウィンドウ。
type window struct {
	count int
	end   time.Time
}

// MemoryLimiter はプロセス内の固定ウィンドウ制限。
// 再起動や複数インスタンス間では共有されない。
type MemoryLimiter struct {
	config Config

	mu      sync.Mutex
	windows map[string]*window

	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
}

// NewMemoryLimiter はMemoryLimiterを生成する。
// sweepIntervalが0以下の場合はDefaultSweepIntervalを使う。
// バックグラウンドで期限切れエントリの掃除を開始するため、不要になったらStopを呼ぶこと。
func NewMemoryLimiter(config Config, sweepInterval time.Duration) (*MemoryLimiter, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	l := &MemoryLimiter{
		config:  config,
		windows: make(map[string]*window),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go l.sweepLoop(sweepInterval)
	return l, nil
}

// Stop は掃除のバックグラウンドゴルーチンを停止する。複数回呼んでもよい。
func (l *MemoryLimiter) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}

// Allow は1回分の利用を記録し、許可されたかを返す。
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.end) {
		l.windows[key] = &window{count: 1, end: now.Add(l.config.Window)}
		return true, nil
	}
	if w.count >= l.config.Limit {
		return false, nil
	}
	w.count++
	return true, nil
}

// RetryAfter は次に許可されるまでの待ち時間を返す。
func (l *MemoryLimiter) RetryAfter(_ context.Context, key string) (time.Duration, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || w.count < l.config.Limit {
		return 0, nil
	}
	return remaining(w.end, now), nil
}

// Len は現在保持しているキー数を返す。テストおよびメトリクス用。
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *MemoryLimiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

// sweep はウィンドウが終了したエントリを削除する。
func (l *MemoryLimiter) sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		if !now.Before(w.end) {
			delete(l.windows, key)
		}
	}
}

var _ Limiter = (*MemoryLimiter)(nil)
