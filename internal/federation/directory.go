// Package federation は外部IdP（Sign in with Apple）が発行した署名付きアサーションを、
// 共有シークレットなしで検証する。
package federation

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrKeyNotFound は再取得後も指定kidの鍵がディレクトリに存在しないことを示す。
var ErrKeyNotFound = errors.New("signing key not found")

// ErrKeyDirectoryUnavailable は鍵ディレクトリの取得に失敗したことを示す。
var ErrKeyDirectoryUnavailable = errors.New("key directory unavailable")

// FetchRecorder は鍵ディレクトリ取得結果を記録する。metrics.Collectorが満たす。
type FetchRecorder interface {
	RecordKeyFetch(outcome string)
}

// DirectoryConfig はKeyDirectoryの設定。
type DirectoryConfig struct {
	// FetchTimeout は1回の取得に許す時間。
	FetchTimeout time.Duration
	// MissCooldown は再取得しても見つからなかったkidについて、再取得を抑止する期間。
	MissCooldown time.Duration
}

// KeyDirectory はkid→公開鍵のインメモリディレクトリ。
// TTLは持たず追加のみで、未知のkidを引いたときにだけディレクトリ全体を1回再取得する。
type KeyDirectory struct {
	source   KeySource
	config   DirectoryConfig
	recorder FetchRecorder

	mu     sync.RWMutex
	keys   map[string]*rsa.PublicKey
	missed map[string]time.Time

	group singleflight.Group
	now   func() time.Time
}

// NewKeyDirectory はKeyDirectoryを生成する。
func NewKeyDirectory(source KeySource, config DirectoryConfig, recorder FetchRecorder) *KeyDirectory {
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 5 * time.Second
	}
	if config.MissCooldown < 0 {
		config.MissCooldown = 0
	}
	return &KeyDirectory{
		source:   source,
		config:   config,
		recorder: recorder,
		keys:     make(map[string]*rsa.PublicKey),
		missed:   make(map[string]time.Time),
		now:      time.Now,
	}
}

// Key はkidに対応する公開鍵を返す。
// キャッシュにない場合はディレクトリを1回だけ再取得して再検索し、それでもなければErrKeyNotFoundを返す。
// 直近の再取得で見つからなかったkidはMissCooldownの間、再取得せずにErrKeyNotFoundを返す。
func (d *KeyDirectory) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := d.lookup(kid); ok {
		return key, nil
	}

	if d.recentlyMissed(kid) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}

	if err := d.refresh(ctx); err != nil {
		return nil, err
	}

	if key, ok := d.lookup(kid); ok {
		return key, nil
	}

	d.mu.Lock()
	d.missed[kid] = d.now()
	d.mu.Unlock()

	slog.Warn("federated signing key not found after refetch", slog.String("kid", kid))
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
}

// Len はキャッシュ済みの鍵数を返す。テストおよびメトリクス用。
func (d *KeyDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.keys)
}

func (d *KeyDirectory) lookup(kid string) (*rsa.PublicKey, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	key, ok := d.keys[kid]
	return key, ok
}

func (d *KeyDirectory) recentlyMissed(kid string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	at, ok := d.missed[kid]
	return ok && d.now().Sub(at) < d.config.MissCooldown
}

// refresh はディレクトリ全体を再取得してマージする。
// 同時に発生した再取得は1回のリモート呼び出しにまとめる。
// 共有の取得は呼び出し元のキャンセルから切り離してFetchTimeoutで区切り、
// 各呼び出し元は自身のctxが終わった時点で待つのをやめる。
func (d *KeyDirectory) refresh(ctx context.Context) error {
	shared := context.WithoutCancel(ctx)
	ch := d.group.DoChan("keys", func() (any, error) {
		keys, err := d.fetchWithRetry(shared)
		if err != nil {
			d.record("error")
			return nil, err
		}
		d.record("success")
		d.merge(keys)
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrKeyDirectoryUnavailable, ctx.Err())
	}
}

// fetchWithRetry は一時的な失敗に対して1回だけ再試行する。
func (d *KeyDirectory) fetchWithRetry(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyDirectoryUnavailable, err)
		}

		fetchCtx, cancel := context.WithTimeout(ctx, d.config.FetchTimeout)
		keys, err := d.source.FetchKeys(fetchCtx)
		cancel()
		if err == nil {
			return keys, nil
		}
		lastErr = err
		slog.Warn("failed to fetch federated key directory",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return nil, fmt.Errorf("%w: %v", ErrKeyDirectoryUnavailable, lastErr)
}

// merge は取得済みの鍵を追加する。取得が完了した結果のみを反映するため、
// タイムアウトした取得がキャッシュを中途半端に更新することはない。
func (d *KeyDirectory) merge(keys map[string]*rsa.PublicKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for kid, key := range keys {
		d.keys[kid] = key
		delete(d.missed, kid)
	}
}

func (d *KeyDirectory) record(outcome string) {
	if d.recorder != nil {
		d.recorder.RecordKeyFetch(outcome)
	}
}
