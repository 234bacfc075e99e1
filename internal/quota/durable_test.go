package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/entrykeep/internal/database/dbtest"
	"github.com/hitoshi/entrykeep/internal/model"
	"github.com/hitoshi/entrykeep/internal/repository"
)

// lockingStore はキーごとのミューテックスで行ロックを再現するCounterStore。
type lockingStore struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	rows  map[string]model.UsageCounter
	err   error
}

func newLockingStore() *lockingStore {
	return &lockingStore{
		locks: make(map[string]*sync.Mutex),
		rows:  make(map[string]model.UsageCounter),
	}
}

func (s *lockingStore) rowLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[key]; !ok {
		s.locks[key] = &sync.Mutex{}
	}
	return s.locks[key]
}

func (s *lockingStore) FindByOwner(_ context.Context, ownerID string) (*model.UsageCounter, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[ownerID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *lockingStore) UpdateLocked(_ context.Context, seed *model.UsageCounter, fn func(*model.UsageCounter, bool) (bool, error)) error {
	if s.err != nil {
		return s.err
	}
	lock := s.rowLock(seed.OwnerID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	c, exists := s.rows[seed.OwnerID]
	s.mu.Unlock()

	if !exists {
		c = *seed
	}
	// 読み出し後に他のゴルーチンが走る余地を作る
	time.Sleep(time.Millisecond)

	write, err := fn(&c, !exists)
	if err != nil {
		return err
	}
	if write || !exists {
		s.mu.Lock()
		s.rows[seed.OwnerID] = c
		s.mu.Unlock()
	}
	return nil
}

func newTestDurableLimiter(t *testing.T, store CounterStore, cfg Config) (*DurableLimiter, *fakeClock) {
	t.Helper()
	l, err := NewDurableLimiter(store, cfg)
	if err != nil {
		t.Fatalf("NewDurableLimiter failed: %v", err)
	}
	clock := newFakeClock()
	l.now = clock.Now
	return l, clock
}

func TestNewDurableLimiter_Validation(t *testing.T) {
	if _, err := NewDurableLimiter(nil, Config{Limit: 1, Window: time.Minute}); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := NewDurableLimiter(newLockingStore(), Config{Limit: 0, Window: time.Minute}); err == nil {
		t.Error("expected error for zero limit")
	}
}

func TestDurableLimiter_ConcurrentCallsAdmitExactlyLimit(t *testing.T) {
	const limit = 5
	store := newLockingStore()
	l, _ := newTestDurableLimiter(t, store, Config{Limit: limit, Window: time.Hour})

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2*limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Allow(context.Background(), "owner-1")
			if err != nil {
				t.Errorf("Allow failed: %v", err)
				return
			}
			if ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != limit {
		t.Errorf("allowed = %d, want %d", allowed.Load(), limit)
	}
	if c := store.rows["owner-1"]; c.Count != limit {
		t.Errorf("stored count = %d, want %d (denied calls must not mutate)", c.Count, limit)
	}
}

func TestDurableLimiter_WindowResetAtBoundary(t *testing.T) {
	store := newLockingStore()
	l, clock := newTestDurableLimiter(t, store, Config{Limit: 2, Window: time.Hour})
	ctx := context.Background()

	l.Allow(ctx, "o")
	l.Allow(ctx, "o")
	if ok, _ := l.Allow(ctx, "o"); ok {
		t.Fatal("third call should be denied")
	}

	d, err := l.RetryAfter(ctx, "o")
	if err != nil {
		t.Fatalf("RetryAfter failed: %v", err)
	}
	if d != time.Hour {
		t.Errorf("RetryAfter = %s, want 1h", d)
	}

	// ちょうどウィンドウ終了時刻で新しいウィンドウになる
	clock.Advance(time.Hour)
	ok, err := l.Allow(ctx, "o")
	if err != nil || !ok {
		t.Fatalf("call at window end: ok=%v err=%v, want allowed", ok, err)
	}
	c := store.rows["o"]
	if c.Count != 1 {
		t.Errorf("Count after reset = %d, want 1", c.Count)
	}
	if !c.WindowStart.Equal(clock.Now()) {
		t.Errorf("WindowStart = %s, want %s", c.WindowStart, clock.Now())
	}
}

func TestDurableLimiter_Usage(t *testing.T) {
	store := newLockingStore()
	l, clock := newTestDurableLimiter(t, store, Config{Limit: 3, Window: time.Hour})
	ctx := context.Background()

	u, err := l.Usage(ctx, "o")
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if u.Used != 0 || u.Remaining != 3 || !u.ResetAt.IsZero() {
		t.Errorf("fresh usage = %+v", u)
	}

	l.Allow(ctx, "o")
	l.Allow(ctx, "o")
	u, _ = l.Usage(ctx, "o")
	if u.Used != 2 || u.Remaining != 1 {
		t.Errorf("usage = %+v, want used=2 remaining=1", u)
	}
	if !u.ResetAt.Equal(clock.Now().Add(time.Hour)) {
		t.Errorf("ResetAt = %s", u.ResetAt)
	}

	clock.Advance(2 * time.Hour)
	u, _ = l.Usage(ctx, "o")
	if u.Used != 0 || u.Remaining != 3 {
		t.Errorf("usage after window = %+v, want reset", u)
	}
}

func TestDurableLimiter_StoreError(t *testing.T) {
	store := newLockingStore()
	store.err = errors.New("connection refused")
	l, _ := newTestDurableLimiter(t, store, Config{Limit: 1, Window: time.Minute})

	ok, err := l.Allow(context.Background(), "o")
	if err == nil || ok {
		t.Errorf("ok=%v err=%v, want store error", ok, err)
	}
	if _, err := l.RetryAfter(context.Background(), "o"); err == nil {
		t.Error("expected RetryAfter error")
	}
}

// PostgreSQLの行ロックで同時呼び出しが上限ちょうどに収まることを検証する
func TestDurableLimiter_Postgres_ConcurrentCalls(t *testing.T) {
	db := dbtest.Open(t)
	const limit = 5
	l, err := NewDurableLimiter(repository.NewPostgresUsageCounterRepo(db), Config{Limit: limit, Window: time.Hour})
	if err != nil {
		t.Fatalf("NewDurableLimiter failed: %v", err)
	}
	owner := uuid.NewString()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2*limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Allow(context.Background(), owner)
			if err != nil {
				t.Errorf("Allow failed: %v", err)
				return
			}
			if ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != limit {
		t.Errorf("allowed = %d, want %d", allowed.Load(), limit)
	}

	// ウィンドウ経過後はリセットされる
	l.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	ok, err := l.Allow(context.Background(), owner)
	if err != nil || !ok {
		t.Errorf("after window: ok=%v err=%v, want allowed", ok, err)
	}
}
