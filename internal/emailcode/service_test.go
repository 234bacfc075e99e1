package emailcode

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/entrykeep/internal/model"
	"github.com/hitoshi/entrykeep/internal/quota"
	"github.com/hitoshi/entrykeep/internal/repository"
)

// --- モック定義 ---

// memoryCodes はVerificationCodeRepositoryのインメモリ実装。
type memoryCodes struct {
	mu    sync.Mutex
	codes []*model.VerificationCode
	err   error
}

func (m *memoryCodes) Replace(_ context.Context, code *model.VerificationCode) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, c := range m.codes {
		if c.Email == code.Email && c.UsedAt == nil && c.InvalidatedAt == nil {
			at := code.CreatedAt
			c.InvalidatedAt = &at
			n++
		}
	}
	cp := *code
	m.codes = append(m.codes, &cp)
	return n, nil
}

func (m *memoryCodes) FindLatest(_ context.Context, email, hash string) (*model.VerificationCode, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []*model.VerificationCode
	for _, c := range m.codes {
		if c.Email == email && c.CodeHash == hash {
			matches = append(matches, c)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	cp := *matches[0]
	return &cp, nil
}

func (m *memoryCodes) MarkUsed(_ context.Context, id string, usedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.codes {
		if c.ID == id && c.UsedAt == nil && c.InvalidatedAt == nil {
			c.UsedAt = &usedAt
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryCodes) openCount(email string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.codes {
		if c.Email == email && c.UsedAt == nil && c.InvalidatedAt == nil {
			n++
		}
	}
	return n
}

type mockIdentityRepo struct {
	resolveOrCreateFn func(ctx context.Context, provider, subject string, input model.NewIdentity) (*model.Identity, bool, error)
}

func (m *mockIdentityRepo) FindByID(context.Context, string) (*model.Identity, error) { return nil, nil }
func (m *mockIdentityRepo) FindLink(context.Context, string, string) (*model.FederationLink, error) {
	return nil, nil
}
func (m *mockIdentityRepo) Anonymize(context.Context, string) error { return nil }

func (m *mockIdentityRepo) ResolveOrCreate(ctx context.Context, provider, subject string, input model.NewIdentity) (*model.Identity, bool, error) {
	if m.resolveOrCreateFn != nil {
		return m.resolveOrCreateFn(ctx, provider, subject, input)
	}
	return &model.Identity{ID: "identity-1"}, true, nil
}

// recordingSender は送信したコードを記録するSender。
type recordingSender struct {
	mu    sync.Mutex
	sent  map[string]string
	err   error
	calls int
}

func (s *recordingSender) SendVerificationCode(_ context.Context, to, code string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	if s.sent == nil {
		s.sent = make(map[string]string)
	}
	s.sent[to] = code
	return nil
}

func (s *recordingSender) last(to string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[to]
}

type mockLimiter struct {
	allowFn      func(ctx context.Context, key string) (bool, error)
	retryAfterFn func(ctx context.Context, key string) (time.Duration, error)
}

func (m *mockLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if m.allowFn != nil {
		return m.allowFn(ctx, key)
	}
	return true, nil
}

func (m *mockLimiter) RetryAfter(ctx context.Context, key string) (time.Duration, error) {
	if m.retryAfterFn != nil {
		return m.retryAfterFn(ctx, key)
	}
	return 0, nil
}

// --- compile-time interface checks ---
var _ repository.VerificationCodeRepository = (*memoryCodes)(nil)
var _ repository.IdentityRepository = (*mockIdentityRepo)(nil)
var _ quota.Limiter = (*mockLimiter)(nil)

type testEnv struct {
	svc        *Service
	codes      *memoryCodes
	identities *mockIdentityRepo
	sender     *recordingSender
	clock      time.Time
	seq        int
}

func newTestEnv(t *testing.T, resend, verify quota.Limiter) *testEnv {
	t.Helper()
	env := &testEnv{
		codes:      &memoryCodes{},
		identities: &mockIdentityRepo{},
		sender:     &recordingSender{},
		clock:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if resend == nil {
		resend = &mockLimiter{}
	}
	svc, err := NewService(Config{
		Codes:         env.codes,
		Identities:    env.identities,
		Sender:        env.sender,
		ResendLimiter: resend,
		VerifyLimiter: verify,
		TTL:           10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	svc.now = func() time.Time { return env.clock }
	// 決定的なコードを順に払い出す
	svc.generate = func() (string, error) {
		env.seq++
		return []string{"111111", "222222", "333333", "444444"}[(env.seq-1)%4], nil
	}
	env.svc = svc
	return env
}

// --- テスト ---

func TestNewService_Validation(t *testing.T) {
	if _, err := NewService(Config{}); err == nil {
		t.Error("expected error for missing dependencies")
	}
	_, err := NewService(Config{
		Codes:      &memoryCodes{},
		Identities: &mockIdentityRepo{},
		Sender:     &recordingSender{},
	})
	if err == nil {
		t.Error("expected error for missing resend limiter")
	}
}

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"a@x.com", "a@x.com", false},
		{"  User@Example.COM ", "user@example.com", false},
		{"first.last+tag@sub.example.jp", "first.last+tag@sub.example.jp", false},
		{"", "", true},
		{"not-an-email", "", true},
		{"a@localhost", "", true},
		{"Name <a@x.com>", "", true},
		{"a@@x.com", "", true},
		{"a b@x.com", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := NormalizeEmail(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidEmail) {
				t.Errorf("err = %v, want ErrInvalidEmail", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIssue_InvalidEmail(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	if err := env.svc.Issue(context.Background(), "bogus"); !errors.Is(err, ErrInvalidEmail) {
		t.Errorf("err = %v, want ErrInvalidEmail", err)
	}
	if env.sender.calls != 0 {
		t.Error("nothing should be sent for an invalid address")
	}
}

func TestIssue_StoresHashAndSends(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	if err := env.svc.Issue(context.Background(), "A@X.com"); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if got := env.sender.last("a@x.com"); got != "111111" {
		t.Errorf("sent code = %q, want 111111", got)
	}
	stored := env.codes.codes[0]
	if stored.CodeHash == "111111" {
		t.Error("raw code must not be stored")
	}
	if want := env.clock.Add(10 * time.Minute); !stored.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %s, want %s", stored.ExpiresAt, want)
	}
}

func TestIssue_SendFailure(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.sender.err = errors.New("smtp down")
	if err := env.svc.Issue(context.Background(), "a@x.com"); err == nil {
		t.Error("expected send error")
	}
}

// 再発行すると以前の未使用コードは全て無効になる
func TestIssue_ReissueInvalidatesAllPriorCodes(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	env.svc.Issue(ctx, "a@x.com") // 111111
	env.clock = env.clock.Add(time.Second)
	env.svc.Issue(ctx, "a@x.com") // 222222
	env.clock = env.clock.Add(time.Second)
	env.svc.Issue(ctx, "a@x.com") // 333333

	if n := env.codes.openCount("a@x.com"); n != 1 {
		t.Fatalf("open codes = %d, want 1", n)
	}

	for _, stale := range []string{"111111", "222222"} {
		if _, _, err := env.svc.Verify(ctx, "a@x.com", stale); !errors.Is(err, ErrCodeInvalid) {
			t.Errorf("Verify(%s) err = %v, want ErrCodeInvalid", stale, err)
		}
	}
	if _, _, err := env.svc.Verify(ctx, "a@x.com", "333333"); err != nil {
		t.Errorf("Verify(current) failed: %v", err)
	}
}

func TestResend_RateLimited(t *testing.T) {
	limiter, err := quota.NewMemoryLimiter(quota.Config{Limit: 1, Window: time.Minute}, 0)
	if err != nil {
		t.Fatalf("NewMemoryLimiter failed: %v", err)
	}
	defer limiter.Stop()
	env := newTestEnv(t, limiter, nil)
	ctx := context.Background()

	if err := env.svc.Resend(ctx, "a@x.com"); err != nil {
		t.Fatalf("first Resend failed: %v", err)
	}

	err = env.svc.Resend(ctx, "a@x.com")
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Error("RateLimitedError should match ErrRateLimited")
	}
	if rl.RetryAfter <= 0 || rl.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %s, want (0, 1m]", rl.RetryAfter)
	}
	if env.sender.calls != 1 {
		t.Errorf("sent = %d, want 1", env.sender.calls)
	}

	// キーはアドレスごと
	if err := env.svc.Resend(ctx, "b@x.com"); err != nil {
		t.Errorf("Resend to other address failed: %v", err)
	}
}

func TestResend_LimiterError(t *testing.T) {
	env := newTestEnv(t, &mockLimiter{
		allowFn: func(context.Context, string) (bool, error) { return false, errors.New("redis down") },
	}, nil)
	err := env.svc.Resend(context.Background(), "a@x.com")
	if err == nil || errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want infrastructure error", err)
	}
}

func TestVerify_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(env *testEnv)
		code    string
		wantErr error
	}{
		{
			name:    "コード形式不正",
			setup:   func(env *testEnv) { env.svc.Issue(context.Background(), "a@x.com") },
			code:    "12ab56",
			wantErr: ErrCodeInvalid,
		},
		{
			name:    "不一致",
			setup:   func(env *testEnv) { env.svc.Issue(context.Background(), "a@x.com") },
			code:    "999999",
			wantErr: ErrCodeInvalid,
		},
		{
			name:    "未発行",
			setup:   func(env *testEnv) {},
			code:    "111111",
			wantErr: ErrCodeInvalid,
		},
		{
			name: "期限切れ",
			setup: func(env *testEnv) {
				env.svc.Issue(context.Background(), "a@x.com")
				env.clock = env.clock.Add(10 * time.Minute)
			},
			code:    "111111",
			wantErr: ErrCodeExpired,
		},
		{
			name: "使用済み",
			setup: func(env *testEnv) {
				env.svc.Issue(context.Background(), "a@x.com")
				env.svc.Verify(context.Background(), "a@x.com", "111111")
			},
			code:    "111111",
			wantErr: ErrCodeAlreadyUsed,
		},
		{
			name:    "成功",
			setup:   func(env *testEnv) { env.svc.Issue(context.Background(), "a@x.com") },
			code:    " 111111 ",
			wantErr: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil, nil)
			tt.setup(env)
			_, _, err := env.svc.Verify(context.Background(), "a@x.com", tt.code)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerify_CreatesVerifiedEmailIdentity(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	var gotProvider, gotSubject string
	var gotInput model.NewIdentity
	env.identities.resolveOrCreateFn = func(_ context.Context, provider, subject string, input model.NewIdentity) (*model.Identity, bool, error) {
		gotProvider, gotSubject, gotInput = provider, subject, input
		email := input.Email
		return &model.Identity{ID: "new-id", Email: &email, EmailVerified: true}, true, nil
	}
	ctx := context.Background()
	env.svc.Issue(ctx, "a@x.com")

	identity, created, err := env.svc.Verify(ctx, "A@x.com", "111111")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !created || identity.ID != "new-id" {
		t.Errorf("identity = %+v created=%v", identity, created)
	}
	if gotProvider != model.ProviderEmail || gotSubject != "a@x.com" {
		t.Errorf("resolved (%q, %q), want (email, a@x.com)", gotProvider, gotSubject)
	}
	if !gotInput.EmailVerified || gotInput.Email != "a@x.com" {
		t.Errorf("input = %+v", gotInput)
	}
}

// 同じコードに対する同時検証は1件だけ成功する
func TestVerify_ConcurrentConsumeOnce(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	env.svc.Issue(ctx, "a@x.com")

	var ok, used atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := env.svc.Verify(ctx, "a@x.com", "111111")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrCodeAlreadyUsed):
				used.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 || used.Load() != 9 {
		t.Errorf("ok=%d used=%d, want 1/9", ok.Load(), used.Load())
	}
}

func TestIssue_SharesResendLimit(t *testing.T) {
	limiter, err := quota.NewMemoryLimiter(quota.Config{Limit: 2, Window: time.Minute}, 0)
	if err != nil {
		t.Fatalf("NewMemoryLimiter failed: %v", err)
	}
	defer limiter.Stop()
	env := newTestEnv(t, limiter, nil)
	ctx := context.Background()

	if err := env.svc.Issue(ctx, "a@x.com"); err != nil {
		t.Fatalf("first Issue failed: %v", err)
	}
	if err := env.svc.Issue(ctx, "A@x.com"); err != nil {
		t.Fatalf("second Issue failed: %v", err)
	}

	// 初回送信を繰り返しても再送と同じ枠を消費する
	for _, send := range []func(context.Context, string) error{env.svc.Issue, env.svc.Resend} {
		err := send(ctx, "a@x.com")
		var rl *RateLimitedError
		if !errors.As(err, &rl) {
			t.Fatalf("err = %v, want RateLimitedError", err)
		}
	}
	if env.sender.calls != 2 {
		t.Errorf("sent = %d, want 2", env.sender.calls)
	}
}

func TestVerify_AttemptLimit(t *testing.T) {
	limiter, err := quota.NewMemoryLimiter(quota.Config{Limit: 3, Window: 10 * time.Minute}, 0)
	if err != nil {
		t.Fatalf("NewMemoryLimiter failed: %v", err)
	}
	defer limiter.Stop()
	env := newTestEnv(t, nil, limiter)
	ctx := context.Background()
	env.svc.Issue(ctx, "a@x.com")

	for i := 0; i < 3; i++ {
		if _, _, err := env.svc.Verify(ctx, "a@x.com", "000000"); !errors.Is(err, ErrCodeInvalid) {
			t.Fatalf("attempt %d err = %v, want ErrCodeInvalid", i, err)
		}
	}

	// 上限到達後は正しいコードでも拒否される
	_, _, err = env.svc.Verify(ctx, "a@x.com", "111111")
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestVerify_RepositoryError(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.codes.err = errors.New("db down")
	_, _, err := env.svc.Verify(context.Background(), "a@x.com", "111111")
	if err == nil || errors.Is(err, ErrCodeInvalid) {
		t.Errorf("err = %v, want infrastructure error", err)
	}
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := generateCode()
		if err != nil {
			t.Fatalf("generateCode failed: %v", err)
		}
		if !isCodeSyntax(code) {
			t.Fatalf("code %q is not 6 digits", code)
		}
		seen[code] = true
	}
	if len(seen) < 45 {
		t.Errorf("only %d distinct codes out of 50", len(seen))
	}
}
