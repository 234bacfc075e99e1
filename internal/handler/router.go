package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/entrykeep/internal/metrics"
	"github.com/hitoshi/entrykeep/internal/middleware"
)

// HealthChecker はデータベースの疎通確認インターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// healthCheckTimeout はヘルスチェック時のPingのタイムアウト。
const healthCheckTimeout = 2 * time.Second

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SubjectResolver   middleware.SubjectResolver
	RateLimiter       *middleware.RateLimiter
	UsageQuota        middleware.QuotaChecker
	CORSAllowedOrigin string
	TrustedProxies    []netip.Prefix // 空の場合は転送ヘッダーを一切信用しない
	Logger            *slog.Logger
	Metrics           *metrics.Collector // nilの場合は記録しない
	MetricsHandler    http.Handler       // nilの場合は/metricsを公開しない

	// 認証
	AuthService AuthServiceInterface

	// アカウント
	UserService UserServiceInterface

	// 利用回数
	UsageReader UsageReader

	// MeteredHandler は利用回数制限の対象となる処理。
	// nilの場合は利用回数を消費せずに501を返す。
	MeteredHandler http.Handler

	HealthChecker HealthChecker
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	ClientIP → Recovery → Metrics → Logging → CORS → SecurityHeaders
//	/auth/*: RateLimit(Public)
//	/api/*:  BearerAuth → RateLimit(General) [→ Quota]
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	var recorder middleware.RejectionRecorder = metrics.Nop{}
	if deps.Metrics != nil {
		recorder = deps.Metrics
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewClientIPMiddleware(deps.TrustedProxies))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	}
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	authHandler := NewAuthHandler(deps.AuthService)
	userHandler := NewUserHandler(deps.UserService)
	usageHandler := NewUsageHandler(deps.UsageReader)

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(deps.RateLimiter.PublicMiddleware())

		r.Post("/apple", authHandler.AppleSignIn)
		r.Post("/email/code", authHandler.RequestEmailCode)
		r.Post("/email/code/resend", authHandler.ResendEmailCode)
		r.Post("/email/verify", authHandler.VerifyEmailCode)
		r.Post("/refresh", authHandler.Refresh)
		r.Post("/logout", authHandler.Logout)
	})

	// --- 認証が必要なルート ---
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewBearerAuthMiddleware(deps.SubjectResolver))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/me", userHandler.Me)
		r.Delete("/me", userHandler.DeleteAccount)
		r.Get("/usage", usageHandler.GetUsage)

		// 利用回数制限はこのルートのみ
		if deps.MeteredHandler != nil {
			r.With(middleware.NewQuotaMiddleware("usage", deps.UsageQuota, recorder)).
				Method(http.MethodPost, "/search", deps.MeteredHandler)
		} else {
			r.Post("/search", notImplementedHandler)
		}
	})

	return r
}

// healthHandler はデータベースへの疎通を確認する。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
