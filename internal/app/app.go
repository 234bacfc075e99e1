package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/entrykeep/internal/auth"
	"github.com/hitoshi/entrykeep/internal/config"
	"github.com/hitoshi/entrykeep/internal/credential"
	"github.com/hitoshi/entrykeep/internal/database"
	"github.com/hitoshi/entrykeep/internal/emailcode"
	"github.com/hitoshi/entrykeep/internal/federation"
	"github.com/hitoshi/entrykeep/internal/handler"
	"github.com/hitoshi/entrykeep/internal/logger"
	"github.com/hitoshi/entrykeep/internal/mail"
	"github.com/hitoshi/entrykeep/internal/metrics"
	"github.com/hitoshi/entrykeep/internal/middleware"
	"github.com/hitoshi/entrykeep/internal/quota"
	"github.com/hitoshi/entrykeep/internal/repository"
	"github.com/hitoshi/entrykeep/internal/security"
	"github.com/hitoshi/entrykeep/internal/token"
	"github.com/hitoshi/entrykeep/internal/worker/cleanup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルを反映する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return fmt.Errorf("unsupported command %q", cmd)
	}
}

// openDatabase はプール設定を適用したDB接続を開き、疎通を確認する。
func openDatabase(databaseURL string) (*sql.DB, error) {
	return database.Connect(context.Background(), databaseURL, database.DefaultPoolConfig())
}

// api はワイヤリング済みのHTTPハンドラーと、停止時に解放するリソース。
type api struct {
	handler http.Handler
	closers []func()
}

// Close は確保したリソースを逆順に解放する。
func (a *api) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newAPI は全依存関係をワイヤリングしてHTTPハンドラーを構築する。
func newAPI(cfg *config.Config, db *sql.DB) (a *api, err error) {
	a = &api{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 2. リポジトリの初期化
	identityRepo := repository.NewPostgresIdentityRepo(db)
	credentialRepo := repository.NewPostgresRefreshCredentialRepo(db)
	codeRepo := repository.NewPostgresVerificationCodeRepo(db)
	usageRepo := repository.NewPostgresUsageCounterRepo(db)

	// 3. 外部IdPアサーション検証
	if err := security.ValidateEndpoint(cfg.AppleKeysURL); err != nil {
		return nil, fmt.Errorf("invalid APPLE_KEYS_URL: %w", err)
	}
	keySource := federation.NewHTTPKeySource(cfg.AppleKeysURL, security.NewOutboundClient(cfg.KeyFetchTimeout))
	keyDirectory := federation.NewKeyDirectory(keySource, federation.DirectoryConfig{
		FetchTimeout: cfg.KeyFetchTimeout,
		MissCooldown: cfg.KeyMissCooldown,
	}, collector)
	verifier, err := federation.NewAppleVerifier(keyDirectory, federation.VerifierConfig{
		Issuer:    cfg.AppleIssuer,
		Audiences: cfg.AppleAudiences,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create apple verifier: %w", err)
	}

	// 4. アクセストークン
	privateKey, err := token.LoadPrivateKey(cfg.TokenPrivateKey, cfg.TokenPrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load token private key: %w", err)
	}
	signer, err := token.NewSigner(token.Config{
		PrivateKey: privateKey,
		KeyID:      cfg.TokenKeyID,
		Issuer:     cfg.TokenIssuer,
		Audience:   cfg.TokenAudience,
		AccessTTL:  cfg.AccessTokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token signer: %w", err)
	}

	// 5. メールログイン
	resendLimiter, err := newResendLimiter(cfg, a)
	if err != nil {
		return nil, err
	}
	verifyLimiter, err := quota.NewMemoryLimiter(quota.Config{
		Limit:  cfg.EmailVerifyLimit,
		Window: cfg.EmailVerifyWindow,
	}, cfg.EmailVerifyWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify limiter: %w", err)
	}
	a.closers = append(a.closers, verifyLimiter.Stop)

	sender, err := newMailSender(cfg)
	if err != nil {
		return nil, err
	}
	codeService, err := emailcode.NewService(emailcode.Config{
		Codes:         codeRepo,
		Identities:    identityRepo,
		Sender:        sender,
		ResendLimiter: resendLimiter,
		VerifyLimiter: verifyLimiter,
		TTL:           cfg.EmailCodeTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create email code service: %w", err)
	}

	// 6. 認証サービス
	authService, err := auth.NewService(auth.ServiceConfig{
		Verifier:    verifier,
		Tokens:      signer,
		Credentials: credential.NewStore(credentialRepo),
		Codes:       codeService,
		Identities:  identityRepo,
		Names:       security.NewNameSanitizer(),
		Metrics:     collector,
		RefreshTTL:  cfg.RefreshTokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create auth service: %w", err)
	}

	// 7. 利用回数制限
	usageLimiter, err := quota.NewDurableLimiter(usageRepo, quota.Config{
		Limit:  cfg.UsageLimit,
		Window: cfg.UsageWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create usage limiter: %w", err)
	}

	// 8. ルーターの構築（設定値はreq/min、rate.Limitはreq/sec）
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	rateLimiterCfg.PublicRate = rate.Limit(float64(cfg.RateLimitPublic) / 60.0)
	rateLimiterCfg.PublicBurst = cfg.RateLimitPublic
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg, collector)
	a.closers = append(a.closers, rateLimiter.Stop)

	a.handler = handler.NewRouter(&handler.RouterDeps{
		SubjectResolver:   authService,
		RateLimiter:       rateLimiter,
		UsageQuota:        usageLimiter,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		TrustedProxies:    cfg.TrustedProxies,
		Logger:            slog.Default(),
		Metrics:           collector,
		MetricsHandler:    metrics.Handler(reg),

		AuthService: authService,
		UserService: authService,
		UsageReader: usageLimiter,

		HealthChecker: db,
	})
	return a, nil
}

// newMailSender はSMTP_ADDRが設定されていればSMTP送信を、なければログ出力のみの送信を返す。
func newMailSender(cfg *config.Config) (mail.Sender, error) {
	if cfg.SMTPAddr == "" {
		slog.Warn("SMTP_ADDR is not set; verification codes are only logged")
		return mail.NewLogSender(cfg.MailFrom, slog.Default()), nil
	}
	sender, err := mail.NewSMTPSender(mail.SMTPConfig{
		Addr:     cfg.SMTPAddr,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
	}, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp sender: %w", err)
	}
	return sender, nil
}

// newResendLimiter は再送制限を生成する。
// REDIS_URLが設定されている場合は複数インスタンスで共有するRedis実装を使う。
func newResendLimiter(cfg *config.Config, a *api) (quota.Limiter, error) {
	limits := quota.Config{Limit: cfg.EmailResendLimit, Window: cfg.EmailResendWindow}

	if cfg.RedisURL == "" {
		limiter, err := quota.NewMemoryLimiter(limits, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("failed to create resend limiter: %w", err)
		}
		a.closers = append(a.closers, limiter.Stop)
		return limiter, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	a.closers = append(a.closers, func() { client.Close() })

	limiter, err := quota.NewRedisLimiter(client, "entrykeep:email-resend", limits)
	if err != nil {
		return nil, fmt.Errorf("failed to create resend limiter: %w", err)
	}
	slog.Info("email resend limiter uses redis", slog.String("addr", opts.Addr))
	return limiter, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	a, err := newAPI(cfg, db)
	if err != nil {
		return err
	}
	defer a.Close()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れの認証データを定期的に削除する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())
	cleanupJob.RetentionDays = cfg.RefreshRetentionDays
	cleanupJob.CodeRetention = cfg.CodeRetention

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.Version(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	slog.Info("database migrations completed",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
