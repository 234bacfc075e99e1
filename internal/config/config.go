package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Apple
	AppleAudiences  []string
	AppleIssuer     string
	AppleKeysURL    string
	KeyFetchTimeout time.Duration
	KeyMissCooldown time.Duration

	// Token
	TokenPrivateKey     string // PKCS#8 PEM
	TokenPrivateKeyFile string
	TokenKeyID          string
	TokenIssuer         string
	TokenAudience       string
	AccessTokenTTL      time.Duration
	RefreshTokenTTL     time.Duration

	// Email code
	EmailCodeTTL      time.Duration
	EmailResendLimit  int
	EmailResendWindow time.Duration
	EmailVerifyLimit  int
	EmailVerifyWindow time.Duration
	MailFrom          string

	// SMTP（SMTPAddrが空の場合はコードをログに出すだけの開発用送信になる）
	SMTPAddr     string
	SMTPUser     string
	SMTPPassword string

	// Usage quota
	UsageLimit  int
	UsageWindow time.Duration

	// Redis（任意。設定されている場合は再送制限を共有する）
	RedisURL string

	// Rate Limit
	RateLimitGeneral int
	RateLimitPublic  int

	// TrustedProxies はX-Forwarded-Forを信用する直前のピアのアドレス範囲。
	// 空の場合は転送ヘッダーを無視し、接続元アドレスでIP単位の制限をかける。
	TrustedProxies []netip.Prefix

	// Cleanup
	RefreshRetentionDays int
	CodeRetention        time.Duration
	CleanupInterval      time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS（カンマ区切り、空ならCORSヘッダーを返さない）
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.AppleAudiences = splitList(os.Getenv("APPLE_AUDIENCES"))
	if len(cfg.AppleAudiences) == 0 {
		missing = append(missing, "APPLE_AUDIENCES")
	}

	cfg.TokenPrivateKey = os.Getenv("TOKEN_PRIVATE_KEY")
	cfg.TokenPrivateKeyFile = os.Getenv("TOKEN_PRIVATE_KEY_FILE")
	if cfg.TokenPrivateKey == "" && cfg.TokenPrivateKeyFile == "" {
		missing = append(missing, "TOKEN_PRIVATE_KEY or TOKEN_PRIVATE_KEY_FILE")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.AppleIssuer = getEnvString("APPLE_ISSUER", "https://appleid.apple.com")
	cfg.AppleKeysURL = getEnvString("APPLE_KEYS_URL", "https://appleid.apple.com/auth/keys")
	cfg.KeyFetchTimeout = getEnvDuration("KEY_FETCH_TIMEOUT", 5*time.Second)
	cfg.KeyMissCooldown = getEnvDuration("KEY_MISS_COOLDOWN", time.Minute)
	cfg.TokenKeyID = getEnvString("TOKEN_KEY_ID", "entrykeep-1")
	cfg.TokenIssuer = getEnvString("TOKEN_ISSUER", "entrykeep")
	cfg.TokenAudience = getEnvString("TOKEN_AUDIENCE", "entrykeep-api")
	cfg.AccessTokenTTL = getEnvDuration("ACCESS_TOKEN_TTL", time.Hour)
	cfg.RefreshTokenTTL = getEnvDuration("REFRESH_TOKEN_TTL", 720*time.Hour)
	cfg.EmailCodeTTL = getEnvDuration("EMAIL_CODE_TTL", 10*time.Minute)
	cfg.EmailResendLimit = getEnvInt("EMAIL_RESEND_LIMIT", 1)
	cfg.EmailResendWindow = getEnvDuration("EMAIL_RESEND_WINDOW", 60*time.Second)
	cfg.EmailVerifyLimit = getEnvInt("EMAIL_VERIFY_LIMIT", 5)
	cfg.EmailVerifyWindow = getEnvDuration("EMAIL_VERIFY_WINDOW", 10*time.Minute)
	cfg.MailFrom = getEnvString("MAIL_FROM", "no-reply@entrykeep.local")
	cfg.UsageLimit = getEnvInt("USAGE_LIMIT", 50)
	cfg.UsageWindow = getEnvDuration("USAGE_WINDOW", 24*time.Hour)
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitPublic = getEnvInt("RATE_LIMIT_PUBLIC", 30)
	cfg.RefreshRetentionDays = getEnvInt("REFRESH_RETENTION_DAYS", 30)
	cfg.CodeRetention = getEnvDuration("CODE_RETENTION", 24*time.Hour)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.SMTPAddr = getEnvString("SMTP_ADDR", "")
	cfg.SMTPUser = getEnvString("SMTP_USER", "")
	cfg.SMTPPassword = getEnvString("SMTP_PASSWORD", "")

	proxies, err := parsePrefixes(os.Getenv("TRUSTED_PROXIES"))
	if err != nil {
		return nil, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}
	cfg.TrustedProxies = proxies

	return cfg, nil
}

// parsePrefixes はカンマ区切りのCIDRまたは単一アドレスを解析する。
// 信用範囲の設定ミスは制限の迂回につながるため、不正な値はデフォルトに戻さずエラーにする。
func parsePrefixes(v string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, s := range splitList(v) {
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// splitList はカンマ区切りの値を分割し、空要素を除く。
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
