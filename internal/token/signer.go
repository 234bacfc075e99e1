// Package token はサービス自身が発行するアクセストークンの署名・検証と、
// リフレッシュシークレットの生成を提供する。
package token

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 検証エラー。呼び出し側では区別せず認証失敗として扱い、ログにのみ原因を残す。
var (
	ErrExpired          = errors.New("access token expired")
	ErrMalformed        = errors.New("access token malformed")
	ErrSignatureInvalid = errors.New("access token signature invalid")
)

// DefaultAccessTTL はアクセストークンの既定有効期間。
const DefaultAccessTTL = time.Hour

// refreshSecretBytes はリフレッシュシークレットの乱数バイト長（256bit）。
const refreshSecretBytes = 32

// Config はSignerの設定。
type Config struct {
	PrivateKey ed25519.PrivateKey
	KeyID      string
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
}

// Claims はアクセストークンに含めるクレーム。
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Subject はアクセストークンの検証結果。
type Subject struct {
	IdentityID string
	Email      string
	ExpiresAt  time.Time
}

// Signer はEd25519鍵ペアでアクセストークンを発行・検証する。
// 設定後はイミュータブルとして扱い、並行利用できる。
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	keyID      string
	issuer     string
	audience   string
	accessTTL  time.Duration
	now        func() time.Time
}

// NewSigner はSignerを生成する。
func NewSigner(cfg Config) (*Signer, error) {
	if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("ed25519 private key is required")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("issuer and audience are required")
	}
	if cfg.AccessTTL < 0 {
		return nil, errors.New("invalid access token TTL")
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}

	pub, ok := cfg.PrivateKey.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("failed to derive ed25519 public key")
	}

	return &Signer{
		privateKey: cfg.PrivateKey,
		publicKey:  pub,
		keyID:      strings.TrimSpace(cfg.KeyID),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		accessTTL:  cfg.AccessTTL,
		now:        time.Now,
	}, nil
}

// AccessTTL はアクセストークンの有効期間を返す。
func (s *Signer) AccessTTL() time.Duration {
	return s.accessTTL
}

// Mint はアクセストークンを発行する。
func (s *Signer) Mint(identityID, email string) (string, error) {
	return s.mint(identityID, email, s.accessTTL)
}

func (s *Signer) mint(identityID, email string, ttl time.Duration) (string, error) {
	if identityID == "" {
		return "", errors.New("identity ID is required")
	}

	now := s.now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identityID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	if s.keyID != "" {
		t.Header["kid"] = s.keyID
	}

	signed, err := t.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// Validate はアクセストークンを検証し、subjectとemailを返す。
// 宣言されたアルゴリズムがEdDSA以外の場合は、署名検証を行う前に拒否する。
func (s *Signer) Validate(tokenStr string) (*Subject, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		if s.keyID != "" {
			if kid, _ := t.Header["kid"].(string); kid != s.keyID {
				return nil, fmt.Errorf("unknown key id: %q", kid)
			}
		}
		return s.publicKey, nil
	})
	if err != nil {
		return nil, classify(err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrMalformed)
	}

	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}

	return &Subject{
		IdentityID: claims.Subject,
		Email:      claims.Email,
		ExpiresAt:  exp,
	}, nil
}

// classify はjwtライブラリのエラーをパッケージのエラーに変換する。
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		// issuer/audience不一致、iat不正などは自サービスのトークンとして不正な形式とみなす
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

// GenerateRefreshSecret は256bitの乱数から不透明なリフレッシュシークレットを生成する。
// 署名やパース可能な構造は持たない。
func GenerateRefreshSecret() (string, error) {
	b := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate refresh secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// LoadPrivateKey はPKCS#8 PEM形式のEd25519秘密鍵を読み込む。
// pemDataが空の場合はpathのファイルから読み込む。
func LoadPrivateKey(pemData, path string) (ed25519.PrivateKey, error) {
	data := []byte(pemData)
	if len(data) == 0 {
		if path == "" {
			return nil, errors.New("no private key configured")
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key file: %w", err)
		}
		data = b
	}

	key, err := jwt.ParseEdPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return asEd25519(key)
}

func asEd25519(key crypto.PrivateKey) (ed25519.PrivateKey, error) {
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not ed25519")
	}
	return edKey, nil
}
