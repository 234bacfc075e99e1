package federation

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultAppleIssuer はAppleのアサーションのiss。
const DefaultAppleIssuer = "https://appleid.apple.com"

// 検証エラー。発行者・受信者・有効期限はそれぞれ独立に検証され、対応するエラーを返す。
var (
	ErrMalformed        = errors.New("assertion malformed")
	ErrSignatureInvalid = errors.New("assertion signature invalid")
	ErrExpired          = errors.New("assertion expired")
	ErrIssuerMismatch   = errors.New("assertion issuer mismatch")
	ErrAudienceMismatch = errors.New("assertion audience mismatch")
)

// Assertion は検証済みアサーションから取り出した情報。
type Assertion struct {
	Subject       string
	Email         string
	EmailVerified bool
}

// flexBool はtrue/"true"の両方の表現を受け付ける真偽値。
// Appleはemail_verifiedを文字列で返すことがある。
type flexBool bool

// UnmarshalJSON はjson.Unmarshalerを実装する。
func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*b = flexBool(t)
	case string:
		*b = flexBool(strings.EqualFold(t, "true"))
	case nil:
		*b = false
	default:
		return fmt.Errorf("unexpected boolean claim type %T", v)
	}
	return nil
}

// appleClaims はAppleのアサーションのクレーム。
type appleClaims struct {
	Email          string   `json:"email"`
	EmailVerified  flexBool `json:"email_verified"`
	IsPrivateEmail flexBool `json:"is_private_email"`
	jwt.RegisteredClaims
}

// KeyResolver はkidから検証用公開鍵を取得する。KeyDirectoryが満たす。
type KeyResolver interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// VerifierConfig はAppleVerifierの設定。
type VerifierConfig struct {
	Issuer    string
	Audiences []string // 受け入れるクライアントID（バンドルID、Services ID）
}

// AppleVerifier はSign in with Appleのアイデンティティトークンを検証する。
type AppleVerifier struct {
	keys      KeyResolver
	issuer    string
	audiences []string
	now       func() time.Time
}

// NewAppleVerifier はAppleVerifierを生成する。
func NewAppleVerifier(keys KeyResolver, config VerifierConfig) (*AppleVerifier, error) {
	if keys == nil {
		return nil, errors.New("key resolver is required")
	}
	if len(config.Audiences) == 0 {
		return nil, errors.New("at least one audience is required")
	}
	if config.Issuer == "" {
		config.Issuer = DefaultAppleIssuer
	}
	return &AppleVerifier{
		keys:      keys,
		issuer:    config.Issuer,
		audiences: slices.Clone(config.Audiences),
		now:       time.Now,
	}, nil
}

// Verify はアサーションの署名を検証した後、発行者・受信者・有効期限を個別に検証する。
func (v *AppleVerifier) Verify(ctx context.Context, assertion string) (*Assertion, error) {
	// 1. ヘッダーから未検証のkidを取り出す
	unverified, _, err := jwt.NewParser().ParseUnverified(assertion, &appleClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if alg, _ := unverified.Header["alg"].(string); alg != jwt.SigningMethodRS256.Alg() {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrSignatureInvalid, alg)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: missing kid", ErrMalformed)
	}

	// 2. 鍵ディレクトリから公開鍵を取得（未知のkidなら1回だけ再取得）
	key, err := v.keys.Key(ctx, kid)
	if err != nil {
		return nil, err
	}

	// 3. 署名検証。クレームの検証は後段で個別に行う
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims := &appleClaims{}
	if _, err := parser.ParseWithClaims(assertion, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}); err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	// 4. 発行者
	if claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: %q", ErrIssuerMismatch, claims.Issuer)
	}

	// 5. 受信者
	if !v.audienceAccepted(claims.Audience) {
		return nil, fmt.Errorf("%w: %v", ErrAudienceMismatch, []string(claims.Audience))
	}

	// 6. 有効期限（必須）
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing exp", ErrExpired)
	}
	if !v.now().Before(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: at %s", ErrExpired, claims.ExpiresAt.Time.Format(time.RFC3339))
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrMalformed)
	}

	return &Assertion{
		Subject:       claims.Subject,
		Email:         strings.ToLower(strings.TrimSpace(claims.Email)),
		EmailVerified: bool(claims.EmailVerified),
	}, nil
}

func (v *AppleVerifier) audienceAccepted(aud jwt.ClaimStrings) bool {
	for _, a := range aud {
		if slices.Contains(v.audiences, a) {
			return true
		}
	}
	return false
}
