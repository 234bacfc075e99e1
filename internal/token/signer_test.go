package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	s, err := NewSigner(Config{
		PrivateKey: priv,
		KeyID:      "k1",
		Issuer:     "entrykeep",
		Audience:   "entrykeep-api",
		AccessTTL:  time.Hour,
	})
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	return s
}

func TestNewSigner_Validation(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing key", Config{Issuer: "i", Audience: "a"}},
		{"missing issuer", Config{PrivateKey: priv, Audience: "a"}},
		{"missing audience", Config{PrivateKey: priv, Issuer: "i"}},
		{"negative ttl", Config{PrivateKey: priv, Issuer: "i", Audience: "a", AccessTTL: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSigner(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewSigner_DefaultTTL(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	s, err := NewSigner(Config{PrivateKey: priv, Issuer: "i", Audience: "a"})
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	if s.AccessTTL() != DefaultAccessTTL {
		t.Errorf("AccessTTL = %v, want %v", s.AccessTTL(), DefaultAccessTTL)
	}
}

func TestSigner_MintValidate_RoundTrip(t *testing.T) {
	s := newTestSigner(t)

	tok, err := s.Mint("identity-1", "a@x.com")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	sub, err := s.Validate(tok)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if sub.IdentityID != "identity-1" {
		t.Errorf("IdentityID = %q, want %q", sub.IdentityID, "identity-1")
	}
	if sub.Email != "a@x.com" {
		t.Errorf("Email = %q, want %q", sub.Email, "a@x.com")
	}
	if sub.ExpiresAt.IsZero() {
		t.Error("ExpiresAt should be set")
	}
}

func TestSigner_Mint_CarriesRegisteredClaims(t *testing.T) {
	s := newTestSigner(t)
	tok, err := s.Mint("identity-1", "")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		t.Fatalf("ParseUnverified failed: %v", err)
	}
	if claims.Issuer != "entrykeep" {
		t.Errorf("iss = %q", claims.Issuer)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != "entrykeep-api" {
		t.Errorf("aud = %v", claims.Audience)
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		t.Fatal("iat and exp must be set")
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != time.Hour {
		t.Errorf("lifetime = %v, want 1h", got)
	}
}

func TestSigner_Mint_RequiresIdentityID(t *testing.T) {
	s := newTestSigner(t)
	if _, err := s.Mint("", "a@x.com"); err == nil {
		t.Error("expected error for empty identity ID")
	}
}

func TestSigner_ZeroLifetime_FailsExpired(t *testing.T) {
	s := newTestSigner(t)

	tok, err := s.mint("identity-1", "a@x.com", 0)
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	_, err = s.Validate(tok)
	if !errors.Is(err, ErrExpired) {
		t.Errorf("err = %v, want ErrExpired", err)
	}
}

func TestSigner_Validate_ExpiredAfterClockAdvance(t *testing.T) {
	s := newTestSigner(t)
	base := time.Now()
	s.now = func() time.Time { return base }

	tok, err := s.Mint("identity-1", "")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	s.now = func() time.Time { return base.Add(time.Hour + time.Second) }
	if _, err := s.Validate(tok); !errors.Is(err, ErrExpired) {
		t.Errorf("err = %v, want ErrExpired", err)
	}
}

func TestSigner_Validate_MismatchedKey_FailsSignatureInvalid(t *testing.T) {
	s1 := newTestSigner(t)
	s2 := newTestSigner(t)

	tok, err := s2.Mint("identity-1", "")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	if _, err := s1.Validate(tok); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("err = %v, want ErrSignatureInvalid", err)
	}
}

func TestSigner_Validate_RejectsHS256BeforeVerification(t *testing.T) {
	s := newTestSigner(t)

	// 公開鍵をHMACの共有鍵として悪用するアルゴリズム混同攻撃
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "attacker",
			Issuer:    "entrykeep",
			Audience:  jwt.ClaimStrings{"entrykeep-api"},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	forged.Header["kid"] = "k1"
	tok, err := forged.SignedString([]byte(s.publicKey))
	if err != nil {
		t.Fatalf("failed to sign forged token: %v", err)
	}

	if _, err := s.Validate(tok); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("err = %v, want ErrSignatureInvalid", err)
	}
}

func TestSigner_Validate_RejectsRS256(t *testing.T) {
	s := newTestSigner(t)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate rsa key: %v", err)
	}

	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "identity-1",
		Issuer:    "entrykeep",
		Audience:  jwt.ClaimStrings{"entrykeep-api"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(rsaKey)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	if _, err := s.Validate(tok); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("err = %v, want ErrSignatureInvalid", err)
	}
}

func TestSigner_Validate_AlgNone(t *testing.T) {
	s := newTestSigner(t)
	claims := jwt.MapClaims{"sub": "identity-1", "exp": time.Now().Add(time.Hour).Unix()}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to build none token: %v", err)
	}

	if _, err := s.Validate(tok); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("err = %v, want ErrSignatureInvalid", err)
	}
}

func TestSigner_Validate_Malformed(t *testing.T) {
	s := newTestSigner(t)

	for _, input := range []string{"", "not-a-jwt", "a.b.c", "a.b"} {
		t.Run(input, func(t *testing.T) {
			if _, err := s.Validate(input); !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestSigner_Validate_WrongAudience(t *testing.T) {
	s := newTestSigner(t)
	other, err := NewSigner(Config{
		PrivateKey: s.privateKey,
		KeyID:      "k1",
		Issuer:     "entrykeep",
		Audience:   "someone-else",
	})
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}

	tok, err := other.Mint("identity-1", "")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	if _, err := s.Validate(tok); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestSigner_Validate_UnknownKeyID(t *testing.T) {
	s := newTestSigner(t)
	other, err := NewSigner(Config{
		PrivateKey: s.privateKey,
		KeyID:      "rotated",
		Issuer:     "entrykeep",
		Audience:   "entrykeep-api",
	})
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	tok, _ := other.Mint("identity-1", "")

	if _, err := s.Validate(tok); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("err = %v, want ErrSignatureInvalid", err)
	}
}

func TestGenerateRefreshSecret(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		secret, err := GenerateRefreshSecret()
		if err != nil {
			t.Fatalf("GenerateRefreshSecret failed: %v", err)
		}
		raw, err := base64.RawURLEncoding.DecodeString(secret)
		if err != nil {
			t.Fatalf("secret is not base64url: %v", err)
		}
		if len(raw)*8 < 256 {
			t.Errorf("secret entropy = %d bits, want >= 256", len(raw)*8)
		}
		if strings.Count(secret, ".") != 0 {
			t.Error("refresh secret must not look like a JWT")
		}
		if seen[secret] {
			t.Fatal("duplicate refresh secret")
		}
		seen[secret] = true
	}
}

func TestLoadPrivateKey_FromPEMAndFile(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	got, err := LoadPrivateKey(string(pemBytes), "")
	if err != nil {
		t.Fatalf("LoadPrivateKey(pem) failed: %v", err)
	}
	if !got.Equal(priv) {
		t.Error("loaded key does not match")
	}

	path := filepath.Join(t.TempDir(), "signing.pem")
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		t.Fatalf("failed to write key file: %v", err)
	}
	got, err = LoadPrivateKey("", path)
	if err != nil {
		t.Fatalf("LoadPrivateKey(file) failed: %v", err)
	}
	if !got.Equal(priv) {
		t.Error("loaded key does not match")
	}

	if _, err := LoadPrivateKey("", ""); err == nil {
		t.Error("expected error when no key is configured")
	}
}
