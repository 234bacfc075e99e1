package federation

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
)

// DefaultAppleKeysURL はAppleの公開鍵ディレクトリのエンドポイント。
const DefaultAppleKeysURL = "https://appleid.apple.com/auth/keys"

// maxKeySetBytes は鍵ディレクトリのレスポンスサイズ上限（1MB）。
const maxKeySetBytes = 1 << 20

// HTTPClient は鍵ディレクトリ取得に使うHTTPクライアントの抽象。
// *http.Clientはこのインターフェースを満たす。
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// KeySource はリモートの公開鍵ディレクトリ全体を取得する。
// テストではネットワークを使わない実装を注入できる。
type KeySource interface {
	FetchKeys(ctx context.Context) (map[string]*rsa.PublicKey, error)
}

// HTTPKeySource はJWKS形式のエンドポイントから鍵を取得するKeySource実装。
type HTTPKeySource struct {
	url    string
	client HTTPClient
}

// NewHTTPKeySource はHTTPKeySourceを生成する。
// urlが空の場合はAppleのエンドポイントを使用する。
func NewHTTPKeySource(url string, client HTTPClient) *HTTPKeySource {
	if url == "" {
		url = DefaultAppleKeysURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPKeySource{url: url, client: client}
}

// jwkSet は鍵ディレクトリのレスポンス。
type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// jwk は鍵ディレクトリの1エントリ。RSA鍵の再構成に必要なフィールドのみを持つ。
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// FetchKeys は鍵ディレクトリを取得し、kid→公開鍵のマップを返す。
// 不正なエントリは読み飛ばす。
func (s *HTTPKeySource) FetchKeys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create key set request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key set request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key set endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read key set response: %w", err)
	}

	var set jwkSet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("failed to parse key set response: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kid == "" || k.Kty != "RSA" {
			continue
		}
		if k.Alg != "" && k.Alg != "RS256" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

// parseRSAPublicKey はbase64urlエンコードされたmodulus(n)とexponent(e)から公開鍵を再構成する。
func parseRSAPublicKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(nBytes) == 0 || len(eBytes) == 0 {
		return nil, errors.New("empty modulus or exponent")
	}

	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, errors.New("invalid exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}
