// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/entrykeep/internal/model"
	"github.com/hitoshi/entrykeep/internal/token"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// identityIDContextKey はリクエストコンテキストにアカウントIDを格納するためのキー。
var identityIDContextKey = contextKey("identity_id")

// SubjectResolver はアクセストークンからアクセス主体を解決する。
// auth.Serviceが実装する。
type SubjectResolver interface {
	ResolveSubject(ctx context.Context, accessToken string) (*token.Subject, error)
}

// NewBearerAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// 認証済みアカウントIDをリクエストコンテキストに注入する。
// ヘッダーがない、または検証に失敗した場合は401 UNAUTHORIZEDを返す。
func NewBearerAuthMiddleware(resolver SubjectResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accessToken, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				WriteAPIError(w, model.NewUnauthorizedError())
				return
			}

			subject, err := resolver.ResolveSubject(r.Context(), accessToken)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				WriteAPIError(w, err)
				return
			}

			ctx := ContextWithIdentityID(r.Context(), subject.IdentityID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken はAuthorizationヘッダーからトークンを取り出す。スキーム名は大文字小文字を区別しない。
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, value, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

// IdentityIDFromContext はリクエストコンテキストからアカウントIDを取得する。
// Bearer認証ミドルウェアを通過したリクエストでのみ有効。
func IdentityIDFromContext(ctx context.Context) (string, error) {
	identityID, ok := ctx.Value(identityIDContextKey).(string)
	if !ok || identityID == "" {
		return "", fmt.Errorf("identity ID not found in context")
	}
	return identityID, nil
}

// ContextWithIdentityID はコンテキストにアカウントIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentityID(ctx context.Context, identityID string) context.Context {
	if info, ok := ctx.Value(requestLogInfoKey).(*requestLogInfo); ok {
		info.identityID = identityID
	}
	return context.WithValue(ctx, identityIDContextKey, identityID)
}
