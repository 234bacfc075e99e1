package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/entrykeep/internal/model"
	"github.com/hitoshi/entrykeep/internal/token"
)

// --- モック定義 ---

type mockSubjectResolver struct {
	resolveFn func(ctx context.Context, accessToken string) (*token.Subject, error)
}

func (m *mockSubjectResolver) ResolveSubject(ctx context.Context, accessToken string) (*token.Subject, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, accessToken)
	}
	return nil, model.NewUnauthorizedError()
}

func acceptToken(valid, identityID string) *mockSubjectResolver {
	return &mockSubjectResolver{
		resolveFn: func(_ context.Context, accessToken string) (*token.Subject, error) {
			if accessToken == valid {
				return &token.Subject{IdentityID: identityID}, nil
			}
			return nil, model.NewUnauthorizedError()
		},
	}
}

// --- テスト ---

func TestBearerAuthMiddleware_ValidToken_InjectsIdentityID(t *testing.T) {
	mw := NewBearerAuthMiddleware(acceptToken("good-token", "identity-123"))

	var captured string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := IdentityIDFromContext(r.Context())
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		captured = id
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if captured != "identity-123" {
		t.Errorf("identityID = %q, want %q", captured, "identity-123")
	}
}

func TestBearerAuthMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"wrong scheme", "Basic good-token"},
		{"scheme only", "Bearer"},
		{"blank token", "Bearer   "},
		{"invalid token", "Bearer bad-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := NewBearerAuthMiddleware(acceptToken("good-token", "identity-123"))
			handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if w.Header().Get("WWW-Authenticate") == "" {
				t.Error("WWW-Authenticate header should be set")
			}
		})
	}
}

func TestBearerAuthMiddleware_SchemeIsCaseInsensitive(t *testing.T) {
	mw := NewBearerAuthMiddleware(acceptToken("good-token", "identity-123"))
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "bearer good-token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestIdentityIDFromContext_Missing(t *testing.T) {
	if _, err := IdentityIDFromContext(context.Background()); err == nil {
		t.Error("expected error for missing identity ID")
	}
	ctx := ContextWithIdentityID(context.Background(), "abc")
	if id, err := IdentityIDFromContext(ctx); err != nil || id != "abc" {
		t.Errorf("IdentityIDFromContext = (%q, %v), want (abc, nil)", id, err)
	}
}
