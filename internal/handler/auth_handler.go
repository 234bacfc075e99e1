// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/hitoshi/entrykeep/internal/auth"
	"github.com/hitoshi/entrykeep/internal/middleware"
	"github.com/hitoshi/entrykeep/internal/model"
)

// maxRequestBodyBytes はリクエストボディの上限。アサーションを含めても十分な大きさ。
const maxRequestBodyBytes = 64 << 10

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignInWithApple(ctx context.Context, identityToken, fullName string) (*auth.TokenPair, error)
	RequestEmailCode(ctx context.Context, email string) error
	ResendEmailCode(ctx context.Context, email string) error
	VerifyEmailCode(ctx context.Context, email, code string) (*auth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
}

// AuthHandler はサインイン・トークン関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

type appleSignInRequest struct {
	IdentityToken string `json:"identityToken"`
	FullName      string `json:"fullName"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type verifyEmailRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// identityResponse はアカウント情報のAPIレスポンス。
type identityResponse struct {
	ID            string    `json:"id"`
	Email         *string   `json:"email"`
	EmailVerified bool      `json:"emailVerified"`
	Name          *string   `json:"name"`
	CreatedAt     time.Time `json:"createdAt"`
}

// tokenPairResponse はサインイン・リフレッシュのAPIレスポンス。
type tokenPairResponse struct {
	AccessToken  string           `json:"accessToken"`
	RefreshToken string           `json:"refreshToken"`
	TokenType    string           `json:"tokenType"`
	ExpiresIn    int              `json:"expiresIn"`
	Created      bool             `json:"created"`
	Identity     identityResponse `json:"identity"`
}

// AppleSignIn はAppleのアイデンティティトークンでサインインする。
// POST /auth/apple
func (h *AuthHandler) AppleSignIn(w http.ResponseWriter, r *http.Request) {
	var req appleSignInRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IdentityToken == "" {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("identityTokenは必須です。"))
		return
	}

	pair, err := h.service.SignInWithApple(r.Context(), req.IdentityToken, req.FullName)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTokenPairResponse(pair))
}

// RequestEmailCode は確認コードをメールで送る。
// POST /auth/email/code
func (h *AuthHandler) RequestEmailCode(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.service.RequestEmailCode(r.Context(), req.Email); err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ResendEmailCode は確認コードを再送する。
// POST /auth/email/code/resend
func (h *AuthHandler) ResendEmailCode(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.service.ResendEmailCode(r.Context(), req.Email); err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// VerifyEmailCode は確認コードを検証してサインインする。
// POST /auth/email/verify
func (h *AuthHandler) VerifyEmailCode(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, err := h.service.VerifyEmailCode(r.Context(), req.Email, req.Code)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTokenPairResponse(pair))
}

// Refresh はリフレッシュトークンをローテーションする。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, err := h.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTokenPairResponse(pair))
}

// Logout はリフレッシュトークンを失効させる。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.service.Logout(r.Context(), req.RefreshToken); err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toTokenPairResponse(pair *auth.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		Created:      pair.Created,
		Identity:     toIdentityResponse(pair.Identity),
	}
}

func toIdentityResponse(identity *model.Identity) identityResponse {
	return identityResponse{
		ID:            identity.ID,
		Email:         identity.Email,
		EmailVerified: identity.EmailVerified,
		Name:          identity.DisplayName,
		CreatedAt:     identity.CreatedAt,
	}
}

// decodeJSON はリクエストボディをデコードする。失敗した場合は400を書き込んでfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		reason := "リクエストボディの解析に失敗しました。"
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			reason = "リクエストボディが空です。"
		case errors.As(err, &maxErr):
			reason = "リクエストボディが大きすぎます。"
		}
		middleware.WriteAPIError(w, model.NewInvalidRequestError(reason))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
