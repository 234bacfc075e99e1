package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/entrykeep/internal/middleware"
	"github.com/hitoshi/entrykeep/internal/model"
)

// UserServiceInterface はアカウントハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	CurrentIdentity(ctx context.Context, identityID string) (*model.Identity, error)

	// DeleteAccount はリフレッシュクレデンシャルを全て失効させ、アカウントを匿名化する。
	DeleteAccount(ctx context.Context, identityID string) error
}

// UserHandler はアカウント管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// Me はログイン中のアカウント情報を返す。
// GET /api/me
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return
	}

	identity, err := h.service.CurrentIdentity(r.Context(), identityID)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIdentityResponse(identity))
}

// DeleteAccount は退会処理を実行する。
// DELETE /api/me
func (h *UserHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return
	}

	if err := h.service.DeleteAccount(r.Context(), identityID); err != nil {
		middleware.WriteAPIError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
