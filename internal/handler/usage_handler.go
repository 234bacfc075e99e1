package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/entrykeep/internal/middleware"
	"github.com/hitoshi/entrykeep/internal/model"
	"github.com/hitoshi/entrykeep/internal/quota"
)

// UsageReader は利用回数カウンタの読み取りインターフェース。
type UsageReader interface {
	Usage(ctx context.Context, key string) (*quota.Usage, error)
}

// UsageHandler は利用状況のHTTPハンドラー。
type UsageHandler struct {
	reader UsageReader
}

// NewUsageHandler はUsageHandlerを生成する。
func NewUsageHandler(reader UsageReader) *UsageHandler {
	return &UsageHandler{reader: reader}
}

type usageResponse struct {
	Limit     int        `json:"limit"`
	Used      int        `json:"used"`
	Remaining int        `json:"remaining"`
	ResetAt   *time.Time `json:"resetAt"`
}

// GetUsage は現在のウィンドウの利用状況を返す。
// GET /api/usage
func (h *UsageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return
	}

	usage, err := h.reader.Usage(r.Context(), identityID)
	if err != nil {
		slog.Error("failed to read usage",
			slog.String("identity_id", identityID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	resp := usageResponse{
		Limit:     usage.Limit,
		Used:      usage.Used,
		Remaining: usage.Remaining,
	}
	if !usage.ResetAt.IsZero() {
		resetAt := usage.ResetAt
		resp.ResetAt = &resetAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// notImplementedHandler は従量課金対象の処理が注入されていない場合の応答。
func notImplementedHandler(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteErrorResponse(w, http.StatusNotImplemented, &model.APIError{
		Code:     "NOT_IMPLEMENTED",
		Message:  "この機能は利用できません。",
		Category: "system",
		Action:   "しばらく時間をおいてから再度お試しください。",
	})
}
