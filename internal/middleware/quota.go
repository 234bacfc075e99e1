package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/hitoshi/entrykeep/internal/model"
)

// QuotaChecker は利用上限の判定を行う。quota.Limiterが実装する。
type QuotaChecker interface {
	Allow(ctx context.Context, key string) (bool, error)
	RetryAfter(ctx context.Context, key string) (time.Duration, error)
}

// NewQuotaMiddleware は従量制エンドポイントの利用回数をアカウント単位で制限するミドルウェアを返す。
// 上限に達した場合は429 RATE_LIMITEDとウィンドウ終了までの秒数を返す。
// BearerAuthMiddlewareの後に配置する。recorderはnilでもよい。
func NewQuotaMiddleware(name string, checker QuotaChecker, recorder RejectionRecorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identityID, err := IdentityIDFromContext(r.Context())
			if err != nil {
				WriteAPIError(w, model.NewUnauthorizedError())
				return
			}

			allowed, err := checker.Allow(r.Context(), identityID)
			if err != nil {
				slog.Error("利用上限の確認に失敗しました",
					slog.String("identity_id", identityID),
					slog.String("limiter", name),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if !allowed {
				retryAfter, err := checker.RetryAfter(r.Context(), identityID)
				if err != nil {
					slog.Error("利用上限の残り時間の取得に失敗しました",
						slog.String("identity_id", identityID),
						slog.String("error", err.Error()),
					)
					retryAfter = time.Second
				}
				if recorder != nil {
					recorder.RecordQuotaRejected(name)
				}
				slog.Warn("quota exceeded",
					slog.String("identity_id", identityID),
					slog.String("limiter", name),
				)
				WriteAPIError(w, model.NewRateLimitedError(ceilSeconds(retryAfter)))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func ceilSeconds(d time.Duration) int {
	sec := int(math.Ceil(d.Seconds()))
	if sec < 1 {
		sec = 1
	}
	return sec
}
