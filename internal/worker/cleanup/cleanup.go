// Package cleanup は不要になった認証データの定期削除ジョブを提供する。
// 失効または期限切れから保持期間を過ぎたリフレッシュクレデンシャルと、
// 期限切れから猶予期間を過ぎた確認コードを削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const (
	defaultRetentionDays = 30
	defaultCodeRetention = 24 * time.Hour
)

// CleanupJob は認証データの削除ジョブ。
// 削除条件は時刻のみに依存するため、何度実行しても結果は変わらない。
type CleanupJob struct {
	db     Executor
	logger *slog.Logger

	RetentionDays int           // リフレッシュクレデンシャルの保持日数（デフォルト: 30）
	CodeRetention time.Duration // 確認コードの期限切れ後の猶予（デフォルト: 24h）
}

// Result は1回の実行で削除した件数。
type Result struct {
	RefreshCredentials int64
	VerificationCodes  int64
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: defaultRetentionDays,
		CodeRetention: defaultCodeRetention,
	}
}

// Run は保持期間を過ぎたリフレッシュクレデンシャルと確認コードを削除する。
// 生きているクレデンシャルと未使用の有効なコードは削除しない。
func (j *CleanupJob) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	retention := fmt.Sprintf("%d days", j.RetentionDays)

	credentials, err := j.exec(ctx, "refresh_credentials",
		`DELETE FROM refresh_credentials
		 WHERE expires_at < now() - $1::interval
		    OR (revoked_at IS NOT NULL AND revoked_at < now() - $1::interval)`,
		retention,
	)
	if err != nil {
		return nil, err
	}

	codes, err := j.exec(ctx, "verification_codes",
		`DELETE FROM verification_codes WHERE expires_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(j.CodeRetention/time.Second)),
	)
	if err != nil {
		return nil, err
	}

	result := &Result{RefreshCredentials: credentials, VerificationCodes: codes}
	j.logger.Info("認証データのクリーンアップが完了しました",
		slog.Int64("deleted_refresh_credentials", result.RefreshCredentials),
		slog.Int64("deleted_verification_codes", result.VerificationCodes),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return result, nil
}

func (j *CleanupJob) exec(ctx context.Context, table, query string, args ...any) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		j.logger.Error("クリーンアップの実行に失敗しました",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("failed to clean up %s: %w", table, err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected for %s: %w", table, err)
	}
	return deleted, nil
}

// Start はintervalごとにRunを実行する。起動直後にも1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました", slog.Duration("interval", interval))

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

// runLogged はRunのエラーをログに記録して継続する。
func (j *CleanupJob) runLogged(ctx context.Context) {
	if _, err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("クリーンアップサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
