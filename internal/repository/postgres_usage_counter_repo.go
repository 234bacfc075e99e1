package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/entrykeep/internal/model"
)

// PostgresUsageCounterRepo はPostgreSQLを使用した利用回数カウンタリポジトリ。
type PostgresUsageCounterRepo struct {
	db *sql.DB
}

// NewPostgresUsageCounterRepo はPostgresUsageCounterRepoを生成する。
func NewPostgresUsageCounterRepo(db *sql.DB) *PostgresUsageCounterRepo {
	return &PostgresUsageCounterRepo{db: db}
}

// FindByOwner は所有者のカウンタを取得する。見つからない場合はnilを返す。
func (r *PostgresUsageCounterRepo) FindByOwner(ctx context.Context, ownerID string) (*model.UsageCounter, error) {
	counter := &model.UsageCounter{}
	err := r.db.QueryRowContext(ctx,
		`SELECT owner_id, count, window_start, window_end, updated_at
		 FROM usage_counters WHERE owner_id = $1`,
		ownerID,
	).Scan(&counter.OwnerID, &counter.Count, &counter.WindowStart, &counter.WindowEnd, &counter.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find usage counter: %w", err)
	}
	return counter, nil
}

// UpdateLocked はカウンタ行を行ロック（SELECT ... FOR UPDATE）した状態でfnを実行する。
// 同一所有者に対する呼び出しはロック解放まで直列化される。
func (r *PostgresUsageCounterRepo) UpdateLocked(ctx context.Context, seed *model.UsageCounter, fn func(c *model.UsageCounter, created bool) (bool, error)) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 1. 行がなければseedを挿入。挿入できた場合は他の呼び出しと競合していない
	result, err := tx.ExecContext(ctx,
		`INSERT INTO usage_counters (owner_id, count, window_start, window_end, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (owner_id) DO NOTHING`,
		seed.OwnerID, seed.Count, seed.WindowStart, seed.WindowEnd, seed.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage counter: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if inserted == 1 {
		created := *seed
		if _, err := fn(&created, true); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	}

	// 2. 既存行をロックして読み出す
	counter := &model.UsageCounter{}
	err = tx.QueryRowContext(ctx,
		`SELECT owner_id, count, window_start, window_end, updated_at
		 FROM usage_counters WHERE owner_id = $1
		 FOR UPDATE`,
		seed.OwnerID,
	).Scan(&counter.OwnerID, &counter.Count, &counter.WindowStart, &counter.WindowEnd, &counter.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to lock usage counter: %w", err)
	}

	// 3. 判定と書き込み
	write, err := fn(counter, false)
	if err != nil {
		return err
	}
	if write {
		if _, err := tx.ExecContext(ctx,
			`UPDATE usage_counters
			 SET count = $2, window_start = $3, window_end = $4, updated_at = $5
			 WHERE owner_id = $1`,
			counter.OwnerID, counter.Count, counter.WindowStart, counter.WindowEnd, counter.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to update usage counter: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// compile-time interface check
var _ UsageCounterRepository = (*PostgresUsageCounterRepo)(nil)
