// Package dbtest は結合テスト用のPostgreSQLを用意する。
//
// 環境変数 TEST_DATABASE_URL が設定されていればそれを使用し、
// 未設定の場合はtestcontainersでPostgreSQLコンテナを起動する。
// どちらも利用できない場合はテストをスキップする。
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/entrykeep/internal/database"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresImage = "postgres:16-alpine"
	postgresUser  = "entrykeep"
	postgresPass  = "entrykeep"
	postgresDB    = "entrykeep_test"
)

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error
)

// URL はテスト用データベースのURLを返す。利用できない場合はテストをスキップする。
func URL(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url
	}

	containerOnce.Do(func() {
		containerURL, containerErr = startContainer()
	})
	if containerErr != nil {
		t.Skipf("テスト用データベースを用意できません（スキップ）: %v", containerErr)
	}
	return containerURL
}

// startContainer はPostgreSQLコンテナを起動する。
// コンテナはパッケージのテストプロセス終了時にtestcontainersのリーパーが回収する。
func startContainer() (url string, err error) {
	defer func() {
		// Dockerが利用できない環境ではtestcontainersがpanicすることがある
		if r := recover(); r != nil {
			err = fmt.Errorf("docker unavailable: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:        postgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPass,
			"POSTGRES_DB":       postgresDB,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", fmt.Errorf("failed to get mapped port: %w", err)
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresUser, postgresPass, host, port.Port(), postgresDB), nil
}

// Open はマイグレーション適用済みのデータベースを返す。
// 複数パッケージのテストが同じデータベースを共有するため、データは削除しない。
// テストはUniqueEmailなどで衝突しないキーを使うこと。
func Open(t *testing.T) *sql.DB {
	t.Helper()

	url := URL(t)
	db, err := database.Open(url)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Ping(); err != nil {
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}

	if err := database.RunMigrations(url); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}
	return db
}

// UniqueEmail はテストごとに衝突しないメールアドレスを返す。
func UniqueEmail(prefix string) string {
	return prefix + "-" + uuid.NewString() + "@example.com"
}

// UniqueSubject はテストごとに衝突しない外部IdPのsubjectを返す。
func UniqueSubject(prefix string) string {
	return prefix + "." + uuid.NewString()
}
