package repository

import (
	"database/sql"
	"os"
	"testing"

	"github.com/hitoshi/forge/internal/database"
)

// setupTestDB はTEST_DATABASE_URLのデータベースをマイグレーション済みの空の状態にする。
// 環境変数が未設定または接続できない場合はテストをスキップする。
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}

	db, err := database.Open(dbURL)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}
	if _, err := db.Exec(`TRUNCATE users, sessions, projects, project_research, trusted_sources CASCADE`); err != nil {
		t.Fatalf("テーブルの初期化に失敗: %v", err)
	}
	return db
}

// seedProject はユーザーとそのプロジェクトを作成し、プロジェクトIDとユーザーIDを返す。
func seedProject(t *testing.T, db *sql.DB, email string) (projectID, userID string) {
	t.Helper()
	if err := db.QueryRow(`INSERT INTO users (email) VALUES ($1) RETURNING id`, email).Scan(&userID); err != nil {
		t.Fatalf("ユーザー挿入に失敗: %v", err)
	}
	if err := db.QueryRow(`INSERT INTO projects (owner_id, name) VALUES ($1, 'Lions QB') RETURNING id`, userID).Scan(&projectID); err != nil {
		t.Fatalf("プロジェクト挿入に失敗: %v", err)
	}
	return projectID, userID
}
