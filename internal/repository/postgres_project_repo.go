package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/forge/internal/model"
)

// PostgresProjectRepo はPostgreSQLを使用したプロジェクトリポジトリ。
type PostgresProjectRepo struct {
	db *sql.DB
}

// NewPostgresProjectRepo はPostgresProjectRepoを生成する。
func NewPostgresProjectRepo(db *sql.DB) *PostgresProjectRepo {
	return &PostgresProjectRepo{db: db}
}

// FindByID は指定IDのプロジェクトを取得する。見つからない場合はnilを返す。
func (r *PostgresProjectRepo) FindByID(ctx context.Context, id string) (*model.Project, error) {
	project := &model.Project{}
	var brief []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, research_brief, created_at, updated_at
		 FROM projects
		 WHERE id = $1`,
		id,
	).Scan(&project.ID, &project.OwnerID, &project.Name, &brief, &project.CreatedAt, &project.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("プロジェクトの取得に失敗しました: %w", err)
	}

	if len(brief) > 0 {
		project.ResearchBrief = &model.ResearchBrief{}
		if err := json.Unmarshal(brief, project.ResearchBrief); err != nil {
			return nil, fmt.Errorf("research_briefのデコードに失敗しました: %w", err)
		}
	}
	return project, nil
}

// UpdateResearchBrief はプロジェクトのresearch_briefを丸ごと上書きする。
func (r *PostgresProjectRepo) UpdateResearchBrief(ctx context.Context, projectID string, brief *model.ResearchBrief) error {
	data, err := json.Marshal(brief)
	if err != nil {
		return fmt.Errorf("research_briefのエンコードに失敗しました: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE projects SET research_brief = $2, updated_at = now() WHERE id = $1`,
		projectID, data,
	)
	if err != nil {
		return fmt.Errorf("research_briefの更新に失敗しました: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("research_briefの更新対象のプロジェクトがありません: %s", projectID)
	}
	return nil
}

// compile-time interface check
var _ ProjectRepository = (*PostgresProjectRepo)(nil)
