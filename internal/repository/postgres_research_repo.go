package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/forge/internal/model"
)

// PostgresResearchRepo はPostgreSQLを使用したproject_researchリポジトリ。
type PostgresResearchRepo struct {
	db *sql.DB
}

// NewPostgresResearchRepo はPostgresResearchRepoを生成する。
func NewPostgresResearchRepo(db *sql.DB) *PostgresResearchRepo {
	return &PostgresResearchRepo{db: db}
}

const researchColumns = `id, project_id, status, stories, suggested_keywords, selected_story_ids,
	selected_keywords, orchestrator_log, loops_completed, error_message,
	started_at, created_at, updated_at`

// BeginRun は行を作成するか、既存の行をrunningにリセットする。
// 既存の行がrunningの場合はON CONFLICTの条件で更新されず、nilを返す。
func (r *PostgresResearchRepo) BeginRun(ctx context.Context, projectID string) (*model.ProjectResearch, error) {
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO project_research (id, project_id, status, started_at, created_at, updated_at)
		 VALUES ($1, $2, 'running', now(), now(), now())
		 ON CONFLICT (project_id) DO UPDATE SET
		   status = 'running',
		   stories = '[]',
		   suggested_keywords = '{}',
		   selected_story_ids = '{}',
		   selected_keywords = '{}',
		   orchestrator_log = '[]',
		   loops_completed = 0,
		   error_message = '',
		   started_at = now(),
		   updated_at = now()
		 WHERE project_research.status <> 'running'
		 RETURNING `+researchColumns,
		uuid.NewString(), projectID,
	)

	research, err := scanResearch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("リサーチ実行の開始に失敗しました: %w", err)
	}
	return research, nil
}

// Finalize は実行結果を書き込む。
// status = 'running' かつ started_at がBeginRunの時点と一致する行だけを更新する。
func (r *PostgresResearchRepo) Finalize(ctx context.Context, research *model.ProjectResearch) error {
	stories, err := json.Marshal(nonNilStories(research.Stories))
	if err != nil {
		return fmt.Errorf("ストーリーのエンコードに失敗しました: %w", err)
	}
	logEntries, err := json.Marshal(nonNilLog(research.OrchestratorLog))
	if err != nil {
		return fmt.Errorf("オーケストレーターログのエンコードに失敗しました: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE project_research SET
		   status = $2,
		   stories = $3,
		   suggested_keywords = $4,
		   selected_story_ids = $5,
		   selected_keywords = $6,
		   orchestrator_log = $7,
		   loops_completed = $8,
		   error_message = $9,
		   updated_at = now()
		 WHERE id = $1 AND status = 'running' AND started_at = $10`,
		research.ID,
		research.Status,
		stories,
		pq.Array(nonNilStrings(research.SuggestedKeywords)),
		pq.Array(nonNilStrings(research.SelectedStoryIDs)),
		pq.Array(nonNilStrings(research.SelectedKeywords)),
		logEntries,
		research.LoopsCompleted,
		research.ErrorMessage,
		research.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("リサーチ結果の保存に失敗しました: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunSuperseded, research.ID)
	}
	return nil
}

// FindByProjectID はプロジェクトのリサーチ行を取得する。見つからない場合はnilを返す。
func (r *PostgresResearchRepo) FindByProjectID(ctx context.Context, projectID string) (*model.ProjectResearch, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+researchColumns+` FROM project_research WHERE project_id = $1`,
		projectID,
	)
	research, err := scanResearch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("リサーチ行の取得に失敗しました: %w", err)
	}
	return research, nil
}

// UpdateSelection はストーリーの選択状態と選択キーワードを置き換える。
// 実行中の行は更新せずfalseを返す。
func (r *PostgresResearchRepo) UpdateSelection(ctx context.Context, projectID string, stories []model.ResearchStory, selectedStoryIDs, selectedKeywords []string) (bool, error) {
	data, err := json.Marshal(nonNilStories(stories))
	if err != nil {
		return false, fmt.Errorf("ストーリーのエンコードに失敗しました: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE project_research SET
		   stories = $2,
		   selected_story_ids = $3,
		   selected_keywords = $4,
		   updated_at = now()
		 WHERE project_id = $1 AND status <> 'running'`,
		projectID, data, pq.Array(nonNilStrings(selectedStoryIDs)), pq.Array(nonNilStrings(selectedKeywords)),
	)
	if err != nil {
		return false, fmt.Errorf("選択状態の更新に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanResearch(row rowScanner) (*model.ProjectResearch, error) {
	research := &model.ProjectResearch{}
	var status string
	var stories, logEntries []byte
	err := row.Scan(
		&research.ID,
		&research.ProjectID,
		&status,
		&stories,
		pq.Array(&research.SuggestedKeywords),
		pq.Array(&research.SelectedStoryIDs),
		pq.Array(&research.SelectedKeywords),
		&logEntries,
		&research.LoopsCompleted,
		&research.ErrorMessage,
		&research.StartedAt,
		&research.CreatedAt,
		&research.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	research.Status = model.ResearchStatus(status)

	if err := json.Unmarshal(stories, &research.Stories); err != nil {
		return nil, fmt.Errorf("ストーリーのデコードに失敗しました: %w", err)
	}
	if err := json.Unmarshal(logEntries, &research.OrchestratorLog); err != nil {
		return nil, fmt.Errorf("オーケストレーターログのデコードに失敗しました: %w", err)
	}
	research.SuggestedKeywords = nonNilStrings(research.SuggestedKeywords)
	research.SelectedStoryIDs = nonNilStrings(research.SelectedStoryIDs)
	research.SelectedKeywords = nonNilStrings(research.SelectedKeywords)
	research.Stories = nonNilStories(research.Stories)
	research.OrchestratorLog = nonNilLog(research.OrchestratorLog)
	return research, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilStories(s []model.ResearchStory) []model.ResearchStory {
	if s == nil {
		return []model.ResearchStory{}
	}
	return s
}

func nonNilLog(s []model.LogEntry) []model.LogEntry {
	if s == nil {
		return []model.LogEntry{}
	}
	return s
}

// compile-time interface check
var _ ProjectResearchRepository = (*PostgresResearchRepo)(nil)
