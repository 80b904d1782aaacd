// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/forge/internal/model"
)

// ErrRunSuperseded はFinalize対象の実行が既に終了扱いにされたか、新しい実行に置き換えられた場合に返される。
var ErrRunSuperseded = errors.New("リサーチ実行は既に終了しているか、新しい実行に置き換えられています")

// SessionRepository はセッションデータの読み取りインターフェース。
// セッションの作成と削除はログインを担う別サービスが行う。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// ProjectRepository はプロジェクトデータの永続化インターフェース。
type ProjectRepository interface {
	// FindByID は指定IDのプロジェクトを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Project, error)

	// UpdateResearchBrief はプロジェクトのresearch_briefを丸ごと上書きする。
	UpdateResearchBrief(ctx context.Context, projectID string, brief *model.ResearchBrief) error
}

// ProjectResearchRepository はプロジェクトごとに1行のリサーチ進捗の永続化インターフェース。
type ProjectResearchRepository interface {
	// BeginRun は行を作成するか、既存の行をrunningにリセットする。
	// 既にrunningの行がある場合は更新せずnilを返す（status <> 'running' を条件とするCAS）。
	BeginRun(ctx context.Context, projectID string) (*model.ProjectResearch, error)

	// Finalize は実行結果（ストーリー、キーワード、選択、ログ、検索回数、状態）を書き込む。
	// 行がBeginRunの返した実行のままrunningでなければ書き込まずErrRunSupersededを返す。
	Finalize(ctx context.Context, research *model.ProjectResearch) error

	// FindByProjectID はプロジェクトのリサーチ行を取得する。見つからない場合はnilを返す。
	FindByProjectID(ctx context.Context, projectID string) (*model.ProjectResearch, error)

	// UpdateSelection はストーリーの選択状態と選択キーワードを置き換える。
	// 実行中の行は更新せずfalseを返す。
	UpdateSelection(ctx context.Context, projectID string, stories []model.ResearchStory, selectedStoryIDs, selectedKeywords []string) (bool, error)
}

// TrustedSourceRepository は信頼済みソースの永続化インターフェース。
type TrustedSourceRepository interface {
	// ListAll は全ての信頼済みソースをドメイン順に返す。
	ListAll(ctx context.Context) ([]model.TrustedSource, error)

	// Upsert はドメインをキーに信頼済みソースを作成または更新する。
	Upsert(ctx context.Context, source *model.TrustedSource) error
}
