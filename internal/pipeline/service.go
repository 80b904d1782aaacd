// Package pipeline はリサーチパイプラインの実行を受け付け、進捗を中継し、結果を保存する。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/forge/internal/model"
	"github.com/hitoshi/forge/internal/orchestrator"
	"github.com/hitoshi/forge/internal/repository"
)

const (
	// DefaultTimeout は1回のリサーチ実行全体の上限時間。
	DefaultTimeout = 2 * time.Minute
	// persistTimeout は実行後の保存処理に与える時間。実行のタイムアウトとは独立している。
	persistTimeout = 15 * time.Second
	// defaultEventBuffer は読み手が遅い場合に溜められるイベント数。
	defaultEventBuffer = 32
)

// Runner はリサーチを実行するインターフェース。orchestrator.Orchestratorが実装する。
type Runner interface {
	Run(ctx context.Context, p orchestrator.Params, sink orchestrator.EventSink) (*orchestrator.Result, error)
}

// RunRecorder は実行結果のメトリクスを記録するインターフェース。
type RunRecorder interface {
	RecordPipelineRun(status string)
}

// Request はパイプライン開始リクエスト。
type Request struct {
	ProjectID         string
	Headline          string
	PrimaryKeyword    string
	SecondaryKeywords []string
	Topic             string
	AdditionalDetails string
}

// missingFields は未指定の必須項目名を返す。
func (r Request) missingFields() []string {
	var missing []string
	if strings.TrimSpace(r.ProjectID) == "" {
		missing = append(missing, "projectId")
	}
	if strings.TrimSpace(r.Headline) == "" {
		missing = append(missing, "headline")
	}
	if strings.TrimSpace(r.PrimaryKeyword) == "" {
		missing = append(missing, "primaryKeyword")
	}
	return missing
}

func (r Request) params() orchestrator.Params {
	secondary := make([]string, 0, len(r.SecondaryKeywords))
	for _, kw := range r.SecondaryKeywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			secondary = append(secondary, kw)
		}
	}
	return orchestrator.Params{
		ProjectID:         r.ProjectID,
		Headline:          strings.TrimSpace(r.Headline),
		PrimaryKeyword:    strings.TrimSpace(r.PrimaryKeyword),
		SecondaryKeywords: secondary,
		Topic:             strings.TrimSpace(r.Topic),
		AdditionalDetails: strings.TrimSpace(r.AdditionalDetails),
	}
}

// Config はServiceの設定。
type Config struct {
	Timeout     time.Duration
	EventBuffer int
}

// Service はリサーチパイプラインのサービス層。
// 入力検証、所有者チェック、実行中ガード、切り離された実行、結果の保存を担う。
type Service struct {
	projects repository.ProjectRepository
	research repository.ProjectResearchRepository
	runner   Runner
	recorder RunRecorder
	logger   *slog.Logger
	timeout  time.Duration
	buffer   int

	wg sync.WaitGroup
}

// NewService はServiceの新しいインスタンスを生成する。recorderはnilでもよい。
func NewService(
	projects repository.ProjectRepository,
	research repository.ProjectResearchRepository,
	runner Runner,
	recorder RunRecorder,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	return &Service{
		projects: projects,
		research: research,
		runner:   runner,
		recorder: recorder,
		logger:   logger.With(slog.String("component", "pipeline")),
		timeout:  cfg.Timeout,
		buffer:   cfg.EventBuffer,
	}
}

// Start は入力を検証してリサーチ実行を開始する。
// 返却されたRunのイベントは実行が終わるまで届く。実行はctxのキャンセルでは中断されない。
func (s *Service) Start(ctx context.Context, userID string, req Request) (*Run, error) {
	if missing := req.missingFields(); len(missing) > 0 {
		return nil, model.NewMissingFieldError(missing...)
	}

	project, err := s.authorize(ctx, userID, req.ProjectID)
	if err != nil {
		return nil, err
	}

	research, err := s.research.BeginRun(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("リサーチ実行の開始に失敗しました: %w", err)
	}
	if research == nil {
		return nil, model.NewResearchRunningError(project.ID)
	}

	s.logger.Info("リサーチ実行を開始しました",
		slog.String("project_id", project.ID),
		slog.String("research_id", research.ID),
		slog.String("user_id", userID),
	)

	run := newRun(research.ID, s.buffer)
	s.wg.Add(1)
	go s.execute(context.WithoutCancel(ctx), run, research, req.params())
	return run, nil
}

// execute はオーケストレーターを実行し、結果を保存して最後のイベントを送る。
func (s *Service) execute(ctx context.Context, run *Run, research *model.ProjectResearch, p orchestrator.Params) {
	defer s.wg.Done()
	defer run.finish()

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	result, runErr := s.runner.Run(runCtx, p, func(entry model.LogEntry) {
		run.send(progressEvent(entry))
	})
	cancel()

	persistErr := s.persist(ctx, research, result, runErr)

	switch {
	case runErr != nil:
		s.record(model.ResearchStatusFailed)
		run.send(Event{Type: EventError, Error: runErr.Error()})
	case persistErr != nil:
		s.record(model.ResearchStatusFailed)
		run.send(Event{Type: EventError, Error: persistErr.Error()})
	default:
		s.record(model.ResearchStatusCompleted)
		run.send(Event{Type: EventDone, ResearchID: research.ID})
	}
}

// persist は実行行を確定し、続けてプロジェクトのリサーチブリーフを書き込む。
// 実行行の保存に失敗してもブリーフの書き込みは試みる。
// ただし実行行が既に別の実行に置き換えられている場合は、ブリーフも書かずにエラーを返す。
func (s *Service) persist(ctx context.Context, research *model.ProjectResearch, result *orchestrator.Result, runErr error) error {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	logger := s.logger.With(
		slog.String("project_id", research.ProjectID),
		slog.String("research_id", research.ID),
	)

	if result == nil {
		result = &orchestrator.Result{}
	}
	research.Status = model.ResearchStatusCompleted
	research.ErrorMessage = ""
	if runErr != nil {
		research.Status = model.ResearchStatusFailed
		research.ErrorMessage = runErr.Error()
	}
	research.Stories = result.Stories
	research.SuggestedKeywords = result.SuggestedKeywords
	research.SelectedStoryIDs = result.SelectedStoryIDs
	research.SelectedKeywords = []string{}
	research.OrchestratorLog = result.Log
	research.LoopsCompleted = result.LoopsCompleted

	if err := s.research.Finalize(ctx, research); errors.Is(err, repository.ErrRunSuperseded) {
		logger.Warn("実行行が既に置き換えられているため、結果を破棄します",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("リサーチ結果を保存できませんでした: %w", err)
	} else if err != nil {
		logger.Error("リサーチ行の保存に失敗しました。ブリーフの保存は続行します",
			slog.String("error", err.Error()),
		)
	}

	if result.Brief == nil {
		return nil
	}
	if err := s.projects.UpdateResearchBrief(ctx, research.ProjectID, result.Brief); err != nil {
		logger.Error("リサーチブリーフの保存に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("リサーチ結果の保存に失敗しました: %w", err)
	}

	logger.Info("リサーチ結果を保存しました",
		slog.String("status", string(research.Status)),
		slog.Int("story_count", len(research.Stories)),
		slog.Int("loops_completed", research.LoopsCompleted),
	)
	return nil
}

func (s *Service) record(status model.ResearchStatus) {
	if s.recorder != nil {
		s.recorder.RecordPipelineRun(string(status))
	}
}

// Shutdown は実行中のリサーチがすべて保存されるまで待つ。ctxが先に終わった場合はそのエラーを返す。
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetResearch はプロジェクトのリサーチ行を返す。所有者以外はアクセスできない。
func (s *Service) GetResearch(ctx context.Context, userID, projectID string) (*model.ProjectResearch, error) {
	project, err := s.authorize(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	research, err := s.research.FindByProjectID(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("リサーチ行の取得に失敗しました: %w", err)
	}
	if research == nil {
		return nil, model.NewResearchNotFoundError(project.ID)
	}
	return research, nil
}

// UpdateSelection はストーリーの選択とキーワードの選択を置き換える。
// storyIDsはすべてリサーチ結果に含まれている必要がある。実行中は変更できない。
func (s *Service) UpdateSelection(ctx context.Context, userID, projectID string, storyIDs, keywords []string) (*model.ProjectResearch, error) {
	research, err := s.GetResearch(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if research.Status == model.ResearchStatusRunning {
		return nil, model.NewResearchRunningError(research.ProjectID)
	}

	known := make(map[string]bool, len(research.Stories))
	for _, story := range research.Stories {
		known[story.ID] = true
	}
	selected := make(map[string]bool, len(storyIDs))
	for _, id := range storyIDs {
		if !known[id] {
			return nil, model.NewInvalidSelectionError(fmt.Sprintf("存在しないストーリーIDです: %s", id))
		}
		selected[id] = true
	}

	stories := make([]model.ResearchStory, len(research.Stories))
	for i, story := range research.Stories {
		story.IsSelected = selected[story.ID]
		stories[i] = story
	}
	selectedKeywords := normalizeKeywords(keywords)

	ok, err := s.research.UpdateSelection(ctx, research.ProjectID, stories, model.SelectedStories(stories), selectedKeywords)
	if err != nil {
		return nil, fmt.Errorf("選択状態の更新に失敗しました: %w", err)
	}
	if !ok {
		return nil, model.NewResearchRunningError(research.ProjectID)
	}

	research.Stories = stories
	research.SelectedStoryIDs = model.SelectedStories(stories)
	research.SelectedKeywords = selectedKeywords
	return research, nil
}

// authorize はプロジェクトの所有者を確認する。
// 存在しないプロジェクトや不正なIDも権限エラーとして返す。
func (s *Service) authorize(ctx context.Context, userID, projectID string) (*model.Project, error) {
	if _, err := uuid.Parse(projectID); err != nil {
		return nil, model.NewProjectForbiddenError(projectID)
	}
	project, err := s.projects.FindByID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("プロジェクトの取得に失敗しました: %w", err)
	}
	if project == nil || project.OwnerID != userID {
		return nil, model.NewProjectForbiddenError(projectID)
	}
	return project, nil
}

// normalizeKeywords は空白を除き、大文字小文字を区別せずに重複を取り除く。
func normalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	seen := make(map[string]bool, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		key := strings.ToLower(kw)
		if kw == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, kw)
	}
	return out
}
