package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/forge/internal/model"
	"github.com/hitoshi/forge/internal/orchestrator"
	"github.com/hitoshi/forge/internal/repository"
	"github.com/hitoshi/forge/internal/verify"
)

const (
	testProjectID = "6f1c1f8e-2f6a-4c55-9d4e-0c6b0b3c9a11"
	testUserID    = "user-1"
)

// --- モック ---

type mockProjectRepo struct {
	mu            sync.Mutex
	findByIDFn    func(ctx context.Context, id string) (*model.Project, error)
	updateBriefFn func(ctx context.Context, projectID string, brief *model.ResearchBrief) error
	briefs        []*model.ResearchBrief
}

func (m *mockProjectRepo) FindByID(ctx context.Context, id string) (*model.Project, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return &model.Project{ID: id, OwnerID: testUserID}, nil
}

func (m *mockProjectRepo) UpdateResearchBrief(ctx context.Context, projectID string, brief *model.ResearchBrief) error {
	m.mu.Lock()
	m.briefs = append(m.briefs, brief)
	m.mu.Unlock()
	if m.updateBriefFn != nil {
		return m.updateBriefFn(ctx, projectID, brief)
	}
	return nil
}

type mockResearchRepo struct {
	mu                sync.Mutex
	beginRunFn        func(ctx context.Context, projectID string) (*model.ProjectResearch, error)
	finalizeFn        func(ctx context.Context, research *model.ProjectResearch) error
	findByProjectIDFn func(ctx context.Context, projectID string) (*model.ProjectResearch, error)
	updateSelectionFn func(ctx context.Context, projectID string, stories []model.ResearchStory, ids, keywords []string) (bool, error)
	finalized         []model.ProjectResearch
}

func (m *mockResearchRepo) BeginRun(ctx context.Context, projectID string) (*model.ProjectResearch, error) {
	if m.beginRunFn != nil {
		return m.beginRunFn(ctx, projectID)
	}
	return &model.ProjectResearch{ID: "research-1", ProjectID: projectID, Status: model.ResearchStatusRunning}, nil
}

func (m *mockResearchRepo) Finalize(ctx context.Context, research *model.ProjectResearch) error {
	m.mu.Lock()
	m.finalized = append(m.finalized, *research)
	m.mu.Unlock()
	if m.finalizeFn != nil {
		return m.finalizeFn(ctx, research)
	}
	return nil
}

func (m *mockResearchRepo) FindByProjectID(ctx context.Context, projectID string) (*model.ProjectResearch, error) {
	return m.findByProjectIDFn(ctx, projectID)
}

func (m *mockResearchRepo) UpdateSelection(ctx context.Context, projectID string, stories []model.ResearchStory, ids, keywords []string) (bool, error) {
	return m.updateSelectionFn(ctx, projectID, stories, ids, keywords)
}

type mockRunner struct {
	runFn func(ctx context.Context, p orchestrator.Params, sink orchestrator.EventSink) (*orchestrator.Result, error)
}

func (m *mockRunner) Run(ctx context.Context, p orchestrator.Params, sink orchestrator.EventSink) (*orchestrator.Result, error) {
	return m.runFn(ctx, p, sink)
}

type mockRunRecorder struct {
	mu       sync.Mutex
	statuses []string
}

func (m *mockRunRecorder) RecordPipelineRun(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
}

// --- ヘルパー ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func validRequest() Request {
	return Request{
		ProjectID:         testProjectID,
		Headline:          "Lions sign veteran QB",
		PrimaryKeyword:    "Detroit Lions",
		SecondaryKeywords: []string{" quarterback ", ""},
	}
}

func emitStages(sink orchestrator.EventSink, stages ...model.Stage) []model.LogEntry {
	var log []model.LogEntry
	for _, st := range stages {
		e := model.LogEntry{Stage: st, Message: string(st), Timestamp: time.Now()}
		log = append(log, e)
		sink(e)
	}
	return log
}

func successRunner() *mockRunner {
	return &mockRunner{
		runFn: func(ctx context.Context, p orchestrator.Params, sink orchestrator.EventSink) (*orchestrator.Result, error) {
			log := emitStages(sink, model.StageSearch, model.StageEvaluate, model.StageVerify, model.StageKeywords, model.StageComplete)
			stories := []model.ResearchStory{
				{ResearchArticle: model.ResearchArticle{ID: "a"}, IsSelected: true},
				{ResearchArticle: model.ResearchArticle{ID: "b"}},
			}
			return &orchestrator.Result{
				Stories:           stories,
				SuggestedKeywords: []string{"Lions QB"},
				SelectedStoryIDs:  []string{"a"},
				Log:               log,
				LoopsCompleted:    1,
				Brief:             &model.ResearchBrief{ConfidenceScore: 80, FactCheckComplete: true},
			}, nil
		},
	}
}

func collect(run *Run) []Event {
	var events []Event
	for ev := range run.Events() {
		events = append(events, ev)
	}
	return events
}

// --- テスト ---

func TestService_Start_Success(t *testing.T) {
	projects := &mockProjectRepo{}
	research := &mockResearchRepo{}
	recorder := &mockRunRecorder{}
	var gotParams orchestrator.Params
	runner := successRunner()
	inner := runner.runFn
	runner.runFn = func(ctx context.Context, p orchestrator.Params, sink orchestrator.EventSink) (*orchestrator.Result, error) {
		gotParams = p
		return inner(ctx, p, sink)
	}
	svc := NewService(projects, research, runner, recorder, testLogger(), Config{})

	run, err := svc.Start(context.Background(), testUserID, validRequest())
	if err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	events := collect(run)
	<-run.Done()

	if len(events) != 6 {
		t.Fatalf("イベント数 = %d, want 6: %+v", len(events), events)
	}
	for i, ev := range events[:5] {
		if ev.Type != EventProgress || ev.Timestamp == nil {
			t.Errorf("events[%d] = %+v, progressイベントであるべき", i, ev)
		}
	}
	last := events[5]
	if last.Type != EventDone || last.ResearchID != "research-1" {
		t.Errorf("最後のイベント = %+v", last)
	}

	if !reflect.DeepEqual(gotParams.SecondaryKeywords, []string{"quarterback"}) {
		t.Errorf("副キーワードが正規化されていない: %q", gotParams.SecondaryKeywords)
	}

	if len(research.finalized) != 1 {
		t.Fatalf("Finalize 呼び出し回数 = %d", len(research.finalized))
	}
	row := research.finalized[0]
	if row.Status != model.ResearchStatusCompleted || row.LoopsCompleted != 1 || row.ErrorMessage != "" {
		t.Errorf("保存内容が不正: %+v", row)
	}
	if !reflect.DeepEqual(row.SelectedStoryIDs, []string{"a"}) || len(row.OrchestratorLog) != 5 {
		t.Errorf("選択またはログが不正: %+v", row)
	}
	if row.SelectedKeywords == nil || len(row.SelectedKeywords) != 0 {
		t.Errorf("SelectedKeywords は空スライスであるべき: %v", row.SelectedKeywords)
	}
	if len(projects.briefs) != 1 || projects.briefs[0].ConfidenceScore != 80 {
		t.Errorf("ブリーフが保存されていない: %+v", projects.briefs)
	}
	if !reflect.DeepEqual(recorder.statuses, []string{"completed"}) {
		t.Errorf("メトリクス = %v", recorder.statuses)
	}
}

func TestService_Start_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(r *Request)
	}{
		{"projectId欠落", func(r *Request) { r.ProjectID = "" }},
		{"headline欠落", func(r *Request) { r.Headline = "  " }},
		{"primaryKeyword欠落", func(r *Request) { r.PrimaryKeyword = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			research := &mockResearchRepo{
				beginRunFn: func(ctx context.Context, projectID string) (*model.ProjectResearch, error) {
					t.Fatal("検証エラー時に BeginRun が呼ばれた")
					return nil, nil
				},
			}
			svc := NewService(&mockProjectRepo{}, research, successRunner(), nil, testLogger(), Config{})
			req := validRequest()
			tt.modify(&req)

			_, err := svc.Start(context.Background(), testUserID, req)
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeMissingField {
				t.Errorf("err = %v, want MISSING_FIELD", err)
			}
		})
	}
}

func TestService_Start_Forbidden(t *testing.T) {
	tests := []struct {
		name      string
		projectID string
		project   *model.Project
	}{
		{"他ユーザーのプロジェクト", testProjectID, &model.Project{ID: testProjectID, OwnerID: "someone-else"}},
		{"存在しないプロジェクト", testProjectID, nil},
		{"不正なID", "not-a-uuid", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			projects := &mockProjectRepo{
				findByIDFn: func(ctx context.Context, id string) (*model.Project, error) {
					return tt.project, nil
				},
			}
			svc := NewService(projects, &mockResearchRepo{}, successRunner(), nil, testLogger(), Config{})
			req := validRequest()
			req.ProjectID = tt.projectID

			_, err := svc.Start(context.Background(), testUserID, req)
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeProjectForbidden {
				t.Errorf("err = %v, want PROJECT_FORBIDDEN", err)
			}
		})
	}
}

func TestService_Start_AlreadyRunning(t *testing.T) {
	research := &mockResearchRepo{
		beginRunFn: func(ctx context.Context, projectID string) (*model.ProjectResearch, error) {
			return nil, nil
		},
	}
	svc := NewService(&mockProjectRepo{}, research, successRunner(), nil, testLogger(), Config{})

	_, err := svc.Start(context.Background(), testUserID, validRequest())
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeResearchRunning {
		t.Errorf("err = %v, want RESEARCH_RUNNING", err)
	}
}

func TestService_Start_BeginRunFailure(t *testing.T) {
	research := &mockResearchRepo{
		beginRunFn: func(ctx context.Context, projectID string) (*model.ProjectResearch, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc := NewService(&mockProjectRepo{}, research, successRunner(), nil, testLogger(), Config{})

	_, err := svc.Start(context.Background(), testUserID, validRequest())
	if err == nil {
		t.Fatal("エラーが返されるべき")
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		t.Errorf("DB障害はAPIErrorではなく内部エラーとして返すべき: %v", err)
	}
}

// 検証失敗時はerrorイベントで終わり、部分的なブリーフとfailedの行が保存される。
func TestService_Start_VerificationFailure(t *testing.T) {
	projects := &mockProjectRepo{}
	research := &mockResearchRepo{}
	recorder := &mockRunRecorder{}
	verifyErr := errors.Join(verify.ErrVerification, errors.New("LLM timeout"))
	runner := &mockRunner{
		runFn: func(ctx context.Context, p orchestrator.Params, sink orchestrator.EventSink) (*orchestrator.Result, error) {
			log := emitStages(sink, model.StageSearch, model.StageEvaluate, model.StageVerify)
			errEntry := model.LogEntry{Stage: model.StageError, Message: verifyErr.Error(), Timestamp: time.Now()}
			sink(errEntry)
			log = append(log, errEntry)
			return &orchestrator.Result{
				Stories:           []model.ResearchStory{{ResearchArticle: model.ResearchArticle{ID: "a"}}},
				SuggestedKeywords: []string{},
				SelectedStoryIDs:  []string{},
				Log:               log,
				LoopsCompleted:    1,
				Brief: &model.ResearchBrief{
					Articles: []model.ResearchArticle{{ID: "a"}, {ID: "b"}, {ID: "c"}},
				},
			}, verifyErr
		},
	}
	svc := NewService(projects, research, runner, recorder, testLogger(), Config{})

	run, err := svc.Start(context.Background(), testUserID, validRequest())
	if err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	events := collect(run)

	last := events[len(events)-1]
	if last.Type != EventError || last.Error != verifyErr.Error() {
		t.Errorf("最後のイベント = %+v", last)
	}
	beforeLast := events[len(events)-2]
	if beforeLast.Type != EventProgress || beforeLast.Stage != model.StageError {
		t.Errorf("error段階の進捗イベントがない: %+v", beforeLast)
	}

	row := research.finalized[0]
	if row.Status != model.ResearchStatusFailed || row.ErrorMessage != verifyErr.Error() {
		t.Errorf("失敗状態が保存されていない: %+v", row)
	}
	if len(projects.briefs) != 1 || len(projects.briefs[0].Articles) != 3 || projects.briefs[0].FactCheckComplete {
		t.Errorf("部分的なブリーフが保存されていない: %+v", projects.briefs)
	}
	if !reflect.DeepEqual(recorder.statuses, []string{"failed"}) {
		t.Errorf("メトリクス = %v", recorder.statuses)
	}
}

// 実行行の保存に失敗してもブリーフは書き込み、doneで終わる。
func TestService_Start_FinalizeFailureStillWritesBrief(t *testing.T) {
	projects := &mockProjectRepo{}
	research := &mockResearchRepo{
		finalizeFn: func(ctx context.Context, r *model.ProjectResearch) error {
			return errors.New("deadlock detected")
		},
	}
	svc := NewService(projects, research, successRunner(), nil, testLogger(), Config{})

	run, err := svc.Start(context.Background(), testUserID, validRequest())
	if err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	events := collect(run)

	if last := events[len(events)-1]; last.Type != EventDone {
		t.Errorf("最後のイベント = %+v, want done", last)
	}
	if len(projects.briefs) != 1 {
		t.Errorf("ブリーフが書き込まれていない")
	}
}

// 実行行が置き換えられていた場合は、ブリーフを書かずにerrorで終わる。
func TestService_Start_SupersededRunDiscardsResult(t *testing.T) {
	projects := &mockProjectRepo{}
	research := &mockResearchRepo{
		finalizeFn: func(ctx context.Context, r *model.ProjectResearch) error {
			return fmt.Errorf("%w: %s", repository.ErrRunSuperseded, r.ID)
		},
	}
	svc := NewService(projects, research, successRunner(), nil, testLogger(), Config{})

	run, err := svc.Start(context.Background(), testUserID, validRequest())
	if err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	events := collect(run)

	if last := events[len(events)-1]; last.Type != EventError || last.Error == "" {
		t.Errorf("最後のイベント = %+v, want error", last)
	}
	if len(projects.briefs) != 0 {
		t.Errorf("置き換えられた実行のブリーフを書き込んではならない: %d件", len(projects.briefs))
	}
}

func TestService_Start_BriefFailureEndsWithError(t *testing.T) {
	projects := &mockProjectRepo{
		updateBriefFn: func(ctx context.Context, projectID string, brief *model.ResearchBrief) error {
			return errors.New("disk full")
		},
	}
	svc := NewService(projects, &mockResearchRepo{}, successRunner(), nil, testLogger(), Config{})

	run, err := svc.Start(context.Background(), testUserID, validRequest())
	if err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	events := collect(run)

	if last := events[len(events)-1]; last.Type != EventError || last.Error == "" {
		t.Errorf("最後のイベント = %+v, want error", last)
	}
}

// 呼び出し側が切断しても実行は最後まで進み、保存される。
func TestService_Start_DetachedRunCompletes(t *testing.T) {
	projects := &mockProjectRepo{}
	research := &mockResearchRepo{}
	release := make(chan struct{})
	runner := &mockRunner{
		runFn: func(ctx context.Context, p orchestrator.Params, sink orchestrator.EventSink) (*orchestrator.Result, error) {
			<-release
			if err := ctx.Err(); err != nil {
				t.Errorf("リクエストのキャンセルが実行に伝播した: %v", err)
			}
			// 読み手がいなくてもブロックしない
			for i := 0; i < 100; i++ {
				sink(model.LogEntry{Stage: model.StageSearch, Message: "x", Timestamp: time.Now()})
			}
			return successRunner().runFn(ctx, p, sink)
		},
	}
	svc := NewService(projects, research, runner, nil, testLogger(), Config{EventBuffer: 1})

	reqCtx, cancel := context.WithCancel(context.Background())
	run, err := svc.Start(reqCtx, testUserID, validRequest())
	if err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	cancel()
	run.Detach()
	close(release)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("実行が終わらない: %v", err)
	}
	if len(research.finalized) != 1 || research.finalized[0].Status != model.ResearchStatusCompleted {
		t.Errorf("切断後の結果が保存されていない: %+v", research.finalized)
	}
	if len(projects.briefs) != 1 {
		t.Error("切断後のブリーフが保存されていない")
	}
}

func TestService_Start_TimeoutAppliesToRun(t *testing.T) {
	runner := &mockRunner{
		runFn: func(ctx context.Context, p orchestrator.Params, sink orchestrator.EventSink) (*orchestrator.Result, error) {
			<-ctx.Done()
			return &orchestrator.Result{Brief: &model.ResearchBrief{}}, ctx.Err()
		},
	}
	research := &mockResearchRepo{}
	svc := NewService(&mockProjectRepo{}, research, runner, nil, testLogger(), Config{Timeout: 20 * time.Millisecond})

	run, err := svc.Start(context.Background(), testUserID, validRequest())
	if err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	events := collect(run)

	if last := events[len(events)-1]; last.Type != EventError {
		t.Errorf("最後のイベント = %+v, want error", last)
	}
	if research.finalized[0].Status != model.ResearchStatusFailed {
		t.Errorf("タイムアウトは failed として保存されるべき: %+v", research.finalized[0])
	}
}

func completedResearch() *model.ProjectResearch {
	return &model.ProjectResearch{
		ID:        "research-1",
		ProjectID: testProjectID,
		Status:    model.ResearchStatusCompleted,
		Stories: []model.ResearchStory{
			{ResearchArticle: model.ResearchArticle{ID: "a"}, IsSelected: true},
			{ResearchArticle: model.ResearchArticle{ID: "b"}},
			{ResearchArticle: model.ResearchArticle{ID: "c"}, IsSelected: true},
		},
		SelectedStoryIDs: []string{"a", "c"},
	}
}

func TestService_GetResearch(t *testing.T) {
	t.Run("取得できる", func(t *testing.T) {
		research := &mockResearchRepo{
			findByProjectIDFn: func(ctx context.Context, projectID string) (*model.ProjectResearch, error) {
				return completedResearch(), nil
			},
		}
		svc := NewService(&mockProjectRepo{}, research, nil, nil, testLogger(), Config{})
		got, err := svc.GetResearch(context.Background(), testUserID, testProjectID)
		if err != nil || got.ID != "research-1" {
			t.Errorf("GetResearch = %+v, %v", got, err)
		}
	})

	t.Run("未実行", func(t *testing.T) {
		research := &mockResearchRepo{
			findByProjectIDFn: func(ctx context.Context, projectID string) (*model.ProjectResearch, error) {
				return nil, nil
			},
		}
		svc := NewService(&mockProjectRepo{}, research, nil, nil, testLogger(), Config{})
		_, err := svc.GetResearch(context.Background(), testUserID, testProjectID)
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeResearchNotFound {
			t.Errorf("err = %v, want RESEARCH_NOT_FOUND", err)
		}
	})
}

func TestService_UpdateSelection(t *testing.T) {
	var gotStories []model.ResearchStory
	var gotIDs, gotKeywords []string
	research := &mockResearchRepo{
		findByProjectIDFn: func(ctx context.Context, projectID string) (*model.ProjectResearch, error) {
			return completedResearch(), nil
		},
		updateSelectionFn: func(ctx context.Context, projectID string, stories []model.ResearchStory, ids, keywords []string) (bool, error) {
			gotStories, gotIDs, gotKeywords = stories, ids, keywords
			return true, nil
		},
	}
	svc := NewService(&mockProjectRepo{}, research, nil, nil, testLogger(), Config{})

	updated, err := svc.UpdateSelection(context.Background(), testUserID, testProjectID,
		[]string{"c", "b", "b"}, []string{" Lions QB ", "lions qb", ""})
	if err != nil {
		t.Fatalf("UpdateSelection がエラーを返した: %v", err)
	}

	// ストーリー順で選択IDが並ぶ
	if !reflect.DeepEqual(gotIDs, []string{"b", "c"}) {
		t.Errorf("選択ID = %v, want [b c]", gotIDs)
	}
	if gotStories[0].IsSelected || !gotStories[1].IsSelected || !gotStories[2].IsSelected {
		t.Errorf("is_selected が選択に追従していない: %+v", gotStories)
	}
	if !reflect.DeepEqual(gotKeywords, []string{"Lions QB"}) {
		t.Errorf("キーワード = %q", gotKeywords)
	}
	if !reflect.DeepEqual(updated.SelectedStoryIDs, []string{"b", "c"}) {
		t.Errorf("返却値 = %+v", updated)
	}
}

func TestService_UpdateSelection_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		research *model.ProjectResearch
		ids      []string
		updateOK bool
		wantCode string
	}{
		{"存在しないID", completedResearch(), []string{"zzz"}, true, model.ErrCodeInvalidSelection},
		{"実行中", &model.ProjectResearch{ProjectID: testProjectID, Status: model.ResearchStatusRunning}, nil, true, model.ErrCodeResearchRunning},
		{"更新直前に実行開始", completedResearch(), []string{"a"}, false, model.ErrCodeResearchRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			research := &mockResearchRepo{
				findByProjectIDFn: func(ctx context.Context, projectID string) (*model.ProjectResearch, error) {
					return tt.research, nil
				},
				updateSelectionFn: func(ctx context.Context, projectID string, stories []model.ResearchStory, ids, keywords []string) (bool, error) {
					return tt.updateOK, nil
				},
			}
			svc := NewService(&mockProjectRepo{}, research, nil, nil, testLogger(), Config{})

			_, err := svc.UpdateSelection(context.Background(), testUserID, testProjectID, tt.ids, nil)
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.Code != tt.wantCode {
				t.Errorf("err = %v, want %s", err, tt.wantCode)
			}
		})
	}
}
