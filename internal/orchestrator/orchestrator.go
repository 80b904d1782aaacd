// Package orchestrator はリサーチ実行の状態機械を提供する。
//
// search → evaluate → verify → (followup_search)? → keywords → complete の順に進み、
// 各段階の開始時に進捗イベントを1件発行する。致命的な失敗はerror段階で終了する。
// 転送手段には依存せず、進捗はEventSinkで呼び出し側に渡す。
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/forge/internal/model"
	"github.com/hitoshi/forge/internal/search"
	"github.com/hitoshi/forge/internal/trust"
	"github.com/hitoshi/forge/internal/verify"
)

const (
	// MaxFollowupRounds は初回検索に続く追加検索の上限回数。
	MaxFollowupRounds = 2
	// MaxSearchRounds は1回の実行で行う検索の最大回数。
	MaxSearchRounds = 1 + MaxFollowupRounds
	// MinArticles 件以上の記事があれば十分とみなす。
	MinArticles = 3
	// MinTrustedArticles 件以上の信頼済み記事があれば十分とみなす。
	MinTrustedArticles = 2
)

// Searcher は検索クライアントのインターフェース。
type Searcher interface {
	Search(ctx context.Context, query string, lookup trust.Lookup, opts search.Options, idPrefix string) ([]model.ResearchArticle, error)
}

// LookupLoader は信頼済みソースのスナップショットを読み込むインターフェース。
type LookupLoader interface {
	Load(ctx context.Context) (trust.Lookup, error)
}

// FactVerifier はファクト検証のインターフェース。
type FactVerifier interface {
	Verify(ctx context.Context, articles []model.ResearchArticle, topic, extraContext string) (*verify.Result, error)
}

// KeywordDiscoverer はキーワード提案のインターフェース。
type KeywordDiscoverer interface {
	Discover(ctx context.Context, topic string, seeds []string) ([]string, error)
}

// ContentEnricher は記事本文を付与するインターフェース。articlesはその場で更新される。
type ContentEnricher interface {
	Enrich(ctx context.Context, articles []model.ResearchArticle) int
}

// StageRecorder は段階ごとの所要時間を記録するインターフェース。
type StageRecorder interface {
	ObserveStage(stage string, d time.Duration)
}

// EventSink は進捗イベントの受け取り先。nilでもよい。
type EventSink func(entry model.LogEntry)

// Params はリサーチ実行の入力。
type Params struct {
	ProjectID         string
	Headline          string
	PrimaryKeyword    string
	SecondaryKeywords []string
	Topic             string
	AdditionalDetails string
}

// topic は検証とキーワード提案に使うトピック。未指定なら主キーワードを使う。
func (p Params) topic() string {
	if t := strings.TrimSpace(p.Topic); t != "" {
		return t
	}
	return p.PrimaryKeyword
}

// Result はリサーチ実行の結果。失敗時も途中までの内容が入る。
type Result struct {
	Stories           []model.ResearchStory
	SuggestedKeywords []string
	SelectedStoryIDs  []string
	Log               []model.LogEntry
	LoopsCompleted    int
	Brief             *model.ResearchBrief
}

// Deps はOrchestratorの依存。EnricherとRecorderは省略できる。
type Deps struct {
	Searcher Searcher
	Lookup   LookupLoader
	Verifier FactVerifier
	Keywords KeywordDiscoverer
	Enricher ContentEnricher
	Recorder StageRecorder
	Logger   *slog.Logger
}

// Orchestrator はリサーチ実行を駆動する。
type Orchestrator struct {
	searcher Searcher
	lookup   LookupLoader
	verifier FactVerifier
	keywords KeywordDiscoverer
	enricher ContentEnricher
	recorder StageRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator はOrchestratorを生成する。
func NewOrchestrator(deps Deps) *Orchestrator {
	return &Orchestrator{
		searcher: deps.Searcher,
		lookup:   deps.Lookup,
		verifier: deps.Verifier,
		keywords: deps.Keywords,
		enricher: deps.Enricher,
		recorder: deps.Recorder,
		logger:   deps.Logger,
		now:      time.Now,
	}
}

// Run はリサーチを1回実行する。
// 戻り値のResultは常に非nilで、エラー時は収集済みの記事を含む部分的な内容になる。
func (o *Orchestrator) Run(ctx context.Context, p Params, sink EventSink) (*Result, error) {
	r := &run{o: o, sink: sink, logger: o.logger.With(slog.String("project_id", p.ProjectID))}
	defer r.finishStage()

	lookup := o.loadLookup(ctx, r.logger)

	var (
		articles []model.ResearchArticle
		verdict  *verify.Result
	)
	for round := 1; ; round++ {
		if round == 1 {
			r.emit(model.StageSearch, "Searching for recent coverage…")
		} else {
			r.emit(model.StageFollowupSearch, fmt.Sprintf("Running follow-up search %d of %d with a broader query…", round-1, MaxFollowupRounds))
		}

		found, err := o.searcher.Search(ctx, buildQuery(p, round), lookup, search.Options{
			Days: search.DefaultDays << (round - 1),
		}, fmt.Sprintf("r%d", round))
		if err != nil {
			return r.fail(err, articles)
		}
		articles = mergeArticles(articles, found)
		r.loops = round
		canFollowUp := round <= MaxFollowupRounds

		trusted := countTrusted(articles)
		enough := sufficient(len(articles), trusted)
		if !enough && canFollowUp {
			r.emit(model.StageEvaluate, fmt.Sprintf("Found %d articles (%d trusted); not enough coverage yet.", len(articles), trusted))
			continue
		}
		r.emit(model.StageEvaluate, fmt.Sprintf("Evaluating %d articles (%d from trusted sources)…", len(articles), trusted))
		if o.enricher != nil {
			o.enricher.Enrich(ctx, articles)
		}

		r.emit(model.StageVerify, fmt.Sprintf("Cross-verifying facts across %d articles…", len(articles)))
		verdict, err = o.verifier.Verify(ctx, articles, p.topic(), p.AdditionalDetails)
		if err != nil {
			return r.fail(err, articles)
		}
		if len(verdict.VerifiedFacts) == 0 && len(verdict.DisputedFacts) > 0 && canFollowUp {
			r.logger.Info("検証済みファクトがないため追加検索を行います",
				slog.Int("round", round),
				slog.Int("disputed_count", len(verdict.DisputedFacts)),
			)
			continue
		}
		break
	}

	r.emit(model.StageKeywords, "Discovering related keywords…")
	keywords := o.discoverKeywords(ctx, p, r.logger)

	r.emit(model.StageComplete, fmt.Sprintf("Research complete: %d stories, %d verified and %d disputed facts.",
		len(articles), len(verdict.VerifiedFacts), len(verdict.DisputedFacts)))

	stories := buildStories(articles, verdict)
	now := o.now()
	annotated := make([]model.ResearchArticle, len(stories))
	for i, s := range stories {
		annotated[i] = s.ResearchArticle
	}

	r.logger.Info("リサーチが完了しました",
		slog.Int("loops_completed", r.loops),
		slog.Int("story_count", len(stories)),
		slog.Int("verified_count", len(verdict.VerifiedFacts)),
		slog.Int("disputed_count", len(verdict.DisputedFacts)),
		slog.Int("keyword_count", len(keywords)),
	)

	return &Result{
		Stories:           stories,
		SuggestedKeywords: keywords,
		SelectedStoryIDs:  model.SelectedStories(stories),
		Log:               r.log,
		LoopsCompleted:    r.loops,
		Brief: &model.ResearchBrief{
			Articles:           annotated,
			VerifiedFacts:      verdict.VerifiedFacts,
			DisputedFacts:      verdict.DisputedFacts,
			UserFeedback:       []string{},
			FactCheckComplete:  true,
			FactCheckTimestamp: &now,
			ResearchTimestamp:  now,
			ConfidenceScore:    verdict.ConfidenceScore,
		},
	}, nil
}

// loadLookup は信頼済みソースを読み込む。失敗した場合は空のLookupで続行し、全ドメインを未知として採点する。
func (o *Orchestrator) loadLookup(ctx context.Context, logger *slog.Logger) trust.Lookup {
	lookup, err := o.lookup.Load(ctx)
	if err != nil {
		logger.Warn("信頼済みソースを読み込めないため全ドメインを未知として扱います",
			slog.String("error", err.Error()),
		)
		return trust.Lookup{}
	}
	return lookup
}

// discoverKeywords はキーワード提案を行う。失敗は警告として記録し、空のリストを返す。
func (o *Orchestrator) discoverKeywords(ctx context.Context, p Params, logger *slog.Logger) []string {
	if o.keywords == nil {
		return []string{}
	}
	seeds := append([]string{p.PrimaryKeyword}, p.SecondaryKeywords...)
	keywords, err := o.keywords.Discover(ctx, p.topic(), seeds)
	if err != nil {
		logger.Warn("キーワード提案に失敗したため空のリストで続行します",
			slog.String("error", err.Error()),
		)
		return []string{}
	}
	if keywords == nil {
		return []string{}
	}
	return keywords
}

// run は1回の実行中の状態を保持する。
type run struct {
	o      *Orchestrator
	sink   EventSink
	logger *slog.Logger
	log    []model.LogEntry
	loops  int

	stage      model.Stage
	stageStart time.Time
}

// emit は段階の開始を記録し、進捗イベントを発行する。
func (r *run) emit(stage model.Stage, message string) {
	r.finishStage()
	now := r.o.now()
	r.stage, r.stageStart = stage, now

	entry := model.LogEntry{Stage: stage, Message: message, Timestamp: now}
	r.log = append(r.log, entry)
	r.logger.Debug("段階を開始しました",
		slog.String("stage", string(stage)),
		slog.String("message", message),
	)
	if r.sink != nil {
		r.sink(entry)
	}
}

func (r *run) finishStage() {
	if r.stage == "" || r.o.recorder == nil {
		return
	}
	r.o.recorder.ObserveStage(string(r.stage), r.o.now().Sub(r.stageStart))
	r.stage = ""
}

// fail はerror段階に遷移し、収集済みの記事を含む部分的な結果とエラーを返す。
func (r *run) fail(err error, articles []model.ResearchArticle) (*Result, error) {
	r.emit(model.StageError, err.Error())
	r.logger.Error("リサーチが失敗しました",
		slog.Int("loops_completed", r.loops),
		slog.Int("article_count", len(articles)),
		slog.String("error", err.Error()),
	)

	if articles == nil {
		articles = []model.ResearchArticle{}
	}
	stories := buildStories(articles, nil)
	return &Result{
		Stories:           stories,
		SuggestedKeywords: []string{},
		SelectedStoryIDs:  model.SelectedStories(stories),
		Log:               r.log,
		LoopsCompleted:    r.loops,
		Brief: &model.ResearchBrief{
			Articles:          articles,
			VerifiedFacts:     []model.VerifiedFact{},
			DisputedFacts:     []model.DisputedFact{},
			UserFeedback:      []string{},
			FactCheckComplete: false,
			ResearchTimestamp: r.o.now(),
		},
	}, err
}

// buildQuery は検索回ごとのクエリを組み立てる。
// 初回は見出しと全キーワード、追加検索では条件を減らして範囲を広げる。
func buildQuery(p Params, round int) string {
	var parts []string
	switch round {
	case 1:
		parts = append(parts, p.Headline, p.PrimaryKeyword)
		parts = append(parts, p.SecondaryKeywords...)
		parts = append(parts, p.Topic)
	case 2:
		parts = []string{p.PrimaryKeyword, p.Topic}
	default:
		parts = []string{p.PrimaryKeyword}
	}

	terms := make([]string, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" || seen[strings.ToLower(part)] {
			continue
		}
		seen[strings.ToLower(part)] = true
		terms = append(terms, part)
	}
	return strings.Join(terms, " ")
}

func sufficient(total, trusted int) bool {
	return total >= MinArticles || trusted >= MinTrustedArticles
}

func countTrusted(articles []model.ResearchArticle) int {
	n := 0
	for _, a := range articles {
		if a.IsTrusted {
			n++
		}
	}
	return n
}

// mergeArticles は既存の記事に新しい記事をURL単位で重複なく追加し、関連度の降順に並べ直す。
// 同じURLは先に見つかった記事を残す。
func mergeArticles(existing, found []model.ResearchArticle) []model.ResearchArticle {
	merged := make([]model.ResearchArticle, 0, len(existing)+len(found))
	seen := make(map[string]bool, len(existing)+len(found))
	for _, list := range [][]model.ResearchArticle{existing, found} {
		for _, a := range list {
			key := urlKey(a.URL)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, a)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].RelevanceScore > merged[j].RelevanceScore
	})
	return merged
}

func urlKey(u string) string {
	return strings.TrimSuffix(strings.TrimSpace(u), "/")
}

// buildStories は記事に選択フラグと検証状態を付けたストーリーを作る。
// verdictがnilの場合は検証状態を付けず、信頼済みの記事だけを選択する。
func buildStories(articles []model.ResearchArticle, verdict *verify.Result) []model.ResearchStory {
	verified := map[string]bool{}
	disputed := map[string]bool{}
	if verdict != nil {
		for _, f := range verdict.VerifiedFacts {
			for _, id := range f.Sources {
				verified[id] = true
			}
		}
		for _, f := range verdict.DisputedFacts {
			for _, id := range f.Sources {
				disputed[id] = true
			}
		}
	}

	stories := make([]model.ResearchStory, 0, len(articles))
	for _, a := range articles {
		s := model.ResearchStory{ResearchArticle: a}
		if verdict != nil {
			if verified[a.ID] {
				s.VerificationStatus = model.VerificationVerified
			} else {
				s.VerificationStatus = model.VerificationUnresolved
				s.IsFlagged = s.IsFlagged || disputed[a.ID]
			}
		}
		s.IsSelected = verified[a.ID] || a.IsTrusted
		stories = append(stories, s)
	}
	return stories
}
