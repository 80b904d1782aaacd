// Package verify は記事群に含まれる主張のクロスチェックを提供する。
//
// 主張の抽出と突き合わせは外部のテキスト生成に委ね、
// 返ってきた分類は裏付けソース数に基づいて保守的に補正する。
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode"

	"github.com/hitoshi/forge/internal/model"
	"github.com/hitoshi/forge/internal/textgen"
	"github.com/hitoshi/forge/internal/trust"
)

// ErrVerification は検証呼び出しそのものが失敗した場合に返される。
// 空の検証結果で代用してはならない。
var ErrVerification = errors.New("ファクト検証に失敗しました")

// errMissingVerdict は応答のJSONに分類結果のフィールドが無い場合のエラー。
var errMissingVerdict = errors.New("応答にverified_factsとdisputed_factsがありません")

const (
	// highTrustScore 以上のソース1件だけで裏付けられた主張はmediumとして扱える。
	highTrustScore = trust.ScoreHigh
	// disputedOnlyConfidenceCap は全て係争中の場合の確信度上限。
	disputedOnlyConfidenceCap = 30
	// excerptRunes はプロンプトに含める本文抜粋の最大文字数。
	excerptRunes = 1500
	maxTokens    = 2500
)

// Result はファクト検証の結果。
type Result struct {
	VerifiedFacts   []model.VerifiedFact
	DisputedFacts   []model.DisputedFact
	ConfidenceScore int
}

// Verifier はテキスト生成を使って主張を検証済みと係争中に分類する。
type Verifier struct {
	generator textgen.Generator
	logger    *slog.Logger
}

// NewVerifier はVerifierを生成する。
func NewVerifier(generator textgen.Generator, logger *slog.Logger) *Verifier {
	return &Verifier{
		generator: generator,
		logger:    logger,
	}
}

// rawFact はテキスト生成の応答に含まれる1件のファクト。
type rawFact struct {
	Claim      string   `json:"claim"`
	Sources    []string `json:"sources"`
	Reason     string   `json:"reason"`
	Confidence string   `json:"confidence"`
}

// rawVerdict はテキスト生成の応答全体。
type rawVerdict struct {
	VerifiedFacts   []rawFact       `json:"verified_facts"`
	DisputedFacts   []rawFact       `json:"disputed_facts"`
	ConfidenceScore json.RawMessage `json:"confidence_score"`
}

// Verify はarticlesの主張をtopicに照らして検証する。
// 記事が空の場合はテキスト生成を呼ばずに空の結果（確信度0）を返す。
// テキスト生成の失敗や解析不能な応答はErrVerificationを包んで返す。
func (v *Verifier) Verify(ctx context.Context, articles []model.ResearchArticle, topic, extraContext string) (*Result, error) {
	if len(articles) == 0 {
		return &Result{
			VerifiedFacts: []model.VerifiedFact{},
			DisputedFacts: []model.DisputedFact{},
		}, nil
	}

	out, err := v.generator.Generate(ctx, textgen.Request{
		Purpose:     textgen.PurposeVerify,
		System:      systemPrompt,
		Prompt:      buildPrompt(articles, topic, extraContext),
		MaxTokens:   maxTokens,
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerification, err)
	}

	var verdict rawVerdict
	if err := textgen.DecodeJSON(out, &verdict); err != nil {
		v.logger.Error("ファクト検証の応答を解析できませんでした",
			slog.Int("response_length", len(out)),
		)
		return nil, fmt.Errorf("%w: %w", ErrVerification, err)
	}
	// 空配列はnilにならないため、nilはフィールド自体が無いことを示す
	if verdict.VerifiedFacts == nil && verdict.DisputedFacts == nil {
		v.logger.Error("ファクト検証の応答に分類結果がありません",
			slog.Int("response_length", len(out)),
		)
		return nil, fmt.Errorf("%w: %w", ErrVerification, errMissingVerdict)
	}

	result := v.normalize(verdict, articles)

	v.logger.Info("ファクト検証が完了しました",
		slog.Int("article_count", len(articles)),
		slog.Int("verified_count", len(result.VerifiedFacts)),
		slog.Int("disputed_count", len(result.DisputedFacts)),
		slog.Int("confidence_score", result.ConfidenceScore),
	)
	return result, nil
}

// normalize はソース参照を記事IDに解決し、裏付け数に応じて分類と確信度を補正する。
func (v *Verifier) normalize(verdict rawVerdict, articles []model.ResearchArticle) *Result {
	index := newArticleIndex(articles)

	result := &Result{
		VerifiedFacts: []model.VerifiedFact{},
		DisputedFacts: []model.DisputedFact{},
	}

	for _, f := range verdict.VerifiedFacts {
		claim := strings.TrimSpace(f.Claim)
		if claim == "" {
			continue
		}
		sources := index.resolve(f.Sources)

		confidence, ok := classify(claim, sources, index)
		if !ok {
			reason := "single source; not independently corroborated"
			if len(sources) == 0 {
				reason = "no identifiable supporting source"
			}
			result.DisputedFacts = append(result.DisputedFacts, model.DisputedFact{
				Claim:      claim,
				Sources:    sources,
				Reason:     reason,
				Confidence: model.FactConfidenceLow,
			})
			continue
		}
		result.VerifiedFacts = append(result.VerifiedFacts, model.VerifiedFact{
			Claim:      claim,
			Sources:    sources,
			Confidence: confidence,
		})
	}

	for _, f := range verdict.DisputedFacts {
		claim := strings.TrimSpace(f.Claim)
		if claim == "" {
			continue
		}
		reason := strings.TrimSpace(f.Reason)
		if reason == "" {
			reason = "conflicting or single-source details"
		}
		result.DisputedFacts = append(result.DisputedFacts, model.DisputedFact{
			Claim:      claim,
			Sources:    index.resolve(f.Sources),
			Reason:     reason,
			Confidence: model.FactConfidenceLow,
		})
	}

	reported := clamp(parseScore(verdict.ConfidenceScore))
	result.ConfidenceScore = consistentConfidence(reported, len(result.VerifiedFacts), len(result.DisputedFacts))
	if result.ConfidenceScore != reported {
		v.logger.Warn("確信度を検証結果に合わせて補正しました",
			slog.Int("reported", reported),
			slog.Int("adjusted", result.ConfidenceScore),
		)
	}
	return result
}

// classify は裏付けソース数から確信度を決める。
// 検証済みとして扱えない場合はokがfalseになる。
func classify(claim string, sources []string, index articleIndex) (model.FactConfidence, bool) {
	switch {
	case len(sources) >= 3:
		return model.FactConfidenceHigh, true
	case len(sources) == 2:
		return model.FactConfidenceMedium, true
	case len(sources) == 1:
		a := index.byID[sources[0]]
		if a.TrustScore >= highTrustScore && !hasNumericOrQuote(claim) {
			return model.FactConfidenceMedium, true
		}
	}
	return "", false
}

// consistentConfidence は確信度を検証済みファクトの割合で頭打ちにする。
// ファクトが1件もない場合は0、全て係争中の場合は30が上限になる。
func consistentConfidence(reported, verified, disputed int) int {
	total := verified + disputed
	if total == 0 {
		return 0
	}
	ceiling := disputedOnlyConfidenceCap + (100-disputedOnlyConfidenceCap)*verified/total
	if reported > ceiling {
		return ceiling
	}
	return reported
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// parseScore は数値または数値文字列の確信度を整数に変換する。解析できない場合は0。
func parseScore(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int(f + 0.5)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSuffix(strings.TrimSpace(s), "%")
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int(f + 0.5)
		}
	}
	return 0
}

// hasNumericOrQuote は主張が数値または引用を含むかを返す。
func hasNumericOrQuote(claim string) bool {
	for _, r := range claim {
		if unicode.IsDigit(r) || r == '"' || r == '“' || r == '”' {
			return true
		}
	}
	return false
}

// articleIndex はソース参照を記事IDに解決するための索引。
type articleIndex struct {
	byID  map[string]model.ResearchArticle
	byURL map[string]string
}

func newArticleIndex(articles []model.ResearchArticle) articleIndex {
	idx := articleIndex{
		byID:  make(map[string]model.ResearchArticle, len(articles)),
		byURL: make(map[string]string, len(articles)),
	}
	for _, a := range articles {
		idx.byID[a.ID] = a
		if _, exists := idx.byURL[a.URL]; !exists {
			idx.byURL[a.URL] = a.ID
		}
	}
	return idx
}

// resolve は記事IDまたはURLの参照を重複なしの記事IDに変換する。
// 解決できない参照は裏付けとして数えないため捨てる。
func (idx articleIndex) resolve(refs []string) []string {
	ids := make([]string, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		ref = strings.Trim(strings.TrimSpace(ref), "[]")
		id := ""
		if _, ok := idx.byID[ref]; ok {
			id = ref
		} else if byURL, ok := idx.byURL[ref]; ok {
			id = byURL
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}
