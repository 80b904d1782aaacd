// Package keyword はテキスト生成を使った関連キーワードの提案を提供する。
package keyword

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/hitoshi/forge/internal/textgen"
)

// MaxKeywords は提案するキーワードの最大件数。
const MaxKeywords = 15

// maxKeywordRunes を超える候補は説明文とみなして捨てる。
const maxKeywordRunes = 80

const systemPrompt = `You are an SEO research assistant. You suggest search phrases real readers type, never invented jargon.`

const promptTemplate = `Suggest up to %d secondary and long-tail keyword phrases for an article about %q.
Seed keywords: %s

Rules:
- Each phrase must be relevant to the topic and the seeds.
- Prefer specific long-tail phrases (3-6 words) over generic single words.
- Do not repeat the seed keywords.

Respond with ONLY a JSON array of strings, for example ["phrase one","phrase two"].`

// bulletPrefix は行頭の箇条書き記号と番号を表す。
var bulletPrefix = regexp.MustCompile(`^\s*(?:[-*•·]+|\d+[.)]|\(\d+\))\s*`)

// Discoverer はシードキーワードから関連キーワードを提案する。
type Discoverer struct {
	generator textgen.Generator
	logger    *slog.Logger
}

// NewDiscoverer はDiscovererを生成する。
func NewDiscoverer(generator textgen.Generator, logger *slog.Logger) *Discoverer {
	return &Discoverer{
		generator: generator,
		logger:    logger,
	}
}

// Discover はtopicとseedsに関連するキーワード候補を返す。
// 応答が壊れていてもエラーにはせず、解析できた分だけ返す（空も可）。
// テキスト生成自体の失敗はエラーとして返す。
func (d *Discoverer) Discover(ctx context.Context, topic string, seeds []string) ([]string, error) {
	out, err := d.generator.Generate(ctx, textgen.Request{
		Purpose:     textgen.PurposeKeywords,
		System:      systemPrompt,
		Prompt:      fmt.Sprintf(promptTemplate, MaxKeywords, topic, strings.Join(seeds, ", ")),
		MaxTokens:   600,
		Temperature: 0.4,
	})
	if err != nil {
		return nil, fmt.Errorf("キーワード提案の生成に失敗しました: %w", err)
	}

	candidates := parseCandidates(out)
	keywords := normalize(candidates, seeds)

	d.logger.Info("キーワード候補を生成しました",
		slog.Int("candidate_count", len(candidates)),
		slog.Int("keyword_count", len(keywords)),
	)
	return keywords, nil
}

// parseCandidates は構造化された応答を優先して解析し、
// 失敗した場合は行とカンマで分割する。
func parseCandidates(out string) []string {
	var list []string
	if err := textgen.DecodeJSON(out, &list); err == nil {
		return list
	}

	var wrapped struct {
		Keywords []string `json:"keywords"`
	}
	if err := textgen.DecodeJSON(out, &wrapped); err == nil && len(wrapped.Keywords) > 0 {
		return wrapped.Keywords
	}

	return splitFreeText(out)
}

func splitFreeText(out string) []string {
	var parts []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") || strings.HasSuffix(line, ":") {
			continue
		}
		line = bulletPrefix.ReplaceAllString(line, "")
		for _, p := range strings.Split(line, ",") {
			parts = append(parts, p)
		}
	}
	return parts
}

// normalize は候補を整形し、大文字小文字を無視して重複とシードを除き、MaxKeywords件に切り詰める。
func normalize(candidates, seeds []string) []string {
	seen := make(map[string]bool, len(candidates)+len(seeds))
	for _, s := range seeds {
		seen[strings.ToLower(strings.TrimSpace(s))] = true
	}

	keywords := make([]string, 0, MaxKeywords)
	for _, c := range candidates {
		k := strings.Trim(strings.TrimSpace(c), `"'“”[]`)
		k = strings.Join(strings.Fields(k), " ")
		if k == "" || len([]rune(k)) > maxKeywordRunes {
			continue
		}
		key := strings.ToLower(k)
		if seen[key] {
			continue
		}
		seen[key] = true
		keywords = append(keywords, k)
		if len(keywords) == MaxKeywords {
			break
		}
	}
	return keywords
}
