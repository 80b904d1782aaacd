// Package search は外部検索プロバイダーの呼び出しと検索結果の正規化を提供する。
package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"time"

	"github.com/hitoshi/forge/internal/model"
	"github.com/hitoshi/forge/internal/trust"
	"golang.org/x/time/rate"
)

// Depth は検索の深さ。
type Depth string

const (
	DepthBasic    Depth = "basic"
	DepthAdvanced Depth = "advanced"
)

const (
	// DefaultMaxResults は1回の検索で取得する最大件数の既定値。
	DefaultMaxResults = 15
	// DefaultDays は検索対象とする新しさ（日数）の既定値。
	DefaultDays = 21
)

// Options は検索オプション。ゼロ値の項目には既定値が使われる。
type Options struct {
	MaxResults int
	Days       int
	Depth      Depth
}

func (o Options) withDefaults() Options {
	if o.MaxResults <= 0 {
		o.MaxResults = DefaultMaxResults
	}
	if o.Days <= 0 {
		o.Days = DefaultDays
	}
	if o.Depth == "" {
		o.Depth = DepthAdvanced
	}
	return o
}

// RawResult はプロバイダーが返す正規化前の検索結果。
type RawResult struct {
	Title         string
	URL           string
	Content       string
	PublishedDate string
	ImageURL      string
	Score         *float64
}

// Provider は検索プロバイダーのインターフェース。
type Provider interface {
	Search(ctx context.Context, query string, opts Options) ([]RawResult, error)
}

// TextSanitizer はタイトルと概要からHTMLを取り除くインターフェース。
type TextSanitizer interface {
	PlainText(raw string) string
}

// RequestRecorder は検索リクエストの結果を記録するインターフェース。
type RequestRecorder interface {
	RecordSearchRequest(status string)
}

// ClientConfig はClientの任意設定。
type ClientConfig struct {
	// Supplementary は補助プロバイダー。失敗してもログに残して無視する。
	Supplementary Provider
	Sanitizer     TextSanitizer
	Recorder      RequestRecorder
	// RatePerSecond は外部呼び出しの上限。0以下の場合は制限しない。
	RatePerSecond float64
}

// Client は検索結果を共通の記事形式に正規化し、信頼度スコアを付与する。
type Client struct {
	primary       Provider
	supplementary Provider
	sanitizer     TextSanitizer
	recorder      RequestRecorder
	limiter       *rate.Limiter
	logger        *slog.Logger
	now           func() time.Time
}

// NewClient はClientを生成する。
func NewClient(primary Provider, logger *slog.Logger, cfg ClientConfig) *Client {
	c := &Client{
		primary:       primary,
		supplementary: cfg.Supplementary,
		sanitizer:     cfg.Sanitizer,
		recorder:      cfg.Recorder,
		logger:        logger,
		now:           time.Now,
	}
	if cfg.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return c
}

// Search はクエリを検索し、信頼度付きの記事を関連度の降順で返す。
//
// 記事IDは "{idPrefix}-{index}-{unixミリ秒}" 形式で、1回の実行内では
// 呼び出しごとに異なるidPrefixを渡すことで一意性を保証する。
// 主プロバイダーのエラー（APIキー未設定、2xx以外の応答）はそのまま返す。
func (c *Client) Search(ctx context.Context, query string, lookup trust.Lookup, opts Options, idPrefix string) ([]model.ResearchArticle, error) {
	opts = opts.withDefaults()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("検索リクエストの待機が中断されました: %w", err)
		}
	}

	raw, err := c.primary.Search(ctx, query, opts)
	if err != nil {
		c.record("error")
		return nil, err
	}
	c.record("success")

	if c.supplementary != nil {
		extra, err := c.supplementary.Search(ctx, query, opts)
		if err != nil {
			c.logger.Warn("補助検索プロバイダーの呼び出しに失敗しました",
				slog.String("query", query),
				slog.String("error", err.Error()),
			)
		} else {
			raw = append(raw, extra...)
		}
	}

	now := c.now()
	articles := make([]model.ResearchArticle, 0, len(raw))
	for i, r := range raw {
		articles = append(articles, c.normalize(r, i, now, lookup, idPrefix))
	}

	sort.SliceStable(articles, func(i, j int) bool {
		return articles[i].RelevanceScore > articles[j].RelevanceScore
	})

	c.logger.Info("検索が完了しました",
		slog.String("query", query),
		slog.String("id_prefix", idPrefix),
		slog.Int("result_count", len(articles)),
	)
	return articles, nil
}

func (c *Client) normalize(r RawResult, index int, now time.Time, lookup trust.Lookup, idPrefix string) model.ResearchArticle {
	scored := trust.Score(domainOf(r.URL), lookup)

	article := model.ResearchArticle{
		ID:            fmt.Sprintf("%s-%d-%d", idPrefix, index, now.UnixMilli()),
		Title:         c.plain(r.Title),
		Description:   c.plain(r.Content),
		URL:           r.URL,
		Source:        scored.DisplayName,
		PublishedDate: parsePublishedDate(r.PublishedDate, now),
		TrustScore:    scored.TrustScore,
		IsTrusted:     scored.IsTrusted,
	}
	if r.Score != nil {
		article.RelevanceScore = *r.Score
	}
	if r.ImageURL != "" {
		img := r.ImageURL
		article.ImageURL = &img
	}
	return article
}

func (c *Client) plain(s string) string {
	if c.sanitizer == nil {
		return s
	}
	return c.sanitizer.PlainText(s)
}

func (c *Client) record(status string) {
	if c.recorder != nil {
		c.recorder.RecordSearchRequest(status)
	}
}

// domainOf はURLのホスト名を返す。解析できない場合は元の文字列をそのまま返す。
func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	return u.Hostname()
}

var publishedDateLayouts = []string{
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parsePublishedDate は公開日時を解析する。欠落または解析不能な場合はnowを返す。
func parsePublishedDate(s string, now time.Time) time.Time {
	if s == "" {
		return now
	}
	for _, layout := range publishedDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return now
}
