// Package enrich は上位の信頼済み記事の本文を取得してリサーチ記事に付与する。
//
// 取得はSSRF対策済みのHTTPクライアントで行い、robots.txtに従う。
// 本文はreadabilityで抽出し、プレーンテキストに整形して保存する。
// 失敗は全て記録のみで吸収し、呼び出し側に返さない。
package enrich

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/forge/internal/model"
)

const (
	// DefaultTopN は本文を取得する記事数の既定値。
	DefaultTopN = 3
	// MaxContentRunes は保存する本文の最大文字数。
	MaxContentRunes = 4000
	// minContentRunes に満たない抽出結果は本文として扱わない。
	minContentRunes = 200

	defaultConcurrency = 3
	defaultTimeout     = 10 * time.Second
	defaultUserAgent   = "ForgeResearchBot/1.0 (+https://forge.example/bot)"
)

var (
	errRobotsDisallowed = errors.New("robots.txtで取得が禁止されています")
	errNotHTML          = errors.New("HTMLではないレスポンスです")
	errTooShort         = errors.New("抽出できた本文が短すぎます")
)

// URLValidator はDNS解決前の静的なURL検証を行うインターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// TextSanitizer は抽出した本文を整形するインターフェース。
type TextSanitizer interface {
	PlainText(raw string) string
}

// Config はEnricherの設定。
type Config struct {
	// TopN は本文を取得する信頼済み記事の件数。0以下なら取得しない。
	TopN        int
	Concurrency int
	Timeout     time.Duration
	UserAgent   string
}

// Enricher は記事本文の取得を行う。
type Enricher struct {
	httpClient *http.Client
	validator  URLValidator
	sanitizer  TextSanitizer
	robots     *robotsChecker
	logger     *slog.Logger
	cfg        Config
}

// NewEnricher はEnricherを生成する。
// httpClientにはsecurity.SSRFGuardService.NewSafeClientで生成したクライアントを渡す。
// validatorがnilの場合は静的検証を省略する。
func NewEnricher(httpClient *http.Client, validator URLValidator, sanitizer TextSanitizer, logger *slog.Logger, cfg Config) *Enricher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &Enricher{
		httpClient: httpClient,
		validator:  validator,
		sanitizer:  sanitizer,
		robots:     newRobotsChecker(httpClient, cfg.UserAgent),
		logger:     logger,
		cfg:        cfg,
	}
}

// Enrich は並び順で上位TopN件の信頼済み記事にFullContentを設定し、設定できた件数を返す。
// 既に本文を持つ記事は取得し直さない。articlesの要素はその場で更新される。
func (e *Enricher) Enrich(ctx context.Context, articles []model.ResearchArticle) int {
	targets := e.selectTargets(articles)
	if len(targets) == 0 {
		return 0
	}

	var enriched atomic.Int32
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for _, idx := range targets {
		g.Go(func() error {
			a := &articles[idx]
			content, err := e.fetch(gCtx, a.URL)
			if err != nil {
				e.logger.Warn("記事本文を取得できませんでした",
					slog.String("url", a.URL),
					slog.String("error", err.Error()),
				)
				return nil
			}
			a.FullContent = &content
			enriched.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info("記事本文の取得が完了しました",
		slog.Int("target_count", len(targets)),
		slog.Int("enriched_count", int(enriched.Load())),
	)
	return int(enriched.Load())
}

func (e *Enricher) selectTargets(articles []model.ResearchArticle) []int {
	if e.cfg.TopN <= 0 {
		return nil
	}
	targets := make([]int, 0, e.cfg.TopN)
	for i, a := range articles {
		if len(targets) == e.cfg.TopN {
			break
		}
		if !a.IsTrusted || a.FullContent != nil {
			continue
		}
		targets = append(targets, i)
	}
	return targets
}

// fetch は1件の記事ページを取得して本文を抽出する。
func (e *Enricher) fetch(ctx context.Context, rawURL string) (string, error) {
	if e.validator != nil {
		if err := e.validator.ValidateURL(rawURL); err != nil {
			return "", err
		}
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("URLの解析に失敗しました: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	if !e.robots.Allowed(ctx, rawURL) {
		return "", errRobotsDisallowed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("記事ページの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("記事ページが異常なステータスを返しました: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return "", errNotHTML
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("記事ページの読み取りに失敗しました: %w", err)
	}

	article, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err != nil {
		return "", fmt.Errorf("本文の抽出に失敗しました: %w", err)
	}

	text := e.sanitizer.PlainText(article.TextContent)
	if len([]rune(text)) < minContentRunes {
		return "", errTooShort
	}
	return truncateRunes(text, MaxContentRunes), nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
