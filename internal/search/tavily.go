package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultTavilyEndpoint はTavily検索APIのエンドポイント。
	DefaultTavilyEndpoint = "https://api.tavily.com/search"
	// defaultTavilyTimeout は1回の検索呼び出しのタイムアウト。
	defaultTavilyTimeout = 30 * time.Second
	// maxErrorBodySize はエラー応答ボディをログに残す最大サイズ。
	maxErrorBodySize = 1024
)

// ErrMissingAPIKey は検索APIキーが未設定の場合にProviderErrorに包まれて返される。
var ErrMissingAPIKey = errors.New("検索APIキーが設定されていません")

// ProviderError は検索プロバイダーの致命的なエラー。オーケストレーター内では再試行しない。
type ProviderError struct {
	StatusCode int // HTTPステータス。応答がない場合は0
	Message    string
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("検索プロバイダーエラー (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("検索プロバイダーエラー: %s", e.Message)
}

// Unwrap は元のエラーを返す。
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// tavilyRequest は検索APIへのリクエストボディ。
type tavilyRequest struct {
	Query             string `json:"query"`
	SearchDepth       Depth  `json:"search_depth"`
	IncludeAnswer     bool   `json:"include_answer"`
	IncludeImages     bool   `json:"include_images"`
	IncludeRawContent bool   `json:"include_raw_content"`
	MaxResults        int    `json:"max_results"`
	Days              int    `json:"days"`
}

// tavilyResponse は検索APIのレスポンスボディ。
type tavilyResponse struct {
	Results []struct {
		Title         string   `json:"title"`
		URL           string   `json:"url"`
		Content       string   `json:"content"`
		PublishedDate string   `json:"published_date"`
		ImageURL      string   `json:"image_url"`
		Score         *float64 `json:"score"`
	} `json:"results"`
}

// TavilyProvider はTavily互換の検索APIを呼び出すProvider。
type TavilyProvider struct {
	httpClient *http.Client
	logger     *slog.Logger
	apiKey     string
	endpoint   string
	timeout    time.Duration
}

// NewTavilyProvider はTavilyProviderを生成する。
// endpointが空の場合はDefaultTavilyEndpoint、timeoutが0以下の場合は30秒を使う。
func NewTavilyProvider(httpClient *http.Client, logger *slog.Logger, apiKey, endpoint string, timeout time.Duration) *TavilyProvider {
	if endpoint == "" {
		endpoint = DefaultTavilyEndpoint
	}
	if timeout <= 0 {
		timeout = defaultTavilyTimeout
	}
	return &TavilyProvider{
		httpClient: httpClient,
		logger:     logger,
		apiKey:     apiKey,
		endpoint:   endpoint,
		timeout:    timeout,
	}
}

// Search は検索APIを1回呼び出す。再試行は行わない。
func (p *TavilyProvider) Search(ctx context.Context, query string, opts Options) ([]RawResult, error) {
	if p.apiKey == "" {
		return nil, &ProviderError{Message: ErrMissingAPIKey.Error(), Err: ErrMissingAPIKey}
	}

	body, err := json.Marshal(tavilyRequest{
		Query:             query,
		SearchDepth:       opts.Depth,
		IncludeAnswer:     false,
		IncludeImages:     true,
		IncludeRawContent: false,
		MaxResults:        opts.MaxResults,
		Days:              opts.Days,
	})
	if err != nil {
		return nil, fmt.Errorf("検索リクエストの生成に失敗しました: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Error("検索APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, &ProviderError{Message: "検索APIに接続できませんでした", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		p.logger.Error("検索APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("body", string(snippet)),
		)
		return nil, &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
		}
	}

	var decoded tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    "検索APIのレスポンスを解析できませんでした",
			Err:        err,
		}
	}

	results := make([]RawResult, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		results = append(results, RawResult{
			Title:         r.Title,
			URL:           r.URL,
			Content:       r.Content,
			PublishedDate: r.PublishedDate,
			ImageURL:      r.ImageURL,
			Score:         r.Score,
		})
	}
	return results, nil
}
