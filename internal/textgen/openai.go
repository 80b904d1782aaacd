package textgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// CallRecorder はLLM呼び出し結果を記録するインターフェース。
// metrics.Collectorが実装する。
type CallRecorder interface {
	RecordLLMCall(purpose string, status string)
}

// Config はOpenAI互換APIの接続設定。
type Config struct {
	APIKey    string
	BaseURL   string // 空の場合はOpenAI公式エンドポイント
	Model     string
	Timeout   time.Duration
	MaxTokens int
}

const (
	defaultTimeout   = 45 * time.Second
	defaultMaxTokens = 2000
)

// OpenAIGenerator はgo-openaiを使うGeneratorの実装。
type OpenAIGenerator struct {
	client   *openai.Client
	config   Config
	logger   *slog.Logger
	recorder CallRecorder
}

// NewOpenAIGenerator はOpenAIGeneratorを生成する。
// APIキーが空でも生成は成功し、呼び出し時にErrNotConfiguredを返す。
func NewOpenAIGenerator(cfg Config, logger *slog.Logger, recorder CallRecorder) *OpenAIGenerator {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	g := &OpenAIGenerator{
		config:   cfg,
		logger:   logger,
		recorder: recorder,
	}
	if cfg.APIKey != "" {
		clientConfig := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
		g.client = openai.NewClientWithConfig(clientConfig)
	}
	return g
}

// Generate はChat Completions APIを呼び出し、最初の選択肢の本文を返す。
// 呼び出しごとにConfig.Timeoutのタイムアウトを設定する。
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (string, error) {
	if g.client == nil {
		g.record(req.Purpose, "not_configured")
		return "", ErrNotConfigured
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.config.MaxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	callCtx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       g.config.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		status := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
		}
		g.record(req.Purpose, status)
		g.logger.Error("テキスト生成APIの呼び出しに失敗しました",
			slog.String("purpose", string(req.Purpose)),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("テキスト生成APIの呼び出しに失敗しました: %w", err)
	}

	if len(resp.Choices) == 0 {
		g.record(req.Purpose, "empty")
		return "", fmt.Errorf("テキスト生成APIの応答に選択肢がありません")
	}

	g.record(req.Purpose, "success")
	g.logger.Debug("テキスト生成APIの呼び出しが完了しました",
		slog.String("purpose", string(req.Purpose)),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (g *OpenAIGenerator) record(purpose Purpose, status string) {
	if g.recorder != nil {
		g.recorder.RecordLLMCall(string(purpose), status)
	}
}
