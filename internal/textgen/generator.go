// Package textgen は外部の言語モデルによるテキスト生成を抽象化する。
package textgen

import (
	"context"
	"errors"
)

// ErrNotConfigured はAPIキー未設定時に返される。再試行しても成功しない設定エラー。
var ErrNotConfigured = errors.New("テキスト生成APIのキーが設定されていません")

// Purpose は呼び出し目的。メトリクスとログのラベルに使う。
type Purpose string

const (
	PurposeVerify   Purpose = "verify"
	PurposeKeywords Purpose = "keywords"
)

// Request はテキスト生成リクエスト。
type Request struct {
	Purpose     Purpose
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

// Generator はチャット形式のテキスト生成を行うインターフェース。
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc は関数をGeneratorとして扱うためのアダプタ。
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

// Generate はf(ctx, req)を呼び出す。
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
