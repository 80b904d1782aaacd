package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService は外部から取得したテキストからHTMLを取り除くインターフェース。
// 検索結果のタイトル・概要と記事本文をLLMプロンプトや保存データに渡す前に使用する。
type TextSanitizerService interface {
	// PlainText は全てのタグを除去し、エンティティを復元し、空白を1つにまとめた文字列を返す。
	PlainText(raw string) string
}

// textSanitizer はbluemondayのStrictPolicyを使うTextSanitizerServiceの実装。
// bluemonday.Policyは並行利用に対して安全。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// PlainText はHTMLを取り除いたプレーンテキストを返す。
func (s *textSanitizer) PlainText(raw string) string {
	if raw == "" {
		return ""
	}
	stripped := s.policy.Sanitize(raw)
	// StrictPolicyはエスケープ済みのテキストを返すため元に戻す
	unescaped := html.UnescapeString(stripped)
	return strings.Join(strings.Fields(unescaped), " ")
}
