package model

import (
	"fmt"
	"strings"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, research, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeMissingField       = "MISSING_FIELD"
	ErrCodeProjectForbidden   = "PROJECT_FORBIDDEN"
	ErrCodeResearchRunning    = "RESEARCH_RUNNING"
	ErrCodeResearchNotFound   = "RESEARCH_NOT_FOUND"
	ErrCodeInvalidSelection   = "INVALID_SELECTION"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeStreamNotSupported = "STREAM_NOT_SUPPORTED"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeCSRFInvalid        = "CSRF_INVALID"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewMissingFieldError は必須項目の欠落エラーを生成する。
func NewMissingFieldError(fields ...string) *APIError {
	return &APIError{
		Code:     ErrCodeMissingField,
		Message:  fmt.Sprintf("必須項目が指定されていません: %s", strings.Join(fields, ", ")),
		Category: "validation",
		Action:   "projectId、headline、primaryKeyword を指定してください。",
	}
}

// NewProjectForbiddenError はプロジェクトへのアクセス権がない場合のエラーを生成する。
// 存在しないプロジェクトも同じエラーにしてID探索を防ぐ。
func NewProjectForbiddenError(projectID string) *APIError {
	return &APIError{
		Code:     ErrCodeProjectForbidden,
		Message:  fmt.Sprintf("このプロジェクトにアクセスする権限がありません: %s", projectID),
		Category: "auth",
		Action:   "プロジェクトIDと所有者を確認してください。",
	}
}

// NewResearchRunningError は同一プロジェクトでリサーチ実行中の場合のエラーを生成する。
func NewResearchRunningError(projectID string) *APIError {
	return &APIError{
		Code:     ErrCodeResearchRunning,
		Message:  fmt.Sprintf("このプロジェクトのリサーチは実行中です: %s", projectID),
		Category: "research",
		Action:   "実行中のリサーチが完了するまでお待ちください。",
	}
}

// NewResearchNotFoundError はリサーチレコードが存在しない場合のエラーを生成する。
func NewResearchNotFoundError(projectID string) *APIError {
	return &APIError{
		Code:     ErrCodeResearchNotFound,
		Message:  fmt.Sprintf("リサーチ結果が見つかりません: %s", projectID),
		Category: "research",
		Action:   "先にリサーチを実行してください。",
	}
}

// NewInvalidSelectionError はストーリー選択が不正な場合のエラーを生成する。
func NewInvalidSelectionError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSelection,
		Message:  fmt.Sprintf("選択内容が不正です: %s", reason),
		Category: "validation",
		Action:   "リサーチ結果に含まれるストーリーIDを指定してください。",
	}
}

// NewRateLimitError はレート制限超過エラーを生成する。
func NewRateLimitError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	}
}

// NewCSRFError はCSRFトークン検証の失敗エラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
