package model

import "time"

// ResearchArticle は検索プロバイダーから取得した1件の記事を表す。
// 検索呼び出しごとに新しく生成され、検証結果による注記以外は変更されない。
type ResearchArticle struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	URL            string    `json:"url"`
	Source         string    `json:"source"`
	PublishedDate  time.Time `json:"published_date"`
	ImageURL       *string   `json:"image_url,omitempty"`
	RelevanceScore float64   `json:"relevance_score"`
	TrustScore     float64   `json:"trust_score"`
	IsTrusted      bool      `json:"is_trusted"`
	IsFlagged      bool      `json:"is_flagged"`
	FullContent    *string   `json:"full_content,omitempty"`
}

// VerificationStatus はストーリーの検証状態を表す。
type VerificationStatus string

const (
	// VerificationVerified は検証済みファクトの根拠として引用されたことを示す。
	VerificationVerified VerificationStatus = "verified"
	// VerificationUnresolved は検証済みファクトの根拠にならなかったことを示す。
	VerificationUnresolved VerificationStatus = "unresolved"
)

// ResearchStory は選択フラグ付きの記事。ProjectResearch.Storiesに保存される。
type ResearchStory struct {
	ResearchArticle
	IsSelected         bool               `json:"is_selected"`
	VerificationStatus VerificationStatus `json:"verification_status,omitempty"`
}

// FactConfidence はファクト単位の確信度。
type FactConfidence string

const (
	FactConfidenceHigh   FactConfidence = "high"
	FactConfidenceMedium FactConfidence = "medium"
	FactConfidenceLow    FactConfidence = "low"
)

// VerifiedFact は複数ソースで裏付けられた主張。
// Sourcesには根拠となった記事IDが入る。
type VerifiedFact struct {
	Claim      string         `json:"claim"`
	Sources    []string       `json:"sources"`
	Confidence FactConfidence `json:"confidence"`
}

// DisputedFact は矛盾しているか単一ソースにとどまる主張。
type DisputedFact struct {
	Claim      string         `json:"claim"`
	Sources    []string       `json:"sources"`
	Reason     string         `json:"reason"`
	Confidence FactConfidence `json:"confidence"`
}

// ResearchBrief はprojects.research_briefに保存されるリサーチ成果物。
// 実行ごとに丸ごと上書きされる。
type ResearchBrief struct {
	Articles           []ResearchArticle `json:"articles"`
	VerifiedFacts      []VerifiedFact    `json:"verified_facts"`
	DisputedFacts      []DisputedFact    `json:"disputed_facts"`
	UserFeedback       []string          `json:"user_feedback"`
	FactCheckComplete  bool              `json:"fact_check_complete"`
	FactCheckTimestamp *time.Time        `json:"fact_check_timestamp,omitempty"`
	ResearchTimestamp  time.Time         `json:"research_timestamp"`
	ConfidenceScore    int               `json:"confidence_score"`
}

// ResearchStatus はリサーチ実行の状態。
type ResearchStatus string

const (
	ResearchStatusRunning   ResearchStatus = "running"
	ResearchStatusCompleted ResearchStatus = "completed"
	ResearchStatusFailed    ResearchStatus = "failed"
)

// Stage はオーケストレーターの状態名。
type Stage string

const (
	StageSearch         Stage = "search"
	StageEvaluate       Stage = "evaluate"
	StageVerify         Stage = "verify"
	StageFollowupSearch Stage = "followup_search"
	StageKeywords       Stage = "keywords"
	StageComplete       Stage = "complete"
	StageError          Stage = "error"
)

// LogEntry はオーケストレーターログの1行。進捗イベントと同じ内容を持つ。
type LogEntry struct {
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ProjectResearch はプロジェクトごとに1行存在するリサーチ進捗レコード。
type ProjectResearch struct {
	ID                string
	ProjectID         string
	Status            ResearchStatus
	Stories           []ResearchStory
	SuggestedKeywords []string
	SelectedStoryIDs  []string
	SelectedKeywords  []string
	OrchestratorLog   []LogEntry
	LoopsCompleted    int
	ErrorMessage      string
	StartedAt         time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SelectedStories はIsSelectedが立っているストーリーのIDを順序どおりに返す。
func SelectedStories(stories []ResearchStory) []string {
	ids := make([]string, 0, len(stories))
	for _, s := range stories {
		if s.IsSelected {
			ids = append(ids, s.ID)
		}
	}
	return ids
}
