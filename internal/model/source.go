package model

import "time"

// TrustLevel は信頼済みソースの信頼度区分。
type TrustLevel string

const (
	TrustLevelHigh      TrustLevel = "high"
	TrustLevelMedium    TrustLevel = "medium"
	TrustLevelLow       TrustLevel = "low"
	TrustLevelUntrusted TrustLevel = "untrusted"
)

// Valid は定義済みの信頼度区分かどうかを返す。
func (l TrustLevel) Valid() bool {
	switch l {
	case TrustLevelHigh, TrustLevelMedium, TrustLevelLow, TrustLevelUntrusted:
		return true
	}
	return false
}

// TrustedSource は管理者が登録するソースドメインの参照データ。
// Domainは "www." を除いた小文字で一意。
type TrustedSource struct {
	Domain     string
	Name       string
	TrustLevel TrustLevel
	UpdatedAt  time.Time
}

// Project はリサーチ対象のコンテンツプロジェクト。
// ResearchBriefは未実行の場合nil。
type Project struct {
	ID            string
	OwnerID       string
	Name          string
	ResearchBrief *ResearchBrief
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
