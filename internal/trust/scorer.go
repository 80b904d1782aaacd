// Package trust はソースドメインの信頼度スコアリングを提供する。
//
// Scoreは渡されたLookupスナップショットのみを参照する純粋関数で、
// Lookupの読み込みとキャッシュはLoaderが担う。
package trust

import (
	"net"
	"strings"

	"github.com/hitoshi/forge/internal/model"
	"golang.org/x/net/publicsuffix"
)

// 信頼度区分ごとの固定スコア。
const (
	ScoreHigh      = 0.9
	ScoreMedium    = 0.7
	ScoreLow       = 0.4
	ScoreUntrusted = 0.2
	ScoreUnknown   = 0.5

	// TrustedThreshold 以上のスコアを持つソースを信頼済みとみなす。
	TrustedThreshold = 0.7
)

// Lookup は正規化済みドメインをキーとする信頼済みソースのスナップショット。
type Lookup map[string]model.TrustedSource

// NewLookup は信頼済みソース一覧からLookupを構築する。
// ドメインは正規化してからキーにする。
func NewLookup(sources []model.TrustedSource) Lookup {
	lookup := make(Lookup, len(sources))
	for _, s := range sources {
		domain := NormalizeDomain(s.Domain)
		if domain == "" {
			continue
		}
		s.Domain = domain
		lookup[domain] = s
	}
	return lookup
}

// Result はスコアリング結果。
type Result struct {
	TrustScore  float64
	IsTrusted   bool
	DisplayName string
}

// LevelScore は信頼度区分を数値スコアに変換する。
// 未定義の区分は未登録ドメインと同じ扱いになる。
func LevelScore(level model.TrustLevel) float64 {
	switch level {
	case model.TrustLevelHigh:
		return ScoreHigh
	case model.TrustLevelMedium:
		return ScoreMedium
	case model.TrustLevelLow:
		return ScoreLow
	case model.TrustLevelUntrusted:
		return ScoreUntrusted
	default:
		return ScoreUnknown
	}
}

// NormalizeDomain はドメインを小文字化し、ポート、末尾のドット、先頭の "www." を除去する。
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if host, _, err := net.SplitHostPort(d); err == nil {
		d = host
	}
	d = strings.TrimSuffix(d, ".")
	d = strings.TrimPrefix(d, "www.")
	return d
}

// Score はドメインの信頼度スコアを返す。
// 完全一致しない場合は登録可能ドメイン（eTLD+1）でも照合する。
// どちらにもない場合は中立値0.5を返す。
func Score(domain string, lookup Lookup) Result {
	normalized := NormalizeDomain(domain)

	source, ok := lookup[normalized]
	if !ok {
		if registrable, err := publicsuffix.EffectiveTLDPlusOne(normalized); err == nil && registrable != normalized {
			source, ok = lookup[registrable]
		}
	}

	if !ok {
		return Result{
			TrustScore:  ScoreUnknown,
			IsTrusted:   ScoreUnknown >= TrustedThreshold,
			DisplayName: normalized,
		}
	}

	score := LevelScore(source.TrustLevel)
	name := source.Name
	if name == "" {
		name = normalized
	}
	return Result{
		TrustScore:  score,
		IsTrusted:   score >= TrustedThreshold,
		DisplayName: name,
	}
}
