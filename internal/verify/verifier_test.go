package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/forge/internal/model"
	"github.com/hitoshi/forge/internal/textgen"
)

// stubGenerator はtextgen.Generatorのスタブ実装。
type stubGenerator struct {
	response string
	err      error
	calls    int
	lastReq  textgen.Request
}

func (s *stubGenerator) Generate(ctx context.Context, req textgen.Request) (string, error) {
	s.calls++
	s.lastReq = req
	return s.response, s.err
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

func testArticles() []model.ResearchArticle {
	published := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	content := "Full story text about the signing."
	return []model.ResearchArticle{
		{ID: "r1-0-1", Title: "Lions sign QB", URL: "https://espn.com/1", Source: "ESPN", TrustScore: 0.9, IsTrusted: true, PublishedDate: published, FullContent: &content},
		{ID: "r1-1-1", Title: "Detroit adds QB", URL: "https://nfl.com/2", Source: "NFL", TrustScore: 0.7, IsTrusted: true, PublishedDate: published},
		{ID: "r1-2-1", Title: "QB rumor", URL: "https://blog.net/3", Source: "blog.net", TrustScore: 0.5, PublishedDate: published},
	}
}

func verdictJSON(t *testing.T, v map[string]any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("JSON生成に失敗: %v", err)
	}
	return "Here is the analysis:\n```json\n" + string(b) + "\n```"
}

func TestVerify_ClassifiesByCorroboration(t *testing.T) {
	gen := &stubGenerator{response: verdictJSON(t, map[string]any{
		"verified_facts": []map[string]any{
			{"claim": "The Lions signed a quarterback", "sources": []string{"r1-0-1", "r1-1-1", "r1-2-1"}, "confidence": "medium"},
			{"claim": "The deal was announced Thursday", "sources": []string{"r1-0-1", "https://nfl.com/2"}, "confidence": "high"},
		},
		"disputed_facts": []map[string]any{
			{"claim": "Contract is worth $40M", "sources": []string{"r1-2-1"}, "reason": "only one blog reports it", "confidence": "low"},
		},
		"confidence_score": 80,
	})}

	v := NewVerifier(gen, newTestLogger())
	result, err := v.Verify(context.Background(), testArticles(), "NFL", "Lions roster")
	if err != nil {
		t.Fatalf("Verify がエラーを返した: %v", err)
	}

	if len(result.VerifiedFacts) != 2 {
		t.Fatalf("検証済み件数 = %d, want 2", len(result.VerifiedFacts))
	}
	if result.VerifiedFacts[0].Confidence != model.FactConfidenceHigh {
		t.Errorf("3ソースはhighになるべき: %s", result.VerifiedFacts[0].Confidence)
	}
	if result.VerifiedFacts[1].Confidence != model.FactConfidenceMedium {
		t.Errorf("2ソースはmediumになるべき: %s", result.VerifiedFacts[1].Confidence)
	}
	if got := result.VerifiedFacts[1].Sources; len(got) != 2 || got[1] != "r1-1-1" {
		t.Errorf("URL参照は記事IDに解決されるべき: %v", got)
	}
	if len(result.DisputedFacts) != 1 || result.DisputedFacts[0].Confidence != model.FactConfidenceLow {
		t.Errorf("係争中ファクト = %+v", result.DisputedFacts)
	}
	if result.ConfidenceScore != 76 {
		// 上限 = 30 + 70*2/3 = 76
		t.Errorf("ConfidenceScore = %d, want 76", result.ConfidenceScore)
	}

	if gen.lastReq.Purpose != textgen.PurposeVerify {
		t.Errorf("Purpose = %s", gen.lastReq.Purpose)
	}
	for _, want := range []string{"[r1-0-1]", `"NFL"`, "Additional context: Lions roster", "Excerpt: Full story text", "ALWAYS disputed"} {
		if !strings.Contains(gen.lastReq.Prompt, want) {
			t.Errorf("プロンプトに %q が含まれていない", want)
		}
	}
}

func TestVerify_SingleSourceIsNeverVerified(t *testing.T) {
	tests := []struct {
		name   string
		claim  string
		source string
	}{
		{"未知ソース1件", "The Lions signed a quarterback", "r1-2-1"},
		{"medium信頼ソース1件", "The Lions signed a quarterback", "r1-1-1"},
		{"高信頼でも数値を含む", "The contract is worth 40 million", "r1-0-1"},
		{"高信頼でも引用を含む", `Coach said "he is our starter"`, "r1-0-1"},
		{"解決できないソース", "The Lions signed a quarterback", "https://elsewhere.example/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &stubGenerator{response: verdictJSON(t, map[string]any{
				"verified_facts": []map[string]any{
					{"claim": tt.claim, "sources": []string{tt.source}, "confidence": "high"},
				},
				"disputed_facts":   []map[string]any{},
				"confidence_score": 95,
			})}

			result, err := NewVerifier(gen, newTestLogger()).Verify(context.Background(), testArticles(), "NFL", "")
			if err != nil {
				t.Fatalf("Verify がエラーを返した: %v", err)
			}
			if len(result.VerifiedFacts) != 0 {
				t.Errorf("単一ソースの主張が検証済みになった: %+v", result.VerifiedFacts)
			}
			if len(result.DisputedFacts) != 1 || result.DisputedFacts[0].Confidence != model.FactConfidenceLow {
				t.Errorf("係争中(low)に降格されるべき: %+v", result.DisputedFacts)
			}
			if result.ConfidenceScore > 30 {
				t.Errorf("全て係争中なら確信度は30以下: %d", result.ConfidenceScore)
			}
		})
	}
}

func TestVerify_HighTrustSingleSourcePlainClaim(t *testing.T) {
	gen := &stubGenerator{response: verdictJSON(t, map[string]any{
		"verified_facts": []map[string]any{
			{"claim": "The Lions signed a veteran quarterback", "sources": []string{"[r1-0-1]"}},
		},
		"confidence_score": 60,
	})}

	result, err := NewVerifier(gen, newTestLogger()).Verify(context.Background(), testArticles(), "NFL", "")
	if err != nil {
		t.Fatalf("Verify がエラーを返した: %v", err)
	}
	if len(result.VerifiedFacts) != 1 || result.VerifiedFacts[0].Confidence != model.FactConfidenceMedium {
		t.Errorf("高信頼ソース1件の平叙な主張はmediumで検証済み: %+v", result.VerifiedFacts)
	}
}

func TestVerify_ConfidenceBounds(t *testing.T) {
	scores := []any{-20, 250, "85%", "abc", 42.6, nil}
	for _, s := range scores {
		gen := &stubGenerator{response: verdictJSON(t, map[string]any{
			"verified_facts": []map[string]any{
				{"claim": "A", "sources": []string{"r1-0-1", "r1-1-1"}},
			},
			"confidence_score": s,
		})}
		result, err := NewVerifier(gen, newTestLogger()).Verify(context.Background(), testArticles(), "NFL", "")
		if err != nil {
			t.Fatalf("score=%v: Verify がエラーを返した: %v", s, err)
		}
		if result.ConfidenceScore < 0 || result.ConfidenceScore > 100 {
			t.Errorf("score=%v: ConfidenceScore = %d は範囲外", s, result.ConfidenceScore)
		}
	}
}

func TestVerify_NoFactsMeansZeroConfidence(t *testing.T) {
	gen := &stubGenerator{response: `{"verified_facts":[],"disputed_facts":[],"confidence_score":95}`}
	result, err := NewVerifier(gen, newTestLogger()).Verify(context.Background(), testArticles(), "NFL", "")
	if err != nil {
		t.Fatalf("Verify がエラーを返した: %v", err)
	}
	if result.ConfidenceScore != 0 {
		t.Errorf("ファクトがない場合の確信度 = %d, want 0", result.ConfidenceScore)
	}
}

func TestVerify_GeneratorFailurePropagates(t *testing.T) {
	gen := &stubGenerator{err: errors.New("upstream 503")}
	result, err := NewVerifier(gen, newTestLogger()).Verify(context.Background(), testArticles(), "NFL", "")
	if !errors.Is(err, ErrVerification) {
		t.Fatalf("err = %v, want ErrVerification", err)
	}
	if !strings.Contains(err.Error(), "upstream 503") {
		t.Errorf("元のエラーメッセージが含まれていない: %v", err)
	}
	if result != nil {
		t.Errorf("失敗時に結果を捏造してはならない: %+v", result)
	}
}

func TestVerify_NotConfiguredPropagates(t *testing.T) {
	gen := &stubGenerator{err: textgen.ErrNotConfigured}
	_, err := NewVerifier(gen, newTestLogger()).Verify(context.Background(), testArticles(), "NFL", "")
	if !errors.Is(err, textgen.ErrNotConfigured) || !errors.Is(err, ErrVerification) {
		t.Fatalf("err = %v", err)
	}
}

func TestVerify_UnparseableResponse(t *testing.T) {
	tests := []struct {
		name     string
		response string
		wantErr  error
	}{
		{
			name:     "JSONなし",
			response: "I could not verify these claims, sorry.",
			wantErr:  textgen.ErrNoJSON,
		},
		{
			name:     "出力上限で途切れた応答",
			response: `{"verified_facts":[{"claim":"The Lions signed a QB","sources":["r1-0-1","r1-1-1"],"confidence":"medium"},{"claim":"Deal worth 40M","sources":["r1-0-1"`,
			wantErr:  textgen.ErrNoJSON,
		},
		{
			name:     "分類フィールドのないオブジェクト",
			response: `{"claim":"The Lions signed a QB","sources":["r1-0-1"]}`,
			wantErr:  errMissingVerdict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &stubGenerator{response: tt.response}
			result, err := NewVerifier(gen, newTestLogger()).Verify(context.Background(), testArticles(), "NFL", "")
			if !errors.Is(err, ErrVerification) || !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if result != nil {
				t.Errorf("失敗時に結果を返してはならない: %+v", result)
			}
		})
	}
}

func TestVerify_EmptyVerdictIsValid(t *testing.T) {
	gen := &stubGenerator{response: `{"verified_facts":[],"disputed_facts":[],"confidence_score":0}`}
	result, err := NewVerifier(gen, newTestLogger()).Verify(context.Background(), testArticles(), "NFL", "")
	if err != nil {
		t.Fatalf("Verify がエラーを返した: %v", err)
	}
	if len(result.VerifiedFacts) != 0 || len(result.DisputedFacts) != 0 {
		t.Errorf("空の分類であるべき: %+v", result)
	}
}

func TestVerify_EmptyArticlesSkipsGenerator(t *testing.T) {
	gen := &stubGenerator{}
	result, err := NewVerifier(gen, newTestLogger()).Verify(context.Background(), nil, "NFL", "")
	if err != nil {
		t.Fatalf("Verify がエラーを返した: %v", err)
	}
	if gen.calls != 0 {
		t.Errorf("記事がない場合はテキスト生成を呼ばないべき: calls=%d", gen.calls)
	}
	if result.ConfidenceScore != 0 || result.VerifiedFacts == nil || result.DisputedFacts == nil {
		t.Errorf("空の結果であるべき: %+v", result)
	}
}
