package verify

import (
	"fmt"
	"strings"

	"github.com/hitoshi/forge/internal/model"
)

const systemPrompt = `You are a meticulous newsroom fact-checker. You never guess. When a claim is ambiguous or rests on a single source, you mark it as disputed.`

const promptTemplate = `Cross-verify the factual claims in the articles below for the topic %q.
%s
Follow this process:
1. Extract the concrete factual claims from each article (people, teams, numbers, dates, quotes, transactions).
2. Compare every claim against ALL other articles.
3. Put each claim into exactly one bucket:
   - verified: corroborated by at least 2 distinct articles with consistent details, or by 1 article whose trust is 0.90 or higher when the claim contains no numbers and no quotes.
   - disputed: only one article supports it, or articles disagree on its details. Numeric and quoted claims from a single article are ALWAYS disputed.
4. Confidence per claim: "high" when 3 or more articles agree, "medium" for 2 articles or 1 high-trust article, "low" for every disputed claim.
5. Give an overall confidence_score from 0 to 100 for how well this research set is corroborated.

Cite articles by the id shown in square brackets.

Articles:
%s
Respond with ONLY a JSON object in this shape:
{"verified_facts":[{"claim":"...","sources":["<id>","<id>"],"confidence":"high"}],"disputed_facts":[{"claim":"...","sources":["<id>"],"reason":"...","confidence":"low"}],"confidence_score":0}`

// buildPrompt は検証用プロンプトを組み立てる。
func buildPrompt(articles []model.ResearchArticle, topic, extraContext string) string {
	contextLine := ""
	if strings.TrimSpace(extraContext) != "" {
		contextLine = "Additional context: " + strings.TrimSpace(extraContext) + "\n"
	}

	var b strings.Builder
	for _, a := range articles {
		fmt.Fprintf(&b, "[%s] %s (source: %s, trust: %.2f, published: %s)\n",
			a.ID, a.Title, a.Source, a.TrustScore, a.PublishedDate.Format("2006-01-02"))
		fmt.Fprintf(&b, "URL: %s\n", a.URL)
		if a.Description != "" {
			fmt.Fprintf(&b, "Summary: %s\n", a.Description)
		}
		if a.FullContent != nil && *a.FullContent != "" {
			fmt.Fprintf(&b, "Excerpt: %s\n", truncateRunes(*a.FullContent, excerptRunes))
		}
		b.WriteString("\n")
	}

	return fmt.Sprintf(promptTemplate, topic, contextLine, b.String())
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
