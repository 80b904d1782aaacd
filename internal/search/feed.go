package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// feedRelevanceCeiling はフィード由来の結果に付ける関連度の上限。
// 主プロバイダーの上位結果より前に並ばないよう低めに抑える。
const feedRelevanceCeiling = 0.5

// FeedProvider はRSS/Atom形式のニュース検索フィードを補助プロバイダーとして使う。
// URLテンプレート中の "{query}" がURLエンコード済みのクエリに置き換えられる。
type FeedProvider struct {
	parser      *gofeed.Parser
	urlTemplate string
	logger      *slog.Logger
	now         func() time.Time
}

// NewFeedProvider はFeedProviderを生成する。
func NewFeedProvider(httpClient *http.Client, logger *slog.Logger, urlTemplate string) *FeedProvider {
	parser := gofeed.NewParser()
	parser.Client = httpClient
	parser.UserAgent = "Forge/1.0 Research Pipeline"

	return &FeedProvider{
		parser:      parser,
		urlTemplate: urlTemplate,
		logger:      logger,
		now:         time.Now,
	}
}

// Search はフィードを取得し、opts.Days日より古い項目を除いて最大opts.MaxResults件を返す。
// 関連度はフィード内の順位から減衰させて付与する。
func (p *FeedProvider) Search(ctx context.Context, query string, opts Options) ([]RawResult, error) {
	feedURL := strings.ReplaceAll(p.urlTemplate, "{query}", url.QueryEscape(query))

	feed, err := p.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("検索フィードの取得に失敗しました: %w", err)
	}

	cutoff := p.now().AddDate(0, 0, -opts.Days)
	results := make([]RawResult, 0, len(feed.Items))
	for _, item := range feed.Items {
		if len(results) >= opts.MaxResults {
			break
		}
		if item.Link == "" {
			continue
		}

		published := item.PublishedParsed
		if published == nil {
			published = item.UpdatedParsed
		}
		if published != nil && published.Before(cutoff) {
			continue
		}

		r := RawResult{
			Title:   item.Title,
			URL:     item.Link,
			Content: item.Description,
		}
		if published != nil {
			r.PublishedDate = published.UTC().Format(time.RFC3339)
		}
		if item.Image != nil {
			r.ImageURL = item.Image.URL
		}
		results = append(results, r)
	}

	for i := range results {
		score := feedRelevanceCeiling * (1 - float64(i)/float64(len(results)))
		results[i].Score = &score
	}

	p.logger.Debug("検索フィードを取得しました",
		slog.String("query", query),
		slog.Int("item_count", len(results)),
	)
	return results, nil
}
