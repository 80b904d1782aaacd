package enrich

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
)

// robotsCacheTTL はホストごとのrobots.txtを保持する期間。
const robotsCacheTTL = time.Hour

// robotsChecker はrobots.txtに従って取得可否を判定する。
// 取得できなかったrobots.txtは許可として扱う。
type robotsChecker struct {
	httpClient *http.Client
	userAgent  string
	cache      *gocache.Cache
}

func newRobotsChecker(httpClient *http.Client, userAgent string) *robotsChecker {
	return &robotsChecker{
		httpClient: httpClient,
		userAgent:  userAgent,
		cache:      gocache.New(robotsCacheTTL, 2*robotsCacheTTL),
	}
}

// Allowed はrawURLの取得がrobots.txtで許可されているかを返す。
func (r *robotsChecker) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	data, err := r.get(ctx, parsed)
	if err != nil {
		return true
	}
	return data.TestAgent(parsed.EscapedPath(), r.userAgent)
}

func (r *robotsChecker) get(ctx context.Context, u *url.URL) (*robotstxt.RobotsData, error) {
	key := u.Scheme + "://" + u.Host
	if v, found := r.cache.Get(key); found {
		return v.(*robotstxt.RobotsData), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("robots.txtリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("robots.txtの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	// FromResponseはステータスに応じて全許可・全拒否を判断する
	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("robots.txtの解析に失敗しました: %w", err)
	}

	r.cache.Set(key, data, gocache.DefaultExpiration)
	return data, nil
}
