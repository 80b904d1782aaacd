package trust

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/forge/internal/model"
	gocache "github.com/patrickmn/go-cache"
)

// lookupCacheKey はキャッシュ内のLookupスナップショットのキー。
const lookupCacheKey = "trusted_sources"

// SourceLister は信頼済みソースの全件取得に必要なインターフェース。
// repository.TrustedSourceRepositoryの部分集合として定義する。
type SourceLister interface {
	ListAll(ctx context.Context) ([]model.TrustedSource, error)
}

// Loader はリサーチ実行ごとにLookupを1回読み込む。
// 読み込んだスナップショットはTTLの間キャッシュし、同時実行される他の実行と共有する。
type Loader struct {
	lister SourceLister
	cache  *gocache.Cache
	logger *slog.Logger
}

// NewLoader はLoaderを生成する。ttlが0以下の場合はキャッシュしない。
func NewLoader(lister SourceLister, ttl time.Duration, logger *slog.Logger) *Loader {
	l := &Loader{
		lister: lister,
		logger: logger,
	}
	if ttl > 0 {
		l.cache = gocache.New(ttl, 2*ttl)
	}
	return l
}

// Load は信頼済みソースのスナップショットを返す。
// 返されたLookupは読み取り専用として扱うこと。
func (l *Loader) Load(ctx context.Context) (Lookup, error) {
	if l.cache != nil {
		if v, found := l.cache.Get(lookupCacheKey); found {
			return v.(Lookup), nil
		}
	}

	sources, err := l.lister.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("信頼済みソースの読み込みに失敗しました: %w", err)
	}

	lookup := NewLookup(sources)
	if l.cache != nil {
		l.cache.Set(lookupCacheKey, lookup, gocache.DefaultExpiration)
	}

	l.logger.Debug("信頼済みソースを読み込みました",
		slog.Int("count", len(lookup)),
	)
	return lookup, nil
}

// Invalidate はキャッシュ済みスナップショットを破棄する。
// 信頼済みソースのインポート後に呼び出す。
func (l *Loader) Invalidate() {
	if l.cache != nil {
		l.cache.Delete(lookupCacheKey)
	}
}
