package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Search
	SearchAPIKey     string
	SearchAPIURL     string
	SearchTimeout    time.Duration
	SearchRatePerSec float64
	SearchFeedURL    string

	// LLM
	LLMAPIKey    string
	LLMBaseURL   string
	LLMModel     string
	LLMTimeout   time.Duration
	LLMMaxTokens int

	// Pipeline
	PipelineTimeout       time.Duration
	TrustedSourceCacheTTL time.Duration

	// Enrichment
	EnrichTopN    int
	EnrichTimeout time.Duration
	EnrichMaxSize int64

	// Rate Limit（1分あたりの回数）
	RateLimitGeneral  int
	RateLimitPipeline int

	// Worker
	StaleRunThreshold time.Duration
	CleanupInterval   time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や、設定値の組み合わせが不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// 検索APIキーとLLM APIキーは呼び出し時に検査する。未設定でもマイグレーション等は動かせる。
	cfg.SearchAPIKey = os.Getenv("SEARCH_API_KEY")
	cfg.SearchAPIURL = getEnvString("SEARCH_API_URL", "")
	cfg.SearchTimeout = getEnvDuration("SEARCH_TIMEOUT", 30*time.Second)
	cfg.SearchRatePerSec = getEnvFloat("SEARCH_RATE_PER_SEC", 2)
	cfg.SearchFeedURL = getEnvString("SEARCH_FEED_URL", "")

	cfg.LLMAPIKey = os.Getenv("LLM_API_KEY")
	cfg.LLMBaseURL = getEnvString("LLM_BASE_URL", "")
	cfg.LLMModel = getEnvString("LLM_MODEL", "gpt-4o-mini")
	cfg.LLMTimeout = getEnvDuration("LLM_TIMEOUT", 45*time.Second)
	cfg.LLMMaxTokens = getEnvInt("LLM_MAX_TOKENS", 2000)

	cfg.PipelineTimeout = getEnvDuration("PIPELINE_TIMEOUT", 2*time.Minute)
	cfg.TrustedSourceCacheTTL = getEnvDuration("TRUSTED_SOURCE_CACHE_TTL", 5*time.Minute)

	cfg.EnrichTopN = getEnvInt("ENRICH_TOP_N", 3)
	cfg.EnrichTimeout = getEnvDuration("ENRICH_TIMEOUT", 10*time.Second)
	cfg.EnrichMaxSize = getEnvInt64("ENRICH_MAX_SIZE", 2<<20)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitPipeline = getEnvInt("RATE_LIMIT_PIPELINE", 6)

	cfg.StaleRunThreshold = getEnvDuration("STALE_RUN_THRESHOLD", 10*time.Minute)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 5*time.Minute)

	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", false)
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	// 実行中の行を回収する閾値が実行のタイムアウト以下だと、正常な実行まで失敗扱いになる。
	if cfg.StaleRunThreshold <= cfg.PipelineTimeout {
		return nil, fmt.Errorf("STALE_RUN_THRESHOLD (%s) must be greater than PIPELINE_TIMEOUT (%s)",
			cfg.StaleRunThreshold, cfg.PipelineTimeout)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
