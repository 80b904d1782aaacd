// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// stageBuckets は段階ごとの所要時間のバケット。LLM呼び出しを含む段階は数十秒かかる。
var stageBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45, 90}

// Collector はPrometheusメトリクスを収集する実装。
// 検索クライアント、テキスト生成、オーケストレーター、パイプライン、クリーンアップの各記録インターフェースを満たす。
type Collector struct {
	pipelineRuns   *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	searchRequests *prometheus.CounterVec
	llmCalls       *prometheus.CounterVec
	staleReaped    prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_pipeline_runs_total",
			Help: "終了したリサーチ実行の数（status別）",
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forge_stage_duration_seconds",
			Help:    "オーケストレーターの段階ごとの所要時間（秒）",
			Buckets: stageBuckets,
		}, []string{"stage"}),
		searchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_search_requests_total",
			Help: "検索プロバイダーへのリクエスト数（結果別）",
		}, []string{"status"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_llm_calls_total",
			Help: "テキスト生成の呼び出し数（用途・結果別）",
		}, []string{"purpose", "status"}),
		staleReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forge_stale_runs_reaped_total",
			Help: "実行中のまま放置されfailedに変更されたリサーチ行の数",
		}),
	}

	reg.MustRegister(
		c.pipelineRuns,
		c.stageDuration,
		c.searchRequests,
		c.llmCalls,
		c.staleReaped,
	)
	return c
}

// RecordPipelineRun はリサーチ実行の終了を記録する。
func (c *Collector) RecordPipelineRun(status string) {
	c.pipelineRuns.WithLabelValues(status).Inc()
}

// ObserveStage は段階の所要時間を記録する。
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordSearchRequest は検索リクエストの結果を記録する。
func (c *Collector) RecordSearchRequest(status string) {
	c.searchRequests.WithLabelValues(status).Inc()
}

// RecordLLMCall はテキスト生成の呼び出し結果を記録する。
func (c *Collector) RecordLLMCall(purpose, status string) {
	c.llmCalls.WithLabelValues(purpose, status).Inc()
}

// RecordStaleRunsReaped はfailedに変更した放置行の数を記録する。
func (c *Collector) RecordStaleRunsReaped(count int) {
	if count > 0 {
		c.staleReaped.Add(float64(count))
	}
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
