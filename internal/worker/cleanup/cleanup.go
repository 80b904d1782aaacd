// Package cleanup は実行中のまま放置されたリサーチ行を回収するジョブを提供する。
//
// リサーチ実行はAPIプロセス内のゴルーチンで動くため、プロセスが途中で落ちると
// project_researchの行がrunningのまま残り、そのプロジェクトでは再実行できなくなる。
// このジョブは一定時間更新のないrunning行をfailedに変更して、実行中ガードを解放する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultThreshold はrunningのまま放置されたとみなすまでの時間。
	// パイプライン全体のタイムアウトより十分長くする。
	DefaultThreshold = 10 * time.Minute
	// DefaultInterval はジョブの実行間隔。
	DefaultInterval = 5 * time.Minute

	// staleErrorMessage は回収した行に記録するエラーメッセージ。
	staleErrorMessage = "リサーチ実行が完了しないまま中断されました"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ReapRecorder は回収件数を記録するインターフェース。
type ReapRecorder interface {
	RecordStaleRunsReaped(count int)
}

// StaleRunReaper は放置されたrunning行をfailedに変更するジョブ。
// 何度実行しても結果は変わらない。
type StaleRunReaper struct {
	db        Executor
	logger    *slog.Logger
	recorder  ReapRecorder
	Threshold time.Duration
}

// NewStaleRunReaper は新しいStaleRunReaperを生成する。recorderはnilでもよい。
func NewStaleRunReaper(db Executor, logger *slog.Logger, recorder ReapRecorder, threshold time.Duration) *StaleRunReaper {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &StaleRunReaper{
		db:        db,
		logger:    logger.With(slog.String("component", "stale_run_reaper")),
		recorder:  recorder,
		Threshold: threshold,
	}
}

// Run はupdated_atがThresholdより古いrunning行をfailedに変更し、変更した件数を返す。
func (j *StaleRunReaper) Run(ctx context.Context) (int64, error) {
	start := time.Now()
	interval := fmt.Sprintf("%d seconds", int64(j.Threshold/time.Second))

	result, err := j.db.ExecContext(ctx,
		`UPDATE project_research
		 SET status = 'failed', error_message = $2, updated_at = now()
		 WHERE status = 'running' AND updated_at < now() - $1::interval`,
		interval, staleErrorMessage,
	)
	if err != nil {
		j.logger.Error("放置されたリサーチ行の回収に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("threshold", j.Threshold),
		)
		return 0, fmt.Errorf("放置されたリサーチ行の回収に失敗: %w", err)
	}

	reaped, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if j.recorder != nil {
		j.recorder.RecordStaleRunsReaped(int(reaped))
	}

	level := slog.LevelDebug
	if reaped > 0 {
		level = slog.LevelWarn
	}
	j.logger.Log(ctx, level, "放置されたリサーチ行の回収が完了しました",
		slog.Int64("reaped_count", reaped),
		slog.Duration("threshold", j.Threshold),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return reaped, nil
}

// Start は起動直後に1回実行し、その後intervalごとに実行する。ctxがキャンセルされるまでブロックする。
// 個々の実行の失敗はログに記録して次の周期に持ち越す。
func (j *StaleRunReaper) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}
