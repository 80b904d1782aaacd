package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/forge/internal/config"
	"github.com/hitoshi/forge/internal/database"
	"github.com/hitoshi/forge/internal/enrich"
	"github.com/hitoshi/forge/internal/handler"
	"github.com/hitoshi/forge/internal/keyword"
	"github.com/hitoshi/forge/internal/logger"
	"github.com/hitoshi/forge/internal/metrics"
	"github.com/hitoshi/forge/internal/middleware"
	"github.com/hitoshi/forge/internal/orchestrator"
	"github.com/hitoshi/forge/internal/pipeline"
	"github.com/hitoshi/forge/internal/repository"
	"github.com/hitoshi/forge/internal/search"
	"github.com/hitoshi/forge/internal/security"
	"github.com/hitoshi/forge/internal/sources"
	"github.com/hitoshi/forge/internal/textgen"
	"github.com/hitoshi/forge/internal/trust"
	"github.com/hitoshi/forge/internal/verify"
	"github.com/hitoshi/forge/internal/worker/cleanup"
)

// shutdownTimeout はシグナル受信後、実行中のリクエストとリサーチの完了を待つ上限時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルの反映
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		slog.Warn("LOG_LEVELが不正なためinfoで出力します", slog.String("error", err.Error()))
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	// import-sources は引数の不足をDB接続前に検出する
	var sourcesFile string
	if cmd == CommandImportSources {
		if len(args) < 2 || args[1] == "" {
			return errors.New("usage: forge import-sources <file.yaml>")
		}
		sourcesFile = args[1]
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandImportSources:
		return runImportSources(cfg, sourcesFile)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
// SIGHUPを受信すると信頼済みソースのキャッシュを破棄する。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	sessionRepo := repository.NewPostgresSessionRepo(db)
	projectRepo := repository.NewPostgresProjectRepo(db)
	researchRepo := repository.NewPostgresResearchRepo(db)
	sourceRepo := repository.NewPostgresTrustedSourceRepo(db)

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	// 4. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewTextSanitizer()

	// 5. 検索クライアントの初期化
	searchHTTP := &http.Client{Timeout: cfg.SearchTimeout}
	primary := search.NewTavilyProvider(searchHTTP, slog.Default(), cfg.SearchAPIKey, cfg.SearchAPIURL, cfg.SearchTimeout)
	searchCfg := search.ClientConfig{
		Sanitizer:     sanitizer,
		Recorder:      collector,
		RatePerSecond: cfg.SearchRatePerSec,
	}
	if cfg.SearchFeedURL != "" {
		searchCfg.Supplementary = search.NewFeedProvider(searchHTTP, slog.Default(), cfg.SearchFeedURL)
	}
	searchClient := search.NewClient(primary, slog.Default(), searchCfg)

	// 6. テキスト生成とその利用者の初期化
	generator := textgen.NewOpenAIGenerator(textgen.Config{
		APIKey:    cfg.LLMAPIKey,
		BaseURL:   cfg.LLMBaseURL,
		Model:     cfg.LLMModel,
		Timeout:   cfg.LLMTimeout,
		MaxTokens: cfg.LLMMaxTokens,
	}, slog.Default(), collector)
	verifier := verify.NewVerifier(generator, slog.Default())
	discoverer := keyword.NewDiscoverer(generator, slog.Default())

	// 7. 本文取得の初期化（SSRF対策済みクライアントを使う）
	enricher := enrich.NewEnricher(
		ssrfGuard.NewSafeClient(cfg.EnrichTimeout, cfg.EnrichMaxSize),
		ssrfGuard, sanitizer, slog.Default(),
		enrich.Config{TopN: cfg.EnrichTopN, Timeout: cfg.EnrichTimeout},
	)

	// 8. オーケストレーターとパイプラインサービスの初期化
	trustLoader := trust.NewLoader(sourceRepo, cfg.TrustedSourceCacheTTL, slog.Default())
	orch := orchestrator.NewOrchestrator(orchestrator.Deps{
		Searcher: searchClient,
		Lookup:   trustLoader,
		Verifier: verifier,
		Keywords: discoverer,
		Enricher: enricher,
		Recorder: collector,
		Logger:   slog.Default(),
	})
	pipelineService := pipeline.NewService(projectRepo, researchRepo, orch, collector, slog.Default(),
		pipeline.Config{Timeout: cfg.PipelineTimeout})

	// 9. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitPipeline))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter:     rateLimiter,
		ResearchService: pipelineService,
		HealthChecker:   db,
		MetricsHandler:  metrics.Handler(registry),
		Logger:          slog.Default(),
	})

	// 10. HTTPサーバーの起動
	// イベントストリームはリサーチ実行の間ずっと書き込むため、WriteTimeoutは設定しない。
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

wait:
	for {
		select {
		case <-reload:
			trustLoader.Invalidate()
			slog.Info("trusted source cache invalidated")
		case err := <-serverErr:
			return fmt.Errorf("server listen error: %w", err)
		case <-stop:
			break wait
		}
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	// 切断後もバックグラウンドで続いているリサーチの保存を待つ
	if err := pipelineService.Shutdown(ctx); err != nil {
		slog.Warn("in-flight research runs did not finish before shutdown", slog.String("error", err.Error()))
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、放置されたリサーチ行の回収ジョブを定期実行する。
// ヘルスチェックとメトリクスのためにSERVER_PORTで小さなHTTPサーバーも起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. 回収ジョブの初期化
	reaper := cleanup.NewStaleRunReaper(db, slog.Default(), collector, cfg.StaleRunThreshold)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	// 4. ヘルスチェックとメトリクスのHTTPサーバー
	r := chi.NewRouter()
	health := handler.NewHealthHandler(db)
	r.Get("/healthz", health.Live)
	r.Get("/readyz", health.Ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(registry))
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker http server error", slog.String("error", err.Error()))
		}
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("stale_run_threshold", cfg.StaleRunThreshold),
	)

	// 回収ジョブをメインgoroutineで実行（ブロッキング）
	reaper.Start(ctx, cfg.CleanupInterval)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.CurrentVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runImportSources はYAMLファイルの信頼済みソースをデータベースに取り込む。
// 稼働中のAPIサーバーにはSIGHUPを送るとキャッシュTTLを待たずに反映される。
func runImportSources(cfg *config.Config, path string) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	importer := sources.NewImporter(repository.NewPostgresTrustedSourceRepo(db), slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := importer.ImportFile(ctx, path)
	if err != nil {
		return fmt.Errorf("import failed after %d sources: %w", n, err)
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
