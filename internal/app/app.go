package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/kenta/digestman/internal/config"
	"github.com/kenta/digestman/internal/database"
	"github.com/kenta/digestman/internal/digest"
	"github.com/kenta/digestman/internal/handler"
	"github.com/kenta/digestman/internal/ledger"
	"github.com/kenta/digestman/internal/logger"
	"github.com/kenta/digestman/internal/mailer"
	"github.com/kenta/digestman/internal/metrics"
	"github.com/kenta/digestman/internal/repository"
	"github.com/kenta/digestman/internal/security"
)

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

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandDigest:
		return runDigest(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// pipeline はダイジェストパスの依存関係一式。
type pipeline struct {
	db           *sql.DB
	rdb          *redis.Client
	orchestrator *digest.Orchestrator
	registry     *prometheus.Registry
}

// close は保持している接続を閉じる。
func (p *pipeline) close() {
	p.rdb.Close()
	p.db.Close()
}

// buildPipeline はDB・Redis接続を開き、ダイジェストパスの全依存関係をワイヤリングする。
func buildPipeline(cfg *config.Config) (*pipeline, error) {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. Redis接続（配信台帳）
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("redis connection established")

	// 3. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	sendLogRepo := repository.NewPostgresSendLogRepo(db)
	articleRepo := repository.NewPostgresArticleRepo(db)
	settingsRepo := repository.NewPostgresSettingsRepo(db)

	// 4. ドメインサービスの初期化
	analyzer := digest.NewAnalyzer(sendLogRepo, articleRepo)

	sanitizer := security.NewSummarySanitizer()
	smtpMailer := mailer.NewSMTPMailer(mailer.Config{
		Addr:              cfg.SMTPAddr,
		Username:          cfg.SMTPUsername,
		Password:          cfg.SMTPPassword,
		From:              cfg.MailFrom,
		BaseURL:           cfg.BaseURL,
		UnsubscribeSecret: cfg.UnsubscribeSecret,
		Rate:              cfg.DeliveryRate,
		Burst:             cfg.DeliveryBurst,
	}, sendLogRepo, sanitizer, slog.Default())

	deliveryLedger := ledger.NewRedisLedger(rdb)

	intervalSource := digest.NewSettingsIntervalSource(settingsRepo, digest.Config{
		MinIntervalDays: cfg.DigestMinIntervalDays,
		MaxIntervalDays: cfg.DigestMaxIntervalDays,
	})

	// 5. メトリクスの初期化
	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)

	// 6. オーケストレータの構築
	orchestrator := digest.NewOrchestrator(
		userRepo, analyzer, smtpMailer, deliveryLedger, intervalSource,
		recorder, slog.Default(), cfg.DigestBatchSize, cfg.DigestMaxConcurrent,
	)

	return &pipeline{
		db:           db,
		rdb:          rdb,
		orchestrator: orchestrator,
		registry:     registry,
	}, nil
}

// runServe は運用APIサーバーモードで起動する。
// ヘルスチェック・メトリクス公開・ダイジェストパスの手動起動を提供する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	p, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	defer p.close()

	router := handler.NewRouter(&handler.RouterDeps{
		DB:      p.db,
		Metrics: metrics.Handler(p.registry),
		Runner:  p.orchestrator,
		Logger:  slog.Default(),
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("ops server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down ops server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("ops server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// ダイジェストパスを定期実行するスケジューラを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	p, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	defer p.close()

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

	slog.Info("worker starting",
		slog.Duration("pass_interval", cfg.DigestPassInterval),
		slog.Int("batch_size", cfg.DigestBatchSize),
		slog.Int("max_concurrent", cfg.DigestMaxConcurrent),
	)

	// ダイジェストパススケジューラをメインgoroutineで実行（ブロッキング）
	p.orchestrator.Start(ctx, cfg.DigestPassInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runDigest はダイジェストパスを1回だけ実行して終了する。
// cronからの起動や障害後の手動再実行用。
func runDigest(cfg *config.Config) error {
	p, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	defer p.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := p.orchestrator.RunOnce(ctx); err != nil {
		return fmt.Errorf("digest pass failed: %w", err)
	}

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

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
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
