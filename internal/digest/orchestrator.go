package digest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kenta/digestman/internal/model"
	"github.com/kenta/digestman/internal/repository"
)

// AnalyzerService はダイジェスト分析の実行インターフェース。
type AnalyzerService interface {
	// Analyze は1ユーザーのダイジェスト判定を行う。
	Analyze(ctx context.Context, user *model.User, cfg Config) (*model.DigestDecision, error)
}

// Deliverer はダイジェストメール配信のインターフェース。
// 描画・送信・送信記録のブッキーピングは配信側の責務。
type Deliverer interface {
	Deliver(ctx context.Context, user *model.User, articles []*model.Article) error
}

// DeliveryLedger はパス内の配信済みマーカーのインターフェース。
// 中断したパスを再実行しても同一期間内の二重配信を防ぐ。
type DeliveryLedger interface {
	// IsDelivered は指定期間に指定ユーザーへ配信済みかを返す。
	IsDelivered(ctx context.Context, period, userID string) (bool, error)
	// MarkDelivered は指定期間の配信済みマーカーを記録する。
	MarkDelivered(ctx context.Context, period, userID string) error
}

// IntervalSource は送信間隔の上下限の解決インターフェース。
// パスごとに読み直されるため、再デプロイなしに値を変更できる。
type IntervalSource interface {
	IntervalBounds(ctx context.Context) (Config, error)
}

// MetricsRecorder はダイジェストパスのメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordUserEvaluated()
	RecordDigestSent()
	RecordSkippedNotReady()
	RecordAnalyzeFailure()
	RecordDeliveryFailure()
	RecordPassDuration(d time.Duration)
}

// Orchestrator はオプトインユーザー全体のダイジェストパスを実行する。
// 固定サイズのバッチでユーザーをストリーミングし、semaphoreパターンで
// 並列数を制御しながら分析と配信を行う。ユーザー単位の障害は隔離され、
// 1ユーザーの失敗が同一パスの他ユーザーの評価・配信を妨げることはない。
type Orchestrator struct {
	userRepo       repository.UserRepository
	analyzer       AnalyzerService
	deliverer      Deliverer
	ledger         DeliveryLedger
	intervals      IntervalSource
	metrics        MetricsRecorder
	logger         *slog.Logger
	batchSize      int
	maxConcurrency int
	now            func() time.Time
}

// NewOrchestrator はOrchestratorの新しいインスタンスを生成する。
// batchSizeが0以下の場合はデフォルト値200、maxConcurrencyが0以下の場合は
// デフォルト値10を使用する。
func NewOrchestrator(
	userRepo repository.UserRepository,
	analyzer AnalyzerService,
	deliverer Deliverer,
	ledger DeliveryLedger,
	intervals IntervalSource,
	metrics MetricsRecorder,
	logger *slog.Logger,
	batchSize int,
	maxConcurrency int,
) *Orchestrator {
	if batchSize <= 0 {
		batchSize = 200
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Orchestrator{
		userRepo:       userRepo,
		analyzer:       analyzer,
		deliverer:      deliverer,
		ledger:         ledger,
		intervals:      intervals,
		metrics:        metrics,
		logger:         logger,
		batchSize:      batchSize,
		maxConcurrency: maxConcurrency,
		now:            time.Now,
	}
}

// passStats は1パス分のカウンタ。バッチをまたいで集計する。
type passStats struct {
	evaluated int64
	sent      int64
	skipped   int64
	failed    int64
}

// Start はティッカーでダイジェストパスを定期実行する。
// 起動直後に1回実行し、以降はinterval間隔で実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (o *Orchestrator) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.Info("ダイジェストパススケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("batch_size", o.batchSize),
		slog.Int("max_concurrency", o.maxConcurrency),
	)

	if err := o.RunOnce(ctx); err != nil {
		o.logger.Error("ダイジェストパスの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("ダイジェストパススケジューラを停止しました")
			return
		case <-ticker.C:
			if err := o.RunOnce(ctx); err != nil {
				o.logger.Error("ダイジェストパスの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はオプトイン人口全体に対して1回のダイジェストパスを実行する。
// ユーザーはキーセットページネーションのバッチで逐次取得されるため、
// 人口が大きくてもメモリ使用は一定に収まる。
// 人口ストリーム自体の取得失敗はパス全体のエラーとして返す。
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	start := o.now()

	cfg, err := o.resolveIntervalBounds(ctx)
	if err != nil {
		return err
	}

	period := passPeriod(start.UTC())
	stats := &passStats{}

	o.logger.Info("ダイジェストパスを開始します",
		slog.String("period", period),
		slog.Int("min_interval_days", cfg.MinIntervalDays),
		slog.Int("max_interval_days", cfg.MaxIntervalDays),
	)

	afterID := ""
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		users, err := o.userRepo.ListDigestOptIn(ctx, afterID, o.batchSize)
		if err != nil {
			return fmt.Errorf("オプトインユーザーの取得に失敗しました: %w", err)
		}
		if len(users) == 0 {
			break
		}

		o.processBatch(ctx, users, cfg, period, stats)

		afterID = users[len(users)-1].ID
		if len(users) < o.batchSize {
			break
		}
	}

	o.finishPass(start, period, stats)
	return nil
}

// RunUsers は明示的に指定されたユーザー列に対してダイジェストパスを実行する。
// 人口解決をスキップする以外はRunOnceと同じ動作。
func (o *Orchestrator) RunUsers(ctx context.Context, users []*model.User) error {
	start := o.now()

	cfg, err := o.resolveIntervalBounds(ctx)
	if err != nil {
		return err
	}

	period := passPeriod(start.UTC())
	stats := &passStats{}

	o.processBatch(ctx, users, cfg, period, stats)

	o.finishPass(start, period, stats)
	return nil
}

// resolveIntervalBounds は間隔の上下限を解決して検証する。
func (o *Orchestrator) resolveIntervalBounds(ctx context.Context) (Config, error) {
	cfg, err := o.intervals.IntervalBounds(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("送信間隔設定の解決に失敗しました: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("送信間隔設定が不正です: %w", err)
	}
	return cfg, nil
}

// processBatch は1バッチ分のユーザーをsemaphoreパターンの並列数制御で処理する。
func (o *Orchestrator) processBatch(ctx context.Context, users []*model.User, cfg Config, period string, stats *passStats) {
	sem := make(chan struct{}, o.maxConcurrency)
	var wg sync.WaitGroup

	for _, user := range users {
		wg.Add(1)
		sem <- struct{}{}

		go func(u *model.User) {
			defer wg.Done()
			defer func() { <-sem }()

			o.processUser(ctx, u, cfg, period, stats)
		}(user)
	}

	wg.Wait()
}

// processUser は1ユーザーの評価と条件付き配信を行う。
// ここがユーザー単位の障害隔離境界であり、分析・配信いずれの失敗も
// ログとメトリクスに記録した上で握りつぶし、ストリームを継続させる。
func (o *Orchestrator) processUser(ctx context.Context, user *model.User, cfg Config, period string, stats *passStats) {
	atomic.AddInt64(&stats.evaluated, 1)
	o.metrics.RecordUserEvaluated()

	decision, err := o.analyzer.Analyze(ctx, user, cfg)
	if err != nil {
		atomic.AddInt64(&stats.failed, 1)
		o.metrics.RecordAnalyzeFailure()
		o.logger.Error("ユーザーの分析に失敗しました",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if !decision.Ready {
		// 送信対象外はエラーではない。次パスで再評価される。
		atomic.AddInt64(&stats.skipped, 1)
		o.metrics.RecordSkippedNotReady()
		return
	}

	// 同一期間の配信済みマーカーを確認する。中断したパスの再実行時に
	// 二重配信しないための冪等化で、台帳の読み取りに失敗した場合も
	// 安全側に倒してこのユーザーをスキップする。
	delivered, err := o.ledger.IsDelivered(ctx, period, user.ID)
	if err != nil {
		atomic.AddInt64(&stats.failed, 1)
		o.logger.Error("配信台帳の確認に失敗しました",
			slog.String("user_id", user.ID),
			slog.String("period", period),
			slog.String("error", err.Error()),
		)
		return
	}
	if delivered {
		atomic.AddInt64(&stats.skipped, 1)
		return
	}

	// 配信直前のオプトイン再確認。バッチ取得時点と配信時点でオプトイン状態は
	// 独立に変わりうるため、最新の行を読み直して確認する。読み直しに失敗した
	// 場合も安全側に倒してこのユーザーをスキップする。
	fresh, err := o.userRepo.FindByID(ctx, user.ID)
	if err != nil {
		atomic.AddInt64(&stats.failed, 1)
		o.logger.Error("配信前のユーザー再取得に失敗しました",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if fresh == nil || !fresh.DigestOptIn {
		// 選定後に削除またはオプトアウトしたユーザー
		atomic.AddInt64(&stats.skipped, 1)
		return
	}

	if err := o.deliverer.Deliver(ctx, fresh, decision.Articles); err != nil {
		atomic.AddInt64(&stats.failed, 1)
		o.metrics.RecordDeliveryFailure()
		o.logger.Error("ダイジェストの配信に失敗しました",
			slog.String("user_id", user.ID),
			slog.Int("article_count", len(decision.Articles)),
			slog.String("error", err.Error()),
		)
		return
	}

	atomic.AddInt64(&stats.sent, 1)
	o.metrics.RecordDigestSent()

	if err := o.ledger.MarkDelivered(ctx, period, user.ID); err != nil {
		// マーカーの記録失敗は配信自体の失敗ではない。送信記録が先に
		// 作成されているため、再実行しても時間ゲートで弾かれる。
		o.logger.Warn("配信台帳の記録に失敗しました",
			slog.String("user_id", user.ID),
			slog.String("period", period),
			slog.String("error", err.Error()),
		)
	}

	o.logger.Info("ダイジェストを配信しました",
		slog.String("user_id", user.ID),
		slog.Int("article_count", len(decision.Articles)),
		slog.Float64("open_rate", decision.OpenRate),
		slog.Int("interval_days", decision.IntervalDays),
	)
}

// finishPass はパス完了のログとメトリクスを記録する。
func (o *Orchestrator) finishPass(start time.Time, period string, stats *passStats) {
	duration := o.now().Sub(start)
	o.metrics.RecordPassDuration(duration)

	o.logger.Info("ダイジェストパスが完了しました",
		slog.String("period", period),
		slog.Int64("users_evaluated", atomic.LoadInt64(&stats.evaluated)),
		slog.Int64("digests_sent", atomic.LoadInt64(&stats.sent)),
		slog.Int64("users_skipped", atomic.LoadInt64(&stats.skipped)),
		slog.Int64("users_failed", atomic.LoadInt64(&stats.failed)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

// passPeriod は配信台帳のキーに使う日単位の期間識別子を返す。
func passPeriod(now time.Time) string {
	return now.Format("2006-01-02")
}
