package digest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kenta/digestman/internal/model"
)

type mockUserRepo struct {
	findByIDFunc func(ctx context.Context, id string) (*model.User, error)
	listFunc     func(ctx context.Context, afterID string, limit int) ([]*model.User, error)
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) ListDigestOptIn(ctx context.Context, afterID string, limit int) ([]*model.User, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, afterID, limit)
	}
	return nil, nil
}

type mockAnalyzer struct {
	analyzeFunc func(ctx context.Context, user *model.User, cfg Config) (*model.DigestDecision, error)
}

func (m *mockAnalyzer) Analyze(ctx context.Context, user *model.User, cfg Config) (*model.DigestDecision, error) {
	if m.analyzeFunc != nil {
		return m.analyzeFunc(ctx, user, cfg)
	}
	return &model.DigestDecision{Ready: true, Articles: makeArticles(3)}, nil
}

type mockDeliverer struct {
	deliverFunc func(ctx context.Context, user *model.User, articles []*model.Article) error
}

func (m *mockDeliverer) Deliver(ctx context.Context, user *model.User, articles []*model.Article) error {
	if m.deliverFunc != nil {
		return m.deliverFunc(ctx, user, articles)
	}
	return nil
}

type mockLedger struct {
	mu        sync.Mutex
	delivered map[string]bool

	isDeliveredFunc   func(ctx context.Context, period, userID string) (bool, error)
	markDeliveredFunc func(ctx context.Context, period, userID string) error
}

func newMockLedger() *mockLedger {
	return &mockLedger{delivered: make(map[string]bool)}
}

func (m *mockLedger) IsDelivered(ctx context.Context, period, userID string) (bool, error) {
	if m.isDeliveredFunc != nil {
		return m.isDeliveredFunc(ctx, period, userID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delivered[period+":"+userID], nil
}

func (m *mockLedger) MarkDelivered(ctx context.Context, period, userID string) error {
	if m.markDeliveredFunc != nil {
		return m.markDeliveredFunc(ctx, period, userID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered[period+":"+userID] = true
	return nil
}

type staticIntervalSource struct {
	cfg Config
	err error
}

func (s *staticIntervalSource) IntervalBounds(ctx context.Context) (Config, error) {
	if s.err != nil {
		return Config{}, s.err
	}
	return s.cfg, nil
}

type countingMetrics struct {
	evaluated        atomic.Int64
	sent             atomic.Int64
	skipped          atomic.Int64
	analyzeFailures  atomic.Int64
	deliveryFailures atomic.Int64
	passDurations    atomic.Int64
}

func (c *countingMetrics) RecordUserEvaluated()               { c.evaluated.Add(1) }
func (c *countingMetrics) RecordDigestSent()                  { c.sent.Add(1) }
func (c *countingMetrics) RecordSkippedNotReady()             { c.skipped.Add(1) }
func (c *countingMetrics) RecordAnalyzeFailure()              { c.analyzeFailures.Add(1) }
func (c *countingMetrics) RecordDeliveryFailure()             { c.deliveryFailures.Add(1) }
func (c *countingMetrics) RecordPassDuration(d time.Duration) { c.passDurations.Add(1) }

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

func makeUsers(n int) []*model.User {
	users := make([]*model.User, 0, n)
	for i := 0; i < n; i++ {
		users = append(users, &model.User{
			ID:          fmt.Sprintf("u-%03d", i),
			Email:       fmt.Sprintf("u%d@example.com", i),
			DigestOptIn: true,
		})
	}
	return users
}

type orchestratorFixture struct {
	userRepo  *mockUserRepo
	analyzer  *mockAnalyzer
	deliverer *mockDeliverer
	ledger    *mockLedger
	metrics   *countingMetrics
}

func newFixture() *orchestratorFixture {
	f := &orchestratorFixture{
		userRepo:  &mockUserRepo{},
		analyzer:  &mockAnalyzer{},
		deliverer: &mockDeliverer{},
		ledger:    newMockLedger(),
		metrics:   &countingMetrics{},
	}
	// 配信前の再取得はデフォルトでオプトイン継続中の行を返す
	f.userRepo.findByIDFunc = func(ctx context.Context, id string) (*model.User, error) {
		return &model.User{ID: id, Email: id + "@example.com", DigestOptIn: true}, nil
	}
	return f
}

func (f *orchestratorFixture) build(batchSize, maxConcurrency int) *Orchestrator {
	return NewOrchestrator(
		f.userRepo, f.analyzer, f.deliverer, f.ledger,
		&staticIntervalSource{cfg: testConfig()},
		f.metrics, newTestLogger(), batchSize, maxConcurrency,
	)
}

func TestRunUsers_DeliversReadyUsers(t *testing.T) {
	f := newFixture()

	var deliveredMu sync.Mutex
	var delivered []string
	f.deliverer.deliverFunc = func(ctx context.Context, user *model.User, articles []*model.Article) error {
		deliveredMu.Lock()
		defer deliveredMu.Unlock()
		delivered = append(delivered, user.ID)
		return nil
	}

	o := f.build(10, 2)
	if err := o.RunUsers(context.Background(), makeUsers(5)); err != nil {
		t.Fatalf("RunUsers() error = %v", err)
	}

	if len(delivered) != 5 {
		t.Errorf("配信数 = %d, want 5", len(delivered))
	}
	if got := f.metrics.sent.Load(); got != 5 {
		t.Errorf("sent metric = %d, want 5", got)
	}
	if got := f.metrics.evaluated.Load(); got != 5 {
		t.Errorf("evaluated metric = %d, want 5", got)
	}
}

func TestRunUsers_AnalyzeFailureIsolated(t *testing.T) {
	f := newFixture()

	f.analyzer.analyzeFunc = func(ctx context.Context, user *model.User, cfg Config) (*model.DigestDecision, error) {
		if user.ID == "u-001" {
			return nil, errors.New("analysis blew up")
		}
		return &model.DigestDecision{Ready: true, Articles: makeArticles(3)}, nil
	}

	var sent atomic.Int64
	f.deliverer.deliverFunc = func(ctx context.Context, user *model.User, articles []*model.Article) error {
		sent.Add(1)
		return nil
	}

	o := f.build(10, 2)
	if err := o.RunUsers(context.Background(), makeUsers(3)); err != nil {
		t.Fatalf("1ユーザーの分析失敗はパス全体のエラーにすべきではない: %v", err)
	}

	if got := sent.Load(); got != 2 {
		t.Errorf("残りのユーザーへの配信は継続されるべき: sent = %d, want 2", got)
	}
	if got := f.metrics.analyzeFailures.Load(); got != 1 {
		t.Errorf("analyze failure metric = %d, want 1", got)
	}
}

func TestRunUsers_DeliveryFailureIsolated(t *testing.T) {
	f := newFixture()

	var attempts atomic.Int64
	f.deliverer.deliverFunc = func(ctx context.Context, user *model.User, articles []*model.Article) error {
		attempts.Add(1)
		if user.ID == "u-000" {
			return errors.New("smtp down")
		}
		return nil
	}

	o := f.build(10, 1)
	if err := o.RunUsers(context.Background(), makeUsers(3)); err != nil {
		t.Fatalf("1ユーザーの配信失敗はパス全体のエラーにすべきではない: %v", err)
	}

	if got := attempts.Load(); got != 3 {
		t.Errorf("全ユーザーへの配信が試行されるべき: attempts = %d, want 3", got)
	}
	if got := f.metrics.deliveryFailures.Load(); got != 1 {
		t.Errorf("delivery failure metric = %d, want 1", got)
	}
	if got := f.metrics.sent.Load(); got != 2 {
		t.Errorf("sent metric = %d, want 2", got)
	}
}

func TestRunUsers_NotReadySkipped(t *testing.T) {
	f := newFixture()

	f.analyzer.analyzeFunc = func(ctx context.Context, user *model.User, cfg Config) (*model.DigestDecision, error) {
		return &model.DigestDecision{Ready: false}, nil
	}

	f.deliverer.deliverFunc = func(ctx context.Context, user *model.User, articles []*model.Article) error {
		t.Error("送信対象外のユーザーへ配信すべきではない")
		return nil
	}

	o := f.build(10, 2)
	if err := o.RunUsers(context.Background(), makeUsers(4)); err != nil {
		t.Fatalf("RunUsers() error = %v", err)
	}

	if got := f.metrics.skipped.Load(); got != 4 {
		t.Errorf("skipped metric = %d, want 4", got)
	}
}

func TestRunUsers_AlreadyDeliveredSkipped(t *testing.T) {
	f := newFixture()

	period := passPeriod(time.Now().UTC())
	f.ledger.delivered[period+":u-001"] = true

	var deliveredMu sync.Mutex
	var delivered []string
	f.deliverer.deliverFunc = func(ctx context.Context, user *model.User, articles []*model.Article) error {
		deliveredMu.Lock()
		defer deliveredMu.Unlock()
		delivered = append(delivered, user.ID)
		return nil
	}

	o := f.build(10, 1)
	if err := o.RunUsers(context.Background(), makeUsers(3)); err != nil {
		t.Fatalf("RunUsers() error = %v", err)
	}

	for _, id := range delivered {
		if id == "u-001" {
			t.Error("配信済みマーカーのあるユーザーへ再配信すべきではない")
		}
	}
	if len(delivered) != 2 {
		t.Errorf("配信数 = %d, want 2", len(delivered))
	}
}

func TestRunUsers_LedgerErrorSkipsUser(t *testing.T) {
	f := newFixture()

	f.ledger.isDeliveredFunc = func(ctx context.Context, period, userID string) (bool, error) {
		return false, errors.New("redis down")
	}

	f.deliverer.deliverFunc = func(ctx context.Context, user *model.User, articles []*model.Article) error {
		t.Error("台帳の確認に失敗した場合は安全側に倒して配信しないべき")
		return nil
	}

	o := f.build(10, 1)
	if err := o.RunUsers(context.Background(), makeUsers(2)); err != nil {
		t.Fatalf("RunUsers() error = %v", err)
	}

	if got := f.metrics.sent.Load(); got != 0 {
		t.Errorf("sent metric = %d, want 0", got)
	}
}

func TestRunUsers_OptOutRecheckedBeforeDelivery(t *testing.T) {
	f := newFixture()

	// バッチ取得時点ではオプトインだったが、配信直前の再取得で
	// オプトアウト済みになっているユーザーを模す
	f.userRepo.findByIDFunc = func(ctx context.Context, id string) (*model.User, error) {
		return &model.User{ID: id, Email: id + "@example.com", DigestOptIn: id != "u-001"}, nil
	}

	var deliveredMu sync.Mutex
	var delivered []string
	f.deliverer.deliverFunc = func(ctx context.Context, user *model.User, articles []*model.Article) error {
		deliveredMu.Lock()
		defer deliveredMu.Unlock()
		delivered = append(delivered, user.ID)
		return nil
	}

	o := f.build(10, 1)
	if err := o.RunUsers(context.Background(), makeUsers(3)); err != nil {
		t.Fatalf("RunUsers() error = %v", err)
	}

	for _, id := range delivered {
		if id == "u-001" {
			t.Error("オプトアウト済みユーザーへ配信すべきではない")
		}
	}
	if len(delivered) != 2 {
		t.Errorf("配信数 = %d, want 2", len(delivered))
	}
	if got := f.metrics.skipped.Load(); got != 1 {
		t.Errorf("skipped metric = %d, want 1", got)
	}
}

func TestRunUsers_DeletedUserSkipped(t *testing.T) {
	f := newFixture()

	// 選定後に削除されたユーザー: 再取得がnilを返す
	f.userRepo.findByIDFunc = func(ctx context.Context, id string) (*model.User, error) {
		return nil, nil
	}

	f.deliverer.deliverFunc = func(ctx context.Context, user *model.User, articles []*model.Article) error {
		t.Error("削除済みユーザーへ配信すべきではない")
		return nil
	}

	o := f.build(10, 1)
	if err := o.RunUsers(context.Background(), makeUsers(2)); err != nil {
		t.Fatalf("RunUsers() error = %v", err)
	}

	if got := f.metrics.sent.Load(); got != 0 {
		t.Errorf("sent metric = %d, want 0", got)
	}
}

func TestRunUsers_RecheckErrorSkipsUser(t *testing.T) {
	f := newFixture()

	f.userRepo.findByIDFunc = func(ctx context.Context, id string) (*model.User, error) {
		return nil, errors.New("db down")
	}

	f.deliverer.deliverFunc = func(ctx context.Context, user *model.User, articles []*model.Article) error {
		t.Error("再取得に失敗した場合は安全側に倒して配信しないべき")
		return nil
	}

	o := f.build(10, 1)
	if err := o.RunUsers(context.Background(), makeUsers(2)); err != nil {
		t.Fatalf("1ユーザーの再取得失敗はパス全体のエラーにすべきではない: %v", err)
	}

	if got := f.metrics.sent.Load(); got != 0 {
		t.Errorf("sent metric = %d, want 0", got)
	}
}

func TestRunUsers_DeliversFreshUserRow(t *testing.T) {
	f := newFixture()

	// 再取得した最新の行（メールアドレス変更済み）が配信に使われること
	f.userRepo.findByIDFunc = func(ctx context.Context, id string) (*model.User, error) {
		return &model.User{ID: id, Email: "renamed@example.com", DigestOptIn: true}, nil
	}

	var gotEmail string
	f.deliverer.deliverFunc = func(ctx context.Context, user *model.User, articles []*model.Article) error {
		gotEmail = user.Email
		return nil
	}

	o := f.build(10, 1)
	if err := o.RunUsers(context.Background(), makeUsers(1)); err != nil {
		t.Fatalf("RunUsers() error = %v", err)
	}

	if gotEmail != "renamed@example.com" {
		t.Errorf("配信には再取得した行を使うべき: email = %q", gotEmail)
	}
}

func TestRunUsers_MarkDeliveredFailureDoesNotFailUser(t *testing.T) {
	f := newFixture()

	f.ledger.markDeliveredFunc = func(ctx context.Context, period, userID string) error {
		return errors.New("redis down")
	}

	o := f.build(10, 1)
	if err := o.RunUsers(context.Background(), makeUsers(2)); err != nil {
		t.Fatalf("RunUsers() error = %v", err)
	}

	// 送信記録は配信側で作成済みのため、マーカー記録の失敗は配信成功として扱う
	if got := f.metrics.sent.Load(); got != 2 {
		t.Errorf("sent metric = %d, want 2", got)
	}
}

func TestRunOnce_PaginatesBatches(t *testing.T) {
	f := newFixture()

	all := makeUsers(5)
	var gotAfterIDs []string
	f.userRepo.listFunc = func(ctx context.Context, afterID string, limit int) ([]*model.User, error) {
		gotAfterIDs = append(gotAfterIDs, afterID)
		start := 0
		if afterID != "" {
			for i, u := range all {
				if u.ID == afterID {
					start = i + 1
					break
				}
			}
		}
		end := start + limit
		if end > len(all) {
			end = len(all)
		}
		return all[start:end], nil
	}

	var sent atomic.Int64
	f.deliverer.deliverFunc = func(ctx context.Context, user *model.User, articles []*model.Article) error {
		sent.Add(1)
		return nil
	}

	o := f.build(2, 1)
	if err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if got := sent.Load(); got != 5 {
		t.Errorf("全バッチのユーザーが処理されるべき: sent = %d, want 5", got)
	}

	// バッチ境界: "" → u-001 → u-003 （最終バッチは1件でそこで停止）
	want := []string{"", "u-001", "u-003"}
	if len(gotAfterIDs) != len(want) {
		t.Fatalf("afterID列 = %v, want %v", gotAfterIDs, want)
	}
	for i := range want {
		if gotAfterIDs[i] != want[i] {
			t.Errorf("afterID[%d] = %q, want %q", i, gotAfterIDs[i], want[i])
		}
	}
}

func TestRunOnce_EmptyPopulation(t *testing.T) {
	f := newFixture()

	o := f.build(10, 2)
	if err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("対象ユーザーなしは正常終了すべき: %v", err)
	}

	if got := f.metrics.passDurations.Load(); got != 1 {
		t.Errorf("パス完了メトリクスは記録されるべき: %d", got)
	}
}

func TestRunOnce_UserStreamErrorFailsPass(t *testing.T) {
	f := newFixture()

	f.userRepo.listFunc = func(ctx context.Context, afterID string, limit int) ([]*model.User, error) {
		return nil, errors.New("db down")
	}

	o := f.build(10, 2)
	if err := o.RunOnce(context.Background()); err == nil {
		t.Error("人口ストリームの取得失敗はパス全体のエラーにすべき")
	}
}

func TestRunOnce_IntervalSourceErrorFailsPass(t *testing.T) {
	f := newFixture()

	o := NewOrchestrator(
		f.userRepo, f.analyzer, f.deliverer, f.ledger,
		&staticIntervalSource{err: errors.New("settings table missing")},
		f.metrics, newTestLogger(), 10, 2,
	)

	if err := o.RunOnce(context.Background()); err == nil {
		t.Error("間隔設定の解決失敗はパス全体のエラーにすべき")
	}
}

func TestRunOnce_InvalidIntervalBoundsFailPass(t *testing.T) {
	f := newFixture()

	o := NewOrchestrator(
		f.userRepo, f.analyzer, f.deliverer, f.ledger,
		&staticIntervalSource{cfg: Config{MinIntervalDays: 5, MaxIntervalDays: 2}},
		f.metrics, newTestLogger(), 10, 2,
	)

	if err := o.RunOnce(context.Background()); err == nil {
		t.Error("不正な間隔設定はパス全体のエラーにすべき")
	}
}

func TestProcessBatch_RespectsConcurrencyLimit(t *testing.T) {
	f := newFixture()

	const maxConcurrency = 3
	var current, peak atomic.Int64

	f.analyzer.analyzeFunc = func(ctx context.Context, user *model.User, cfg Config) (*model.DigestDecision, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return &model.DigestDecision{Ready: false}, nil
	}

	o := f.build(50, maxConcurrency)
	if err := o.RunUsers(context.Background(), makeUsers(20)); err != nil {
		t.Fatalf("RunUsers() error = %v", err)
	}

	if got := peak.Load(); got > maxConcurrency {
		t.Errorf("同時実行数の上限を超えている: peak = %d, max = %d", got, maxConcurrency)
	}
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	f := newFixture()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	o := f.build(10, 2)
	go func() {
		o.Start(ctx, 50*time.Millisecond)
		close(done)
	}()

	time.Sleep(120 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("コンテキストキャンセルでスケジューラが停止すべき")
	}

	// 起動直後の1回 + ティッカー分が実行されている
	if got := f.metrics.passDurations.Load(); got < 2 {
		t.Errorf("パスが定期実行されるべき: %d回", got)
	}
}
