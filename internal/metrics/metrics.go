// Package metrics はPrometheusメトリクスの定義と記録を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kenta/digestman/internal/digest"
)

// Recorder はダイジェストパスのメトリクスを記録する。
type Recorder struct {
	usersEvaluated   prometheus.Counter
	digestsSent      prometheus.Counter
	skippedNotReady  prometheus.Counter
	analyzeFailures  prometheus.Counter
	deliveryFailures prometheus.Counter
	passDuration     prometheus.Histogram
}

// NewRecorder は指定レジストリにメトリクスを登録したRecorderを生成する。
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		usersEvaluated: factory.NewCounter(prometheus.CounterOpts{
			Name: "digestman_users_evaluated_total",
			Help: "ダイジェストパスで評価されたユーザーの累計数",
		}),
		digestsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "digestman_digests_sent_total",
			Help: "配信されたダイジェストメールの累計数",
		}),
		skippedNotReady: factory.NewCounter(prometheus.CounterOpts{
			Name: "digestman_skipped_not_ready_total",
			Help: "送信対象外と判定されてスキップされたユーザーの累計数",
		}),
		analyzeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "digestman_analyze_fail_total",
			Help: "分析に失敗したユーザーの累計数",
		}),
		deliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "digestman_delivery_fail_total",
			Help: "配信に失敗したユーザーの累計数",
		}),
		passDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "digestman_pass_duration_seconds",
			Help:    "ダイジェストパス1回の所要時間（秒）",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

// RecordUserEvaluated はユーザー評価数をインクリメントする。
func (r *Recorder) RecordUserEvaluated() {
	r.usersEvaluated.Inc()
}

// RecordDigestSent は配信数をインクリメントする。
func (r *Recorder) RecordDigestSent() {
	r.digestsSent.Inc()
}

// RecordSkippedNotReady は送信対象外スキップ数をインクリメントする。
func (r *Recorder) RecordSkippedNotReady() {
	r.skippedNotReady.Inc()
}

// RecordAnalyzeFailure は分析失敗数をインクリメントする。
func (r *Recorder) RecordAnalyzeFailure() {
	r.analyzeFailures.Inc()
}

// RecordDeliveryFailure は配信失敗数をインクリメントする。
func (r *Recorder) RecordDeliveryFailure() {
	r.deliveryFailures.Inc()
}

// RecordPassDuration はパスの所要時間を記録する。
func (r *Recorder) RecordPassDuration(d time.Duration) {
	r.passDuration.Observe(d.Seconds())
}

// Handler は指定レジストリのメトリクスを公開するHTTPハンドラを返す。
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ digest.MetricsRecorder = (*Recorder)(nil)
