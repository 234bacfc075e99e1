// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービスやミドルウェアから利用する。
type MetricsCollector interface {
	RecordSignIn(provider, outcome string)
	RecordRefresh(outcome string)
	RecordCodeIssued(outcome string)
	RecordCodeVerified(outcome string)
	RecordQuotaRejected(limiter string)
	RecordKeyFetch(outcome string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	signIns        *prometheus.CounterVec
	refreshes      *prometheus.CounterVec
	codesIssued    *prometheus.CounterVec
	codesVerified  *prometheus.CounterVec
	quotaRejected  *prometheus.CounterVec
	keyFetches     *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	requestLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entrykeep_sign_in_total",
			Help: "プロバイダー・結果別のサインイン数",
		}, []string{"provider", "outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entrykeep_refresh_total",
			Help: "結果別のトークンリフレッシュ数",
		}, []string{"outcome"}),
		codesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entrykeep_email_code_issued_total",
			Help: "結果別の確認コード発行数",
		}, []string{"outcome"}),
		codesVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entrykeep_email_code_verified_total",
			Help: "結果別の確認コード検証数",
		}, []string{"outcome"}),
		quotaRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entrykeep_quota_rejected_total",
			Help: "回数制限で拒否されたリクエスト数",
		}, []string{"limiter"}),
		keyFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entrykeep_key_fetch_total",
			Help: "外部IdP公開鍵ディレクトリの取得数",
		}, []string{"outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entrykeep_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "entrykeep_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.signIns,
		c.refreshes,
		c.codesIssued,
		c.codesVerified,
		c.quotaRejected,
		c.keyFetches,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordSignIn はサインインの結果を記録する。
func (c *Collector) RecordSignIn(provider, outcome string) {
	c.signIns.WithLabelValues(provider, outcome).Inc()
}

// RecordRefresh はリフレッシュの結果を記録する。
func (c *Collector) RecordRefresh(outcome string) {
	c.refreshes.WithLabelValues(outcome).Inc()
}

// RecordCodeIssued は確認コード発行の結果を記録する。
func (c *Collector) RecordCodeIssued(outcome string) {
	c.codesIssued.WithLabelValues(outcome).Inc()
}

// RecordCodeVerified は確認コード検証の結果を記録する。
func (c *Collector) RecordCodeVerified(outcome string) {
	c.codesVerified.WithLabelValues(outcome).Inc()
}

// RecordQuotaRejected は回数制限による拒否を記録する。
func (c *Collector) RecordQuotaRejected(limiter string) {
	c.quotaRejected.WithLabelValues(limiter).Inc()
}

// RecordKeyFetch は公開鍵ディレクトリ取得の結果を記録する。
func (c *Collector) RecordKeyFetch(outcome string) {
	c.keyFetches.WithLabelValues(outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストの処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordSignIn(string, string) {}
func (Nop) RecordRefresh(string) {}
func (Nop) RecordCodeIssued(string) {}
func (Nop) RecordCodeVerified(string) {}
func (Nop) RecordQuotaRejected(string) {}
func (Nop) RecordKeyFetch(string) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordRequestLatency(time.Duration) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})
}
