// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 結果ラベル
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービス、ミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	RecordLogin(method, outcome string)
	RecordRefresh(outcome string)
	RecordLogout(all bool)
	RecordTokenRejected(reason string)
	RecordExchangeLatency(duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordRevocationsPurged(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins           *prometheus.CounterVec
	refreshes        *prometheus.CounterVec
	logouts          *prometheus.CounterVec
	tokenRejected    *prometheus.CounterVec
	exchangeLatency  prometheus.Histogram
	httpStatus       *prometheus.CounterVec
	revocationPurged prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authfacade_login_total",
			Help: "認証方式・結果別のログイン試行数",
		}, []string{"method", "outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authfacade_refresh_total",
			Help: "結果別のトークンリフレッシュ数",
		}, []string{"outcome"}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authfacade_logout_total",
			Help: "範囲別のログアウト数",
		}, []string{"scope"}),
		tokenRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authfacade_token_rejected_total",
			Help: "理由別の拒否されたトークン数",
		}, []string{"reason"}),
		exchangeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authfacade_provider_exchange_latency_seconds",
			Help:    "IdPとの認可コード交換のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authfacade_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		revocationPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authfacade_revocations_purged_total",
			Help: "期限切れで削除された失効記録の合計数",
		}),
	}

	reg.MustRegister(
		c.logins,
		c.refreshes,
		c.logouts,
		c.tokenRejected,
		c.exchangeLatency,
		c.httpStatus,
		c.revocationPurged,
	)

	return c
}

// RecordLogin はログイン試行を記録する。
func (c *Collector) RecordLogin(method, outcome string) {
	c.logins.WithLabelValues(method, outcome).Inc()
}

// RecordRefresh はリフレッシュを記録する。
func (c *Collector) RecordRefresh(outcome string) {
	c.refreshes.WithLabelValues(outcome).Inc()
}

// RecordLogout はログアウトを記録する。
func (c *Collector) RecordLogout(all bool) {
	scope := "session"
	if all {
		scope = "all"
	}
	c.logouts.WithLabelValues(scope).Inc()
}

// RecordTokenRejected は拒否したトークンを理由別に記録する。
func (c *Collector) RecordTokenRejected(reason string) {
	c.tokenRejected.WithLabelValues(reason).Inc()
}

// RecordExchangeLatency は認可コード交換のレイテンシを記録する。
func (c *Collector) RecordExchangeLatency(duration time.Duration) {
	c.exchangeLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRevocationsPurged は削除した失効記録数を記録する。
func (c *Collector) RecordRevocationsPurged(count int64) {
	c.revocationPurged.Add(float64(count))
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordLogin(string, string)          {}
func (Nop) RecordRefresh(string)                {}
func (Nop) RecordLogout(bool)                   {}
func (Nop) RecordTokenRejected(string)          {}
func (Nop) RecordExchangeLatency(time.Duration) {}
func (Nop) RecordHTTPStatus(int)                {}
func (Nop) RecordRevocationsPurged(int64)       {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface checks
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
