// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス記録のインターフェース。
// カレンダーサービス、HTTPミドルウェア、ワーカーから利用する。
type Recorder interface {
	RecordExpansion(events, occurrences int, duration time.Duration)
	RecordImport(source string, created, updated int)
	RecordImportFailure(source, reason string)
	RecordHTTPStatus(statusCode int)
	RecordSessionsCleaned(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	expansions         prometheus.Counter
	expandedEvents     prometheus.Counter
	occurrencesEmitted prometheus.Counter
	expansionLatency   prometheus.Histogram
	importedEvents     *prometheus.CounterVec
	importFailures     *prometheus.CounterVec
	httpStatus         *prometheus.CounterVec
	sessionsCleaned    prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		expansions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onboardhub_calendar_expansions_total",
			Help: "繰り返しイベント展開の実行回数",
		}),
		expandedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onboardhub_calendar_expanded_events_total",
			Help: "展開処理に入力されたイベント数の合計",
		}),
		occurrencesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onboardhub_calendar_occurrences_total",
			Help: "展開処理で出力された発生の合計数",
		}),
		expansionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "onboardhub_calendar_expansion_seconds",
			Help:    "展開処理のレイテンシ（秒）",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		importedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboardhub_calendar_imported_events_total",
			Help: "iCalendar取り込みで作成・更新されたイベント数",
		}, []string{"source", "result"}),
		importFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboardhub_calendar_import_failures_total",
			Help: "iCalendar取り込みの失敗数",
		}, []string{"source", "reason"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboardhub_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		sessionsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onboardhub_sessions_cleaned_total",
			Help: "クリーンアップで削除された期限切れセッション数",
		}),
	}

	reg.MustRegister(
		c.expansions,
		c.expandedEvents,
		c.occurrencesEmitted,
		c.expansionLatency,
		c.importedEvents,
		c.importFailures,
		c.httpStatus,
		c.sessionsCleaned,
	)

	return c
}

// RecordExpansion は1回の展開処理を記録する。
func (c *Collector) RecordExpansion(events, occurrences int, duration time.Duration) {
	c.expansions.Inc()
	c.expandedEvents.Add(float64(events))
	c.occurrencesEmitted.Add(float64(occurrences))
	c.expansionLatency.Observe(duration.Seconds())
}

// RecordImport は取り込み結果を記録する。sourceは"upload"または"url"。
func (c *Collector) RecordImport(source string, created, updated int) {
	c.importedEvents.WithLabelValues(source, "created").Add(float64(created))
	c.importedEvents.WithLabelValues(source, "updated").Add(float64(updated))
}

// RecordImportFailure は取り込み失敗を記録する。
func (c *Collector) RecordImportFailure(source, reason string) {
	c.importFailures.WithLabelValues(source, reason).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSessionsCleaned は削除したセッション数を記録する。
func (c *Collector) RecordSessionsCleaned(count int64) {
	c.sessionsCleaned.Add(float64(count))
}

// Nop は何も記録しないRecorder。メトリクス無効時やテストで使う。
type Nop struct{}

func (Nop) RecordExpansion(int, int, time.Duration) {}
func (Nop) RecordImport(string, int, int)           {}
func (Nop) RecordImportFailure(string, string)      {}
func (Nop) RecordHTTPStatus(int)                    {}
func (Nop) RecordSessionsCleaned(int64)             {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)
