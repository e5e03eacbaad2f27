// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesIngested   *prometheus.CounterVec // recorded=true|false
	Transitions        *prometheus.CounterVec // from, to
	Confirmations      *prometheus.CounterVec // kind, how (reply|timeout), answer
	DeliveryFailures   *prometheus.CounterVec // op (send|edit|document)
	DownloadsStarted   prometheus.Counter
	DownloadsFailed    prometheus.Counter
	DownloadsSucceeded prometheus.Counter
	ExportsSucceeded   prometheus.Counter
	ExportsFailed      prometheus.Counter
	SnapshotFailures   prometheus.Counter
	RetentionRemoved   prometheus.Counter

	// Histograms (seconds)
	DownloadDuration     prometheus.Observer
	ExportDuration       prometheus.Observer
	SnapshotSaveDuration prometheus.Observer

	// Gauges
	SessionsGauge     *prometheus.GaugeVec // state
	DownloadsInFlight prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesIngested = promauto.NewCounterVec(prometheus.CounterOpts{Name: "recorder_messages_total", Help: "Inbound messages buffered, by whether they were written to a transcript"}, []string{"recorded"})
		Transitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "recorder_transitions_total", Help: "Session state transitions"}, []string{"from", "to"})
		Confirmations = promauto.NewCounterVec(prometheus.CounterOpts{Name: "recorder_confirmations_total", Help: "Resolved confirmation prompts"}, []string{"kind", "how", "answer"})
		DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "recorder_delivery_failures_total", Help: "Bot messages that could not be delivered"}, []string{"op"})
		DownloadsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_downloads_started_total", Help: "Attachment downloads started"})
		DownloadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_downloads_failed_total", Help: "Attachment downloads failed"})
		DownloadsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_downloads_succeeded_total", Help: "Attachment downloads succeeded"})
		ExportsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_exports_succeeded_total", Help: "Recordings exported"})
		ExportsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_exports_failed_total", Help: "Recording exports failed"})
		SnapshotFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_snapshot_failures_total", Help: "Snapshot writes that failed"})
		RetentionRemoved = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_retention_removed_total", Help: "Recordings removed by the retention policy"})
		DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "recorder_download_duration_seconds", Help: "Attachment download duration seconds", Buckets: prometheus.DefBuckets})
		ExportDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "recorder_export_duration_seconds", Help: "Export duration seconds (bundle and upload)", Buckets: prometheus.DefBuckets})
		SnapshotSaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "recorder_snapshot_save_duration_seconds", Help: "Snapshot write duration seconds", Buckets: prometheus.DefBuckets})
		SessionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "recorder_sessions", Help: "Sessions by state"}, []string{"state"})
		DownloadsInFlight = promauto.NewGauge(prometheus.GaugeOpts{Name: "recorder_downloads_in_flight", Help: "Attachment downloads currently running"})
	})
}

// CountMessage records one buffered message.
func CountMessage(recorded bool) {
	if MessagesIngested != nil {
		MessagesIngested.WithLabelValues(strconv.FormatBool(recorded)).Inc()
	}
}

// ObserveTransition records a session state change.
func ObserveTransition(from, to string) {
	if Transitions != nil {
		Transitions.WithLabelValues(from, to).Inc()
	}
}

// CountConfirmation records how a prompt was resolved.
func CountConfirmation(kind, how string, answer bool) {
	if Confirmations != nil {
		Confirmations.WithLabelValues(kind, how, strconv.FormatBool(answer)).Inc()
	}
}

// CountDeliveryFailure records an undeliverable bot message.
func CountDeliveryFailure(op string) {
	if DeliveryFailures != nil {
		DeliveryFailures.WithLabelValues(op).Inc()
	}
}

// SetSessions records the number of sessions in state.
func SetSessions(state string, n int) {
	if SessionsGauge != nil {
		SessionsGauge.WithLabelValues(state).Set(float64(n))
	}
}

// Inc increments c when it has been registered.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// AddInFlight moves the in-flight download gauge by delta.
func AddInFlight(delta int) {
	if DownloadsInFlight != nil {
		DownloadsInFlight.Add(float64(delta))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
