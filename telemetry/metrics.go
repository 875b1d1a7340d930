// Package telemetry provides Prometheus metrics, logging setup and
// correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	WebhookEvents    *prometheus.CounterVec // label: kind
	WebhookRejected  *prometheus.CounterVec // label: reason
	RowsAppended     *prometheus.CounterVec // label: type
	RowAppendsFailed prometheus.Counter
	MediaUploads     *prometheus.CounterVec // labels: backend, result
	RepliesFailed    prometheus.Counter

	// Histograms (seconds)
	AppendDuration prometheus.Observer
	UploadDuration prometheus.Observer
	EventDuration  prometheus.Observer

	// Gauges
	RecordingUsers prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "line_sheets_webhook_events_total", Help: "LINE webhook events received by kind"}, []string{"kind"})
		WebhookRejected = promauto.NewCounterVec(prometheus.CounterOpts{Name: "line_sheets_webhook_rejected_total", Help: "Webhook requests rejected by reason"}, []string{"reason"})
		RowsAppended = promauto.NewCounterVec(prometheus.CounterOpts{Name: "line_sheets_rows_appended_total", Help: "Rows appended to the spreadsheet by type"}, []string{"type"})
		RowAppendsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "line_sheets_row_appends_failed_total", Help: "Spreadsheet appends that failed"})
		MediaUploads = promauto.NewCounterVec(prometheus.CounterOpts{Name: "line_sheets_media_uploads_total", Help: "Media uploads by backend and result"}, []string{"backend", "result"})
		RepliesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "line_sheets_replies_failed_total", Help: "LINE reply calls that failed"})
		AppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "line_sheets_append_duration_seconds", Help: "Spreadsheet append latency seconds", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}})
		UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "line_sheets_upload_duration_seconds", Help: "Media upload latency seconds", Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30}})
		EventDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "line_sheets_event_duration_seconds", Help: "Time to handle one webhook event", Buckets: prometheus.DefBuckets})
		RecordingUsers = promauto.NewGauge(prometheus.GaugeOpts{Name: "line_sheets_recording_users", Help: "Users currently in save mode"})
	})
}

// IncWebhookEvent counts an inbound event of the given kind.
func IncWebhookEvent(kind string) {
	if WebhookEvents != nil {
		WebhookEvents.WithLabelValues(kind).Inc()
	}
}

// IncWebhookRejected counts a rejected webhook request.
func IncWebhookRejected(reason string) {
	if WebhookRejected != nil {
		WebhookRejected.WithLabelValues(reason).Inc()
	}
}

// RecordAppend records the outcome of one spreadsheet append.
func RecordAppend(rowType string, d time.Duration, err error) {
	if AppendDuration != nil {
		AppendDuration.Observe(d.Seconds())
	}
	if err != nil {
		if RowAppendsFailed != nil {
			RowAppendsFailed.Inc()
		}
		return
	}
	if RowsAppended != nil {
		RowsAppended.WithLabelValues(rowType).Inc()
	}
}

// RecordUpload records the outcome of one media upload.
func RecordUpload(backend string, d time.Duration, err error) {
	if UploadDuration != nil {
		UploadDuration.Observe(d.Seconds())
	}
	if MediaUploads != nil {
		result := "success"
		if err != nil {
			result = "failure"
		}
		MediaUploads.WithLabelValues(backend, result).Inc()
	}
}

// IncReplyFailed counts a failed reply call.
func IncReplyFailed() {
	if RepliesFailed != nil {
		RepliesFailed.Inc()
	}
}

// SetRecordingUsers records the number of users in save mode.
func SetRecordingUsers(n int) {
	if RecordingUsers != nil {
		RecordingUsers.Set(float64(n))
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

// ConfigureLogging installs the default slog logger. level is one of
// debug|info|warn|error (default info); format is text or json (default text).
func ConfigureLogging(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if strings.ToLower(format) == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
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
