// Package telemetry provides Prometheus metrics, OpenTelemetry tracing setup,
// and correlation-id aware logging helpers for the chat relay.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsProcessed        prometheus.Counter
	EventsDuplicate        prometheus.Counter
	PollCycles             prometheus.Counter
	FetchErrors            prometheus.Counter
	HandlerErrors          prometheus.Counter
	SessionChanges         prometheus.Counter
	SessionDiscoveryErrors prometheus.Counter

	// Histograms (seconds)
	FetchDuration prometheus.Observer

	// Gauges
	PollIntervalGauge  prometheus.Gauge
	SessionActiveGauge prometheus.Gauge // 1=live session held, 0=none
	HandlersGauge      prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_events_processed_total", Help: "Number of novel chat events dispatched to handlers"})
		EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_events_duplicate_total", Help: "Number of chat events suppressed as duplicates"})
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_poll_cycles_total", Help: "Number of poll loop iterations that reached the provider"})
		FetchErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_fetch_errors_total", Help: "Number of failed chat event fetches"})
		HandlerErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_handler_errors_total", Help: "Number of handler invocations that returned an error or panicked"})
		SessionChanges = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_session_changes_total", Help: "Number of live session changes detected"})
		SessionDiscoveryErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_session_discovery_errors_total", Help: "Number of failed session discovery attempts"})
		FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_fetch_duration_seconds", Help: "Chat event fetch duration seconds", Buckets: prometheus.DefBuckets})
		PollIntervalGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_poll_interval_ms", Help: "Current provider-hinted poll interval in milliseconds"})
		SessionActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_session_active", Help: "Whether a live chat session is currently held (1) or not (0)"})
		HandlersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_registered_handlers", Help: "Number of registered chat event handlers"})
	})
}

// SetSessionActive sets the session gauge to 1 if a live session is held.
func SetSessionActive(active bool) {
	if SessionActiveGauge == nil {
		return
	}
	if active {
		SessionActiveGauge.Set(1)
	} else {
		SessionActiveGauge.Set(0)
	}
}

// SetPollInterval records the poll interval currently in effect.
func SetPollInterval(d time.Duration) {
	if PollIntervalGauge != nil {
		PollIntervalGauge.Set(float64(d.Milliseconds()))
	}
}

// SetRegisteredHandlers records the handler count.
func SetRegisteredHandlers(n int) {
	if HandlersGauge != nil {
		HandlersGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records it in obs if non-nil.
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

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
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
