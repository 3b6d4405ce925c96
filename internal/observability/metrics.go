package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "callback_engine"

// Metrics stores Prometheus collectors used by the API, executor and background loops.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	callbacksScheduled     *prometheus.CounterVec
	attemptsTotal          prometheus.Counter
	outcomesTotal          *prometheus.CounterVec
	retriesScheduledTotal  prometheus.Counter
	terminalTotal          *prometheus.CounterVec
	inflight               prometheus.Gauge
	originateDuration      prometheus.Histogram
	autoRunnerTicksTotal   *prometheus.CounterVec
	persistenceFailures    *prometheus.CounterVec
	lifecycleEventsDropped prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		callbacksScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "callbacks_scheduled_total",
				Help:      "Total number of callback requests accepted, by priority.",
			},
			[]string{"priority"},
		),
		attemptsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "attempts_total",
				Help:      "Total number of origination attempts started.",
			},
		),
		outcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "outcomes_total",
				Help:      "Attempt outcomes by disposition.",
			},
			[]string{"disposition"},
		),
		retriesScheduledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retries_scheduled_total",
				Help:      "Total number of callbacks moved back to pending for retry.",
			},
		),
		terminalTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "terminal_total",
				Help:      "Total number of callbacks reaching a terminal status.",
			},
			[]string{"status"},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "inflight",
				Help:      "1 while a callback attempt is in progress, otherwise 0.",
			},
		),
		originateDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "originate_duration_seconds",
				Help:      "Latency of the switch originate call.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		autoRunnerTicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "autorunner_ticks_total",
				Help:      "Auto-runner ticks by result (executed, idle, dropped, error).",
			},
			[]string{"result"},
		),
		persistenceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "persistence_failures_total",
				Help:      "Swallowed persistence failures by operation.",
			},
			[]string{"op"},
		),
		lifecycleEventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "lifecycle_events_dropped_total",
				Help:      "Lifecycle events dropped because the publish buffer was full.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.callbacksScheduled,
		m.attemptsTotal,
		m.outcomesTotal,
		m.retriesScheduledTotal,
		m.terminalTotal,
		m.inflight,
		m.originateDuration,
		m.autoRunnerTicksTotal,
		m.persistenceFailures,
		m.lifecycleEventsDropped,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncCallbackScheduled(priority string) {
	if m == nil {
		return
	}
	m.callbacksScheduled.WithLabelValues(normalizeLabel(priority)).Inc()
}

func (m *Metrics) IncAttempt() {
	if m == nil {
		return
	}
	m.attemptsTotal.Inc()
}

func (m *Metrics) IncOutcome(disposition string) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(normalizeLabel(disposition)).Inc()
}

func (m *Metrics) IncRetryScheduled() {
	if m == nil {
		return
	}
	m.retriesScheduledTotal.Inc()
}

func (m *Metrics) IncTerminal(status string) {
	if m == nil {
		return
	}
	m.terminalTotal.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) SetInFlight(active bool) {
	if m == nil {
		return
	}
	if active {
		m.inflight.Set(1)
		return
	}
	m.inflight.Set(0)
}

func (m *Metrics) ObserveOriginateDuration(duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.originateDuration.Observe(seconds)
}

func (m *Metrics) IncAutoRunnerTick(result string) {
	if m == nil {
		return
	}
	m.autoRunnerTicksTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) IncPersistenceFailure(op string) {
	if m == nil {
		return
	}
	m.persistenceFailures.WithLabelValues(normalizeLabel(op)).Inc()
}

func (m *Metrics) IncLifecycleEventDropped() {
	if m == nil {
		return
	}
	m.lifecycleEventsDropped.Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
