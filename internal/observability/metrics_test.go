package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsExecutorCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncCallbackScheduled("HIGH")
	metrics.IncAttempt()
	metrics.IncAttempt()
	metrics.IncOutcome("busy")
	metrics.IncRetryScheduled()
	metrics.IncTerminal("completed")
	metrics.ObserveOriginateDuration(120 * time.Millisecond)
	metrics.SetInFlight(true)
	metrics.SetInFlight(false)

	if got := testutil.ToFloat64(metrics.callbacksScheduled.WithLabelValues("high")); got != 1 {
		t.Fatalf("callbacks_scheduled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.attemptsTotal); got != 2 {
		t.Fatalf("attempts_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.outcomesTotal.WithLabelValues("busy")); got != 1 {
		t.Fatalf("outcomes_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.retriesScheduledTotal); got != 1 {
		t.Fatalf("retries_scheduled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.terminalTotal.WithLabelValues("completed")); got != 1 {
		t.Fatalf("terminal_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.inflight); got != 0 {
		t.Fatalf("inflight = %v, want 0", got)
	}
}

func TestMetricsBackgroundCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncAutoRunnerTick("dropped")
	metrics.IncAutoRunnerTick("dropped")
	metrics.IncPersistenceFailure("put")
	metrics.IncPersistenceFailure("")
	metrics.IncLifecycleEventDropped()

	if got := testutil.ToFloat64(metrics.autoRunnerTicksTotal.WithLabelValues("dropped")); got != 2 {
		t.Fatalf("autorunner_ticks_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.persistenceFailures.WithLabelValues("put")); got != 1 {
		t.Fatalf("persistence_failures_total{op=put} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.persistenceFailures.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("persistence_failures_total{op=unknown} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.lifecycleEventsDropped); got != 1 {
		t.Fatalf("lifecycle_events_dropped_total = %v, want 1", got)
	}
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.IncAttempt()
	metrics.IncOutcome("answered")
	metrics.SetInFlight(true)
	metrics.IncPersistenceFailure("put")
	if metrics.Handler() == nil {
		t.Fatal("Handler() should fall back to the default registry")
	}
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
