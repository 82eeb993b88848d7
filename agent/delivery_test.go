package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// stubCollector is an echo server standing in for the remote collector. Each
// request is timestamped; statuses are served from the script, with the last
// entry repeating.
type stubCollector struct {
	server *httptest.Server

	mu       sync.Mutex
	script   []int
	headers  []http.Header
	arrivals []time.Time
	hit      chan struct{}
}

func newStubCollector(t *testing.T, script ...int) *stubCollector {
	t.Helper()
	c := &stubCollector{script: script, hit: make(chan struct{}, 64)}

	e := echo.New()
	e.POST("/hooks/files", func(ec echo.Context) error {
		c.mu.Lock()
		idx := len(c.arrivals)
		c.arrivals = append(c.arrivals, time.Now())
		c.headers = append(c.headers, ec.Request().Header.Clone())
		status := c.script[len(c.script)-1]
		if idx < len(c.script) {
			status = c.script[idx]
		}
		c.mu.Unlock()

		c.hit <- struct{}{}
		if status == http.StatusTooManyRequests {
			ec.Response().Header().Set("Retry-After", "1")
		}
		return ec.NoContent(status)
	})

	c.server = httptest.NewServer(e)
	t.Cleanup(c.server.Close)
	return c
}

func (c *stubCollector) url() string { return c.server.URL + "/hooks/files" }

func (c *stubCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.arrivals)
}

func (c *stubCollector) waitForRequests(t *testing.T, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for i := 0; i < want; i++ {
		select {
		case <-c.hit:
		case <-deadline:
			t.Fatalf("saw %d requests, want %d", c.count(), want)
		}
	}
}

func testDeliveryConfig(url string) Config {
	return Config{
		WebhookURL:     url,
		WatchRoot:      "/data",
		Workers:        1,
		MaxAttempts:    5,
		RetryInitial:   40 * time.Millisecond,
		RetryMax:       400 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
	}
}

func startDelivery(t *testing.T, cfg Config, q *Queue, logger *log.Logger) *Delivery {
	t.Helper()
	d := NewDelivery(cfg, q, logger)
	d.Start()
	t.Cleanup(d.Stop)
	return d
}

func TestDeliverySucceedsAfterOneAttempt(t *testing.T) {
	collector := newStubCollector(t, http.StatusOK)
	q := NewQueue(8)
	startDelivery(t, testDeliveryConfig(collector.url()), q, log.New())

	q.Push(record(1, "/data/a.txt"))

	collector.waitForRequests(t, 1, 2*time.Second)
	// No retry follows a 2xx: the record left the retry state.
	time.Sleep(200 * time.Millisecond)
	if got := collector.count(); got != 1 {
		t.Errorf("collector saw %d requests, want exactly 1", got)
	}
}

func TestDeliveryRetriesTransientFailuresWithBackoff(t *testing.T) {
	collector := newStubCollector(t, http.StatusInternalServerError, http.StatusInternalServerError, http.StatusOK)
	q := NewQueue(8)
	startDelivery(t, testDeliveryConfig(collector.url()), q, log.New())

	q.Push(record(1, "/data/flaky.txt"))

	collector.waitForRequests(t, 3, 5*time.Second)
	time.Sleep(200 * time.Millisecond)
	if got := collector.count(); got != 3 {
		t.Fatalf("collector saw %d requests, want exactly 3", got)
	}

	collector.mu.Lock()
	gap1 := collector.arrivals[1].Sub(collector.arrivals[0])
	gap2 := collector.arrivals[2].Sub(collector.arrivals[1])
	collector.mu.Unlock()

	// Base 40ms doubling with ±20% jitter: first gap in [32ms,48ms], second
	// in [64ms,96ms], so the delays must grow.
	if gap1 < 20*time.Millisecond {
		t.Errorf("first retry gap %v shorter than backoff base", gap1)
	}
	if gap2 <= gap1 {
		t.Errorf("backoff did not increase: gap1=%v gap2=%v", gap1, gap2)
	}
}

func TestDeliveryDropsOnClientError(t *testing.T) {
	collector := newStubCollector(t, http.StatusBadRequest)
	q := NewQueue(8)
	logger, hook := logtest.NewNullLogger()
	startDelivery(t, testDeliveryConfig(collector.url()), q, logger)

	q.Push(record(1, "/data/bad.txt"))

	collector.waitForRequests(t, 1, 2*time.Second)
	time.Sleep(300 * time.Millisecond)
	if got := collector.count(); got != 1 {
		t.Fatalf("collector saw %d requests, want exactly 1 (no retry on 4xx)", got)
	}

	drops := 0
	for _, entry := range hook.AllEntries() {
		if entry.Message == "change record dropped" {
			drops++
			if entry.Data["reason"] != "rejected by collector" {
				t.Errorf("drop reason = %v", entry.Data["reason"])
			}
		}
	}
	if drops != 1 {
		t.Errorf("drop logged %d times, want exactly once", drops)
	}
}

func TestDeliveryDropsAfterExhaustingRetries(t *testing.T) {
	collector := newStubCollector(t, http.StatusInternalServerError)
	q := NewQueue(8)
	logger, hook := logtest.NewNullLogger()
	cfg := testDeliveryConfig(collector.url())
	cfg.MaxAttempts = 3
	startDelivery(t, cfg, q, logger)

	q.Push(record(1, "/data/doomed.txt"))

	collector.waitForRequests(t, 3, 5*time.Second)
	time.Sleep(500 * time.Millisecond)
	if got := collector.count(); got != 3 {
		t.Fatalf("collector saw %d requests, want exactly 3", got)
	}

	drops := 0
	for _, entry := range hook.AllEntries() {
		if entry.Message == "change record dropped" && entry.Data["reason"] == "retry attempts exhausted" {
			drops++
		}
	}
	if drops != 1 {
		t.Errorf("undeliverable drop logged %d times, want exactly once", drops)
	}
}

func TestDeliveryHonorsRetryAfterOnRateLimit(t *testing.T) {
	collector := newStubCollector(t, http.StatusTooManyRequests, http.StatusOK)
	q := NewQueue(8)
	startDelivery(t, testDeliveryConfig(collector.url()), q, log.New())

	q.Push(record(1, "/data/limited.txt"))

	collector.waitForRequests(t, 2, 5*time.Second)
	collector.mu.Lock()
	gap := collector.arrivals[1].Sub(collector.arrivals[0])
	collector.mu.Unlock()

	// Retry-After: 1 overrides the 40ms computed backoff.
	if gap < 900*time.Millisecond {
		t.Errorf("retry gap %v ignored Retry-After of 1s", gap)
	}
}

func TestDeliverySignsBearerTokenWhenConfigured(t *testing.T) {
	collector := newStubCollector(t, http.StatusNoContent)
	q := NewQueue(8)
	cfg := testDeliveryConfig(collector.url())
	cfg.TokenSecret = "collector-shared-secret"
	cfg.TokenTTL = time.Minute
	startDelivery(t, cfg, q, log.New())

	q.Push(record(1, "/data/secure.txt"))
	collector.waitForRequests(t, 1, 2*time.Second)

	collector.mu.Lock()
	auth := collector.headers[0].Get("Authorization")
	collector.mu.Unlock()

	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		t.Fatalf("Authorization header = %q, want bearer token", auth)
	}
	token, err := jwt.ParseWithClaims(auth[len(prefix):], &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return []byte(cfg.TokenSecret), nil
	})
	if err != nil || !token.Valid {
		t.Fatalf("bearer token did not verify: %v", err)
	}
	claims := token.Claims.(*jwt.RegisteredClaims)
	if claims.Issuer != "dfn" {
		t.Errorf("issuer = %q", claims.Issuer)
	}
}

func TestDeliveryEmitsSpansAndPropagatesTrace(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	collector := newStubCollector(t, http.StatusOK)
	q := NewQueue(8)
	startDelivery(t, testDeliveryConfig(collector.url()), q, log.New())

	q.Push(record(1, "/data/traced.txt"))
	collector.waitForRequests(t, 1, 2*time.Second)

	collector.mu.Lock()
	traceparent := collector.headers[0].Get("traceparent")
	collector.mu.Unlock()
	if traceparent == "" {
		t.Error("traceparent header missing from collector request")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		spans := exporter.GetSpans()
		if len(spans) > 0 {
			span := spans[0]
			if span.Name != "delivery.attempt" {
				t.Errorf("span name = %q", span.Name)
			}
			attrs := map[string]any{}
			for _, kv := range span.Attributes {
				attrs[string(kv.Key)] = kv.Value.AsInterface()
			}
			if attrs["record.path"] != "/data/traced.txt" {
				t.Errorf("record.path attr = %v", attrs["record.path"])
			}
			if attrs["delivery.outcome"] != "delivered" {
				t.Errorf("delivery.outcome attr = %v", attrs["delivery.outcome"])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no spans exported")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDrainDeliversQueuedRecordsBeforeStopping(t *testing.T) {
	collector := newStubCollector(t, http.StatusOK)
	q := NewQueue(8)
	d := NewDelivery(testDeliveryConfig(collector.url()), q, log.New())

	for i := int64(1); i <= 3; i++ {
		q.Push(record(i, "/data/pending"))
	}
	q.Close()

	d.Start()
	d.Drain(5 * time.Second)

	if got := collector.count(); got != 3 {
		t.Errorf("collector saw %d requests before stop, want 3", got)
	}
}

func TestDrainGraceBoundsFeederBacklog(t *testing.T) {
	// Ten queued records against one worker and a collector slower than the
	// grace period: the feeder is still handing records off when the grace
	// expires, and the drain must not wait for the backlog to clear.
	e := echo.New()
	e.POST("/hooks/files", func(ec echo.Context) error {
		time.Sleep(300 * time.Millisecond)
		return ec.NoContent(http.StatusOK)
	})
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)

	q := NewQueue(16)
	logger, hook := logtest.NewNullLogger()
	d := NewDelivery(testDeliveryConfig(server.URL+"/hooks/files"), q, logger)

	for i := int64(1); i <= 10; i++ {
		q.Push(record(i, "/data/backlog"))
	}
	q.Close()
	d.Start()

	start := time.Now()
	d.Drain(100 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("drain took %v against a 100ms grace", elapsed)
	}

	expired := false
	for _, entry := range hook.AllEntries() {
		if entry.Message == "drain grace period expired with records still in flight" {
			expired = true
		}
	}
	if !expired {
		t.Error("grace expiry was not logged")
	}
}

func TestExhaustedRecordFinishesAsDropped(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prevTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(prevTP)
	})

	collector := newStubCollector(t, http.StatusInternalServerError)
	q := NewQueue(8)
	cfg := testDeliveryConfig(collector.url())
	cfg.MaxAttempts = 2
	startDelivery(t, cfg, q, log.New())

	q.Push(record(1, "/data/doomed.txt"))
	collector.waitForRequests(t, 2, 5*time.Second)

	// The last attempt drops the record, and its span must say so.
	deadline := time.Now().Add(2 * time.Second)
	for {
		spans := exporter.GetSpans()
		if len(spans) == 2 {
			outcomes := make([]any, 0, 2)
			for _, span := range spans {
				for _, kv := range span.Attributes {
					if kv.Key == "delivery.outcome" {
						outcomes = append(outcomes, kv.Value.AsInterface())
					}
				}
			}
			if len(outcomes) != 2 || outcomes[0] != "retry" || outcomes[1] != "dropped" {
				t.Errorf("attempt outcomes = %v, want [retry dropped]", outcomes)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("exported %d spans, want 2", len(exporter.GetSpans()))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDrainGraceExpiryDoesNotBlockShutdown(t *testing.T) {
	// A collector that never answers within the grace period.
	e := echo.New()
	e.POST("/hooks/files", func(ec echo.Context) error {
		time.Sleep(400 * time.Millisecond)
		return ec.NoContent(http.StatusOK)
	})
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)

	q := NewQueue(8)
	logger, hook := logtest.NewNullLogger()
	cfg := testDeliveryConfig(server.URL + "/hooks/files")
	d := NewDelivery(cfg, q, logger)

	q.Push(record(1, "/data/slow"))
	q.Close()
	d.Start()

	start := time.Now()
	d.Drain(50 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("drain took %v, expected prompt stop after grace expiry", elapsed)
	}

	expired := false
	for _, entry := range hook.AllEntries() {
		if entry.Message == "drain grace period expired with records still in flight" {
			expired = true
		}
	}
	if !expired {
		t.Error("grace expiry was not logged")
	}
}
