package agent

import (
	"bytes"
	"context"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/keiranjprice101/dfn/domain"
)

// Delivery drains the dispatch queue and posts one notification per record
// to the collector. Transient failures (transport errors, 5xx, 429) retry
// with exponential backoff on per-record timers so other records keep
// flowing; permanent failures (other 4xx, unencodable payload) drop after
// one attempt. Every drop is logged exactly once.
type Delivery struct {
	cfg    Config
	queue  *Queue
	client *http.Client
	logger *log.Logger

	workCh chan *deliveryAttempt
	stopCh chan struct{}

	feedCtx    context.Context
	feedCancel context.CancelFunc

	stopOnce sync.Once
	feedWG   sync.WaitGroup
	workerWG sync.WaitGroup
	retryWG  sync.WaitGroup

	// pending counts records taken off the queue but not yet resolved
	// (delivered, dropped, or discarded).
	pending sync.WaitGroup
}

// deliveryAttempt is the retry state for one in-flight record.
type deliveryAttempt struct {
	record  domain.ChangeRecord
	attempt int
}

// NewDelivery builds the worker. Start must be called before records flow.
func NewDelivery(cfg Config, queue *Queue, logger *log.Logger) *Delivery {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Delivery{
		cfg:        cfg,
		queue:      queue,
		client:     &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger,
		workCh:     make(chan *deliveryAttempt, cfg.Workers*4),
		stopCh:     make(chan struct{}),
		feedCtx:    ctx,
		feedCancel: cancel,
	}
}

// Start launches the feeder and worker goroutines.
func (d *Delivery) Start() {
	d.feedWG.Add(1)
	go d.feed()
	for i := 0; i < d.cfg.Workers; i++ {
		d.workerWG.Add(1)
		go d.worker()
	}
	d.logger.WithFields(log.Fields{
		"workers":      d.cfg.Workers,
		"max_attempts": d.cfg.MaxAttempts,
		"endpoint":     d.cfg.WebhookURL,
	}).Info("delivery worker started")
}

func (d *Delivery) feed() {
	defer d.feedWG.Done()
	for {
		rec, ok := d.queue.PopNext(d.feedCtx)
		if !ok {
			return
		}
		d.pending.Add(1)
		a := &deliveryAttempt{record: rec}
		select {
		case d.workCh <- a:
		case <-d.stopCh:
			d.discard(a)
			return
		}
	}
}

func (d *Delivery) worker() {
	defer d.workerWG.Done()
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}
		select {
		case a := <-d.workCh:
			d.attempt(a)
		case <-d.stopCh:
			return
		}
	}
}

// Drain gives the pipeline up to grace to resolve everything still in
// flight, feeder hand-off included, then stops the worker. The queue must be
// closed first so the feeder can run dry. The single timer covers both
// phases: a backlog that outlasts the grace is discarded, never waited on.
func (d *Delivery) Drain(grace time.Duration) {
	flushed := make(chan struct{})
	go func() {
		d.feedWG.Wait()
		d.pending.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(grace):
		d.logger.Warn("drain grace period expired with records still in flight")
	}

	d.Stop()
}

// Stop halts delivery immediately. Unresolved records are discarded with a
// log line. Idempotent.
func (d *Delivery) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.feedCancel()
		d.feedWG.Wait()
		d.workerWG.Wait()

		// Retry timers may still be handing records back; keep sweeping
		// the work channel until every one of them has resolved.
		retryDone := make(chan struct{})
		go func() {
			d.retryWG.Wait()
			close(retryDone)
		}()
		for {
			select {
			case a := <-d.workCh:
				d.discard(a)
			case <-retryDone:
				for {
					select {
					case a := <-d.workCh:
						d.discard(a)
					default:
						return
					}
				}
			}
		}
	})
}

func (d *Delivery) attempt(a *deliveryAttempt) {
	a.attempt++
	m, ctx := newDeliveryMetrics(context.Background(), d.logger, a.record, a.attempt)

	encodeStart := time.Now()
	payload, err := domain.NewNotification(a.record, d.cfg.WatchRoot, d.cfg.LinkBaseURL).Encode()
	m.ObserveEncode(time.Since(encodeStart))
	if err != nil {
		m.Finish(outcomeDropped, 0, err)
		d.drop(a, "payload encode failed", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		m.Finish(outcomeDropped, 0, err)
		d.drop(a, "request build failed", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.TokenSecret != "" {
		token, signErr := d.signToken(a.record)
		if signErr != nil {
			m.Finish(outcomeDropped, 0, signErr)
			d.drop(a, "token signing failed", signErr)
			return
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	postStart := time.Now()
	resp, err := d.client.Do(req)
	m.ObservePost(time.Since(postStart))
	if err != nil {
		d.retryOrDrop(m, a, 0, 0, err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		m.Finish(outcomeDelivered, resp.StatusCode, nil)
		d.logger.WithFields(log.Fields{
			"path":     a.record.Path,
			"kind":     a.record.Kind,
			"seq":      a.record.Sequence,
			"attempts": a.attempt,
		}).Debug("notification delivered")
		d.pending.Done()

	case resp.StatusCode == http.StatusTooManyRequests:
		// Collector rate limit: honor Retry-After over computed backoff.
		d.retryOrDrop(m, a, retryAfter(resp), resp.StatusCode, errStatus(resp.StatusCode))

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		m.Finish(outcomeDropped, resp.StatusCode, errStatus(resp.StatusCode))
		d.drop(a, "rejected by collector", errStatus(resp.StatusCode))

	default:
		d.retryOrDrop(m, a, 0, resp.StatusCode, errStatus(resp.StatusCode))
	}
}

// retryOrDrop resolves a transient failure: another retry when attempts
// remain, a drop when they are exhausted. The metrics outcome reflects that
// decision so the final attempt's line never reads retry for a record that
// was dropped.
func (d *Delivery) retryOrDrop(m *deliveryMetrics, a *deliveryAttempt, override time.Duration, status int, cause error) {
	if a.attempt >= d.cfg.MaxAttempts {
		m.Finish(outcomeDropped, status, cause)
		d.drop(a, "retry attempts exhausted", cause)
		return
	}
	m.Finish(outcomeRetry, status, cause)
	d.scheduleRetry(a, override)
}

// scheduleRetry re-queues the attempt after a backoff delay without blocking
// the worker. override > 0 replaces the computed delay (Retry-After).
func (d *Delivery) scheduleRetry(a *deliveryAttempt, override time.Duration) {
	delay := exponentialBackoff(a.attempt, d.cfg.RetryInitial, d.cfg.RetryMax)
	if override > 0 {
		delay = override
	}

	d.retryWG.Add(1)
	timer := time.NewTimer(delay)
	go func() {
		defer d.retryWG.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case d.workCh <- a:
			case <-d.stopCh:
				d.discard(a)
			}
		case <-d.stopCh:
			d.discard(a)
		}
	}()
}

func (d *Delivery) drop(a *deliveryAttempt, reason string, cause error) {
	fields := log.Fields{
		"path":     a.record.Path,
		"kind":     a.record.Kind,
		"seq":      a.record.Sequence,
		"attempts": a.attempt,
		"reason":   reason,
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	d.logger.WithFields(fields).Error("change record dropped")
	d.pending.Done()
}

func (d *Delivery) discard(a *deliveryAttempt) {
	d.logger.WithFields(log.Fields{
		"path":     a.record.Path,
		"kind":     a.record.Kind,
		"seq":      a.record.Sequence,
		"attempts": a.attempt,
	}).Warn("change record discarded at shutdown")
	d.pending.Done()
}

// signToken mints a short-lived HS256 bearer token for the collector.
func (d *Delivery) signToken(rec domain.ChangeRecord) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    "dfn",
		Subject:   rec.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(d.cfg.TokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(d.cfg.TokenSecret))
}

func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		if initial <= 0 {
			return time.Second
		}
		return initial
	}
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

type statusError int

func errStatus(code int) error { return statusError(code) }

func (e statusError) Error() string {
	return "collector responded " + strconv.Itoa(int(e))
}
