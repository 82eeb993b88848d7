package agent

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keiranjprice101/dfn/domain"
)

const (
	outcomeDelivered = "delivered"
	outcomeRetry     = "retry"
	outcomeDropped   = "dropped"
)

// deliveryMetrics observes a single delivery attempt: an OTel span plus a
// structured log line with stage timings.
type deliveryMetrics struct {
	logger         *log.Logger
	span           trace.Span
	start          time.Time
	attempt        int
	record         domain.ChangeRecord
	encodeDuration time.Duration
	postDuration   time.Duration
}

// newDeliveryMetrics starts the attempt span. The returned context carries it
// so the trace propagates to the collector request.
func newDeliveryMetrics(ctx context.Context, logger *log.Logger, rec domain.ChangeRecord, attempt int) (*deliveryMetrics, context.Context) {
	spanCtx, span := otel.Tracer("dfn/agent").Start(ctx, "delivery.attempt",
		trace.WithAttributes(
			attribute.String("record.path", rec.Path),
			attribute.String("record.kind", string(rec.Kind)),
			attribute.Int64("record.sequence", rec.Sequence),
			attribute.Int("delivery.attempt", attempt),
		))
	return &deliveryMetrics{
		logger:  logger,
		span:    span,
		start:   time.Now(),
		attempt: attempt,
		record:  rec,
	}, spanCtx
}

func (m *deliveryMetrics) ObserveEncode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.encodeDuration = duration
}

func (m *deliveryMetrics) ObservePost(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.postDuration = duration
}

// Finish ends the span and emits the metrics log line. status is the HTTP
// response code, zero when no response was received.
func (m *deliveryMetrics) Finish(outcome string, status int, err error) {
	if m == nil {
		return
	}

	m.span.SetAttributes(attribute.String("delivery.outcome", outcome))
	if status > 0 {
		m.span.SetAttributes(attribute.Int("http.status_code", status))
	}
	if err != nil {
		m.span.RecordError(err)
	}
	if outcome != outcomeDelivered {
		m.span.SetStatus(codes.Error, outcome)
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.End()

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"path":     m.record.Path,
		"kind":     m.record.Kind,
		"seq":      m.record.Sequence,
		"attempt":  m.attempt,
		"outcome":  outcome,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if status > 0 {
		fields["status"] = status
	}
	if m.encodeDuration > 0 {
		fields["encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.postDuration > 0 {
		fields["post_ms"] = durationToMillis(m.postDuration)
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Debug("delivery.attempt.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
