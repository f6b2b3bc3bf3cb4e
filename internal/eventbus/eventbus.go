// Package eventbus fans out task/cycle/verdict lifecycle events to external
// observers (dashboards, audit consumers). Publishing is best-effort and
// never blocks or fails the operation that triggered it: taskforge's
// correctness does not depend on anyone receiving these events.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Subjects used for lifecycle fan-out.
const (
	SubjectTaskCreated    = "taskforge.task.created"
	SubjectTaskClaimed    = "taskforge.task.claimed"
	SubjectTaskCompleted  = "taskforge.task.completed"
	SubjectTaskFailed     = "taskforge.task.failed"
	SubjectTaskAbandoned  = "taskforge.task.abandoned"
	SubjectCycleOpened    = "taskforge.cycle.opened"
	SubjectCyclePhase     = "taskforge.cycle.phase"
	SubjectCycleClosed    = "taskforge.cycle.closed"
	SubjectVerdictRecorded = "taskforge.verdict.recorded"
)

var propagator = propagation.TraceContext{}

// Bus publishes lifecycle events. A nil *nats.Conn (disabled via config)
// makes every Publish call a no-op, so callers never need to branch on
// whether the bus is enabled.
type Bus struct {
	nc *nats.Conn
}

// New wraps an already-connected NATS connection. conn may be nil, in
// which case the returned Bus silently drops every event.
func New(conn *nats.Conn) *Bus {
	return &Bus{nc: conn}
}

// Connect dials addr and returns a Bus backed by it. If addr is empty the
// event bus is disabled and Connect returns a no-op Bus with a nil error.
func Connect(addr string) (*Bus, error) {
	if addr == "" {
		return New(nil), nil
	}
	nc, err := nats.Connect(addr, nats.Name("taskforge"))
	if err != nil {
		return nil, err
	}
	return New(nc), nil
}

// Publish marshals payload as JSON and publishes it on subject, injecting
// the current trace context into the message header. Errors are logged,
// not returned: event delivery is advisory only.
func (b *Bus) Publish(ctx context.Context, subject string, payload any) {
	if b == nil || b.nc == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("eventbus: marshal failed", "subject", subject, "error", err)
		return
	}
	tr := otel.Tracer("taskforge-eventbus")
	ctx, span := tr.Start(ctx, "eventbus.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	if err := b.nc.PublishMsg(msg); err != nil {
		slog.Warn("eventbus: publish failed", "subject", subject, "error", err)
	}
}

// Close drains and closes the underlying connection, if any.
func (b *Bus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	_ = b.nc.Drain()
}
