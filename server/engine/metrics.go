package engine

import (
	"context"
	"errors"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/s00inx/pollserve/server/engine"

// counters behind Stats, always on
type counters struct {
	accepted  atomic.Uint64
	open      atomic.Int64
	requests  atomic.Uint64
	rejected  atomic.Uint64 // answered with 4xx/5xx
	saturated atomic.Uint64
	cancelled atomic.Uint64
	reentrant atomic.Uint64
}

// Stats is a point-in-time view of the engine
type Stats struct {
	Accepted   uint64 // connections accepted
	Open       int64  // connections alive
	Requests   uint64 // responses started
	Errors     uint64 // responses with status >= 400
	Saturated  uint64 // submissions that timed out on a full queue
	Cancelled  uint64 // jobs dropped by a forced shutdown
	Panics     uint64 // steps that panicked
	Reentrant  uint64 // steps that found their session already being advanced
	QueueDepth int
	Busy       int // workers executing a job
}

// otel instruments, a noop provider makes them free
type metrics struct {
	accepted  metric.Int64Counter
	open      metric.Int64UpDownCounter
	requests  metric.Int64Counter
	saturated metric.Int64Counter
	cancelled metric.Int64Counter
	depth     metric.Int64ObservableGauge
	reg       metric.Registration
}

func newMetrics(mp metric.MeterProvider, depth func() int64) (*metrics, error) {
	meter := mp.Meter(instrumentationName)

	var (
		m    metrics
		err  error
		errs []error
	)

	m.accepted, err = meter.Int64Counter("pollserve.connections.accepted",
		metric.WithDescription("Connections accepted by the listener"),
		metric.WithUnit("{connection}"))
	errs = append(errs, err)

	m.open, err = meter.Int64UpDownCounter("pollserve.connections.open",
		metric.WithDescription("Connections currently registered"),
		metric.WithUnit("{connection}"))
	errs = append(errs, err)

	m.requests, err = meter.Int64Counter("pollserve.requests",
		metric.WithDescription("Responses started, by status code"),
		metric.WithUnit("{request}"))
	errs = append(errs, err)

	m.saturated, err = meter.Int64Counter("pollserve.queue.saturated",
		metric.WithDescription("Job submissions that timed out on a full queue"),
		metric.WithUnit("{job}"))
	errs = append(errs, err)

	m.cancelled, err = meter.Int64Counter("pollserve.jobs.cancelled",
		metric.WithDescription("Jobs dropped by a forced shutdown"),
		metric.WithUnit("{job}"))
	errs = append(errs, err)

	m.depth, err = meter.Int64ObservableGauge("pollserve.queue.depth",
		metric.WithDescription("Jobs waiting for a worker"),
		metric.WithUnit("{job}"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	m.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.depth, depth())
		return nil
	}, m.depth)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *metrics) response(status int) {
	m.requests.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Int("http.response.status_code", status)))
}

func (m *metrics) close() error {
	return m.reg.Unregister()
}
