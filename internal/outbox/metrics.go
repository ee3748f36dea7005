package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type relayMetrics struct {
	dispatched        metric.Int64Counter
	retried           metric.Int64Counter
	failed            metric.Int64Counter
	stateUpdateFailed metric.Int64Counter
	cycleLatency      metric.Float64Histogram
}

func newRelayMetrics(provider metric.MeterProvider) (relayMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("trellocore/internal/outbox")

	var (
		m   relayMetrics
		err error
	)
	m.dispatched, err = meter.Int64Counter("outbox.events.dispatched",
		metric.WithDescription("Outbox events acknowledged by the task queue"),
		metric.WithUnit("{event}"))
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.events.dispatched counter: %w", err)
	}
	m.retried, err = meter.Int64Counter("outbox.events.retried",
		metric.WithDescription("Outbox dispatch attempts that failed and were rescheduled"),
		metric.WithUnit("{event}"))
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.events.retried counter: %w", err)
	}
	m.failed, err = meter.Int64Counter("outbox.events.failed",
		metric.WithDescription("Outbox events that exhausted their retries"),
		metric.WithUnit("{event}"))
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.events.failed counter: %w", err)
	}
	m.stateUpdateFailed, err = meter.Int64Counter("outbox.events.state_update_failed",
		metric.WithDescription("Outbox events enqueued but not recorded as dispatched"),
		metric.WithUnit("{event}"))
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.events.state_update_failed counter: %w", err)
	}
	m.cycleLatency, err = meter.Float64Histogram("outbox.dispatch.latency",
		metric.WithDescription("Duration of one relay cycle"),
		metric.WithUnit("s"))
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}
	return m, nil
}
