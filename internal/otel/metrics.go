package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the board's instruments. Names use dots; the Prometheus
// bridge exposes them as opsboard_<name>.
type Metrics struct {
	RequestDuration       metric.Float64Histogram
	DeliveryDuration      metric.Float64Histogram
	TickDuration          metric.Float64Histogram
	DeliveriesTotal       metric.Int64Counter
	NotificationsEnqueued metric.Int64Counter
	MutationsTotal        metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m    Metrics
		errs []error
	)
	seconds := func(dst *metric.Float64Histogram, name, desc string) {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		*dst = h
		errs = append(errs, err)
	}
	count := func(dst *metric.Int64Counter, name, desc string) {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		*dst = c
		errs = append(errs, err)
	}

	seconds(&m.RequestDuration, "opsboard.request.duration", "Gateway request duration in seconds")
	seconds(&m.DeliveryDuration, "opsboard.delivery.duration", "Time spent pushing one notification to its agent")
	seconds(&m.TickDuration, "opsboard.worker.tick.duration", "Duration of one worker poll-and-deliver pass")
	count(&m.DeliveriesTotal, "opsboard.delivery.count", "Delivery attempts by outcome")
	count(&m.NotificationsEnqueued, "opsboard.notification.enqueued", "Notifications written by board mutations")
	count(&m.MutationsTotal, "opsboard.mutation.count", "Board mutations by operation and result")

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}
