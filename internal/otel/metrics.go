package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Protectogram metrics instruments.
type Metrics struct {
	WebhookDuration    metric.Float64Histogram
	WebhookDuplicates  metric.Int64Counter
	OutboxSendDuration metric.Float64Histogram
	OutboxFailures     metric.Int64Counter
	SchedulerTickDur   metric.Float64Histogram
	ScheduledActions   metric.Int64Counter
	IncidentsOpened    metric.Int64Counter
	IncidentsResolved  metric.Int64Counter
	ContentionRetries  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.WebhookDuration, err = meter.Float64Histogram("protectogram.webhook.duration",
		metric.WithDescription("Webhook intake handler duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookDuplicates, err = meter.Int64Counter("protectogram.webhook.duplicates",
		metric.WithDescription("Webhook deliveries recognized as duplicates by the inbox"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxSendDuration, err = meter.Float64Histogram("protectogram.outbox.send.duration",
		metric.WithDescription("Outbox dispatch duration in seconds, including the provider call"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxFailures, err = meter.Int64Counter("protectogram.outbox.failures",
		metric.WithDescription("Outbox messages that failed dispatch"),
	)
	if err != nil {
		return nil, err
	}

	m.SchedulerTickDur, err = meter.Float64Histogram("protectogram.scheduler.tick.duration",
		metric.WithDescription("Scheduler poll tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ScheduledActions, err = meter.Int64Counter("protectogram.scheduler.actions.fired",
		metric.WithDescription("Scheduled actions dispatched to a handler"),
	)
	if err != nil {
		return nil, err
	}

	m.IncidentsOpened, err = meter.Int64Counter("protectogram.incidents.opened",
		metric.WithDescription("Panic incidents opened"),
	)
	if err != nil {
		return nil, err
	}

	m.IncidentsResolved, err = meter.Int64Counter("protectogram.incidents.resolved",
		metric.WithDescription("Panic incidents reaching a terminal state, labeled by status"),
	)
	if err != nil {
		return nil, err
	}

	m.ContentionRetries, err = meter.Int64Counter("protectogram.lock.contention",
		metric.WithDescription("Advisory incident lock acquisitions that required a retry"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
