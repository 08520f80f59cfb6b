package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds the jagc metric instruments.
type Metrics struct {
	RunsIngested     metric.Int64Counter
	RunsDeduplicated metric.Int64Counter
	RunsSucceeded    metric.Int64Counter
	RunsFailed       metric.Int64Counter
	RunDuration      metric.Float64Histogram
	DispatchInFlight metric.Int64UpDownCounter
	TelegramRetries  metric.Int64Counter
	ScheduleFires    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunsIngested, err = meter.Int64Counter("jagc.runs.ingested",
		metric.WithDescription("Runs created from ingested messages"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsDeduplicated, err = meter.Int64Counter("jagc.runs.deduplicated",
		metric.WithDescription("Ingest calls answered by an existing run"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsSucceeded, err = meter.Int64Counter("jagc.runs.succeeded",
		metric.WithDescription("Runs finished in succeeded state"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("jagc.runs.failed",
		metric.WithDescription("Runs finished in failed state"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("jagc.run.duration",
		metric.WithDescription("Run execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchInFlight, err = meter.Int64UpDownCounter("jagc.dispatch.in_flight",
		metric.WithDescription("Run dispatches currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	m.TelegramRetries, err = meter.Int64Counter("jagc.telegram.retries",
		metric.WithDescription("Telegram API calls retried after transport errors"),
	)
	if err != nil {
		return nil, err
	}

	m.ScheduleFires, err = meter.Int64Counter("jagc.schedule.fires",
		metric.WithDescription("Scheduled task occurrences fired"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
