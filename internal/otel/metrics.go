package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the worker client and registry instruments.
type Metrics struct {
	ExecuteDuration metric.Float64Histogram
	ExecuteErrors   metric.Int64Counter
	WorkerRestarts  metric.Int64Counter
	RegistryReloads metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ExecuteDuration, err = meter.Float64Histogram("sqlcat.worker.execute.duration",
		metric.WithDescription("Round-trip time of execute requests to the worker"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.ExecuteErrors, err = meter.Int64Counter("sqlcat.worker.execute.errors",
		metric.WithDescription("Execute requests that failed, by error kind"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerRestarts, err = meter.Int64Counter("sqlcat.worker.restarts",
		metric.WithDescription("Worker process restarts"),
	)
	if err != nil {
		return nil, err
	}

	m.RegistryReloads, err = meter.Int64Counter("sqlcat.registry.reloads",
		metric.WithDescription("Connection file reloads, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
