package datasync

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("ledgerlink/datasync")
	meter  = otel.Meter("ledgerlink/datasync")

	jobDuration, _ = meter.Float64Histogram(
		"sync.job.duration",
		metric.WithDescription("Duration of sync job execution"),
		metric.WithUnit("s"),
	)
	jobTotalCounter, _ = meter.Int64Counter(
		"sync.job.total",
		metric.WithDescription("Total number of sync jobs completed"),
	)
	itemsCounter, _ = meter.Int64Counter(
		"sync.items",
		metric.WithDescription("Records created or updated by sync jobs"),
	)
	circuitOpenCounter, _ = meter.Int64Counter(
		"sync.schedule.circuit_open",
		metric.WithDescription("Schedules that reached the consecutive failure threshold"),
	)
)
