package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// Table outcomes reported on lakecommit.commit.tables.
const (
	tableCommitted = "committed"
	tableNoop      = "noop"
	tableFailed    = "failed"
	tableSkipped   = "skipped"
)

type coordinatorMetrics struct {
	commitDuration metric.Int64Histogram
	commitCycles   metric.Int64Counter
	commitTables   metric.Int64Counter
	staleResponses metric.Int64Counter
}

func newCoordinatorMetrics(logger pslog.Logger, provider metric.MeterProvider) *coordinatorMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("pkt.systems/lakecommit/coordinator")
	m := &coordinatorMetrics{}
	var err error

	m.commitDuration, err = meter.Int64Histogram(
		"lakecommit.commit.duration",
		metric.WithDescription("Time spent committing a cycle across all tables"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "lakecommit.commit.duration", err)

	m.commitCycles, err = meter.Int64Counter(
		"lakecommit.commit.cycles",
		metric.WithDescription("Commit attempts by result and trigger"),
	)
	logMetricInitError(logger, "lakecommit.commit.cycles", err)

	m.commitTables, err = meter.Int64Counter(
		"lakecommit.commit.tables",
		metric.WithDescription("Per-table commit outcomes"),
	)
	logMetricInitError(logger, "lakecommit.commit.tables", err)

	m.staleResponses, err = meter.Int64Counter(
		"lakecommit.commit.stale_responses",
		metric.WithDescription("Responses dropped because they named a superseded commit"),
	)
	logMetricInitError(logger, "lakecommit.commit.stale_responses", err)

	return m
}

func (m *coordinatorMetrics) recordCycle(ctx context.Context, trigger, result string, duration time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	if m.commitDuration != nil {
		m.commitDuration.Record(ctx, duration.Milliseconds(), metric.WithAttributes(attribute.String("result", result)))
	}
	if m.commitCycles != nil {
		m.commitCycles.Add(ctx, 1, metric.WithAttributes(
			attribute.String("result", result),
			attribute.String("trigger", trigger),
		))
	}
}

func (m *coordinatorMetrics) recordTable(ctx context.Context, result string) {
	if m == nil || m.commitTables == nil {
		return
	}
	m.commitTables.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *coordinatorMetrics) recordStale(ctx context.Context, n int) {
	if m == nil || m.staleResponses == nil || n <= 0 {
		return
	}
	m.staleResponses.Add(metricContext(ctx), int64(n))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
