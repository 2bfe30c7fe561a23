package tccatalog

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type catalogMetrics struct {
	active     metric.Int64UpDownCounter
	inserts    metric.Int64Counter
	removes    metric.Int64Counter
	stepUpWait metric.Int64Histogram
}

func newCatalogMetrics(logger pslog.Logger) *catalogMetrics {
	meter := otel.Meter("pkt.systems/commitd/tccatalog")
	m := &catalogMetrics{}
	var err error

	m.active, err = meter.Int64UpDownCounter(
		"commitd.txn.catalog.active",
		metric.WithDescription("Coordinators currently registered in the catalog"),
	)
	logMetricInitError(logger, "commitd.txn.catalog.active", err)

	m.inserts, err = meter.Int64Counter(
		"commitd.txn.catalog.inserts",
		metric.WithDescription("Coordinators inserted into the catalog"),
	)
	logMetricInitError(logger, "commitd.txn.catalog.inserts", err)

	m.removes, err = meter.Int64Counter(
		"commitd.txn.catalog.removes",
		metric.WithDescription("Coordinators removed from the catalog"),
	)
	logMetricInitError(logger, "commitd.txn.catalog.removes", err)

	m.stepUpWait, err = meter.Int64Histogram(
		"commitd.txn.catalog.stepup_wait.duration_ms",
		metric.WithDescription("Time gated operations spent waiting on the step-up gate"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "commitd.txn.catalog.stepup_wait.duration_ms", err)

	return m
}

func (m *catalogMetrics) recordInsert(ctx context.Context, forStepUp bool) {
	if m == nil || m.inserts == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := []attribute.KeyValue{attribute.Bool("commitd.txn.for_stepup", forStepUp)}
	m.inserts.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.active != nil {
		m.active.Add(ctx, 1)
	}
}

func (m *catalogMetrics) recordRemove(ctx context.Context, retained bool) {
	if m == nil || m.removes == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := []attribute.KeyValue{attribute.Bool("commitd.txn.retained", retained)}
	m.removes.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.active != nil {
		m.active.Add(ctx, -1)
	}
}

func (m *catalogMetrics) recordStepUpWait(ctx context.Context, duration time.Duration) {
	if m == nil || m.stepUpWait == nil {
		return
	}
	m.stepUpWait.Record(metricContext(ctx), duration.Milliseconds())
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
