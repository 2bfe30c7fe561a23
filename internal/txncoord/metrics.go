package txncoord

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/commitd/internal/txn"
	"pkt.systems/pslog"
)

type txncoordMetrics struct {
	decideDuration  metric.Int64Histogram
	prepareDuration metric.Int64Histogram
	fanoutDuration  metric.Int64Histogram
	fanoutAttempts  metric.Int64Counter
	recovered       metric.Int64Counter
}

// One coordinator is created per transaction, so instruments are shared
// package-wide rather than re-created per instance.
var (
	metricsOnce   sync.Once
	sharedMetrics *txncoordMetrics
)

func packageMetrics(logger pslog.Logger) *txncoordMetrics {
	metricsOnce.Do(func() {
		sharedMetrics = newTxncoordMetrics(logger)
	})
	return sharedMetrics
}

func newTxncoordMetrics(logger pslog.Logger) *txncoordMetrics {
	meter := otel.Meter("pkt.systems/commitd/txncoord")
	m := &txncoordMetrics{}
	var err error

	m.decideDuration, err = meter.Int64Histogram(
		"commitd.txn.tc.decide.duration_ms",
		metric.WithDescription("Time from coordination start to terminal state"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "commitd.txn.tc.decide.duration_ms", err)

	m.prepareDuration, err = meter.Int64Histogram(
		"commitd.txn.tc.prepare.duration_ms",
		metric.WithDescription("Time spent collecting participant votes"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "commitd.txn.tc.prepare.duration_ms", err)

	m.fanoutDuration, err = meter.Int64Histogram(
		"commitd.txn.fanout.duration_ms",
		metric.WithDescription("Time spent broadcasting transaction decisions"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "commitd.txn.fanout.duration_ms", err)

	m.fanoutAttempts, err = meter.Int64Counter(
		"commitd.txn.fanout.attempts",
		metric.WithDescription("Participant request attempts"),
	)
	logMetricInitError(logger, "commitd.txn.fanout.attempts", err)

	m.recovered, err = meter.Int64Counter(
		"commitd.txn.tc.recovered",
		metric.WithDescription("Coordinators resumed during step-up recovery"),
	)
	logMetricInitError(logger, "commitd.txn.tc.recovered", err)

	return m
}

func (m *txncoordMetrics) recordDecide(ctx context.Context, decision txn.Decision, err error, duration time.Duration) {
	if m == nil || m.decideDuration == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	attrs := []attribute.KeyValue{
		attribute.String("commitd.txn.decision", decisionLabel(decision)),
		attribute.String("commitd.txn.result", result),
	}
	m.decideDuration.Record(metricContext(ctx), duration.Milliseconds(), metric.WithAttributes(attrs...))
}

func (m *txncoordMetrics) recordPrepare(ctx context.Context, duration time.Duration) {
	if m == nil || m.prepareDuration == nil {
		return
	}
	m.prepareDuration.Record(metricContext(ctx), duration.Milliseconds())
}

func (m *txncoordMetrics) recordFanout(ctx context.Context, decision txn.Decision, duration time.Duration, ok bool) {
	if m == nil || m.fanoutDuration == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	attrs := []attribute.KeyValue{
		attribute.String("commitd.txn.decision", decisionLabel(decision)),
		attribute.String("commitd.txn.result", result),
	}
	m.fanoutDuration.Record(metricContext(ctx), duration.Milliseconds(), metric.WithAttributes(attrs...))
}

func (m *txncoordMetrics) recordFanoutAttempt(ctx context.Context, shard string) {
	if m == nil || m.fanoutAttempts == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("commitd.txn.shard", shard)}
	m.fanoutAttempts.Add(metricContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (m *txncoordMetrics) recordRecovered(ctx context.Context, count int) {
	if m == nil || m.recovered == nil || count == 0 {
		return
	}
	m.recovered.Add(metricContext(ctx), int64(count))
}

func decisionLabel(decision txn.Decision) string {
	if decision == txn.DecisionNone {
		return "none"
	}
	return string(decision)
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
