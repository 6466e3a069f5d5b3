package handler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/lotteryd/internal/wire"
	"pkt.systems/pslog"
)

type handlerMetrics struct {
	sessions       metric.Int64Counter
	activeSessions metric.Int64UpDownCounter
	batches        metric.Int64Counter
	bets           metric.Int64Counter
	batchSize      metric.Int64Histogram
	queries        metric.Int64Counter
	failures       metric.Int64Counter
}

func newHandlerMetrics(logger pslog.Logger) *handlerMetrics {
	meter := otel.Meter("pkt.systems/lotteryd/handler")
	m := &handlerMetrics{}
	var err error

	m.sessions, err = meter.Int64Counter(
		"lotteryd.load.sessions",
		metric.WithDescription("LOAD sessions finished, by result"),
	)
	logMetricInitError(logger, "lotteryd.load.sessions", err)

	m.activeSessions, err = meter.Int64UpDownCounter(
		"lotteryd.load.active",
		metric.WithDescription("LOAD sessions in progress"),
	)
	logMetricInitError(logger, "lotteryd.load.active", err)

	m.batches, err = meter.Int64Counter(
		"lotteryd.load.batches",
		metric.WithDescription("Bet batches stored"),
	)
	logMetricInitError(logger, "lotteryd.load.batches", err)

	m.bets, err = meter.Int64Counter(
		"lotteryd.load.bets",
		metric.WithDescription("Bets stored"),
	)
	logMetricInitError(logger, "lotteryd.load.bets", err)

	m.batchSize, err = meter.Int64Histogram(
		"lotteryd.load.batch_size",
		metric.WithDescription("Bets per stored batch"),
	)
	logMetricInitError(logger, "lotteryd.load.batch_size", err)

	m.queries, err = meter.Int64Counter(
		"lotteryd.query.answered",
		metric.WithDescription("Winner queries answered, by finality"),
	)
	logMetricInitError(logger, "lotteryd.query.answered", err)

	m.failures, err = meter.Int64Counter(
		"lotteryd.connection.failures",
		metric.WithDescription("Connections ended by an error, by reason"),
	)
	logMetricInitError(logger, "lotteryd.connection.failures", err)

	return m
}

func (m *handlerMetrics) sessionStarted(ctx context.Context) {
	if m == nil || m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(metricContext(ctx), 1)
}

func (m *handlerMetrics) sessionEnded(ctx context.Context, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	if m.activeSessions != nil {
		m.activeSessions.Add(ctx, -1)
	}
	if m.sessions != nil {
		m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("lotteryd.result", metricResultLabel(err))))
	}
}

func (m *handlerMetrics) batchStored(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	if m.batches != nil {
		m.batches.Add(ctx, 1)
	}
	if m.bets != nil {
		m.bets.Add(ctx, size)
	}
	if m.batchSize != nil {
		m.batchSize.Record(ctx, size)
	}
}

func (m *handlerMetrics) queryAnswered(ctx context.Context, final bool) {
	if m == nil || m.queries == nil {
		return
	}
	m.queries.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.Bool("lotteryd.final", final)))
}

func (m *handlerMetrics) recordFailure(ctx context.Context, kind wire.Kind, err error) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("lotteryd.kind", kind.String()),
		attribute.String("lotteryd.reason", Classify(err)),
	))
}

func metricResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

// metricContext detaches ctx from cancellation so measurements taken while a
// connection is torn down are still recorded.
func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
