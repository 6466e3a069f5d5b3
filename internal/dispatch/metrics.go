package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/lotteryd/internal/handler"
	"pkt.systems/pslog"
)

type poolMetrics struct {
	inFlight  metric.Int64ObservableGauge
	queued    metric.Int64ObservableGauge
	tracked   metric.Int64ObservableGauge
	submits   metric.Int64Counter
	completed metric.Int64Counter
	reg       metric.Registration
}

func newPoolMetrics(logger pslog.Logger, pool *Pool) *poolMetrics {
	meter := otel.Meter("pkt.systems/lotteryd/dispatch")
	m := &poolMetrics{}
	var err error

	m.inFlight, err = meter.Int64ObservableGauge(
		"lotteryd.dispatch.in_flight",
		metric.WithDescription("Connections currently served by a worker"),
	)
	logMetricInitError(logger, "lotteryd.dispatch.in_flight", err)

	m.queued, err = meter.Int64ObservableGauge(
		"lotteryd.dispatch.queued",
		metric.WithDescription("Connections waiting for a free worker"),
	)
	logMetricInitError(logger, "lotteryd.dispatch.queued", err)

	m.tracked, err = meter.Int64ObservableGauge(
		"lotteryd.dispatch.tracked",
		metric.WithDescription("Submitted connections not yet reaped"),
	)
	logMetricInitError(logger, "lotteryd.dispatch.tracked", err)

	m.submits, err = meter.Int64Counter(
		"lotteryd.dispatch.submitted",
		metric.WithDescription("Connections handed to the pool"),
	)
	logMetricInitError(logger, "lotteryd.dispatch.submitted", err)

	m.completed, err = meter.Int64Counter(
		"lotteryd.dispatch.completed",
		metric.WithDescription("Reaped connections, by outcome"),
	)
	logMetricInitError(logger, "lotteryd.dispatch.completed", err)

	m.reg, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if pool == nil {
			return nil
		}
		if m.inFlight != nil {
			o.ObserveInt64(m.inFlight, pool.inFlight.Load())
		}
		if m.queued != nil {
			o.ObserveInt64(m.queued, int64(len(pool.queue)))
		}
		if m.tracked != nil {
			o.ObserveInt64(m.tracked, int64(pool.Tracked()))
		}
		return nil
	}, m.inFlight, m.queued, m.tracked)
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "lotteryd.dispatch.pool", "error", err)
	}
	return m
}

func (m *poolMetrics) unregister() {
	if m == nil || m.reg == nil {
		return
	}
	_ = m.reg.Unregister()
}

func (m *poolMetrics) submitted(ctx context.Context) {
	if m == nil || m.submits == nil {
		return
	}
	m.submits.Add(context.WithoutCancel(ctx), 1)
}

func (m *poolMetrics) finished(task *Task, err error) {
	if m == nil || m.completed == nil {
		return
	}
	m.completed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("lotteryd.kind", task.result.Kind.String()),
		attribute.String("lotteryd.outcome", handler.Classify(err)),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
