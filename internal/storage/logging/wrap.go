// Package logging decorates a storage.Engine with trace spans and debug
// logging.
package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/lotteryd/internal/correlation"
	"pkt.systems/lotteryd/internal/loggingutil"
	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/lotteryd/internal/storage"
	"pkt.systems/pslog"
)

type engine struct {
	inner  storage.Engine
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with tracing and debug logging. The result also
// implements storage.Watcher, delegating to inner when it can watch.
func Wrap(inner storage.Engine, logger pslog.Logger, sys string) storage.Engine {
	return &engine{
		inner:  inner,
		logger: loggingutil.EnsureLogger(logger),
		tracer: otel.Tracer("pkt.systems/lotteryd/storage"),
		sys:    sys,
	}
}

func (e *engine) start(ctx context.Context, op string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := e.tracer.Start(ctx, "lotteryd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("lotteryd.storage.operation", op),
		attribute.String("lotteryd.sys", e.sys),
	)
	logger := loggingutil.FromContext(ctx, e.logger)
	if cid := correlation.ID(ctx); cid != "" {
		span.SetAttributes(attribute.String("lotteryd.correlation_id", cid))
	}
	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "error", err, "elapsed", elapsed)
		} else {
			span.SetStatus(codes.Ok, "")
			logger.Trace("storage."+op+".success", "elapsed", elapsed)
		}
		span.End()
	}
}

func (e *engine) SetWorking(ctx context.Context, agency lottery.Agency, working bool) error {
	ctx, span, _, finish := e.start(ctx, "set_working")
	span.SetAttributes(attribute.Int64("lotteryd.agency", int64(agency)), attribute.Bool("lotteryd.working", working))
	err := e.inner.SetWorking(ctx, agency, working)
	finish(err)
	return err
}

func (e *engine) IsWorking(ctx context.Context, agency lottery.Agency) (bool, error) {
	ctx, span, _, finish := e.start(ctx, "is_working")
	span.SetAttributes(attribute.Int64("lotteryd.agency", int64(agency)))
	working, err := e.inner.IsWorking(ctx, agency)
	finish(err)
	return working, err
}

func (e *engine) AppendBatch(ctx context.Context, agency lottery.Agency, bets []lottery.Bet) error {
	ctx, span, logger, finish := e.start(ctx, "append_batch")
	span.SetAttributes(attribute.Int64("lotteryd.agency", int64(agency)), attribute.Int("lotteryd.batch_size", len(bets)))
	logger.Trace("storage.append_batch.begin", "agency", agency.String(), "bets", len(bets))
	err := e.inner.AppendBatch(ctx, agency, bets)
	finish(err)
	return err
}

func (e *engine) WinnersCount(ctx context.Context, sel lottery.Selector) (lottery.Winners, error) {
	ctx, span, _, finish := e.start(ctx, "winners_count")
	span.SetAttributes(attribute.String("lotteryd.selector", sel.String()))
	w, err := e.inner.WinnersCount(ctx, sel)
	if err == nil {
		span.SetAttributes(attribute.Int64("lotteryd.winners", w.Count), attribute.Bool("lotteryd.final", w.Final))
	}
	finish(err)
	return w, err
}

func (e *engine) Reset(ctx context.Context) error {
	ctx, _, _, finish := e.start(ctx, "reset")
	err := e.inner.Reset(ctx)
	finish(err)
	return err
}

func (e *engine) RegisteredAgencies(ctx context.Context) ([]lottery.Agency, error) {
	ctx, span, _, finish := e.start(ctx, "registered_agencies")
	agencies, err := e.inner.RegisteredAgencies(ctx)
	span.SetAttributes(attribute.Int("lotteryd.agencies", len(agencies)))
	finish(err)
	return agencies, err
}

func (e *engine) Status(ctx context.Context) ([]lottery.AgencyStatus, error) {
	ctx, span, _, finish := e.start(ctx, "status")
	statuses, err := e.inner.Status(ctx)
	span.SetAttributes(attribute.Int("lotteryd.agencies", len(statuses)))
	finish(err)
	return statuses, err
}

func (e *engine) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, ok := e.inner.(storage.Watcher)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	return w.Watch(ctx)
}

func (e *engine) Close() error {
	return e.inner.Close()
}
