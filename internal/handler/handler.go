// Package handler runs the per-connection protocol: one request per
// connection, either a LOAD session streaming bet batches into the store or a
// winners query.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/lotteryd/internal/correlation"
	"pkt.systems/lotteryd/internal/loggingutil"
	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/lotteryd/internal/storage"
	"pkt.systems/lotteryd/internal/wire"
	"pkt.systems/pslog"
)

// DefaultReleaseTimeout bounds the store write that clears a working flag
// after the session context is gone.
const DefaultReleaseTimeout = 5 * time.Second

// Config wires a Handler.
type Config struct {
	Engine storage.Engine
	Logger pslog.Logger
	// ConnTimeout is the idle limit for every read and write on the
	// connection. Zero disables deadlines.
	ConnTimeout time.Duration
	// ReleaseTimeout bounds clearing the working flag at session end.
	ReleaseTimeout time.Duration
}

// Handler serves protocol connections against a storage engine.
type Handler struct {
	engine         storage.Engine
	logger         pslog.Logger
	connTimeout    time.Duration
	releaseTimeout time.Duration
	tracer         trace.Tracer
	metrics        *handlerMetrics
}

// Result describes a served connection.
type Result struct {
	Agency  lottery.Selector
	Kind    wire.Kind
	Batches int
	Bets    int
}

// New validates cfg and returns a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("handler: storage engine required")
	}
	if cfg.ConnTimeout < 0 {
		return nil, fmt.Errorf("handler: connection timeout must be >= 0")
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = DefaultReleaseTimeout
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	return &Handler{
		engine:         cfg.Engine,
		logger:         logger,
		connTimeout:    cfg.ConnTimeout,
		releaseTimeout: cfg.ReleaseTimeout,
		tracer:         otel.Tracer("pkt.systems/lotteryd/handler"),
		metrics:        newHandlerMetrics(logger),
	}, nil
}

// Serve handles one connection and always closes it. Cancelling ctx closes
// the connection, which unblocks any pending read; a LOAD session still
// clears its working flag on that path.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) (res Result, err error) {
	defer conn.Close()
	ctx, logger, _ := correlation.Start(ctx, h.logger.With("peer", conn.RemoteAddr().String()))
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer func() {
		if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		if err != nil {
			h.metrics.recordFailure(ctx, res.Kind, err)
			logger.Debug("handler.connection.closed", "reason", Classify(err), "error", err)
		}
	}()

	c := wire.NewConn(&deadlineConn{conn: conn, timeout: h.connTimeout})
	kind, name, err := c.ReadRequest()
	if err != nil {
		return res, err
	}
	res.Kind = kind
	sel, err := lottery.ParseSelector(name)
	if err != nil {
		return res, fmt.Errorf("%w: agency name %q", wire.ErrMalformed, name)
	}
	res.Agency = sel
	logger = logger.With("agency", sel.String(), "kind", kind.String())
	ctx = pslog.ContextWithLogger(ctx, logger)

	if kind == wire.KindLoad {
		if sel.All {
			return res, fmt.Errorf("%w: wildcard agency cannot load bets", wire.ErrMalformed)
		}
		err = h.load(ctx, c, sel.Agency, &res)
		return res, err
	}
	err = h.query(ctx, c, kind, sel)
	return res, err
}

func (h *Handler) load(ctx context.Context, c *wire.Conn, agency lottery.Agency, res *Result) (err error) {
	logger := loggingutil.FromContext(ctx, h.logger)
	ctx, span := h.tracer.Start(ctx, "lotteryd.load", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.Int64("lotteryd.agency", int64(agency)),
		attribute.String("lotteryd.correlation_id", correlation.ID(ctx)),
	)
	defer func() {
		span.SetAttributes(attribute.Int("lotteryd.batches", res.Batches), attribute.Int("lotteryd.bets", res.Bets))
		endSpan(span, err)
	}()

	release, err := storage.BeginSession(ctx, h.engine, agency)
	if err != nil {
		return err
	}
	h.metrics.sessionStarted(ctx)
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.releaseTimeout)
		defer cancel()
		if rerr := release(rctx); rerr != nil {
			logger.Error("handler.load.release_error", "error", rerr)
			err = errors.Join(err, rerr)
		}
		h.metrics.sessionEnded(ctx, err)
	}()
	logger.Debug("handler.load.begin")

	for {
		count, err := c.ReadBatchHeader()
		if err != nil {
			return err
		}
		if count == 0 {
			break
		}
		bets, err := c.ReadBatch(agency, count)
		if err != nil {
			return err
		}
		if err := h.engine.AppendBatch(ctx, agency, bets); err != nil {
			return fmt.Errorf("handler: store batch: %w", err)
		}
		if err := c.WriteBatchAck(count); err != nil {
			return err
		}
		res.Batches++
		res.Bets += int(count)
		h.metrics.batchStored(ctx, int64(count))
		logger.Debug("handler.load.batch_stored", "size", count, "batches", res.Batches)
	}
	logger.Info("handler.load.complete", "batches", res.Batches, "bets", res.Bets)
	return nil
}

func (h *Handler) query(ctx context.Context, c *wire.Conn, kind wire.Kind, sel lottery.Selector) (err error) {
	logger := loggingutil.FromContext(ctx, h.logger)
	ctx, span := h.tracer.Start(ctx, "lotteryd.query", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("lotteryd.selector", sel.String()),
		attribute.String("lotteryd.correlation_id", correlation.ID(ctx)),
	)
	defer func() { endSpan(span, err) }()

	w, err := h.engine.WinnersCount(ctx, sel)
	if err != nil {
		return fmt.Errorf("handler: count winners: %w", err)
	}
	span.SetAttributes(attribute.Int64("lotteryd.winners", w.Count), attribute.Bool("lotteryd.final", w.Final))
	if kind == wire.KindQueryPair {
		err = c.WriteWinnersReply(w)
	} else {
		err = c.WriteWinnersCount(w)
	}
	if err != nil {
		return err
	}
	h.metrics.queryAnswered(ctx, w.Final)
	logger.Info("handler.query.answered", "winners", w.Count, "final", w.Final)
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Classify(err))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Classify names the outcome of a failed connection for logs and metrics.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, wire.ErrMalformed), errors.Is(err, lottery.ErrInvalidBet):
		return "malformed"
	case errors.Is(err, wire.ErrConnectionClosed):
		return "closed"
	case wire.IsTimeout(err):
		return "timeout"
	case wire.IsTransport(err):
		return "transport"
	default:
		return "error"
	}
}

// IsExpected reports whether err is an ordinary end of a connection that
// does not deserve an error-level log line.
func IsExpected(err error) bool {
	switch Classify(err) {
	case "ok", "canceled", "closed":
		return true
	default:
		return false
	}
}

// deadlineConn refreshes the connection deadline before every read and
// write, turning timeout into an idle limit. A failed deadline update is
// ignored: the Read or Write that follows reports the real state of the
// connection, such as io.EOF from a peer that hung up.
type deadlineConn struct {
	conn    net.Conn
	timeout time.Duration
}

func (d *deadlineConn) Read(p []byte) (int, error) {
	if d.timeout > 0 {
		_ = d.conn.SetReadDeadline(time.Now().Add(d.timeout))
	}
	return d.conn.Read(p)
}

func (d *deadlineConn) Write(p []byte) (int, error) {
	if d.timeout > 0 {
		_ = d.conn.SetWriteDeadline(time.Now().Add(d.timeout))
	}
	return d.conn.Write(p)
}

var _ io.ReadWriter = (*deadlineConn)(nil)
