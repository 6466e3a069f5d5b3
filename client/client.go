package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"

	"pkt.systems/lotteryd/internal/correlation"
	"pkt.systems/lotteryd/internal/loggingutil"
	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/lotteryd/internal/svcfields"
	"pkt.systems/lotteryd/internal/wire"
	"pkt.systems/pslog"
)

const (
	// DefaultBatchSize is the number of bets sent per batch.
	DefaultBatchSize = 100
	// DefaultTimeout bounds dialing and every read or write on a connection.
	DefaultTimeout = 30 * time.Second
	// DefaultPollInterval is the initial pause between QueryFinal attempts.
	DefaultPollInterval = 250 * time.Millisecond
	// DefaultMaxPollInterval caps the pause between QueryFinal attempts.
	DefaultMaxPollInterval = 5 * time.Second
)

// ErrShortAck is returned when the server acknowledges fewer bets than were
// sent in a batch.
var ErrShortAck = errors.New("client: server acknowledged fewer bets than sent")

// Client talks to a lotteryd server. Each call opens its own connection, so
// a Client is safe for concurrent use.
type Client struct {
	addr            string
	timeout         time.Duration
	batchSize       int
	pollInterval    time.Duration
	maxPollInterval time.Duration
	dialer          *net.Dialer
	logger          pslog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithLogger routes client events to logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTimeout sets the dial and per-operation I/O timeout. Zero disables
// I/O deadlines.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithBatchSize sets how many bets Load sends per batch.
func WithBatchSize(n int) Option {
	return func(c *Client) {
		c.batchSize = n
	}
}

// WithPollInterval adjusts the backoff QueryFinal uses between attempts.
func WithPollInterval(initial, maxInterval time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = initial
		c.maxPollInterval = maxInterval
	}
}

// WithDialer supplies the dialer used to reach the server.
func WithDialer(d *net.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// New returns a client for the server at addr (host:port).
func New(addr string, opts ...Option) (*Client, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("client: address %q: %w", addr, err)
	}
	c := &Client{
		addr:            addr,
		timeout:         DefaultTimeout,
		batchSize:       DefaultBatchSize,
		pollInterval:    DefaultPollInterval,
		maxPollInterval: DefaultMaxPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.batchSize <= 0 {
		return nil, fmt.Errorf("client: batch size must be > 0")
	}
	if c.timeout < 0 {
		return nil, fmt.Errorf("client: timeout must be >= 0")
	}
	if c.pollInterval <= 0 || c.maxPollInterval < c.pollInterval {
		return nil, fmt.Errorf("client: invalid poll interval %s..%s", c.pollInterval, c.maxPollInterval)
	}
	if c.dialer == nil {
		c.dialer = &net.Dialer{Timeout: c.timeout}
	}
	c.logger = svcfields.WithSubsystem(loggingutil.EnsureLogger(c.logger), svcfields.Client)
	return c, nil
}

// Addr returns the server address.
func (c *Client) Addr() string {
	return c.addr
}

// session is one protocol connection.
type session struct {
	conn    net.Conn
	wire    *wire.Conn
	timeout time.Duration
	stop    func() bool
}

func (c *Client) open(ctx context.Context) (*session, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", c.addr, err)
	}
	s := &session{conn: conn, wire: wire.NewConn(conn), timeout: c.timeout}
	s.stop = context.AfterFunc(ctx, func() { _ = conn.Close() })
	return s, nil
}

func (s *session) arm() {
	if s.timeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	}
}

// close releases the connection. ctx cancellation takes precedence over the
// I/O error it caused.
func (s *session) close(ctx context.Context, err error) error {
	s.stop()
	_ = s.conn.Close()
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w (%w)", context.Cause(ctx), err)
	}
	return err
}

// LoadResult summarises a Load call.
type LoadResult struct {
	Batches int
	Bets    int
}

// Load runs a LOAD session for agency, sending bets in batches and waiting
// for each acknowledgement. Bets from another agency are rejected before
// anything is sent.
func (c *Client) Load(ctx context.Context, agency lottery.Agency, bets []lottery.Bet) (LoadResult, error) {
	for i, b := range bets {
		if b.Agency != agency {
			return LoadResult{}, fmt.Errorf("client: bet %d belongs to agency %s, not %s: %w", i, b.Agency, agency, lottery.ErrInvalidBet)
		}
	}
	return c.LoadFrom(ctx, agency, &sliceSource{bets: bets})
}

// BetSource yields bets for LoadFrom. Next returns io.EOF once exhausted.
type BetSource interface {
	Next() (lottery.Bet, error)
}

type sliceSource struct {
	bets []lottery.Bet
}

func (s *sliceSource) Next() (lottery.Bet, error) {
	if len(s.bets) == 0 {
		return lottery.Bet{}, io.EOF
	}
	b := s.bets[0]
	s.bets = s.bets[1:]
	return b, nil
}

// LoadFrom runs a LOAD session streaming bets from src until it is
// exhausted.
func (c *Client) LoadFrom(ctx context.Context, agency lottery.Agency, src BetSource) (res LoadResult, err error) {
	if agency == 0 {
		return res, fmt.Errorf("client: %w", lottery.ErrInvalidAgency)
	}
	ctx, logger, _ := correlation.Start(ctx, c.logger.With("agency", agency.String()))
	s, err := c.open(ctx)
	if err != nil {
		return res, err
	}
	defer func() { err = s.close(ctx, err) }()

	s.arm()
	if err := s.wire.WriteRequest(wire.KindLoad, agency.String()); err != nil {
		return res, fmt.Errorf("client: load request: %w", err)
	}
	batch := make([]lottery.Bet, 0, c.batchSize)
	for {
		batch = batch[:0]
		var srcErr error
		for len(batch) < c.batchSize {
			b, err := src.Next()
			if err != nil {
				srcErr = err
				break
			}
			if b.Agency != agency {
				srcErr = fmt.Errorf("client: bet belongs to agency %s, not %s: %w", b.Agency, agency, lottery.ErrInvalidBet)
				break
			}
			batch = append(batch, b)
		}
		if srcErr != nil && !errors.Is(srcErr, io.EOF) {
			// The server discards the session's unacknowledged batch when the
			// connection drops, so nothing partial is stored.
			return res, srcErr
		}
		if len(batch) > 0 {
			s.arm()
			if err := s.wire.WriteBatch(batch); err != nil {
				return res, fmt.Errorf("client: send batch: %w", err)
			}
			ack, err := s.wire.ReadBatchAck()
			if err != nil {
				return res, fmt.Errorf("client: read ack: %w", err)
			}
			if int(ack) != len(batch) {
				return res, fmt.Errorf("%w: %d of %d", ErrShortAck, ack, len(batch))
			}
			res.Batches++
			res.Bets += len(batch)
			logger.Debug("client.load.batch_acked", "size", len(batch), "total", res.Bets)
		}
		if srcErr != nil {
			break
		}
	}
	s.arm()
	if err := s.wire.WriteBatch(nil); err != nil {
		return res, fmt.Errorf("client: end session: %w", err)
	}
	logger.Info("client.load.complete", "batches", res.Batches, "bets", res.Bets)
	return res, nil
}

// Query asks for the winner count of sel. The result is provisional while
// the selected agencies are still loading.
func (c *Client) Query(ctx context.Context, sel lottery.Selector) (lottery.Winners, error) {
	return c.query(ctx, wire.KindQueryPair, sel)
}

// QuerySigned asks for the winner count using the signed single-value reply,
// where a negative value marks a provisional result.
func (c *Client) QuerySigned(ctx context.Context, sel lottery.Selector) (lottery.Winners, error) {
	return c.query(ctx, wire.KindQuery, sel)
}

func (c *Client) query(ctx context.Context, kind wire.Kind, sel lottery.Selector) (w lottery.Winners, err error) {
	s, err := c.open(ctx)
	if err != nil {
		return w, err
	}
	defer func() { err = s.close(ctx, err) }()
	s.arm()
	if err := s.wire.WriteRequest(kind, sel.String()); err != nil {
		return w, fmt.Errorf("client: query request: %w", err)
	}
	if kind == wire.KindQueryPair {
		w, err = s.wire.ReadWinnersReply()
	} else {
		w, err = s.wire.ReadWinnersCount()
	}
	if err != nil {
		return w, fmt.Errorf("client: read winners: %w", err)
	}
	return w, nil
}

// QueryFinal polls Query with exponential backoff until the result is final
// or ctx ends. Transport errors are retried as well.
func (c *Client) QueryFinal(ctx context.Context, sel lottery.Selector) (lottery.Winners, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.pollInterval
	policy.MaxInterval = c.maxPollInterval
	attempt := 0
	return backoff.Retry(ctx, func() (lottery.Winners, error) {
		attempt++
		w, err := c.Query(ctx, sel)
		if err != nil {
			if ctx.Err() != nil {
				return w, backoff.Permanent(err)
			}
			c.logger.Debug("client.query.retry", "selector", sel.String(), "attempt", attempt, "error", err)
			return w, err
		}
		if !w.Final {
			c.logger.Debug("client.query.provisional", "selector", sel.String(), "attempt", attempt, "count", w.Count)
			return w, errProvisional
		}
		return w, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(0))
}

var errProvisional = errors.New("client: result still provisional")
