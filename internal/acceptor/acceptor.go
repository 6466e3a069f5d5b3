// Package acceptor owns the listening socket. It accepts connections with a
// bounded wait, hands them to a dispatcher and uses every idle accept timeout
// as a tick to reap finished connections.
package acceptor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"pkt.systems/lotteryd/internal/dispatch"
	"pkt.systems/lotteryd/internal/loggingutil"
	"pkt.systems/lotteryd/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultAcceptTimeout is the accept wait used when Config.AcceptTimeout is
// zero.
const DefaultAcceptTimeout = time.Second

const maxTemporaryDelay = time.Second

// ErrStopped is returned by Serve when called on an acceptor that has
// already been shut down.
var ErrStopped = errors.New("acceptor: stopped")

// Dispatcher receives accepted connections.
type Dispatcher interface {
	Submit(ctx context.Context, conn net.Conn) (*dispatch.Task, error)
	Reap(wait bool) int
	Drain(ctx context.Context) int
}

// Config wires an Acceptor.
type Config struct {
	Listener net.Listener
	// AcceptTimeout bounds a single accept wait. Each expiry runs a
	// non-blocking reap pass.
	AcceptTimeout time.Duration
	Pool          Dispatcher
	Logger        pslog.Logger
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// Acceptor runs the accept loop for a single listener.
type Acceptor struct {
	listener      net.Listener
	acceptTimeout time.Duration
	pool          Dispatcher
	logger        pslog.Logger

	// drainCtx is cancelled once a Shutdown deadline expires; the drain
	// then aborts whatever is still running.
	drainCtx    context.Context
	drainCancel context.CancelFunc

	// stopCtx ends when the acceptor stops. A Submit blocked on a full
	// queue gives up with it.
	stopCtx    context.Context
	stopCancel context.CancelFunc

	mu       sync.Mutex
	stopOnce sync.Once
	started  bool
	done     chan struct{}
}

// New validates cfg and returns an Acceptor. The acceptor takes ownership of
// the listener.
func New(cfg Config) (*Acceptor, error) {
	if cfg.Listener == nil {
		return nil, fmt.Errorf("acceptor: listener required")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("acceptor: dispatcher required")
	}
	if cfg.AcceptTimeout < 0 {
		return nil, fmt.Errorf("acceptor: accept timeout must be >= 0")
	}
	if cfg.AcceptTimeout == 0 {
		cfg.AcceptTimeout = DefaultAcceptTimeout
	}
	logger := svcfields.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), svcfields.Acceptor)
	drainCtx, drainCancel := context.WithCancel(context.Background())
	stopCtx, stopCancel := context.WithCancel(context.Background())
	return &Acceptor{
		listener:      cfg.Listener,
		acceptTimeout: cfg.AcceptTimeout,
		pool:          cfg.Pool,
		logger:        logger,
		drainCtx:      drainCtx,
		drainCancel:   drainCancel,
		stopCtx:       stopCtx,
		stopCancel:    stopCancel,
		done:          make(chan struct{}),
	}, nil
}

// Addr returns the listener address.
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

// Serve accepts connections until ctx ends or Shutdown is called. On exit the
// listener is closed and the dispatcher drained, so every accepted connection
// has been served or aborted by the time Serve returns. A nil error means a
// requested stop.
func (a *Acceptor) Serve(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return ErrStopped
	}
	a.started = true
	a.mu.Unlock()
	defer close(a.done)

	stopWatch := context.AfterFunc(ctx, func() { a.stop() })
	defer stopWatch()
	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	unlinkStop := context.AfterFunc(a.stopCtx, cancelLoop)
	defer unlinkStop()

	a.logger.Info("acceptor.started", "address", a.listener.Addr().String(), "accept_timeout", a.acceptTimeout)
	serveErr := a.loop(loopCtx)
	a.stop()

	reaped := a.pool.Drain(a.drainCtx)
	a.drainCancel()
	a.logger.Info("acceptor.stopped", "reaped", reaped)
	return serveErr
}

func (a *Acceptor) loop(ctx context.Context) error {
	var tempDelay time.Duration
	for {
		if a.stopping() {
			return nil
		}
		if dl, ok := a.listener.(deadliner); ok {
			if err := dl.SetDeadline(time.Now().Add(a.acceptTimeout)); err != nil && !a.stopping() {
				return fmt.Errorf("acceptor: set deadline: %w", err)
			}
		}
		conn, err := a.listener.Accept()
		if err != nil {
			if a.stopping() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				tempDelay = 0
				if n := a.pool.Reap(false); n > 0 {
					a.logger.Trace("acceptor.reaped", "count", n)
				}
				continue
			}
			if isTemporary(err) {
				tempDelay = nextDelay(tempDelay)
				a.logger.Warn("acceptor.accept.retry", "error", err, "delay", tempDelay)
				select {
				case <-time.After(tempDelay):
					continue
				case <-a.stopCtx.Done():
					return nil
				}
			}
			return fmt.Errorf("acceptor: accept: %w", err)
		}
		tempDelay = 0
		a.logger.Debug("acceptor.connection.accepted", "peer", conn.RemoteAddr().String())
		if _, err := a.pool.Submit(ctx, conn); err != nil {
			if a.stopping() || errors.Is(err, context.Canceled) {
				return nil
			}
			if errors.Is(err, dispatch.ErrClosed) {
				return fmt.Errorf("acceptor: submit: %w", err)
			}
			a.logger.Warn("acceptor.submit.failed", "error", err)
		}
	}
}

// Shutdown stops accepting and waits for the drain to finish. Connections
// still running when ctx ends are aborted.
func (a *Acceptor) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	a.stop()
	if !started {
		a.drainCancel()
		return nil
	}
	abortOnDeadline := context.AfterFunc(ctx, a.drainCancel)
	defer abortOnDeadline()
	<-a.done
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("acceptor: drain aborted: %w", err)
	}
	return nil
}

// Done is closed once Serve has returned.
func (a *Acceptor) Done() <-chan struct{} {
	return a.done
}

func (a *Acceptor) stop() {
	a.stopOnce.Do(func() {
		a.stopCancel()
		if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			a.logger.Warn("acceptor.listener.close_failed", "error", err)
		}
	})
}

func (a *Acceptor) stopping() bool {
	return a.stopCtx.Err() != nil
}

func isTemporary(err error) bool {
	var te interface{ Temporary() bool }
	return errors.As(err, &te) && te.Temporary()
}

func nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > maxTemporaryDelay {
		d = maxTemporaryDelay
	}
	return d
}
