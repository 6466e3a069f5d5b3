// Package dispatch runs accepted connections on a fixed set of worker
// goroutines and keeps track of every submitted connection until it has been
// reaped.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"pkt.systems/lotteryd/internal/handler"
	"pkt.systems/lotteryd/internal/loggingutil"
	"pkt.systems/pslog"
)

// ErrClosed is returned by Submit once Close has been called.
var ErrClosed = errors.New("dispatch: pool closed")

// ServeFunc handles one connection. It must close conn before returning and
// return promptly once ctx is cancelled.
type ServeFunc func(ctx context.Context, conn net.Conn) (handler.Result, error)

// Config wires a Pool.
type Config struct {
	// Workers is the number of goroutines serving connections.
	Workers int
	// QueueSize bounds connections accepted but not yet picked up by a
	// worker. Submit blocks while the queue is full.
	QueueSize int
	Serve     ServeFunc
	Logger    pslog.Logger
}

// Task is a submitted connection.
type Task struct {
	ID        string
	Peer      string
	Submitted time.Time

	conn   net.Conn
	done   chan struct{}
	result handler.Result
	err    error
}

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result waits for the task and returns its outcome.
func (t *Task) Result() (handler.Result, error) {
	<-t.done
	return t.result, t.err
}

// Pool is a fixed-size worker pool for connections.
type Pool struct {
	serve   ServeFunc
	logger  pslog.Logger
	workers int

	queue     chan *Task
	submitMu  sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once

	abortCtx context.Context
	abort    context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*Task

	running  sync.WaitGroup
	inFlight atomic.Int64
	metrics  *poolMetrics
}

// New starts cfg.Workers workers.
func New(cfg Config) (*Pool, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("dispatch: workers must be > 0")
	}
	if cfg.QueueSize < 0 {
		return nil, fmt.Errorf("dispatch: queue size must be >= 0")
	}
	if cfg.Serve == nil {
		return nil, fmt.Errorf("dispatch: serve func required")
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	abortCtx, abort := context.WithCancel(context.Background())
	p := &Pool{
		serve:    cfg.Serve,
		logger:   logger,
		workers:  cfg.Workers,
		queue:    make(chan *Task, cfg.QueueSize),
		abortCtx: abortCtx,
		abort:    abort,
		tasks:    make(map[string]*Task),
	}
	p.metrics = newPoolMetrics(logger, p)
	p.running.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	logger.Debug("dispatch.pool.started", "workers", cfg.Workers, "queue", cfg.QueueSize)
	return p, nil
}

// Submit hands conn to the pool and tracks it under its peer address. It
// blocks while every worker is busy and the queue is full. On error the
// connection is closed.
func (p *Pool) Submit(ctx context.Context, conn net.Conn) (*Task, error) {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if p.closed.Load() {
		conn.Close()
		return nil, ErrClosed
	}
	task := &Task{
		ID:        xid.New().String(),
		Peer:      peerAddr(conn),
		Submitted: time.Now(),
		conn:      conn,
		done:      make(chan struct{}),
	}
	key := p.track(task)
	select {
	case p.queue <- task:
		p.metrics.submitted(ctx)
		return task, nil
	case <-ctx.Done():
		p.untrack(key)
		conn.Close()
		return nil, fmt.Errorf("dispatch: submit: %w", ctx.Err())
	case <-p.abortCtx.Done():
		p.untrack(key)
		conn.Close()
		return nil, fmt.Errorf("dispatch: submit: %w", ErrClosed)
	}
}

func (p *Pool) track(task *Task) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := task.Peer
	if _, taken := p.tasks[key]; taken {
		key = task.Peer + "#" + task.ID
	}
	p.tasks[key] = task
	return key
}

func (p *Pool) untrack(key string) {
	p.mu.Lock()
	delete(p.tasks, key)
	p.mu.Unlock()
}

func (p *Pool) worker() {
	defer p.running.Done()
	for task := range p.queue {
		p.run(task)
	}
}

func (p *Pool) run(task *Task) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	defer close(task.done)
	defer func() {
		if r := recover(); r != nil {
			task.conn.Close()
			task.err = fmt.Errorf("dispatch: task %s panicked: %v", task.ID, r)
			p.logger.Error("dispatch.task.panic", "task", task.ID, "peer", task.Peer, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := p.abortCtx.Err(); err != nil {
		task.conn.Close()
		task.err = fmt.Errorf("dispatch: task aborted before start: %w", err)
		return
	}
	task.result, task.err = p.serve(p.abortCtx, task.conn)
}

// Reap reports and forgets finished tasks. With wait set it first waits for
// every tracked task. Task errors are logged, never returned. It returns the
// number of tasks reaped.
func (p *Pool) Reap(wait bool) int {
	p.mu.Lock()
	snapshot := make(map[string]*Task, len(p.tasks))
	for key, task := range p.tasks {
		snapshot[key] = task
	}
	p.mu.Unlock()

	reaped := 0
	for key, task := range snapshot {
		if wait {
			<-task.done
		} else {
			select {
			case <-task.done:
			default:
				continue
			}
		}
		p.report(task)
		p.untrack(key)
		reaped++
	}
	return reaped
}

func (p *Pool) report(task *Task) {
	res, err := task.result, task.err
	p.metrics.finished(task, err)
	logger := p.logger.With("task", task.ID, "peer", task.Peer, "elapsed", time.Since(task.Submitted))
	if err == nil {
		logger.Debug("dispatch.task.done",
			"agency", res.Agency.String(),
			"kind", res.Kind.String(),
			"batches", res.Batches,
			"bets", res.Bets,
		)
		return
	}
	if handler.IsExpected(err) {
		logger.Debug("dispatch.task.ended", "reason", handler.Classify(err), "error", err)
		return
	}
	logger.Warn("dispatch.task.failed", "reason", handler.Classify(err), "error", err)
}

// Close stops accepting submissions. Tasks already queued still run.
func (p *Pool) Close() {
	p.closed.Store(true)
	p.closeOnce.Do(func() {
		p.submitMu.Lock()
		close(p.queue)
		p.submitMu.Unlock()
	})
}

// Join blocks until every worker has exited, which happens once the pool is
// closed and every queued task has finished.
func (p *Pool) Join() {
	p.running.Wait()
}

// Abort cancels the context of every running and queued task.
func (p *Pool) Abort() {
	p.abort()
}

// Drain closes the pool, waits for in-flight tasks and reaps them. When ctx
// ends first the remaining tasks are aborted and still waited for.
func (p *Pool) Drain(ctx context.Context) int {
	// Close may wait for a Submit blocked on a full queue; Abort releases it.
	closed := make(chan struct{})
	go func() {
		p.Close()
		p.Join()
		close(closed)
	}()
	select {
	case <-closed:
	case <-ctx.Done():
		p.logger.Warn("dispatch.pool.drain_timeout", "in_flight", p.inFlight.Load())
		p.Abort()
		<-closed
	}
	reaped := p.Reap(true)
	p.abort()
	p.metrics.unregister()
	return reaped
}

// Tracked is the number of tasks not yet reaped.
func (p *Pool) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// InFlight is the number of tasks currently being served.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

func peerAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
