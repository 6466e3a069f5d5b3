package acceptor

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/lotteryd/internal/dispatch"
	"pkt.systems/lotteryd/internal/handler"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	submitted []net.Conn
	reaps     atomic.Int32
	drained   chan context.Context
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{drained: make(chan context.Context, 1)}
}

func (f *fakeDispatcher) Submit(_ context.Context, conn net.Conn) (*dispatch.Task, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, conn)
	f.mu.Unlock()
	return &dispatch.Task{}, nil
}

func (f *fakeDispatcher) Reap(wait bool) int {
	if !wait {
		f.reaps.Add(1)
	}
	return 0
}

func (f *fakeDispatcher) Drain(ctx context.Context) int {
	f.mu.Lock()
	for _, conn := range f.submitted {
		conn.Close()
	}
	n := len(f.submitted)
	f.mu.Unlock()
	f.drained <- ctx
	return n
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func startAcceptor(t *testing.T, pool Dispatcher, timeout time.Duration) (*Acceptor, <-chan error) {
	t.Helper()
	ln, err := Listen(context.Background(), "127.0.0.1:0", 16)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	acc, err := New(Config{Listener: ln, AcceptTimeout: timeout, Pool: pool})
	if err != nil {
		t.Fatalf("new acceptor: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- acc.Serve(context.Background()) }()
	t.Cleanup(func() { _ = acc.Shutdown(context.Background()) })
	return acc, errCh
}

func TestAcceptorHandsConnectionsToPool(t *testing.T) {
	t.Parallel()
	pool, err := dispatch.New(dispatch.Config{
		Workers:   2,
		QueueSize: 2,
		Serve: func(ctx context.Context, conn net.Conn) (handler.Result, error) {
			defer conn.Close()
			_, err := conn.Write([]byte("ok"))
			return handler.Result{}, err
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	acc, errCh := startAcceptor(t, pool, 20*time.Millisecond)
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", acc.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		buf, err := io.ReadAll(conn)
		conn.Close()
		if err != nil || string(buf) != "ok" {
			t.Fatalf("read = %q, %v", buf, err)
		}
	}
	waitFor(t, time.Second, func() bool { return pool.Tracked() == 0 })
	if err := acc.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestAcceptTimeoutRunsReapPass(t *testing.T) {
	t.Parallel()
	pool := newFakeDispatcher()
	startAcceptor(t, pool, 5*time.Millisecond)
	waitFor(t, time.Second, func() bool { return pool.reaps.Load() >= 3 })
}

func TestShutdownClosesListenerAndDrains(t *testing.T) {
	t.Parallel()
	pool := newFakeDispatcher()
	acc, errCh := startAcceptor(t, pool, 10*time.Millisecond)
	conn, err := net.Dial("tcp", acc.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitFor(t, time.Second, func() bool { return pool.count() == 1 })

	if err := acc.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("serve: %v", err)
	}
	select {
	case <-pool.drained:
	default:
		t.Fatal("pool was not drained")
	}
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected drained connection to be closed, got %v", err)
	}
	if c, err := net.DialTimeout("tcp", acc.Addr().String(), 200*time.Millisecond); err == nil {
		c.Close()
		t.Fatal("listener still accepting after shutdown")
	}
}

func TestServeStopsWhenContextEnds(t *testing.T) {
	t.Parallel()
	ln, err := Listen(context.Background(), "127.0.0.1:0", 0)
	if err != nil {
		t.Fatal(err)
	}
	pool := newFakeDispatcher()
	acc, err := New(Config{Listener: ln, AcceptTimeout: 10 * time.Millisecond, Pool: pool})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- acc.Serve(ctx) }()
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}
	<-pool.drained
	if err := acc.Serve(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("second serve = %v, want ErrStopped", err)
	}
}

func TestShutdownDeadlineAbortsDrain(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	pool, err := dispatch.New(dispatch.Config{
		Workers: 1,
		Serve: func(ctx context.Context, conn net.Conn) (handler.Result, error) {
			defer conn.Close()
			close(started)
			<-ctx.Done()
			return handler.Result{}, ctx.Err()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	acc, errCh := startAcceptor(t, pool, 10*time.Millisecond)
	conn, err := net.Dial("tcp", acc.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := acc.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("shutdown = %v, want deadline exceeded", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("serve: %v", err)
	}
	if pool.Tracked() != 0 {
		t.Fatalf("tracked = %d after drain", pool.Tracked())
	}
}

func TestShutdownReleasesSubmitBlockedOnFullQueue(t *testing.T) {
	t.Parallel()
	pool, err := dispatch.New(dispatch.Config{
		Workers: 1,
		Serve: func(ctx context.Context, conn net.Conn) (handler.Result, error) {
			defer conn.Close()
			<-ctx.Done()
			return handler.Result{}, ctx.Err()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	acc, errCh := startAcceptor(t, pool, 10*time.Millisecond)
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", acc.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
	}
	// The worker is busy and the queue is unbuffered, so the second
	// connection stays tracked inside Submit.
	waitFor(t, 2*time.Second, func() bool { return pool.InFlight() == 1 && pool.Tracked() == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := acc.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("shutdown = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("shutdown took %s", elapsed)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("serve: %v", err)
	}
	if pool.Tracked() != 0 {
		t.Fatalf("tracked = %d after drain", pool.Tracked())
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Pool: newFakeDispatcher()}); err == nil {
		t.Fatal("expected error without listener")
	}
	ln, err := Listen(context.Background(), "127.0.0.1:0", 4)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	if _, err := New(Config{Listener: ln}); err == nil {
		t.Fatal("expected error without dispatcher")
	}
	if _, err := New(Config{Listener: ln, Pool: newFakeDispatcher(), AcceptTimeout: -time.Second}); err == nil {
		t.Fatal("expected error for negative timeout")
	}
}

func waitFor(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
