package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/lotteryd/internal/storage"
)

func mustBet(t *testing.T, agency lottery.Agency, number uint64) lottery.Bet {
	t.Helper()
	b, err := lottery.NewBet(agency, "Juan", "Paz", "123", time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC), number)
	if err != nil {
		t.Fatalf("new bet: %v", err)
	}
	return b
}

func TestSessionLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	release, err := storage.BeginSession(ctx, store, 1)
	if err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := store.AppendBatch(ctx, 1, []lottery.Bet{mustBet(t, 1, 7574), mustBet(t, 1, 2)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	w, err := store.WinnersCount(ctx, lottery.Only(1))
	if err != nil {
		t.Fatalf("winners: %v", err)
	}
	if w.Count != 1 || w.Final {
		t.Fatalf("during session = %+v", w)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("second release: %v", err)
	}
	w, err = store.WinnersCount(ctx, lottery.Only(1))
	if err != nil {
		t.Fatalf("winners: %v", err)
	}
	if w.Count != 1 || !w.Final {
		t.Fatalf("after session = %+v", w)
	}
}

func TestResetIdempotent(t *testing.T) {
	store := New()
	ctx := context.Background()
	if err := store.SetWorking(ctx, 2, true); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendBatch(ctx, 2, []lottery.Bet{mustBet(t, 2, 7574)}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := store.Reset(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
		agencies, _ := store.RegisteredAgencies(ctx)
		w, _ := store.WinnersCount(ctx, lottery.All)
		if len(agencies) != 0 || w.Count != 0 || !w.Final {
			t.Fatalf("after reset agencies=%v winners=%+v", agencies, w)
		}
	}
}

func TestConcurrentAppends(t *testing.T) {
	store := NewWithConfig(Config{ExpectedAgencies: 4})
	ctx := context.Background()
	var wg sync.WaitGroup
	for a := lottery.Agency(1); a <= 4; a++ {
		batch := []lottery.Bet{mustBet(t, a, 7574), mustBet(t, a, 1)}
		if err := store.SetWorking(ctx, a, true); err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = store.AppendBatch(ctx, a, batch)
			}
			_ = store.SetWorking(ctx, a, false)
		}()
	}
	wg.Wait()
	w, err := store.WinnersCount(ctx, lottery.All)
	if err != nil {
		t.Fatal(err)
	}
	if w.Count != 200 || !w.Final {
		t.Fatalf("wildcard = %+v", w)
	}
	statuses, err := store.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range statuses {
		if st.Bets != 100 || st.Winners != 50 || st.Working {
			t.Fatalf("status = %+v", st)
		}
	}
}

func TestWatchAndClose(t *testing.T) {
	store := New()
	ctx, cancel := context.WithCancel(context.Background())
	events, err := store.Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetWorking(context.Background(), 1, true); err != nil {
		t.Fatal(err)
	}
	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("no signal")
	}
	cancel()
	for range events {
	}
	store.Close()
	if err := store.SetWorking(context.Background(), 1, false); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
