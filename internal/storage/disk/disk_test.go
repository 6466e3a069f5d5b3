package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/lotteryd/internal/storage"
)

func newStore(t *testing.T, root string, expected int) *Store {
	t.Helper()
	store, err := New(Config{Root: root, LockRetryInterval: time.Millisecond, ExpectedAgencies: expected})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func bet(t *testing.T, agency lottery.Agency, document string, number uint64) lottery.Bet {
	t.Helper()
	b, err := lottery.NewBet(agency, "Ana", "Pérez, \"la\" Grande", document, time.Date(1990, 4, 2, 0, 0, 0, 0, time.UTC), number)
	if err != nil {
		t.Fatalf("new bet: %v", err)
	}
	return b
}

func TestDiskStoreLoadThenQuery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t, filepath.Join(t.TempDir(), "store"), 0)

	if err := store.SetWorking(ctx, 1, true); err != nil {
		t.Fatalf("set working: %v", err)
	}
	batch := []lottery.Bet{bet(t, 1, "10", 7574), bet(t, 1, "11", 1), bet(t, 1, "12", 7574)}
	if err := store.AppendBatch(ctx, 1, batch); err != nil {
		t.Fatalf("append: %v", err)
	}
	w, err := store.WinnersCount(ctx, lottery.Only(1))
	if err != nil {
		t.Fatalf("winners: %v", err)
	}
	if w.Count != 2 || w.Final {
		t.Fatalf("while working winners = %+v, want provisional 2", w)
	}
	if err := store.SetWorking(ctx, 1, false); err != nil {
		t.Fatalf("clear working: %v", err)
	}
	w, err = store.WinnersCount(ctx, lottery.Only(1))
	if err != nil {
		t.Fatalf("winners: %v", err)
	}
	if w.Count != 2 || !w.Final {
		t.Fatalf("settled winners = %+v, want final 2", w)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), lockName)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("lock marker left behind: %v", err)
	}
}

func TestDiskStoreUnknownAgencyIsSettledZero(t *testing.T) {
	t.Parallel()
	store := newStore(t, t.TempDir(), 0)
	w, err := store.WinnersCount(context.Background(), lottery.Only(42))
	if err != nil {
		t.Fatalf("winners: %v", err)
	}
	if w.Count != 0 || !w.Final {
		t.Fatalf("winners = %+v", w)
	}
	working, err := store.IsWorking(context.Background(), 42)
	if err != nil || working {
		t.Fatalf("is working = %v, %v", working, err)
	}
}

func TestDiskStoreResetIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t, t.TempDir(), 0)

	if err := store.SetWorking(ctx, 3, true); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendBatch(ctx, 3, []lottery.Bet{bet(t, 3, "1", 7574)}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := store.Reset(ctx); err != nil {
			t.Fatalf("reset %d: %v", i, err)
		}
		agencies, err := store.RegisteredAgencies(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(agencies) != 0 {
			t.Fatalf("agencies after reset = %v", agencies)
		}
		w, err := store.WinnersCount(ctx, lottery.All)
		if err != nil {
			t.Fatal(err)
		}
		if w.Count != 0 || !w.Final {
			t.Fatalf("winners after reset = %+v", w)
		}
		size, err := store.LedgerSize()
		if err != nil || size != 0 {
			t.Fatalf("ledger size = %d, %v", size, err)
		}
	}
}

func TestDiskStoreConcurrentWriters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	root := t.TempDir()
	stores := []*Store{newStore(t, root, 0), newStore(t, root, 0)}

	const (
		writers   = 8
		batches   = 25
		batchSize = 3
	)
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		agency := lottery.Agency(i + 1)
		store := stores[i%len(stores)]
		work := make([][]lottery.Bet, batches)
		for b := range work {
			for j := 0; j < batchSize; j++ {
				var number uint64 = 1
				if j == 0 {
					number = lottery.WinningNumber
				}
				work[b] = append(work[b], bet(t, agency, fmt.Sprintf("%d%d", b, j), number))
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, batch := range work {
				if err := store.AppendBatch(ctx, agency, batch); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}

	statuses, err := stores[0].Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 0 {
		t.Fatalf("no agency set a working flag, got %v", statuses)
	}
	bets, err := stores[1].readLedger(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(bets) != writers*batches*batchSize {
		t.Fatalf("ledger rows = %d want %d", len(bets), writers*batches*batchSize)
	}
	w, err := stores[0].WinnersCount(ctx, lottery.All)
	if err != nil {
		t.Fatal(err)
	}
	if w.Count != writers*batches {
		t.Fatalf("wildcard winners = %d want %d", w.Count, writers*batches)
	}
}

func TestDiskStoreWildcardEqualsSumWhenSettled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t, t.TempDir(), 0)
	for a := lottery.Agency(1); a <= 3; a++ {
		release, err := storage.BeginSession(ctx, store, a)
		if err != nil {
			t.Fatal(err)
		}
		batch := []lottery.Bet{bet(t, a, "1", 7574)}
		for i := lottery.Agency(0); i < a; i++ {
			batch = append(batch, bet(t, a, "2", 7574))
		}
		if err := store.AppendBatch(ctx, a, batch); err != nil {
			t.Fatal(err)
		}
		if err := release(ctx); err != nil {
			t.Fatal(err)
		}
	}
	var sum int64
	for a := lottery.Agency(1); a <= 3; a++ {
		w, err := store.WinnersCount(ctx, lottery.Only(a))
		if err != nil {
			t.Fatal(err)
		}
		if !w.Final {
			t.Fatalf("agency %d not final", a)
		}
		sum += w.Count
	}
	all, err := store.WinnersCount(ctx, lottery.All)
	if err != nil {
		t.Fatal(err)
	}
	if !all.Final || all.Count != sum || sum != 9 {
		t.Fatalf("wildcard = %+v, per-agency sum = %d", all, sum)
	}
	statuses, err := store.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 3 || statuses[2].Bets != 4 || statuses[2].Winners != 4 || statuses[2].Working {
		t.Fatalf("status = %+v", statuses)
	}
}

func TestDiskStoreWildcardProvisionalWhileAnyWorking(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t, t.TempDir(), 0)
	if err := store.SetWorking(ctx, 1, false); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendBatch(ctx, 1, []lottery.Bet{bet(t, 1, "1", 7574)}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetWorking(ctx, 2, true); err != nil {
		t.Fatal(err)
	}
	w, err := store.WinnersCount(ctx, lottery.All)
	if err != nil {
		t.Fatal(err)
	}
	if w.Final || w.Count != 1 {
		t.Fatalf("wildcard = %+v, want provisional 1", w)
	}
	w, err = store.WinnersCount(ctx, lottery.Only(1))
	if err != nil {
		t.Fatal(err)
	}
	if !w.Final || w.Count != 1 {
		t.Fatalf("agency 1 = %+v, want final 1", w)
	}
}

func TestDiskStoreExpectedAgencies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t, t.TempDir(), 2)
	if err := store.SetWorking(ctx, 1, false); err != nil {
		t.Fatal(err)
	}
	w, err := store.WinnersCount(ctx, lottery.All)
	if err != nil {
		t.Fatal(err)
	}
	if w.Final {
		t.Fatal("wildcard must stay provisional until every expected agency registered")
	}
	if err := store.SetWorking(ctx, 2, false); err != nil {
		t.Fatal(err)
	}
	if w, err = store.WinnersCount(ctx, lottery.All); err != nil || !w.Final {
		t.Fatalf("wildcard = %+v, %v", w, err)
	}
}

func TestDiskStoreIgnoresAndRepairsTornTail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t, t.TempDir(), 0)
	if err := store.AppendBatch(ctx, 1, []lottery.Bet{bet(t, 1, "1", 7574)}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(store.ledgerPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`1,Torn,"Row`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	w, err := store.WinnersCount(ctx, lottery.Only(1))
	if err != nil {
		t.Fatal(err)
	}
	if w.Count != 1 {
		t.Fatalf("torn row counted: %+v", w)
	}
	if err := store.AppendBatch(ctx, 1, []lottery.Bet{bet(t, 1, "2", 7574)}); err != nil {
		t.Fatal(err)
	}
	bets, err := store.readLedger(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(bets) != 2 || bets[1].Document != "2" {
		t.Fatalf("ledger after repair = %+v", bets)
	}
	if bets[0].LastName != `Pérez, "la" Grande` {
		t.Fatalf("last name = %q", bets[0].LastName)
	}
}

func TestDiskStoreAcquireHonoursContext(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	holder := newStore(t, root, 0)
	waiter := newStore(t, root, 0)

	lock, err := holder.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = waiter.AppendBatch(ctx, 1, []lottery.Bet{bet(t, 1, "1", 1)})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := holder.release(lock); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := waiter.AppendBatch(context.Background(), 1, []lottery.Bet{bet(t, 1, "1", 1)}); err != nil {
		t.Fatalf("append after release: %v", err)
	}
}

func TestDiskStoreRejectsForeignBets(t *testing.T) {
	t.Parallel()
	store := newStore(t, t.TempDir(), 0)
	err := store.AppendBatch(context.Background(), 1, []lottery.Bet{bet(t, 2, "1", 1)})
	if !errors.Is(err, lottery.ErrInvalidBet) {
		t.Fatalf("expected ErrInvalidBet, got %v", err)
	}
}

func TestDiskStoreClosed(t *testing.T) {
	t.Parallel()
	store := newStore(t, t.TempDir(), 0)
	store.Close()
	if _, err := store.WinnersCount(context.Background(), lottery.All); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDiskStoreWatchSignalsFlagChanges(t *testing.T) {
	t.Parallel()
	store := newStore(t, t.TempDir(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := store.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := store.SetWorking(ctx, 5, true); err != nil {
		t.Fatal(err)
	}
	select {
	case <-events:
	case <-time.After(3 * time.Second):
		t.Fatal("no watch signal after flag change")
	}
	cancel()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch channel not closed after cancel")
		}
	}
}
