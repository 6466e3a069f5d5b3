package logging

import (
	"context"
	"testing"
	"time"

	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/lotteryd/internal/storage"
	"pkt.systems/lotteryd/internal/storage/memory"
)

func TestWrapDelegates(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	engine := Wrap(inner, nil, "test")

	if err := engine.SetWorking(ctx, 1, true); err != nil {
		t.Fatal(err)
	}
	bet, err := lottery.NewBet(1, "a", "b", "1", time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), lottery.WinningNumber)
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.AppendBatch(ctx, 1, []lottery.Bet{bet}); err != nil {
		t.Fatal(err)
	}
	w, err := engine.WinnersCount(ctx, lottery.All)
	if err != nil || w.Count != 1 || w.Final {
		t.Fatalf("winners = %+v, %v", w, err)
	}
	working, err := inner.IsWorking(ctx, 1)
	if err != nil || !working {
		t.Fatalf("inner working = %v, %v", working, err)
	}
	if _, ok := engine.(storage.Watcher); !ok {
		t.Fatal("wrapped engine must expose Watch")
	}
}
