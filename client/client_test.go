package client_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pkt.systems/lotteryd"
	"pkt.systems/lotteryd/client"
	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/lotteryd/internal/storage/memory"
)

func startServer(t *testing.T) (*lotteryd.Server, *memory.Store) {
	t.Helper()
	store := memory.New()
	// The server outlives this helper; t.Cleanup stops it.
	srv, stop, err := lotteryd.StartServer(context.Background(), lotteryd.Config{
		Listen:        "127.0.0.1:0",
		DataDir:       t.TempDir(),
		PoolSize:      4,
		AcceptTimeout: 20 * time.Millisecond,
	}, lotteryd.WithEngine(store))
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		if err := stop(context.Background()); err != nil {
			t.Errorf("stop server: %v", err)
		}
	})
	return srv, store
}

func newClient(t *testing.T, srv *lotteryd.Server, opts ...client.Option) *client.Client {
	t.Helper()
	cli, err := client.New(srv.ListenerAddr().String(), opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return cli
}

func makeBets(t *testing.T, agency lottery.Agency, numbers ...uint64) []lottery.Bet {
	t.Helper()
	out := make([]lottery.Bet, 0, len(numbers))
	for i, n := range numbers {
		b, err := lottery.NewBet(agency, "María", "Pérez, \"la\" Grande", "3090446"+string(rune('0'+i%10)), time.Date(1985, 3, 14, 0, 0, 0, 0, time.UTC), n)
		if err != nil {
			t.Fatalf("new bet: %v", err)
		}
		out = append(out, b)
	}
	return out
}

func TestLoadAndQuery(t *testing.T) {
	srv, _ := startServer(t)
	cli := newClient(t, srv, client.WithBatchSize(2))
	ctx := context.Background()

	res, err := cli.Load(ctx, 1, makeBets(t, 1, 7574, 1, 7574, 3, 7574))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.Batches != 3 || res.Bets != 5 {
		t.Fatalf("load result = %+v", res)
	}
	w, err := cli.Query(ctx, lottery.Only(1))
	if err != nil || w.Count != 3 || !w.Final {
		t.Fatalf("query = %+v, %v", w, err)
	}
	w, err = cli.QuerySigned(ctx, lottery.All)
	if err != nil || w.Count != 3 || !w.Final {
		t.Fatalf("signed query = %+v, %v", w, err)
	}
}

func TestLoadRejectsForeignBets(t *testing.T) {
	srv, store := startServer(t)
	cli := newClient(t, srv)
	_, err := cli.Load(context.Background(), 1, makeBets(t, 2, 7574))
	if !errors.Is(err, lottery.ErrInvalidBet) {
		t.Fatalf("expected ErrInvalidBet, got %v", err)
	}
	agencies, _ := store.RegisteredAgencies(context.Background())
	if len(agencies) != 0 {
		t.Fatalf("rejected load registered agencies %v", agencies)
	}
}

func TestQueryFinalWaitsForLoadingAgency(t *testing.T) {
	srv, store := startServer(t)
	ctx := context.Background()
	if err := store.SetWorking(ctx, 4, true); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendBatch(ctx, 4, makeBets(t, 4, 7574)); err != nil {
		t.Fatal(err)
	}
	cli := newClient(t, srv, client.WithPollInterval(5*time.Millisecond, 20*time.Millisecond))

	w, err := cli.Query(ctx, lottery.Only(4))
	if err != nil || w.Final || w.Count != 1 {
		t.Fatalf("provisional query = %+v, %v", w, err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = store.SetWorking(context.Background(), 4, false)
	}()
	w, err = cli.QueryFinal(ctx, lottery.Only(4))
	if err != nil || !w.Final || w.Count != 1 {
		t.Fatalf("final query = %+v, %v", w, err)
	}
}

func TestQueryFinalHonoursContext(t *testing.T) {
	srv, store := startServer(t)
	if err := store.SetWorking(context.Background(), 9, true); err != nil {
		t.Fatal(err)
	}
	cli := newClient(t, srv, client.WithPollInterval(5*time.Millisecond, 10*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := cli.QueryFinal(ctx, lottery.All); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestLoadFromCSV(t *testing.T) {
	srv, _ := startServer(t)
	cli := newClient(t, srv, client.WithBatchSize(10))
	data := strings.Join([]string{
		"first_name,last_name,document,birthdate,number",
		"Ana,Ruiz,30904465,1990-01-02,7574",
		"\"Juan, Jr.\",Paz,22333444,1970-12-31,12",
	}, "\n")
	res, err := cli.LoadFrom(context.Background(), 7, client.NewCSVSource(7, strings.NewReader(data)))
	if err != nil {
		t.Fatalf("load csv: %v", err)
	}
	if res.Bets != 2 || res.Batches != 1 {
		t.Fatalf("result = %+v", res)
	}
	w, err := cli.Query(context.Background(), lottery.Only(7))
	if err != nil || w.Count != 1 {
		t.Fatalf("query = %+v, %v", w, err)
	}
}

func TestReadCSVRejectsBadRows(t *testing.T) {
	t.Parallel()
	if _, err := client.ReadCSV(1, strings.NewReader("Ana,Ruiz,abc,1990-01-02,1\n")); !errors.Is(err, lottery.ErrInvalidBet) {
		t.Fatalf("expected ErrInvalidBet, got %v", err)
	}
	bets, err := client.ReadCSV(1, strings.NewReader("Ana,Ruiz,1,1990-01-02,1\nBo,Li,2,2001-02-03,7574\n"))
	if err != nil || len(bets) != 2 || !bets[1].HasWon() {
		t.Fatalf("bets = %+v, %v", bets, err)
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	if _, err := client.New("no-port"); err == nil {
		t.Fatal("expected address error")
	}
	if _, err := client.New("127.0.0.1:1", client.WithBatchSize(0)); err == nil {
		t.Fatal("expected batch size error")
	}
	if _, err := client.New("127.0.0.1:1", client.WithPollInterval(time.Second, time.Millisecond)); err == nil {
		t.Fatal("expected poll interval error")
	}
}
