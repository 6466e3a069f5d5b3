// Package lotteryd exposes the Go APIs behind the lottery batch-ingestion
// service. Agencies stream their bets over a small binary TCP protocol, the
// server appends them to a shared on-disk ledger and answers winner-count
// queries, flagging results as provisional while any agency they depend on is
// still loading. The server runs cleanly as PID 1, but the package also makes
// it easy to embed it in tests or other programs.
//
// # Running a server
//
//	cfg := lotteryd.Config{
//	    Listen:      ":12345",
//	    DataDir:     "/var/lib/lotteryd",
//	    PoolSize:    8,
//	    AgencyCount: 5,
//	}
//	srv, err := lotteryd.NewServer(cfg, lotteryd.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("lotteryd: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// The storage root is wiped on start unless ResetOnStart is explicitly
// disabled (set ResetOnStartSet as well). Several server processes may share
// one DataDir: appends are serialised through a lock marker in the root.
//
// For tests, StartServer binds, waits until the listener is ready and returns
// a stop function:
//
//	srv, stop, err := lotteryd.StartServer(ctx, lotteryd.Config{
//	    Listen:  "127.0.0.1:0",
//	    DataDir: t.TempDir(),
//	})
//	if err != nil { t.Fatal(err) }
//	defer stop(context.Background())
//	addr := srv.ListenerAddr().String()
//
// # Protocol
//
// Every integer is big-endian and every string is a uint32 byte length
// followed by UTF-8 bytes. A connection carries exactly one request:
//
//	request   LoadFlag:u8 AgencyName:string
//	LoadFlag  0 query (reply int64, negative = provisional)
//	          1 load
//	          2 query (reply int64 count, u8 final)
//	batch     count:u32 then count × bet
//	bet       first_name last_name document birthdate number:u64
//	ack       count:u32
//
// A LOAD session repeats batch/ack until a batch header of zero. The agency
// name "*" selects every agency and is only valid for queries.
//
// # Shutdown
//
// Shutdown stops accepting, lets in-flight connections finish and aborts the
// rest once its context ends (Config.ShutdownTimeout when it has no
// deadline). Aborted LOAD sessions still clear their working flag, so later
// queries never stay provisional because of a dead session.
//
// # Telemetry
//
// MetricsListen serves Prometheus metrics, PprofListen serves pprof and
// OTLPEndpoint exports traces (grpc://, grpcs://, http://, https:// or a bare
// host:port for plaintext gRPC).
package lotteryd
