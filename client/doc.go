// Package client is the Go SDK for lotteryd. It speaks the binary protocol
// over TCP: one connection per request, either a LOAD session that streams an
// agency's bets in acknowledged batches or a winners query.
//
//	cli, err := client.New("lottery.example:12345", client.WithBatchSize(200))
//	if err != nil { log.Fatal(err) }
//	f, _ := os.Open("agency-1.csv")
//	defer f.Close()
//	res, err := cli.LoadFrom(ctx, 1, client.NewCSVSource(1, f))
//	if err != nil { log.Fatal(err) }
//	log.Printf("stored %d bets in %d batches", res.Bets, res.Batches)
//
//	winners, err := cli.QueryFinal(ctx, lottery.All)
//
// Query returns immediately and reports whether the count is final.
// QueryFinal keeps polling with exponential backoff until every agency the
// count depends on has finished loading.
package client
