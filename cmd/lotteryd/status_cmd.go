package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pkt.systems/lotteryd"
	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/lotteryd/internal/storage/disk"
	"pkt.systems/pslog"
)

func newStatusCommand(logger pslog.Logger) *cobra.Command {
	var (
		dataDir     string
		agencyCount int
		follow      bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarise the ledger and working flags in a data directory",
		Long: `Status reads the storage root directly, without a running server, and
prints one row per registered agency: whether it is loading, how many bets
it stored and how many of them won.`,
		Example: `
  lotteryd status --data-dir /var/lib/lotteryd
  lotteryd status --data-dir /var/lib/lotteryd --follow`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openExistingStore(dataDir, agencyCount, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if err := printStatus(ctx, out, store); err != nil {
				return err
			}
			if !follow {
				return nil
			}
			events, err := store.Watch(ctx)
			if err != nil {
				return err
			}
			for range events {
				fmt.Fprintln(out)
				if err := printStatus(ctx, out, store); err != nil {
					return err
				}
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&dataDir, "data-dir", lotteryd.DefaultDataDir, "storage root to inspect")
	flags.IntVar(&agencyCount, "agency-count", lotteryd.DefaultAgencyCount, "agencies expected to load (affects the wildcard total)")
	flags.BoolVar(&follow, "follow", false, "keep printing the summary whenever the ledger or flags change")
	return cmd
}

func openExistingStore(dataDir string, agencyCount int, logger pslog.Logger) (*disk.Store, error) {
	info, err := os.Stat(dataDir)
	if err != nil {
		return nil, fmt.Errorf("data dir %q: %w", dataDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("data dir %q is not a directory", dataDir)
	}
	return disk.New(disk.Config{Root: dataDir, ExpectedAgencies: agencyCount, Logger: logger})
}

func printStatus(ctx context.Context, out io.Writer, store *disk.Store) error {
	rows, err := store.Status(ctx)
	if err != nil {
		return err
	}
	total, err := store.WinnersCount(ctx, lottery.All)
	if err != nil {
		return err
	}
	size, err := store.LedgerSize()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENCY\tSTATE\tBETS\tWINNERS")
	for _, row := range rows {
		state := "done"
		if row.Working {
			state = "loading"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", row.Agency, state, row.Bets, row.Winners)
	}
	state := "final"
	if !total.Final {
		state = "provisional"
	}
	fmt.Fprintf(tw, "*\t%s\t\t%d\n", state, total.Count)
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "ledger %s in %s\n", humanizeBytes(size), store.Root())
	return err
}
