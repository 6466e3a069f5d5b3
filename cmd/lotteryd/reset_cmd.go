package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/lotteryd"
	"pkt.systems/pslog"
)

func newResetCommand(logger pslog.Logger) *cobra.Command {
	var (
		dataDir string
		yes     bool
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe the ledger and working flags in a data directory",
		Long: `Reset removes the ledger, the lock marker and every working flag. Stop all
servers sharing the directory first; a reset racing a writer loses bets.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to reset %s without --yes", dataDir)
			}
			store, err := openExistingStore(dataDir, 0, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			size, _ := store.LedgerSize()
			if err := store.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s (discarded %s of ledger)\n", store.Root(), humanizeBytes(size))
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&dataDir, "data-dir", lotteryd.DefaultDataDir, "storage root to wipe")
	flags.BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
