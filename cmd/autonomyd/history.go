package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ahwlsqja/autonomy-abci/persistence"
)

func newHistoryCmd() *cobra.Command {
	var last int

	cmd := &cobra.Command{
		Use:   "history <agent data dir>",
		Short: "Print the round transitions an agent committed",
		Long: `Reads the transition log an agent writes under <data_dir>/<address>
and prints the last committed app state followed by the transitions,
oldest first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := persistence.NewFileStore(args[0])
			if err != nil {
				return err
			}
			defer store.Close()
			return printHistory(cmd.OutOrStdout(), store, last)
		},
	}
	cmd.Flags().IntVarP(&last, "last", "n", 0, "Print only the last n transitions (0 prints all)")
	return cmd
}

func printHistory(w io.Writer, store persistence.Store, last int) error {
	st, err := store.LoadState()
	if err != nil {
		return err
	}
	if st == nil {
		fmt.Fprintln(w, "no committed state")
		return nil
	}
	fmt.Fprintf(w, "height %d  round %s (%d)  period %d  app_hash %X\n",
		st.Height, st.RoundID, st.RoundHeight, st.PeriodCount, st.AppHash)

	records, err := store.LoadTransitions()
	if err != nil {
		return err
	}
	if last > 0 && len(records) > last {
		records = records[len(records)-last:]
	}
	for _, rec := range records {
		reset := ""
		if rec.Reset {
			reset = "  reset"
		}
		fmt.Fprintf(w, "%6d  %4d  %s --%s--> %s%s\n", rec.Height, rec.RoundHeight, rec.From, rec.Event, rec.To, reset)
	}
	return nil
}
