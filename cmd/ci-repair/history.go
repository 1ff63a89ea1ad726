package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var historyLimit int

func init() {
	historyCmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List archived repair runs, or the attempts of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to list")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Context(), ".")
	if err != nil {
		return err
	}
	store, err := openArchive(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	if len(args) == 1 {
		run, err := store.GetRun(args[0])
		if err != nil {
			return err
		}
		attempts, err := store.ListAttempts(run.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Run %s (%s) in %s\n\n", run.ID, run.Outcome, run.Dir)
		fmt.Fprintln(w, "#\tEXIT\tCLASSIFICATION\tAPPLY\tERROR")
		for _, a := range attempts {
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", a.Index, a.ExitCode, a.Classification, a.ApplyResult, a.Error)
		}
		return nil
	}

	runs, err := store.ListRuns(historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs archived yet")
		return nil
	}
	fmt.Fprintln(w, "ID\tREPO\tSTRATEGY\tOUTCOME\tSTARTED\tDURATION")
	for _, r := range runs {
		outcome := r.Outcome
		if outcome == "" {
			outcome = "running"
		}
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Repo, r.Strategy, outcome, humanize.Time(r.StartedAt), duration)
	}
	return nil
}
