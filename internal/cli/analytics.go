package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/redgreen/internal/analytics"
	"github.com/lucasnoah/redgreen/internal/db"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Summarize recorded pipeline runs",
}

// withLedger opens the configured ledger for the duration of fn.
func withLedger(fn func(*db.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()
	return fn(ledger)
}

var analyticsStageDurationCmd = &cobra.Command{
	Use:   "stage-duration",
	Short: "Agent execution time per stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetString("since")
		return withLedger(func(ledger *db.DB) error {
			rows, err := analytics.QueryStageDurations(ledger, since)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STAGE\tCOUNT\tAVG(s)\tP50(s)\tP95(s)")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", r.Stage, r.Count, r.Avg, r.P50, r.P95)
			}
			return w.Flush()
		})
	},
}

var analyticsGateRateCmd = &cobra.Command{
	Use:   "gate-rate",
	Short: "Verification outcomes per gate point",
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetString("since")
		return withLedger(func(ledger *db.DB) error {
			rows, err := analytics.QueryGateRates(ledger, since)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "GATE\tTOTAL\tPASS%\tFAIL%\tERROR%")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", r.Stage, r.Total, r.Pass, r.Fail, r.Error)
			}
			return w.Flush()
		})
	},
}

var analyticsFixRoundsCmd = &cobra.Command{
	Use:   "fix-rounds",
	Short: "Distribution of loop iterations per run",
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetString("since")
		return withLedger(func(ledger *db.DB) error {
			rows, err := analytics.QueryLoopUsage(ledger, since)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "LOOP\tRUNS\t0\t1\t2\t3+")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%.1f%%\t%.1f%%\t%.1f%%\n", r.Loop, r.Runs, r.Zero, r.One, r.Two, r.ThreePlus)
			}
			return w.Flush()
		})
	},
}

var analyticsOutcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Runs by final status",
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetString("since")
		return withLedger(func(ledger *db.DB) error {
			counts, err := analytics.RunOutcomes(ledger, since)
			if err != nil {
				return err
			}
			statuses := make([]string, 0, len(counts))
			for s := range counts {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STATUS\tRUNS")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%d\n", s, counts[s])
			}
			return w.Flush()
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{analyticsStageDurationCmd, analyticsGateRateCmd, analyticsFixRoundsCmd, analyticsOutcomesCmd} {
		c.Flags().String("since", "", "only include records at or after this date (YYYY-MM-DD)")
		analyticsCmd.AddCommand(c)
	}
}
