package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/redgreen/internal/pipeline"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Inspect the resume summary of an interrupted run",
}

var summaryShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the saved summary as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := targetDir(cmd)
		if err != nil {
			return err
		}
		sum, err := pipeline.NewStore(appFs, "").LoadSummary(target)
		if errors.Is(err, pipeline.ErrNoSummary) {
			return fmt.Errorf("no summary in %s", target)
		}
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(sum, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var summaryClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the saved summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := targetDir(cmd)
		if err != nil {
			return err
		}
		if err := pipeline.NewStore(appFs, "").DeleteSummary(target); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", pipeline.SummaryPath(target))
		return nil
	},
}

func init() {
	summaryCmd.PersistentFlags().StringP("target", "t", "", "project root (default: working directory)")
	summaryCmd.AddCommand(summaryShowCmd)
	summaryCmd.AddCommand(summaryClearCmd)
}
