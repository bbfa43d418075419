package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/redgreen/internal/pipeline"
)

var reportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Print the final report of a finished run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		showPrompts, _ := cmd.Flags().GetBool("prompts")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store := pipeline.NewStore(appFs, cfg.Store.RunsDir)
		runID := args[0]

		out := cmd.OutOrStdout()
		report, err := store.GetReport(runID)
		switch {
		case errors.Is(err, pipeline.ErrNoReport):
			fmt.Fprintf(out, "No report for run %s.\n", runID)
		case err != nil:
			return err
		default:
			fmt.Fprintln(out, report)
		}

		if !showPrompts {
			return nil
		}
		prompts, err := store.ListPrompts(runID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nPrompts (%s):\n", store.BaseDir())
		for _, name := range prompts {
			fmt.Fprintf(out, "  %s\n", name)
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().Bool("prompts", false, "also list the rendered prompts saved for the run")
}
