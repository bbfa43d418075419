package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var configFile string

var rootCmd = &cobra.Command{
	Use:   "redgreen",
	Short: "redgreen: a test-gated TDD pipeline for coding agents",
	Long: `redgreen drives a coding agent through plan, red, green, review, security,
QA and report stages. Every transition is gated on an independent run of the
project's test command, and guardrail hooks constrain what the agent may do.

Configuration is read from redgreen.yaml, ~/.redgreen/config.yaml and
REDGREEN_* environment variables. Runs are recorded in ~/.redgreen/redgreen.db.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(hookCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(templatesCmd)
}
