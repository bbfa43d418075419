package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/redgreen/internal/checks"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run the project's tests the way the pipeline gate does",
	RunE: func(cmd *cobra.Command, args []string) error {
		command, _ := cmd.Flags().GetString("command")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		target, err := targetDir(cmd)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync()

		if command == "" {
			command = cfg.Project.TestCommand
		}
		if command == "" {
			command = checks.NewDetector(appFs).Detect(target)
		}
		tracker := checks.NewTracker(command)
		res := newVerifier(cfg, log).Verify(cmd.Context(), tracker, target, timeout)

		out := cmd.OutOrStdout()
		fmt.Fprint(out, checks.StatusBlock(res))
		if res.Stdout != "" {
			fmt.Fprintln(out, checks.Tail(res.Stdout, 3000))
		}
		if !res.Passed() {
			return fmt.Errorf("verification %s", res.Outcome)
		}
		return nil
	},
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Print the detected test command for a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := targetDir(cmd)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), checks.NewDetector(appFs).Detect(target))
		return nil
	},
}

// targetDir resolves --target, defaulting to the working directory.
func targetDir(cmd *cobra.Command) (string, error) {
	target, _ := cmd.Flags().GetString("target")
	if target == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		target = wd
	}
	return filepath.Abs(target)
}

func init() {
	verifyCmd.Flags().StringP("target", "t", "", "project root (default: working directory)")
	verifyCmd.Flags().String("command", "", "test command (default: configured or detected)")
	verifyCmd.Flags().Duration("timeout", 0, "verification timeout (default: verify.timeout)")
	detectCmd.Flags().StringP("target", "t", "", "project root (default: working directory)")
}
