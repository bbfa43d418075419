package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/redgreen/internal/prompt"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage prompt templates",
}

var templatesInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Write the built-in prompt templates for editing",
	Long: `Write the built-in prompt templates to ~/.redgreen/prompts (or --dir) so they
can be customized. Existing files are left alone. A project can also override
templates in .redgreen/prompts under its root.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		written, err := prompt.InstallBuiltinTemplates(appFs, dir)
		if err != nil {
			return err
		}
		if len(written) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "All templates already installed.")
			return nil
		}
		for _, name := range written {
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n", name)
		}
		return nil
	},
}

func init() {
	templatesInstallCmd.Flags().String("dir", "", "target directory (default: ~/.redgreen/prompts)")
	templatesCmd.AddCommand(templatesInstallCmd)
}
