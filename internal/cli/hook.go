package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/redgreen/internal/hookbridge"
)

var hookCmd = &cobra.Command{
	Use:    "hook",
	Short:  "Forward an agent hook event to a running pipeline",
	Hidden: true,
	Long: `Reads a hook payload from stdin, forwards it to the pipeline's hook bridge
and prints the reply. Installed into .claude/settings.local.json while a stage
runs. Failures are reported on stderr and the command still exits 0. When
the bridge cannot be reached a PreToolUse action is denied, since the
guardrails were not consulted; other events proceed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		token, _ := cmd.Flags().GetString("token")
		event, _ := cmd.Flags().GetString("event")
		if err := hookbridge.Forward(cmd.Context(), nil, url, token, event, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "redgreen hook: %v\n", err)
			if reply := hookbridge.UnavailableReply(event, err); reply != nil {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(reply)
			}
		}
		return nil
	},
}

func init() {
	hookCmd.Flags().String("url", "", "hook bridge URL")
	hookCmd.Flags().String("token", "", "binding token")
	hookCmd.Flags().String("event", "", "hook event name")
}
