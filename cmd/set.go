package cmd

import (
	"github.com/spf13/cobra"

	"corpcall/internal/app"
)

var setCmd = &cobra.Command{
	Use:   "set",
	Short: "Store credentials in ~/.corpcall/.env",
}

var setKeyCmd = &cobra.Command{
	Use:   "key <api_key>",
	Short: "Set the API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.RunSetKey(cmd.Context(), args[0])
	},
}

var setUsernameCmd = &cobra.Command{
	Use:   "username <name>",
	Short: "Set the API username",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.RunSetUsername(cmd.Context(), args[0])
	},
}

func init() {
	setCmd.AddCommand(setKeyCmd)
	setCmd.AddCommand(setUsernameCmd)
}
