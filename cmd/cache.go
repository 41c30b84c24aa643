package cmd

import (
	"github.com/spf13/cobra"

	"corpcall/internal/app"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the response cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove cached responses",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := settings.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		return app.RunClearCache(cmd.Context(), app.ClearCacheOptions{
			ConfigPath:    settings.GetString("config"),
			CacheLocation: settings.GetString("cache"),
			Prefix:        settings.GetString("prefix"),
			Verbose:       settings.GetBool("verbose"),
		})
	},
}

func init() {
	cacheClearCmd.Flags().String("prefix", "", "only remove keys starting with this hex prefix")
	cacheCmd.AddCommand(cacheClearCmd)
}
