package cmd

import "github.com/spf13/cobra"

var runCmd = &cobra.Command{
	Use:   "run [file_or_dir ...]",
	Short: "Run a job (same as the root command)",
	Args:  cobra.ArbitraryArgs,
	RunE:  runJob,
}

func init() {
	addRunFlags(runCmd.Flags())
}
