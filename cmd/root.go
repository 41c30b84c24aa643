package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"corpcall/internal/app"
	"corpcall/internal/call"
)

// settings resolves flags and CORPCALL_* environment variables; flags win.
var settings = newSettings()

var showVersion bool

func newSettings() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CORPCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("params-env", "CORPCALL_PARAMS")
	_ = v.BindEnv("infile-env", "CORPCALL_INFILE")
	return v
}

var rootCmd = &cobra.Command{
	Use:   "corpcall [file_or_dir ...]",
	Short: "Run cached, throttled calls against a corpus query API",
	Long: "corpcall sends batches of corpus API calls (" + strings.Join(call.TypeNames(), ", ") + ")\n" +
		"and keeps every successful response in a local cache keyed by the normalized call.",
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			printVersion(cmd.OutOrStdout())
			return nil
		}
		return runJob(cmd, args)
	},
}

func runJob(cmd *cobra.Command, args []string) error {
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	opts := runOptions(cmd, args)
	if len(opts.Params) == 0 && len(opts.Inputs) == 0 {
		return cmd.Help()
	}
	return app.RunJob(cmd.Context(), opts)
}

// stringArray reads a repeatable flag, falling back to a single value from
// the environment. Viper's slice parsing splits on commas, which breaks
// JSON parameters, so these values bypass it.
func stringArray(cmd *cobra.Command, name string) []string {
	if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
		vals, _ := cmd.Flags().GetStringArray(name)
		return vals
	}
	if s := strings.TrimSpace(settings.GetString(name + "-env")); s != "" {
		return []string{s}
	}
	return nil
}

// explicitBool is nil unless the flag or its environment variable was given,
// so an unset flag keeps the configured value.
func explicitBool(name string) *bool {
	if !settings.IsSet(name) {
		return nil
	}
	v := settings.GetBool(name)
	return &v
}

func runOptions(cmd *cobra.Command, args []string) app.RunOptions {
	inputs := append(stringArray(cmd, "infile"), args...)
	return app.RunOptions{
		ConfigPath:    settings.GetString("config"),
		Verbose:       settings.GetBool("verbose"),
		LogFile:       settings.GetString("log-file"),
		Server:        settings.GetString("server"),
		Type:          settings.GetString("type"),
		Params:        stringArray(cmd, "params"),
		Inputs:        inputs,
		Concurrent:    settings.GetBool("concurrent") || settings.GetBool("thread"),
		Workers:       settings.GetInt("workers"),
		HaltOnError:   explicitBool("halt-on-error"),
		Refresh:       settings.GetBool("refresh"),
		Timeout:       settings.GetDuration("timeout"),
		Retries:       settings.GetInt("retries"),
		Wait:          settings.GetString("wait"),
		CacheLocation: settings.GetString("cache"),
		ClearCache:    settings.GetBool("clear-cache"),
		DryRun:        settings.GetBool("dry-run"),
		OutputDir:     settings.GetString("out"),
		MetricsFile:   settings.GetString("metrics-file"),
		Username:      settings.GetString("username"),
		APIKey:        settings.GetString("api-key"),
	}
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addRunFlags(f *pflag.FlagSet) {
	f.StringP("server", "s", "", "configured server name or an http(s) endpoint URL")
	f.StringP("type", "t", "", "call type for records without one")
	f.StringArrayP("params", "p", nil, "call parameters as a JSON or YAML mapping (repeatable)")
	f.StringArrayP("infile", "i", nil, "input file or directory (.json, .jsonl, .yaml; repeatable)")
	f.Bool("concurrent", false, "dispatch calls concurrently (servers that allow it)")
	f.Bool("thread", false, "alias of --concurrent")
	f.Int("workers", 0, "maximum concurrent calls (default min(32, CPUs+4))")
	f.Bool("halt-on-error", false, "stop at the first transport or service error")
	f.Bool("refresh", false, "ignore cached responses and replace them")
	f.Duration("timeout", 0, "per-request timeout (default from config)")
	f.Int("retries", 0, "retries after transport errors or 5xx responses")
	f.String("wait", "", `wait policy override, e.g. '{"0": 1, "10": null}'`)
	f.Bool("clear-cache", false, "clear the cache before dispatching")
	f.Bool("dry-run", false, "validate and print calls without sending them")
	f.StringP("out", "o", "", "directory for the job report and response bodies")
	f.String("metrics-file", "", "write prometheus metrics to this file")
	f.String("username", "", "API username (overrides ~/.corpcall/.env)")
	f.String("api-key", "", "API key (overrides ~/.corpcall/.env)")
}

func init() {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.Bool("verbose", false, "print NDJSON events")
	pf.String("log-file", "", "mirror output to this file")
	pf.String("config", "", "config file (default ~/.corpcall/config.yaml)")
	pf.String("cache", "", "cache directory, or a *.db file for the SQLite backend")
	pf.BoolVarP(&showVersion, "version", "v", false, "show version")

	addRunFlags(rootCmd.Flags())

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(setCmd)
}
