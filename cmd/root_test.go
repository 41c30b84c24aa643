package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func TestRootRunE_ShowVersion(t *testing.T) {
	oldShow := showVersion
	defer func() { showVersion = oldShow }()

	showVersion = true
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	if err := rootCmd.RunE(rootCmd, nil); err != nil {
		t.Fatalf("RunE error: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected version output")
	}
}

func TestRootRunE_NoArgsShowsHelp(t *testing.T) {
	oldShow := showVersion
	defer func() { showVersion = oldShow }()

	showVersion = false
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	if err := rootCmd.RunE(rootCmd, nil); err != nil {
		t.Fatalf("RunE no args error: %v", err)
	}
	if !strings.Contains(buf.String(), "--params") {
		t.Fatalf("expected help output, got %q", buf.String())
	}
}

func parsedRunCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{Use: "test"}
	addRunFlags(c.Flags())
	if err := c.Flags().Parse(args); err != nil {
		t.Fatal(err)
	}
	if err := settings.BindPFlags(c.Flags()); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRunOptions_FlagsWinOverEnv(t *testing.T) {
	t.Setenv("CORPCALL_SERVER", "ske")
	t.Setenv("CORPCALL_WORKERS", "3")
	t.Setenv("CORPCALL_API_KEY", "from-env")
	c := parsedRunCommand(t,
		"--workers", "7",
		"-p", `{"corpname": "bnc", "q": "q[word=\"a,b\"]"}`,
		"-p", "fcrit: word/ 0",
		"--thread",
		"--timeout", "30s",
		"-i", "calls.jsonl",
	)
	opts := runOptions(c, []string{"more"})
	if opts.Server != "ske" || opts.Workers != 7 || opts.APIKey != "from-env" {
		t.Fatalf("opts=%+v", opts)
	}
	if len(opts.Params) != 2 || !strings.Contains(opts.Params[0], `"a,b"`) {
		t.Fatalf("params=%q", opts.Params)
	}
	if !opts.Concurrent || opts.Timeout != 30*time.Second {
		t.Fatalf("opts=%+v", opts)
	}
	if strings.Join(opts.Inputs, ",") != "calls.jsonl,more" {
		t.Fatalf("inputs=%v", opts.Inputs)
	}
}

func TestRunOptions_ParamsFromEnv(t *testing.T) {
	t.Setenv("CORPCALL_PARAMS", `{"corpname": "bnc", "q": "x"}`)
	t.Setenv("CORPCALL_DRY_RUN", "true")
	c := parsedRunCommand(t)
	opts := runOptions(c, nil)
	if len(opts.Params) != 1 || opts.Params[0] != `{"corpname": "bnc", "q": "x"}` {
		t.Fatalf("params=%q", opts.Params)
	}
	if !opts.DryRun {
		t.Fatal("dry-run from env not applied")
	}
}

func TestRunOptions_HaltOnErrorOnlyWhenGiven(t *testing.T) {
	if opts := runOptions(parsedRunCommand(t), nil); opts.HaltOnError != nil {
		t.Fatalf("halt-on-error=%v want unset", *opts.HaltOnError)
	}
	opts := runOptions(parsedRunCommand(t, "--halt-on-error=false"), nil)
	if opts.HaltOnError == nil || *opts.HaltOnError {
		t.Fatalf("halt-on-error=%v want explicit false", opts.HaltOnError)
	}
	t.Setenv("CORPCALL_HALT_ON_ERROR", "true")
	opts = runOptions(parsedRunCommand(t), nil)
	if opts.HaltOnError == nil || !*opts.HaltOnError {
		t.Fatalf("halt-on-error=%v want true from env", opts.HaltOnError)
	}
}

func TestSetAndCacheClearCommands(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := t.TempDir()
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"set", "username", "jdoe"})
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("set username: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(home, ".corpcall", ".env"))
	if err != nil || !strings.Contains(string(b), "CORPCALL_USERNAME=jdoe") {
		t.Fatalf("env=%q err=%v", b, err)
	}

	db := filepath.Join(dir, "cache.db")
	rootCmd.SetArgs([]string{"cache", "clear", "--config", filepath.Join(dir, "config.yaml"), "--cache", db, "--prefix", "ab"})
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("cache clear: %v", err)
	}
	if _, err := os.Stat(db); err != nil {
		t.Fatalf("cache not opened: %v", err)
	}
}

func TestRunCommandDryRun(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs([]string{
		"run", "--dry-run",
		"--config", filepath.Join(dir, "config.yaml"),
		"--cache", filepath.Join(dir, "cache"),
		"-s", "local",
		"-t", "freqs",
		"-p", `{"corpname": "bnc", "q": "q[lemma=\"day\"]", "fcrit": "word/ 0"}`,
	})
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "cache")); !os.IsNotExist(err) {
		t.Fatalf("dry run created the cache: %v", err)
	}
}
