package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"corpcall/internal/cache"
	"corpcall/internal/call"
	"corpcall/internal/client"
	"corpcall/internal/config"
	"corpcall/internal/dispatch"
	"corpcall/internal/input"
	"corpcall/internal/job"
	"corpcall/internal/output"
	"corpcall/internal/throttle"
)

type RunOptions struct {
	ConfigPath string
	Verbose    bool
	LogFile    string

	// Server is a configured server name or an http(s) URL; empty uses the
	// configured default.
	Server string
	// Type is used for records that do not name one.
	Type   string
	Params []string
	Inputs []string

	Concurrent bool
	Workers    int
	// HaltOnError overrides the configured value when set.
	HaltOnError *bool
	Refresh     bool
	// Timeout and Retries override the configured values when positive.
	Timeout time.Duration
	Retries int
	// Wait overrides the server's wait policy (JSON or YAML mapping).
	Wait string

	CacheLocation string
	ClearCache    bool
	DryRun        bool

	OutputDir   string
	MetricsFile string

	Username string
	APIKey   string
}

var ErrJobFailed = errors.New("job finished with errors")

// plan is a fully resolved job, ready to dispatch.
type plan struct {
	cfg      config.Config
	server   config.Server
	creds    config.Credentials
	specs    []call.Spec
	location string
	dopts    dispatch.Options
	retries  int
}

func RunJob(ctx context.Context, opts RunOptions) error {
	log, err := NewLogger(opts.Verbose, opts.LogFile)
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()
	return runJob(ctx, log, opts)
}

func runJob(ctx context.Context, log *Logger, opts RunOptions) error {
	p, err := buildPlan(opts)
	if err != nil {
		return err
	}
	if opts.DryRun {
		printDryRun(log, p)
		return nil
	}
	if err := requireCredentials(p.server, p.creds); err != nil {
		return err
	}

	store, err := cache.Open(p.location)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", p.location, err)
	}
	defer func() { _ = store.Close() }()
	if opts.ClearCache {
		if err := store.Clear(ctx, ""); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
		log.Info(fmt.Sprintf("cache cleared: %s", p.location))
	}

	api := client.New(client.Options{Timeout: p.dopts.Timeout, Retries: p.retries})
	api.SetTrace(func(ev client.TraceEvent) {
		log.Event("http_"+ev.Stage, map[string]any{
			"method":      ev.Method,
			"url":         ev.URL,
			"status_code": ev.StatusCode,
			"attempt":     ev.Attempt,
			"duration_ms": ev.DurationMs,
			"response":    ev.Response,
			"error":       ev.Error,
		})
	})

	metrics := dispatch.NewMetrics()
	d := dispatch.New(
		dispatch.Endpoint{Name: p.server.Name, Host: p.server.Host, Concurrent: p.server.Concurrent, Wait: p.server.Wait},
		api,
		store,
		dispatch.WithCredentials(p.creds.Params()),
		dispatch.WithMetrics(metrics),
		dispatch.WithEvents(func(event string, fields map[string]any) {
			if event == "service_error" {
				log.Warn(fmt.Sprintf("%v %v: %v (%v)", fields["type"], fields["key"], fields["error"], fields["url"]))
			}
			log.Event(event, fields)
		}),
	)

	log.Info(fmt.Sprintf("dispatching %d calls to %s (%s)", len(p.specs), p.server.Name, p.dopts.Mode))
	started := time.Now()
	results, runErr := d.Run(ctx, p.specs, p.dopts)
	j := job.New(results, time.Since(started), job.WithDefaultPostProcessor(call.RawPostProcessor{}))
	sum := j.Summary()
	log.Event("job_done", map[string]any{
		"calls":      sum.Calls,
		"from_cache": sum.FromCache,
		"network":    sum.Network,
		"errors":     sum.Errors,
		"elapsed_ms": sum.ElapsedMs,
	})
	log.Info(sum.String())
	for _, r := range j.Errors() {
		log.Info(fmt.Sprintf("  #%d %s: %v", r.Index+1, r.Spec.Type, r.Err))
	}

	if err := writeArtifacts(log, opts, p, started, j, metrics); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if sum.Errors > 0 {
		return fmt.Errorf("%w: %d of %d calls failed", ErrJobFailed, sum.Errors, sum.Calls)
	}
	return nil
}

func buildPlan(opts RunOptions) (plan, error) {
	cfgPath, err := config.ResolvePath(opts.ConfigPath)
	if err != nil {
		return plan{}, err
	}
	cfg, err := config.LoadOrInit(cfgPath)
	if err != nil {
		return plan{}, err
	}
	server, err := cfg.ResolveServer(opts.Server)
	if err != nil {
		return plan{}, err
	}
	if strings.TrimSpace(opts.Wait) != "" {
		if server.Wait, err = parseWait(opts.Wait); err != nil {
			return plan{}, err
		}
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		return plan{}, err
	}
	if opts.Username != "" {
		creds.Username = opts.Username
	}
	if opts.APIKey != "" {
		creds.APIKey = opts.APIKey
	}

	if len(opts.Params) == 0 && len(opts.Inputs) == 0 {
		return plan{}, errors.New("nothing to run: pass --params or --infile")
	}
	records, err := input.Load(opts.Params, opts.Inputs)
	if err != nil {
		return plan{}, err
	}
	specs, err := input.Specs(records, opts.Type)
	if err != nil {
		return plan{}, err
	}

	location := strings.TrimSpace(opts.CacheLocation)
	if location == "" {
		location = cfg.Cache.Location
	}
	if location == "" {
		if location, err = cache.DefaultLocation(); err != nil {
			return plan{}, err
		}
	}

	dopts := dispatch.Options{
		Mode:        dispatch.Sequential,
		HaltOnError: cfg.Run.HaltOnError,
		Concurrency: cfg.Run.Workers,
		Refresh:     opts.Refresh,
		Timeout:     time.Duration(cfg.Run.TimeoutSecond) * time.Second,
	}
	if opts.HaltOnError != nil {
		dopts.HaltOnError = *opts.HaltOnError
	}
	if opts.Concurrent {
		dopts.Mode = dispatch.Concurrent
	}
	if opts.Workers > 0 {
		dopts.Concurrency = opts.Workers
	}
	if opts.Timeout > 0 {
		dopts.Timeout = opts.Timeout
	}
	retries := cfg.Run.Retries
	if opts.Retries > 0 {
		retries = opts.Retries
	}
	if dopts.Mode == dispatch.Concurrent && !server.Concurrent {
		return plan{}, fmt.Errorf("server %s: %w", server.Name, dispatch.ErrConcurrencyUnsupported)
	}

	return plan{
		cfg:      cfg,
		server:   server,
		creds:    creds,
		specs:    call.Propagate(specs),
		location: location,
		dopts:    dopts,
		retries:  retries,
	}, nil
}

// parseWait reads a wait policy override such as {"0": 1, "5": null}.
func parseWait(s string) (throttle.Policy, error) {
	var m map[string]*int
	if err := yaml.Unmarshal([]byte(s), &m); err != nil {
		return throttle.Policy{}, fmt.Errorf("--wait: %w", err)
	}
	p, err := throttle.Parse(m)
	if err != nil {
		return throttle.Policy{}, fmt.Errorf("--wait: %w", err)
	}
	return p, nil
}

func printDryRun(log *Logger, p plan) {
	invalid := 0
	for i, s := range p.specs {
		prepared, key, err := dispatch.Prepare(s)
		if err != nil {
			invalid++
			log.Info(fmt.Sprintf("%s -------- invalid: %v", s.Type, err))
			continue
		}
		params, _ := json.Marshal(output.MaskParams(prepared.Params))
		log.Event("dry_run_call", map[string]any{"index": i, "type": string(prepared.Type), "key": string(key)})
		log.Info(fmt.Sprintf("%s %s %s", prepared.Type, key.Short(), params))
	}
	workers := p.dopts.Concurrency
	if workers <= 0 {
		workers = dispatch.DefaultConcurrency()
	}
	wait := "none"
	if !p.server.Wait.Empty() {
		wait = p.server.Wait.String()
	}
	user := "(none)"
	if p.creds.Username != "" {
		user = p.creds.Username
	}
	log.Info(fmt.Sprintf("server: %s (%s)", p.server.Name, p.server.Host))
	log.Info(fmt.Sprintf("mode: %s, workers: %d, halt_on_error: %t, refresh: %t", p.dopts.Mode, workers, p.dopts.HaltOnError, p.dopts.Refresh))
	log.Info(fmt.Sprintf("wait: %s, timeout: %s, retries: %d", wait, p.dopts.Timeout, p.retries))
	log.Info(fmt.Sprintf("cache: %s", p.location))
	log.Info(fmt.Sprintf("username: %s, api_key: %s", user, maskSecret(p.creds.APIKey)))
	log.Info(fmt.Sprintf("%d calls, %d invalid", len(p.specs), invalid))
}

func maskSecret(s string) string {
	if s == "" {
		return "(none)"
	}
	return "***"
}

func writeArtifacts(log *Logger, opts RunOptions, p plan, started time.Time, j *job.Job, m *dispatch.Metrics) error {
	if strings.TrimSpace(opts.MetricsFile) != "" {
		if err := prometheus.WriteToTextfile(opts.MetricsFile, m.Registry); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
		log.Event("metrics_written", map[string]any{"path": opts.MetricsFile})
	}
	if strings.TrimSpace(opts.OutputDir) == "" {
		return nil
	}
	files, err := output.ExportBodies(opts.OutputDir, j.Results())
	if err != nil {
		return err
	}
	id, path, err := output.UniqueReportPath(opts.OutputDir)
	if err != nil {
		return err
	}
	report := output.NewReport(id, p.server.Name, p.dopts.Mode, started, j, files)
	if err := output.WriteReport(path, report); err != nil {
		return err
	}
	log.Info(fmt.Sprintf("report: %s (%d bodies)", path, len(files)))
	return nil
}
