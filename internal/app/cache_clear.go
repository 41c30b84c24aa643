package app

import (
	"context"
	"fmt"
	"strings"

	"corpcall/internal/cache"
	"corpcall/internal/config"
)

type ClearCacheOptions struct {
	ConfigPath    string
	CacheLocation string
	// Prefix limits clearing to keys starting with it.
	Prefix  string
	Verbose bool
}

func RunClearCache(ctx context.Context, opts ClearCacheOptions) error {
	log, err := NewLogger(opts.Verbose, "")
	if err != nil {
		return err
	}
	location := strings.TrimSpace(opts.CacheLocation)
	if location == "" {
		cfgPath, err := config.ResolvePath(opts.ConfigPath)
		if err != nil {
			return err
		}
		cfg, err := config.LoadOrInit(cfgPath)
		if err != nil {
			return err
		}
		location = cfg.Cache.Location
	}
	if location == "" {
		if location, err = cache.DefaultLocation(); err != nil {
			return err
		}
	}
	store, err := cache.Open(location)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", location, err)
	}
	defer func() { _ = store.Close() }()
	if err := store.Clear(ctx, strings.TrimSpace(opts.Prefix)); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	log.Event("cache_cleared", map[string]any{"location": location, "prefix": opts.Prefix})
	if opts.Prefix != "" {
		log.Info(fmt.Sprintf("cleared entries with prefix %s from %s", opts.Prefix, location))
		return nil
	}
	log.Info(fmt.Sprintf("cache cleared: %s", location))
	return nil
}
