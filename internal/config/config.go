package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"corpcall/internal/cache"
	"corpcall/internal/throttle"
	"corpcall/internal/util"
)

type Config struct {
	Servers map[string]ServerConfig `yaml:"servers" validate:"dive"`
	Cache   CacheConfig             `yaml:"cache"`
	Run     RunConfig               `yaml:"run"`
}

type ServerConfig struct {
	Host string `yaml:"host" validate:"required,url"`
	// Concurrent allows concurrent dispatch against this server.
	Concurrent bool `yaml:"concurrent"`
	// Wait maps a wait in seconds to the last call index it applies to; one
	// entry has no bound (null).
	Wait map[string]*int `yaml:"wait,omitempty"`
}

type CacheConfig struct {
	// Location is a directory, or a *.db / *.sqlite file for the SQLite
	// backend.
	Location string `yaml:"location"`
}

type RunConfig struct {
	Server        string `yaml:"server" validate:"required"`
	TimeoutSecond int    `yaml:"timeout_second" validate:"gte=0"`
	Workers       int    `yaml:"workers" validate:"gte=0,lte=256"`
	Retries       int    `yaml:"retries" validate:"gte=0,lte=10"`
	HaltOnError   bool   `yaml:"halt_on_error"`
}

// Server is a resolved server entry, ready for dispatch.
type Server struct {
	Name       string
	Host       string
	Concurrent bool
	Wait       throttle.Policy
}

const (
	LocalServer = "local"
	SkEServer   = "ske"
)

func DefaultServers() map[string]ServerConfig {
	return map[string]ServerConfig{
		LocalServer: {Host: "http://localhost:10070/bonito/run.cgi", Concurrent: true},
		SkEServer: {
			Host: "https://api.sketchengine.eu/bonito/run.cgi",
			Wait: map[string]*int{"0": throttle.Bound(1), "2": throttle.Bound(99), "5": throttle.Bound(899), "45": nil},
		},
	}
}

func Default() (Config, error) {
	loc, err := cache.DefaultLocation()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Servers: DefaultServers(),
		Cache:   CacheConfig{Location: loc},
		Run:     RunConfig{Server: LocalServer, TimeoutSecond: 120},
	}, nil
}

func ResolvePath(input string) (string, error) {
	if input != "" {
		return input, nil
	}
	return util.DefaultConfigPath()
}

// LoadOrInit reads the config at path, writing the defaults there first if
// the file does not exist. Built-in servers are added unless the file
// redefines them.
func LoadOrInit(path string) (Config, error) {
	def, err := Default()
	if err != nil {
		return Config{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Save(path, def); err != nil {
			return Config{}, err
		}
		return def, nil
	}
	cfg := def
	cfg.Servers = nil
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Servers == nil {
		cfg.Servers = map[string]ServerConfig{}
	}
	for name, s := range def.Servers {
		if _, ok := cfg.Servers[name]; !ok {
			cfg.Servers[name] = s
		}
	}
	if cfg.Cache.Location == "" {
		cfg.Cache.Location = def.Cache.Location
	}
	if cfg.Run.Server == "" {
		cfg.Run.Server = def.Run.Server
	}
	if cfg.Run.TimeoutSecond <= 0 {
		cfg.Run.TimeoutSecond = def.Run.TimeoutSecond
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and that every wait policy parses.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	for _, name := range c.ServerNames() {
		if _, err := throttle.Parse(c.Servers[name].Wait); err != nil {
			return fmt.Errorf("server %s: wait: %w", name, err)
		}
	}
	return nil
}

func (c Config) ServerNames() []string {
	out := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ResolveServer finds a configured server by name. Any other value that is an
// http(s) URL is used as a sequential server without a wait policy.
func (c Config) ResolveServer(nameOrURL string) (Server, error) {
	key := strings.TrimSpace(nameOrURL)
	if key == "" {
		key = c.Run.Server
	}
	if s, ok := c.Servers[key]; ok {
		wait, err := throttle.Parse(s.Wait)
		if err != nil {
			return Server{}, fmt.Errorf("server %s: wait: %w", key, err)
		}
		return Server{Name: key, Host: s.Host, Concurrent: s.Concurrent, Wait: wait}, nil
	}
	u, err := url.Parse(key)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return Server{Name: key, Host: key}, nil
	}
	return Server{}, fmt.Errorf("unknown server %q (configured: %s)", key, strings.Join(c.ServerNames(), ", "))
}
