package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/meigma/imagecache"
)

const (
	backendFilesystem = "filesystem"
	backendOCI        = "oci"

	logText = "text"
	logJSON = "json"
)

// duration is a time.Duration spelled as a Go duration string in TOML.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type config struct {
	Listen        string `toml:"listen"`
	MetricsListen string `toml:"metrics_listen"`
	LogLevel      string `toml:"log_level"`
	LogFormat     string `toml:"log_format"`

	Cache   cacheConfig   `toml:"cache"`
	Backend backendConfig `toml:"backend"`
	Prune   pruneConfig   `toml:"prune"`
}

type cacheConfig struct {
	Driver string `toml:"driver"`
	Dir    string `toml:"dir"`
	DBPath string `toml:"db_path"`
}

type backendConfig struct {
	Kind string `toml:"kind"`

	// filesystem
	Dir         string `toml:"dir"`
	Compression bool   `toml:"compression"`

	// oci
	Repository   string `toml:"repository"`
	PlainHTTP    bool   `toml:"plain_http"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	DockerConfig bool   `toml:"docker_config"`
	TempDir      string `toml:"temp_dir"`
}

type pruneConfig struct {
	Interval     duration `toml:"interval"`
	MaxSize      int64    `toml:"max_size"`
	MaxIdle      duration `toml:"max_idle"`
	MinHits      int64    `toml:"min_hits"`
	MinHitsGrace duration `toml:"min_hits_grace"`
	Concurrency  int      `toml:"concurrency"`
}

func (p pruneConfig) enabled() bool {
	return p.Interval.Duration > 0
}

func defaultConfig() config {
	return config{
		Listen:    ":9292",
		LogLevel:  "info",
		LogFormat: logText,
		Cache: cacheConfig{
			Driver: imagecache.DriverSQLite,
		},
		Backend: backendConfig{
			Kind: backendFilesystem,
		},
		Prune: pruneConfig{
			MinHitsGrace: duration{24 * time.Hour},
			Concurrency:  4,
		},
	}
}

func newFlagSet(cfg *config, configPath *string) *flag.FlagSet {
	fs := flag.NewFlagSet("imagecached", flag.ContinueOnError)
	fs.StringVar(configPath, "config", *configPath, "TOML config file; flags override its values")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "API listen address")
	fs.StringVar(&cfg.MetricsListen, "metrics-listen", cfg.MetricsListen, "Prometheus /metrics listen address (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")

	fs.StringVar(&cfg.Cache.Driver, "cache-driver", cfg.Cache.Driver, "cache driver: sqlite, xattr, none")
	fs.StringVar(&cfg.Cache.Dir, "cache-dir", cfg.Cache.Dir, "cache directory")
	fs.StringVar(&cfg.Cache.DBPath, "cache-db", cfg.Cache.DBPath, "sqlite index path (default <cache-dir>/cache.db)")

	fs.StringVar(&cfg.Backend.Kind, "backend", cfg.Backend.Kind, "backend: filesystem or oci")
	fs.StringVar(&cfg.Backend.Dir, "backend-dir", cfg.Backend.Dir, "filesystem backend directory")
	fs.BoolVar(&cfg.Backend.Compression, "backend-compression", cfg.Backend.Compression, "zstd-compress filesystem backend objects")
	fs.StringVar(&cfg.Backend.Repository, "backend-repository", cfg.Backend.Repository, "OCI repository reference (e.g. registry.example.com/images)")
	fs.BoolVar(&cfg.Backend.PlainHTTP, "backend-plain-http", cfg.Backend.PlainHTTP, "use plain HTTP for the OCI registry")
	fs.StringVar(&cfg.Backend.Username, "backend-username", cfg.Backend.Username, "OCI registry username")
	fs.StringVar(&cfg.Backend.Password, "backend-password", cfg.Backend.Password, "OCI registry password")
	fs.BoolVar(&cfg.Backend.DockerConfig, "backend-docker-config", cfg.Backend.DockerConfig, "read OCI registry credentials from the Docker config")
	fs.StringVar(&cfg.Backend.TempDir, "backend-temp-dir", cfg.Backend.TempDir, "directory for spooling OCI uploads")

	fs.DurationVar(&cfg.Prune.Interval.Duration, "prune-interval", cfg.Prune.Interval.Duration, "prune interval (0 disables pruning)")
	fs.Int64Var(&cfg.Prune.MaxSize, "prune-max-size", cfg.Prune.MaxSize, "evict least recently used entries above this many bytes (0 disables)")
	fs.DurationVar(&cfg.Prune.MaxIdle.Duration, "prune-max-idle", cfg.Prune.MaxIdle.Duration, "evict entries idle longer than this (0 disables)")
	fs.Int64Var(&cfg.Prune.MinHits, "prune-min-hits", cfg.Prune.MinHits, "evict entries with fewer hits once past the grace period (0 disables)")
	fs.DurationVar(&cfg.Prune.MinHitsGrace.Duration, "prune-min-hits-grace", cfg.Prune.MinHitsGrace.Duration, "grace period for prune-min-hits")
	fs.IntVar(&cfg.Prune.Concurrency, "prune-concurrency", cfg.Prune.Concurrency, "concurrent prune deletions")
	return fs
}

// loadConfig builds the configuration from defaults, an optional TOML file
// and command-line flags, in increasing precedence.
func loadConfig(args []string, stderr io.Writer) (config, error) {
	var path string
	probe := defaultConfig()
	fs := newFlagSet(&probe, &path)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config{}, fmt.Errorf("read config: %w", err)
		}
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// Parse again over the file values so explicit flags win.
	fs = newFlagSet(&cfg, &path)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	if fs.NArg() > 0 {
		return config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case logText, logJSON:
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if err := c.cacheConfig().Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Backend.Kind {
	case backendFilesystem:
		if c.Backend.Dir == "" {
			errs = append(errs, errors.New("filesystem backend requires backend-dir"))
		}
	case backendOCI:
		if c.Backend.Repository == "" {
			errs = append(errs, errors.New("oci backend requires backend-repository"))
		}
		if c.Backend.Username != "" && c.Backend.DockerConfig {
			errs = append(errs, errors.New("backend-username and backend-docker-config are mutually exclusive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend.Kind))
	}

	p := c.Prune
	if p.Interval.Duration < 0 || p.MaxIdle.Duration < 0 || p.MinHitsGrace.Duration < 0 {
		errs = append(errs, errors.New("prune durations must not be negative"))
	}
	if p.MaxSize < 0 || p.MinHits < 0 {
		errs = append(errs, errors.New("prune limits must not be negative"))
	}
	if p.enabled() && p.MaxSize == 0 && p.MaxIdle.Duration == 0 && p.MinHits == 0 {
		errs = append(errs, errors.New("prune-interval is set but no prune policy is configured"))
	}
	return errors.Join(errs...)
}

func (c config) cacheConfig() imagecache.Config {
	return imagecache.Config{
		Driver: c.Cache.Driver,
		Dir:    c.Cache.Dir,
		DBPath: c.Cache.DBPath,
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

func newLogger(c config, w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel) //nolint:errcheck // validated
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == logJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
