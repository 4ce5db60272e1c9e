// Package config loads layered configuration: built-in defaults, an optional
// YAML file, RECALL_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/conorfennell/recall/internal/sm2"
)

const envPrefix = "RECALL_"

type Config struct {
	Storage    Storage    `koanf:"storage"`
	Server     Server     `koanf:"server"`
	Validation Validation `koanf:"validation"`
	Review     Review     `koanf:"review"`
	Scheduler  Scheduler  `koanf:"scheduler"`
	Ingest     Ingest     `koanf:"ingest"`
	Log        Log        `koanf:"log"`
}

type Storage struct {
	// Driver selects where material collections live. The SQLite file at
	// Path always holds the source registry.
	Driver        string        `koanf:"driver" validate:"oneof=sqlite redis memory"`
	Path          string        `koanf:"path" validate:"required"`
	RedisAddr     string        `koanf:"redis_addr" validate:"required_if=Driver redis"`
	RedisPassword string        `koanf:"redis_password"`
	RedisDB       int           `koanf:"redis_db" validate:"gte=0"`
	Timeout       time.Duration `koanf:"timeout"`
}

type Server struct {
	Addr string `koanf:"addr" validate:"required"`
}

type Validation struct {
	// BaseURL of the answer validation API. Empty disables remote validation.
	BaseURL string        `koanf:"base_url" validate:"omitempty,url"`
	Timeout time.Duration `koanf:"timeout"`
}

type Review struct {
	Prefix   string `koanf:"prefix" validate:"required"`
	Timezone string `koanf:"timezone" validate:"omitempty,timezone"`
}

type Scheduler struct {
	BaseIntervals     []int   `koanf:"base_intervals" validate:"len=5,dive,min=1"`
	DefaultEaseFactor float64 `koanf:"default_ease_factor" validate:"gtefield=MinEaseFactor"`
	MinEaseFactor     float64 `koanf:"min_ease_factor" validate:"gt=0"`
}

type Ingest struct {
	ReposDir string `koanf:"repos_dir" validate:"required"`
}

type Log struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	p := sm2.DefaultParams()
	return &Config{
		Storage: Storage{
			Driver:  "sqlite",
			Path:    "recall.db",
			Timeout: 5 * time.Second,
		},
		Server:     Server{Addr: ":8080"},
		Validation: Validation{Timeout: 30 * time.Second},
		Review:     Review{Prefix: "recall_questions_material_"},
		Scheduler: Scheduler{
			BaseIntervals:     p.BaseIntervals[:],
			DefaultEaseFactor: p.DefaultEaseFactor,
			MinEaseFactor:     p.MinEaseFactor,
		},
		Ingest: Ingest{ReposDir: "repos"},
		Log:    Log{Level: "info", Format: "text"},
	}
}

// flagKeys maps command-line flag names onto configuration keys.
var flagKeys = map[string]string{
	"db":             "storage.path",
	"driver":         "storage.driver",
	"redis-addr":     "storage.redis_addr",
	"addr":           "server.addr",
	"validation-url": "validation.base_url",
	"timezone":       "review.timezone",
	"repos-dir":      "ingest.repos_dir",
	"log-level":      "log.level",
	"log-format":     "log.format",
}

// RegisterFlags adds the flags understood by Load to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "Path to a YAML configuration file")
	fs.String("db", d.Storage.Path, "Path to the SQLite database file")
	fs.String("driver", d.Storage.Driver, "Storage driver for materials: sqlite, redis or memory")
	fs.String("redis-addr", d.Storage.RedisAddr, "Redis address when --driver=redis")
	fs.String("addr", d.Server.Addr, "HTTP listen address")
	fs.String("validation-url", d.Validation.BaseURL, "Base URL of the answer validation API")
	fs.String("timezone", d.Review.Timezone, "IANA time zone for calendar days (default: local)")
	fs.String("repos-dir", d.Ingest.ReposDir, "Directory where git sources are cloned")
	fs.String("log-level", d.Log.Level, "Log level: debug, info, warn or error")
	fs.String("log-format", d.Log.Format, "Log format: text or json")
}

// Load builds the configuration. path may be empty; a missing file at an
// explicit path is an error. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found", path)
			}
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// RECALL_STORAGE_REDIS_ADDR -> storage.redis_addr
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Params converts the scheduler section into sm2 parameters.
func (s Scheduler) Params() (*sm2.Params, error) {
	p := &sm2.Params{
		DefaultEaseFactor: s.DefaultEaseFactor,
		MinEaseFactor:     s.MinEaseFactor,
	}
	if len(s.BaseIntervals) != len(p.BaseIntervals) {
		return nil, fmt.Errorf("scheduler needs %d base intervals, got %d", len(p.BaseIntervals), len(s.BaseIntervals))
	}
	copy(p.BaseIntervals[:], s.BaseIntervals)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Location resolves the configured time zone, defaulting to local time.
func (r Review) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", r.Timezone, err)
	}
	return loc, nil
}

// NewLogger builds the slog logger described by l.
func (l Log) NewLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var level slog.Level
	switch l.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
