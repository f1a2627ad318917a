// Package config loads node settings from a TOML file, with GRENMAP_*
// environment variables (optionally read from a .env file) taking
// precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Lock backends.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "GRENMAP_"

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type ImportConfig struct {
	// TestMode skips completeness resolution after an import.
	TestMode    bool `toml:"test_mode"`
	RunRulesets bool `toml:"run_rulesets"`
}

type CollationConfig struct {
	SeedDefaults bool `toml:"seed_defaults"`
}

type LockConfig struct {
	Backend   string `toml:"backend"`
	RedisAddr string `toml:"redis_addr"`
	Key       string `toml:"key"`

	// TTL is the expiry of the redis key. It is renewed while a run holds
	// the lock and only matters when the holder dies.
	TTL Duration `toml:"ttl"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	Import    ImportConfig    `toml:"import"`
	Collation CollationConfig `toml:"collation"`
	Lock      LockConfig      `toml:"lock"`
	Log       LogConfig       `toml:"log"`
}

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		Database:  DatabaseConfig{Path: "grenmap.db"},
		Import:    ImportConfig{RunRulesets: true},
		Collation: CollationConfig{SeedDefaults: true},
		Lock: LockConfig{
			Backend: LockLocal,
			Key:     "grenmap:pipeline",
			TTL:     Duration(10 * time.Minute),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the TOML file at path over the defaults, then applies the
// GRENMAP_* variables found in envFile and in the process environment.
// The process environment wins over envFile. Empty paths are skipped; a
// named file that does not exist is an error.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	}

	env := map[string]string{}
	if envFile != "" {
		fileEnv, err := godotenv.Read(envFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read env file '%s': %w", envFile, err)
		}
		env = fileEnv
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(env map[string]string) error {
	strs := map[string]*string{
		"DATABASE_PATH":   &c.Database.Path,
		"LOCK_BACKEND":    &c.Lock.Backend,
		"LOCK_REDIS_ADDR": &c.Lock.RedisAddr,
		"LOCK_KEY":        &c.Lock.Key,
		"LOG_LEVEL":       &c.Log.Level,
	}
	bools := map[string]*bool{
		"IMPORT_TEST_MODE":        &c.Import.TestMode,
		"IMPORT_RUN_RULESETS":     &c.Import.RunRulesets,
		"COLLATION_SEED_DEFAULTS": &c.Collation.SeedDefaults,
	}

	for name, dst := range strs {
		if v, ok := env[EnvPrefix+name]; ok {
			*dst = v
		}
	}
	for name, dst := range bools {
		v, ok := env[EnvPrefix+name]
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: %w", EnvPrefix, name, v, err)
		}
		*dst = b
	}
	if v, ok := env[EnvPrefix+"LOCK_TTL"]; ok {
		if err := c.Lock.TTL.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("invalid %sLOCK_TTL %q: %w", EnvPrefix, v, err)
		}
	}
	return nil
}

// Validate checks the settings for values the node cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	switch c.Lock.Backend {
	case LockLocal:
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			errs = append(errs, errors.New("lock.redis_addr is required for the redis backend"))
		}
		if c.Lock.Key == "" {
			errs = append(errs, errors.New("lock.key is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.backend must be %q or %q, got %q", LockLocal, LockRedis, c.Lock.Backend))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, errors.New("lock.ttl must be positive"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel converts log.level into a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}
