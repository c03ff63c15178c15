// Package config loads syncbox configuration from a TOML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kimhsiao/syncbox/internal/errors"
)

// TTLClass buckets collections by cache lifetime. Eviction under storage
// pressure removes the shortest class first.
type TTLClass string

const (
	TTLShort  TTLClass = "short"  // volatile lists, cheap to refetch
	TTLMedium TTLClass = "medium" // default
	TTLLong   TTLClass = "long"   // safety-critical reference data
)

// Duration returns the cache lifetime for the class.
func (c TTLClass) Duration() time.Duration {
	switch c {
	case TTLShort:
		return 15 * time.Minute
	case TTLLong:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Rank orders classes for eviction: lower ranks are evicted first.
func (c TTLClass) Rank() int {
	switch c {
	case TTLShort:
		return 0
	case TTLLong:
		return 2
	default:
		return 1
	}
}

// CollectionConfig holds per-collection sync policy.
type CollectionConfig struct {
	TTLClass TTLClass `toml:"ttl_class"`
	// Strategy is the conflict resolution strategy: "last_write_wins",
	// "server_wins" or "manual". Manual is the safe default: clock skew
	// makes last-write-wins silently pick wrong winners, so it is opt-in
	// for low-stakes collections only.
	Strategy string `toml:"strategy"`
	// Priority is the default queue priority for writes to this
	// collection: "high", "normal" or "low".
	Priority string `toml:"priority"`
}

// RetryConfig holds queue retry/backoff tuning.
type RetryConfig struct {
	BaseDelaySeconds int `toml:"base_delay_seconds"`
	MaxDelaySeconds  int `toml:"max_delay_seconds"`
	MaxAttempts      int `toml:"max_attempts"`
	// JitterSeconds is the max random slop added to each backoff delay to
	// avoid thundering-herd resync after an outage.
	JitterSeconds int `toml:"jitter_seconds"`
}

// StorageConfig holds local store tuning.
type StorageConfig struct {
	// Backend selects the store implementation: "sqlite" (default) or
	// "badger".
	Backend    string `toml:"backend"`
	DataDir    string `toml:"data_dir"`
	QuotaBytes int64  `toml:"quota_bytes"`
	// HighWaterRatio triggers an eviction sweep when usage crosses it.
	HighWaterRatio float64 `toml:"high_water_ratio"`
	// SweepIntervalSeconds is how often the background TTL sweep runs.
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
}

// NetworkConfig holds connectivity monitoring tuning.
type NetworkConfig struct {
	// DebounceSeconds is how long connectivity must stay up before the
	// online transition is announced. Going offline is always instant.
	DebounceSeconds      int `toml:"debounce_seconds"`
	ProbeIntervalSeconds int `toml:"probe_interval_seconds"`
}

// RemoteConfig holds remote API connection settings.
type RemoteConfig struct {
	BaseURL        string `toml:"base_url"`
	Token          string `toml:"token"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// ServerConfig holds the local HTTP/WebSocket surface.
type ServerConfig struct {
	Listen string `toml:"listen"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Config is the root syncbox configuration.
type Config struct {
	Collections map[string]CollectionConfig `toml:"collections"`
	Retry       RetryConfig                 `toml:"retry"`
	Storage     StorageConfig               `toml:"storage"`
	Network     NetworkConfig               `toml:"network"`
	Remote      RemoteConfig                `toml:"remote"`
	Server      ServerConfig                `toml:"server"`
	Log         LogConfig                   `toml:"log"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Collections: map[string]CollectionConfig{},
		Retry: RetryConfig{
			BaseDelaySeconds: 2,
			MaxDelaySeconds:  300,
			MaxAttempts:      5,
			JitterSeconds:    3,
		},
		Storage: StorageConfig{
			Backend:              "sqlite",
			DataDir:              "./data",
			QuotaBytes:           256 << 20, // 256 MiB
			HighWaterRatio:       0.9,
			SweepIntervalSeconds: 300,
		},
		Network: NetworkConfig{
			DebounceSeconds:      2,
			ProbeIntervalSeconds: 15,
		},
		Remote: RemoteConfig{
			TimeoutSeconds: 30,
		},
		Server: ServerConfig{
			Listen: "localhost:8090",
		},
		Log: LogConfig{
			Level: "INFO",
		},
	}
}

// Collection returns the policy for a collection, falling back to a
// manual-strategy, medium-TTL default for unknown collections.
func (c *Config) Collection(name string) CollectionConfig {
	if cc, ok := c.Collections[name]; ok {
		if cc.TTLClass == "" {
			cc.TTLClass = TTLMedium
		}
		if cc.Strategy == "" {
			cc.Strategy = "manual"
		}
		if cc.Priority == "" {
			cc.Priority = "normal"
		}
		return cc
	}
	return CollectionConfig{TTLClass: TTLMedium, Strategy: "manual", Priority: "normal"}
}

// Load reads configuration from path, layering the file over defaults.
// A missing file returns defaults without error so the daemon can start
// unconfigured and sync entirely offline.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, errors.Wrap(errors.ErrConfig, fmt.Sprintf("failed to parse %s", filepath.Base(path)), err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return errors.New(errors.ErrConfig, "retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelaySeconds < 1 {
		return errors.New(errors.ErrConfig, "retry.base_delay_seconds must be at least 1")
	}
	if c.Storage.HighWaterRatio <= 0 || c.Storage.HighWaterRatio > 1 {
		return errors.New(errors.ErrConfig, "storage.high_water_ratio must be in (0, 1]")
	}
	if c.Storage.Backend != "sqlite" && c.Storage.Backend != "badger" {
		return errors.New(errors.ErrConfig, fmt.Sprintf("unknown storage backend %q", c.Storage.Backend))
	}

	for name, cc := range c.Collections {
		switch cc.Strategy {
		case "", "last_write_wins", "server_wins", "manual":
		default:
			return errors.New(errors.ErrConfig, fmt.Sprintf("collection %q: unknown strategy %q", name, cc.Strategy))
		}
		switch cc.TTLClass {
		case "", TTLShort, TTLMedium, TTLLong:
		default:
			return errors.New(errors.ErrConfig, fmt.Sprintf("collection %q: unknown ttl_class %q", name, cc.TTLClass))
		}
	}

	return nil
}
