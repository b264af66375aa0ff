package vcompress

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"
)

// Config configures a Compressor. The zero value is not usable; start from
// DefaultConfig or LoadConfig.
type Config struct {
	// CacheDir receives output files. It must be private to the process.
	CacheDir string `yaml:"cache_dir"`

	// DequeueTimeout bounds every wait for a free codec slot.
	DequeueTimeout time.Duration `yaml:"dequeue_timeout"`

	// FrameTimeout bounds the wait for a decoded frame to reach the GPU.
	// Exceeding it fails the call.
	FrameTimeout time.Duration `yaml:"frame_timeout"`

	// ProgressInterval is the minimum wall time between progress reports.
	ProgressInterval time.Duration `yaml:"progress_interval"`

	// DefaultPreset is used by requests that name no preset.
	DefaultPreset Preset `yaml:"default_preset"`

	// Presets overrides rows of the built-in quality table.
	Presets map[Preset]Options `yaml:"presets"`

	// MinFreeBytes is the least free space CacheDir must have before a
	// call starts writing.
	MinFreeBytes uint64 `yaml:"min_free_bytes"`

	LogLevel string `yaml:"log_level"`

	// Logger overrides the logger built from LogLevel.
	Logger hclog.Logger `yaml:"-"`

	// Resolver maps non-file locators (e.g. content://) to readable paths.
	Resolver func(locator string) (string, error) `yaml:"-"`

	// Metrics, when set, records per-call outcomes.
	Metrics *Metrics `yaml:"-"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		CacheDir:         filepath.Join(os.TempDir(), "vcompress"),
		DequeueTimeout:   10 * time.Millisecond,
		FrameTimeout:     2500 * time.Millisecond,
		ProgressInterval: 500 * time.Millisecond,
		DefaultPreset:    PresetMedium,
		MinFreeBytes:     16 << 20,
		LogLevel:         "info",
	}
}

// LoadConfig reads a YAML file and merges it onto DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Presets = mergePresets(cfg.Presets)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// mergePresets fills the unset fields of rows that name a built-in preset
// from the built-in table. Rows for new preset names are kept as written.
func mergePresets(rows map[Preset]Options) map[Preset]Options {
	for name, row := range rows {
		if base, err := name.Options(); err == nil {
			rows[name] = Overrides(row).Apply(base)
		}
	}
	return rows
}

// Validate checks the timing fields and every preset override.
func (c Config) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir must be set")
	}
	if c.DequeueTimeout <= 0 || c.FrameTimeout <= 0 {
		return fmt.Errorf("dequeue_timeout and frame_timeout must be positive")
	}
	if c.ProgressInterval < 0 {
		return fmt.Errorf("progress_interval must not be negative")
	}
	for name, o := range c.Presets {
		if err := o.Validate(); err != nil {
			return fmt.Errorf("preset %s: %w", name, err)
		}
	}
	if c.DefaultPreset != "" {
		if _, ok := c.Presets[c.DefaultPreset]; !ok {
			if _, err := c.DefaultPreset.Options(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c Config) logger() hclog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:  "vcompress",
		Level: hclog.LevelFromString(c.LogLevel),
	})
}
