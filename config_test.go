package vcompress

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 500*time.Millisecond, cfg.ProgressInterval)
	assert.Equal(t, PresetMedium, cfg.DefaultPreset)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vcompress.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache_dir: /data/cache/compress
frame_timeout: 5s
progress_interval: 250ms
default_preset: tiny
presets:
  tiny:
    max_width: 320
    max_height: 240
    video_bitrate: 250000
    audio_bitrate: 32000
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/cache/compress", cfg.CacheDir)
	assert.Equal(t, 5*time.Second, cfg.FrameTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.ProgressInterval)
	assert.Equal(t, 10*time.Millisecond, cfg.DequeueTimeout, "unset fields keep defaults")
	assert.Equal(t, Preset("tiny"), cfg.DefaultPreset)
	assert.Equal(t, Options{MaxWidth: 320, MaxHeight: 240, VideoBitrate: 250_000, AudioBitrate: 32_000}, cfg.Presets["tiny"])
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("frame_timeout: [1"), 0o600))
	_, err = LoadConfig(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("presets:\n  custom:\n    max_width: 640\n"), 0o600))
	_, err = LoadConfig(invalid)
	assert.ErrorContains(t, err, "preset custom")
}

func TestLoadConfigMergesPartialPresetRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vcompress.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
presets:
  medium:
    video_bitrate: 1500000
  low:
    max_width: 640
    max_height: 360
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, Options{MaxWidth: 1280, MaxHeight: 720, VideoBitrate: 1_500_000, AudioBitrate: 96_000}, cfg.Presets[PresetMedium])
	assert.Equal(t, Options{MaxWidth: 640, MaxHeight: 360, VideoBitrate: 1_000_000, AudioBitrate: 64_000}, cfg.Presets[PresetLow])

	opts, err := ResolveOptions(PresetMedium, Overrides{}, cfg.Presets)
	require.NoError(t, err)
	assert.Equal(t, 1_500_000, opts.VideoBitrate)
}

func TestConfigValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"no cache dir":    func(c *Config) { c.CacheDir = "" },
		"zero dequeue":    func(c *Config) { c.DequeueTimeout = 0 },
		"zero frame":      func(c *Config) { c.FrameTimeout = 0 },
		"negative report": func(c *Config) { c.ProgressInterval = -time.Second },
		"unknown default": func(c *Config) { c.DefaultPreset = "ultra" },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}
