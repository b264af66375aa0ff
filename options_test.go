package vcompress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresetOptions(t *testing.T) {
	tests := []struct {
		preset Preset
		want   Options
	}{
		{PresetLow, Options{MaxWidth: 854, MaxHeight: 480, VideoBitrate: 1_000_000, AudioBitrate: 64_000}},
		{PresetMedium, Options{MaxWidth: 1280, MaxHeight: 720, VideoBitrate: 2_000_000, AudioBitrate: 96_000}},
		{PresetHigh, Options{MaxWidth: 1920, MaxHeight: 1080, VideoBitrate: 4_000_000, AudioBitrate: 128_000}},
		{"HIGH", Options{MaxWidth: 1920, MaxHeight: 1080, VideoBitrate: 4_000_000, AudioBitrate: 128_000}},
	}
	for _, tt := range tests {
		t.Run(string(tt.preset), func(t *testing.T) {
			got, err := tt.preset.Options()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Preset("ultra").Options()
	assert.Error(t, err)
}

func TestResolveOptions(t *testing.T) {
	t.Run("overrides replace single fields", func(t *testing.T) {
		got, err := ResolveOptions(PresetLow, Overrides{MaxHeight: 360, AudioBitrate: 48_000}, nil)
		require.NoError(t, err)
		assert.Equal(t, Options{MaxWidth: 854, MaxHeight: 360, VideoBitrate: 1_000_000, AudioBitrate: 48_000}, got)
	})

	t.Run("empty preset is medium", func(t *testing.T) {
		got, err := ResolveOptions("", Overrides{}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1280, got.MaxWidth)
	})

	t.Run("custom table wins", func(t *testing.T) {
		table := map[Preset]Options{"tiny": {MaxWidth: 160, MaxHeight: 120, VideoBitrate: 100_000, AudioBitrate: 32_000}}
		got, err := ResolveOptions("tiny", Overrides{}, table)
		require.NoError(t, err)
		assert.Equal(t, 160, got.MaxWidth)

		got, err = ResolveOptions(PresetHigh, Overrides{}, table)
		require.NoError(t, err)
		assert.Equal(t, 1920, got.MaxWidth, "built-in rows still resolve")
	})

	t.Run("unknown preset", func(t *testing.T) {
		_, err := ResolveOptions("ultra", Overrides{}, nil)
		assert.Error(t, err)
	})
}

func TestOptionsValidate(t *testing.T) {
	valid := Options{MaxWidth: 1, MaxHeight: 1, VideoBitrate: 1, AudioBitrate: 1}
	assert.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(*Options){
		"width":         func(o *Options) { o.MaxWidth = 0 },
		"height":        func(o *Options) { o.MaxHeight = -1 },
		"video bitrate": func(o *Options) { o.VideoBitrate = 0 },
		"audio bitrate": func(o *Options) { o.AudioBitrate = 0 },
	} {
		o := valid
		mutate(&o)
		assert.Error(t, o.Validate(), name)
	}
}
