package vcompress

import (
	"fmt"
	"strings"
)

// Options bounds one compression: output resolution ceiling and target
// bitrates. Construct with ResolveOptions or a Preset; treat as immutable.
type Options struct {
	MaxWidth     int `yaml:"max_width"`
	MaxHeight    int `yaml:"max_height"`
	VideoBitrate int `yaml:"video_bitrate"` // bits per second
	AudioBitrate int `yaml:"audio_bitrate"` // bits per second
}

// Preset names a fixed row of the quality table.
type Preset string

const (
	PresetLow    Preset = "low"
	PresetMedium Preset = "medium"
	PresetHigh   Preset = "high"
)

var presetTable = map[Preset]Options{
	PresetLow:    {MaxWidth: 854, MaxHeight: 480, VideoBitrate: 1_000_000, AudioBitrate: 64_000},
	PresetMedium: {MaxWidth: 1280, MaxHeight: 720, VideoBitrate: 2_000_000, AudioBitrate: 96_000},
	PresetHigh:   {MaxWidth: 1920, MaxHeight: 1080, VideoBitrate: 4_000_000, AudioBitrate: 128_000},
}

// Options returns the preset's row of the built-in table.
func (p Preset) Options() (Options, error) {
	o, ok := presetTable[Preset(strings.ToLower(string(p)))]
	if !ok {
		return Options{}, fmt.Errorf("unknown preset %q", p)
	}
	return o, nil
}

// Overrides replace individual fields of a preset. Zero fields are ignored.
type Overrides struct {
	MaxWidth     int `yaml:"max_width"`
	MaxHeight    int `yaml:"max_height"`
	VideoBitrate int `yaml:"video_bitrate"`
	AudioBitrate int `yaml:"audio_bitrate"`
}

// Apply returns base with every non-zero override applied.
func (ov Overrides) Apply(base Options) Options {
	if ov.MaxWidth > 0 {
		base.MaxWidth = ov.MaxWidth
	}
	if ov.MaxHeight > 0 {
		base.MaxHeight = ov.MaxHeight
	}
	if ov.VideoBitrate > 0 {
		base.VideoBitrate = ov.VideoBitrate
	}
	if ov.AudioBitrate > 0 {
		base.AudioBitrate = ov.AudioBitrate
	}
	return base
}

// ResolveOptions looks the preset up in table (falling back to the built-in
// table), applies the overrides and validates the result. An empty preset
// means PresetMedium.
func ResolveOptions(preset Preset, ov Overrides, table map[Preset]Options) (Options, error) {
	if preset == "" {
		preset = PresetMedium
	}
	base, ok := table[preset]
	if !ok {
		var err error
		if base, err = preset.Options(); err != nil {
			return Options{}, err
		}
	}
	opts := ov.Apply(base)
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate rejects non-positive bounds and bitrates.
func (o Options) Validate() error {
	switch {
	case o.MaxWidth <= 0 || o.MaxHeight <= 0:
		return fmt.Errorf("invalid bounds %dx%d", o.MaxWidth, o.MaxHeight)
	case o.VideoBitrate <= 0:
		return fmt.Errorf("invalid video bitrate %d", o.VideoBitrate)
	case o.AudioBitrate <= 0:
		return fmt.Errorf("invalid audio bitrate %d", o.AudioBitrate)
	}
	return nil
}
