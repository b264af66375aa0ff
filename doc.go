// Package vcompress shrinks video files on-device by re-encoding them with
// the platform's hardware codecs.
//
// A compression probes the input container, re-encodes the first video track
// to H.264 at a planned resolution and bitrate, copies or re-encodes the
// first audio track to AAC, and writes an MP4 into the configured cache
// directory. Decoded frames travel from decoder to encoder as GPU textures;
// pixels are never read back to the CPU.
//
// # Architecture
//
//	Compressor -> probe -> VideoStage -> AudioStage -> finalize
//	VideoStage: Extractor -> decoder -> ImageSource -> FrameRelay -> encoder -> DeferredWriter
//	AudioStage: Extractor -> (copy | decoder -> PCM -> encoder) -> DeferredWriter
//	DeferredWriter -> Muxer (started once every expected track is declared)
//
// # Platforms
//
// On Android the Device is backed by libmediandk, libandroid, libEGL and
// libGLESv2, loaded at runtime through purego (CGO_ENABLED=0). Set
// VCOMPRESS_LIB_PATH to search another directory first. Elsewhere NewDevice
// returns a portable device that demuxes and muxes MP4 in pure Go but has
// no codecs; tests drive the pipeline through their own Device.
//
// # Presets
//
//	low:    854x480 box,   1 Mbit/s video, 64 kbit/s audio
//	medium: 1280x720 box,  2 Mbit/s video, 96 kbit/s audio
//	high:   1920x1080 box, 4 Mbit/s video, 128 kbit/s audio
//
// Overrides replace individual preset fields. Output dimensions are rounded
// to multiples of 16 before encoding.
package vcompress
