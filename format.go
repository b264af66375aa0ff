package vcompress

import "fmt"

// Format describes one elementary stream: what an extractor reports for an
// input track, what a codec is configured with, and what a muxer track is
// declared from.
type Format struct {
	MIME string

	// Video
	Width          int
	Height         int
	Rotation       int // Clockwise degrees: 0, 90, 180 or 270
	FrameRate      int
	IFrameInterval int // Seconds between sync frames (encoder only)
	ColorFormat    int

	// Audio
	SampleRate   int
	ChannelCount int
	AACProfile   int

	BitRate      int   // Bits per second, 0 when unknown
	MaxInputSize int   // Largest access unit in bytes, 0 when unknown
	DurationUs   int64 // Track duration in microseconds, 0 when unknown

	// CSD holds codec-specific data buffers (csd-0, csd-1, ...). For AVC
	// these are the Annex-B SPS and PPS; for AAC the AudioSpecificConfig.
	CSD [][]byte
}

// ColorFormatSurface selects surface input on an encoder.
const ColorFormatSurface = 0x7F000789

// IsVideo reports whether the format describes a video stream.
func (f *Format) IsVideo() bool { return isVideoMIME(f.MIME) }

// IsAudio reports whether the format describes an audio stream.
func (f *Format) IsAudio() bool { return isAudioMIME(f.MIME) }

// Clone returns a deep copy of f.
func (f *Format) Clone() *Format {
	c := *f
	if f.CSD != nil {
		c.CSD = make([][]byte, len(f.CSD))
		for i, b := range f.CSD {
			c.CSD[i] = append([]byte(nil), b...)
		}
	}
	return &c
}

func (f *Format) String() string {
	if f.IsVideo() {
		return fmt.Sprintf("%s %dx%d rot=%d fps=%d br=%d", f.MIME, f.Width, f.Height, f.Rotation, f.FrameRate, f.BitRate)
	}
	return fmt.Sprintf("%s %dHz ch=%d br=%d", f.MIME, f.SampleRate, f.ChannelCount, f.BitRate)
}

// BufferFlags mark codec and sample buffers.
type BufferFlags uint32

const (
	BufferFlagKeyFrame    BufferFlags = 1
	BufferFlagCodecConfig BufferFlags = 2
	BufferFlagEndOfStream BufferFlags = 4
)

func (f BufferFlags) Has(flag BufferFlags) bool { return f&flag == flag }

// BufferInfo describes one buffer dequeued from a codec or handed to a muxer.
type BufferInfo struct {
	Offset             int
	Size               int
	PresentationTimeUs int64
	Flags              BufferFlags
}

// SampleFlags are the per-sample flags reported by an Extractor.
type SampleFlags uint32

const (
	SampleFlagSync SampleFlags = 1
)
