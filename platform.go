package vcompress

import (
	"io"
	"time"
)

// Surface is an opaque platform window handle: a decoder output target or
// an encoder input surface. Windows owned by an ImageSource are released
// with it; encoder input surfaces are released by whoever created them.
type Surface interface {
	Handle() uintptr
	Release() error
}

// Sentinel indices returned by Codec.DequeueOutputBuffer.
const (
	InfoTryAgainLater        = -1
	InfoOutputFormatChanged  = -2
	InfoOutputBuffersChanged = -3
)

// Codec is a hardware decoder or encoder instance. It follows the slot model
// of platform hardware codecs: input and output buffers are addressed by
// index, dequeued with a bounded timeout and handed back explicitly.
//
// A Codec is a scarce per-device resource. Release must be called on every
// path once the codec has been created.
type Codec interface {
	// Configure prepares the codec. surface is the decoder output target
	// (nil for ByteBuffer output); encode selects encoder mode.
	Configure(format *Format, surface Surface, encode bool) error

	// CreateInputSurface returns the encoder's input surface. Valid between
	// Configure and Start on encoders configured with ColorFormatSurface.
	CreateInputSurface() (Surface, error)

	Start() error

	// DequeueInputBuffer returns a free input slot index, or a negative
	// index when none became free within timeout.
	DequeueInputBuffer(timeout time.Duration) (int, error)
	InputBuffer(index int) ([]byte, error)
	QueueInputBuffer(index, size int, presentationTimeUs int64, flags BufferFlags) error

	// DequeueOutputBuffer returns a filled output slot index or one of the
	// Info* sentinels.
	DequeueOutputBuffer(timeout time.Duration) (int, BufferInfo, error)
	OutputBuffer(index int) ([]byte, error)
	OutputFormat() (*Format, error)

	// ReleaseOutputBuffer returns the slot to the codec. With render set on a
	// surface-configured decoder, the frame is sent to the output surface.
	ReleaseOutputBuffer(index int, render bool) error

	// SignalEndOfInputStream ends a surface-input encoder's stream.
	SignalEndOfInputStream() error

	Stop() error
	Release() error
}

// Extractor demultiplexes an input container one sample at a time.
type Extractor interface {
	io.Closer

	TrackCount() int
	TrackFormat(index int) (*Format, error)
	SelectTrack(index int) error
	UnselectTrack(index int) error

	// ReadSampleData copies the current sample of the selected track into
	// buf. It returns io.EOF once the track is exhausted.
	ReadSampleData(buf []byte) (int, error)
	SampleTime() int64
	SampleFlags() SampleFlags

	// Advance moves to the next sample. It returns false at the end.
	Advance() bool

	// SeekTo rewinds the selected tracks to the sample at or before timeUs.
	SeekTo(timeUs int64) error
}

// Muxer is a container writer that requires every track to be added before
// Start, and every sample to be written after it.
type Muxer interface {
	AddTrack(format *Format) (int, error)
	Start() error
	WriteSampleData(track int, data []byte, info BufferInfo) error
	Stop() error
	Release() error
}

// ImageSource receives decoded frames on a window and exposes the newest one
// as an external GPU texture.
type ImageSource interface {
	// Window is the surface a decoder renders into.
	Window() Surface

	// SetOnFrameAvailable installs a callback invoked, possibly on a
	// platform thread, each time a new frame reaches the window.
	SetOnFrameAvailable(fn func())

	// Latch binds the newest frame to the external texture tex.
	Latch(tex uint32) error

	// TransformMatrix returns the 4x4 column-major texture transform of the
	// latched frame. It already accounts for crop and rotation.
	TransformMatrix() [16]float32

	Release() error
}

// GPU is one rendering context. All methods must be called from the
// goroutine that called Bind.
type GPU interface {
	// Bind creates the display connection, context and a window surface on
	// target, and makes them current.
	Bind(target Surface) error

	CompileProgram(vertexSrc, fragmentSrc string) (uint32, error)
	NewExternalTexture() (uint32, error)
	// NewImageSource creates a decoder target of the coded frame size.
	// rotation (clockwise degrees) is folded into TransformMatrix.
	NewImageSource(width, height, rotation int) (ImageSource, error)

	// DrawQuad draws a full-viewport quad sampling tex through program,
	// applying texMatrix to the texture coordinates.
	DrawQuad(program, tex uint32, texMatrix [16]float32, width, height int) error
	SetPresentationTime(nanos int64) error
	SwapBuffers() error

	DeleteTexture(tex uint32) error
	DeleteProgram(program uint32) error
	DestroySurface() error
	DestroyContext() error
	Terminate() error
}

// Device produces the hardware resources of one platform.
type Device interface {
	OpenExtractor(path string) (Extractor, error)

	// NewDecoder and NewEncoder fail with ErrUnsupportedFormat when the
	// device has no codec for mime.
	NewDecoder(mime string) (Codec, error)
	NewEncoder(mime string) (Codec, error)

	NewMuxer(path string) (Muxer, error)
	NewGPU() (GPU, error)
}
