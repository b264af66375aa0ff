//go:build !android

package vcompress

import "fmt"

// portableDevice demuxes and muxes MP4 in pure Go. It has no hardware
// codecs, so compressions on it fail with ErrUnsupportedFormat once a codec
// is requested.
type portableDevice struct{}

// NewDevice returns the device of the current platform.
func NewDevice() Device { return portableDevice{} }

func (portableDevice) OpenExtractor(path string) (Extractor, error) {
	ex, err := OpenMP4Extractor(path)
	if err != nil {
		return nil, err
	}
	return ex, nil
}

func (portableDevice) NewDecoder(mime string) (Codec, error) {
	return nil, fmt.Errorf("%w: no %s decoder on this platform", ErrUnsupportedFormat, mime)
}

func (portableDevice) NewEncoder(mime string) (Codec, error) {
	return nil, fmt.Errorf("%w: no %s encoder on this platform", ErrUnsupportedFormat, mime)
}

func (portableDevice) NewMuxer(path string) (Muxer, error) {
	m, err := NewMP4Muxer(path)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (portableDevice) NewGPU() (GPU, error) {
	return nil, fmt.Errorf("%w: no gpu context on this platform", ErrUnsupportedFormat)
}
