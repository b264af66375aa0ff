//go:build android

package vcompress

// ndkDevice backs every resource with the platform media and graphics
// libraries.
type ndkDevice struct{}

// NewDevice returns the platform device: NDK codecs, extractor and muxer
// with an EGL frame relay.
func NewDevice() Device { return ndkDevice{} }

func (ndkDevice) OpenExtractor(path string) (Extractor, error) {
	ex, err := openNDKExtractor(path)
	if err != nil {
		return nil, err
	}
	return ex, nil
}

func (ndkDevice) NewDecoder(mime string) (Codec, error) {
	c, err := newNDKCodec(mime, false)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (ndkDevice) NewEncoder(mime string) (Codec, error) {
	c, err := newNDKCodec(mime, true)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (ndkDevice) NewMuxer(path string) (Muxer, error) {
	m, err := newNDKMuxer(path)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (ndkDevice) NewGPU() (GPU, error) {
	g, err := newEGLGPU()
	if err != nil {
		return nil, err
	}
	return g, nil
}
