package vcompress

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// simQuirks reproduce misbehaviour seen on real hardware codecs.
type simQuirks struct {
	// The encoder's end-of-stream buffer carries data and a zero timestamp.
	videoEOSWithData bool
	audioEOSWithData bool

	// The audio encoder has no free input slot for this many polls once the
	// audio decoder has reported end of stream.
	audioEncoderBusyAtEOS int

	// The video encoder emits every output buffer twice.
	videoDuplicatePts bool

	// Frame-available notifications never fire.
	stuckFrames bool

	// Stop calls fail and Release calls panic.
	failReleases bool

	// MIME types with no decoder.
	noDecoder map[string]bool

	// The video decoder emits an empty buffer ahead of every frame.
	videoEmptyOutputs bool

	// The video decoder's end-of-stream buffer carries the last frame.
	videoEOSCarriesFrame bool

	// onVideoFrame runs each time the video encoder receives a frame.
	onVideoFrame func(n int)

	// onAudioSample runs each time an audio sample reaches the writer,
	// copied or encoded.
	onAudioSample func(n int)
}

type simSample struct {
	pts  int64
	data []byte
	sync bool
}

type simTrack struct {
	format  *Format
	samples []simSample
}

func simVideoTrack(width, height, rotation, frames int) simTrack {
	const frameUs = 33_333
	t := simTrack{format: &Format{
		MIME:         MIMEVideoAVC,
		Width:        width,
		Height:       height,
		Rotation:     rotation,
		FrameRate:    30,
		MaxInputSize: 4096,
		DurationUs:   int64(frames) * frameUs,
	}}
	for i := 0; i < frames; i++ {
		t.samples = append(t.samples, simSample{
			pts:  int64(i) * frameUs,
			data: []byte{0, 0, 0, 1, 0x65, byte(i)},
			sync: i%30 == 0,
		})
	}
	return t
}

func simAudioTrack(mime string, bitrate, frames int) simTrack {
	const frameUs = 23_219 // 1024 samples at 44.1 kHz
	t := simTrack{format: &Format{
		MIME:         mime,
		SampleRate:   44100,
		ChannelCount: 2,
		BitRate:      bitrate,
		MaxInputSize: 16,
		DurationUs:   int64(frames) * frameUs,
	}}
	for i := 0; i < frames; i++ {
		t.samples = append(t.samples, simSample{
			pts:  int64(i) * frameUs,
			data: []byte{0x21, 0x10, byte(i), 0x04},
			sync: true,
		})
	}
	return t
}

// simDevice is an in-memory Device. Decoded video frames travel through
// the simulated GPU exactly as on hardware: decoder release with render,
// frame-available callback, latch, draw, presentation time and swap.
type simDevice struct {
	mu     sync.Mutex
	tracks []simTrack
	quirks simQuirks

	extractors []*simExtractor
	codecs     []*simCodec
	gpus       []*simGPU
	surfaces   []*simSurface
	sources    []*simImageSource
	muxers     []*simMuxer

	audioEncoder *simCodec
	videoFrames  int
}

func newSimDevice(quirks simQuirks, tracks ...simTrack) *simDevice {
	return &simDevice{tracks: tracks, quirks: quirks}
}

func (d *simDevice) OpenExtractor(path string) (Extractor, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	ex := &simExtractor{tracks: d.tracks, selected: -1}
	d.mu.Lock()
	d.extractors = append(d.extractors, ex)
	d.mu.Unlock()
	return ex, nil
}

func (d *simDevice) newCodec(mime string, encoder bool) *simCodec {
	c := &simCodec{dev: d, mime: mime, encoder: encoder, video: isVideoMIME(mime), held: make(map[int]simOutput)}
	d.mu.Lock()
	d.codecs = append(d.codecs, c)
	if encoder && !c.video {
		d.audioEncoder = c
	}
	d.mu.Unlock()
	return c
}

func (d *simDevice) NewDecoder(mime string) (Codec, error) {
	if d.quirks.noDecoder[mime] {
		return nil, fmt.Errorf("%w: no decoder for %s", ErrUnsupportedFormat, mime)
	}
	return d.newCodec(mime, false), nil
}

func (d *simDevice) NewEncoder(mime string) (Codec, error) {
	return d.newCodec(mime, true), nil
}

func (d *simDevice) NewMuxer(path string) (Muxer, error) {
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		return nil, err
	}
	m := &simMuxer{dev: d, path: path}
	d.mu.Lock()
	d.muxers = append(d.muxers, m)
	d.mu.Unlock()
	return m, nil
}

func (d *simDevice) NewGPU() (GPU, error) {
	g := &simGPU{dev: d}
	d.mu.Lock()
	d.gpus = append(d.gpus, g)
	d.mu.Unlock()
	return g, nil
}

func (d *simDevice) muxer() *simMuxer {
	if len(d.muxers) == 0 {
		return nil
	}
	return d.muxers[len(d.muxers)-1]
}

// assertReleased checks that every handle the device handed out was given
// back.
func (d *simDevice) assertReleased(t *testing.T) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ex := range d.extractors {
		assert.True(t, ex.closed, "extractor not closed")
	}
	for _, c := range d.codecs {
		assert.True(t, c.released, "%s codec (encoder=%v) not released", c.mime, c.encoder)
		if c.started {
			assert.True(t, c.stopCalled, "%s codec (encoder=%v) not stopped", c.mime, c.encoder)
		}
	}
	for _, g := range d.gpus {
		assert.True(t, g.surfaceDestroyed, "gpu surface not destroyed")
		assert.True(t, g.contextDestroyed, "gpu context not destroyed")
		assert.True(t, g.terminated, "gpu display not terminated")
		assert.Equal(t, g.programs, g.programsDeleted, "gpu programs leaked")
		assert.Equal(t, g.textures, g.texturesDeleted, "gpu textures leaked")
	}
	for _, s := range d.surfaces {
		assert.True(t, s.released, "encoder input surface not released")
	}
	for _, s := range d.sources {
		assert.True(t, s.released, "image source not released")
	}
	for _, m := range d.muxers {
		assert.True(t, m.released, "muxer not released")
	}
}

type simExtractor struct {
	tracks   []simTrack
	selected int
	cursor   int
	closed   bool
}

func (ex *simExtractor) TrackCount() int { return len(ex.tracks) }

func (ex *simExtractor) TrackFormat(index int) (*Format, error) {
	if index < 0 || index >= len(ex.tracks) {
		return nil, fmt.Errorf("no track %d", index)
	}
	return ex.tracks[index].format.Clone(), nil
}

func (ex *simExtractor) SelectTrack(index int) error {
	if index < 0 || index >= len(ex.tracks) {
		return fmt.Errorf("no track %d", index)
	}
	ex.selected, ex.cursor = index, 0
	return nil
}

func (ex *simExtractor) UnselectTrack(index int) error {
	if ex.selected == index {
		ex.selected = -1
	}
	return nil
}

func (ex *simExtractor) current() (simSample, bool) {
	if ex.selected < 0 {
		return simSample{}, false
	}
	samples := ex.tracks[ex.selected].samples
	if ex.cursor >= len(samples) {
		return simSample{}, false
	}
	return samples[ex.cursor], true
}

func (ex *simExtractor) ReadSampleData(buf []byte) (int, error) {
	s, ok := ex.current()
	if !ok {
		return 0, io.EOF
	}
	if len(buf) < len(s.data) {
		return 0, io.ErrShortBuffer
	}
	return copy(buf, s.data), nil
}

func (ex *simExtractor) SampleTime() int64 {
	s, ok := ex.current()
	if !ok {
		return -1
	}
	return s.pts
}

func (ex *simExtractor) SampleFlags() SampleFlags {
	if s, ok := ex.current(); ok && s.sync {
		return SampleFlagSync
	}
	return 0
}

func (ex *simExtractor) Advance() bool {
	if _, ok := ex.current(); !ok {
		return false
	}
	ex.cursor++
	_, ok := ex.current()
	return ok
}

func (ex *simExtractor) SeekTo(timeUs int64) error {
	if ex.selected < 0 {
		return errors.New("no track selected")
	}
	ex.cursor = 0
	for i, s := range ex.tracks[ex.selected].samples {
		if s.pts > timeUs {
			break
		}
		if s.sync {
			ex.cursor = i
		}
	}
	return nil
}

func (ex *simExtractor) Close() error {
	ex.closed = true
	return nil
}

type simOutput struct {
	formatChanged bool
	data          []byte
	info          BufferInfo
}

const (
	simInputSlots       = 4
	simAudioEncoderSlot = 1024
	simPCMBytes         = 4096 // 1024 stereo 16-bit frames
)

type simCodec struct {
	dev     *simDevice
	mime    string
	encoder bool
	video   bool

	format  *Format
	window  *simWindow
	surface *simSurface

	started    bool
	stopCalled bool
	released   bool
	eosQueued  bool

	slots       [simInputSlots][]byte
	nextSlot    int
	refuseInput int

	outputs    []simOutput
	held       map[int]simOutput
	nextOut    int
	formatSent bool
	lastFrame  *simOutput
}

func (c *simCodec) Configure(format *Format, surface Surface, encode bool) error {
	if encode != c.encoder {
		return errors.New("configure: encoder mode mismatch")
	}
	c.format = format.Clone()
	if surface != nil {
		w, ok := surface.(*simWindow)
		if !ok {
			return errors.New("configure: foreign surface")
		}
		c.window = w
	}
	return nil
}

func (c *simCodec) CreateInputSurface() (Surface, error) {
	if !c.encoder || c.format == nil || c.format.ColorFormat != ColorFormatSurface {
		return nil, errors.New("input surface needs a surface-configured encoder")
	}
	c.surface = &simSurface{codec: c}
	c.dev.mu.Lock()
	c.dev.surfaces = append(c.dev.surfaces, c.surface)
	c.dev.mu.Unlock()
	return c.surface, nil
}

func (c *simCodec) Start() error {
	if c.format == nil {
		return errors.New("start before configure")
	}
	c.started = true
	return nil
}

func (c *simCodec) DequeueInputBuffer(timeout time.Duration) (int, error) {
	if !c.started {
		return -1, errors.New("dequeue input before start")
	}
	if c.refuseInput > 0 {
		c.refuseInput--
		return InfoTryAgainLater, nil
	}
	idx := c.nextSlot % simInputSlots
	c.nextSlot++
	return idx, nil
}

func (c *simCodec) InputBuffer(index int) ([]byte, error) {
	if index < 0 || index >= simInputSlots {
		return nil, fmt.Errorf("bad input slot %d", index)
	}
	if c.slots[index] == nil {
		size := 1 << 16
		if c.encoder && !c.video {
			size = simAudioEncoderSlot
		}
		c.slots[index] = make([]byte, size)
	}
	return c.slots[index], nil
}

func (c *simCodec) QueueInputBuffer(index, size int, presentationTimeUs int64, flags BufferFlags) error {
	if c.eosQueued {
		return errors.New("queue after end of stream")
	}
	data := append([]byte(nil), c.slots[index][:size]...)
	if flags.Has(BufferFlagEndOfStream) {
		c.eosQueued = true
		if c.lastFrame != nil {
			out := *c.lastFrame
			out.info.Flags |= BufferFlagEndOfStream
			c.outputs = append(c.outputs, out)
			return nil
		}
		c.emitEOS(c.dev.quirks.audioEOSWithData && c.encoder && !c.video)
		return nil
	}

	switch {
	case !c.encoder && c.video:
		if c.dev.quirks.videoEmptyOutputs {
			c.outputs = append(c.outputs, simOutput{info: BufferInfo{PresentationTimeUs: presentationTimeUs}})
		}
		out := simOutput{info: BufferInfo{Size: size, PresentationTimeUs: presentationTimeUs}}
		if c.dev.quirks.videoEOSCarriesFrame {
			// Hold each frame back until the next one or end of stream.
			if c.lastFrame != nil {
				c.outputs = append(c.outputs, *c.lastFrame)
			}
			c.lastFrame = &out
			return nil
		}
		c.outputs = append(c.outputs, out)
	case !c.encoder:
		c.sendFormat()
		c.outputs = append(c.outputs, simOutput{
			data: make([]byte, simPCMBytes),
			info: BufferInfo{Size: simPCMBytes, PresentationTimeUs: presentationTimeUs},
		})
	default:
		c.encode(presentationTimeUs, len(data)/4+1)
	}
	return nil
}

func (c *simCodec) sendFormat() {
	if c.formatSent {
		return
	}
	c.formatSent = true
	c.outputs = append(c.outputs, simOutput{formatChanged: true})
	if c.encoder {
		c.outputs = append(c.outputs, simOutput{
			data: []byte{0, 0, 0, 1, 0x67, 0x42},
			info: BufferInfo{Size: 6, Flags: BufferFlagCodecConfig},
		})
	}
}

func (c *simCodec) encode(pts int64, size int) {
	c.sendFormat()
	out := simOutput{data: make([]byte, size), info: BufferInfo{Size: size, PresentationTimeUs: pts, Flags: BufferFlagKeyFrame}}
	c.outputs = append(c.outputs, out)
	if c.video && c.dev.quirks.videoDuplicatePts {
		c.outputs = append(c.outputs, out)
	}
}

func (c *simCodec) emitEOS(withData bool) {
	out := simOutput{info: BufferInfo{Flags: BufferFlagEndOfStream}}
	if withData {
		out.data = make([]byte, 50)
		out.info.Size = 50
	}
	c.outputs = append(c.outputs, out)
}

// receiveFrame is called by the GPU when a frame is swapped onto the
// encoder's input surface.
func (c *simCodec) receiveFrame(ptsUs int64) {
	c.encode(ptsUs, 100)
	c.dev.videoFrames++
	if fn := c.dev.quirks.onVideoFrame; fn != nil {
		fn(c.dev.videoFrames)
	}
}

func (c *simCodec) DequeueOutputBuffer(timeout time.Duration) (int, BufferInfo, error) {
	if !c.started {
		return -1, BufferInfo{}, errors.New("dequeue output before start")
	}
	if len(c.outputs) == 0 {
		return InfoTryAgainLater, BufferInfo{}, nil
	}
	out := c.outputs[0]
	c.outputs = c.outputs[1:]
	if out.formatChanged {
		return InfoOutputFormatChanged, BufferInfo{}, nil
	}
	idx := c.nextOut
	c.nextOut++
	c.held[idx] = out
	if !c.encoder && !c.video && out.info.Flags.Has(BufferFlagEndOfStream) {
		if enc := c.dev.audioEncoder; enc != nil {
			enc.refuseInput = c.dev.quirks.audioEncoderBusyAtEOS
		}
	}
	return idx, out.info, nil
}

func (c *simCodec) OutputBuffer(index int) ([]byte, error) {
	out, ok := c.held[index]
	if !ok {
		return nil, fmt.Errorf("output slot %d not held", index)
	}
	if out.data == nil {
		return make([]byte, out.info.Size), nil
	}
	return out.data, nil
}

func (c *simCodec) OutputFormat() (*Format, error) {
	switch {
	case !c.encoder:
		f := c.format.Clone()
		if !c.video {
			f.MIME = MIMEAudioRaw
		}
		return f, nil
	case c.video:
		return &Format{
			MIME:   MIMEVideoAVC,
			Width:  c.format.Width,
			Height: c.format.Height,
			CSD:    [][]byte{{0, 0, 0, 1, 0x67, 0x42}, {0, 0, 0, 1, 0x68, 0xce}},
		}, nil
	default:
		return &Format{
			MIME:         MIMEAudioAAC,
			SampleRate:   c.format.SampleRate,
			ChannelCount: c.format.ChannelCount,
			CSD:          [][]byte{audioSpecificConfig(aacProfileLC, c.format.SampleRate, c.format.ChannelCount)},
		}, nil
	}
}

func (c *simCodec) ReleaseOutputBuffer(index int, render bool) error {
	out, ok := c.held[index]
	if !ok {
		return fmt.Errorf("output slot %d not held", index)
	}
	delete(c.held, index)
	if render {
		if c.window == nil {
			return errors.New("render without an output surface")
		}
		c.window.source.frameRendered(out.info.PresentationTimeUs)
	}
	return nil
}

func (c *simCodec) SignalEndOfInputStream() error {
	if c.surface == nil {
		return errors.New("end of input stream on a buffer-input codec")
	}
	c.eosQueued = true
	c.emitEOS(c.dev.quirks.videoEOSWithData)
	return nil
}

func (c *simCodec) Stop() error {
	c.stopCalled = true
	if c.dev.quirks.failReleases {
		return errors.New("stop: illegal state")
	}
	return nil
}

func (c *simCodec) Release() error {
	c.released = true
	if c.dev.quirks.failReleases {
		panic("release: codec in error state")
	}
	return nil
}

// simSurface is an encoder input surface.
type simSurface struct {
	codec    *simCodec
	released bool
}

func (s *simSurface) Handle() uintptr { return 1 }

func (s *simSurface) Release() error {
	s.released = true
	return nil
}

// simWindow is the decoder-facing side of a simImageSource.
type simWindow struct {
	source *simImageSource
}

func (w *simWindow) Handle() uintptr { return 2 }
func (w *simWindow) Release() error  { return nil }

type simImageSource struct {
	dev      *simDevice
	window   *simWindow
	rotation int
	onFrame  func()
	pending  []int64
	latched  int64
	released bool
}

func (s *simImageSource) Window() Surface { return s.window }

func (s *simImageSource) SetOnFrameAvailable(fn func()) { s.onFrame = fn }

func (s *simImageSource) frameRendered(pts int64) {
	s.pending = append(s.pending, pts)
	if s.onFrame != nil && !s.dev.quirks.stuckFrames {
		s.onFrame()
	}
}

func (s *simImageSource) Latch(tex uint32) error {
	if len(s.pending) == 0 {
		return errors.New("no frame to latch")
	}
	s.latched = s.pending[len(s.pending)-1]
	s.pending = s.pending[:0]
	return nil
}

func (s *simImageSource) TransformMatrix() [16]float32 {
	return textureTransform(s.rotation, true)
}

func (s *simImageSource) Release() error {
	s.released = true
	return nil
}

type simGPU struct {
	dev    *simDevice
	target *simSurface

	presentationNanos int64
	draws             int

	programs, programsDeleted int
	textures, texturesDeleted int

	surfaceDestroyed bool
	contextDestroyed bool
	terminated       bool
}

func (g *simGPU) Bind(target Surface) error {
	s, ok := target.(*simSurface)
	if !ok {
		return errors.New("bind: not an encoder input surface")
	}
	g.target = s
	return nil
}

func (g *simGPU) CompileProgram(vertexSrc, fragmentSrc string) (uint32, error) {
	if vertexSrc == "" || fragmentSrc == "" {
		return 0, errors.New("empty shader")
	}
	g.programs++
	return uint32(g.programs), nil
}

func (g *simGPU) NewExternalTexture() (uint32, error) {
	g.textures++
	return uint32(100 + g.textures), nil
}

func (g *simGPU) NewImageSource(width, height, rotation int) (ImageSource, error) {
	s := &simImageSource{dev: g.dev, rotation: rotation}
	s.window = &simWindow{source: s}
	g.dev.mu.Lock()
	g.dev.sources = append(g.dev.sources, s)
	g.dev.mu.Unlock()
	return s, nil
}

func (g *simGPU) DrawQuad(program, tex uint32, texMatrix [16]float32, width, height int) error {
	if width <= 0 || height <= 0 {
		return errors.New("empty viewport")
	}
	g.draws++
	return nil
}

func (g *simGPU) SetPresentationTime(nanos int64) error {
	g.presentationNanos = nanos
	return nil
}

func (g *simGPU) SwapBuffers() error {
	if g.target == nil {
		return errors.New("swap without a bound surface")
	}
	g.target.codec.receiveFrame(g.presentationNanos / 1000)
	return nil
}

func (g *simGPU) DeleteTexture(tex uint32) error {
	g.texturesDeleted++
	return nil
}

func (g *simGPU) DeleteProgram(program uint32) error {
	g.programsDeleted++
	return nil
}

func (g *simGPU) DestroySurface() error {
	g.surfaceDestroyed = true
	return nil
}

func (g *simGPU) DestroyContext() error {
	g.contextDestroyed = true
	return nil
}

func (g *simGPU) Terminate() error {
	g.terminated = true
	return nil
}

type simWritten struct {
	track int
	pts   int64
	size  int
	flags BufferFlags
}

// simMuxer records what it is given and writes a placeholder "free" box so
// the output file has a size.
type simMuxer struct {
	dev      *simDevice
	path     string
	tracks   []*Format
	started  bool
	stopped  bool
	released bool
	samples  []simWritten
	bytes    int

	audioSamples int
}

func (m *simMuxer) AddTrack(format *Format) (int, error) {
	if m.started {
		return -1, ErrMuxerStarted
	}
	m.tracks = append(m.tracks, format.Clone())
	return len(m.tracks) - 1, nil
}

func (m *simMuxer) Start() error {
	if m.started {
		return ErrMuxerStarted
	}
	m.started = true
	return nil
}

func (m *simMuxer) WriteSampleData(track int, data []byte, info BufferInfo) error {
	if !m.started {
		return ErrMuxerNotStarted
	}
	if track < 0 || track >= len(m.tracks) {
		return ErrUnknownTrackHandle
	}
	if info.Offset+info.Size > len(data) {
		return io.ErrShortBuffer
	}
	m.samples = append(m.samples, simWritten{track: track, pts: info.PresentationTimeUs, size: info.Size, flags: info.Flags})
	m.bytes += info.Size
	if fn := m.dev.quirks.onAudioSample; fn != nil && m.tracks[track].IsAudio() {
		m.audioSamples++
		fn(m.audioSamples)
	}
	return nil
}

func (m *simMuxer) Stop() error {
	if !m.started {
		return ErrMuxerNotStarted
	}
	m.stopped = true
	box := make([]byte, 8+m.bytes)
	box[0], box[1], box[2], box[3] = byte(len(box)>>24), byte(len(box)>>16), byte(len(box)>>8), byte(len(box))
	copy(box[4:], "free")
	return os.WriteFile(m.path, box, 0o600)
}

func (m *simMuxer) Release() error {
	m.released = true
	return nil
}

// ptsOf returns the written timestamps of track in write order.
func (m *simMuxer) ptsOf(track int) []int64 {
	var out []int64
	for _, s := range m.samples {
		if s.track == track {
			out = append(out, s.pts)
		}
	}
	return out
}

// trackOf returns the handle of the first declared track of the given kind.
func (m *simMuxer) trackOf(video bool) int {
	for i, f := range m.tracks {
		if f.IsVideo() == video {
			return i
		}
	}
	return -1
}
