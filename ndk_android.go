//go:build android

// Hardware codec, extractor, muxer and image reader bindings for Android via
// libmediandk using purego. Requires API level 28.
//
// Library locations checked (in order):
//   - VCOMPRESS_LIB_PATH environment variable
//   - The linker namespace of the process
//   - /system/lib64, /system/lib

package vcompress

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	ndkOnce    sync.Once
	ndkHandle  uintptr
	andHandle  uintptr
	ndkInitErr error
)

// libmediandk / libandroid function pointers
var (
	aMediaFormatNew       func() uintptr
	aMediaFormatDelete    func(f uintptr) int32
	aMediaFormatSetString func(f uintptr, name, value string)
	aMediaFormatSetInt32  func(f uintptr, name string, value int32)
	aMediaFormatSetInt64  func(f uintptr, name string, value int64)
	aMediaFormatSetBuffer func(f uintptr, name string, data uintptr, size uintptr)
	aMediaFormatGetInt32  func(f uintptr, name string, out uintptr) bool
	aMediaFormatGetInt64  func(f uintptr, name string, out uintptr) bool
	aMediaFormatGetString func(f uintptr, name string, out uintptr) bool
	aMediaFormatGetBuffer func(f uintptr, name string, data, size uintptr) bool

	aMediaCodecCreateDecoderByType    func(mime string) uintptr
	aMediaCodecCreateEncoderByType    func(mime string) uintptr
	aMediaCodecConfigure              func(codec, format, window, crypto uintptr, flags uint32) int32
	aMediaCodecCreateInputSurface     func(codec, window uintptr) int32
	aMediaCodecStart                  func(codec uintptr) int32
	aMediaCodecStop                   func(codec uintptr) int32
	aMediaCodecDelete                 func(codec uintptr) int32
	aMediaCodecDequeueInputBuffer     func(codec uintptr, timeoutUs int64) int64
	aMediaCodecGetInputBuffer         func(codec uintptr, idx uintptr, outSize uintptr) uintptr
	aMediaCodecQueueInputBuffer       func(codec uintptr, idx uintptr, offset int64, size uintptr, ptsUs uint64, flags uint32) int32
	aMediaCodecDequeueOutputBuffer    func(codec uintptr, info uintptr, timeoutUs int64) int64
	aMediaCodecGetOutputBuffer        func(codec uintptr, idx uintptr, outSize uintptr) uintptr
	aMediaCodecGetOutputFormat        func(codec uintptr) uintptr
	aMediaCodecReleaseOutputBuffer    func(codec uintptr, idx uintptr, render bool) int32
	aMediaCodecSignalEndOfInputStream func(codec uintptr) int32

	aMediaExtractorNew             func() uintptr
	aMediaExtractorDelete          func(ex uintptr) int32
	aMediaExtractorSetDataSourceFd func(ex uintptr, fd int32, offset, length int64) int32
	aMediaExtractorGetTrackCount   func(ex uintptr) uintptr
	aMediaExtractorGetTrackFormat  func(ex uintptr, idx uintptr) uintptr
	aMediaExtractorSelectTrack     func(ex uintptr, idx uintptr) int32
	aMediaExtractorUnselectTrack   func(ex uintptr, idx uintptr) int32
	aMediaExtractorReadSampleData  func(ex uintptr, buf uintptr, capacity uintptr) int64
	aMediaExtractorGetSampleSize   func(ex uintptr) int64
	aMediaExtractorGetSampleTime   func(ex uintptr) int64
	aMediaExtractorGetSampleFlags  func(ex uintptr) uint32
	aMediaExtractorAdvance         func(ex uintptr) bool
	aMediaExtractorSeekTo          func(ex uintptr, posUs int64, mode int32) int32

	aMediaMuxerNew             func(fd int32, format int32) uintptr
	aMediaMuxerDelete          func(m uintptr) int32
	aMediaMuxerAddTrack        func(m uintptr, format uintptr) int64
	aMediaMuxerStart           func(m uintptr) int32
	aMediaMuxerStop            func(m uintptr) int32
	aMediaMuxerWriteSampleData func(m uintptr, track uintptr, data uintptr, info uintptr) int32

	aImageReaderNewWithUsage       func(width, height, format int32, usage uint64, maxImages int32, reader uintptr) int32
	aImageReaderGetWindow          func(reader, window uintptr) int32
	aImageReaderSetImageListener   func(reader, listener uintptr) int32
	aImageReaderAcquireLatestImage func(reader, image uintptr) int32
	aImageReaderDelete             func(reader uintptr)
	aImageGetHardwareBuffer        func(image, buffer uintptr) int32
	aImageDelete                   func(image uintptr)

	aNativeWindowRelease func(window uintptr)
)

// Constants from NdkMediaCodec.h, NdkMediaMuxer.h, NdkImage.h and
// hardware_buffer.h.
const (
	ndkOK = 0

	ndkConfigureFlagEncode = 1

	ndkMuxerOutputMPEG4 = 0

	ndkSeekPreviousSync = 0

	ndkImageFormatPrivate  = 0x22
	ndkUsageGPUSampled     = 1 << 8
	ndkImageReaderMaxImage = 4
	ndkStatusNoBufferAvail = -30001 // AMEDIA_IMGREADER_NO_BUFFER_AVAILABLE
)

// ndkBufferInfo matches AMediaCodecBufferInfo.
type ndkBufferInfo struct {
	Offset             int32
	Size               int32
	PresentationTimeUs int64
	Flags              uint32
	_                  uint32
}

// ndkImageListener matches AImageReader_ImageListener.
type ndkImageListener struct {
	Context          uintptr
	OnImageAvailable uintptr
}

func loadNDK() error {
	ndkOnce.Do(func() {
		ndkInitErr = loadNDKLibs()
	})
	return ndkInitErr
}

func loadNDKLibs() error {
	var err error
	if ndkHandle, err = openSystemLib("libmediandk.so"); err != nil {
		return err
	}
	if andHandle, err = openSystemLib("libandroid.so"); err != nil {
		return err
	}
	return loadNDKSymbols()
}

func loadNDKSymbols() (err error) {
	// RegisterLibFunc panics on a missing symbol, which means the device is
	// older than the required API level.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("libmediandk: %v", r)
		}
	}()

	purego.RegisterLibFunc(&aMediaFormatNew, ndkHandle, "AMediaFormat_new")
	purego.RegisterLibFunc(&aMediaFormatDelete, ndkHandle, "AMediaFormat_delete")
	purego.RegisterLibFunc(&aMediaFormatSetString, ndkHandle, "AMediaFormat_setString")
	purego.RegisterLibFunc(&aMediaFormatSetInt32, ndkHandle, "AMediaFormat_setInt32")
	purego.RegisterLibFunc(&aMediaFormatSetInt64, ndkHandle, "AMediaFormat_setInt64")
	purego.RegisterLibFunc(&aMediaFormatSetBuffer, ndkHandle, "AMediaFormat_setBuffer")
	purego.RegisterLibFunc(&aMediaFormatGetInt32, ndkHandle, "AMediaFormat_getInt32")
	purego.RegisterLibFunc(&aMediaFormatGetInt64, ndkHandle, "AMediaFormat_getInt64")
	purego.RegisterLibFunc(&aMediaFormatGetString, ndkHandle, "AMediaFormat_getString")
	purego.RegisterLibFunc(&aMediaFormatGetBuffer, ndkHandle, "AMediaFormat_getBuffer")

	purego.RegisterLibFunc(&aMediaCodecCreateDecoderByType, ndkHandle, "AMediaCodec_createDecoderByType")
	purego.RegisterLibFunc(&aMediaCodecCreateEncoderByType, ndkHandle, "AMediaCodec_createEncoderByType")
	purego.RegisterLibFunc(&aMediaCodecConfigure, ndkHandle, "AMediaCodec_configure")
	purego.RegisterLibFunc(&aMediaCodecCreateInputSurface, ndkHandle, "AMediaCodec_createInputSurface")
	purego.RegisterLibFunc(&aMediaCodecStart, ndkHandle, "AMediaCodec_start")
	purego.RegisterLibFunc(&aMediaCodecStop, ndkHandle, "AMediaCodec_stop")
	purego.RegisterLibFunc(&aMediaCodecDelete, ndkHandle, "AMediaCodec_delete")
	purego.RegisterLibFunc(&aMediaCodecDequeueInputBuffer, ndkHandle, "AMediaCodec_dequeueInputBuffer")
	purego.RegisterLibFunc(&aMediaCodecGetInputBuffer, ndkHandle, "AMediaCodec_getInputBuffer")
	purego.RegisterLibFunc(&aMediaCodecQueueInputBuffer, ndkHandle, "AMediaCodec_queueInputBuffer")
	purego.RegisterLibFunc(&aMediaCodecDequeueOutputBuffer, ndkHandle, "AMediaCodec_dequeueOutputBuffer")
	purego.RegisterLibFunc(&aMediaCodecGetOutputBuffer, ndkHandle, "AMediaCodec_getOutputBuffer")
	purego.RegisterLibFunc(&aMediaCodecGetOutputFormat, ndkHandle, "AMediaCodec_getOutputFormat")
	purego.RegisterLibFunc(&aMediaCodecReleaseOutputBuffer, ndkHandle, "AMediaCodec_releaseOutputBuffer")
	purego.RegisterLibFunc(&aMediaCodecSignalEndOfInputStream, ndkHandle, "AMediaCodec_signalEndOfInputStream")

	purego.RegisterLibFunc(&aMediaExtractorNew, ndkHandle, "AMediaExtractor_new")
	purego.RegisterLibFunc(&aMediaExtractorDelete, ndkHandle, "AMediaExtractor_delete")
	purego.RegisterLibFunc(&aMediaExtractorSetDataSourceFd, ndkHandle, "AMediaExtractor_setDataSourceFd")
	purego.RegisterLibFunc(&aMediaExtractorGetTrackCount, ndkHandle, "AMediaExtractor_getTrackCount")
	purego.RegisterLibFunc(&aMediaExtractorGetTrackFormat, ndkHandle, "AMediaExtractor_getTrackFormat")
	purego.RegisterLibFunc(&aMediaExtractorSelectTrack, ndkHandle, "AMediaExtractor_selectTrack")
	purego.RegisterLibFunc(&aMediaExtractorUnselectTrack, ndkHandle, "AMediaExtractor_unselectTrack")
	purego.RegisterLibFunc(&aMediaExtractorReadSampleData, ndkHandle, "AMediaExtractor_readSampleData")
	purego.RegisterLibFunc(&aMediaExtractorGetSampleSize, ndkHandle, "AMediaExtractor_getSampleSize")
	purego.RegisterLibFunc(&aMediaExtractorGetSampleTime, ndkHandle, "AMediaExtractor_getSampleTime")
	purego.RegisterLibFunc(&aMediaExtractorGetSampleFlags, ndkHandle, "AMediaExtractor_getSampleFlags")
	purego.RegisterLibFunc(&aMediaExtractorAdvance, ndkHandle, "AMediaExtractor_advance")
	purego.RegisterLibFunc(&aMediaExtractorSeekTo, ndkHandle, "AMediaExtractor_seekTo")

	purego.RegisterLibFunc(&aMediaMuxerNew, ndkHandle, "AMediaMuxer_new")
	purego.RegisterLibFunc(&aMediaMuxerDelete, ndkHandle, "AMediaMuxer_delete")
	purego.RegisterLibFunc(&aMediaMuxerAddTrack, ndkHandle, "AMediaMuxer_addTrack")
	purego.RegisterLibFunc(&aMediaMuxerStart, ndkHandle, "AMediaMuxer_start")
	purego.RegisterLibFunc(&aMediaMuxerStop, ndkHandle, "AMediaMuxer_stop")
	purego.RegisterLibFunc(&aMediaMuxerWriteSampleData, ndkHandle, "AMediaMuxer_writeSampleData")

	purego.RegisterLibFunc(&aImageReaderNewWithUsage, ndkHandle, "AImageReader_newWithUsage")
	purego.RegisterLibFunc(&aImageReaderGetWindow, ndkHandle, "AImageReader_getWindow")
	purego.RegisterLibFunc(&aImageReaderSetImageListener, ndkHandle, "AImageReader_setImageListener")
	purego.RegisterLibFunc(&aImageReaderAcquireLatestImage, ndkHandle, "AImageReader_acquireLatestImage")
	purego.RegisterLibFunc(&aImageReaderDelete, ndkHandle, "AImageReader_delete")
	purego.RegisterLibFunc(&aImageGetHardwareBuffer, ndkHandle, "AImage_getHardwareBuffer")
	purego.RegisterLibFunc(&aImageDelete, ndkHandle, "AImage_delete")

	purego.RegisterLibFunc(&aNativeWindowRelease, andHandle, "ANativeWindow_release")
	return nil
}

func ndkStatus(op string, status int32) error {
	if status == ndkOK {
		return nil
	}
	return fmt.Errorf("%s: media status %d", op, status)
}

// =============================================================================
// Formats
// =============================================================================

func newNDKFormat(f *Format) uintptr {
	h := aMediaFormatNew()
	aMediaFormatSetString(h, "mime", f.MIME)
	setInt := func(key string, v int) {
		if v > 0 {
			aMediaFormatSetInt32(h, key, int32(v))
		}
	}
	setInt("width", f.Width)
	setInt("height", f.Height)
	setInt("frame-rate", f.FrameRate)
	setInt("i-frame-interval", f.IFrameInterval)
	setInt("color-format", f.ColorFormat)
	setInt("sample-rate", f.SampleRate)
	setInt("channel-count", f.ChannelCount)
	setInt("aac-profile", f.AACProfile)
	setInt("bitrate", f.BitRate)
	setInt("max-input-size", f.MaxInputSize)
	if f.DurationUs > 0 {
		aMediaFormatSetInt64(h, "durationUs", f.DurationUs)
	}
	for i, csd := range f.CSD {
		if len(csd) > 0 {
			aMediaFormatSetBuffer(h, fmt.Sprintf("csd-%d", i), uintptr(unsafe.Pointer(&csd[0])), uintptr(len(csd)))
		}
	}
	return h
}

// formatFromNDK copies h into a Format. h is not deleted.
func formatFromNDK(h uintptr) *Format {
	getInt := func(key string) int {
		v := new(int32)
		if aMediaFormatGetInt32(h, key, uintptr(unsafe.Pointer(v))) {
			return int(*v)
		}
		return 0
	}
	f := &Format{
		Width:        getInt("width"),
		Height:       getInt("height"),
		Rotation:     getInt("rotation-degrees"),
		FrameRate:    getInt("frame-rate"),
		ColorFormat:  getInt("color-format"),
		SampleRate:   getInt("sample-rate"),
		ChannelCount: getInt("channel-count"),
		AACProfile:   getInt("aac-profile"),
		BitRate:      getInt("bitrate"),
		MaxInputSize: getInt("max-input-size"),
	}
	mime := new(uintptr)
	if aMediaFormatGetString(h, "mime", uintptr(unsafe.Pointer(mime))) {
		f.MIME = goStringFromPtr(*mime)
	}
	dur := new(int64)
	if aMediaFormatGetInt64(h, "durationUs", uintptr(unsafe.Pointer(dur))) {
		f.DurationUs = *dur
	}
	for i := 0; ; i++ {
		data, size := new(uintptr), new(uintptr)
		if !aMediaFormatGetBuffer(h, fmt.Sprintf("csd-%d", i), uintptr(unsafe.Pointer(data)), uintptr(unsafe.Pointer(size))) {
			break
		}
		f.CSD = append(f.CSD, append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(*data)), *size)...))
	}
	return f
}

// =============================================================================
// Codec
// =============================================================================

// ndkWindow is an ANativeWindow reference.
type ndkWindow struct {
	handle uintptr
	owned  bool
}

func (w *ndkWindow) Handle() uintptr { return w.handle }

func (w *ndkWindow) Release() error {
	if w.owned && w.handle != 0 {
		aNativeWindowRelease(w.handle)
	}
	w.handle = 0
	return nil
}

type ndkCodec struct {
	handle uintptr
	mime   string
	info   *ndkBufferInfo
}

func newNDKCodec(mime string, encoder bool) (*ndkCodec, error) {
	if err := loadNDK(); err != nil {
		return nil, err
	}
	var h uintptr
	if encoder {
		h = aMediaCodecCreateEncoderByType(mime)
	} else {
		h = aMediaCodecCreateDecoderByType(mime)
	}
	if h == 0 {
		return nil, fmt.Errorf("%s: %w", mime, ErrUnsupportedFormat)
	}
	return &ndkCodec{handle: h, mime: mime, info: new(ndkBufferInfo)}, nil
}

func (c *ndkCodec) Configure(format *Format, surface Surface, encode bool) error {
	f := newNDKFormat(format)
	defer aMediaFormatDelete(f)
	var window uintptr
	if surface != nil {
		window = surface.Handle()
	}
	var flags uint32
	if encode {
		flags = ndkConfigureFlagEncode
	}
	return ndkStatus("configure "+c.mime, aMediaCodecConfigure(c.handle, f, window, 0, flags))
}

func (c *ndkCodec) CreateInputSurface() (Surface, error) {
	window := new(uintptr)
	if err := ndkStatus("create input surface", aMediaCodecCreateInputSurface(c.handle, uintptr(unsafe.Pointer(window)))); err != nil {
		return nil, err
	}
	return &ndkWindow{handle: *window, owned: true}, nil
}

func (c *ndkCodec) Start() error { return ndkStatus("start "+c.mime, aMediaCodecStart(c.handle)) }

func (c *ndkCodec) DequeueInputBuffer(timeout time.Duration) (int, error) {
	idx := aMediaCodecDequeueInputBuffer(c.handle, timeout.Microseconds())
	if idx < InfoOutputBuffersChanged {
		return 0, fmt.Errorf("dequeue input: media status %d", idx)
	}
	return int(idx), nil
}

func (c *ndkCodec) InputBuffer(index int) ([]byte, error) {
	size := new(uintptr)
	p := aMediaCodecGetInputBuffer(c.handle, uintptr(index), uintptr(unsafe.Pointer(size)))
	if p == 0 {
		return nil, fmt.Errorf("no input buffer at %d", index)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), *size), nil
}

func (c *ndkCodec) QueueInputBuffer(index, size int, presentationTimeUs int64, flags BufferFlags) error {
	return ndkStatus("queue input", aMediaCodecQueueInputBuffer(c.handle, uintptr(index), 0, uintptr(size), uint64(presentationTimeUs), uint32(flags)))
}

func (c *ndkCodec) DequeueOutputBuffer(timeout time.Duration) (int, BufferInfo, error) {
	idx := aMediaCodecDequeueOutputBuffer(c.handle, uintptr(unsafe.Pointer(c.info)), timeout.Microseconds())
	if idx < InfoOutputBuffersChanged {
		return 0, BufferInfo{}, fmt.Errorf("dequeue output: media status %d", idx)
	}
	info := BufferInfo{
		Offset:             int(c.info.Offset),
		Size:               int(c.info.Size),
		PresentationTimeUs: c.info.PresentationTimeUs,
		Flags:              BufferFlags(c.info.Flags),
	}
	return int(idx), info, nil
}

func (c *ndkCodec) OutputBuffer(index int) ([]byte, error) {
	size := new(uintptr)
	p := aMediaCodecGetOutputBuffer(c.handle, uintptr(index), uintptr(unsafe.Pointer(size)))
	if p == 0 {
		// Surface-output decoders have no CPU-visible buffers.
		return nil, nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), *size), nil
}

func (c *ndkCodec) OutputFormat() (*Format, error) {
	h := aMediaCodecGetOutputFormat(c.handle)
	if h == 0 {
		return nil, errors.New("no output format")
	}
	defer aMediaFormatDelete(h)
	return formatFromNDK(h), nil
}

func (c *ndkCodec) ReleaseOutputBuffer(index int, render bool) error {
	return ndkStatus("release output", aMediaCodecReleaseOutputBuffer(c.handle, uintptr(index), render))
}

func (c *ndkCodec) SignalEndOfInputStream() error {
	return ndkStatus("signal end of input", aMediaCodecSignalEndOfInputStream(c.handle))
}

func (c *ndkCodec) Stop() error { return ndkStatus("stop "+c.mime, aMediaCodecStop(c.handle)) }

func (c *ndkCodec) Release() error {
	if c.handle == 0 {
		return nil
	}
	status := aMediaCodecDelete(c.handle)
	c.handle = 0
	return ndkStatus("delete "+c.mime, status)
}

// =============================================================================
// Extractor
// =============================================================================

type ndkExtractor struct {
	handle uintptr
	file   *os.File
}

func openNDKExtractor(path string) (*ndkExtractor, error) {
	if err := loadNDK(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	ex := &ndkExtractor{handle: aMediaExtractorNew(), file: f}
	if err := ndkStatus("set data source", aMediaExtractorSetDataSourceFd(ex.handle, int32(f.Fd()), 0, st.Size())); err != nil {
		ex.Close()
		return nil, fmt.Errorf("%s: %w: %w", path, ErrUnsupportedFormat, err)
	}
	return ex, nil
}

func (ex *ndkExtractor) TrackCount() int { return int(aMediaExtractorGetTrackCount(ex.handle)) }

func (ex *ndkExtractor) TrackFormat(index int) (*Format, error) {
	h := aMediaExtractorGetTrackFormat(ex.handle, uintptr(index))
	if h == 0 {
		return nil, fmt.Errorf("no format for track %d", index)
	}
	defer aMediaFormatDelete(h)
	return formatFromNDK(h), nil
}

func (ex *ndkExtractor) SelectTrack(index int) error {
	return ndkStatus("select track", aMediaExtractorSelectTrack(ex.handle, uintptr(index)))
}

func (ex *ndkExtractor) UnselectTrack(index int) error {
	return ndkStatus("unselect track", aMediaExtractorUnselectTrack(ex.handle, uintptr(index)))
}

func (ex *ndkExtractor) ReadSampleData(buf []byte) (int, error) {
	size := aMediaExtractorGetSampleSize(ex.handle)
	if size < 0 {
		return 0, io.EOF
	}
	if int(size) > len(buf) {
		return 0, io.ErrShortBuffer
	}
	if size == 0 {
		return 0, nil
	}
	n := aMediaExtractorReadSampleData(ex.handle, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if n < 0 {
		return 0, io.EOF
	}
	return int(n), nil
}

func (ex *ndkExtractor) SampleTime() int64 { return aMediaExtractorGetSampleTime(ex.handle) }

func (ex *ndkExtractor) SampleFlags() SampleFlags {
	return SampleFlags(aMediaExtractorGetSampleFlags(ex.handle))
}

func (ex *ndkExtractor) Advance() bool { return aMediaExtractorAdvance(ex.handle) }

func (ex *ndkExtractor) SeekTo(timeUs int64) error {
	return ndkStatus("seek", aMediaExtractorSeekTo(ex.handle, timeUs, ndkSeekPreviousSync))
}

func (ex *ndkExtractor) Close() error {
	if ex.handle != 0 {
		aMediaExtractorDelete(ex.handle)
		ex.handle = 0
	}
	if ex.file == nil {
		return nil
	}
	err := ex.file.Close()
	ex.file = nil
	return err
}

// =============================================================================
// Muxer
// =============================================================================

type ndkMuxer struct {
	handle uintptr
	file   *os.File
	info   *ndkBufferInfo
}

func newNDKMuxer(path string) (*ndkMuxer, error) {
	if err := loadNDK(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	h := aMediaMuxerNew(int32(f.Fd()), ndkMuxerOutputMPEG4)
	if h == 0 {
		f.Close()
		return nil, errors.New("create muxer failed")
	}
	return &ndkMuxer{handle: h, file: f, info: new(ndkBufferInfo)}, nil
}

func (m *ndkMuxer) AddTrack(format *Format) (int, error) {
	f := newNDKFormat(format)
	defer aMediaFormatDelete(f)
	idx := aMediaMuxerAddTrack(m.handle, f)
	if idx < 0 {
		return -1, fmt.Errorf("add track: media status %d", idx)
	}
	return int(idx), nil
}

func (m *ndkMuxer) Start() error { return ndkStatus("start muxer", aMediaMuxerStart(m.handle)) }

func (m *ndkMuxer) WriteSampleData(track int, data []byte, info BufferInfo) error {
	if info.Size == 0 {
		return nil
	}
	*m.info = ndkBufferInfo{
		Offset:             int32(info.Offset),
		Size:               int32(info.Size),
		PresentationTimeUs: info.PresentationTimeUs,
		Flags:              uint32(info.Flags),
	}
	return ndkStatus("write sample", aMediaMuxerWriteSampleData(m.handle, uintptr(track), uintptr(unsafe.Pointer(&data[0])), uintptr(unsafe.Pointer(m.info))))
}

func (m *ndkMuxer) Stop() error { return ndkStatus("stop muxer", aMediaMuxerStop(m.handle)) }

func (m *ndkMuxer) Release() error {
	var err error
	if m.handle != 0 {
		err = ndkStatus("delete muxer", aMediaMuxerDelete(m.handle))
		m.handle = 0
	}
	if m.file != nil {
		if cerr := m.file.Close(); err == nil {
			err = cerr
		}
		m.file = nil
	}
	return err
}

// =============================================================================
// Image reader
// =============================================================================

// Global callback state for purego
var (
	imageReadersMu      sync.RWMutex
	imageReaders        = make(map[uintptr]*ndkImageSource)
	imageReaderCounter  uintptr
	imageReaderCallback uintptr
	imageCallbackOnce   sync.Once
)

func initImageCallback() {
	imageCallbackOnce.Do(func() {
		imageReaderCallback = purego.NewCallback(imageAvailableHandler)
	})
}

// imageAvailableHandler is called by libmediandk on its own thread.
func imageAvailableHandler(context uintptr, reader uintptr) {
	imageReadersMu.RLock()
	src, ok := imageReaders[context]
	imageReadersMu.RUnlock()
	if !ok || src == nil {
		return
	}
	src.mu.Lock()
	fn := src.onFrame
	src.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// ndkImageSource is an AImageReader whose newest image is bound to an
// external texture through an EGLImage.
type ndkImageSource struct {
	gpu      *eglGPU
	reader uintptr
	window   *ndkWindow
	id uintptr
	listener *ndkImageListener
	rotation int

	mu      sync.Mutex
	onFrame func()

	image    uintptr // AImage currently bound
	eglImage uintptr
}

func newNDKImageSource(gpu *eglGPU, width, height, rotation int) (*ndkImageSource, error) {
	if err := loadNDK(); err != nil {
		return nil, err
	}
	initImageCallback()

	reader := new(uintptr)
	status := aImageReaderNewWithUsage(int32(width), int32(height), ndkImageFormatPrivate, ndkUsageGPUSampled, ndkImageReaderMaxImage, uintptr(unsafe.Pointer(reader)))
	if err := ndkStatus("create image reader", status); err != nil {
		return nil, err
	}
	s := &ndkImageSource{gpu: gpu, reader: *reader, rotation: rotation}

	window := new(uintptr)
	if err := ndkStatus("image reader window", aImageReaderGetWindow(s.reader, uintptr(unsafe.Pointer(window)))); err != nil {
		aImageReaderDelete(s.reader)
		return nil, err
	}
	// The window belongs to the reader.
	s.window = &ndkWindow{handle: *window}

	imageReadersMu.Lock()
	imageReaderCounter++
	s.id = imageReaderCounter
	imageReaders[s.id] = s
	imageReadersMu.Unlock()

	s.listener = &ndkImageListener{Context: s.id, OnImageAvailable: imageReaderCallback}
	if err := ndkStatus("set image listener", aImageReaderSetImageListener(s.reader, uintptr(unsafe.Pointer(s.listener)))); err != nil {
		s.Release()
		return nil, err
	}
	return s, nil
}

func (s *ndkImageSource) Window() Surface { return s.window }

func (s *ndkImageSource) SetOnFrameAvailable(fn func()) {
	s.mu.Lock()
	s.onFrame = fn
	s.mu.Unlock()
}

func (s *ndkImageSource) Latch(tex uint32) error {
	image := new(uintptr)
	status := aImageReaderAcquireLatestImage(s.reader, uintptr(unsafe.Pointer(image)))
	if status == ndkStatusNoBufferAvail {
		// Nothing newer than the bound image.
		return nil
	}
	if err := ndkStatus("acquire image", status); err != nil {
		return err
	}
	buffer := new(uintptr)
	if err := ndkStatus("image hardware buffer", aImageGetHardwareBuffer(*image, uintptr(unsafe.Pointer(buffer)))); err != nil {
		aImageDelete(*image)
		return err
	}
	eglImage, err := s.gpu.bindHardwareBuffer(tex, *buffer)
	if err != nil {
		aImageDelete(*image)
		return err
	}
	s.dropBound()
	s.image, s.eglImage = *image, eglImage
	return nil
}

func (s *ndkImageSource) dropBound() {
	if s.eglImage != 0 {
		s.gpu.destroyImage(s.eglImage)
		s.eglImage = 0
	}
	if s.image != 0 {
		aImageDelete(s.image)
		s.image = 0
	}
}

func (s *ndkImageSource) TransformMatrix() [16]float32 {
	return textureTransform(s.rotation, true)
}

func (s *ndkImageSource) Release() error {
	imageReadersMu.Lock()
	delete(imageReaders, s.id)
	imageReadersMu.Unlock()

	s.dropBound()
	if s.reader != 0 {
		aImageReaderDelete(s.reader)
		s.reader = 0
	}
	s.window.handle = 0
	return nil
}
