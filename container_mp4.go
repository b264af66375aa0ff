package vcompress

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/abema/go-mp4"
)

const (
	mp4VideoTimescale = 90000
	mp4MovieTimescale = 1000
	mp4FixedOne       = 0x10000
	mp4MatrixW        = 0x40000000
)

var (
	pathStbl = mp4.BoxPath{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl()}
	pathStsd = append(pathStbl[:len(pathStbl):len(pathStbl)], mp4.BoxTypeStsd())
)

// mp4Sample is one entry of a track's sample table.
type mp4Sample struct {
	offset uint64
	size   uint32
	ptsUs  int64
	sync   bool
}

type mp4Track struct {
	format     *Format
	samples    []mp4Sample
	lengthSize int // AVC NAL length field size, 0 for other codecs
	cursor     int
	selected   bool
}

// MP4Extractor reads ISO-BMFF files. AVC samples are returned in Annex-B
// form with parameter sets in the track format's CSD.
type MP4Extractor struct {
	f       *os.File
	tracks  []*mp4Track
	scratch []byte
}

// OpenMP4Extractor parses the sample tables of path.
func OpenMP4Extractor(path string) (*MP4Extractor, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, err
	}
	ex := &MP4Extractor{f: f}
	if err := ex.load(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w: %w", path, ErrUnsupportedFormat, err)
	}
	return ex, nil
}

func (ex *MP4Extractor) load() error {
	info, err := mp4.Probe(ex.f)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	byID := make(map[uint32]*mp4.Track, len(info.Tracks))
	for _, t := range info.Tracks {
		byID[t.TrackID] = t
	}

	traks, err := mp4.ExtractBox(ex.f, nil, mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeTrak()})
	if err != nil {
		return fmt.Errorf("read traks: %w", err)
	}
	for _, trak := range traks {
		tkhd, err := extractOne[*mp4.Tkhd](ex.f, trak, mp4.BoxPath{mp4.BoxTypeTkhd()})
		if err != nil {
			return err
		}
		probed, ok := byID[tkhd.TrackID]
		if !ok {
			continue
		}
		t, err := ex.loadTrack(trak, tkhd, probed)
		if err != nil {
			return fmt.Errorf("track %d: %w", tkhd.TrackID, err)
		}
		ex.tracks = append(ex.tracks, t)
	}
	if len(ex.tracks) == 0 {
		return errors.New("no tracks")
	}
	return nil
}

func (ex *MP4Extractor) loadTrack(trak *mp4.BoxInfo, tkhd *mp4.Tkhd, probed *mp4.Track) (*mp4Track, error) {
	entry, err := ex.sampleEntryType(trak)
	if err != nil {
		return nil, err
	}
	t := &mp4Track{format: &Format{MIME: mimeForSampleEntry(entry)}}
	f := t.format

	if f.MIME == "" {
		hdlr, err := extractOne[*mp4.Hdlr](ex.f, trak, mp4.BoxPath{mp4.BoxTypeMdia(), mp4.BoxTypeHdlr()})
		if err != nil {
			return nil, err
		}
		switch string(hdlr.HandlerType[:]) {
		case "vide":
			f.MIME = "video/unknown"
		case "soun":
			f.MIME = "audio/unknown"
		default:
			f.MIME = "application/octet-stream"
		}
	}

	switch entry {
	case mp4.BoxTypeAvc1():
		if err := ex.loadAVC(trak, t, probed); err != nil {
			return nil, err
		}
	case mp4.BoxTypeMp4a():
		if err := ex.loadAAC(trak, f); err != nil {
			return nil, err
		}
	}
	if f.IsVideo() {
		if f.Width == 0 || f.Height == 0 {
			f.Width, f.Height = int(tkhd.Width>>16), int(tkhd.Height>>16)
		}
		f.Rotation = rotationFromMatrix(tkhd.Matrix)
	}

	sync, err := ex.syncSamples(trak)
	if err != nil {
		return nil, err
	}
	t.samples = buildSampleTable(probed, sync)
	if n := len(t.samples); n > 0 && probed.Timescale > 0 {
		var ticks uint64
		var largest uint32
		for _, s := range probed.Samples {
			ticks += uint64(s.TimeDelta)
			largest = max(largest, s.Size)
		}
		f.DurationUs = int64(ticks * 1_000_000 / uint64(probed.Timescale))
		f.MaxInputSize = int(largest) + 1024
		if f.IsVideo() && f.DurationUs > 0 {
			f.FrameRate = int(math.Round(float64(n) * 1e6 / float64(f.DurationUs)))
		}
	}
	return t, nil
}

// sampleEntryType returns the box type of the first stsd entry.
func (ex *MP4Extractor) sampleEntryType(trak *mp4.BoxInfo) (mp4.BoxType, error) {
	stsds, err := mp4.ExtractBox(ex.f, trak, pathStsd)
	if err != nil {
		return mp4.BoxType{}, err
	}
	if len(stsds) == 0 {
		return mp4.BoxType{}, errors.New("missing stsd")
	}
	// Full box header (4) and entry count (4) precede the first entry.
	if _, err := ex.f.Seek(int64(stsds[0].Offset+stsds[0].HeaderSize+8), io.SeekStart); err != nil {
		return mp4.BoxType{}, err
	}
	bi, err := mp4.ReadBoxInfo(ex.f)
	if err != nil {
		return mp4.BoxType{}, fmt.Errorf("read sample entry: %w", err)
	}
	return bi.Type, nil
}

func mimeForSampleEntry(t mp4.BoxType) string {
	switch t.String() {
	case "avc1", "avc3":
		return MIMEVideoAVC
	case "hvc1", "hev1":
		return MIMEVideoHEVC
	case "vp08":
		return MIMEVideoVP8
	case "vp09":
		return MIMEVideoVP9
	case "av01":
		return MIMEVideoAV1
	case "mp4a":
		return MIMEAudioAAC
	case "Opus":
		return MIMEAudioOpus
	}
	return ""
}

func (ex *MP4Extractor) loadAVC(trak *mp4.BoxInfo, t *mp4Track, probed *mp4.Track) error {
	entry := append(pathStsd[:len(pathStsd):len(pathStsd)], mp4.BoxTypeAvc1())
	vse, err := extractOne[*mp4.VisualSampleEntry](ex.f, trak, entry)
	if err != nil {
		return err
	}
	t.format.Width, t.format.Height = int(vse.Width), int(vse.Height)

	avcc, err := extractOne[*mp4.AVCDecoderConfiguration](ex.f, trak, append(entry, mp4.BoxTypeAvcC()))
	if err != nil {
		return err
	}
	var sps, pps []byte
	for _, ps := range avcc.SequenceParameterSets {
		sps = append(sps, withStartCode(ps.NALUnit)...)
	}
	for _, ps := range avcc.PictureParameterSets {
		pps = append(pps, withStartCode(ps.NALUnit)...)
	}
	t.format.CSD = [][]byte{sps, pps}
	t.lengthSize = int(avcc.LengthSizeMinusOne) + 1
	if probed.AVC != nil && probed.AVC.LengthSize > 0 {
		t.lengthSize = int(probed.AVC.LengthSize)
	}
	return nil
}

func (ex *MP4Extractor) loadAAC(trak *mp4.BoxInfo, f *Format) error {
	entry := append(pathStsd[:len(pathStsd):len(pathStsd)], mp4.BoxTypeMp4a())
	ase, err := extractOne[*mp4.AudioSampleEntry](ex.f, trak, entry)
	if err != nil {
		return err
	}
	f.SampleRate = int(ase.SampleRate >> 16)
	f.ChannelCount = int(ase.ChannelCount)

	esds, err := extractOne[*mp4.Esds](ex.f, trak, append(entry, mp4.BoxTypeEsds()))
	if err != nil {
		// Some writers omit esds; the decoder then relies on its defaults.
		return nil
	}
	for _, d := range esds.Descriptors {
		switch d.Tag {
		case mp4.DecoderConfigDescrTag:
			if d.DecoderConfigDescriptor != nil {
				f.BitRate = int(d.DecoderConfigDescriptor.AvgBitrate)
			}
		case mp4.DecSpecificInfoTag:
			f.CSD = [][]byte{append([]byte(nil), d.Data...)}
			if profile, rate, ch, err := parseAudioSpecificConfig(d.Data); err == nil {
				f.AACProfile, f.SampleRate = profile, rate
				if ch > 0 {
					f.ChannelCount = ch
				}
			}
		}
	}
	return nil
}

// syncSamples returns the 1-based sync sample numbers, or nil when every
// sample is a sync sample.
func (ex *MP4Extractor) syncSamples(trak *mp4.BoxInfo) (map[uint32]bool, error) {
	boxes, err := mp4.ExtractBoxWithPayload(ex.f, trak, append(pathStbl[:len(pathStbl):len(pathStbl)], mp4.BoxTypeStss()))
	if err != nil {
		return nil, err
	}
	if len(boxes) == 0 {
		return nil, nil
	}
	stss := boxes[0].Payload.(*mp4.Stss)
	sync := make(map[uint32]bool, len(stss.SampleNumber))
	for _, n := range stss.SampleNumber {
		sync[n] = true
	}
	return sync, nil
}

func buildSampleTable(t *mp4.Track, sync map[uint32]bool) []mp4Sample {
	samples := make([]mp4Sample, 0, len(t.Samples))
	i := 0
	var dts int64
	for _, c := range t.Chunks {
		offset := c.DataOffset
		for j := uint32(0); j < c.SamplesPerChunk && i < len(t.Samples); j++ {
			s := t.Samples[i]
			pts := dts + s.CompositionTimeOffset
			samples = append(samples, mp4Sample{
				offset: offset,
				size:   s.Size,
				ptsUs:  pts * 1_000_000 / int64(max(t.Timescale, 1)),
				sync:   sync == nil || sync[uint32(i+1)],
			})
			offset += uint64(s.Size)
			dts += int64(s.TimeDelta)
			i++
		}
	}
	return samples
}

// rotationFromMatrix maps a tkhd transform to clockwise degrees.
func rotationFromMatrix(m [9]int32) int {
	switch {
	case m[0] == 0 && m[1] == mp4FixedOne && m[3] == -mp4FixedOne:
		return 90
	case m[0] == -mp4FixedOne && m[4] == -mp4FixedOne:
		return 180
	case m[0] == 0 && m[1] == -mp4FixedOne && m[3] == mp4FixedOne:
		return 270
	}
	return 0
}

func matrixForRotation(rotation int) [9]int32 {
	switch normalizeRotation(rotation) {
	case 90:
		return [9]int32{0, mp4FixedOne, 0, -mp4FixedOne, 0, 0, 0, 0, mp4MatrixW}
	case 180:
		return [9]int32{-mp4FixedOne, 0, 0, 0, -mp4FixedOne, 0, 0, 0, mp4MatrixW}
	case 270:
		return [9]int32{0, -mp4FixedOne, 0, mp4FixedOne, 0, 0, 0, 0, mp4MatrixW}
	}
	return [9]int32{mp4FixedOne, 0, 0, 0, mp4FixedOne, 0, 0, 0, mp4MatrixW}
}

func extractOne[T mp4.IBox](r io.ReadSeeker, parent *mp4.BoxInfo, path mp4.BoxPath) (T, error) {
	var zero T
	boxes, err := mp4.ExtractBoxWithPayload(r, parent, path)
	if err != nil {
		return zero, err
	}
	if len(boxes) == 0 {
		return zero, fmt.Errorf("missing box %s", path[len(path)-1])
	}
	b, ok := boxes[0].Payload.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected payload for %s", path[len(path)-1])
	}
	return b, nil
}

func (ex *MP4Extractor) TrackCount() int { return len(ex.tracks) }

func (ex *MP4Extractor) TrackFormat(index int) (*Format, error) {
	if index < 0 || index >= len(ex.tracks) {
		return nil, fmt.Errorf("track index %d out of range", index)
	}
	return ex.tracks[index].format.Clone(), nil
}

func (ex *MP4Extractor) SelectTrack(index int) error {
	if index < 0 || index >= len(ex.tracks) {
		return fmt.Errorf("track index %d out of range", index)
	}
	ex.tracks[index].selected = true
	return nil
}

func (ex *MP4Extractor) UnselectTrack(index int) error {
	if index < 0 || index >= len(ex.tracks) {
		return fmt.Errorf("track index %d out of range", index)
	}
	ex.tracks[index].selected = false
	return nil
}

// current returns the selected track whose next sample has the smallest
// timestamp.
func (ex *MP4Extractor) current() *mp4Track {
	var best *mp4Track
	for _, t := range ex.tracks {
		if !t.selected || t.cursor >= len(t.samples) {
			continue
		}
		if best == nil || t.samples[t.cursor].ptsUs < best.samples[best.cursor].ptsUs {
			best = t
		}
	}
	return best
}

func (ex *MP4Extractor) ReadSampleData(buf []byte) (int, error) {
	t := ex.current()
	if t == nil {
		return 0, io.EOF
	}
	s := t.samples[t.cursor]
	if cap(ex.scratch) < int(s.size) {
		ex.scratch = make([]byte, s.size)
	}
	raw := ex.scratch[:s.size]
	if _, err := ex.f.ReadAt(raw, int64(s.offset)); err != nil {
		return 0, fmt.Errorf("read sample at %d: %w", s.offset, err)
	}

	data := raw
	if t.lengthSize > 0 {
		var err error
		if data, err = avccToAnnexB(raw, t.lengthSize); err != nil {
			return 0, fmt.Errorf("convert sample: %w", err)
		}
	}
	if len(buf) < len(data) {
		return 0, io.ErrShortBuffer
	}
	return copy(buf, data), nil
}

func (ex *MP4Extractor) SampleTime() int64 {
	t := ex.current()
	if t == nil {
		return -1
	}
	return t.samples[t.cursor].ptsUs
}

func (ex *MP4Extractor) SampleFlags() SampleFlags {
	t := ex.current()
	if t == nil || !t.samples[t.cursor].sync {
		return 0
	}
	return SampleFlagSync
}

func (ex *MP4Extractor) Advance() bool {
	t := ex.current()
	if t == nil {
		return false
	}
	t.cursor++
	return ex.current() != nil
}

// SeekTo moves every selected track to its last sync sample at or before
// timeUs.
func (ex *MP4Extractor) SeekTo(timeUs int64) error {
	for _, t := range ex.tracks {
		if !t.selected {
			continue
		}
		t.cursor = 0
		for i, s := range t.samples {
			if s.ptsUs > timeUs {
				break
			}
			if s.sync {
				t.cursor = i
			}
		}
	}
	return nil
}

func (ex *MP4Extractor) Close() error {
	if ex.f == nil {
		return nil
	}
	err := ex.f.Close()
	ex.f = nil
	return err
}

// FileInfo summarises a finished MP4 file.
type FileInfo struct {
	Duration time.Duration
	Width    int // Display width, rotation applied
	Height   int
	Rotation int
	Tracks   []*Format
}

// ProbeFile reads the track layout and display geometry of an MP4 file.
func ProbeFile(path string) (*FileInfo, error) {
	ex, err := OpenMP4Extractor(path)
	if err != nil {
		return nil, err
	}
	defer ex.Close()

	info := &FileInfo{}
	for _, t := range ex.tracks {
		f := t.format.Clone()
		info.Tracks = append(info.Tracks, f)
		if d := time.Duration(f.DurationUs) * time.Microsecond; d > info.Duration {
			info.Duration = d
		}
		if f.IsVideo() && info.Width == 0 {
			info.Width, info.Height, info.Rotation = f.Width, f.Height, f.Rotation
			if info.Rotation == 90 || info.Rotation == 270 {
				info.Width, info.Height = info.Height, info.Width
			}
		}
	}
	return info, nil
}

// muxTrack accumulates the sample table of one output track.
type muxTrack struct {
	format    *Format
	timescale uint32
	offsets   []uint64
	sizes     []uint32
	pts       []int64
	sync      []uint32
	sps, pps  [][]byte
}

// MP4Muxer writes a single-mdat MP4 file with AVC and AAC tracks. Samples
// are written in arrival order and each forms its own chunk.
type MP4Muxer struct {
	f       *os.File
	w       *mp4.Writer
	tracks  []*muxTrack
	started bool
	stopped bool
	written uint64
	mdat    *mp4.BoxInfo
}

// NewMP4Muxer creates path for writing.
func NewMP4Muxer(path string) (*MP4Muxer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	return &MP4Muxer{f: f, w: mp4.NewWriter(f)}, nil
}

func (m *MP4Muxer) AddTrack(format *Format) (int, error) {
	if m.started {
		return -1, ErrMuxerStarted
	}
	t := &muxTrack{format: format.Clone()}
	switch format.MIME {
	case MIMEVideoAVC:
		t.timescale = mp4VideoTimescale
		sps, pps, err := parameterSets(format.CSD...)
		if err != nil {
			return -1, fmt.Errorf("avc codec data: %w", err)
		}
		t.sps, t.pps = sps, pps
	case MIMEAudioAAC:
		if format.SampleRate <= 0 {
			return -1, fmt.Errorf("aac track without sample rate")
		}
		t.timescale = uint32(format.SampleRate)
	default:
		return -1, fmt.Errorf("%s: %w", format.MIME, ErrUnsupportedFormat)
	}
	m.tracks = append(m.tracks, t)
	return len(m.tracks) - 1, nil
}

func (m *MP4Muxer) Start() error {
	if m.started {
		return ErrMuxerStarted
	}
	if len(m.tracks) == 0 {
		return errors.New("no tracks added")
	}
	ftyp := &mp4.Ftyp{
		MajorBrand:   [4]byte{'i', 's', 'o', 'm'},
		MinorVersion: 0x200,
		CompatibleBrands: []mp4.CompatibleBrandElem{
			{CompatibleBrand: [4]byte{'i', 's', 'o', 'm'}},
			{CompatibleBrand: [4]byte{'i', 's', 'o', '2'}},
			{CompatibleBrand: [4]byte{'a', 'v', 'c', '1'}},
			{CompatibleBrand: [4]byte{'m', 'p', '4', '1'}},
		},
	}
	if err := m.box(mp4.BoxTypeFtyp(), ftyp, nil); err != nil {
		return fmt.Errorf("write ftyp: %w", err)
	}
	bi, err := m.w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMdat(), HeaderSize: mp4.LargeHeaderSize})
	if err != nil {
		return fmt.Errorf("write mdat header: %w", err)
	}
	m.mdat = bi
	m.started = true
	return nil
}

func (m *MP4Muxer) WriteSampleData(track int, data []byte, info BufferInfo) error {
	if !m.started || m.stopped {
		return ErrMuxerNotStarted
	}
	if track < 0 || track >= len(m.tracks) {
		return ErrUnknownTrackHandle
	}
	t := m.tracks[track]
	payload := data[info.Offset : info.Offset+info.Size]

	switch t.format.MIME {
	case MIMEVideoAVC:
		if DetectVideoCodec(payload) != VideoCodecH264 {
			return fmt.Errorf("track %d: sample is not h264: %w", track, ErrUnsupportedFormat)
		}
		if isAnnexBStartCode(payload) {
			if len(t.sps) == 0 {
				if sps, pps, err := parameterSets(payload); err == nil {
					t.sps, t.pps = sps, pps
				}
			}
			var err error
			if payload, err = annexBToAVCC(payload, true); err != nil {
				return fmt.Errorf("convert sample: %w", err)
			}
		}
	case MIMEAudioAAC:
		if DetectAudioCodec(payload) == AudioCodecOpus {
			return fmt.Errorf("track %d: ogg opus page on aac track: %w", track, ErrUnsupportedFormat)
		}
		payload = stripADTS(payload)
	}
	if len(payload) == 0 {
		return nil
	}

	offset := m.mdat.Offset + m.mdat.HeaderSize + m.written
	if _, err := m.w.Write(payload); err != nil {
		return fmt.Errorf("write sample: %w", err)
	}
	m.written += uint64(len(payload))

	t.offsets = append(t.offsets, offset)
	t.sizes = append(t.sizes, uint32(len(payload)))
	t.pts = append(t.pts, info.PresentationTimeUs)
	if info.Flags.Has(BufferFlagKeyFrame) {
		t.sync = append(t.sync, uint32(len(t.sizes)))
	}
	return nil
}

// Stop closes mdat, writes moov and closes the file.
func (m *MP4Muxer) Stop() error {
	if !m.started {
		return ErrMuxerNotStarted
	}
	if m.stopped {
		return nil
	}
	m.stopped = true
	if _, err := m.w.EndBox(); err != nil {
		return fmt.Errorf("finish mdat: %w", err)
	}
	if err := m.writeMoov(); err != nil {
		return fmt.Errorf("write moov: %w", err)
	}
	err := m.f.Close()
	m.f = nil
	return err
}

// Release closes the file if Stop did not.
func (m *MP4Muxer) Release() error {
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	return err
}

func (m *MP4Muxer) box(t mp4.BoxType, payload mp4.IImmutableBox, children func() error) error {
	if _, err := m.w.StartBox(&mp4.BoxInfo{Type: t}); err != nil {
		return err
	}
	if payload != nil {
		if _, err := mp4.Marshal(m.w, payload, mp4.Context{}); err != nil {
			return err
		}
	}
	if children != nil {
		if err := children(); err != nil {
			return err
		}
	}
	_, err := m.w.EndBox()
	return err
}

// deltas converts presentation times to per-sample durations in timescale
// ticks. The last sample repeats the previous duration.
func (t *muxTrack) deltas() []uint32 {
	d := make([]uint32, len(t.pts))
	for i := 0; i+1 < len(t.pts); i++ {
		d[i] = uint32((t.pts[i+1] - t.pts[i]) * int64(t.timescale) / 1_000_000)
	}
	if n := len(d); n > 1 {
		d[n-1] = d[n-2]
	} else if n == 1 {
		d[0] = t.timescale / 30
		if t.format.IsAudio() {
			d[0] = 1024
		}
	}
	return d
}

func (t *muxTrack) duration() uint64 {
	var sum uint64
	for _, d := range t.deltas() {
		sum += uint64(d)
	}
	return sum
}

func (m *MP4Muxer) writeMoov() error {
	var movieDuration uint64
	for _, t := range m.tracks {
		d := t.duration() * mp4MovieTimescale / uint64(t.timescale)
		movieDuration = max(movieDuration, d)
	}
	mvhd := &mp4.Mvhd{
		Timescale:   mp4MovieTimescale,
		DurationV0:  uint32(movieDuration),
		Rate:        mp4FixedOne,
		Volume:      0x100,
		Matrix:      matrixForRotation(0),
		NextTrackID: uint32(len(m.tracks) + 1),
	}
	return m.box(mp4.BoxTypeMoov(), nil, func() error {
		if err := m.box(mp4.BoxTypeMvhd(), mvhd, nil); err != nil {
			return err
		}
		for i, t := range m.tracks {
			if err := m.writeTrak(uint32(i+1), t, movieDuration); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *MP4Muxer) writeTrak(id uint32, t *muxTrack, movieDuration uint64) error {
	video := t.format.IsVideo()
	tkhd := &mp4.Tkhd{
		FullBox:    mp4.FullBox{Flags: [3]byte{0, 0, 3}},
		TrackID:    id,
		DurationV0: uint32(t.duration() * mp4MovieTimescale / uint64(t.timescale)),
		Matrix:     matrixForRotation(t.format.Rotation),
	}
	hdlr := &mp4.Hdlr{HandlerType: [4]byte{'s', 'o', 'u', 'n'}, Name: "SoundHandler"}
	if video {
		tkhd.Width = uint32(t.format.Width) << 16
		tkhd.Height = uint32(t.format.Height) << 16
		hdlr = &mp4.Hdlr{HandlerType: [4]byte{'v', 'i', 'd', 'e'}, Name: "VideoHandler"}
	} else {
		tkhd.Volume = 0x100
	}
	mdhd := &mp4.Mdhd{
		Timescale:  t.timescale,
		DurationV0: uint32(t.duration()),
		Language:   [3]byte{'u' - 0x60, 'n' - 0x60, 'd' - 0x60},
	}

	return m.box(mp4.BoxTypeTrak(), nil, func() error {
		if err := m.box(mp4.BoxTypeTkhd(), tkhd, nil); err != nil {
			return err
		}
		return m.box(mp4.BoxTypeMdia(), nil, func() error {
			if err := m.box(mp4.BoxTypeMdhd(), mdhd, nil); err != nil {
				return err
			}
			if err := m.box(mp4.BoxTypeHdlr(), hdlr, nil); err != nil {
				return err
			}
			return m.box(mp4.BoxTypeMinf(), nil, func() error {
				var err error
				if video {
					err = m.box(mp4.BoxTypeVmhd(), &mp4.Vmhd{FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 1}}}, nil)
				} else {
					err = m.box(mp4.BoxTypeSmhd(), &mp4.Smhd{}, nil)
				}
				if err != nil {
					return err
				}
				if err := m.writeDinf(); err != nil {
					return err
				}
				return m.writeStbl(t)
			})
		})
	})
}

func (m *MP4Muxer) writeDinf() error {
	return m.box(mp4.BoxTypeDinf(), nil, func() error {
		return m.box(mp4.BoxTypeDref(), &mp4.Dref{EntryCount: 1}, func() error {
			return m.box(mp4.BoxTypeUrl(), &mp4.Url{FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 1}}}, nil)
		})
	})
}

func (m *MP4Muxer) writeStbl(t *muxTrack) error {
	return m.box(mp4.BoxTypeStbl(), nil, func() error {
		if err := m.box(mp4.BoxTypeStsd(), &mp4.Stsd{EntryCount: 1}, func() error {
			if t.format.IsVideo() {
				return m.writeAVCEntry(t)
			}
			return m.writeAACEntry(t)
		}); err != nil {
			return err
		}

		stts := &mp4.Stts{}
		for _, d := range t.deltas() {
			if n := len(stts.Entries); n > 0 && stts.Entries[n-1].SampleDelta == d {
				stts.Entries[n-1].SampleCount++
				continue
			}
			stts.Entries = append(stts.Entries, mp4.SttsEntry{SampleCount: 1, SampleDelta: d})
		}
		stts.EntryCount = uint32(len(stts.Entries))
		if err := m.box(mp4.BoxTypeStts(), stts, nil); err != nil {
			return err
		}

		if t.format.IsVideo() {
			stss := &mp4.Stss{EntryCount: uint32(len(t.sync)), SampleNumber: t.sync}
			if err := m.box(mp4.BoxTypeStss(), stss, nil); err != nil {
				return err
			}
		}

		stsc := &mp4.Stsc{EntryCount: 1, Entries: []mp4.StscEntry{{FirstChunk: 1, SamplesPerChunk: 1, SampleDescriptionIndex: 1}}}
		if len(t.sizes) == 0 {
			stsc = &mp4.Stsc{}
		}
		if err := m.box(mp4.BoxTypeStsc(), stsc, nil); err != nil {
			return err
		}
		stsz := &mp4.Stsz{SampleCount: uint32(len(t.sizes)), EntrySize: t.sizes}
		if err := m.box(mp4.BoxTypeStsz(), stsz, nil); err != nil {
			return err
		}

		if n := len(t.offsets); n > 0 && t.offsets[n-1] > math.MaxUint32 {
			return m.box(mp4.BoxTypeCo64(), &mp4.Co64{EntryCount: uint32(n), ChunkOffset: t.offsets}, nil)
		}
		stco := &mp4.Stco{EntryCount: uint32(len(t.offsets)), ChunkOffset: make([]uint32, len(t.offsets))}
		for i, o := range t.offsets {
			stco.ChunkOffset[i] = uint32(o)
		}
		return m.box(mp4.BoxTypeStco(), stco, nil)
	})
}

func (m *MP4Muxer) writeAVCEntry(t *muxTrack) error {
	if len(t.sps) == 0 || len(t.sps[0]) < 4 {
		return errors.New("avc track without sps")
	}
	entry := &mp4.VisualSampleEntry{
		SampleEntry: mp4.SampleEntry{
			AnyTypeBox:         mp4.AnyTypeBox{Type: mp4.BoxTypeAvc1()},
			DataReferenceIndex: 1,
		},
		Width:           uint16(t.format.Width),
		Height:          uint16(t.format.Height),
		Horizresolution: 72 << 16,
		Vertresolution:  72 << 16,
		FrameCount:      1,
		Depth:           0x18,
		PreDefined3:     -1,
	}
	sps := t.sps[0]
	avcc := &mp4.AVCDecoderConfiguration{
		AnyTypeBox:                 mp4.AnyTypeBox{Type: mp4.BoxTypeAvcC()},
		ConfigurationVersion:       1,
		Profile:                    sps[1],
		ProfileCompatibility:       sps[2],
		Level:                      sps[3],
		Reserved:                   0x3f,
		LengthSizeMinusOne:         3,
		Reserved2:                  0x7,
		NumOfSequenceParameterSets: uint8(len(t.sps)),
		NumOfPictureParameterSets:  uint8(len(t.pps)),
	}
	for _, s := range t.sps {
		avcc.SequenceParameterSets = append(avcc.SequenceParameterSets, mp4.AVCParameterSet{Length: uint16(len(s)), NALUnit: s})
	}
	for _, p := range t.pps {
		avcc.PictureParameterSets = append(avcc.PictureParameterSets, mp4.AVCParameterSet{Length: uint16(len(p)), NALUnit: p})
	}
	return m.box(mp4.BoxTypeAvc1(), entry, func() error {
		return m.box(mp4.BoxTypeAvcC(), avcc, nil)
	})
}

func (m *MP4Muxer) writeAACEntry(t *muxTrack) error {
	f := t.format
	channels := max(f.ChannelCount, 1)
	entry := &mp4.AudioSampleEntry{
		SampleEntry: mp4.SampleEntry{
			AnyTypeBox:         mp4.AnyTypeBox{Type: mp4.BoxTypeMp4a()},
			DataReferenceIndex: 1,
		},
		ChannelCount: uint16(channels),
		SampleSize:   16,
		SampleRate:   uint32(f.SampleRate) << 16,
	}
	asc := audioSpecificConfig(f.AACProfile, f.SampleRate, channels)
	if len(f.CSD) > 0 && len(f.CSD[0]) >= 2 {
		asc = f.CSD[0]
	}
	var maxSize uint32
	for _, s := range t.sizes {
		maxSize = max(maxSize, s)
	}
	dsiSize := uint32(len(asc))
	dcdSize := 13 + 2 + dsiSize
	esds := &mp4.Esds{
		Descriptors: []mp4.Descriptor{
			{Tag: mp4.ESDescrTag, Size: 3 + 2 + dcdSize + 3, ESDescriptor: &mp4.ESDescriptor{ESID: 1}},
			{Tag: mp4.DecoderConfigDescrTag, Size: dcdSize, DecoderConfigDescriptor: &mp4.DecoderConfigDescriptor{
				ObjectTypeIndication: 0x40,
				StreamType:           0x05,
				Reserved:             true,
				BufferSizeDB:         maxSize,
				MaxBitrate:           uint32(f.BitRate),
				AvgBitrate:           uint32(f.BitRate),
			}},
			{Tag: mp4.DecSpecificInfoTag, Size: dsiSize, Data: asc},
			{Tag: mp4.SLConfigDescrTag, Size: 1, Data: []byte{0x02}},
		},
	}
	return m.box(mp4.BoxTypeMp4a(), entry, func() error {
		return m.box(mp4.BoxTypeEsds(), esds, nil)
	})
}
