package vcompress

import (
	"errors"
	"fmt"
	"io"
)

const (
	defaultAudioSampleSize = 256 << 10
	maxAudioSampleSize     = 16 << 20
	pcmBytesPerSample      = 2
)

// audioStage copies or re-encodes the first audio track.
type audioStage struct {
	stageEnv
	trackIndex int
	source     *Format

	extractor Extractor
	decoder   Codec
	encoder   Codec

	decoderStarted bool
	encoderStarted bool

	track int
	guard timestampGuard

	// Decoded PCM not yet handed to the encoder and the timestamp of its
	// first byte.
	pcm    []byte
	pcmPts int64

	sampleRate int
	channels   int

	inputDone      bool
	decoderDone    bool
	encoderEOSSent bool
}

func newAudioStage(env stageEnv, trackIndex int, source *Format) *audioStage {
	return &audioStage{
		stageEnv:   env,
		trackIndex: trackIndex,
		source:     source,
		track:      -1,
		guard:      newTimestampGuard(),
		sampleRate: source.SampleRate,
		channels:   source.ChannelCount,
	}
}

// passthrough reports whether the track can be copied unchanged: it is
// already AAC and no larger than the target bitrate. An unknown source
// bitrate counts as small enough.
func (s *audioStage) passthrough() bool {
	if AudioCodecFromMIME(s.source.MIME) != outputAudioCodec {
		return false
	}
	return s.source.BitRate <= 0 || s.source.BitRate <= s.opts.AudioBitrate
}

// run writes the audio track and returns its writer handle. The progress
// tracker is completed on success.
func (s *audioStage) run() (int, error) {
	defer s.release()

	var err error
	if s.extractor, err = openTrack(s.device, s.path, s.trackIndex); err != nil {
		return -1, err
	}

	if s.passthrough() {
		s.logger.Debug("audio passthrough", "source", s.source.String())
		err = s.copy()
	} else {
		s.logger.Debug("audio re-encode", "source", s.source.String(), "bitrate", s.opts.AudioBitrate)
		err = s.transcode()
	}
	if err != nil {
		return -1, err
	}
	s.progress.complete()
	return s.track, nil
}

func (s *audioStage) copy() error {
	var err error
	if s.track, err = s.writer.DeclareTrack(s.source.Clone()); err != nil {
		return err
	}

	size := s.source.MaxInputSize
	if size <= 0 {
		size = defaultAudioSampleSize
	}
	buf := make([]byte, size)

	for {
		if s.cancelled() {
			return ErrCancelled
		}
		n, err := s.extractor.ReadSampleData(buf)
		if errors.Is(err, io.ErrShortBuffer) {
			if len(buf) >= maxAudioSampleSize {
				return fmt.Errorf("audio sample exceeds %d bytes: %w", maxAudioSampleSize, err)
			}
			buf = make([]byte, len(buf)*2)
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read audio sample: %w", err)
		}

		pts := s.extractor.SampleTime()
		if n > 0 && s.guard.admit(pts) {
			info := BufferInfo{Size: n, PresentationTimeUs: pts}
			if s.extractor.SampleFlags()&SampleFlagSync != 0 {
				info.Flags = BufferFlagKeyFrame
			}
			if err := s.writer.WriteSample(s.track, buf, info); err != nil {
				return fmt.Errorf("write audio sample: %w", err)
			}
			s.progress.audio(pts)
		}
		if !s.extractor.Advance() {
			return nil
		}
	}
}

func (s *audioStage) transcode() error {
	if err := s.setupCodecs(); err != nil {
		return err
	}

	for {
		if s.cancelled() {
			return ErrCancelled
		}

		if !s.inputDone {
			var err error
			if s.inputDone, err = feedDecoder(s.decoder, s.extractor, s.dequeueTimeout); err != nil {
				return err
			}
		}
		if len(s.pcm) == 0 && !s.decoderDone {
			if err := s.drainDecoder(); err != nil {
				return err
			}
		}
		if err := s.feedEncoder(); err != nil {
			return err
		}
		done, err := s.drainEncoder()
		if err != nil {
			return err
		}
		if done {
			break
		}
	}

	if s.track < 0 {
		return errors.New("audio encoder finished without an output format")
	}
	return nil
}

func (s *audioStage) setupCodecs() error {
	var err error
	if s.decoder, err = s.device.NewDecoder(s.source.MIME); err != nil {
		return fmt.Errorf("audio decoder: %w", err)
	}
	if err := s.decoder.Configure(s.source, nil, false); err != nil {
		return fmt.Errorf("configure audio decoder: %w", err)
	}
	if err := s.decoder.Start(); err != nil {
		return fmt.Errorf("start audio decoder: %w", err)
	}
	s.decoderStarted = true

	if s.encoder, err = s.device.NewEncoder(outputAudioCodec.MimeType()); err != nil {
		return fmt.Errorf("audio encoder: %w", err)
	}
	encFormat := &Format{
		MIME:         outputAudioCodec.MimeType(),
		SampleRate:   s.source.SampleRate,
		ChannelCount: s.source.ChannelCount,
		AACProfile:   aacProfileLC,
		BitRate:      s.opts.AudioBitrate,
		MaxInputSize: defaultAudioSampleSize,
	}
	if err := s.encoder.Configure(encFormat, nil, true); err != nil {
		return fmt.Errorf("configure audio encoder: %w", err)
	}
	if err := s.encoder.Start(); err != nil {
		return fmt.Errorf("start audio encoder: %w", err)
	}
	s.encoderStarted = true
	return nil
}

// drainDecoder takes at most one decoded PCM buffer into s.pcm.
func (s *audioStage) drainDecoder() error {
	for {
		idx, info, err := s.decoder.DequeueOutputBuffer(s.dequeueTimeout)
		if err != nil {
			return fmt.Errorf("dequeue audio decoder output: %w", err)
		}
		switch idx {
		case InfoTryAgainLater:
			return nil
		case InfoOutputFormatChanged:
			if f, err := s.decoder.OutputFormat(); err == nil {
				if f.SampleRate > 0 {
					s.sampleRate = f.SampleRate
				}
				if f.ChannelCount > 0 {
					s.channels = f.ChannelCount
				}
				s.logger.Debug("audio decoder output format changed", "format", f.String())
			}
			continue
		case InfoOutputBuffersChanged:
			continue
		}
		if idx < 0 {
			return fmt.Errorf("unexpected audio decoder output index %d", idx)
		}

		if info.Size > 0 {
			data, err := s.decoder.OutputBuffer(idx)
			if err != nil {
				return fmt.Errorf("audio decoder output buffer %d: %w", idx, err)
			}
			s.pcm = append(s.pcm[:0], data[info.Offset:info.Offset+info.Size]...)
			s.pcmPts = info.PresentationTimeUs
		}
		if err := s.decoder.ReleaseOutputBuffer(idx, false); err != nil {
			return fmt.Errorf("release audio decoder output: %w", err)
		}
		if info.Flags.Has(BufferFlagEndOfStream) {
			s.decoderDone = true
		}
		return nil
	}
}

// feedEncoder hands pending PCM to the encoder in slot-sized chunks. Once the
// decoder is done and nothing is pending, end-of-stream is queued; when no
// slot is free it is retried on the next call.
func (s *audioStage) feedEncoder() error {
	for len(s.pcm) > 0 {
		idx, err := s.encoder.DequeueInputBuffer(s.dequeueTimeout)
		if err != nil {
			return fmt.Errorf("dequeue audio encoder input: %w", err)
		}
		if idx < 0 {
			return nil
		}
		buf, err := s.encoder.InputBuffer(idx)
		if err != nil {
			return fmt.Errorf("audio encoder input buffer %d: %w", idx, err)
		}
		n := copy(buf, s.pcm)
		if err := s.encoder.QueueInputBuffer(idx, n, s.pcmPts, 0); err != nil {
			return fmt.Errorf("queue audio encoder input: %w", err)
		}
		s.pcm = s.pcm[n:]
		s.pcmPts += s.pcmDurationUs(n)
	}

	if !s.decoderDone || s.encoderEOSSent {
		return nil
	}
	idx, err := s.encoder.DequeueInputBuffer(s.dequeueTimeout)
	if err != nil {
		return fmt.Errorf("dequeue audio encoder input: %w", err)
	}
	if idx < 0 {
		return nil
	}
	if err := s.encoder.QueueInputBuffer(idx, 0, s.pcmPts, BufferFlagEndOfStream); err != nil {
		return fmt.Errorf("queue audio encoder end of stream: %w", err)
	}
	s.encoderEOSSent = true
	return nil
}

// pcmDurationUs is the play time of n bytes of 16-bit interleaved PCM.
func (s *audioStage) pcmDurationUs(n int) int64 {
	frameBytes := pcmBytesPerSample * max(s.channels, 1)
	if s.sampleRate <= 0 {
		return 0
	}
	return int64(n/frameBytes) * 1_000_000 / int64(s.sampleRate)
}

func (s *audioStage) drainEncoder() (bool, error) {
	for {
		idx, info, err := s.encoder.DequeueOutputBuffer(s.dequeueTimeout)
		if err != nil {
			return false, fmt.Errorf("dequeue audio encoder output: %w", err)
		}
		switch idx {
		case InfoTryAgainLater:
			return false, nil
		case InfoOutputFormatChanged:
			if s.track >= 0 {
				return false, errors.New("audio encoder output format changed twice")
			}
			f, err := s.encoder.OutputFormat()
			if err != nil {
				return false, fmt.Errorf("audio encoder output format: %w", err)
			}
			if s.track, err = s.writer.DeclareTrack(f); err != nil {
				return false, err
			}
			continue
		case InfoOutputBuffersChanged:
			continue
		}
		if idx < 0 {
			return false, fmt.Errorf("unexpected audio encoder output index %d", idx)
		}

		data, err := s.encoder.OutputBuffer(idx)
		if err != nil {
			return false, fmt.Errorf("audio encoder output buffer %d: %w", idx, err)
		}
		if info.Flags.Has(BufferFlagCodecConfig) {
			info.Size = 0
		}

		eos := info.Flags.Has(BufferFlagEndOfStream)
		if !eos && info.Size > 0 && s.track >= 0 && s.guard.admit(info.PresentationTimeUs) {
			if err := s.writer.WriteSample(s.track, data, info); err != nil {
				s.encoder.ReleaseOutputBuffer(idx, false)
				return false, fmt.Errorf("write audio sample: %w", err)
			}
			s.progress.audio(info.PresentationTimeUs)
		}

		if err := s.encoder.ReleaseOutputBuffer(idx, false); err != nil {
			return false, fmt.Errorf("release audio encoder output: %w", err)
		}
		if eos {
			return true, nil
		}
	}
}

func (s *audioStage) release() {
	var steps []releaseStep
	if s.decoder != nil {
		steps = append(steps, stopAndRelease("audio decoder", s.decoder, s.decoderStarted)...)
	}
	if s.encoder != nil {
		steps = append(steps, stopAndRelease("audio encoder", s.encoder, s.encoderStarted)...)
	}
	if s.extractor != nil {
		steps = append(steps, releaseStep{"audio extractor", s.extractor.Close})
	}
	releaseAll(s.logger, steps...)
}
