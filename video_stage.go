package vcompress

import (
	"errors"
	"fmt"
)

const (
	defaultFrameRate       = 30
	videoIFrameIntervalSec = 1
)

// videoStage decodes the video track, relays every frame through the GPU
// onto the encoder's input surface and writes the encoded output.
type videoStage struct {
	stageEnv
	trackIndex int
	source     *Format

	// Planned output size.
	width  int
	height int

	extractor Extractor
	decoder   Codec
	encoder   Codec
	input     Surface
	relay     *FrameRelay
	frames    *frameSignal

	decoderStarted bool
	encoderStarted bool

	inputDone   bool
	decoderDone bool
	track       int
	guard       timestampGuard
}

func newVideoStage(env stageEnv, trackIndex int, source *Format) *videoStage {
	w, h := PlanDimensions(source.Width, source.Height, source.Rotation, env.opts.MaxWidth, env.opts.MaxHeight)
	return &videoStage{
		stageEnv:   env,
		trackIndex: trackIndex,
		source:     source,
		width:      w,
		height:     h,
		track:      -1,
		guard:      newTimestampGuard(),
	}
}

// run transcodes the whole track and returns the writer track handle. Every
// hardware handle the stage created is released before it returns.
func (s *videoStage) run() (track int, err error) {
	defer s.release()

	if err := s.setup(); err != nil {
		return -1, err
	}
	s.logger.Debug("video stage started", "source", s.source.String(), "width", s.width, "height", s.height)

	for {
		if s.cancelled() {
			return -1, ErrCancelled
		}

		if !s.inputDone {
			if s.inputDone, err = feedDecoder(s.decoder, s.extractor, s.dequeueTimeout); err != nil {
				return -1, err
			}
		}
		if !s.decoderDone {
			if err := s.drainDecoder(); err != nil {
				return -1, err
			}
		}
		done, err := s.drainEncoder()
		if err != nil {
			return -1, err
		}
		if done {
			break
		}
	}

	if s.track < 0 {
		return -1, errors.New("video encoder finished without an output format")
	}
	return s.track, nil
}

func (s *videoStage) setup() error {
	var err error
	if s.extractor, err = openTrack(s.device, s.path, s.trackIndex); err != nil {
		return err
	}

	if s.encoder, err = s.device.NewEncoder(outputVideoCodec.MimeType()); err != nil {
		return fmt.Errorf("video encoder: %w", err)
	}
	frameRate := s.source.FrameRate
	if frameRate <= 0 {
		frameRate = defaultFrameRate
	}
	encFormat := &Format{
		MIME:           outputVideoCodec.MimeType(),
		Width:          s.width,
		Height:         s.height,
		ColorFormat:    ColorFormatSurface,
		BitRate:        s.opts.VideoBitrate,
		FrameRate:      frameRate,
		IFrameInterval: videoIFrameIntervalSec,
	}
	if err := s.encoder.Configure(encFormat, nil, true); err != nil {
		return fmt.Errorf("configure video encoder: %w", err)
	}
	if s.input, err = s.encoder.CreateInputSurface(); err != nil {
		return fmt.Errorf("create encoder input surface: %w", err)
	}

	gpu, err := s.device.NewGPU()
	if err != nil {
		return fmt.Errorf("gpu: %w", err)
	}
	if s.relay, err = NewFrameRelay(gpu, s.input, s.width, s.height, s.source, s.logger.Named("relay")); err != nil {
		return err
	}
	s.frames = newFrameSignal()
	s.relay.Source().SetOnFrameAvailable(s.frames.notify)

	if err := s.encoder.Start(); err != nil {
		return fmt.Errorf("start video encoder: %w", err)
	}
	s.encoderStarted = true

	if s.decoder, err = s.device.NewDecoder(s.source.MIME); err != nil {
		return fmt.Errorf("video decoder: %w", err)
	}
	if err := s.decoder.Configure(s.source, s.relay.Source().Window(), false); err != nil {
		return fmt.Errorf("configure video decoder: %w", err)
	}
	if err := s.decoder.Start(); err != nil {
		return fmt.Errorf("start video decoder: %w", err)
	}
	s.decoderStarted = true
	return nil
}

// drainDecoder renders at most one decoded frame onto the encoder surface,
// leaving the encoder a chance to drain between frames. Zero-size buffers
// are released without rendering. The decoder's end-of-stream marker is
// forwarded to the encoder after any frame it carries.
func (s *videoStage) drainDecoder() error {
	for {
		idx, info, err := s.decoder.DequeueOutputBuffer(s.dequeueTimeout)
		if err != nil {
			return fmt.Errorf("dequeue decoder output: %w", err)
		}
		switch idx {
		case InfoTryAgainLater:
			return nil
		case InfoOutputFormatChanged:
			if f, err := s.decoder.OutputFormat(); err == nil {
				s.logger.Debug("decoder output format changed", "format", f.String())
			}
			continue
		case InfoOutputBuffersChanged:
			continue
		}
		if idx < 0 {
			return fmt.Errorf("unexpected decoder output index %d", idx)
		}

		// Empty buffers never reach the window, so there is no frame to wait
		// for. The end-of-stream buffer may still carry the last frame.
		eos := info.Flags.Has(BufferFlagEndOfStream)
		render := info.Size > 0
		if err := s.decoder.ReleaseOutputBuffer(idx, render); err != nil {
			return fmt.Errorf("release decoder output: %w", err)
		}
		if render {
			if err := s.frames.wait(s.frameTimeout); err != nil {
				return err
			}
			if err := s.relay.DrawFrame(s.relay.Source(), info.PresentationTimeUs*1000); err != nil {
				return err
			}
		}
		if eos {
			if err := s.encoder.SignalEndOfInputStream(); err != nil {
				return fmt.Errorf("signal encoder end of stream: %w", err)
			}
			s.decoderDone = true
		}
		return nil
	}
}

// drainEncoder writes every available encoded buffer. It reports done once
// the encoder emits its end-of-stream buffer.
func (s *videoStage) drainEncoder() (bool, error) {
	for {
		idx, info, err := s.encoder.DequeueOutputBuffer(s.dequeueTimeout)
		if err != nil {
			return false, fmt.Errorf("dequeue encoder output: %w", err)
		}
		switch idx {
		case InfoTryAgainLater:
			return false, nil
		case InfoOutputFormatChanged:
			if s.track >= 0 {
				return false, errors.New("video encoder output format changed twice")
			}
			f, err := s.encoder.OutputFormat()
			if err != nil {
				return false, fmt.Errorf("video encoder output format: %w", err)
			}
			if s.track, err = s.writer.DeclareTrack(f); err != nil {
				return false, err
			}
			continue
		case InfoOutputBuffersChanged:
			continue
		}
		if idx < 0 {
			return false, fmt.Errorf("unexpected encoder output index %d", idx)
		}

		data, err := s.encoder.OutputBuffer(idx)
		if err != nil {
			return false, fmt.Errorf("encoder output buffer %d: %w", idx, err)
		}
		if info.Flags.Has(BufferFlagCodecConfig) {
			// Codec data already travels with the declared format.
			info.Size = 0
		}

		eos := info.Flags.Has(BufferFlagEndOfStream)
		if !eos && info.Size > 0 && s.track >= 0 && s.guard.admit(info.PresentationTimeUs) {
			if err := s.writer.WriteSample(s.track, data, info); err != nil {
				s.encoder.ReleaseOutputBuffer(idx, false)
				return false, fmt.Errorf("write video sample: %w", err)
			}
			s.progress.video(info.PresentationTimeUs)
		} else if info.Size > 0 {
			s.logger.Trace("video buffer dropped", "pts", info.PresentationTimeUs, "eos", eos, "last", s.guard.last)
		}

		if err := s.encoder.ReleaseOutputBuffer(idx, false); err != nil {
			return false, fmt.Errorf("release encoder output: %w", err)
		}
		if eos {
			return true, nil
		}
	}
}

func (s *videoStage) release() {
	var steps []releaseStep
	if s.decoder != nil {
		steps = append(steps, stopAndRelease("video decoder", s.decoder, s.decoderStarted)...)
	}
	if s.encoder != nil {
		steps = append(steps, stopAndRelease("video encoder", s.encoder, s.encoderStarted)...)
	}
	if s.relay != nil {
		steps = append(steps, releaseStep{"gpu relay", func() error { s.relay.Release(); return nil }})
	}
	if s.input != nil {
		steps = append(steps, releaseStep{"encoder input surface", s.input.Release})
	}
	if s.extractor != nil {
		steps = append(steps, releaseStep{"video extractor", s.extractor.Close})
	}
	releaseAll(s.logger, steps...)
}
