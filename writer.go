package vcompress

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// pendingSample is a sample submitted before the muxer was started. It owns
// a copy of the payload.
type pendingSample struct {
	track int
	data  []byte
	info  BufferInfo
}

// DeferredWriter wraps a Muxer that forbids adding tracks after Start. It
// forwards track declarations immediately, holds samples back until every
// expected track is declared, then starts the muxer and replays them in
// submission order.
//
// The video track is declared mid video phase and the audio track only when
// the audio phase begins, so without deferral the muxer would start with a
// single track and reject the second.
type DeferredWriter struct {
	muxer    Muxer
	expected int
	declared int
	started  bool
	pending  []pendingSample
	tracks   map[int]bool
	logger   hclog.Logger
}

// NewDeferredWriter returns a writer that starts muxer once expectedTracks
// tracks are declared.
func NewDeferredWriter(muxer Muxer, expectedTracks int, logger hclog.Logger) *DeferredWriter {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &DeferredWriter{
		muxer:    muxer,
		expected: expectedTracks,
		tracks:   make(map[int]bool, expectedTracks),
		logger:   logger,
	}
}

// DeclareTrack adds a track to the muxer and returns its handle. Declaring
// the last expected track starts the muxer and flushes pending samples.
func (w *DeferredWriter) DeclareTrack(format *Format) (int, error) {
	if w.started {
		return -1, fmt.Errorf("declare %s: %w", format.MIME, ErrMuxerStarted)
	}
	track, err := w.muxer.AddTrack(format)
	if err != nil {
		return -1, fmt.Errorf("add track %s: %w", format.MIME, err)
	}
	w.tracks[track] = true
	w.declared++
	w.logger.Debug("track declared", "track", track, "format", format.String(), "declared", w.declared, "expected", w.expected)

	if w.declared == w.expected {
		if err := w.start(); err != nil {
			return -1, err
		}
	}
	return track, nil
}

func (w *DeferredWriter) start() error {
	if err := w.muxer.Start(); err != nil {
		return fmt.Errorf("start muxer: %w", err)
	}
	w.started = true

	pending := w.pending
	w.pending = nil
	for _, s := range pending {
		if err := w.muxer.WriteSampleData(s.track, s.data, s.info); err != nil {
			return fmt.Errorf("flush pending sample on track %d: %w", s.track, err)
		}
	}
	w.logger.Debug("muxer started", "flushed", len(pending))
	return nil
}

// WriteSample writes data for track. Before the muxer starts the payload is
// copied and queued.
func (w *DeferredWriter) WriteSample(track int, data []byte, info BufferInfo) error {
	if !w.tracks[track] {
		return fmt.Errorf("write to track %d: %w", track, ErrUnknownTrackHandle)
	}
	if w.started {
		return w.muxer.WriteSampleData(track, data, info)
	}

	payload := make([]byte, info.Size)
	copy(payload, data[info.Offset:info.Offset+info.Size])
	info.Offset = 0
	w.pending = append(w.pending, pendingSample{track: track, data: payload, info: info})
	return nil
}

// Started reports whether the muxer has been started.
func (w *DeferredWriter) Started() bool { return w.started }

// Pending returns how many samples are waiting for the muxer to start.
func (w *DeferredWriter) Pending() int { return len(w.pending) }

// Finish stops the muxer. When it never started (a stage aborted before
// declaring every track) Finish does nothing; the caller discards the
// output file in that case.
func (w *DeferredWriter) Finish() error {
	if !w.started {
		w.logger.Warn("finish without start, nothing written", "declared", w.declared, "expected", w.expected, "pending", len(w.pending))
		return nil
	}
	if err := w.muxer.Stop(); err != nil {
		return fmt.Errorf("stop muxer: %w", err)
	}
	return nil
}

// Release frees the muxer. Errors are logged and swallowed: after an
// upstream codec failure the muxer is often in a state where release fails.
func (w *DeferredWriter) Release() {
	w.pending = nil
	releaseAll(w.logger, releaseStep{"muxer", w.muxer.Release})
}
