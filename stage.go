package vcompress

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/hashicorp/go-hclog"
)

// stageEnv is what the orchestrator hands each stage. Nothing in it owns a
// hardware handle; stages create and release their own.
type stageEnv struct {
	device         Device
	path           string
	opts           Options
	writer         *DeferredWriter
	progress       *progressTracker
	cancelled      func() bool
	dequeueTimeout time.Duration
	frameTimeout   time.Duration
	logger         hclog.Logger
}

// timestampGuard admits strictly increasing timestamps only. Some encoders
// emit duplicate or decreasing timestamps (notably an end-of-stream buffer
// with data and a zero timestamp); the container requires strictly
// increasing sample times per track.
type timestampGuard struct {
	last int64
}

func newTimestampGuard() timestampGuard {
	return timestampGuard{last: math.MinInt64}
}

// admit reports whether ts may be written, and records it if so.
func (g *timestampGuard) admit(ts int64) bool {
	if ts <= g.last {
		return false
	}
	g.last = ts
	return true
}

// frameSignal hands a frame-available notification from a platform callback
// thread to the driving loop.
type frameSignal struct {
	ch chan struct{}
}

func newFrameSignal() *frameSignal {
	return &frameSignal{ch: make(chan struct{}, 1)}
}

func (s *frameSignal) notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// wait blocks until a notification arrives. It fails with ErrFrameTimeout
// after timeout so a stuck device cannot hang the pipeline.
func (s *frameSignal) wait(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.ch:
		return nil
	case <-t.C:
		return fmt.Errorf("%w after %s", ErrFrameTimeout, timeout)
	}
}

// feedDecoder hands compressed samples from ex to dec while it has free
// input slots. At the end of the track it queues end-of-stream instead and
// reports done.
func feedDecoder(dec Codec, ex Extractor, timeout time.Duration) (done bool, err error) {
	for {
		idx, err := dec.DequeueInputBuffer(timeout)
		if err != nil {
			return false, fmt.Errorf("dequeue decoder input: %w", err)
		}
		if idx < 0 {
			return false, nil
		}
		buf, err := dec.InputBuffer(idx)
		if err != nil {
			return false, fmt.Errorf("decoder input buffer %d: %w", idx, err)
		}

		n, err := ex.ReadSampleData(buf)
		if errors.Is(err, io.EOF) {
			if err := dec.QueueInputBuffer(idx, 0, 0, BufferFlagEndOfStream); err != nil {
				return false, fmt.Errorf("queue decoder end of stream: %w", err)
			}
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("read sample: %w", err)
		}

		if err := dec.QueueInputBuffer(idx, n, ex.SampleTime(), 0); err != nil {
			return false, fmt.Errorf("queue decoder input: %w", err)
		}
		ex.Advance()
	}
}

// openTrack opens path and selects track index.
func openTrack(device Device, path string, index int) (Extractor, error) {
	ex, err := device.OpenExtractor(path)
	if err != nil {
		return nil, fmt.Errorf("open extractor: %w", err)
	}
	if err := ex.SelectTrack(index); err != nil {
		ex.Close()
		return nil, fmt.Errorf("select track %d: %w", index, err)
	}
	return ex, nil
}

func stopAndRelease(name string, c Codec, started bool) []releaseStep {
	var steps []releaseStep
	if started {
		steps = append(steps, releaseStep{name + " stop", c.Stop})
	}
	return append(steps, releaseStep{name + " release", c.Release})
}
