package vcompress

import (
	"math"
	"time"
)

// Phase ranges of the overall [0, 1] progress.
const (
	videoPhaseEnd   = 0.85
	audioPhaseShare = 1 - videoPhaseEnd
)

// progressTracker turns stage timestamps into a throttled, non-decreasing
// progress value for one call.
type progressTracker struct {
	sink       func(float64)
	durationUs int64
	interval   time.Duration
	now        func() time.Time

	last       float64
	lastReport time.Time
	reported   bool
}

func newProgressTracker(sink func(float64), durationUs int64, interval time.Duration) *progressTracker {
	return &progressTracker{
		sink:       sink,
		durationUs: durationUs,
		interval:   interval,
		now:        time.Now,
	}
}

// fraction returns min(timestampUs/duration, 1), or 0 when the duration is
// unknown.
func (p *progressTracker) fraction(timestampUs int64) float64 {
	if p.durationUs <= 0 || timestampUs <= 0 {
		return 0
	}
	return math.Min(float64(timestampUs)/float64(p.durationUs), 1)
}

// video reports progress within the video phase, throttled.
func (p *progressTracker) video(timestampUs int64) {
	p.throttled(p.fraction(timestampUs) * videoPhaseEnd)
}

// audio reports progress within the audio phase, throttled.
func (p *progressTracker) audio(timestampUs int64) {
	p.throttled(videoPhaseEnd + p.fraction(timestampUs)*audioPhaseShare)
}

// complete forces the final value.
func (p *progressTracker) complete() {
	p.emit(1)
}

func (p *progressTracker) throttled(v float64) {
	now := p.now()
	if p.reported && now.Sub(p.lastReport) < p.interval {
		return
	}
	p.lastReport = now
	p.emit(v)
}

func (p *progressTracker) emit(v float64) {
	if v < p.last {
		v = p.last
	}
	if v > 1 {
		v = 1
	}
	p.last = v
	p.reported = true
	if p.sink != nil {
		p.sink(v)
	}
}
