package vcompress

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v4/disk"
)

// State is the phase a compression call is in.
type State int

const (
	StateIdle       State = iota // Not started
	StateProbing                 // Resolving and inspecting the input
	StateVideoPhase              // Transcoding the video track
	StateAudioPhase              // Copying or transcoding the audio track
	StateFinalizing              // Closing and inspecting the output
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateVideoPhase:
		return "video"
	case StateAudioPhase:
		return "audio"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result describes a finished output file.
type Result struct {
	OutputPath     string
	InputPath      string
	OriginalSize   int64
	CompressedSize int64
	Duration       time.Duration
	Width          int
	Height         int
}

// Ratio returns CompressedSize/OriginalSize, or 0 for an empty original.
func (r *Result) Ratio() float64 {
	if r.OriginalSize <= 0 {
		return 0
	}
	return float64(r.CompressedSize) / float64(r.OriginalSize)
}

// Request is one compression job as submitted by a caller.
type Request struct {
	// Input is a file path, a file:// URI, or a locator understood by
	// Config.Resolver.
	Input string

	// Preset names a quality row; empty uses Config.DefaultPreset.
	Preset    Preset
	Overrides Overrides

	// DeleteOriginal removes the input after a successful call.
	DeleteOriginal bool

	// OnProgress replaces the compressor's progress handler for this call.
	OnProgress func(float64)
}

// Compressor runs compression calls against one Device. It is safe for
// concurrent use; each call runs on the caller's goroutine.
type Compressor struct {
	device Device
	cfg    Config
	logger hclog.Logger

	mu       sync.Mutex
	progress func(float64)
	running  map[uint64]context.CancelFunc
	nextID   uint64
}

// New returns a Compressor for device. A nil device selects NewDevice().
func New(device Device, cfg Config) (*Compressor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if device == nil {
		device = NewDevice()
	}
	return &Compressor{
		device:  device,
		cfg:     cfg,
		logger:  cfg.logger(),
		running: make(map[uint64]context.CancelFunc),
	}, nil
}

// SetProgressHandler installs the progress sink used by calls started
// afterwards. Values are in [0, 1], non-decreasing, and end at 1 on success.
func (c *Compressor) SetProgressHandler(fn func(float64)) {
	c.mu.Lock()
	c.progress = fn
	c.mu.Unlock()
}

// Cancel asks every call running at this moment to stop. Calls observe it at
// their next loop iteration and return an error of KindCancelled. Calls
// started afterwards are unaffected. Cancel is idempotent and does nothing
// when no call is running. To stop one of several concurrent calls, start it
// with Start and use Call.Cancel.
func (c *Compressor) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.running {
		cancel()
	}
	if len(c.running) > 0 {
		c.logger.Info("cancel requested", "calls", len(c.running))
	}
}

func (c *Compressor) register(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.running[id] = cancel
	c.mu.Unlock()
	return ctx, func() {
		c.mu.Lock()
		delete(c.running, id)
		c.mu.Unlock()
		cancel()
	}
}

// Call is a compression started by Start.
type Call struct {
	cancel context.CancelFunc
	done   chan struct{}
	res    *Result
	err    error
}

// Start runs req on a new goroutine and returns its handle.
func (c *Compressor) Start(ctx context.Context, req Request) *Call {
	ctx, cancel := context.WithCancel(ctx)
	call := &Call{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(call.done)
		defer cancel()
		call.res, call.err = c.CompressRequest(ctx, req)
	}()
	return call
}

// Cancel stops this call only. It is idempotent and does nothing once the
// call has returned.
func (k *Call) Cancel() {
	k.cancel()
}

// Done is closed when the call has returned.
func (k *Call) Done() <-chan struct{} {
	return k.done
}

// Wait blocks until the call returns and reports its outcome.
func (k *Call) Wait() (*Result, error) {
	<-k.done
	return k.res, k.err
}

// CompressRequest resolves the request's preset and overrides and runs it.
func (c *Compressor) CompressRequest(ctx context.Context, req Request) (*Result, error) {
	preset := req.Preset
	if preset == "" {
		preset = c.cfg.DefaultPreset
	}
	opts, err := ResolveOptions(preset, req.Overrides, c.cfg.Presets)
	if err != nil {
		return nil, &Error{Kind: KindCompressionFailed, Op: "options", Err: err}
	}

	res, err := c.compress(ctx, req.Input, opts, req.OnProgress)
	if err != nil {
		return nil, err
	}
	if req.DeleteOriginal {
		if err := os.Remove(res.InputPath); err != nil {
			c.logger.Warn("delete original failed", "path", res.InputPath, "error", err)
		}
	}
	return res, nil
}

// Compress transcodes input into a new MP4 file in the cache directory. On
// any error the output file does not exist when Compress returns, and the
// error is an *Error of one of the four kinds.
func (c *Compressor) Compress(ctx context.Context, input string, opts Options) (*Result, error) {
	return c.compress(ctx, input, opts, nil)
}

func (c *Compressor) compress(ctx context.Context, input string, opts Options, sink func(float64)) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, &Error{Kind: KindCompressionFailed, Op: "options", Err: err}
	}
	if sink == nil {
		c.mu.Lock()
		sink = c.progress
		c.mu.Unlock()
	}

	ctx, done := c.register(ctx)
	defer done()

	call := &compression{
		c:      c,
		ctx:    ctx,
		input:  input,
		opts:   opts,
		sink:   sink,
		logger: c.logger.With("input", input),
	}
	start := time.Now()
	res, err := call.run()
	elapsed := time.Since(start)

	outcome := StateCompleted.String()
	if err != nil {
		outcome = KindOf(err).String()
	}
	c.cfg.Metrics.observe(outcome, elapsed, res)
	return res, err
}

// compression is the state of one call.
type compression struct {
	c      *Compressor
	ctx    context.Context
	input  string
	opts   Options
	sink   func(float64)
	logger hclog.Logger

	state      State
	path       string
	output     string
	durationUs int64
	videoTrack int
	video      *Format
	audioTrack int
	audio      *Format

	writer   *DeferredWriter
	released bool
	planW    int
	planH    int
}

func (k *compression) cancelled() bool {
	return k.ctx.Err() != nil
}

func (k *compression) setState(s State) {
	k.logger.Debug("state", "from", k.state.String(), "to", s.String())
	k.state = s
}

func (k *compression) run() (res *Result, err error) {
	defer func() {
		if err == nil {
			k.setState(StateCompleted)
			return
		}
		e := classify(k.state.String(), err, k.cancelled())
		if e.Kind == KindCancelled {
			k.setState(StateCancelled)
		} else {
			k.setState(StateFailed)
		}
		k.releaseWriter()
		k.discardOutput()
		k.logger.Info("compression did not complete", "outcome", e.Kind.String(), "error", e.Err)
		res, err = nil, e
	}()

	k.setState(StateProbing)
	if err := k.probe(); err != nil {
		return nil, err
	}
	if err := k.prepareOutput(); err != nil {
		return nil, err
	}

	progress := newProgressTracker(k.sink, k.durationUs, k.c.cfg.ProgressInterval)
	env := stageEnv{
		device:         k.c.device,
		path:           k.path,
		opts:           k.opts,
		writer:         k.writer,
		progress:       progress,
		cancelled:      k.cancelled,
		dequeueTimeout: k.c.cfg.DequeueTimeout,
		frameTimeout:   k.c.cfg.FrameTimeout,
	}

	if k.cancelled() {
		return nil, ErrCancelled
	}
	k.setState(StateVideoPhase)
	env.logger = k.logger.Named("video")
	vs := newVideoStage(env, k.videoTrack, k.video)
	k.planW, k.planH = vs.width, vs.height
	if _, err := vs.run(); err != nil {
		return nil, err
	}

	if k.cancelled() {
		return nil, ErrCancelled
	}
	if k.audio != nil {
		k.setState(StateAudioPhase)
		env.logger = k.logger.Named("audio")
		if _, err := newAudioStage(env, k.audioTrack, k.audio).run(); err != nil {
			return nil, err
		}
	} else {
		progress.complete()
	}

	if k.cancelled() {
		return nil, ErrCancelled
	}
	k.setState(StateFinalizing)
	return k.finalize()
}

func (k *compression) probe() error {
	path, err := k.c.resolve(k.input)
	if err != nil {
		return err
	}
	st, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if st.IsDir() {
		return fmt.Errorf("%s is a directory: %w", path, ErrNotFound)
	}
	k.path = path

	ex, err := k.c.device.OpenExtractor(path)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer releaseAll(k.logger, releaseStep{"probe extractor", ex.Close})

	k.videoTrack, k.audioTrack = -1, -1
	for i := 0; i < ex.TrackCount(); i++ {
		f, err := ex.TrackFormat(i)
		if err != nil {
			return fmt.Errorf("track %d format: %w", i, err)
		}
		switch {
		case f.IsVideo() && k.video == nil:
			k.videoTrack, k.video = i, f
		case f.IsAudio() && k.audio == nil:
			k.audioTrack, k.audio = i, f
		}
		k.durationUs = max(k.durationUs, f.DurationUs)
	}
	if k.video == nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedFormat, ErrNoVideoTrack)
	}

	audioCodec := "none"
	if k.audio != nil {
		audioCodec = AudioCodecFromMIME(k.audio.MIME).String()
	}
	k.logger.Debug("probed input",
		"video", k.video.String(),
		"video_codec", VideoCodecFromMIME(k.video.MIME).String(),
		"audio_codec", audioCodec,
		"duration_us", k.durationUs)
	return nil
}

// resolve maps a locator to an absolute readable path.
func (c *Compressor) resolve(locator string) (string, error) {
	if locator == "" {
		return "", fmt.Errorf("empty locator: %w", ErrNotFound)
	}
	u, err := url.Parse(locator)
	switch {
	case err == nil && u.Scheme == "file":
		return filepath.Clean(u.Path), nil
	case err == nil && len(u.Scheme) > 1 && !filepath.IsAbs(locator):
		if c.cfg.Resolver == nil {
			return "", fmt.Errorf("no resolver for %s locators: %w", u.Scheme, ErrNotFound)
		}
		path, err := c.cfg.Resolver(locator)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w: %w", locator, ErrNotFound, err)
		}
		return path, nil
	}
	path, err := filepath.Abs(locator)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return path, nil
}

// prepareOutput checks free space, picks the output name and opens the
// writer.
func (k *compression) prepareOutput() error {
	dir := k.c.cfg.CacheDir
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	need := max(k.c.cfg.MinFreeBytes, estimateOutputBytes(k.durationUs, k.opts))
	usage, err := disk.Usage(dir)
	if err != nil {
		k.logger.Warn("free space check skipped", "dir", dir, "error", err)
	} else if usage.Free < need {
		return fmt.Errorf("%w: %d bytes free, %d needed", ErrInsufficientSpace, usage.Free, need)
	}

	k.output = filepath.Join(dir, "compressed-"+uuid.NewString()+".mp4")
	muxer, err := k.c.device.NewMuxer(k.output)
	if err != nil {
		return fmt.Errorf("create muxer: %w", err)
	}
	expected := 1
	if k.audio != nil {
		expected = 2
	}
	k.writer = NewDeferredWriter(muxer, expected, k.logger.Named("writer"))
	return nil
}

// estimateOutputBytes is the output size at the target bitrates plus 10%.
func estimateOutputBytes(durationUs int64, opts Options) uint64 {
	if durationUs <= 0 {
		return 0
	}
	bits := float64(durationUs) / 1e6 * float64(opts.VideoBitrate+opts.AudioBitrate)
	return uint64(bits / 8 * 1.1)
}

func (k *compression) finalize() (*Result, error) {
	if err := k.writer.Finish(); err != nil {
		return nil, err
	}
	if !k.writer.Started() {
		return nil, errors.New("no track was written")
	}
	k.releaseWriter()

	in, err := os.Stat(k.path)
	if err != nil {
		return nil, fmt.Errorf("stat input: %w", err)
	}
	out, err := os.Stat(k.output)
	if err != nil {
		return nil, fmt.Errorf("stat output: %w", err)
	}

	res := &Result{
		OutputPath:     k.output,
		InputPath:      k.path,
		OriginalSize:   in.Size(),
		CompressedSize: out.Size(),
		Duration:       time.Duration(k.durationUs) * time.Microsecond,
		Width:          k.planW,
		Height:         k.planH,
	}
	if info, err := ProbeFile(k.output); err != nil {
		k.logger.Warn("probe output failed, using planned geometry", "error", err)
	} else {
		if info.Width > 0 && info.Height > 0 {
			res.Width, res.Height = info.Width, info.Height
		}
		if info.Duration > 0 {
			res.Duration = info.Duration
		}
	}

	k.logger.Info("compression completed", "output", res.OutputPath, "width", res.Width, "height", res.Height,
		"original", res.OriginalSize, "compressed", res.CompressedSize)
	return res, nil
}

func (k *compression) releaseWriter() {
	if k.writer == nil || k.released {
		return
	}
	k.released = true
	k.writer.Release()
}

func (k *compression) discardOutput() {
	if k.output == "" {
		return
	}
	if err := os.Remove(k.output); err != nil && !errors.Is(err, fs.ErrNotExist) {
		k.logger.Warn("remove partial output failed", "path", k.output, "error", err)
	}
}
