package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/atotto/clipboard"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/petems/loopcap/internal/capture"
	"github.com/petems/loopcap/internal/config"
	"github.com/petems/loopcap/internal/pcm"
	"github.com/petems/loopcap/internal/status"
	"github.com/petems/loopcap/internal/writer"
)

// tailSlack is extra single-shot buffer room so the last device period
// still fits after the requested duration.
const tailSlack = 500 * time.Millisecond

// finalDrainAttempts bounds the retries of the drain that follows Stop.
const finalDrainAttempts = 3

// Engine is the capture engine surface the app drives.
type Engine interface {
	ID() string
	Initialize(ctx context.Context, targetLatency time.Duration) error
	MixFormat() pcm.Format
	Start(storage []byte) error
	Stop()
	Shutdown()
	BytesCaptured() int
	Drain(w io.Writer) (int64, error)
	Err() error
	Health() error
	Stats() capture.Stats
}

// Sink is an output file.
type Sink interface {
	io.Writer
	Close() error
	Path() string
	Bytes() int64
}

// SinkFactory creates the output file for a negotiated format.
type SinkFactory func(path string, c writer.Container, format pcm.Format) (Sink, error)

// CreateFile is the SinkFactory backed by the writer package.
func CreateFile(path string, c writer.Container, format pcm.Format) (Sink, error) {
	return writer.Create(path, c, format)
}

type Config struct {
	Engine Engine
	Config *config.Config
	Logger zerolog.Logger
	Status *status.Reporter // Optional - nil discards records
	Source string

	CreateSink SinkFactory        // Optional - defaults to CreateFile
	Overruns   func() uint64      // Optional - device queue drops
	Clipboard  func(string) error // Optional - defaults to the system clipboard
	Now        func() time.Time   // Optional - defaults to time.Now
	Progress   time.Duration      // Optional - progress log period, defaults to 1s
}

type App struct {
	engine     Engine
	cfg        *config.Config
	log        zerolog.Logger
	status     *status.Reporter
	source     string
	createSink SinkFactory
	overruns   func() uint64
	clipboard  func(string) error
	now        func() time.Time
	progress   time.Duration
}

func New(cfg Config) *App {
	a := &App{
		engine:     cfg.Engine,
		cfg:        cfg.Config,
		log:        cfg.Logger.With().Str("session", cfg.Engine.ID()).Logger(),
		status:     cfg.Status,
		source:     cfg.Source,
		createSink: cfg.CreateSink,
		overruns:   cfg.Overruns,
		clipboard:  cfg.Clipboard,
		now:        cfg.Now,
		progress:   cfg.Progress,
	}
	if a.status == nil {
		a.status = status.Nop()
	}
	if a.createSink == nil {
		a.createSink = CreateFile
	}
	if a.clipboard == nil {
		a.clipboard = clipboard.WriteAll
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.progress <= 0 {
		a.progress = time.Second
	}
	return a
}

// Result describes the saved capture.
type Result struct {
	Path   string
	Bytes  int64
	Drains int
}

// Run captures according to the configured mode and saves the result. The
// engine is shut down exactly once before Run returns. Cancelling ctx ends
// the capture early; what was captured is still saved.
func (a *App) Run(ctx context.Context) (res Result, err error) {
	defer a.engine.Shutdown()

	mode := a.cfg.Mode()
	started := a.now()
	defer func() {
		stats := a.engine.Stats()
		summary := status.Summary{
			Session:  a.engine.ID(),
			Mode:     string(mode),
			Path:     res.Path,
			Bytes:    res.Bytes,
			Duration: a.now().Sub(started),
			Drains:   res.Drains,
			Dropped:  stats.Dropped,
			Stalled:  stats.Stalled,
			Err:      err,
		}
		if a.overruns != nil {
			summary.Overruns = a.overruns()
		}
		a.status.Summary(summary)
	}()

	container, err := writer.ParseContainer(a.cfg.Output.Format)
	if err != nil {
		return res, err
	}

	if err := a.engine.Initialize(ctx, a.cfg.Latency()); err != nil {
		return res, fmt.Errorf("initialize capture: %w", err)
	}
	format := a.engine.MixFormat()
	a.status.Format(a.engine.ID(), a.source, format, a.cfg.Latency())

	path := a.outputPath(container)
	switch mode {
	case config.ModeStream:
		res, err = a.runStream(ctx, path, container, format)
	default:
		res, err = a.runSingle(ctx, path, container, format)
	}

	if res.Path != "" && a.cfg.Output.CopyPath {
		if cerr := a.clipboard(res.Path); cerr != nil {
			a.log.Warn().Err(cerr).Msg("Failed to copy output path to clipboard")
		} else {
			a.log.Info().Str("path", res.Path).Msg("Output path copied to clipboard")
		}
	}
	return res, err
}

func (a *App) outputPath(c writer.Container) string {
	if a.cfg.Output.Path != "" {
		return a.cfg.Output.Path
	}
	return writer.OutputPath(a.cfg.Output.Dir, a.cfg.Output.Prefix, a.now(), c)
}

// runSingle captures for the configured duration into one buffer and
// writes it out after the device has stopped.
func (a *App) runSingle(ctx context.Context, path string, c writer.Container, format pcm.Format) (Result, error) {
	duration := a.cfg.Duration()
	if duration <= 0 {
		return Result{}, errors.New("single-shot capture needs a positive duration")
	}

	storage := make([]byte, format.BytesFor(duration+tailSlack))
	if err := a.engine.Start(storage); err != nil {
		return Result{}, fmt.Errorf("start capture: %w", err)
	}
	a.log.Info().
		Dur("duration", duration).
		Int("buffer_bytes", len(storage)).
		Msg("Starting audio capture")

	a.waitSingle(ctx, duration)
	a.engine.Stop()
	captureErr := a.engine.Err()

	a.log.Info().Int("bytes", a.engine.BytesCaptured()).Msg("Audio capture completed")

	sink, err := a.createSink(path, c, format)
	if err != nil {
		return Result{}, err
	}
	res := Result{Path: path}
	if _, err := a.drainFinal(sink); err != nil {
		sink.Close()
		return res, err
	}
	res.Drains = 1
	res.Bytes = sink.Bytes()
	if err := sink.Close(); err != nil {
		return res, err
	}

	a.log.Info().Str("path", path).Int64("bytes", res.Bytes).Msg("Saved capture")
	return res, captureErr
}

// waitSingle blocks until duration has elapsed, ctx is done or capture
// failed, logging progress along the way.
func (a *App) waitSingle(ctx context.Context, duration time.Duration) {
	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	ticker := time.NewTicker(a.progress)
	defer ticker.Stop()

	total := int(duration / a.progress)
	for tick := 1; ; tick++ {
		select {
		case <-ctx.Done():
			a.log.Warn().Msg("Capture interrupted, saving what was captured")
			return
		case <-deadline.C:
			return
		case <-ticker.C:
			if err := a.engine.Err(); err != nil {
				a.log.Error().Err(err).Msg("Capture failed, saving what was captured")
				return
			}
			if err := a.engine.Health(); err != nil {
				a.log.Warn().Err(err).Msg("No audio from device")
			}
			a.log.Info().Msgf("Capturing: %d/%d", min(tick, total), total)
		}
	}
}

// runStream drains the buffer into the output file every interval until
// ctx is done, the optional duration elapses or capture fails.
func (a *App) runStream(ctx context.Context, path string, c writer.Container, format pcm.Format) (Result, error) {
	interval := a.cfg.Interval()
	capacity := int(float64(format.BytesFor(interval)) * a.cfg.Headroom)
	frame := format.FrameSize()
	capacity = max(capacity-capacity%frame, frame)

	sink, err := a.createSink(path, c, format)
	if err != nil {
		return Result{}, err
	}
	res := Result{Path: path}

	if err := a.engine.Start(make([]byte, capacity)); err != nil {
		sink.Close()
		return res, fmt.Errorf("start capture: %w", err)
	}
	a.log.Info().
		Dur("interval", interval).
		Int("buffer_bytes", capacity).
		Str("path", path).
		Msg("Streaming audio capture to disk")

	runCtx := ctx
	if d := a.cfg.Duration(); d > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	drainer := &streamDrainer{app: a, sink: sink, interval: interval}
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return drainer.loop(gctx) })
	g.Go(func() error { return a.progressLoop(gctx, sink) })
	loopErr := g.Wait()

	a.engine.Stop()
	if ctx.Err() != nil {
		a.log.Warn().Msg("Capture interrupted, flushing what was captured")
	}

	n, drainErr := a.drainFinal(sink)
	res.Drains = drainer.drains
	if n > 0 {
		res.Drains++
	}
	res.Bytes = sink.Bytes()
	closeErr := sink.Close()

	if loopErr == nil {
		loopErr = a.engine.Err()
	}
	if loopErr != nil && drainer.lastWriteErr != nil {
		// the buffer filled up because the sink stopped taking data
		loopErr = errors.Join(loopErr, drainer.lastWriteErr)
	}
	if err := errors.Join(loopErr, drainErr, closeErr); err != nil {
		return res, err
	}

	a.log.Info().Str("path", path).Int64("bytes", res.Bytes).Int("drains", res.Drains).Msg("Saved capture")
	return res, nil
}

type streamDrainer struct {
	app      *App
	sink     Sink
	interval time.Duration

	drains       int
	failures     int
	lastWriteErr error
	stalled      bool
}

func (d *streamDrainer) loop(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := d.tick(); err != nil {
			return err
		}
	}
}

// tick drains once. Write failures keep the data buffered for the next
// tick; overflow and device faults end the stream.
func (d *streamDrainer) tick() error {
	a := d.app
	n, err := a.engine.Drain(d.sink)
	if err != nil {
		d.failures++
		d.lastWriteErr = err
		a.log.Warn().
			Err(err).
			Int64("written", n).
			Int("pending", a.engine.BytesCaptured()).
			Int("failures", d.failures).
			Msg("Drain failed, retrying next interval")
	} else {
		if d.failures > 0 {
			a.log.Info().Int("failures", d.failures).Msg("Drain recovered")
		}
		d.failures = 0
		d.lastWriteErr = nil
	}
	if n > 0 {
		d.drains++
	}

	if err := a.engine.Err(); err != nil {
		a.log.Error().Err(err).Msg("Capture failed, stopping stream")
		return err
	}

	stalled := a.engine.Health() != nil
	if stalled != d.stalled {
		if stalled {
			a.log.Warn().Msg("No audio from device, stream stalled")
		} else {
			a.log.Info().Msg("Audio resumed")
		}
		d.stalled = stalled
	}
	return nil
}

func (a *App) progressLoop(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(a.progress)
	defer ticker.Stop()

	start := a.now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.log.Info().
				Dur("elapsed", a.now().Sub(start).Round(time.Second)).
				Int64("bytes", sink.Bytes()).
				Msg("Capturing")
		}
	}
}

// drainFinal moves everything left in the buffer into sink after Stop.
func (a *App) drainFinal(sink Sink) (int64, error) {
	var total int64
	var err error
	for attempt := 1; attempt <= finalDrainAttempts; attempt++ {
		var n int64
		n, err = a.engine.Drain(sink)
		total += n
		if err == nil {
			return total, nil
		}
		a.log.Warn().Err(err).Int("attempt", attempt).Msg("Final drain failed")
	}
	return total, fmt.Errorf("flush %d captured bytes: %w", a.engine.BytesCaptured(), err)
}

// ExitCode maps a Run error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, capture.ErrDeviceUnavailable), errors.Is(err, capture.ErrStreamStart):
		return 2
	case errors.Is(err, capture.ErrFormatUnsupported):
		return 3
	case errors.Is(err, writer.ErrWriteFailed):
		return 4
	case errors.Is(err, capture.ErrBufferOverflow):
		return 5
	default:
		return 1
	}
}
