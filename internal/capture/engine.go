package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/petems/loopcap/internal/pcm"
)

// State is the lifecycle state of an Engine.
type State int32

const (
	Uninitialized State = iota
	Initialized
	Running
	Stopped
	ShutDown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case ShutDown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	DefaultWaitTimeout    = 2 * time.Second
	DefaultStallThreshold = 3
)

// Options configures an Engine.
type Options struct {
	Logger zerolog.Logger
	// WaitTimeout bounds each readiness wait of the producer loop.
	WaitTimeout time.Duration
	// StallThreshold is the number of consecutive timeouts reported as a stall.
	StallThreshold int
	// Priority requests elevated scheduling for the producer thread.
	Priority bool
}

// Stats is a snapshot of producer counters.
type Stats struct {
	Packets    uint64
	Frames     uint64
	Written    uint64
	Dropped    uint64
	Timeouts   uint64
	Stalled    bool
	Overflowed bool
}

// Engine drives a single capture session from Initialize to Shutdown.
// Lifecycle calls must come from one goroutine at a time; BytesCaptured,
// ResetCaptureIndex and Drain may run concurrently with the producer.
type Engine struct {
	opener Opener
	opts   Options
	log    zerolog.Logger
	id     string

	mu      sync.Mutex
	state   State
	session Session
	format  pcm.Format
	buf     *Buffer
	stop    chan struct{}
	done    chan struct{}

	packets  atomic.Uint64
	frames   atomic.Uint64
	timeouts atomic.Uint64
	stalled  atomic.Bool
	fault    atomic.Pointer[error]
}

// New creates an engine that opens its session through opener.
func New(opener Opener, opts Options) *Engine {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = DefaultStallThreshold
	}
	id := uuid.NewString()
	return &Engine{
		opener: opener,
		opts:   opts,
		log:    opts.Logger.With().Str("session", id).Logger(),
		id:     id,
	}
}

// ID returns the identifier used to tag this engine's logs and status records.
func (e *Engine) ID() string {
	return e.id
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Initialize opens the device session in shared mode with its native mix
// format and a device buffer of at least targetLatency. On failure the
// engine stays Uninitialized and Initialize may be retried.
func (e *Engine) Initialize(ctx context.Context, targetLatency time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Uninitialized {
		return fmt.Errorf("%w: initialize while %s", ErrInvalidState, e.state)
	}

	session, err := e.opener.Open(ctx, OpenRequest{
		TargetLatency: targetLatency,
		Priority:      e.opts.Priority,
	})
	if err != nil {
		if errors.Is(err, ErrFormatUnsupported) || errors.Is(err, ErrDeviceUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	format := session.MixFormat()
	if err := format.Validate(); err != nil {
		if cerr := session.Close(); cerr != nil {
			e.log.Warn().Err(cerr).Msg("Failed to close rejected session")
		}
		return fmt.Errorf("%w: %w", ErrFormatUnsupported, err)
	}

	e.session = session
	e.format = format
	e.state = Initialized

	e.log.Info().
		Stringer("format", format).
		Dur("latency", targetLatency).
		Msg("Capture session initialized")
	return nil
}

// MixFormat returns the format negotiated at Initialize. It panics when
// called before Initialize succeeded.
func (e *Engine) MixFormat() pcm.Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Uninitialized || e.session == nil {
		panic("capture: MixFormat called before Initialize")
	}
	return e.format
}

// SamplesPerSecond returns the negotiated sample rate.
func (e *Engine) SamplesPerSecond() int {
	return int(e.MixFormat().SampleRate)
}

// FrameSize returns the negotiated bytes per frame.
func (e *Engine) FrameSize() int {
	return e.MixFormat().FrameSize()
}

// Start binds storage as the capture buffer, starts the device stream and
// launches the producer loop. The engine owns storage until Stop returns.
func (e *Engine) Start(storage []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Initialized {
		return fmt.Errorf("%w: start while %s", ErrInvalidState, e.state)
	}
	if len(storage) < e.format.FrameSize() {
		return fmt.Errorf("capture buffer of %d bytes cannot hold a %d byte frame", len(storage), e.format.FrameSize())
	}

	buf := NewBuffer(storage)
	if err := e.session.Start(); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamStart, err)
	}

	e.buf = buf
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	e.fault.Store(nil)
	e.stalled.Store(false)
	e.state = Running

	go e.produce(e.session, buf, e.stop, e.done)

	e.log.Info().Int("capacity", len(storage)).Msg("Capture started")
	return nil
}

// Stop halts the device stream, then the producer. The producer copies
// every packet the device delivered before it exits, and Stop returns only
// after that, so every completed write is visible to the caller.
// Stop is a no-op unless the engine is running.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	if e.state != Running {
		return
	}

	if err := e.session.Stop(); err != nil {
		e.log.Warn().Err(err).Msg("Failed to stop device stream")
	}

	close(e.stop)
	<-e.done
	e.state = Stopped

	e.log.Info().
		Uint64("written", e.buf.Written()).
		Uint64("dropped", e.buf.Dropped()).
		Msg("Capture stopped")
}

// Shutdown releases the session. It is idempotent; the engine cannot be
// used afterwards.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == ShutDown {
		return
	}
	e.stopLocked()

	if e.session != nil {
		if err := e.session.Close(); err != nil {
			e.log.Warn().Err(err).Msg("Failed to close capture session")
		}
	}
	e.state = ShutDown
	e.log.Debug().Msg("Capture session released")
}

// buffer returns the current capture buffer, or nil before Start.
func (e *Engine) buffer() *Buffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buf
}

// BytesCaptured returns a snapshot of the bytes captured and not yet drained.
func (e *Engine) BytesCaptured() int {
	if b := e.buffer(); b != nil {
		return b.Len()
	}
	return 0
}

// ResetCaptureIndex discards the pending bytes. Frames the producer
// publishes between the caller's last BytesCaptured and this call are
// discarded as well; use Drain for lossless streaming.
func (e *Engine) ResetCaptureIndex() {
	if b := e.buffer(); b != nil {
		b.Reset()
	}
}

// Captured returns the pending bytes in capture order without consuming them.
func (e *Engine) Captured() (first, second []byte) {
	if b := e.buffer(); b != nil {
		return b.Peek()
	}
	return nil, nil
}

// Drain writes the pending bytes to w and consumes exactly what w accepted.
// It is safe to call while the producer is running.
func (e *Engine) Drain(w io.Writer) (int64, error) {
	b := e.buffer()
	if b == nil {
		return 0, nil
	}
	return b.WriteTo(w)
}

// Err returns the sticky failure of the current buffer: an overflow or a
// device error that ended the producer loop.
func (e *Engine) Err() error {
	if p := e.fault.Load(); p != nil {
		return *p
	}
	if b := e.buffer(); b != nil && b.Overflowed() {
		return ErrBufferOverflow
	}
	return nil
}

// Health reports ErrStreamStall while the device has stopped delivering frames.
func (e *Engine) Health() error {
	if e.stalled.Load() {
		return ErrStreamStall
	}
	return nil
}

// Stats returns the producer counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		Packets:  e.packets.Load(),
		Frames:   e.frames.Load(),
		Timeouts: e.timeouts.Load(),
		Stalled:  e.stalled.Load(),
	}
	if b := e.buffer(); b != nil {
		s.Written = b.Written()
		s.Dropped = b.Dropped()
		s.Overflowed = b.Overflowed()
	}
	return s
}

func (e *Engine) setFault(err error) {
	e.fault.CompareAndSwap(nil, &err)
}
