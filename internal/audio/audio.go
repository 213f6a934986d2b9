// Package audio opens device sessions for the capture engine. Every backend
// hands frames from its audio callback to the engine through a bounded
// packet queue.
package audio

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/loopcap/internal/capture"
)

// Backend selects the device library.
type Backend string

const (
	BackendMalgo     Backend = "malgo"
	BackendPortAudio Backend = "portaudio"
	BackendSynthetic Backend = "synthetic"
)

// Source selects what is captured.
type Source string

const (
	// SourceLoopback captures what the default render endpoint is playing.
	SourceLoopback Source = "loopback"
	// SourceInput captures a microphone or line input.
	SourceInput Source = "input"
)

// DefaultQueueDepth is the number of device callbacks buffered between the
// audio thread and the producer loop.
const DefaultQueueDepth = 64

// ParseBackend validates a backend name.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(s)); b {
	case BackendMalgo, BackendPortAudio, BackendSynthetic:
		return b, nil
	case "":
		return BackendMalgo, nil
	default:
		return "", fmt.Errorf("unknown audio backend %q", s)
	}
}

// ParseSource validates a capture source name.
func ParseSource(s string) (Source, error) {
	switch src := Source(strings.ToLower(s)); src {
	case SourceLoopback, SourceInput:
		return src, nil
	case "":
		return SourceLoopback, nil
	default:
		return "", fmt.Errorf("unknown capture source %q", s)
	}
}

// AudioDevice represents a capturable endpoint.
type AudioDevice struct {
	ID      string
	Name    string
	Default bool
}

// Options configures a Device.
type Options struct {
	Backend  Backend
	Source   Source
	DeviceID string
	// QueueDepth bounds the packets waiting for the producer loop.
	QueueDepth int
	// Synthetic configures the synthetic backend.
	Synthetic SyntheticConfig
	Logger    zerolog.Logger
}

// Device opens sessions on the configured backend. It implements
// capture.Opener.
type Device struct {
	opts     Options
	log      zerolog.Logger
	open     func(d *Device, req capture.OpenRequest, q *packetQueue) (capture.Session, error)
	overruns atomic.Uint64
	queues   atomic.Pointer[packetQueue]
}

// New returns a Device for opts.Backend.
func New(opts Options) (*Device, error) {
	if opts.Backend == "" {
		opts.Backend = BackendMalgo
	}
	if opts.Source == "" {
		opts.Source = SourceLoopback
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}

	d := &Device{
		opts: opts,
		log:  opts.Logger.With().Str("backend", string(opts.Backend)).Str("source", string(opts.Source)).Logger(),
	}

	switch opts.Backend {
	case BackendMalgo:
		d.open = openMalgo
	case BackendPortAudio:
		if opts.Source == SourceLoopback {
			return nil, fmt.Errorf("%w: portaudio cannot capture loopback audio", capture.ErrDeviceUnavailable)
		}
		d.open = openPortAudio
	case BackendSynthetic:
		if err := opts.Synthetic.validate(); err != nil {
			return nil, err
		}
		d.open = openSynthetic
	default:
		return nil, fmt.Errorf("unknown audio backend %q", opts.Backend)
	}
	return d, nil
}

// Open opens a session on the configured backend.
func (d *Device) Open(ctx context.Context, req capture.OpenRequest) (capture.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.log.Debug().Dur("latency", req.TargetLatency).Str("device", d.opts.DeviceID).Msg("Opening capture session")
	return d.open(d, req, d.newQueue())
}

// Overruns returns the number of device callbacks dropped because the
// producer loop had not taken earlier packets yet, across every session
// this device opened.
func (d *Device) Overruns() uint64 {
	n := d.overruns.Load()
	if q := d.queues.Load(); q != nil {
		n += q.Overruns()
	}
	return n
}

func (d *Device) newQueue() *packetQueue {
	q := newPacketQueue(d.opts.QueueDepth)
	if prev := d.queues.Swap(q); prev != nil {
		d.overruns.Add(prev.Overruns())
	}
	return q
}

// ListDevices enumerates the endpoints a backend can capture from.
func ListDevices(backend Backend, source Source) ([]AudioDevice, error) {
	switch backend {
	case BackendMalgo, "":
		return listMalgoDevices(source)
	case BackendPortAudio:
		return listPortAudioDevices()
	case BackendSynthetic:
		return []AudioDevice{{ID: "synthetic", Name: "Synthetic test signal", Default: true}}, nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q", backend)
	}
}

// latencyFrames converts a latency to whole frames at rate, rounding up.
func latencyFrames(d time.Duration, rate uint32) int {
	if d <= 0 || rate == 0 {
		return 0
	}
	n := (int64(d)*int64(rate) + int64(time.Second) - 1) / int64(time.Second)
	return int(n)
}
