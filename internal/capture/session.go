// Package capture implements the capture engine: it negotiates a device
// session, runs the producer loop that copies device frames into a
// caller-owned ring buffer, and lets a consumer drain that buffer while
// capture continues.
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/petems/loopcap/internal/pcm"
)

var (
	// ErrDeviceUnavailable means no usable endpoint or the session could not be opened.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrFormatUnsupported means the device mix format cannot be captured.
	ErrFormatUnsupported = errors.New("format unsupported")
	// ErrStreamStart means the device accepted the format but refused to stream.
	ErrStreamStart = errors.New("stream start failed")
	// ErrBufferOverflow means the producer had no room for a packet.
	ErrBufferOverflow = errors.New("capture buffer overflow")
	// ErrStreamStall means the device stopped signalling new frames.
	ErrStreamStall = errors.New("stream stalled")
	// ErrInvalidState means an operation was called in the wrong lifecycle state.
	ErrInvalidState = errors.New("invalid capture state")
)

// Packet is a run of frames handed over by the device. Data is only valid
// until the packet is released.
type Packet struct {
	Data   []byte
	Frames int
	// Silent packets carry no data and are captured as zeros.
	Silent bool
}

// Session is an opened, format-negotiated device audio session.
type Session interface {
	MixFormat() pcm.Format
	Start() error
	Stop() error
	Close() error

	// Ready fires when new frames may be available.
	Ready() <-chan struct{}
	// NextPacket returns the next pending packet, or false when none is pending.
	NextPacket() (Packet, bool, error)
	// ReleasePacket gives the packet's frames back to the device.
	ReleasePacket(Packet) error
}

// OpenRequest describes the session a caller wants.
type OpenRequest struct {
	// TargetLatency is the minimum amount of audio the device buffer must hold.
	TargetLatency time.Duration
	// Priority asks the backend for elevated audio thread scheduling.
	Priority bool
}

// Opener opens device sessions. Implementations live in the audio package.
type Opener interface {
	Open(ctx context.Context, req OpenRequest) (Session, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, req OpenRequest) (Session, error)

func (f OpenerFunc) Open(ctx context.Context, req OpenRequest) (Session, error) {
	return f(ctx, req)
}
