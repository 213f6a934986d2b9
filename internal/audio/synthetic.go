package audio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/loopcap/internal/capture"
	"github.com/petems/loopcap/internal/pcm"
)

// SyntheticConfig describes the synthetic device. It produces an
// incrementing byte pattern in bursts, which makes gaps and reordering
// visible in the captured stream.
type SyntheticConfig struct {
	Format pcm.Format
	// Burst is the number of frames per device callback.
	Burst int
	// Interval is the time between callbacks.
	Interval time.Duration
	// TotalFrames stops the device after that many frames. Zero runs until Stop.
	TotalFrames int64
	// MinLatency is the smallest target latency the device accepts.
	MinLatency time.Duration
	// SilentEvery flags every nth burst as silent, the way a device reports
	// a muted endpoint. Zero disables it.
	SilentEvery int
}

func (c SyntheticConfig) withDefaults() SyntheticConfig {
	if c.Format.Channels == 0 {
		c.Format = pcm.New(pcm.TagPCM, 48000, 2, 16)
	}
	if c.Burst <= 0 {
		c.Burst = 480
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Millisecond
	}
	return c
}

func (c SyntheticConfig) validate() error {
	c = c.withDefaults()
	if err := c.Format.Validate(); err != nil {
		return fmt.Errorf("synthetic device: %w", err)
	}
	if c.TotalFrames < 0 || c.SilentEvery < 0 {
		return errors.New("synthetic device: frame counts must not be negative")
	}
	return nil
}

func openSynthetic(d *Device, req capture.OpenRequest, q *packetQueue) (capture.Session, error) {
	cfg := d.opts.Synthetic.withDefaults()
	if req.TargetLatency < cfg.MinLatency {
		return nil, fmt.Errorf("%w: latency %s below device minimum %s", capture.ErrDeviceUnavailable, req.TargetLatency, cfg.MinLatency)
	}
	return &syntheticSession{
		packetQueue: q,
		cfg:         cfg,
		log:         d.log,
	}, nil
}

type syntheticSession struct {
	*packetQueue
	cfg SyntheticConfig
	log zerolog.Logger

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	closed bool

	next      byte
	delivered atomic.Int64
}

func (s *syntheticSession) MixFormat() pcm.Format {
	return s.cfg.Format
}

func (s *syntheticSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("synthetic device closed")
	}
	if s.stop != nil {
		return errors.New("synthetic device already started")
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
	return nil
}

func (s *syntheticSession) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	frameSize := s.cfg.Format.FrameSize()
	for burst := 1; ; burst++ {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		frames := int64(s.cfg.Burst)
		if s.cfg.TotalFrames > 0 {
			frames = min(frames, s.cfg.TotalFrames-s.delivered.Load())
			if frames <= 0 {
				return
			}
		}

		if s.cfg.SilentEvery > 0 && burst%s.cfg.SilentEvery == 0 {
			s.delivered.Add(frames)
			s.pushSilence(int(frames))
			continue
		}

		pb := s.acquire(int(frames) * frameSize)
		for i := range pb.data {
			pb.data[i] = s.next
			s.next++
		}
		pb.frames = int(frames)
		s.delivered.Add(frames)
		s.publish(pb)
	}
}

// Delivered returns the number of frames handed to the queue.
func (s *syntheticSession) Delivered() int64 {
	return s.delivered.Load()
}

func (s *syntheticSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	s.stop = nil
	s.log.Debug().Int64("frames", s.delivered.Load()).Msg("Synthetic device stopped")
	return nil
}

func (s *syntheticSession) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.flush()
	return nil
}
