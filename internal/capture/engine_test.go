package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/loopcap/internal/pcm"
)

// fakeSession is a hand-driven device session. Tests push packets and the
// producer loop picks them up through Ready.
type fakeSession struct {
	format   pcm.Format
	startErr error
	nextErr  error

	mu       sync.Mutex
	queue    []Packet
	ready    chan struct{}
	starts   int
	stops    int
	closes   int
	released int
}

func newFakeSession(format pcm.Format) *fakeSession {
	return &fakeSession{
		format: format,
		ready:  make(chan struct{}, 1),
	}
}

func (s *fakeSession) MixFormat() pcm.Format { return s.format }

func (s *fakeSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.starts++
	return nil
}

func (s *fakeSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSession) Ready() <-chan struct{} { return s.ready }

func (s *fakeSession) NextPacket() (Packet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextErr != nil {
		return Packet{}, false, s.nextErr
	}
	if len(s.queue) == 0 {
		return Packet{}, false, nil
	}
	p := s.queue[0]
	s.queue = s.queue[1:]
	return p, true, nil
}

func (s *fakeSession) ReleasePacket(Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	return nil
}

func (s *fakeSession) push(p Packet) {
	s.mu.Lock()
	s.queue = append(s.queue, p)
	s.mu.Unlock()
	s.signal()
}

// enqueue queues p without signalling readiness.
func (s *fakeSession) enqueue(p Packet) {
	s.mu.Lock()
	s.queue = append(s.queue, p)
	s.mu.Unlock()
}

func (s *fakeSession) failNext(err error) {
	s.mu.Lock()
	s.nextErr = err
	s.mu.Unlock()
	s.signal()
}

func (s *fakeSession) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *fakeSession) counts() (starts, stops, closes, released int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops, s.closes, s.released
}

func (s *fakeSession) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

var stereo16 = pcm.New(pcm.TagPCM, 48000, 2, 16)

func newTestEngine(t *testing.T, s *fakeSession, opts Options) *Engine {
	t.Helper()
	opts.Logger = zerolog.Nop()
	e := New(OpenerFunc(func(ctx context.Context, req OpenRequest) (Session, error) {
		return s, nil
	}), opts)
	t.Cleanup(e.Shutdown)
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func pattern(start, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(start + i)
	}
	return b
}

func TestInitializeNegotiatesFormat(t *testing.T) {
	s := newFakeSession(stereo16)
	e := newTestEngine(t, s, Options{})

	if err := e.Initialize(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if e.State() != Initialized {
		t.Fatalf("expected initialized, got %s", e.State())
	}
	if got := e.MixFormat().SampleRate; got != 48000 {
		t.Errorf("expected 48000 Hz, got %d", got)
	}
	if e.SamplesPerSecond() != 48000 || e.FrameSize() != 4 {
		t.Errorf("unexpected derived accessors: %d Hz, %d bytes", e.SamplesPerSecond(), e.FrameSize())
	}

	if err := e.Initialize(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on second Initialize, got %v", err)
	}
}

func TestMixFormatBeforeInitializePanics(t *testing.T) {
	e := newTestEngine(t, newFakeSession(stereo16), Options{})

	defer func() {
		if recover() == nil {
			t.Fatal("expected MixFormat to panic before Initialize")
		}
	}()
	e.MixFormat()
}

func TestInitializeFailureIsRetryable(t *testing.T) {
	s := newFakeSession(stereo16)
	attempts := 0
	e := New(OpenerFunc(func(ctx context.Context, req OpenRequest) (Session, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("endpoint not found")
		}
		return s, nil
	}), Options{Logger: zerolog.Nop()})
	defer e.Shutdown()

	err := e.Initialize(context.Background(), 10*time.Millisecond)
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if e.State() != Uninitialized {
		t.Fatalf("expected uninitialized after failure, got %s", e.State())
	}

	if err := e.Initialize(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestInitializeRejectsInvalidFormat(t *testing.T) {
	bad := stereo16
	bad.AvgBytesPerSec = 1
	s := newFakeSession(bad)
	e := newTestEngine(t, s, Options{})

	err := e.Initialize(context.Background(), 10*time.Millisecond)
	if !errors.Is(err, ErrFormatUnsupported) {
		t.Fatalf("expected ErrFormatUnsupported, got %v", err)
	}
	if _, _, closes, _ := s.counts(); closes != 1 {
		t.Fatalf("expected rejected session to be closed once, got %d", closes)
	}
}

func TestStartRequiresInitialized(t *testing.T) {
	s := newFakeSession(stereo16)
	e := newTestEngine(t, s, Options{})

	if err := e.Start(make([]byte, 64)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before Initialize, got %v", err)
	}

	if err := e.Initialize(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := e.Start(make([]byte, 2)); err == nil {
		t.Fatal("expected error for buffer smaller than a frame")
	}
	if err := e.Start(make([]byte, 64)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := e.Start(make([]byte, 64)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState while running, got %v", err)
	}
}

func TestStartFailureKeepsState(t *testing.T) {
	s := newFakeSession(stereo16)
	s.startErr = errors.New("device busy")
	e := newTestEngine(t, s, Options{})

	if err := e.Initialize(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := e.Start(make([]byte, 64)); !errors.Is(err, ErrStreamStart) {
		t.Fatalf("expected ErrStreamStart, got %v", err)
	}
	if e.State() != Initialized {
		t.Fatalf("expected initialized after failed start, got %s", e.State())
	}
}

func TestProducerCopiesPacketsInOrder(t *testing.T) {
	s := newFakeSession(stereo16)
	e := newTestEngine(t, s, Options{})
	if err := e.Initialize(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	storage := make([]byte, 1024)
	if err := e.Start(storage); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	s.push(Packet{Data: pattern(0, 40), Frames: 10})
	s.push(Packet{Data: pattern(40, 80), Frames: 20})
	s.push(Packet{Data: pattern(120, 4), Frames: 1})

	waitFor(t, "packets", func() bool { return e.BytesCaptured() == 124 })
	e.Stop()

	if e.State() != Stopped {
		t.Fatalf("expected stopped, got %s", e.State())
	}
	if !bytes.Equal(storage[:124], pattern(0, 124)) {
		t.Fatal("captured bytes do not match the delivered packets")
	}
	stats := e.Stats()
	if stats.Packets != 3 || stats.Frames != 31 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if _, _, _, released := s.counts(); released != 3 {
		t.Fatalf("expected 3 released packets, got %d", released)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := newFakeSession(stereo16)
	e := newTestEngine(t, s, Options{})

	e.Stop() // uninitialized: no-op
	if err := e.Initialize(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	e.Stop() // initialized: no-op
	if err := e.Start(make([]byte, 64)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.push(Packet{Data: pattern(0, 8), Frames: 2})
	waitFor(t, "packet", func() bool { return e.BytesCaptured() == 8 })

	e.Stop()
	e.Stop()

	if e.BytesCaptured() != 8 {
		t.Fatalf("expected 8 bytes after double stop, got %d", e.BytesCaptured())
	}
	if _, stops, _, _ := s.counts(); stops != 1 {
		t.Fatalf("expected device stopped once, got %d", stops)
	}

	// Nothing is copied after Stop returns
	s.push(Packet{Data: pattern(0, 8), Frames: 2})
	time.Sleep(20 * time.Millisecond)
	if e.BytesCaptured() != 8 {
		t.Fatalf("write after Stop: %d bytes", e.BytesCaptured())
	}
	if s.pending() != 1 {
		t.Fatalf("expected packet left with the device, %d pending", s.pending())
	}
}

func TestStopCopiesPacketsStillQueued(t *testing.T) {
	s := newFakeSession(stereo16)
	e := newTestEngine(t, s, Options{})
	if err := e.Initialize(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	storage := make([]byte, 256)
	if err := e.Start(storage); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.push(Packet{Data: pattern(0, 16), Frames: 4})
	waitFor(t, "first packet", func() bool { return e.BytesCaptured() == 16 })

	// delivered by the device but not yet signalled when Stop runs
	s.enqueue(Packet{Data: pattern(16, 16), Frames: 4})
	s.enqueue(Packet{Data: pattern(32, 8), Frames: 2})
	e.Stop()

	if e.BytesCaptured() != 40 {
		t.Fatalf("expected 40 bytes after Stop, got %d", e.BytesCaptured())
	}
	if !bytes.Equal(storage[:40], pattern(0, 40)) {
		t.Fatal("tail packets lost or reordered")
	}
	if s.pending() != 0 {
		t.Fatalf("expected the queue emptied by Stop, %d pending", s.pending())
	}
	if st := e.Stats(); st.Packets != 3 || st.Frames != 10 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestOverflowIsStickyAndReported(t *testing.T) {
	s := newFakeSession(stereo16)
	e := newTestEngine(t, s, Options{})
	if err := e.Initialize(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	storage := make([]byte, 32)
	if err := e.Start(storage); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	s.push(Packet{Data: pattern(0, 24), Frames: 6})
	s.push(Packet{Data: pattern(24, 16), Frames: 4}) // does not fit
	s.push(Packet{Data: pattern(40, 4), Frames: 1})  // would fit, rejected anyway

	waitFor(t, "all packets consumed", func() bool {
		_, _, _, released := s.counts()
		return released == 3
	})
	e.Stop()

	if !errors.Is(e.Err(), ErrBufferOverflow) {
		t.Fatalf("expected ErrBufferOverflow, got %v", e.Err())
	}
	if e.BytesCaptured() != 24 {
		t.Fatalf("expected offset to stay at 24, got %d", e.BytesCaptured())
	}
	if !bytes.Equal(storage[:24], pattern(0, 24)) {
		t.Fatal("valid prefix corrupted by overflow")
	}
	if st := e.Stats(); st.Dropped != 20 || !st.Overflowed {
		t.Fatalf("unexpected stats %+v", st)
	}
	if _, _, closes, _ := s.counts(); closes != 0 {
		t.Fatal("overflow must not shut the session down")
	}
}

func TestSilentPacketsCaptureZeros(t *testing.T) {
	s := newFakeSession(stereo16)
	e := newTestEngine(t, s, Options{})
	if err := e.Initialize(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	storage := bytes.Repeat([]byte{0xEE}, 16)
	if err := e.Start(storage); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.push(Packet{Frames: 2, Silent: true})
	waitFor(t, "silent packet", func() bool { return e.BytesCaptured() == 8 })
	e.Stop()

	if !bytes.Equal(storage[:8], make([]byte, 8)) {
		t.Fatalf("expected zeros, got %v", storage[:8])
	}
}

func TestStallIsReportedAndClears(t *testing.T) {
	s := newFakeSession(stereo16)
	e := newTestEngine(t, s, Options{
		WaitTimeout:    2 * time.Millisecond,
		StallThreshold: 3,
	})
	if err := e.Initialize(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := e.Start(make([]byte, 64)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, "stall", func() bool { return e.Health() != nil })
	if !errors.Is(e.Health(), ErrStreamStall) {
		t.Fatalf("expected ErrStreamStall, got %v", e.Health())
	}
	if e.Err() != nil {
		t.Fatalf("stall must not be a buffer failure, got %v", e.Err())
	}

	s.push(Packet{Data: pattern(0, 4), Frames: 1})
	waitFor(t, "recovery", func() bool { return e.BytesCaptured() == 4 })
	if e.Stats().Packets != 1 {
		t.Fatalf("expected the packet to be counted after a stall, got %+v", e.Stats())
	}

	e.Stop()
	if e.State() != Stopped {
		t.Fatalf("expected caller-initiated stop to succeed, got %s", e.State())
	}
}

func TestDeviceErrorEndsProducer(t *testing.T) {
	s := newFakeSession(stereo16)
	e := newTestEngine(t, s, Options{})
	if err := e.Initialize(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := e.Start(make([]byte, 64)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	errRemoved := errors.New("endpoint removed")
	s.failNext(errRemoved)

	waitFor(t, "fault", func() bool { return e.Err() != nil })
	if !errors.Is(e.Err(), errRemoved) {
		t.Fatalf("expected device error, got %v", e.Err())
	}
	e.Stop()
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := newFakeSession(stereo16)
	e := newTestEngine(t, s, Options{})
	if err := e.Initialize(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := e.Start(make([]byte, 64)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	e.Shutdown()
	e.Shutdown()

	starts, stops, closes, _ := s.counts()
	if starts != 1 || stops != 1 || closes != 1 {
		t.Fatalf("expected one start/stop/close, got %d/%d/%d", starts, stops, closes)
	}
	if e.State() != ShutDown {
		t.Fatalf("expected shutdown, got %s", e.State())
	}
	if err := e.Initialize(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after shutdown, got %v", err)
	}
}

func TestResetCaptureIndexWhileStopped(t *testing.T) {
	s := newFakeSession(stereo16)
	e := newTestEngine(t, s, Options{})
	if err := e.Initialize(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := e.Start(make([]byte, 64)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.push(Packet{Data: pattern(0, 16), Frames: 4})
	waitFor(t, "packet", func() bool { return e.BytesCaptured() == 16 })
	e.Stop()

	e.ResetCaptureIndex()
	if e.BytesCaptured() != 0 {
		t.Fatalf("expected 0 after reset, got %d", e.BytesCaptured())
	}
}

func TestResetCaptureIndexWhileRunningLosesOnlyConcurrentFrames(t *testing.T) {
	s := newFakeSession(stereo16)
	e := newTestEngine(t, s, Options{})
	if err := e.Initialize(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := e.Start(make([]byte, 1<<16)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// each frame carries its own index so gaps are visible
	const packets, framesPerPacket = 400, 8
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < packets; i++ {
			data := make([]byte, framesPerPacket*4)
			for f := 0; f < framesPerPacket; f++ {
				binary.LittleEndian.PutUint32(data[f*4:], uint32(i*framesPerPacket+f))
			}
			s.push(Packet{Data: data, Frames: framesPerPacket})
			time.Sleep(100 * time.Microsecond)
		}
	}()

	var got []byte
	// bytes the producer published around each reset, keyed by the offset
	// in got where the reset happened
	windows := map[int]uint64{}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-done:
			break loop
		case <-ticker.C:
			before := e.Stats().Written
			n := e.BytesCaptured()
			first, second := e.Captured()
			pending := append(append([]byte(nil), first...), second...)
			got = append(got, pending[:n]...)
			e.ResetCaptureIndex()
			windows[len(got)] += e.Stats().Written - before
		}
	}

	e.Stop()
	first, second := e.Captured()
	got = append(got, first...)
	got = append(got, second...)

	if len(got) == 0 || len(got)%4 != 0 {
		t.Fatalf("unexpected capture of %d bytes", len(got))
	}

	var lost uint64
	prev := -1
	check := func(offset, idx int) {
		gap := idx - prev - 1
		if gap == 0 {
			return
		}
		if gap < 0 {
			t.Fatalf("frame %d captured after frame %d", idx, prev)
		}
		window, ok := windows[offset]
		if !ok {
			t.Fatalf("%d frames lost at offset %d where no reset happened", gap, offset)
		}
		if uint64(gap)*4 > window {
			t.Fatalf("reset at offset %d lost %d frames, only %d bytes arrived around it", offset, gap, window)
		}
		lost += uint64(gap)
	}
	for off := 0; off < len(got); off += 4 {
		idx := int(binary.LittleEndian.Uint32(got[off:]))
		check(off, idx)
		prev = idx
	}
	check(len(got), packets*framesPerPacket)

	if captured := uint64(len(got) / 4); captured+lost != packets*framesPerPacket {
		t.Fatalf("captured %d and lost %d frames of %d", captured, lost, packets*framesPerPacket)
	}
}
