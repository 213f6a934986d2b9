package audio

import (
	"sync"
	"sync/atomic"

	"github.com/petems/loopcap/internal/capture"
)

type packetBuf struct {
	data   []byte
	frames int
	silent bool
}

// packetQueue carries packets from a device callback to the producer loop.
// The callback side never blocks: when the queue is full the packet is
// dropped and counted as an overrun.
type packetQueue struct {
	pending  chan *packetBuf
	ready    chan struct{}
	pool     sync.Pool
	overruns atomic.Uint64

	// owned by the consumer
	current *packetBuf
}

func newPacketQueue(depth int) *packetQueue {
	q := &packetQueue{
		pending: make(chan *packetBuf, depth),
		ready:   make(chan struct{}, 1),
	}
	q.pool.New = func() any { return new(packetBuf) }
	return q
}

// acquire returns a pooled packet with room for n bytes.
func (q *packetQueue) acquire(n int) *packetBuf {
	pb := q.pool.Get().(*packetBuf)
	if cap(pb.data) < n {
		pb.data = make([]byte, n)
	}
	pb.data = pb.data[:n]
	pb.frames = 0
	pb.silent = false
	return pb
}

// publish hands a filled packet to the consumer.
func (q *packetQueue) publish(pb *packetBuf) {
	select {
	case q.pending <- pb:
	default:
		q.overruns.Add(1)
		q.pool.Put(pb)
	}
	q.notify()
}

// push copies data, which holds frames frames, into the queue.
func (q *packetQueue) push(data []byte, frames int) {
	pb := q.acquire(len(data))
	copy(pb.data, data)
	pb.frames = frames
	q.publish(pb)
}

// pushSilence queues frames frames of silence without copying.
func (q *packetQueue) pushSilence(frames int) {
	pb := q.acquire(0)
	pb.frames = frames
	pb.silent = true
	q.publish(pb)
}

func (q *packetQueue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *packetQueue) Ready() <-chan struct{} {
	return q.ready
}

func (q *packetQueue) NextPacket() (capture.Packet, bool, error) {
	select {
	case pb := <-q.pending:
		q.current = pb
		return capture.Packet{Data: pb.data, Frames: pb.frames, Silent: pb.silent}, true, nil
	default:
		return capture.Packet{}, false, nil
	}
}

func (q *packetQueue) ReleasePacket(capture.Packet) error {
	if q.current != nil {
		q.pool.Put(q.current)
		q.current = nil
	}
	return nil
}

// Overruns returns the number of packets dropped on a full queue.
func (q *packetQueue) Overruns() uint64 {
	return q.overruns.Load()
}

// flush drops every queued packet.
func (q *packetQueue) flush() {
	for {
		select {
		case pb := <-q.pending:
			q.pool.Put(pb)
		default:
			return
		}
	}
}
