package capture

import (
	"fmt"
	"io"
	"sync/atomic"
)

// Buffer is a bounded single-producer/single-consumer ring over caller
// supplied storage. The producer owns the write cursor and the storage it
// has not yet published; the consumer owns the read cursor. Both cursors
// only grow, positions are taken modulo the capacity.
//
// Writes that do not fit are rejected whole and latch the buffer into an
// overflowed state: every later write is rejected too, so the captured
// stream never contains a gap that a reader could not detect.
type Buffer struct {
	storage []byte

	write      atomic.Uint64
	read       atomic.Uint64
	overflowed atomic.Bool
	dropped    atomic.Uint64
}

// NewBuffer wraps storage. Its length is the capacity.
func NewBuffer(storage []byte) *Buffer {
	return &Buffer{storage: storage}
}

// Cap returns the capacity in bytes.
func (b *Buffer) Cap() int {
	return len(b.storage)
}

// Len returns the number of bytes written and not yet consumed.
func (b *Buffer) Len() int {
	r := b.read.Load()
	w := b.write.Load()
	return int(w - r)
}

// Written returns the total number of bytes ever accepted.
func (b *Buffer) Written() uint64 {
	return b.write.Load()
}

// Dropped returns the number of bytes rejected by overflow.
func (b *Buffer) Dropped() uint64 {
	return b.dropped.Load()
}

// Overflowed reports whether a write has been rejected.
func (b *Buffer) Overflowed() bool {
	return b.overflowed.Load()
}

// Write appends p. Producer only.
func (b *Buffer) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	w, err := b.reserve(len(p))
	if err != nil {
		return err
	}
	b.copyIn(w, p)
	b.write.Store(w + uint64(len(p)))
	return nil
}

// WriteZeros appends n zero bytes. Producer only.
func (b *Buffer) WriteZeros(n int) error {
	if n <= 0 {
		return nil
	}
	w, err := b.reserve(n)
	if err != nil {
		return err
	}
	capacity := uint64(len(b.storage))
	for remaining, pos := n, w; remaining > 0; {
		off := int(pos % capacity)
		chunk := min(remaining, len(b.storage)-off)
		clear(b.storage[off : off+chunk])
		remaining -= chunk
		pos += uint64(chunk)
	}
	b.write.Store(w + uint64(n))
	return nil
}

// reserve checks that n bytes fit and returns the current write cursor.
func (b *Buffer) reserve(n int) (uint64, error) {
	if b.overflowed.Load() {
		b.dropped.Add(uint64(n))
		return 0, ErrBufferOverflow
	}
	w := b.write.Load()
	free := len(b.storage) - int(w-b.read.Load())
	if n > free {
		b.overflowed.Store(true)
		b.dropped.Add(uint64(n))
		return 0, fmt.Errorf("%w: %d bytes pending, %d free, packet of %d", ErrBufferOverflow, len(b.storage)-free, free, n)
	}
	return w, nil
}

func (b *Buffer) copyIn(w uint64, p []byte) {
	off := int(w % uint64(len(b.storage)))
	n := copy(b.storage[off:], p)
	copy(b.storage, p[n:])
}

// Peek returns the pending bytes as up to two segments in capture order.
// The segments alias the storage and stay valid until Discard. Consumer only.
func (b *Buffer) Peek() (first, second []byte) {
	r := b.read.Load()
	n := int(b.write.Load() - r)
	if n == 0 {
		return nil, nil
	}
	off := int(r % uint64(len(b.storage)))
	end := off + n
	if end <= len(b.storage) {
		return b.storage[off:end], nil
	}
	return b.storage[off:], b.storage[:end-len(b.storage)]
}

// Discard consumes n pending bytes. Consumer only.
func (b *Buffer) Discard(n int) {
	if n <= 0 {
		return
	}
	if pending := b.Len(); n > pending {
		n = pending
	}
	b.read.Add(uint64(n))
}

// Reset discards everything pending at the time of the call. Bytes the
// producer publishes concurrently may be discarded with them. Consumer only.
func (b *Buffer) Reset() {
	b.read.Store(b.write.Load())
}

// WriteTo drains pending bytes into w and consumes exactly what w accepted.
// Bytes published while the drain runs stay pending. Consumer only.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	first, second := b.Peek()
	var total int64
	for _, seg := range [][]byte{first, second} {
		if len(seg) == 0 {
			continue
		}
		n, err := w.Write(seg)
		b.Discard(n)
		total += int64(n)
		if err != nil {
			return total, err
		}
		if n < len(seg) {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}
