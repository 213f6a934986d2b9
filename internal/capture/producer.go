package capture

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// produce is the producer loop. It waits for the device to signal new
// frames and copies every pending packet into buf. Once stop is closed the
// device stream is already halted: the loop copies what is still queued
// and exits. A packet copy always completes before stop is checked again.
func (e *Engine) produce(s Session, buf *Buffer, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if e.opts.Priority {
		revert, err := boostThread()
		if err != nil {
			e.log.Warn().Err(err).Msg("Failed to raise capture thread priority")
		} else {
			defer revert()
		}
	}

	frameSize := e.format.FrameSize()
	timer := time.NewTimer(e.opts.WaitTimeout)
	defer timer.Stop()

	consecutive := 0
	for {
		select {
		case <-stop:
			if err := e.copyPackets(s, buf, frameSize, nil); err != nil {
				e.setFault(err)
				e.log.Error().Err(err).Msg("Capture device failed while stopping")
			}
			return

		case <-s.Ready():
			if consecutive >= e.opts.StallThreshold {
				e.log.Info().Msg("Capture stream resumed")
			}
			consecutive = 0
			e.stalled.Store(false)

			if err := e.copyPackets(s, buf, frameSize, stop); err != nil {
				e.setFault(err)
				e.log.Error().Err(err).Msg("Capture device failed, producer exiting")
				return
			}

		case <-timer.C:
			consecutive++
			e.timeouts.Add(1)
			if consecutive == e.opts.StallThreshold {
				e.stalled.Store(true)
				e.log.Warn().
					Int("timeouts", consecutive).
					Dur("wait", e.opts.WaitTimeout).
					Msg("Capture stream stalled, device stopped delivering frames")
			}
			timer.Reset(e.opts.WaitTimeout)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.opts.WaitTimeout)
	}
}

// copyPackets moves every pending packet into buf, returning early when
// stop closes. A nil stop copies until the queue is empty. Overflow does
// not end the loop: packets keep being released so the device does not
// back up, but the buffer rejects them.
func (e *Engine) copyPackets(s Session, buf *Buffer, frameSize int, stop <-chan struct{}) error {
	for {
		pkt, ok, err := s.NextPacket()
		if err != nil {
			return fmt.Errorf("next packet: %w", err)
		}
		if !ok {
			return nil
		}

		n := pkt.Frames * frameSize
		var werr error
		switch {
		case pkt.Silent:
			werr = buf.WriteZeros(n)
		case len(pkt.Data) < n:
			werr = fmt.Errorf("short packet: %d frames but %d bytes", pkt.Frames, len(pkt.Data))
		default:
			werr = buf.Write(pkt.Data[:n])
		}

		if err := s.ReleasePacket(pkt); err != nil {
			return fmt.Errorf("release packet: %w", err)
		}

		switch {
		case werr == nil:
			e.packets.Add(1)
			e.frames.Add(uint64(pkt.Frames))
		case errors.Is(werr, ErrBufferOverflow):
			// only the first rejection carries the detail, later ones are the bare sentinel
			if werr != ErrBufferOverflow {
				e.log.Error().Err(werr).Msg("Capture buffer overflow, rejecting further frames")
			}
		default:
			return werr
		}

		select {
		case <-stop:
			return nil
		default:
		}
	}
}
