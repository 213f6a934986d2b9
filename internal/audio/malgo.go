package audio

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"github.com/petems/loopcap/internal/capture"
	"github.com/petems/loopcap/internal/pcm"
)

// malgoFormat maps a miniaudio sample format to a wave format tag and bit depth.
func malgoFormat(f malgo.FormatType) (pcm.Tag, uint16, bool) {
	switch f {
	case malgo.FormatU8:
		return pcm.TagPCM, 8, true
	case malgo.FormatS16:
		return pcm.TagPCM, 16, true
	case malgo.FormatS24:
		return pcm.TagPCM, 24, true
	case malgo.FormatS32:
		return pcm.TagPCM, 32, true
	case malgo.FormatF32:
		return pcm.TagIEEEFloat, 32, true
	default:
		return 0, 0, false
	}
}

// enumType is the device list a source selects from. Loopback captures a
// playback endpoint.
func enumType(source Source) malgo.DeviceType {
	if source == SourceLoopback {
		return malgo.Playback
	}
	return malgo.Capture
}

func initMalgoContext(priority bool, log zerolog.Logger) (*malgo.AllocatedContext, error) {
	cfg := malgo.ContextConfig{}
	if priority {
		cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	}
	ctx, err := malgo.InitContext(nil, cfg, func(message string) {
		log.Debug().Msg(strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("init malgo context: %w", err)
	}
	return ctx, nil
}

func freeMalgoContext(ctx *malgo.AllocatedContext) {
	_ = ctx.Uninit()
	ctx.Free()
}

// findMalgoDevice matches id against the hex device id or the device name.
func findMalgoDevice(ctx *malgo.AllocatedContext, source Source, id string) (*malgo.DeviceID, error) {
	devices, err := ctx.Devices(enumType(source))
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	for i := range devices {
		d := devices[i]
		if hex.EncodeToString(d.ID[:]) == id || d.Name() == id {
			devID := d.ID
			return &devID, nil
		}
	}
	return nil, fmt.Errorf("device not found: %s", id)
}

func listMalgoDevices(source Source) ([]AudioDevice, error) {
	ctx, err := initMalgoContext(false, zerolog.Nop())
	if err != nil {
		return nil, err
	}
	defer freeMalgoContext(ctx)

	devices, err := ctx.Devices(enumType(source))
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]AudioDevice, 0, len(devices))
	for _, d := range devices {
		result = append(result, AudioDevice{
			ID:      hex.EncodeToString(d.ID[:]),
			Name:    d.Name(),
			Default: d.IsDefault != 0,
		})
	}
	return result, nil
}

func openMalgo(d *Device, req capture.OpenRequest, q *packetQueue) (capture.Session, error) {
	ctx, err := initMalgoContext(req.Priority, d.log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", capture.ErrDeviceUnavailable, err)
	}

	deviceType := malgo.Capture
	if d.opts.Source == SourceLoopback {
		deviceType = malgo.Loopback
	}

	// Unknown format, channels and rate select the device's native mix format
	cfg := malgo.DefaultDeviceConfig(deviceType)
	cfg.Capture.Format = malgo.FormatUnknown
	cfg.Capture.Channels = 0
	cfg.SampleRate = 0
	cfg.PeriodSizeInMilliseconds = uint32((req.TargetLatency + time.Millisecond - 1) / time.Millisecond)

	if d.opts.DeviceID != "" {
		id, err := findMalgoDevice(ctx, d.opts.Source, d.opts.DeviceID)
		if err != nil {
			freeMalgoContext(ctx)
			return nil, fmt.Errorf("%w: %w", capture.ErrDeviceUnavailable, err)
		}
		cfg.Capture.DeviceID = id.Pointer()
	}

	s := &malgoSession{packetQueue: q, ctx: ctx, log: d.log}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			s.push(input, int(frameCount))
		},
		Stop: func() {
			s.log.Debug().Msg("malgo device stopped")
		},
	}

	dev, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		freeMalgoContext(ctx)
		return nil, fmt.Errorf("%w: init device: %w", capture.ErrDeviceUnavailable, err)
	}
	s.device = dev

	tag, bits, ok := malgoFormat(dev.CaptureFormat())
	if !ok {
		s.release()
		return nil, fmt.Errorf("%w: device sample format %d", capture.ErrFormatUnsupported, dev.CaptureFormat())
	}
	s.format = pcm.New(tag, dev.SampleRate(), uint16(dev.CaptureChannels()), bits)

	d.log.Info().
		Stringer("format", s.format).
		Uint32("period_ms", cfg.PeriodSizeInMilliseconds).
		Msg("malgo device opened")
	return s, nil
}

type malgoSession struct {
	*packetQueue
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	format pcm.Format
	log    zerolog.Logger

	closeOnce sync.Once
}

func (s *malgoSession) MixFormat() pcm.Format {
	return s.format
}

func (s *malgoSession) Start() error {
	return s.device.Start()
}

func (s *malgoSession) Stop() error {
	return s.device.Stop()
}

func (s *malgoSession) Close() error {
	s.closeOnce.Do(s.release)
	return nil
}

func (s *malgoSession) release() {
	s.device.Uninit()
	freeMalgoContext(s.ctx)
	s.flush()
}
