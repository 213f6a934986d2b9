package audio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/petems/loopcap/internal/capture"
	"github.com/petems/loopcap/internal/pcm"
)

const portAudioMaxChannels = 2

func findPortAudioDevice(deviceID string) (*portaudio.DeviceInfo, error) {
	if deviceID == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == deviceID && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device not found: %s", deviceID)
}

func openPortAudio(d *Device, req capture.OpenRequest, q *packetQueue) (capture.Session, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize PortAudio: %w", capture.ErrDeviceUnavailable, err)
	}

	device, err := findPortAudioDevice(d.opts.DeviceID)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: %w", capture.ErrDeviceUnavailable, err)
	}

	channels := min(device.MaxInputChannels, portAudioMaxChannels)
	rate := uint32(device.DefaultSampleRate)
	latency := max(req.TargetLatency, device.DefaultLowInputLatency)
	format := pcm.New(pcm.TagPCM, rate, uint16(channels), 16)

	s := &portAudioSession{
		packetQueue: q,
		format:      format,
		channels:    channels,
		log:         d.log,
	}

	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  latency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: max(latencyFrames(latency, rate)/2, 1),
	}, s.process)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: failed to open audio stream: %w", capture.ErrDeviceUnavailable, err)
	}
	s.stream = stream

	d.log.Info().
		Str("device", device.Name).
		Stringer("format", format).
		Dur("latency", latency).
		Msg("PortAudio device opened")
	return s, nil
}

type portAudioSession struct {
	*packetQueue
	stream   *portaudio.Stream
	format   pcm.Format
	channels int
	log      zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// process runs on the PortAudio callback thread.
func (s *portAudioSession) process(in []int16) {
	pb := s.acquire(len(in) * 2)
	encodeInt16LE(pb.data, in)
	pb.frames = len(in) / s.channels
	s.publish(pb)
}

// encodeInt16LE writes samples into dst as little-endian 16-bit PCM.
// dst must hold 2*len(samples) bytes.
func encodeInt16LE(dst []byte, samples []int16) {
	for i, v := range samples {
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(v))
	}
}

func (s *portAudioSession) MixFormat() pcm.Format {
	return s.format
}

func (s *portAudioSession) Start() error {
	return s.stream.Start()
}

func (s *portAudioSession) Stop() error {
	return s.stream.Stop()
}

func (s *portAudioSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.stream.Close()
		if err := portaudio.Terminate(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to terminate PortAudio")
		}
		s.flush()
	})
	return s.closeErr
}

func listPortAudioDevices() ([]AudioDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]AudioDevice, 0, len(devices))
	defaultDevice, _ := portaudio.DefaultInputDevice()

	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, AudioDevice{
				ID:      d.Name,
				Name:    d.Name,
				Default: d == defaultDevice,
			})
		}
	}

	return result, nil
}
