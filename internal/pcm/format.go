// Package pcm describes the sample layout a device session delivers.
package pcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Tag is the WAVE format tag of a stream.
type Tag uint16

const (
	TagPCM        Tag = 0x0001
	TagIEEEFloat  Tag = 0x0003
	TagExtensible Tag = 0xFFFE
)

// extensibleExtra is the size of the WAVEFORMATEXTENSIBLE tail.
const extensibleExtra = 22

// HeaderSize is the size of a serialized WAVEFORMATEX without extra bytes.
const HeaderSize = 18

// ErrInvalidFormat is returned by Validate for formats that cannot be captured.
var ErrInvalidFormat = errors.New("invalid audio format")

func (t Tag) String() string {
	switch t {
	case TagPCM:
		return "pcm"
	case TagIEEEFloat:
		return "float"
	case TagExtensible:
		return "extensible"
	default:
		return fmt.Sprintf("tag(0x%04x)", uint16(t))
	}
}

// Format is the mix format of a capture session. It is captured once when
// the session is opened and never changes afterwards.
type Format struct {
	Tag            Tag
	Channels       uint16
	SampleRate     uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16 // bytes per frame across all channels
	BitsPerSample  uint16
	ExtraSize      uint16
	Extra          []byte
}

// New builds an uncompressed format with derived block align and byte rate.
func New(tag Tag, sampleRate uint32, channels, bitsPerSample uint16) Format {
	blockAlign := channels * bitsPerSample / 8
	return Format{
		Tag:            tag,
		Channels:       channels,
		SampleRate:     sampleRate,
		AvgBytesPerSec: sampleRate * uint32(blockAlign),
		BlockAlign:     blockAlign,
		BitsPerSample:  bitsPerSample,
	}
}

// FrameSize returns the number of bytes in one frame.
func (f Format) FrameSize() int {
	return int(f.BlockAlign)
}

// Validate reports whether the format is internally consistent.
func (f Format) Validate() error {
	if f.Channels == 0 || f.SampleRate == 0 || f.BitsPerSample == 0 {
		return fmt.Errorf("%w: %s", ErrInvalidFormat, f)
	}
	if f.BlockAlign == 0 {
		return fmt.Errorf("%w: zero block align", ErrInvalidFormat)
	}
	if int(f.ExtraSize) != len(f.Extra) {
		return fmt.Errorf("%w: extra size %d but %d extra bytes", ErrInvalidFormat, f.ExtraSize, len(f.Extra))
	}

	switch f.Tag {
	case TagPCM, TagIEEEFloat:
	case TagExtensible:
		if f.ExtraSize < extensibleExtra {
			return fmt.Errorf("%w: extensible format needs %d extra bytes, got %d", ErrInvalidFormat, extensibleExtra, f.ExtraSize)
		}
	default:
		return fmt.Errorf("%w: unsupported tag %s", ErrInvalidFormat, f.Tag)
	}

	if want := f.Channels * f.BitsPerSample / 8; f.BlockAlign != want {
		return fmt.Errorf("%w: block align %d, want %d", ErrInvalidFormat, f.BlockAlign, want)
	}
	if want := f.SampleRate * uint32(f.BlockAlign); f.AvgBytesPerSec != want {
		return fmt.Errorf("%w: %d bytes/sec, want %d", ErrInvalidFormat, f.AvgBytesPerSec, want)
	}
	return nil
}

// BytesFor returns the byte size of d worth of audio, rounded down to whole frames.
func (f Format) BytesFor(d time.Duration) int {
	if d <= 0 || f.SampleRate == 0 {
		return 0
	}
	frames := int64(f.SampleRate) * int64(d) / int64(time.Second)
	return int(frames) * f.FrameSize()
}

// DurationOf returns the playback time of n bytes.
func (f Format) DurationOf(n int) time.Duration {
	if f.AvgBytesPerSec == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(f.AvgBytesPerSec))
}

// MarshalBinary encodes the format as a little-endian WAVEFORMATEX followed
// by its extra bytes.
func (f Format) MarshalBinary() ([]byte, error) {
	if int(f.ExtraSize) != len(f.Extra) {
		return nil, fmt.Errorf("%w: extra size %d but %d extra bytes", ErrInvalidFormat, f.ExtraSize, len(f.Extra))
	}
	b := make([]byte, HeaderSize+len(f.Extra))
	binary.LittleEndian.PutUint16(b[0:], uint16(f.Tag))
	binary.LittleEndian.PutUint16(b[2:], f.Channels)
	binary.LittleEndian.PutUint32(b[4:], f.SampleRate)
	binary.LittleEndian.PutUint32(b[8:], f.AvgBytesPerSec)
	binary.LittleEndian.PutUint16(b[12:], f.BlockAlign)
	binary.LittleEndian.PutUint16(b[14:], f.BitsPerSample)
	binary.LittleEndian.PutUint16(b[16:], f.ExtraSize)
	copy(b[HeaderSize:], f.Extra)
	return b, nil
}

func (f Format) String() string {
	return fmt.Sprintf("%s %dHz %dch %dbit", f.Tag, f.SampleRate, f.Channels, f.BitsPerSample)
}
