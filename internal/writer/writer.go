// Package writer persists captured audio as a WAV file or as headerless
// raw PCM.
package writer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/petems/loopcap/internal/pcm"
)

// ErrWriteFailed wraps every failure to create, append to or finalize an output file.
var ErrWriteFailed = errors.New("write failed")

// Container is the output file layout.
type Container string

const (
	ContainerWAV Container = "wav"
	ContainerPCM Container = "pcm"
)

// ParseContainer validates a container name. An empty name selects WAV.
func ParseContainer(s string) (Container, error) {
	switch c := Container(strings.ToLower(strings.TrimPrefix(s, "."))); c {
	case ContainerWAV, ContainerPCM:
		return c, nil
	case "":
		return ContainerWAV, nil
	default:
		return "", fmt.Errorf("unknown output format %q", s)
	}
}

// Ext returns the file extension without the dot.
func (c Container) Ext() string {
	return string(c)
}

// OutputPath returns <dir>/<prefix>_YYYYMMDD_HHMMSS.<ext> for now.
func OutputPath(dir, prefix string, now time.Time, c Container) string {
	name := fmt.Sprintf("%s_%s.%s", prefix, now.Format("20060102_150405"), c.Ext())
	return filepath.Join(dir, name)
}

const (
	riffSizeOffset = 4
	// RIFF, size, WAVE, "fmt ", fmt size
	chunkPreamble = 20
)

// File is an output file opened for appending captured bytes.
type File struct {
	path      string
	container Container
	f         *os.File

	// headerLen is the number of bytes before the payload
	headerLen int64
	// data is read by progress reporting while a drain appends
	data   atomic.Int64
	closed bool
}

// Create creates path, including missing parent directories, and writes
// the header for format. A WAV header carries placeholder sizes until Close.
func Create(path string, c Container, format pcm.Format) (*File, error) {
	var header []byte
	if c == ContainerWAV {
		h, err := wavHeader(format)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrWriteFailed, err)
		}
		header = h
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create output directory: %w", ErrWriteFailed, err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if _, err := f.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: write header: %w", ErrWriteFailed, err)
	}

	return &File{
		path:      path,
		container: c,
		f:         f,
		headerLen: int64(len(header)),
	}, nil
}

// wavHeader lays out RIFF, WAVE, the fmt chunk sized 18 plus the extra
// format bytes, and an empty data chunk header.
func wavHeader(format pcm.Format) ([]byte, error) {
	fmtChunk, err := format.MarshalBinary()
	if err != nil {
		return nil, err
	}

	h := make([]byte, 0, chunkPreamble+len(fmtChunk)+8)
	h = append(h, "RIFF"...)
	h = binary.LittleEndian.AppendUint32(h, 0)
	h = append(h, "WAVE"...)
	h = append(h, "fmt "...)
	h = binary.LittleEndian.AppendUint32(h, uint32(len(fmtChunk)))
	h = append(h, fmtChunk...)
	h = append(h, "data"...)
	h = binary.LittleEndian.AppendUint32(h, 0)
	return h, nil
}

// Path returns the file path.
func (w *File) Path() string {
	return w.path
}

// Bytes returns the payload bytes written so far.
func (w *File) Bytes() int64 {
	return w.data.Load()
}

// Write appends p to the payload. A short write reports how much of p
// reached the file so the caller can retry the rest.
func (w *File) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("%w: %s already closed", ErrWriteFailed, w.path)
	}
	if w.container == ContainerWAV && w.headerLen-8+w.data.Load()+int64(len(p)) > math.MaxUint32 {
		return 0, fmt.Errorf("%w: wav payload would exceed 4 GiB", ErrWriteFailed)
	}

	n, err := w.f.Write(p)
	w.data.Add(int64(n))
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return n, nil
}

// Close finalizes the WAV sizes and closes the file. It is safe to call
// more than once.
func (w *File) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if w.container == ContainerWAV {
		if err := w.patchSizes(); err != nil {
			w.f.Close()
			return fmt.Errorf("%w: finalize header: %w", ErrWriteFailed, err)
		}
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

func (w *File) patchSizes() error {
	data := w.data.Load()
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(w.headerLen-8+data))
	if _, err := w.f.WriteAt(b[:], riffSizeOffset); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b[:], uint32(data))
	_, err := w.f.WriteAt(b[:], w.headerLen-4)
	return err
}
