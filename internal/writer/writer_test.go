package writer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/petems/loopcap/internal/pcm"
)

func TestWAVLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	format := pcm.New(pcm.TagPCM, 48000, 2, 16)

	f, err := Create(path, ContainerWAV, format)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	for i := 0; i < 2; i++ {
		if _, err := f.Write(payload); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(b) != 46+16 {
		t.Fatalf("expected 62 bytes, got %d", len(b))
	}

	le := binary.LittleEndian
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"riff", string(b[0:4]), "RIFF"},
		{"riff size", le.Uint32(b[4:]), uint32(len(b) - 8)},
		{"wave", string(b[8:12]), "WAVE"},
		{"fmt", string(b[12:16]), "fmt "},
		{"fmt size", le.Uint32(b[16:]), uint32(18)},
		{"tag", le.Uint16(b[20:]), uint16(1)},
		{"channels", le.Uint16(b[22:]), uint16(2)},
		{"rate", le.Uint32(b[24:]), uint32(48000)},
		{"avg bytes", le.Uint32(b[28:]), uint32(192000)},
		{"block align", le.Uint16(b[32:]), uint16(4)},
		{"bits", le.Uint16(b[34:]), uint16(16)},
		{"extra size", le.Uint16(b[36:]), uint16(0)},
		{"data", string(b[38:42]), "data"},
		{"data size", le.Uint32(b[42:]), uint32(16)},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, c.got)
		}
	}
	if !bytes.Equal(b[46:], append(payload, payload...)) {
		t.Errorf("payload mismatch: % x", b[46:])
	}
}

func TestWAVExtensibleFmtChunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ext.wav")
	format := pcm.New(pcm.TagExtensible, 44100, 2, 32)
	format.ExtraSize = 22
	format.Extra = make([]byte, 22)

	f, err := Create(path, ContainerWAV, format)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if got := binary.LittleEndian.Uint32(b[16:]); got != 40 {
		t.Fatalf("expected fmt size 40, got %d", got)
	}
	if string(b[60:64]) != "data" {
		t.Fatalf("expected data chunk at 60, got %q", b[60:64])
	}
	if got := binary.LittleEndian.Uint32(b[64:]); got != 0 {
		t.Fatalf("expected empty data chunk, got %d", got)
	}
}

func TestRawPCMHasNoHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.pcm")

	f, err := Create(path, ContainerPCM, pcm.New(pcm.TagPCM, 8000, 1, 16))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := f.Write([]byte{9, 8, 7, 6}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(b, []byte{9, 8, 7, 6}) {
		t.Fatalf("expected raw payload, got % x", b)
	}
	if f.Bytes() != 4 {
		t.Fatalf("expected 4 payload bytes, got %d", f.Bytes())
	}
}

func TestBytesWhileWriting(t *testing.T) {
	f, err := Create(filepath.Join(t.TempDir(), "out.pcm"), ContainerPCM, pcm.New(pcm.TagPCM, 48000, 2, 16))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer f.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if _, err := f.Write(make([]byte, 64)); err != nil {
				t.Errorf("Write failed: %v", err)
				return
			}
		}
	}()

	var last int64
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		n := f.Bytes()
		if n < last || n%64 != 0 {
			t.Fatalf("inconsistent byte count %d after %d", n, last)
		}
		last = n
	}
	if f.Bytes() != 200*64 {
		t.Fatalf("expected %d bytes, got %d", 200*64, f.Bytes())
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	f, err := Create(filepath.Join(t.TempDir(), "a.wav"), ContainerWAV, pcm.New(pcm.TagPCM, 8000, 1, 16))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_ = f.Close()

	if _, err := f.Write([]byte{1, 2}); !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
}

func TestCreateRejectsInvalidFormat(t *testing.T) {
	format := pcm.New(pcm.TagPCM, 8000, 1, 16)
	format.ExtraSize = 2

	_, err := Create(filepath.Join(t.TempDir(), "bad.wav"), ContainerWAV, format)
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
}

func TestCreateInUnwritableLocation(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	_, err := Create(filepath.Join(blocker, "out.wav"), ContainerWAV, pcm.New(pcm.TagPCM, 8000, 1, 16))
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
}

func TestParseContainer(t *testing.T) {
	tests := []struct {
		in      string
		want    Container
		wantErr bool
	}{
		{"", ContainerWAV, false},
		{"wav", ContainerWAV, false},
		{".WAV", ContainerWAV, false},
		{"pcm", ContainerPCM, false},
		{"mp3", "", true},
	}
	for _, tt := range tests {
		got, err := ParseContainer(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseContainer(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseContainer(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOutputPath(t *testing.T) {
	now := time.Date(2024, 3, 9, 7, 5, 1, 0, time.Local)

	got := OutputPath("captures", "audio_capture", now, ContainerWAV)
	want := filepath.Join("captures", "audio_capture_20240309_070501.wav")
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
