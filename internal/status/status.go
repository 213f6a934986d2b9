// Package status emits machine-readable single-line JSON records on stdout
// describing a capture run. Diagnostics go to the logger instead.
package status

import (
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/loopcap/internal/pcm"
)

// Reporter writes status records.
type Reporter struct {
	log zerolog.Logger
}

// New returns a Reporter writing to w.
func New(w io.Writer) *Reporter {
	return &Reporter{log: zerolog.New(w).With().Timestamp().Logger()}
}

// Nop returns a Reporter that discards every record.
func Nop() *Reporter {
	return &Reporter{log: zerolog.Nop()}
}

// Format reports the negotiated capture format.
func (r *Reporter) Format(session, source string, f pcm.Format, latency time.Duration) {
	r.log.Log().
		Str("record", "format").
		Str("session", session).
		Str("source", source).
		Str("tag", f.Tag.String()).
		Uint16("format_tag", uint16(f.Tag)).
		Uint32("sample_rate", f.SampleRate).
		Uint16("channels", f.Channels).
		Uint16("bits_per_sample", f.BitsPerSample).
		Uint16("block_align", f.BlockAlign).
		Uint32("avg_bytes_per_sec", f.AvgBytesPerSec).
		Uint16("extra_size", f.ExtraSize).
		Dur("latency", latency).
		Send()
}

// Summary describes a finished run.
type Summary struct {
	Session  string
	Mode     string
	Path     string
	Bytes    int64
	Duration time.Duration
	Drains   int
	Dropped  uint64
	Overruns uint64
	Stalled  bool
	Err      error
}

// Summary reports the outcome of a run.
func (r *Reporter) Summary(s Summary) {
	ev := r.log.Log().
		Str("record", "summary").
		Str("session", s.Session).
		Str("mode", s.Mode).
		Str("path", s.Path).
		Int64("bytes", s.Bytes).
		Float64("seconds", s.Duration.Seconds()).
		Int("drains", s.Drains).
		Uint64("dropped_bytes", s.Dropped).
		Uint64("overruns", s.Overruns).
		Bool("stalled", s.Stalled)
	if s.Err != nil {
		ev = ev.Str("error", s.Err.Error())
	}
	ev.Bool("ok", s.Err == nil).Send()
}
