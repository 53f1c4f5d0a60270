// Package logging builds the zerolog logger shared by the auth binaries.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// New returns a logger writing JSON to w, or human-readable output when pretty is set.
// An unknown level falls back to info; the second return value reports the fallback.
func New(w io.Writer, level string, pretty bool) (zerolog.Logger, bool) {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	fellBack := err != nil || level == ""
	if fellBack {
		lvl = zerolog.InfoLevel
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).
		Level(lvl).
		Hook(TraceHook{}).
		With().
		Timestamp().
		Str("service", "fieldops-auth").
		Logger(), fellBack
}

// TraceHook adds trace_id and span_id to events logged with a context carrying a valid span.
type TraceHook struct{}

func (TraceHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return
	}
	e.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
}
