package audit

import (
	"context"

	"github.com/rs/zerolog"

	"fieldops-auth/backend/internal/audit/domain"
)

// LogWriter writes events as structured log lines. Replay events log at warn level.
type LogWriter struct {
	log zerolog.Logger
}

// NewLogWriter returns a Writer that logs to log.
func NewLogWriter(log zerolog.Logger) *LogWriter {
	return &LogWriter{log: log.With().Str("stream", "audit").Logger()}
}

func (w *LogWriter) Write(_ context.Context, e domain.Event) error {
	ev := w.log.Info()
	if e.Kind == domain.KindReplayDetected {
		ev = w.log.Warn()
	}
	ev.Str("event_id", e.ID).
		Str("kind", string(e.Kind)).
		Time("occurred_at", e.OccurredAt)
	for k, v := range map[string]string{
		"user_id":    e.UserID,
		"family_id":  e.FamilyID,
		"session_id": e.SessionID,
		"ip":         e.IP,
		"user_agent": e.UserAgent,
		"detail":     e.Detail,
	} {
		if v != "" {
			ev.Str(k, v)
		}
	}
	ev.Msg("security event")
	return nil
}
