package audit

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"fieldops-auth/backend/internal/audit/domain"
)

// LogEmitter is the subset of otellog.Logger used by OTelWriter.
type LogEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// OTelWriter sends events as OTel log records.
type OTelWriter struct {
	logger LogEmitter
}

// NewOTelWriter returns a Writer emitting through provider. A nil provider yields nil,
// which MultiWriter skips.
func NewOTelWriter(provider *sdklog.LoggerProvider) Writer {
	if provider == nil {
		return nil
	}
	return &OTelWriter{logger: provider.Logger("fieldops.auth.audit")}
}

// NewOTelWriterWithLogger returns an OTelWriter that emits to logger (for tests).
func NewOTelWriterWithLogger(logger LogEmitter) *OTelWriter {
	return &OTelWriter{logger: logger}
}

func (w *OTelWriter) Write(ctx context.Context, e domain.Event) error {
	rec := otellog.Record{}
	ts := e.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetObservedTimestamp(time.Now().UTC())
	rec.SetEventName(string(e.Kind))
	rec.SetBody(otellog.StringValue(string(e.Kind)))
	if e.Kind == domain.KindReplayDetected {
		rec.SetSeverity(otellog.SeverityWarn)
	} else {
		rec.SetSeverity(otellog.SeverityInfo)
	}
	rec.AddAttributes(otellog.String("event_id", e.ID), otellog.String("kind", string(e.Kind)))
	add := func(key, val string) {
		if val != "" {
			rec.AddAttributes(otellog.String(key, val))
		}
	}
	add("user_id", e.UserID)
	add("family_id", e.FamilyID)
	add("session_id", e.SessionID)
	add("client.address", e.IP)
	add("user_agent.original", e.UserAgent)
	add("detail", e.Detail)
	w.logger.Emit(ctx, rec)
	return nil
}
