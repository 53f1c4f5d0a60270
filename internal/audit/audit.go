// Package audit delivers security events to one or more backends without
// blocking the authentication path.
package audit

import (
	"context"
	"errors"

	"fieldops-auth/backend/internal/audit/domain"
)

// Sink receives security events. Record never blocks on I/O and never fails the caller.
type Sink interface {
	Record(ctx context.Context, e domain.Event)
}

// Writer delivers one event to a backend. Writers run behind a Dispatcher.
type Writer interface {
	Write(ctx context.Context, e domain.Event) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Record(context.Context, domain.Event) {}

// MultiWriter writes each event to every writer and joins their errors.
type MultiWriter []Writer

func (m MultiWriter) Write(ctx context.Context, e domain.Event) error {
	var errs []error
	for _, w := range m {
		if w == nil {
			continue
		}
		if err := w.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
