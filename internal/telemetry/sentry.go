// Package telemetry wires error reporting to Sentry.
package telemetry

import (
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/tourcraft/relances/internal/conf"
	"github.com/tourcraft/relances/internal/errors"
)

// SentryReporter implements errors.Reporter on top of a sentry hub.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter wraps an existing hub.
func NewSentryReporter(hub *sentry.Hub) *SentryReporter {
	return &SentryReporter{hub: hub}
}

// InitSentry initializes the sentry client from settings and installs the
// reporter globally. It returns nil, nil when no DSN is configured.
func InitSentry(settings conf.Sentry, release string) (*SentryReporter, error) {
	if settings.DSN == "" {
		return nil, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.DSN,
		Environment:      settings.Environment,
		Release:          release,
		AttachStacktrace: true,
		SampleRate:       settings.SampleRate,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfiguration, "failed to initialize sentry")
	}
	r := NewSentryReporter(sentry.CurrentHub())
	errors.SetReporter(r)
	return r, nil
}

// Report captures err with the given tags.
func (r *SentryReporter) Report(err error, tags map[string]string) {
	if err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		r.hub.CaptureException(err)
	})
}

// Flush waits for buffered events to be sent.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}
