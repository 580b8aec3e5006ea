package telemetry

import (
	"time"

	"github.com/getsentry/sentry-go"

	"medscribe/internal/errors"
)

type Options struct {
	DSN         string
	Environment string
	Release     string
	// Transport replaces the HTTP transport, used in tests.
	Transport sentry.Transport
}

// SentryReporter forwards terminal failures to sentry. It implements
// errors.Reporter.
type SentryReporter struct {
	hub *sentry.Hub
}

func NewSentryReporter(opts Options) (*SentryReporter, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          opts.Release,
		Transport:        opts.Transport,
		AttachStacktrace: true,
		SendDefaultPII:   false,
	})
	if err != nil {
		return nil, errors.New(err).Component("telemetry").Category(errors.CategoryConfiguration).Build()
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (r *SentryReporter) Report(ee *errors.EnhancedError) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		level := sentry.LevelError
		if ee.Category == errors.CategoryValidation {
			level = sentry.LevelWarning
		}
		scope.SetLevel(level)
		scope.SetTag("component", ee.Component)
		scope.SetTag("category", string(ee.Category))
		if ctx := ee.GetContext(); len(ctx) > 0 {
			scope.SetContext("error", ctx)
		}
		r.hub.CaptureException(ee.Err)
	})
}

// Flush waits for queued events up to timeout.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}
