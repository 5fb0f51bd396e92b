// Package telemetry forwards categorized errors to Sentry.
package telemetry

import (
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/tphakala/offlinecache/internal/conf"
	"github.com/tphakala/offlinecache/internal/errors"
)

// skipped categories are not faults of this process. Network errors are
// the expected offline path and are built on every failed fetch.
var skipped = map[errors.Category]bool{
	errors.CategoryValidation: true,
	errors.CategoryNotFound:   true,
	errors.CategoryNetwork:    true,
}

// Reporter captures EnhancedErrors on its own Sentry hub.
type Reporter struct {
	hub *sentry.Hub
}

// New returns a Reporter for settings, or nil when telemetry is disabled.
func New(settings conf.SentrySettings, release string) (*Reporter, error) {
	if !settings.Enabled {
		return nil, nil
	}
	if settings.DSN == "" {
		return nil, errors.Newf("sentry is enabled but no dsn is set").
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return newReporter(sentry.ClientOptions{
		Dsn:         settings.DSN,
		Environment: settings.Environment,
		Release:     release,
	})
}

func newReporter(opts sentry.ClientOptions) (*Reporter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, errors.New(err).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return &Reporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Report sends ee to Sentry tagged with its component and category.
func (r *Reporter) Report(ee *errors.EnhancedError) {
	if r == nil || ee == nil || skipped[ee.GetCategory()] {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.GetComponent())
		scope.SetTag("category", string(ee.GetCategory()))
		if ctx := ee.GetContext(); len(ctx) > 0 {
			scope.SetContext("error", sentry.Context(ctx))
		}
		r.hub.CaptureException(ee)
	})
}

// Install makes r the process-wide error reporter.
func (r *Reporter) Install() {
	if r != nil {
		errors.SetReporter(r.Report)
	}
}

// Close uninstalls the reporter and flushes buffered events.
func (r *Reporter) Close(timeout time.Duration) bool {
	if r == nil {
		return true
	}
	errors.SetReporter(nil)
	return r.hub.Flush(timeout)
}
