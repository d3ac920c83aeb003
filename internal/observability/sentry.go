package observability

import (
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
)

type SentryConfig struct {
	DSN              string  `koanf:"dsn"`
	TracesSampleRate float64 `koanf:"traces_sample_rate"`
}

// InitSentry is a no-op without a DSN.
func InitSentry(cfg SentryConfig, environment string) error {
	if cfg.DSN == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      environment,
		AttachStacktrace: true,
		TracesSampleRate: cfg.TracesSampleRate,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// CaptureRequestError reports err with the request's method and path.
func CaptureRequestError(r *http.Request, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("method", r.Method)
		scope.SetTag("path", r.URL.Path)
		sentry.CaptureException(err)
	})
}
