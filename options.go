package imagecache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Option configures a Cache.
type Option func(*Cache) error

// WithLogger sets the logger for cache decisions and recoverable failures.
// Without it the cache logs nothing.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) error {
		c.logger = logger
		return nil
	}
}

// WithMeterProvider records cache metrics with mp. Metrics are disabled by
// default.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Cache) error {
		if mp == nil {
			return errors.New("meter provider is nil")
		}
		c.meterProvider = mp
		return nil
	}
}

// WithTracerProvider records a span per Fetch with tp. Tracing is disabled
// by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Cache) error {
		if tp == nil {
			return errors.New("tracer provider is nil")
		}
		c.tracerProvider = tp
		return nil
	}
}

// WithBookkeepingTimeout bounds the driver calls made after a response body
// is finished (commit, abort, hit recording), which run detached from the
// request context. Defaults to 30 seconds.
func WithBookkeepingTimeout(d time.Duration) Option {
	return func(c *Cache) error {
		if d <= 0 {
			return errors.New("bookkeeping timeout must be positive")
		}
		c.bookkeepingTimeout = d
		return nil
	}
}

// bookkeepingContext returns a context for finishing a response body. It
// keeps the request's values but outlives its cancellation, since a client
// disconnect must still abort staging.
func (c *Cache) bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.bookkeepingTimeout)
}
