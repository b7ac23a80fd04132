package imagecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/meigma/imagecache/backend"
	"github.com/meigma/imagecache/driver"
)

const defaultBookkeepingTimeout = 30 * time.Second

// Source reports where a response body is served from.
type Source int

const (
	// SourceCache means the body streams from a committed cache entry.
	SourceCache Source = iota
	// SourceBackend means the body streams from the backend while being cached.
	SourceBackend
	// SourceBypass means the body streams from the backend without caching.
	SourceBypass
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceBackend:
		return "backend"
	case SourceBypass:
		return "bypass"
	default:
		return "unknown"
	}
}

// Response is the result of a Fetch. Callers must close Body.
type Response struct {
	// Body streams the object bytes.
	Body io.ReadCloser

	// Info describes the object. On a cache hit only ID, Size, Digest and
	// CreatedAt are set.
	Info backend.Info

	// Source reports where Body streams from.
	Source Source
}

// Stats are cumulative in-process counters.
type Stats struct {
	Hits              int64
	Misses            int64
	Bypasses          int64
	Commits           int64
	Aborts            int64
	IntegrityFailures int64
}

type counters struct {
	hits, misses, bypasses    atomic.Int64
	commits, aborts, failures atomic.Int64
}

// Cache is a read-through cache over a backend.
//
// A Cache is safe for concurrent use.
type Cache struct {
	drv     driver.Driver
	fetcher backend.Fetcher

	logger             *slog.Logger
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	bookkeepingTimeout time.Duration

	metrics *metrics
	tracer  trace.Tracer

	disabled atomic.Bool
	stats    counters
}

// New creates a cache that reads through to fetcher and keeps entries with
// drv. A nil drv yields a cache that passes every request through.
func New(drv driver.Driver, fetcher backend.Fetcher, opts ...Option) (*Cache, error) {
	if fetcher == nil {
		return nil, errors.New("imagecache: backend is nil")
	}
	c := &Cache{
		drv:                drv,
		fetcher:            fetcher,
		meterProvider:      metricnoop.NewMeterProvider(),
		tracerProvider:     tracenoop.NewTracerProvider(),
		bookkeepingTimeout: defaultBookkeepingTimeout,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	m, err := newMetrics(c.meterProvider.Meter(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	c.metrics = m
	c.tracer = c.tracerProvider.Tracer(instrumentationName)
	return c, nil
}

// Enabled reports whether requests are being cached.
func (c *Cache) Enabled() bool {
	return c.drv != nil && !c.disabled.Load()
}

// Driver returns the cache driver, or nil if the cache was created without
// one.
func (c *Cache) Driver() driver.Driver {
	return c.drv
}

// DriverName returns the active driver's name, or "disabled".
func (c *Cache) DriverName() string {
	if !c.Enabled() {
		return "disabled"
	}
	return c.drv.Name()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:              c.stats.hits.Load(),
		Misses:            c.stats.misses.Load(),
		Bypasses:          c.stats.bypasses.Load(),
		Commits:           c.stats.commits.Load(),
		Aborts:            c.stats.aborts.Load(),
		IntegrityFailures: c.stats.failures.Load(),
	}
}

// Fetch returns the bytes of object id.
//
// Cached objects are served without contacting the backend. Otherwise the
// backend's response is returned, and when possible its bytes are staged
// into the cache as Body is read and committed when Body reaches EOF.
// Backend errors are returned unchanged; cache errors never are.
func (c *Cache) Fetch(ctx context.Context, id string) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "imagecache.Fetch",
		trace.WithAttributes(attribute.String("image.id", id)))
	defer span.End()

	resp, err := c.fetch(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("cache.source", resp.Source.String()))
	c.metrics.request(ctx, resp.Source)
	return resp, nil
}

func (c *Cache) fetch(ctx context.Context, id string) (*Response, error) {
	if c.Enabled() {
		if resp := c.serveCached(ctx, id); resp != nil {
			c.stats.hits.Add(1)
			return resp, nil
		}
	}

	obj, err := c.fetcher.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	if h := c.openForWrite(ctx, obj.Info); h != nil {
		c.stats.misses.Add(1)
		return &Response{
			Body:   c.newPopulatingReader(ctx, obj, h),
			Info:   obj.Info,
			Source: SourceBackend,
		}, nil
	}

	c.stats.bypasses.Add(1)
	return &Response{
		Body:   c.newBypassReader(ctx, obj),
		Info:   obj.Info,
		Source: SourceBypass,
	}, nil
}

// serveCached returns a response for a cached entry, or nil to fall through
// to the backend.
func (c *Cache) serveCached(ctx context.Context, id string) *Response {
	cached, err := c.drv.IsCached(ctx, id)
	if err != nil {
		c.driverError("check cache", id, err)
		return nil
	}
	if !cached {
		return nil
	}
	rh, err := c.drv.OpenForRead(ctx, id)
	if err != nil {
		// The entry may have been pruned since IsCached.
		if !errors.Is(err, driver.ErrNotCached) {
			c.driverError("open cached entry", id, err)
		}
		return nil
	}
	e := rh.Entry()
	c.log().Debug("cache hit", "id", id, "driver", c.drv.Name(), "bytes", e.Size)
	return &Response{
		Body: c.newHitReader(ctx, rh),
		Info: backend.Info{
			ID:        id,
			Size:      e.Size,
			Digest:    e.Digest,
			CreatedAt: e.ObjectCreatedAt,
		},
		Source: SourceCache,
	}
}

// openForWrite starts populating info.ID and returns its handle, or nil if
// the response should bypass the cache.
func (c *Cache) openForWrite(ctx context.Context, info backend.Info) driver.WriteHandle {
	if !c.Enabled() {
		return nil
	}
	switch {
	case info.Flagged:
		c.log().Debug("bypassing flagged object", "id", info.ID)
		return nil
	case info.Digest == "":
		c.log().Debug("bypassing object without checksum", "id", info.ID)
		return nil
	case info.Size == 0:
		return nil
	}

	h, err := c.drv.OpenForWrite(ctx, info.ID, driver.Expect{
		Digest:    info.Digest,
		Size:      info.Size,
		CreatedAt: info.CreatedAt,
	})
	switch {
	case err == nil:
		return h
	case errors.Is(err, driver.ErrAlreadyPopulating), errors.Is(err, driver.ErrAlreadyCached):
		c.log().Debug("not caching", "id", info.ID, "reason", err)
	default:
		c.driverError("open for write", info.ID, err)
	}
	return nil
}

// Delete invalidates the cache entry for id. Callers invoke it after the
// backend object is removed. Deleting an uncached id is not an error.
func (c *Cache) Delete(ctx context.Context, id string) error {
	if !c.Enabled() || driver.ValidateID(id) != nil {
		return nil
	}
	if err := c.drv.Delete(ctx, id); err != nil {
		c.driverError("delete", id, err)
		return err
	}
	c.log().Debug("invalidated cache entry", "id", id)
	return nil
}

// Close closes the driver.
func (c *Cache) Close() error {
	if c.drv == nil {
		return nil
	}
	return c.drv.Close()
}

// driverError logs a cache failure. Storage failures switch caching off.
func (c *Cache) driverError(op, id string, err error) {
	switch {
	case errors.Is(err, driver.ErrInvalidID):
		c.log().Debug("uncacheable id", "op", op, "id", id)
	case errors.Is(err, driver.ErrStorageUnavailable):
		if c.disabled.CompareAndSwap(false, true) {
			c.log().Error("cache storage unavailable, caching disabled",
				"op", op, "id", id, "driver", c.drv.Name(), "err", err)
		}
	default:
		c.log().Warn("cache operation failed", "op", op, "id", id, "err", err)
	}
}

// committed records a successful commit.
func (c *Cache) committed(ctx context.Context, e driver.Entry) {
	c.stats.commits.Add(1)
	c.metrics.commits.Add(ctx, 1)
	c.log().Info("cached image", "id", e.ID, "driver", c.drv.Name(), "bytes", e.Size)
}

// commitFailed handles a failed commit. Integrity failures flag the object
// on the backend.
func (c *Cache) commitFailed(ctx context.Context, id string, err error) {
	c.stats.aborts.Add(1)
	c.metrics.aborts.Add(ctx, 1)
	if !errors.Is(err, driver.ErrIntegrity) {
		c.driverError("commit", id, err)
		return
	}

	c.stats.failures.Add(1)
	c.metrics.integrityFailures.Add(ctx, 1)
	c.log().Error("backend object failed integrity check", "id", id, "err", err)
	flagger, ok := c.fetcher.(backend.Flagger)
	if !ok {
		return
	}
	if ferr := flagger.Flag(ctx, id, err); ferr != nil {
		c.log().Warn("flag object", "id", id, "err", ferr)
	}
}

// aborted records that population of id was abandoned.
func (c *Cache) aborted(ctx context.Context, h driver.WriteHandle, reason string, cause error) {
	if err := c.drv.Abort(ctx, h); err != nil {
		c.driverError("abort", h.ID(), err)
	}
	c.stats.aborts.Add(1)
	c.metrics.aborts.Add(ctx, 1)
	c.log().Debug("abandoned cache population", "id", h.ID(), "reason", reason,
		"bytes", h.Written(), "err", cause)
}

func (c *Cache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}
