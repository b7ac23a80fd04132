package imagecache

import (
	"context"
	"errors"
	"io"

	"github.com/meigma/imagecache/backend"
	"github.com/meigma/imagecache/driver"
)

// hitReader streams a cached entry and records the hit on Close.
type hitReader struct {
	c      *Cache
	ctx    context.Context
	rh     driver.ReadHandle
	n      int64
	closed bool
}

func (c *Cache) newHitReader(ctx context.Context, rh driver.ReadHandle) *hitReader {
	return &hitReader{c: c, ctx: ctx, rh: rh}
}

func (r *hitReader) Read(p []byte) (int, error) {
	n, err := r.rh.Read(p)
	r.n += int64(n)
	return n, err
}

func (r *hitReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.rh.Close()

	ctx, cancel := r.c.bookkeepingContext(r.ctx)
	defer cancel()
	r.c.metrics.served(ctx, SourceCache, r.n)
	id := r.rh.Entry().ID
	if herr := r.c.drv.RecordHit(ctx, id); herr != nil && !errors.Is(herr, driver.ErrNotCached) {
		r.c.driverError("record hit", id, herr)
	}
	return err
}

// bypassReader streams a backend object without caching it.
type bypassReader struct {
	c    *Cache
	ctx  context.Context
	body io.ReadCloser
	n    int64
}

func (c *Cache) newBypassReader(ctx context.Context, obj *backend.Object) *bypassReader {
	return &bypassReader{c: c, ctx: ctx, body: obj.Body}
}

func (r *bypassReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	r.n += int64(n)
	return n, err
}

func (r *bypassReader) Close() error {
	r.c.metrics.served(context.WithoutCancel(r.ctx), SourceBypass, r.n)
	return r.body.Close()
}

// populatingReader streams a backend object to the client while staging
// its bytes into the cache.
//
// The staged entry is committed when the backend stream reaches EOF and
// abandoned if the backend fails, the staging write fails, or the client
// closes the body early. None of these outcomes change what the client
// reads.
type populatingReader struct {
	c    *Cache
	ctx  context.Context
	body io.ReadCloser
	h    driver.WriteHandle // nil once committed or aborted
	n    int64
}

func (c *Cache) newPopulatingReader(ctx context.Context, obj *backend.Object, h driver.WriteHandle) *populatingReader {
	return &populatingReader{c: c, ctx: ctx, body: obj.Body, h: h}
}

func (r *populatingReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if n > 0 {
		r.n += int64(n)
		if r.h != nil {
			if _, werr := r.h.Write(p[:n]); werr != nil {
				r.abort("staging write failed", werr)
			}
		}
	}
	switch {
	case errors.Is(err, io.EOF):
		r.commit()
	case err != nil:
		r.abort("backend read failed", err)
	}
	return n, err
}

func (r *populatingReader) Close() error {
	err := r.body.Close()
	if r.h != nil {
		r.abort("closed before end of stream", nil)
	}
	r.c.metrics.served(context.WithoutCancel(r.ctx), SourceBackend, r.n)
	return err
}

func (r *populatingReader) commit() {
	if r.h == nil {
		return
	}
	h := r.h
	r.h = nil

	ctx, cancel := r.c.bookkeepingContext(r.ctx)
	defer cancel()
	e, err := r.c.drv.Commit(ctx, h)
	if err != nil {
		r.c.commitFailed(ctx, h.ID(), err)
		return
	}
	r.c.committed(ctx, e)
}

func (r *populatingReader) abort(reason string, cause error) {
	if r.h == nil {
		return
	}
	h := r.h
	r.h = nil

	ctx, cancel := r.c.bookkeepingContext(r.ctx)
	defer cancel()
	r.c.aborted(ctx, h, reason, cause)
}
