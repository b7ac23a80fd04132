// Package testutil provides backends and drivers for tests.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"

	"github.com/meigma/imagecache/backend"
	"github.com/meigma/imagecache/driver"
)

// FiveKB is the size of the standard test image.
const FiveKB = 5 * 1024

// Image returns the standard test image: 5 KiB of '*'.
func Image() []byte {
	return []byte(strings.Repeat("*", FiveKB))
}

type object struct {
	info backend.Info
	data []byte
}

// MockBackend is an in-memory backend.Store and backend.Flagger.
type MockBackend struct {
	mu      sync.Mutex
	objects map[string]*object
	next    int
	fetches atomic.Int64

	// FailAfter, if positive, makes fetched bodies fail with ErrInjected
	// after that many bytes.
	FailAfter int64

	// ChunkSize, if positive, limits each body Read to that many bytes.
	ChunkSize int
}

// ErrInjected is returned by bodies of a MockBackend with FailAfter set.
var ErrInjected = errors.New("testutil: injected read failure")

// NewMockBackend returns an empty backend.
func NewMockBackend() *MockBackend {
	return &MockBackend{objects: make(map[string]*object)}
}

// Fetches returns how many successful Fetch calls were made.
func (b *MockBackend) Fetches() int64 {
	return b.fetches.Load()
}

// Add stores data under id with a declared digest and size computed from
// data.
func (b *MockBackend) Add(id string, data []byte) backend.Info {
	return b.AddWithInfo(backend.Info{
		ID:     id,
		Size:   int64(len(data)),
		Digest: digest.FromBytes(data),
	}, data)
}

// AddWithInfo stores data under info.ID with caller-controlled metadata,
// which may disagree with data.
func (b *MockBackend) AddWithInfo(info backend.Info, data []byte) backend.Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now().UTC()
	}
	b.objects[info.ID] = &object{info: info, data: bytes.Clone(data)}
	return info
}

// Corrupt replaces the bytes of id without changing its declared checksum.
func (b *MockBackend) Corrupt(id string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.objects[id]; ok {
		o.data = bytes.Clone(data)
	}
}

// Fetch implements backend.Fetcher.
func (b *MockBackend) Fetch(ctx context.Context, id string) (*backend.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	o, ok := b.objects[id]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrNotFound, id)
	}
	b.fetches.Add(1)

	var r io.Reader = bytes.NewReader(o.data)
	if b.FailAfter > 0 {
		r = io.MultiReader(io.LimitReader(r, b.FailAfter), errReader{ErrInjected})
	}
	if b.ChunkSize > 0 {
		r = &chunkReader{r: r, n: b.ChunkSize}
	}
	return &backend.Object{Info: o.info, Body: io.NopCloser(r)}, nil
}

// Stat implements backend.Store.
func (b *MockBackend) Stat(_ context.Context, id string) (backend.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[id]
	if !ok {
		return backend.Info{}, fmt.Errorf("%w: %s", backend.ErrNotFound, id)
	}
	return o.info, nil
}

// Put implements backend.Store. Ids are sequential.
func (b *MockBackend) Put(_ context.Context, meta backend.Meta, r io.Reader) (backend.Info, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return backend.Info{}, err
	}
	b.mu.Lock()
	b.next++
	id := fmt.Sprintf("img-%d", b.next)
	b.mu.Unlock()
	info := backend.Info{
		ID:     id,
		Name:   meta.Name,
		Public: meta.Public,
		Size:   int64(len(data)),
		Digest: digest.FromBytes(data),
	}
	return b.AddWithInfo(info, data), nil
}

// Delete implements backend.Store.
func (b *MockBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[id]; !ok {
		return fmt.Errorf("%w: %s", backend.ErrNotFound, id)
	}
	delete(b.objects, id)
	return nil
}

// Flag implements backend.Flagger.
func (b *MockBackend) Flag(_ context.Context, id string, _ error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[id]
	if !ok {
		return fmt.Errorf("%w: %s", backend.ErrNotFound, id)
	}
	o.info.Flagged = true
	return nil
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

type chunkReader struct {
	r io.Reader
	n int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(p) > c.n {
		p = p[:c.n]
	}
	return c.r.Read(p)
}

// WaitCached polls d until id is cached or timeout elapses, mirroring how
// an operator observes demand population.
func WaitCached(tb testing.TB, d driver.Driver, id string, timeout time.Duration) bool {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for {
		cached, err := d.IsCached(context.Background(), id)
		if err != nil {
			tb.Fatalf("IsCached(%q): %v", id, err)
		}
		if cached {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// FuncDriver wraps a driver, overriding methods whose function field is set.
type FuncDriver struct {
	driver.Driver

	IsCachedFunc     func(ctx context.Context, id string) (bool, error)
	OpenForWriteFunc func(ctx context.Context, id string, want driver.Expect) (driver.WriteHandle, error)
	CommitFunc       func(ctx context.Context, h driver.WriteHandle) (driver.Entry, error)
	AbortFunc        func(ctx context.Context, h driver.WriteHandle) error
	DeleteFunc       func(ctx context.Context, id string) error
}

// IsCached implements driver.Driver.
func (d *FuncDriver) IsCached(ctx context.Context, id string) (bool, error) {
	if d.IsCachedFunc != nil {
		return d.IsCachedFunc(ctx, id)
	}
	return d.Driver.IsCached(ctx, id)
}

// OpenForWrite implements driver.Driver.
func (d *FuncDriver) OpenForWrite(ctx context.Context, id string, want driver.Expect) (driver.WriteHandle, error) {
	if d.OpenForWriteFunc != nil {
		return d.OpenForWriteFunc(ctx, id, want)
	}
	return d.Driver.OpenForWrite(ctx, id, want)
}

// Commit implements driver.Driver.
func (d *FuncDriver) Commit(ctx context.Context, h driver.WriteHandle) (driver.Entry, error) {
	if d.CommitFunc != nil {
		return d.CommitFunc(ctx, h)
	}
	return d.Driver.Commit(ctx, h)
}

// Abort implements driver.Driver.
func (d *FuncDriver) Abort(ctx context.Context, h driver.WriteHandle) error {
	if d.AbortFunc != nil {
		return d.AbortFunc(ctx, h)
	}
	return d.Driver.Abort(ctx, h)
}

// Delete implements driver.Driver.
func (d *FuncDriver) Delete(ctx context.Context, id string) error {
	if d.DeleteFunc != nil {
		return d.DeleteFunc(ctx, id)
	}
	return d.Driver.Delete(ctx, id)
}
