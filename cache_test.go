package imagecache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imagecache/backend"
	"github.com/meigma/imagecache/driver"
	"github.com/meigma/imagecache/driver/sqlite"
	"github.com/meigma/imagecache/driver/xattr"
	"github.com/meigma/imagecache/internal/testutil"
)

type driverFactory struct {
	name string
	open func(t *testing.T) driver.Driver
}

func drivers() []driverFactory {
	return []driverFactory{
		{sqlite.Name, func(t *testing.T) driver.Driver {
			d, err := sqlite.New(t.TempDir())
			require.NoError(t, err)
			t.Cleanup(func() { _ = d.Close() })
			return d
		}},
		{xattr.Name, func(t *testing.T) driver.Driver {
			d, err := xattr.New(t.TempDir())
			if errors.Is(err, driver.ErrStorageUnavailable) {
				t.Skipf("xattr driver unavailable: %v", err)
			}
			require.NoError(t, err)
			return d
		}},
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, d driver.Driver)) {
	t.Helper()
	for _, f := range drivers() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			fn(t, f.open(t))
		})
	}
}

func newCache(t *testing.T, d driver.Driver, b backend.Fetcher, opts ...Option) *Cache {
	t.Helper()
	c, err := New(d, b, opts...)
	require.NoError(t, err)
	return c
}

func fetchAll(t *testing.T, c *Cache, id string) ([]byte, Source) {
	t.Helper()
	resp, err := c.Fetch(context.Background(), id)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return data, resp.Source
}

func TestFetchMissThenHit(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, d driver.Driver) {
		b := testutil.NewMockBackend()
		image := testutil.Image()
		info := b.Add("img", image)
		c := newCache(t, d, b)
		ctx := context.Background()

		cached, err := d.IsCached(ctx, "img")
		require.NoError(t, err)
		assert.False(t, cached, "storing does not populate")

		data, src := fetchAll(t, c, "img")
		assert.Equal(t, image, data)
		assert.Equal(t, SourceBackend, src)
		require.True(t, testutil.WaitCached(t, d, "img", 1500*time.Millisecond))

		e, err := d.Stat(ctx, "img")
		require.NoError(t, err)
		assert.Equal(t, int64(testutil.FiveKB), e.Size)
		assert.Equal(t, info.Digest, e.Digest)

		for i := 1; i <= 3; i++ {
			resp, err := c.Fetch(ctx, "img")
			require.NoError(t, err)
			assert.Equal(t, SourceCache, resp.Source)
			assert.Equal(t, info.Digest, resp.Info.Digest)
			assert.Equal(t, int64(testutil.FiveKB), resp.Info.Size)
			got, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.NoError(t, resp.Body.Close())
			assert.Equal(t, image, got)

			e, err := d.Stat(ctx, "img")
			require.NoError(t, err)
			assert.Equal(t, int64(i), e.Hits)
		}

		assert.Equal(t, int64(1), b.Fetches(), "hits never contact the backend")
		assert.Equal(t, Stats{Hits: 3, Misses: 1, Commits: 1}, c.Stats())
	})
}

func TestFetchEarlyCloseAborts(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, d driver.Driver) {
		b := testutil.NewMockBackend()
		b.Add("img", testutil.Image())
		c := newCache(t, d, b)
		ctx := context.Background()

		resp, err := c.Fetch(ctx, "img")
		require.NoError(t, err)
		buf := make([]byte, 1000)
		_, err = io.ReadFull(resp.Body, buf)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())

		cached, err := d.IsCached(ctx, "img")
		require.NoError(t, err)
		assert.False(t, cached)
		queued, err := d.IsQueued(ctx, "img")
		require.NoError(t, err)
		assert.False(t, queued)
		assert.Equal(t, int64(1), c.Stats().Aborts)

		// The next request populates normally.
		_, src := fetchAll(t, c, "img")
		assert.Equal(t, SourceBackend, src)
		cached, err = d.IsCached(ctx, "img")
		require.NoError(t, err)
		assert.True(t, cached)
	})
}

func TestFetchBackendFailure(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, d driver.Driver) {
		b := testutil.NewMockBackend()
		b.Add("img", testutil.Image())
		b.FailAfter = 2048
		c := newCache(t, d, b)
		ctx := context.Background()

		resp, err := c.Fetch(ctx, "img")
		require.NoError(t, err)
		data, err := io.ReadAll(resp.Body)
		require.ErrorIs(t, err, testutil.ErrInjected, "backend errors propagate unchanged")
		assert.Len(t, data, 2048)
		require.NoError(t, resp.Body.Close())

		cached, err := d.IsCached(ctx, "img")
		require.NoError(t, err)
		assert.False(t, cached, "partial data is never cached")
		assert.Equal(t, int64(1), c.Stats().Aborts)
		assert.Zero(t, c.Stats().Commits)
	})
}

func TestFetchIntegrityFailure(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, d driver.Driver) {
		b := testutil.NewMockBackend()
		good := testutil.Image()
		b.Add("img", good)
		bad := bytes.Repeat([]byte("#"), len(good))
		b.Corrupt("img", bad)
		c := newCache(t, d, b)
		ctx := context.Background()

		data, src := fetchAll(t, c, "img")
		assert.Equal(t, bad, data, "clients see what the backend returns")
		assert.Equal(t, SourceBackend, src)

		cached, err := d.IsCached(ctx, "img")
		require.NoError(t, err)
		assert.False(t, cached)

		info, err := b.Stat(ctx, "img")
		require.NoError(t, err)
		assert.True(t, info.Flagged, "object flagged on the backend")
		assert.Equal(t, int64(1), c.Stats().IntegrityFailures)

		// Flagged objects are no longer cached.
		_, src = fetchAll(t, c, "img")
		assert.Equal(t, SourceBypass, src)
	})
}

func TestFetchNotFound(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, d driver.Driver) {
		c := newCache(t, d, testutil.NewMockBackend())

		_, err := c.Fetch(context.Background(), "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSecondPopulatorBypasses(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, d driver.Driver) {
		b := testutil.NewMockBackend()
		image := testutil.Image()
		b.Add("img", image)
		c := newCache(t, d, b)
		ctx := context.Background()

		first, err := c.Fetch(ctx, "img")
		require.NoError(t, err)
		assert.Equal(t, SourceBackend, first.Source)

		data, src := fetchAll(t, c, "img")
		assert.Equal(t, SourceBypass, src, "no waiting on the first populator")
		assert.Equal(t, image, data)

		got, err := io.ReadAll(first.Body)
		require.NoError(t, err)
		require.NoError(t, first.Body.Close())
		assert.Equal(t, image, got)

		cached, err := d.IsCached(ctx, "img")
		require.NoError(t, err)
		assert.True(t, cached)
	})
}

func TestConcurrentFetches(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, d driver.Driver) {
		b := testutil.NewMockBackend()
		b.ChunkSize = 256
		image := testutil.Image()
		b.Add("img", image)
		c := newCache(t, d, b)

		const clients = 8
		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
			bad   atomic.Int32
		)
		for range clients {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				resp, err := c.Fetch(context.Background(), "img")
				if err != nil {
					bad.Add(1)
					return
				}
				defer resp.Body.Close()
				data, err := io.ReadAll(resp.Body)
				if err != nil || !bytes.Equal(data, image) {
					bad.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Zero(t, bad.Load(), "every client reads the full image")
		assert.Equal(t, int64(1), c.Stats().Commits)

		rh, err := d.OpenForRead(context.Background(), "img")
		require.NoError(t, err)
		defer rh.Close()
		got, err := io.ReadAll(rh)
		require.NoError(t, err)
		assert.Equal(t, image, got)
	})
}

func TestFetchBypassesUndeclaredChecksum(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, d driver.Driver) {
		b := testutil.NewMockBackend()
		b.AddWithInfo(backend.Info{ID: "img", Size: 4}, []byte("data"))
		c := newCache(t, d, b)

		data, src := fetchAll(t, c, "img")
		assert.Equal(t, []byte("data"), data)
		assert.Equal(t, SourceBypass, src)
	})
}

func TestDeleteInvalidates(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, d driver.Driver) {
		b := testutil.NewMockBackend()
		b.Add("img", testutil.Image())
		c := newCache(t, d, b)
		ctx := context.Background()

		fetchAll(t, c, "img")
		require.NoError(t, c.Delete(ctx, "img"))

		cached, err := d.IsCached(ctx, "img")
		require.NoError(t, err)
		assert.False(t, cached)

		require.NoError(t, c.Delete(ctx, "img"), "deleting twice is fine")
		require.NoError(t, c.Delete(ctx, "../bad"), "uncacheable ids are ignored")
	})
}

func TestDeleteDuringFetch(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, d driver.Driver) {
		b := testutil.NewMockBackend()
		image := testutil.Image()
		b.Add("img", image)
		c := newCache(t, d, b)
		ctx := context.Background()

		resp, err := c.Fetch(ctx, "img")
		require.NoError(t, err)
		require.Equal(t, SourceBackend, resp.Source)
		head := make([]byte, 100)
		_, err = io.ReadFull(resp.Body, head)
		require.NoError(t, err)

		require.NoError(t, b.Delete(ctx, "img"))
		require.NoError(t, c.Delete(ctx, "img"))

		rest, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		assert.Equal(t, image, append(head, rest...), "the in-flight client still gets the whole object")

		cached, err := d.IsCached(ctx, "img")
		require.NoError(t, err)
		assert.False(t, cached, "a deleted object must not be committed")

		_, err = c.Fetch(ctx, "img")
		require.ErrorIs(t, err, backend.ErrNotFound)
		assert.Zero(t, c.Stats().Commits)
	})
}

func TestNilDriverPassesThrough(t *testing.T) {
	t.Parallel()

	b := testutil.NewMockBackend()
	b.Add("img", testutil.Image())
	c := newCache(t, nil, b)

	assert.False(t, c.Enabled())
	assert.Equal(t, "disabled", c.DriverName())

	data, src := fetchAll(t, c, "img")
	assert.Equal(t, testutil.Image(), data)
	assert.Equal(t, SourceBypass, src)
	require.NoError(t, c.Close())
}

func TestNewRejectsNilBackend(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil)
	require.Error(t, err)
}

func TestStorageUnavailableDisablesCaching(t *testing.T) {
	t.Parallel()

	d, err := sqlite.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	var checks atomic.Int32
	fd := &testutil.FuncDriver{
		Driver: d,
		IsCachedFunc: func(context.Context, string) (bool, error) {
			checks.Add(1)
			return false, driver.ErrStorageUnavailable
		},
	}
	b := testutil.NewMockBackend()
	b.Add("img", testutil.Image())
	c := newCache(t, fd, b)

	for range 3 {
		data, src := fetchAll(t, c, "img")
		assert.Equal(t, testutil.Image(), data)
		assert.Equal(t, SourceBypass, src)
	}
	assert.False(t, c.Enabled())
	assert.Equal(t, "disabled", c.DriverName())
	assert.Equal(t, int32(1), checks.Load(), "driver not consulted once disabled")
}

// failingHandle accepts no bytes.
type failingHandle struct{ id string }

func (h *failingHandle) Write([]byte) (int, error) { return 0, errors.New("disk full") }
func (h *failingHandle) ID() string                { return h.id }
func (h *failingHandle) Written() int64            { return 0 }

func TestStagingWriteFailureKeepsStreaming(t *testing.T) {
	t.Parallel()

	d, err := sqlite.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	var aborts, commits atomic.Int32
	fd := &testutil.FuncDriver{
		Driver: d,
		OpenForWriteFunc: func(_ context.Context, id string, _ driver.Expect) (driver.WriteHandle, error) {
			return &failingHandle{id: id}, nil
		},
		AbortFunc: func(context.Context, driver.WriteHandle) error {
			aborts.Add(1)
			return nil
		},
		CommitFunc: func(context.Context, driver.WriteHandle) (driver.Entry, error) {
			commits.Add(1)
			return driver.Entry{}, nil
		},
	}
	b := testutil.NewMockBackend()
	b.ChunkSize = 512
	b.Add("img", testutil.Image())
	c := newCache(t, fd, b)

	data, src := fetchAll(t, c, "img")
	assert.Equal(t, testutil.Image(), data)
	assert.Equal(t, SourceBackend, src)
	assert.Equal(t, int32(1), aborts.Load(), "aborted exactly once")
	assert.Zero(t, commits.Load())
	assert.True(t, c.Enabled())
}

func TestCommitStorageFailureStillServes(t *testing.T) {
	t.Parallel()

	d, err := sqlite.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	fd := &testutil.FuncDriver{
		Driver: d,
		CommitFunc: func(ctx context.Context, h driver.WriteHandle) (driver.Entry, error) {
			_ = d.Abort(ctx, h)
			return driver.Entry{}, driver.ErrStorageUnavailable
		},
	}
	b := testutil.NewMockBackend()
	b.Add("img", testutil.Image())
	c := newCache(t, fd, b)

	data, err := func() ([]byte, error) {
		resp, err := c.Fetch(context.Background(), "img")
		require.NoError(t, err)
		defer resp.Body.Close()
		return io.ReadAll(resp.Body)
	}()
	require.NoError(t, err)
	assert.Equal(t, testutil.Image(), data)
	assert.False(t, c.Enabled())
}

func TestHitOnPrunedEntryFallsThrough(t *testing.T) {
	t.Parallel()

	d, err := sqlite.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	fd := &testutil.FuncDriver{
		Driver: d,
		IsCachedFunc: func(context.Context, string) (bool, error) {
			return true, nil
		},
	}
	b := testutil.NewMockBackend()
	b.Add("img", testutil.Image())
	c := newCache(t, fd, b)

	data, src := fetchAll(t, c, "img")
	assert.Equal(t, testutil.Image(), data)
	assert.Equal(t, SourceBackend, src)
}

func TestHitResponseMetadata(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, d driver.Driver) {
		b := testutil.NewMockBackend()
		image := testutil.Image()
		info := b.AddWithInfo(backend.Info{
			ID:        "img",
			Size:      int64(len(image)),
			Digest:    digest.FromBytes(image),
			CreatedAt: time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
		}, image)
		c := newCache(t, d, b)

		_, src := fetchAll(t, c, "img")
		require.Equal(t, SourceBackend, src)
		resp, err := c.Fetch(context.Background(), "img")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, SourceCache, resp.Source)
		assert.Equal(t, "img", resp.Info.ID)
		assert.Equal(t, digest.FromBytes(image), resp.Info.Digest)
		assert.True(t, info.CreatedAt.Equal(resp.Info.CreatedAt),
			"hit reports the backend creation time, got %v", resp.Info.CreatedAt)
	})
}
