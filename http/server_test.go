package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imagecache"
	"github.com/meigma/imagecache/backend"
	"github.com/meigma/imagecache/backend/filesystem"
	"github.com/meigma/imagecache/driver"
	"github.com/meigma/imagecache/driver/sqlite"
	"github.com/meigma/imagecache/driver/xattr"
	imagehttp "github.com/meigma/imagecache/http"
	"github.com/meigma/imagecache/internal/testutil"
)

type fixture struct {
	server *httptest.Server
	drv    driver.Driver
	dir    string
}

func newFixture(t *testing.T, driverName string) *fixture {
	t.Helper()

	store, err := filesystem.New(t.TempDir())
	require.NoError(t, err)

	dir := t.TempDir()
	var drv driver.Driver
	switch driverName {
	case sqlite.Name:
		d, err := sqlite.New(dir)
		require.NoError(t, err)
		t.Cleanup(func() { _ = d.Close() })
		drv = d
	case xattr.Name:
		d, err := xattr.New(dir)
		if errors.Is(err, driver.ErrStorageUnavailable) {
			t.Skipf("xattr driver unavailable: %v", err)
		}
		require.NoError(t, err)
		drv = d
	}

	c, err := imagecache.New(drv, store)
	require.NoError(t, err)
	srv := httptest.NewServer(imagehttp.NewServer(c, store).Handler())
	t.Cleanup(srv.Close)
	return &fixture{server: srv, drv: drv, dir: dir}
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, header map[string]string) *nethttp.Response {
	t.Helper()
	req, err := nethttp.NewRequest(method, f.server.URL+path, body)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

type created struct {
	Image struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		Checksum  string    `json:"checksum"`
		Size      int64     `json:"size"`
		IsPublic  bool      `json:"is_public"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"image"`
}

func (f *fixture) create(t *testing.T, data []byte) created {
	t.Helper()
	resp := f.do(t, nethttp.MethodPost, "/v1/images", bytes.NewReader(data), map[string]string{
		imagehttp.HeaderName:   "Image1",
		imagehttp.HeaderPublic: "true",
	})
	require.Equal(t, nethttp.StatusCreated, resp.StatusCode)
	var out created
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCachedImage(t *testing.T) {
	t.Parallel()

	for _, name := range []string{sqlite.Name, xattr.Name} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, name)
			image := testutil.Image()
			ctx := context.Background()

			out := f.create(t, image)
			assert.Equal(t, "Image1", out.Image.Name)
			assert.True(t, out.Image.IsPublic)
			assert.Equal(t, int64(testutil.FiveKB), out.Image.Size)
			assert.Equal(t, digest.FromBytes(image).String(), out.Image.Checksum)
			id := out.Image.ID

			cached, err := f.drv.IsCached(ctx, id)
			require.NoError(t, err)
			assert.False(t, cached, "storing an image does not cache it")

			resp := f.do(t, nethttp.MethodGet, "/v1/images/"+id, nil, nil)
			require.Equal(t, nethttp.StatusOK, resp.StatusCode)
			assert.Equal(t, imagehttp.CacheMiss, resp.Header.Get(imagehttp.HeaderCache))
			assert.Equal(t, out.Image.Checksum, resp.Header.Get(imagehttp.HeaderChecksum))
			assert.Equal(t, strconv.Itoa(testutil.FiveKB), resp.Header.Get("Content-Length"))
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, image, body)

			require.True(t, testutil.WaitCached(t, f.drv, id, 1500*time.Millisecond),
				"image cached after one fetch")

			cachedFile, err := os.ReadFile(filepath.Join(f.dir, id))
			require.NoError(t, err)
			assert.Len(t, cachedFile, testutil.FiveKB)
			assert.Equal(t, out.Image.Checksum, digest.FromBytes(cachedFile).String())

			resp = f.do(t, nethttp.MethodGet, "/v1/images/"+id, nil, nil)
			require.Equal(t, nethttp.StatusOK, resp.StatusCode)
			assert.Equal(t, imagehttp.CacheHit, resp.Header.Get(imagehttp.HeaderCache))
			body, err = io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, image, body)

			// The hit is recorded when the server closes the body.
			assert.Eventually(t, func() bool {
				e, err := f.drv.Stat(ctx, id)
				return err == nil && e.Hits == 1
			}, 1500*time.Millisecond, 20*time.Millisecond)
		})
	}
}

func TestHead(t *testing.T) {
	t.Parallel()

	f := newFixture(t, sqlite.Name)
	out := f.create(t, testutil.Image())

	resp := f.do(t, nethttp.MethodHead, "/v1/images/"+out.Image.ID, nil, nil)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, "Image1", resp.Header.Get(imagehttp.HeaderName))
	assert.Equal(t, "true", resp.Header.Get(imagehttp.HeaderPublic))
	assert.Equal(t, out.Image.Checksum, resp.Header.Get(imagehttp.HeaderChecksum))
	assert.Equal(t, strconv.Itoa(testutil.FiveKB), resp.Header.Get(imagehttp.HeaderSize))

	cached, err := f.drv.IsCached(context.Background(), out.Image.ID)
	require.NoError(t, err)
	assert.False(t, cached, "HEAD does not populate")
}

func TestDelete(t *testing.T) {
	t.Parallel()

	f := newFixture(t, sqlite.Name)
	out := f.create(t, testutil.Image())
	id := out.Image.ID

	resp := f.do(t, nethttp.MethodGet, "/v1/images/"+id, nil, nil)
	_, err := io.Copy(io.Discard, resp.Body)
	require.NoError(t, err)
	require.True(t, testutil.WaitCached(t, f.drv, id, 1500*time.Millisecond))

	resp = f.do(t, nethttp.MethodDelete, "/v1/images/"+id, nil, nil)
	assert.Equal(t, nethttp.StatusNoContent, resp.StatusCode)

	cached, err := f.drv.IsCached(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, cached, "delete invalidates the cache entry")

	resp = f.do(t, nethttp.MethodGet, "/v1/images/"+id, nil, nil)
	assert.Equal(t, nethttp.StatusNotFound, resp.StatusCode)

	resp = f.do(t, nethttp.MethodDelete, "/v1/images/"+id, nil, nil)
	assert.Equal(t, nethttp.StatusNotFound, resp.StatusCode)
}

func TestErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, sqlite.Name)

	tests := []struct {
		name   string
		method string
		path   string
		header map[string]string
		want   int
	}{
		{"unknown image", nethttp.MethodGet, "/v1/images/00000000-0000-0000-0000-000000000000", nil, nethttp.StatusNotFound},
		{"malformed id", nethttp.MethodGet, "/v1/images/not-a-uuid", nil, nethttp.StatusNotFound},
		{"head unknown", nethttp.MethodHead, "/v1/images/nope", nil, nethttp.StatusNotFound},
		{"bad public header", nethttp.MethodPost, "/v1/images", map[string]string{imagehttp.HeaderPublic: "maybe"}, nethttp.StatusBadRequest},
		{"method not allowed", nethttp.MethodPut, "/v1/images/x", nil, nethttp.StatusMethodNotAllowed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, tc.method, tc.path, strings.NewReader("x"), tc.header)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, sqlite.Name)
	resp := f.do(t, nethttp.MethodGet, "/healthz", nil, nil)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, map[string]string{"status": "ok", "cache": sqlite.Name}, out)
}

func TestHealthDisabled(t *testing.T) {
	t.Parallel()

	store, err := filesystem.New(t.TempDir())
	require.NoError(t, err)
	c, err := imagecache.New(nil, store)
	require.NoError(t, err)
	srv := httptest.NewServer(imagehttp.NewServer(c, store).Handler())
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "disabled", out["cache"])
}

func TestMetaHeadersStableAcrossHit(t *testing.T) {
	t.Parallel()

	for _, name := range []string{sqlite.Name, xattr.Name} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, name)
			// Serve from a backend whose objects predate the cache.
			b := testutil.NewMockBackend()
			image := testutil.Image()
			b.AddWithInfo(backend.Info{
				ID:        "img",
				Size:      int64(len(image)),
				Digest:    digest.FromBytes(image),
				CreatedAt: time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
			}, image)
			c, err := imagecache.New(f.drv, b)
			require.NoError(t, err)
			srv := httptest.NewServer(imagehttp.NewServer(c, b).Handler())
			t.Cleanup(srv.Close)

			get := func() nethttp.Header {
				resp, err := srv.Client().Get(srv.URL + "/v1/images/img")
				require.NoError(t, err)
				defer resp.Body.Close()
				require.Equal(t, nethttp.StatusOK, resp.StatusCode)
				_, err = io.Copy(io.Discard, resp.Body)
				require.NoError(t, err)
				return resp.Header
			}

			miss := get()
			require.Equal(t, imagehttp.CacheMiss, miss.Get(imagehttp.HeaderCache))
			require.True(t, testutil.WaitCached(t, f.drv, "img", 1500*time.Millisecond))
			hit := get()
			require.Equal(t, imagehttp.CacheHit, hit.Get(imagehttp.HeaderCache))

			assert.Equal(t, "2024-03-01T12:30:00Z", miss.Get(imagehttp.HeaderCreatedAt))
			for _, h := range []string{imagehttp.HeaderCreatedAt, imagehttp.HeaderChecksum, imagehttp.HeaderSize, "Content-Length"} {
				assert.Equal(t, miss.Get(h), hit.Get(h), h)
			}
		})
	}
}
