//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imagecache/backend"
	imagehttp "github.com/meigma/imagecache/http"
	"github.com/meigma/imagecache/internal/testutil"
)

// --- Store ---

func TestStore_PutFetchDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t, "store-roundtrip")
	image := testutil.Image()

	info, err := store.Put(ctx, backend.Meta{Name: "Image1"}, bytes.NewReader(image))
	require.NoError(t, err, "Put")
	assert.Equal(t, digest.FromBytes(image), info.Digest)
	assert.Equal(t, info.Digest.String(), info.ID, "ids are digests")
	assert.Equal(t, int64(testutil.FiveKB), info.Size)

	// Pushing the same bytes again is deduplicated.
	again, err := store.Put(ctx, backend.Meta{}, bytes.NewReader(image))
	require.NoError(t, err, "Put again")
	assert.Equal(t, info.ID, again.ID)

	stat, err := store.Stat(ctx, info.ID)
	require.NoError(t, err, "Stat")
	assert.Equal(t, info.Size, stat.Size)

	obj, err := store.Fetch(ctx, info.ID)
	require.NoError(t, err, "Fetch")
	got, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.NoError(t, obj.Body.Close())
	assert.Equal(t, image, got)

	require.NoError(t, store.Delete(ctx, info.ID), "Delete")
	_, err = store.Fetch(ctx, info.ID)
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestStore_NotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t, "store-notfound")

	_, err := store.Stat(ctx, digest.FromString("never pushed").String())
	require.ErrorIs(t, err, backend.ErrNotFound)

	_, err = store.Fetch(ctx, "not-a-digest")
	require.ErrorIs(t, err, backend.ErrNotFound)
}

// --- Cache over the registry ---

type createdImage struct {
	Image struct {
		ID       string `json:"id"`
		Checksum string `json:"checksum"`
		Size     int64  `json:"size"`
	} `json:"image"`
}

func TestCache_ImageLifecycle(t *testing.T) {
	t.Parallel()

	for _, name := range drivers {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			d, dir := newDriver(t, name)
			store := newStore(t, "lifecycle-"+name)
			srv := newServer(t, d, store)
			client := srv.Client()

			// Unique content per driver so the registries' blobs do not collide.
			image := append(testutil.Image()[:testutil.FiveKB-len(name)], name...)

			resp, err := client.Post(srv.URL+"/v1/images", "application/octet-stream", bytes.NewReader(image))
			require.NoError(t, err)
			require.Equal(t, http.StatusCreated, resp.StatusCode)
			var out createdImage
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			resp.Body.Close()
			assert.Equal(t, digest.FromBytes(image).String(), out.Image.Checksum)
			id := out.Image.ID

			cached, err := d.IsCached(ctx, id)
			require.NoError(t, err)
			assert.False(t, cached, "storing does not cache")

			resp, err = client.Get(srv.URL + "/v1/images/" + id)
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, imagehttp.CacheMiss, resp.Header.Get(imagehttp.HeaderCache))
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			require.NoError(t, err)
			assert.Equal(t, image, body)

			require.True(t, testutil.WaitCached(t, d, id, 1500*time.Millisecond), "cached after one fetch")
			file, err := os.ReadFile(filepath.Join(dir, id))
			require.NoError(t, err)
			assert.Len(t, file, testutil.FiveKB)
			assert.Equal(t, out.Image.Checksum, digest.FromBytes(file).String())

			resp, err = client.Get(srv.URL + "/v1/images/" + id)
			require.NoError(t, err)
			assert.Equal(t, imagehttp.CacheHit, resp.Header.Get(imagehttp.HeaderCache))
			assert.Equal(t, strconv.Itoa(testutil.FiveKB), resp.Header.Get(imagehttp.HeaderSize))
			body, err = io.ReadAll(resp.Body)
			resp.Body.Close()
			require.NoError(t, err)
			assert.Equal(t, image, body)

			req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/images/"+id, nil)
			require.NoError(t, err)
			resp, err = client.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusNoContent, resp.StatusCode)

			cached, err = d.IsCached(ctx, id)
			require.NoError(t, err)
			assert.False(t, cached, "delete invalidates")

			resp, err = client.Get(srv.URL + "/v1/images/" + id)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		})
	}
}
