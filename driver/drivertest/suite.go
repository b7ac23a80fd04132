// Package drivertest provides a contract test suite for driver.Driver
// implementations.
//
// Usage:
//
//	func TestContract(t *testing.T) {
//	    drivertest.Run(t, func(t *testing.T) driver.Driver {
//	        d, err := mydriver.New(t.TempDir())
//	        require.NoError(t, err)
//	        return d
//	    })
//	}
package drivertest

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imagecache/checksum"
	"github.com/meigma/imagecache/driver"
)

// Factory returns a fresh, empty driver. The suite closes it.
type Factory func(t *testing.T) driver.Driver

// FiveKB is the payload size used throughout the suite.
const FiveKB = 5 * 1024

// Payload returns n bytes of a single repeated value, like the images used
// by the registry's functional tests.
func Payload(n int) []byte {
	return []byte(strings.Repeat("*", n))
}

// Expect returns the expectation matching content.
func Expect(content []byte) driver.Expect {
	return driver.Expect{Digest: digest.FromBytes(content), Size: int64(len(content))}
}

// Populate stages and commits content under id.
func Populate(t *testing.T, d driver.Driver, id string, content []byte) driver.Entry {
	t.Helper()
	ctx := context.Background()
	h, err := d.OpenForWrite(ctx, id, Expect(content))
	require.NoError(t, err)
	_, err = h.Write(content)
	require.NoError(t, err)
	e, err := d.Commit(ctx, h)
	require.NoError(t, err)
	return e
}

// Run runs the driver contract suite.
func Run(t *testing.T, newDriver Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, d driver.Driver)
	}{
		{"AbsentByDefault", testAbsentByDefault},
		{"PopulateAndRead", testPopulateAndRead},
		{"PopulatingInvisibleToReaders", testPopulatingInvisible},
		{"SecondPopulatorTurnedAway", testSecondPopulator},
		{"AbortReturnsToAbsent", testAbort},
		{"CommitRejectsEmpty", testCommitEmpty},
		{"CommitRejectsMismatch", testCommitMismatch},
		{"CommitRejectsFinishedHandle", testCommitFinished},
		{"RejectsForeignHandle", testForeignHandle},
		{"RecordHit", testRecordHit},
		{"KeepsObjectCreatedAt", testObjectCreatedAt},
		{"Delete", testDelete},
		{"DeleteDuringPopulation", testDeleteDuringPopulation},
		{"List", testList},
		{"ListAllowsDelete", testListDelete},
		{"InvalidID", testInvalidID},
		{"ConcurrentPopulators", testConcurrentPopulators},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDriver(t)
			t.Cleanup(func() { _ = d.Close() })
			tt.fn(t, d)
		})
	}
}

func testAbsentByDefault(t *testing.T, d driver.Driver) {
	ctx := context.Background()

	cached, err := d.IsCached(ctx, "img")
	require.NoError(t, err)
	assert.False(t, cached)

	queued, err := d.IsQueued(ctx, "img")
	require.NoError(t, err)
	assert.False(t, queued)

	_, err = d.OpenForRead(ctx, "img")
	require.ErrorIs(t, err, driver.ErrNotCached)

	_, err = d.Stat(ctx, "img")
	require.ErrorIs(t, err, driver.ErrNotCached)
}

func testPopulateAndRead(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	content := Payload(FiveKB)

	before := time.Now().Add(-time.Second)
	e := Populate(t, d, "img", content)
	assert.Equal(t, "img", e.ID)
	assert.Equal(t, int64(FiveKB), e.Size)
	assert.Equal(t, digest.FromBytes(content), e.Digest)
	assert.Equal(t, driver.StateCached, e.State)
	assert.Zero(t, e.Hits)
	assert.True(t, e.CreatedAt.After(before), "created_at %v", e.CreatedAt)

	cached, err := d.IsCached(ctx, "img")
	require.NoError(t, err)
	assert.True(t, cached)

	queued, err := d.IsQueued(ctx, "img")
	require.NoError(t, err)
	assert.False(t, queued)

	rh, err := d.OpenForRead(ctx, "img")
	require.NoError(t, err)
	defer rh.Close()
	assert.Equal(t, int64(FiveKB), rh.Entry().Size)

	got, err := io.ReadAll(rh)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	ok, err := checksum.Matches(e.Digest, got)
	require.NoError(t, err)
	assert.True(t, ok, "cached bytes match the committed digest")

	// Seeking back must replay identical bytes.
	_, err = rh.Seek(0, io.SeekStart)
	require.NoError(t, err)
	got, err = io.ReadAll(rh)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	st, err := d.Stat(ctx, "img")
	require.NoError(t, err)
	assert.Equal(t, int64(FiveKB), st.Size)
}

func testPopulatingInvisible(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	content := Payload(FiveKB)

	h, err := d.OpenForWrite(ctx, "img", Expect(content))
	require.NoError(t, err)
	_, err = h.Write(content[:FiveKB/2])
	require.NoError(t, err)
	assert.Equal(t, int64(FiveKB/2), h.Written())
	assert.Equal(t, "img", h.ID())

	queued, err := d.IsQueued(ctx, "img")
	require.NoError(t, err)
	assert.True(t, queued)

	cached, err := d.IsCached(ctx, "img")
	require.NoError(t, err)
	assert.False(t, cached)

	_, err = d.OpenForRead(ctx, "img")
	require.ErrorIs(t, err, driver.ErrNotCached)

	for e, err := range d.List(ctx) {
		require.NoError(t, err)
		t.Fatalf("List yielded populating entry %q", e.ID)
	}

	_, err = h.Write(content[FiveKB/2:])
	require.NoError(t, err)
	_, err = d.Commit(ctx, h)
	require.NoError(t, err)
}

func testSecondPopulator(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	content := Payload(FiveKB)

	h, err := d.OpenForWrite(ctx, "img", Expect(content))
	require.NoError(t, err)

	_, err = d.OpenForWrite(ctx, "img", Expect(content))
	require.ErrorIs(t, err, driver.ErrAlreadyPopulating)

	_, err = h.Write(content)
	require.NoError(t, err)
	_, err = d.Commit(ctx, h)
	require.NoError(t, err)

	_, err = d.OpenForWrite(ctx, "img", Expect(content))
	require.ErrorIs(t, err, driver.ErrAlreadyCached)
}

func testAbort(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	content := Payload(FiveKB)

	h, err := d.OpenForWrite(ctx, "img", Expect(content))
	require.NoError(t, err)
	_, err = h.Write(content[:100])
	require.NoError(t, err)

	require.NoError(t, d.Abort(ctx, h))
	require.NoError(t, d.Abort(ctx, h), "Abort must be idempotent")

	cached, err := d.IsCached(ctx, "img")
	require.NoError(t, err)
	assert.False(t, cached)

	queued, err := d.IsQueued(ctx, "img")
	require.NoError(t, err)
	assert.False(t, queued)

	// The id is free for a new populator.
	Populate(t, d, "img", content)
}

func testCommitEmpty(t *testing.T, d driver.Driver) {
	ctx := context.Background()

	h, err := d.OpenForWrite(ctx, "img", driver.Expect{Size: -1})
	require.NoError(t, err)

	_, err = d.Commit(ctx, h)
	require.ErrorIs(t, err, driver.ErrIntegrity)

	cached, err := d.IsCached(ctx, "img")
	require.NoError(t, err)
	assert.False(t, cached)
}

func testCommitMismatch(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	content := Payload(FiveKB)

	h, err := d.OpenForWrite(ctx, "img", Expect(content))
	require.NoError(t, err)
	_, err = h.Write(bytes.Repeat([]byte("#"), FiveKB))
	require.NoError(t, err)

	_, err = d.Commit(ctx, h)
	require.ErrorIs(t, err, driver.ErrIntegrity)

	cached, err := d.IsCached(ctx, "img")
	require.NoError(t, err)
	assert.False(t, cached)

	_, err = d.OpenForRead(ctx, "img")
	require.ErrorIs(t, err, driver.ErrNotCached)

	// Truncated content fails too.
	h, err = d.OpenForWrite(ctx, "img", Expect(content))
	require.NoError(t, err)
	_, err = h.Write(content[:FiveKB-1])
	require.NoError(t, err)
	_, err = d.Commit(ctx, h)
	require.ErrorIs(t, err, driver.ErrIntegrity)

	Populate(t, d, "img", content)
}

func testCommitFinished(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	content := Payload(FiveKB)

	h, err := d.OpenForWrite(ctx, "img", Expect(content))
	require.NoError(t, err)
	_, err = h.Write(content)
	require.NoError(t, err)
	require.NoError(t, d.Abort(ctx, h))

	_, err = d.Commit(ctx, h)
	require.ErrorIs(t, err, driver.ErrIntegrity)

	cached, err := d.IsCached(ctx, "img")
	require.NoError(t, err)
	assert.False(t, cached)
}

type foreignHandle struct{ bytes.Buffer }

func (foreignHandle) ID() string       { return "img" }
func (f *foreignHandle) Written() int64 { return int64(f.Len()) }

func testForeignHandle(t *testing.T, d driver.Driver) {
	ctx := context.Background()

	_, err := d.Commit(ctx, &foreignHandle{})
	require.ErrorIs(t, err, driver.ErrForeignHandle)
	require.ErrorIs(t, d.Abort(ctx, &foreignHandle{}), driver.ErrForeignHandle)
}

func testRecordHit(t *testing.T, d driver.Driver) {
	ctx := context.Background()

	require.ErrorIs(t, d.RecordHit(ctx, "img"), driver.ErrNotCached)

	first := Populate(t, d, "img", Payload(FiveKB))

	var last driver.Entry
	for i := 1; i <= 3; i++ {
		require.NoError(t, d.RecordHit(ctx, "img"))
		e, err := d.Stat(ctx, "img")
		require.NoError(t, err)
		assert.Equal(t, int64(i), e.Hits)
		assert.False(t, e.LastAccessedAt.Before(first.LastAccessedAt))
		last = e
	}
	assert.Equal(t, first.CreatedAt.UnixNano(), last.CreatedAt.UnixNano())
}

func testObjectCreatedAt(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	content := Payload(FiveKB)
	published := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	want := Expect(content)
	want.CreatedAt = published
	h, err := d.OpenForWrite(ctx, "img", want)
	require.NoError(t, err)
	_, err = h.Write(content)
	require.NoError(t, err)
	e, err := d.Commit(ctx, h)
	require.NoError(t, err)
	assert.True(t, published.Equal(e.ObjectCreatedAt), "commit: %v", e.ObjectCreatedAt)

	st, err := d.Stat(ctx, "img")
	require.NoError(t, err)
	assert.True(t, published.Equal(st.ObjectCreatedAt), "stat: %v", st.ObjectCreatedAt)

	rh, err := d.OpenForRead(ctx, "img")
	require.NoError(t, err)
	defer rh.Close()
	assert.True(t, published.Equal(rh.Entry().ObjectCreatedAt), "read: %v", rh.Entry().ObjectCreatedAt)

	// Without a declared time the field stays zero.
	other := Populate(t, d, "other", content)
	assert.True(t, other.ObjectCreatedAt.IsZero())
	st, err = d.Stat(ctx, "other")
	require.NoError(t, err)
	assert.True(t, st.ObjectCreatedAt.IsZero())
}

func testDelete(t *testing.T, d driver.Driver) {
	ctx := context.Background()

	require.NoError(t, d.Delete(ctx, "img"), "deleting an absent entry is not an error")

	Populate(t, d, "img", Payload(FiveKB))
	require.NoError(t, d.Delete(ctx, "img"))

	cached, err := d.IsCached(ctx, "img")
	require.NoError(t, err)
	assert.False(t, cached)

	_, err = d.OpenForRead(ctx, "img")
	require.ErrorIs(t, err, driver.ErrNotCached)

	// Deleted entries can be populated again.
	Populate(t, d, "img", Payload(FiveKB))
}

func testDeleteDuringPopulation(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	content := Payload(FiveKB)

	h, err := d.OpenForWrite(ctx, "img", Expect(content))
	require.NoError(t, err)
	_, err = h.Write(content)
	require.NoError(t, err)

	require.NoError(t, d.Delete(ctx, "img"))

	_, err = d.Commit(ctx, h)
	require.ErrorIs(t, err, driver.ErrNotCached)

	cached, err := d.IsCached(ctx, "img")
	require.NoError(t, err)
	assert.False(t, cached, "deleted entry must not be committed")
	_, err = d.OpenForRead(ctx, "img")
	require.ErrorIs(t, err, driver.ErrNotCached)

	// The deletion applies to that populate only.
	e := Populate(t, d, "img", content)
	assert.Equal(t, int64(FiveKB), e.Size)
	cached, err = d.IsCached(ctx, "img")
	require.NoError(t, err)
	assert.True(t, cached)
}

func testList(t *testing.T, d driver.Driver) {
	ctx := context.Background()

	want := map[string]int64{}
	for i := range 5 {
		id := fmt.Sprintf("img-%d", i)
		Populate(t, d, id, Payload(100*(i+1)))
		want[id] = int64(100 * (i + 1))
	}

	// An in-flight populate is not listed.
	h, err := d.OpenForWrite(ctx, "pending", driver.Expect{Size: -1})
	require.NoError(t, err)
	defer d.Abort(ctx, h)

	// Ranging twice restarts the enumeration.
	for range 2 {
		got := map[string]int64{}
		for e, err := range d.List(ctx) {
			require.NoError(t, err)
			assert.Equal(t, driver.StateCached, e.State)
			got[e.ID] = e.Size
		}
		assert.Equal(t, want, got)
	}

	// Early termination is honored.
	n := 0
	for _, err := range d.List(ctx) {
		require.NoError(t, err)
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func testListDelete(t *testing.T, d driver.Driver) {
	ctx := context.Background()

	for i := range 20 {
		Populate(t, d, fmt.Sprintf("img-%02d", i), Payload(10))
	}

	deleted := 0
	for e, err := range d.List(ctx) {
		require.NoError(t, err)
		require.NoError(t, d.Delete(ctx, e.ID))
		deleted++
	}
	assert.Equal(t, 20, deleted)

	for e, err := range d.List(ctx) {
		require.NoError(t, err)
		t.Fatalf("entry %q survived deletion", e.ID)
	}
}

func testInvalidID(t *testing.T, d driver.Driver) {
	ctx := context.Background()

	for _, id := range []string{"", "../escape", ".hidden", "a/b"} {
		_, err := d.IsCached(ctx, id)
		assert.ErrorIs(t, err, driver.ErrInvalidID, "IsCached(%q)", id)

		_, err = d.OpenForWrite(ctx, id, driver.Expect{Size: -1})
		assert.ErrorIs(t, err, driver.ErrInvalidID, "OpenForWrite(%q)", id)

		_, err = d.OpenForRead(ctx, id)
		assert.ErrorIs(t, err, driver.ErrInvalidID, "OpenForRead(%q)", id)
	}
}

func testConcurrentPopulators(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	content := Payload(64 * 1024)

	const workers = 16
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		holders atomic.Int32
		maxHeld atomic.Int32
		commits atomic.Int32
		errs    = make(chan error, workers)
	)

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			h, err := d.OpenForWrite(ctx, "img", Expect(content))
			if err != nil {
				if !errors.Is(err, driver.ErrAlreadyPopulating) && !errors.Is(err, driver.ErrAlreadyCached) {
					errs <- err
				}
				return
			}

			n := holders.Add(1)
			for {
				m := maxHeld.Load()
				if n <= m || maxHeld.CompareAndSwap(m, n) {
					break
				}
			}

			for off := 0; off < len(content); off += 4096 {
				if _, err := h.Write(content[off : off+4096]); err != nil {
					_ = d.Abort(ctx, h)
					holders.Add(-1)
					errs <- err
					return
				}
			}
			// The handle is held until Commit returns.
			_, err = d.Commit(ctx, h)
			holders.Add(-1)
			if err != nil {
				errs <- err
				return
			}
			commits.Add(1)
		}()
	}

	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected populator error: %v", err)
	}
	assert.Equal(t, int32(1), commits.Load(), "exactly one populator commits")
	assert.Equal(t, int32(1), maxHeld.Load(), "one staging holder at a time")

	rh, err := d.OpenForRead(ctx, "img")
	require.NoError(t, err)
	defer rh.Close()
	got, err := io.ReadAll(rh)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
