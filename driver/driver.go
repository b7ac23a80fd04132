// Package driver defines the cache state driver contract.
//
// A Driver owns a cache directory (and any side index) and mediates every
// access to it: existence checks, population through a staging handle,
// atomic promotion, reads, hit bookkeeping, enumeration and deletion.
// Implementations coordinate concurrent populators, including populators in
// other processes sharing the same directory, only through storage-level
// atomicity. No lock is shared in memory.
//
// Entry lifecycle:
//
//	absent -> populating -> cached
//	              |
//	              +-------> absent (abort, integrity failure, crash cleanup)
//
// A cached entry that fails validation becomes invalid and is removed by the
// driver; invalid entries are never served.
package driver

import (
	"context"
	"io"
	"iter"
	"time"

	digest "github.com/opencontainers/go-digest"
)

// State is the lifecycle state of a cache entry.
type State int

// Entry states.
const (
	StateAbsent State = iota
	StatePopulating
	StateCached
	StateInvalid
)

// String returns the persisted name of the state.
func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StatePopulating:
		return "populating"
	case StateCached:
		return "cached"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of State.String. Unknown names parse as StateInvalid.
func ParseState(s string) State {
	switch s {
	case "absent":
		return StateAbsent
	case "populating":
		return StatePopulating
	case "cached":
		return StateCached
	default:
		return StateInvalid
	}
}

// Entry describes a cache entry.
type Entry struct {
	ID             string
	Size           int64
	Hits           int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
	State          State
	Digest         digest.Digest

	// ObjectCreatedAt is the backend object's creation time, as declared
	// when the entry was populated. Zero if the backend declared none.
	ObjectCreatedAt time.Time
}

// Expect is the backend-declared identity of the object being populated.
// A negative Size disables the size check; an empty Digest disables the
// digest check.
type Expect struct {
	Digest digest.Digest
	Size   int64

	// CreatedAt is recorded as the committed entry's ObjectCreatedAt.
	CreatedAt time.Time
}

// WriteHandle receives the bytes of an entry being populated.
//
// Handles are returned by Driver.OpenForWrite and must be finished with
// exactly one of Driver.Commit or Driver.Abort.
type WriteHandle interface {
	io.Writer

	// ID returns the object identifier being populated.
	ID() string

	// Written returns the number of bytes staged so far.
	Written() int64
}

// ReadHandle streams the bytes of a cached entry.
type ReadHandle interface {
	io.ReadSeekCloser

	// Entry returns the metadata of the entry as of opening.
	Entry() Entry
}

// Driver is the cache bookkeeping and storage contract.
//
// Implementations must be safe for concurrent use, and every mutating call
// must be durable before it returns success.
type Driver interface {
	// Name returns the driver variant name.
	Name() string

	// IsCached reports whether id is fully cached and valid.
	IsCached(ctx context.Context, id string) (bool, error)

	// IsQueued reports whether a live populator is staging id.
	IsQueued(ctx context.Context, id string) (bool, error)

	// OpenForWrite allocates staging storage for id and marks it populating.
	// It returns ErrAlreadyPopulating if another actor is staging id and
	// ErrAlreadyCached if id is already cached.
	OpenForWrite(ctx context.Context, id string, want Expect) (WriteHandle, error)

	// Commit atomically promotes staged data to a cached entry.
	// It returns ErrIntegrity, after discarding the staged data, if nothing
	// was written, the handle is finished, or the content does not match the
	// expectation given to OpenForWrite.
	Commit(ctx context.Context, h WriteHandle) (Entry, error)

	// Abort discards staged data and returns id to absent. It is idempotent.
	Abort(ctx context.Context, h WriteHandle) error

	// OpenForRead opens a cached entry. It returns ErrNotCached unless the
	// entry is cached and valid.
	OpenForRead(ctx context.Context, id string) (ReadHandle, error)

	// Stat returns the metadata of a cached entry, or ErrNotCached.
	Stat(ctx context.Context, id string) (Entry, error)

	// Delete removes a cached entry. Deleting an absent entry is not an error.
	Delete(ctx context.Context, id string) error

	// List enumerates cached entries. The sequence is lazy and finite, and
	// ranging over it again starts a fresh enumeration. Entries removed
	// concurrently may or may not be yielded. Consumers may Delete entries
	// while ranging.
	List(ctx context.Context) iter.Seq2[Entry, error]

	// RecordHit increments the hit count of a cached entry and updates its
	// last access time.
	RecordHit(ctx context.Context, id string) error

	// Close releases driver resources.
	Close() error
}

// CleanReport summarizes a Clean pass.
type CleanReport struct {
	// Staging is the number of orphaned staging files removed.
	Staging int
	// Invalid is the number of invalid entries removed.
	Invalid int
}

// Cleaner is implemented by drivers that can reclaim orphaned staging data
// and invalid entries left behind by crashed populators.
type Cleaner interface {
	Clean(ctx context.Context) (CleanReport, error)
}
