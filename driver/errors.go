package driver

import "errors"

// Sentinel errors for cache drivers.
var (
	// ErrNotCached is returned when a read targets an entry that is absent,
	// populating or invalid. Callers fall through to the backend.
	ErrNotCached = errors.New("cache: not cached")

	// ErrAlreadyPopulating is returned by OpenForWrite when another actor is
	// staging the same object. Callers serve from the backend without caching.
	ErrAlreadyPopulating = errors.New("cache: already populating")

	// ErrAlreadyCached is returned by OpenForWrite when the object is cached.
	ErrAlreadyCached = errors.New("cache: already cached")

	// ErrIntegrity is returned by Commit when staged content is empty, does
	// not match its expected checksum or size, or the handle is finished.
	ErrIntegrity = errors.New("cache: integrity check failed")

	// ErrStorageUnavailable is returned when the driver's backing medium is
	// inaccessible or lacks a required capability.
	ErrStorageUnavailable = errors.New("cache: storage unavailable")

	// ErrOrphanedStagingData marks staging data left behind by a populator
	// that died before committing. It is reported by cleanup, never to requests.
	ErrOrphanedStagingData = errors.New("cache: orphaned staging data")

	// ErrInvalidID is returned for object identifiers that cannot name a
	// cache file.
	ErrInvalidID = errors.New("cache: invalid object id")

	// ErrForeignHandle is returned when a handle from another driver is passed
	// to Commit or Abort.
	ErrForeignHandle = errors.New("cache: handle not owned by driver")
)
