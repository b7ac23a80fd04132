package imagecache

import (
	"errors"

	"github.com/meigma/imagecache/backend"
	"github.com/meigma/imagecache/driver"
)

// Errors re-exported from driver.
var (
	// ErrNotCached is returned when an entry is absent, populating or invalid.
	ErrNotCached = driver.ErrNotCached

	// ErrAlreadyPopulating is returned when another actor is staging the object.
	ErrAlreadyPopulating = driver.ErrAlreadyPopulating

	// ErrAlreadyCached is returned when population is attempted for a cached object.
	ErrAlreadyCached = driver.ErrAlreadyCached

	// ErrIntegrity is returned when staged bytes do not match the backend's checksum.
	ErrIntegrity = driver.ErrIntegrity

	// ErrStorageUnavailable is returned when the cache medium is inaccessible.
	ErrStorageUnavailable = driver.ErrStorageUnavailable

	// ErrOrphanedStagingData marks staging data left by a crashed populator.
	ErrOrphanedStagingData = driver.ErrOrphanedStagingData

	// ErrInvalidID is returned for object ids that cannot name a cache entry.
	ErrInvalidID = driver.ErrInvalidID
)

// Errors re-exported from backend.
var (
	// ErrNotFound is returned when the backend does not know an object.
	ErrNotFound = backend.ErrNotFound
)

// ErrUnknownDriver is returned by Open for an unrecognized driver name.
var ErrUnknownDriver = errors.New("imagecache: unknown driver")
