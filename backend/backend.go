// Package backend defines the object store the cache reads through.
//
// The backend is the source of truth for image bytes and metadata. The
// cache only ever calls Fetch on the read path and, when committed bytes
// fail validation, Flag; stores and deletes come from the HTTP API.
package backend

import (
	"context"
	"errors"
	"io"
	"time"

	digest "github.com/opencontainers/go-digest"
)

// ErrNotFound is returned when the backend does not know an object.
var ErrNotFound = errors.New("backend: object not found")

// Info describes a stored object.
type Info struct {
	ID        string
	Name      string
	Size      int64
	Digest    digest.Digest
	CreatedAt time.Time
	Public    bool

	// Flagged marks an object whose stored bytes failed a cache integrity
	// check. Flagged objects are served without caching.
	Flagged bool
}

// Object is a fetched object. Callers must close Body.
type Object struct {
	Info
	Body io.ReadCloser
}

// Meta is the client-supplied metadata of an object being stored.
type Meta struct {
	Name   string
	Public bool
}

// Fetcher opens objects for reading.
type Fetcher interface {
	// Fetch opens the object id. It returns ErrNotFound for unknown ids.
	Fetch(ctx context.Context, id string) (*Object, error)
}

// Store is a read-write backend.
type Store interface {
	Fetcher

	// Stat returns the metadata of id without opening its bytes.
	Stat(ctx context.Context, id string) (Info, error)

	// Put stores the object read from r and returns its assigned identity.
	Put(ctx context.Context, meta Meta, r io.Reader) (Info, error)

	// Delete removes id. It returns ErrNotFound for unknown ids.
	Delete(ctx context.Context, id string) error
}

// Flagger is implemented by backends that can record that an object's
// bytes did not match its declared checksum.
type Flagger interface {
	Flag(ctx context.Context, id string, reason error) error
}
