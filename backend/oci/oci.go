// Package oci provides a backend store that keeps objects as blobs in an
// OCI registry repository.
//
// Object ids are blob digests, so storing the same bytes twice yields the
// same id. Registries carry no per-blob metadata: Info.Name and Info.Public
// are not persisted, and integrity flags are kept in memory for the life of
// the Store.
package oci

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/errcode"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/meigma/imagecache/backend"
	"github.com/meigma/imagecache/checksum"
)

// MediaType is the media type of pushed image blobs.
const MediaType = "application/vnd.imagecache.image.v1"

var (
	// ErrUnauthorized is returned when the registry rejects our credentials.
	ErrUnauthorized = errors.New("oci: unauthorized")

	// ErrForbidden is returned when the credentials lack access.
	ErrForbidden = errors.New("oci: forbidden")
)

// BlobStore is the subset of oras registry.BlobStore the store uses.
// *remote.Repository's Blobs() satisfies it.
type BlobStore interface {
	Resolve(ctx context.Context, reference string) (ocispec.Descriptor, error)
	Fetch(ctx context.Context, target ocispec.Descriptor) (io.ReadCloser, error)
	Exists(ctx context.Context, target ocispec.Descriptor) (bool, error)
	Push(ctx context.Context, expected ocispec.Descriptor, content io.Reader) error
	Delete(ctx context.Context, target ocispec.Descriptor) error
}

// Store is a registry-backed object store.
type Store struct {
	blobs      BlobStore
	plainHTTP  bool
	userAgent  string
	credential auth.CredentialFunc
	tempDir    string
	logger     *slog.Logger

	mu      sync.RWMutex
	flagged map[digest.Digest]string
}

// New creates a store for the repository ref, e.g. "localhost:5000/images".
func New(ref string, opts ...Option) (*Store, error) {
	s := newStore(opts)
	repo, err := remote.NewRepository(ref)
	if err != nil {
		return nil, fmt.Errorf("parse repository %q: %w", ref, err)
	}
	repo.PlainHTTP = s.plainHTTP
	repo.Client = &auth.Client{
		Client:     retry.DefaultClient,
		Cache:      auth.NewCache(),
		Credential: s.credential,
		Header: http.Header{
			"User-Agent": []string{s.userAgent},
		},
	}
	s.blobs = repo.Blobs()
	return s, nil
}

// NewWithBlobs creates a store over an existing blob store.
func NewWithBlobs(blobs BlobStore, opts ...Option) *Store {
	s := newStore(opts)
	s.blobs = blobs
	return s
}

func newStore(opts []Option) *Store {
	s := &Store{
		userAgent: "imagecache/1.0",
		flagged:   make(map[digest.Digest]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stat implements backend.Store.
func (s *Store) Stat(ctx context.Context, id string) (backend.Info, error) {
	desc, err := s.resolve(ctx, id)
	if err != nil {
		return backend.Info{}, err
	}
	return s.info(desc), nil
}

// Fetch implements backend.Fetcher.
func (s *Store) Fetch(ctx context.Context, id string) (*backend.Object, error) {
	desc, err := s.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	rc, err := s.blobs.Fetch(ctx, desc)
	if err != nil {
		return nil, mapError(err)
	}
	return &backend.Object{Info: s.info(desc), Body: rc}, nil
}

// Put implements backend.Store. The content is spooled to a temporary file
// to compute its descriptor before pushing.
func (s *Store) Put(ctx context.Context, _ backend.Meta, r io.Reader) (backend.Info, error) {
	tmp, err := os.CreateTemp(s.tempDir, "imagecache-put-*")
	if err != nil {
		return backend.Info{}, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	dgst, n, err := checksum.FromReader(io.TeeReader(r, tmp))
	if err != nil {
		return backend.Info{}, fmt.Errorf("spool object: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return backend.Info{}, err
	}

	desc := ocispec.Descriptor{
		MediaType: MediaType,
		Digest:    dgst,
		Size:      n,
	}
	exists, err := s.blobs.Exists(ctx, desc)
	if err != nil {
		return backend.Info{}, mapError(err)
	}
	if !exists {
		if err := s.blobs.Push(ctx, desc, tmp); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
			return backend.Info{}, mapError(err)
		}
	}
	s.log().Debug("pushed blob", "id", desc.Digest.String(), "bytes", n, "existed", exists)
	return s.info(desc), nil
}

// Delete implements backend.Store. The registry must allow blob deletion.
func (s *Store) Delete(ctx context.Context, id string) error {
	desc, err := s.resolve(ctx, id)
	if err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, desc); err != nil {
		return mapError(err)
	}
	s.mu.Lock()
	delete(s.flagged, desc.Digest)
	s.mu.Unlock()
	return nil
}

// Flag implements backend.Flagger.
func (s *Store) Flag(ctx context.Context, id string, reason error) error {
	desc, err := s.resolve(ctx, id)
	if err != nil {
		return err
	}
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	s.mu.Lock()
	s.flagged[desc.Digest] = msg
	s.mu.Unlock()
	s.log().Warn("flagged blob", "id", id, "reason", msg)
	return nil
}

func (s *Store) resolve(ctx context.Context, id string) (ocispec.Descriptor, error) {
	if _, err := digest.Parse(id); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %s is not a digest", backend.ErrNotFound, id)
	}
	desc, err := s.blobs.Resolve(ctx, id)
	if err != nil {
		return ocispec.Descriptor{}, mapError(err)
	}
	return desc, nil
}

func (s *Store) info(desc ocispec.Descriptor) backend.Info {
	s.mu.RLock()
	_, flagged := s.flagged[desc.Digest]
	s.mu.RUnlock()
	return backend.Info{
		ID:      desc.Digest.String(),
		Size:    desc.Size,
		Digest:  desc.Digest,
		Flagged: flagged,
	}
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// mapError maps ORAS errors to backend sentinel errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errdef.ErrNotFound) {
		return fmt.Errorf("%w: %v", backend.ErrNotFound, err)
	}
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) {
		switch errResp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", backend.ErrNotFound, err)
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		}
	}
	return err
}

var (
	_ backend.Store   = (*Store)(nil)
	_ backend.Flagger = (*Store)(nil)
)
