// Package filesystem provides a backend store that keeps objects as files in
// a local directory.
//
// Each object is stored as <dir>/<id> with a JSON metadata sidecar
// <dir>/<id>.json. Ids are random UUIDs. Both files are written to a
// temporary name and renamed into place, data first, so an object exists
// exactly when its sidecar does. Objects may be zstd-compressed at rest;
// sizes and digests always describe the uncompressed bytes.
package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	digest "github.com/opencontainers/go-digest"

	"github.com/meigma/imagecache/backend"
	"github.com/meigma/imagecache/checksum"
)

const (
	defaultDirPerm  = 0o700
	defaultFilePerm = 0o600
	sidecarExt      = ".json"

	compressionZstd = "zstd"
)

// Store is a filesystem-backed object store.
type Store struct {
	dir      string
	dirPerm  os.FileMode
	perm     os.FileMode
	compress bool
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithCompression enables zstd compression of newly stored objects.
// Objects already stored keep the encoding they were written with.
func WithCompression(enabled bool) Option {
	return func(s *Store) {
		s.compress = enabled
	}
}

// WithDirPerm sets the permissions used when creating the store directory.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a store rooted at dir.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store dir is empty")
	}
	s := &Store{
		dir:     dir,
		dirPerm: defaultDirPerm,
		perm:    defaultFilePerm,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, err
	}
	return s, nil
}

type sidecar struct {
	Name        string        `json:"name"`
	Size        int64         `json:"size"`
	Digest      digest.Digest `json:"checksum"`
	CreatedAt   time.Time     `json:"created_at"`
	Public      bool          `json:"is_public"`
	Compression string        `json:"compression,omitempty"`
	Flagged     bool          `json:"flagged,omitempty"`
	FlagReason  string        `json:"flag_reason,omitempty"`
}

func (m sidecar) info(id string) backend.Info {
	return backend.Info{
		ID:        id,
		Name:      m.Name,
		Size:      m.Size,
		Digest:    m.Digest,
		CreatedAt: m.CreatedAt,
		Public:    m.Public,
		Flagged:   m.Flagged,
	}
}

// Put implements backend.Store.
func (s *Store) Put(ctx context.Context, meta backend.Meta, r io.Reader) (backend.Info, error) {
	if err := ctx.Err(); err != nil {
		return backend.Info{}, err
	}
	id := uuid.NewString()

	tmp, err := os.CreateTemp(s.dir, ".put-*")
	if err != nil {
		return backend.Info{}, err
	}
	tmpPath := tmp.Name()
	fail := func(err error) (backend.Info, error) {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return backend.Info{}, err
	}

	var (
		dst         io.Writer = tmp
		enc         *zstd.Encoder
		compression string
	)
	if s.compress {
		enc, err = zstd.NewWriter(tmp)
		if err != nil {
			return fail(err)
		}
		dst = enc
		compression = compressionZstd
	}
	dgst, n, err := checksum.FromReader(io.TeeReader(contextReader{ctx: ctx, r: r}, dst))
	if err != nil {
		if enc != nil {
			enc.Close()
		}
		return fail(fmt.Errorf("write object: %w", err))
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return fail(fmt.Errorf("compress object: %w", err))
		}
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return backend.Info{}, err
	}
	if err := os.Rename(tmpPath, s.dataPath(id)); err != nil {
		_ = os.Remove(tmpPath)
		return backend.Info{}, err
	}

	m := sidecar{
		Name:        meta.Name,
		Size:        n,
		Digest:      dgst,
		CreatedAt:   s.now().UTC(),
		Public:      meta.Public,
		Compression: compression,
	}
	if err := s.writeSidecar(id, m); err != nil {
		_ = os.Remove(s.dataPath(id))
		return backend.Info{}, err
	}
	s.log().Debug("stored object", "id", id, "bytes", n, "compression", compression)
	return m.info(id), nil
}

// Stat implements backend.Store.
func (s *Store) Stat(_ context.Context, id string) (backend.Info, error) {
	m, err := s.readSidecar(id)
	if err != nil {
		return backend.Info{}, err
	}
	return m.info(id), nil
}

// Fetch implements backend.Fetcher.
func (s *Store) Fetch(_ context.Context, id string) (*backend.Object, error) {
	m, err := s.readSidecar(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.dataPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", backend.ErrNotFound, id)
		}
		return nil, err
	}

	var body io.ReadCloser = f
	switch m.Compression {
	case "":
	case compressionZstd:
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		body = &decodingReader{dec: dec, f: f}
	default:
		f.Close()
		return nil, fmt.Errorf("object %s: unknown compression %q", id, m.Compression)
	}
	return &backend.Object{Info: m.info(id), Body: body}, nil
}

// Delete implements backend.Store.
func (s *Store) Delete(_ context.Context, id string) error {
	if _, err := s.readSidecar(id); err != nil {
		return err
	}
	if err := os.Remove(s.sidecarPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(s.dataPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Flag implements backend.Flagger. Flagged objects stay readable.
func (s *Store) Flag(_ context.Context, id string, reason error) error {
	m, err := s.readSidecar(id)
	if err != nil {
		return err
	}
	m.Flagged = true
	if reason != nil {
		m.FlagReason = reason.Error()
	}
	if err := s.writeSidecar(id, m); err != nil {
		return err
	}
	s.log().Warn("flagged object", "id", id, "reason", m.FlagReason)
	return nil
}

func (s *Store) dataPath(id string) string {
	return filepath.Join(s.dir, id)
}

func (s *Store) sidecarPath(id string) string {
	return filepath.Join(s.dir, id+sidecarExt)
}

func (s *Store) readSidecar(id string) (sidecar, error) {
	if _, err := uuid.Parse(id); err != nil {
		return sidecar{}, fmt.Errorf("%w: %s", backend.ErrNotFound, id)
	}
	data, err := os.ReadFile(s.sidecarPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return sidecar{}, fmt.Errorf("%w: %s", backend.ErrNotFound, id)
		}
		return sidecar{}, err
	}
	var m sidecar
	if err := json.Unmarshal(data, &m); err != nil {
		return sidecar{}, fmt.Errorf("decode metadata for %s: %w", id, err)
	}
	return m, nil
}

func (s *Store) writeSidecar(id string, m sidecar) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".meta-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.sidecarPath(id)); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// decodingReader closes both the zstd decoder and the underlying file.
type decodingReader struct {
	dec *zstd.Decoder
	f   *os.File
}

func (r *decodingReader) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

func (r *decodingReader) Close() error {
	r.dec.Close()
	return r.f.Close()
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

var (
	_ backend.Store   = (*Store)(nil)
	_ backend.Flagger = (*Store)(nil)
)
