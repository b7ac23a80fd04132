// Package staging manages private write targets for in-progress cache
// population and their atomic promotion into the visible cache namespace.
//
// Each object being populated has exactly one staging file, named
// ".<id>.populating" inside the staging directory. The populator holds an
// exclusive advisory lock on that file for as long as it owns it, so a
// second populator for the same id is turned away immediately, while a
// staging file left behind by a crashed process (whose lock died with it)
// is reclaimed by the next populator or by Sweep.
//
// Promotion is a single rename from the staging name to the final name,
// performed while the lock is still held.
package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	digest "github.com/opencontainers/go-digest"

	"github.com/meigma/imagecache/checksum"
)

const (
	namePrefix     = "."
	nameSuffix     = ".populating"
	defaultDirPerm = 0o700
	defaultPerm    = 0o600

	// acquireAttempts bounds retries when a staging file is reclaimed,
	// renamed or removed underneath us.
	acquireAttempts = 4
)

var (
	// ErrBusy is returned when another live populator holds the staging file.
	ErrBusy = errors.New("staging: held by another populator")

	// ErrFinished is returned when a File is used after Release or Discard.
	ErrFinished = errors.New("staging: file already finished")

	// ErrEmpty is returned by Seal when no content was written.
	ErrEmpty = errors.New("staging: no content written")
)

// Name returns the staging file name for id.
func Name(id string) string {
	return namePrefix + id + nameSuffix
}

// IsName reports whether name follows the staging name pattern.
func IsName(name string) bool {
	_, ok := IDFromName(name)
	return ok
}

// IDFromName extracts the object id from a staging file name.
func IDFromName(name string) (string, bool) {
	if len(name) <= len(namePrefix)+len(nameSuffix) ||
		!strings.HasPrefix(name, namePrefix) || !strings.HasSuffix(name, nameSuffix) {
		return "", false
	}
	return name[len(namePrefix) : len(name)-len(nameSuffix)], true
}

// Area is a directory holding staging files.
type Area struct {
	dir     string
	dirPerm os.FileMode
	perm    os.FileMode
}

// Option configures an Area.
type Option func(*Area)

// WithDirPerm sets the permissions used when creating the staging directory.
func WithDirPerm(mode os.FileMode) Option {
	return func(a *Area) {
		a.dirPerm = mode
	}
}

// WithFilePerm sets the permissions of new staging files.
func WithFilePerm(mode os.FileMode) Option {
	return func(a *Area) {
		a.perm = mode
	}
}

// New creates a staging area rooted at dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Area, error) {
	if dir == "" {
		return nil, errors.New("staging dir is empty")
	}
	a := &Area{
		dir:     dir,
		dirPerm: defaultDirPerm,
		perm:    defaultPerm,
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := os.MkdirAll(dir, a.dirPerm); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return a, nil
}

// Dir returns the staging directory.
func (a *Area) Dir() string {
	return a.dir
}

// Path returns the staging file path for id.
func (a *Area) Path(id string) string {
	return filepath.Join(a.dir, Name(id))
}

// Acquire takes ownership of a new, empty staging file for id.
//
// The returned File digests everything written to it; Seal compares the
// result against expected and size (see checksum.NewValidator).
// Acquire returns ErrBusy if a live populator already owns id.
func (a *Area) Acquire(id string, expected digest.Digest, size int64) (*File, error) {
	v, err := checksum.NewValidator(expected, size)
	if err != nil {
		return nil, err
	}
	path := a.Path(id)
	f, err := openOwned(path, a.perm)
	if err != nil {
		return nil, err
	}
	return &File{
		id:   id,
		path: path,
		f:    f,
		v:    v,
	}, nil
}

// Held reports whether a live populator owns the staging file for id.
func (a *Area) Held(id string) (bool, error) {
	return held(a.Path(id))
}

// Sweep removes staging files that no live populator owns and returns the
// number removed.
func (a *Area) Sweep() (int, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read staging dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() || !IsName(e.Name()) {
			continue
		}
		ok, err := reclaim(filepath.Join(a.dir, e.Name()))
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// File is an owned staging file.
//
// A File is not safe for concurrent use.
type File struct {
	id     string
	path   string
	f      *os.File
	v      *checksum.Validator
	n      int64
	sealed bool
	done   bool
}

// ID returns the object id being staged.
func (f *File) ID() string {
	return f.id
}

// Path returns the staging file path.
func (f *File) Path() string {
	return f.path
}

// Written returns the number of bytes written.
func (f *File) Written() int64 {
	return f.n
}

// Digest returns the digest of the bytes written so far.
func (f *File) Digest() digest.Digest {
	return f.v.Digest()
}

// Fd returns the file descriptor of the open staging file.
func (f *File) Fd() uintptr {
	return f.f.Fd()
}

// Stat describes the open staging file, wherever it now lives.
func (f *File) Stat() (os.FileInfo, error) {
	return f.f.Stat()
}

// Done reports whether the file has been released or discarded.
func (f *File) Done() bool {
	return f.done
}

// Write implements io.Writer.
func (f *File) Write(p []byte) (int, error) {
	if f.done || f.sealed {
		return 0, ErrFinished
	}
	n, err := f.f.Write(p)
	if n > 0 {
		_, _ = f.v.Write(p[:n]) //nolint:errcheck // Validator writes never fail
		f.n += int64(n)
	}
	return n, err
}

// Seal flushes the staged bytes to stable storage and validates them.
// It returns ErrEmpty if nothing was written and a checksum.ErrMismatch
// error if the content does not match the expectation.
func (f *File) Seal() error {
	if f.done {
		return ErrFinished
	}
	if f.n == 0 {
		return ErrEmpty
	}
	if err := f.v.Validate(); err != nil {
		return err
	}
	if err := f.f.Sync(); err != nil {
		return fmt.Errorf("sync staging file: %w", err)
	}
	f.sealed = true
	return nil
}

// Promote renames the sealed staging file to final. The lock is still held
// afterwards; call Release once any bookkeeping tied to the rename is done.
func (f *File) Promote(final string) error {
	if f.done {
		return ErrFinished
	}
	if !f.sealed {
		return errors.New("staging: promote before seal")
	}
	if err := os.Rename(f.path, final); err != nil {
		return fmt.Errorf("promote staging file: %w", err)
	}
	// The rename is already visible; a failed directory sync only weakens
	// durability across power loss.
	_ = syncDir(filepath.Dir(final)) //nolint:errcheck // best-effort durability
	return nil
}

// Release closes the file and drops ownership.
func (f *File) Release() error {
	if f.done {
		return nil
	}
	f.done = true
	return f.f.Close()
}

// Discard removes the staging file and drops ownership. It is idempotent.
func (f *File) Discard() error {
	if f.done {
		return nil
	}
	f.done = true
	err := os.Remove(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	if cerr := f.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
