// Package xattr implements a cache driver that keeps entry metadata in
// extended attributes on the cached files themselves.
//
// Each cached object is a single file named by its id in the cache
// directory. Its state, size, digest, hit count and timestamps live in
// "user.imagecache.*" attributes. Staging files live in the same directory
// under dot-prefixed names so promotion is a same-filesystem rename, and the
// attributes are written before the rename so a file appearing under its
// final name is always complete.
//
// The filesystem must support user extended attributes; New probes for that
// and fails with driver.ErrStorageUnavailable otherwise.
package xattr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	digest "github.com/opencontainers/go-digest"

	"github.com/meigma/imagecache/checksum"
	"github.com/meigma/imagecache/driver"
	"github.com/meigma/imagecache/staging"
)

// Name is the driver variant name.
const Name = "xattr"

const (
	attrPrefix   = "user.imagecache."
	attrState    = attrPrefix + "state"
	attrSize     = attrPrefix + "size"
	attrHits     = attrPrefix + "hits"
	attrCreated  = attrPrefix + "created"
	attrAccessed = attrPrefix + "accessed"
	attrDigest   = attrPrefix + "digest"
	attrObject   = attrPrefix + "object_created"
	attrProbe    = attrPrefix + "probe"

	// attrDeleted marks a staging file whose entry was deleted while it was
	// being populated. Commit checks it after the rename.
	attrDeleted = attrPrefix + "deleted"

	defaultDirPerm = 0o700
	listBatch      = 256
)

var errNoAttr = errors.New("xattr: attribute not set")

// Driver is an extended-attribute cache driver.
type Driver struct {
	dir     string
	dirPerm os.FileMode
	area    *staging.Area
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithDirPerm sets the permissions used when creating the cache directory.
func WithDirPerm(mode os.FileMode) Option {
	return func(d *Driver) {
		d.dirPerm = mode
	}
}

// WithLogger sets the logger for recoverable errors and cleanup.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// New opens the cache directory dir, creating it if needed.
//
// New verifies that the filesystem supports user extended attributes and
// reclaims staging files and invalid entries left by crashed processes.
func New(dir string, opts ...Option) (*Driver, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: cache dir is empty", driver.ErrStorageUnavailable)
	}
	d := &Driver{
		dir:     dir,
		dirPerm: defaultDirPerm,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	area, err := staging.New(dir, staging.WithDirPerm(d.dirPerm))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", driver.ErrStorageUnavailable, err)
	}
	d.area = area
	if err := probe(dir); err != nil {
		return nil, fmt.Errorf("%w: extended attributes unsupported in %s: %v", driver.ErrStorageUnavailable, dir, err)
	}
	report, err := d.Clean(context.Background())
	if err != nil {
		return nil, fmt.Errorf("clean cache dir: %w", err)
	}
	if report.Staging > 0 || report.Invalid > 0 {
		d.log().Info("reclaimed cache dir", "dir", dir, "staging", report.Staging, "invalid", report.Invalid)
	}
	return d, nil
}

// Name implements driver.Driver.
func (d *Driver) Name() string {
	return Name
}

// Dir returns the cache directory.
func (d *Driver) Dir() string {
	return d.dir
}

// IsCached implements driver.Driver. An entry whose attributes are missing
// or disagree with the file is removed and reported as not cached.
func (d *Driver) IsCached(ctx context.Context, id string) (bool, error) {
	if err := driver.ValidateID(id); err != nil {
		return false, err
	}
	_, err := d.Stat(ctx, id)
	if errors.Is(err, driver.ErrNotCached) {
		return false, nil
	}
	return err == nil, err
}

// IsQueued implements driver.Driver.
func (d *Driver) IsQueued(_ context.Context, id string) (bool, error) {
	if err := driver.ValidateID(id); err != nil {
		return false, err
	}
	return d.area.Held(id)
}

// OpenForWrite implements driver.Driver.
func (d *Driver) OpenForWrite(ctx context.Context, id string, want driver.Expect) (driver.WriteHandle, error) {
	if err := driver.ValidateID(id); err != nil {
		return nil, err
	}
	if _, err := d.Stat(ctx, id); err == nil {
		return nil, driver.ErrAlreadyCached
	} else if !errors.Is(err, driver.ErrNotCached) {
		return nil, err
	}

	f, err := d.area.Acquire(id, want.Digest, want.Size)
	if err != nil {
		if errors.Is(err, staging.ErrBusy) {
			return nil, driver.ErrAlreadyPopulating
		}
		return nil, fmt.Errorf("%w: acquire staging file: %v", driver.ErrStorageUnavailable, err)
	}

	// Another populator may have committed between the check above and our
	// acquisition of a fresh staging file.
	if _, err := d.Stat(ctx, id); err == nil {
		_ = f.Discard() //nolint:errcheck // staging file is unused
		return nil, driver.ErrAlreadyCached
	}

	if err := setAttr(f.Path(), attrState, driver.StatePopulating.String()); err != nil {
		_ = f.Discard() //nolint:errcheck // staging file is unused
		return nil, fmt.Errorf("%w: mark populating: %v", driver.ErrStorageUnavailable, err)
	}
	return &writeHandle{File: f, owner: d, want: want}, nil
}

// Commit implements driver.Driver.
func (d *Driver) Commit(_ context.Context, h driver.WriteHandle) (driver.Entry, error) {
	wh, err := d.handle(h)
	if err != nil {
		return driver.Entry{}, err
	}
	if wh.Done() {
		return driver.Entry{}, fmt.Errorf("%w: %v", driver.ErrIntegrity, staging.ErrFinished)
	}
	if err := wh.Seal(); err != nil {
		_ = wh.Discard() //nolint:errcheck // already failing
		if errors.Is(err, staging.ErrEmpty) || errors.Is(err, checksum.ErrMismatch) {
			return driver.Entry{}, fmt.Errorf("%w: %w", driver.ErrIntegrity, err)
		}
		return driver.Entry{}, fmt.Errorf("%w: seal %s: %v", driver.ErrStorageUnavailable, wh.ID(), err)
	}

	now := d.now()
	e := driver.Entry{
		ID:             wh.ID(),
		Size:           wh.Written(),
		CreatedAt:      now,
		LastAccessedAt: now,
		State:          driver.StateCached,
		Digest:         wh.Digest(),

		ObjectCreatedAt: wh.want.CreatedAt,
	}
	if err := writeEntry(wh.Path(), e); err != nil {
		_ = wh.Discard() //nolint:errcheck // already failing
		return driver.Entry{}, fmt.Errorf("%w: write attributes: %v", driver.ErrStorageUnavailable, err)
	}
	final := d.path(e.ID)
	if err := wh.Promote(final); err != nil {
		_ = wh.Discard() //nolint:errcheck // already failing
		return driver.Entry{}, fmt.Errorf("%w: %v", driver.ErrStorageUnavailable, err)
	}
	// A Delete that found the staging file tombstoned this inode before
	// removing the final name, so either it sees the promoted file or we
	// see its mark.
	if _, err := fgetAttr(wh.Fd(), attrDeleted); !errors.Is(err, errNoAttr) {
		d.withdraw(wh, final)
		_ = wh.Release() //nolint:errcheck // already failing
		if err != nil {
			return driver.Entry{}, fmt.Errorf("%w: read tombstone %s: %v", driver.ErrStorageUnavailable, e.ID, err)
		}
		return driver.Entry{}, fmt.Errorf("%w: %s removed during population", driver.ErrNotCached, e.ID)
	}
	if err := wh.Release(); err != nil {
		d.log().Warn("release staging file", "id", e.ID, "error", err)
	}
	return e, nil
}

// Abort implements driver.Driver.
func (d *Driver) Abort(_ context.Context, h driver.WriteHandle) error {
	wh, err := d.handle(h)
	if err != nil {
		return err
	}
	return wh.Discard()
}

// OpenForRead implements driver.Driver.
func (d *Driver) OpenForRead(_ context.Context, id string) (driver.ReadHandle, error) {
	if err := driver.ValidateID(id); err != nil {
		return nil, err
	}
	f, err := os.Open(d.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, driver.ErrNotCached
		}
		return nil, fmt.Errorf("%w: open %s: %v", driver.ErrStorageUnavailable, id, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", driver.ErrStorageUnavailable, id, err)
	}
	e, err := d.validate(id, info)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &readHandle{File: f, entry: e}, nil
}

// Stat implements driver.Driver.
func (d *Driver) Stat(_ context.Context, id string) (driver.Entry, error) {
	if err := driver.ValidateID(id); err != nil {
		return driver.Entry{}, err
	}
	info, err := os.Stat(d.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return driver.Entry{}, driver.ErrNotCached
		}
		return driver.Entry{}, fmt.Errorf("%w: stat %s: %v", driver.ErrStorageUnavailable, id, err)
	}
	return d.validate(id, info)
}

// Delete implements driver.Driver. An in-flight populate of id is
// tombstoned first so its Commit fails with driver.ErrNotCached.
func (d *Driver) Delete(_ context.Context, id string) error {
	if err := driver.ValidateID(id); err != nil {
		return err
	}
	if err := d.tombstone(id); err != nil {
		return err
	}
	if err := os.Remove(d.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: delete %s: %v", driver.ErrStorageUnavailable, id, err)
	}
	return nil
}

// List implements driver.Driver. Entries are yielded in directory order.
func (d *Driver) List(ctx context.Context) iter.Seq2[driver.Entry, error] {
	return func(yield func(driver.Entry, error) bool) {
		dir, err := os.Open(d.dir)
		if err != nil {
			yield(driver.Entry{}, fmt.Errorf("%w: open cache dir: %v", driver.ErrStorageUnavailable, err))
			return
		}
		defer dir.Close()

		for {
			if err := ctx.Err(); err != nil {
				yield(driver.Entry{}, err)
				return
			}
			batch, rerr := dir.ReadDir(listBatch)
			for _, de := range batch {
				if !d.isEntryName(de) {
					continue
				}
				e, err := d.Stat(ctx, de.Name())
				if errors.Is(err, driver.ErrNotCached) {
					continue
				}
				if !yield(e, err) {
					return
				}
			}
			if errors.Is(rerr, io.EOF) {
				return
			}
			if rerr != nil {
				yield(driver.Entry{}, fmt.Errorf("%w: read cache dir: %v", driver.ErrStorageUnavailable, rerr))
				return
			}
		}
	}
}

// RecordHit implements driver.Driver. Concurrent hits on the same entry are
// serialized by an exclusive lock on the cached file.
func (d *Driver) RecordHit(_ context.Context, id string) error {
	if err := driver.ValidateID(id); err != nil {
		return err
	}
	path := d.path(id)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return driver.ErrNotCached
		}
		return fmt.Errorf("%w: open %s: %v", driver.ErrStorageUnavailable, id, err)
	}
	defer f.Close()
	if err := lockExclusive(f); err != nil {
		return fmt.Errorf("%w: lock %s: %v", driver.ErrStorageUnavailable, id, err)
	}

	state, err := getAttr(path, attrState)
	if err != nil || driver.ParseState(state) != driver.StateCached {
		return driver.ErrNotCached
	}
	hits, err := getInt(path, attrHits)
	if err != nil && !errors.Is(err, errNoAttr) {
		return fmt.Errorf("%w: read hits %s: %v", driver.ErrStorageUnavailable, id, err)
	}
	if err := setAttr(path, attrHits, strconv.FormatInt(hits+1, 10)); err != nil {
		return fmt.Errorf("%w: record hit %s: %v", driver.ErrStorageUnavailable, id, err)
	}
	if err := setTime(path, attrAccessed, d.now()); err != nil {
		return fmt.Errorf("%w: record access %s: %v", driver.ErrStorageUnavailable, id, err)
	}
	return nil
}

// Clean implements driver.Cleaner. It removes staging files nobody owns and
// cached files whose attributes are missing or inconsistent.
func (d *Driver) Clean(_ context.Context) (driver.CleanReport, error) {
	var report driver.CleanReport
	swept, err := d.area.Sweep()
	report.Staging = swept
	if err != nil {
		return report, fmt.Errorf("%w: %v", driver.ErrOrphanedStagingData, err)
	}

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return report, fmt.Errorf("%w: read cache dir: %v", driver.ErrStorageUnavailable, err)
	}
	for _, de := range entries {
		if !d.isEntryName(de) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if _, err := d.validate(de.Name(), info); errors.Is(err, driver.ErrNotCached) {
			report.Invalid++
		}
	}
	return report, nil
}

// Close implements driver.Driver. It is a no-op.
func (d *Driver) Close() error {
	return nil
}

func (d *Driver) tombstone(id string) error {
	f, err := os.Open(d.area.Path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: open staging file %s: %v", driver.ErrStorageUnavailable, id, err)
	}
	defer f.Close()
	if err := fsetAttr(f.Fd(), attrDeleted, "1"); err != nil {
		return fmt.Errorf("%w: tombstone %s: %v", driver.ErrStorageUnavailable, id, err)
	}
	return nil
}

// withdraw removes final if it still names the promoted staging file.
func (d *Driver) withdraw(wh *writeHandle, final string) {
	promoted, err := wh.Stat()
	if err != nil {
		return
	}
	current, err := os.Stat(final)
	if err != nil || !os.SameFile(promoted, current) {
		return
	}
	if err := os.Remove(final); err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.log().Warn("remove deleted entry", "id", wh.ID(), "error", err)
	}
}

func (d *Driver) path(id string) string {
	return filepath.Join(d.dir, id)
}

func (d *Driver) isEntryName(de fs.DirEntry) bool {
	return de.Type().IsRegular() && !strings.HasPrefix(de.Name(), ".")
}

// validate checks the attributes of the cached file described by info and
// removes the file if they do not describe a complete entry.
func (d *Driver) validate(id string, info fs.FileInfo) (driver.Entry, error) {
	e, err := readEntry(d.path(id), id)
	if errors.Is(err, fs.ErrNotExist) {
		return driver.Entry{}, driver.ErrNotCached
	}
	if err == nil && e.State == driver.StateCached && e.Size == info.Size() {
		return e, nil
	}

	reason := "state " + e.State.String()
	switch {
	case err != nil:
		reason = err.Error()
	case e.Size != info.Size():
		reason = fmt.Sprintf("size attribute %d, file %d", e.Size, info.Size())
	}
	d.log().Warn("removing invalid cache entry", "id", id, "reason", reason)
	if rerr := os.Remove(d.path(id)); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
		return driver.Entry{}, fmt.Errorf("%w: remove invalid %s: %v", driver.ErrStorageUnavailable, id, rerr)
	}
	return driver.Entry{}, driver.ErrNotCached
}

func (d *Driver) handle(h driver.WriteHandle) (*writeHandle, error) {
	wh, ok := h.(*writeHandle)
	if !ok || wh.owner != d {
		return nil, driver.ErrForeignHandle
	}
	return wh, nil
}

func (d *Driver) log() *slog.Logger {
	if d.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.logger
}

type writeHandle struct {
	*staging.File
	owner *Driver
	want  driver.Expect
}

type readHandle struct {
	*os.File
	entry driver.Entry
}

func (r *readHandle) Entry() driver.Entry {
	return r.entry
}

func readEntry(path, id string) (driver.Entry, error) {
	e := driver.Entry{ID: id, State: driver.StateInvalid}
	state, err := getAttr(path, attrState)
	if err != nil {
		return e, err
	}
	e.State = driver.ParseState(state)
	if e.Size, err = getInt(path, attrSize); err != nil {
		return e, err
	}
	if e.Hits, err = getInt(path, attrHits); err != nil {
		return e, err
	}
	if e.CreatedAt, err = getTime(path, attrCreated); err != nil {
		return e, err
	}
	if e.LastAccessedAt, err = getTime(path, attrAccessed); err != nil {
		return e, err
	}
	dg, err := getAttr(path, attrDigest)
	if err != nil {
		return e, err
	}
	if e.Digest, err = digest.Parse(dg); err != nil {
		return e, err
	}
	if e.ObjectCreatedAt, err = getTime(path, attrObject); err != nil && !errors.Is(err, errNoAttr) {
		return e, err
	}
	return e, nil
}

type attr struct{ name, value string }

// writeEntry sets every attribute of e, writing state last. It never
// touches the deletion tombstone.
func writeEntry(path string, e driver.Entry) error {
	attrs := []attr{
		{attrSize, strconv.FormatInt(e.Size, 10)},
		{attrHits, strconv.FormatInt(e.Hits, 10)},
		{attrCreated, strconv.FormatInt(e.CreatedAt.UnixNano(), 10)},
		{attrAccessed, strconv.FormatInt(e.LastAccessedAt.UnixNano(), 10)},
		{attrDigest, e.Digest.String()},
	}
	if !e.ObjectCreatedAt.IsZero() {
		attrs = append(attrs, attr{attrObject, strconv.FormatInt(e.ObjectCreatedAt.UnixNano(), 10)})
	}
	attrs = append(attrs, attr{attrState, e.State.String()})
	for _, a := range attrs {
		if err := setAttr(path, a.name, a.value); err != nil {
			return fmt.Errorf("set %s: %w", a.name, err)
		}
	}
	return nil
}

func getInt(path, name string) (int64, error) {
	v, err := getAttr(path, name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return n, nil
}

func getTime(path, name string) (time.Time, error) {
	n, err := getInt(path, name)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}

func setTime(path, name string, t time.Time) error {
	return setAttr(path, name, strconv.FormatInt(t.UnixNano(), 10))
}

// probe checks that attributes can be set, read back, and survive a rename.
func probe(dir string) error {
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	renamed := name + ".renamed"
	defer os.Remove(name)
	defer os.Remove(renamed)

	if err := setAttr(name, attrProbe, "1"); err != nil {
		return err
	}
	if err := os.Rename(name, renamed); err != nil {
		return err
	}
	got, err := getAttr(renamed, attrProbe)
	if err != nil {
		return err
	}
	if got != "1" {
		return fmt.Errorf("read back %q", got)
	}
	return nil
}

var (
	_ driver.Driver  = (*Driver)(nil)
	_ driver.Cleaner = (*Driver)(nil)
)
