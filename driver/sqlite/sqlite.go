// Package sqlite implements a cache driver that keeps entry metadata in an
// embedded SQLite index next to the cached files.
//
// Cached objects are files named by id in the cache directory. In-progress
// populations are staged under the "incomplete" subdirectory. The index
// holds one row per entry; a row is flipped from populating to cached in
// the same transaction that renames the staged file into place, so the
// index and the directory agree on every committed entry. Disagreements
// left by crashes are repaired lazily on access and by Clean.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	digest "github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/meigma/imagecache/checksum"
	"github.com/meigma/imagecache/driver"
	"github.com/meigma/imagecache/staging"
)

// Name is the driver variant name.
const Name = "sqlite"

const (
	// DefaultDBName is the index file name used when no path is configured.
	DefaultDBName = "cache.db"

	// StagingDir is the subdirectory of the cache dir holding staged files.
	StagingDir = "incomplete"

	defaultDirPerm = 0o700
	pageSize       = 256
	busyTimeout    = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	object_id         TEXT PRIMARY KEY,
	size_bytes        INTEGER NOT NULL DEFAULT 0,
	hit_count         INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	last_accessed_at  INTEGER NOT NULL,
	state             TEXT NOT NULL,
	checksum          TEXT NOT NULL DEFAULT '',
	object_created_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS cache_entries_state ON cache_entries (state);
`

// Indexes created before object_created_at existed gain it on open.
const addObjectCreated = `ALTER TABLE cache_entries ADD COLUMN object_created_at INTEGER NOT NULL DEFAULT 0`

const entryColumns = `object_id, size_bytes, hit_count, created_at, last_accessed_at, state, checksum, object_created_at`

// Driver is a SQLite-indexed cache driver.
type Driver struct {
	dir     string
	dbPath  string
	dirPerm os.FileMode
	db      *sql.DB
	area    *staging.Area
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithDBPath sets the index database path. It defaults to cache.db inside
// the cache directory.
func WithDBPath(path string) Option {
	return func(d *Driver) {
		d.dbPath = path
	}
}

// WithDirPerm sets the permissions used when creating directories.
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

// New opens the cache directory dir and its index, creating both if needed.
// Orphaned staging data and entries the index and directory disagree on are
// reclaimed before New returns.
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
	if d.dbPath == "" {
		d.dbPath = filepath.Join(dir, DefaultDBName)
	}

	if err := os.MkdirAll(dir, d.dirPerm); err != nil {
		return nil, fmt.Errorf("%w: create cache dir: %v", driver.ErrStorageUnavailable, err)
	}
	area, err := staging.New(filepath.Join(dir, StagingDir), staging.WithDirPerm(d.dirPerm))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", driver.ErrStorageUnavailable, err)
	}
	d.area = area

	ctx := context.Background()
	db, err := sql.Open("sqlite", dsn(d.dbPath))
	if err != nil {
		return nil, fmt.Errorf("%w: open index: %v", driver.ErrStorageUnavailable, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create index schema: %v", driver.ErrStorageUnavailable, err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate index schema: %v", driver.ErrStorageUnavailable, err)
	}
	d.db = db

	report, err := d.Clean(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("clean cache dir: %w", err)
	}
	if report.Staging > 0 || report.Invalid > 0 {
		d.log().Info("reclaimed cache dir", "dir", dir, "staging", report.Staging, "invalid", report.Invalid)
	}
	return d, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('cache_entries') WHERE name = 'object_created_at'`).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = db.ExecContext(ctx, addObjectCreated)
	return err
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Name implements driver.Driver.
func (d *Driver) Name() string {
	return Name
}

// Dir returns the cache directory.
func (d *Driver) Dir() string {
	return d.dir
}

// IsCached implements driver.Driver.
func (d *Driver) IsCached(ctx context.Context, id string) (bool, error) {
	_, err := d.Stat(ctx, id)
	if errors.Is(err, driver.ErrNotCached) {
		return false, nil
	}
	return err == nil, err
}

// IsQueued implements driver.Driver. An id is queued while its row is
// populating and a live populator holds its staging file.
func (d *Driver) IsQueued(ctx context.Context, id string) (bool, error) {
	if err := driver.ValidateID(id); err != nil {
		return false, err
	}
	var state string
	err := d.db.QueryRowContext(ctx, `SELECT state FROM cache_entries WHERE object_id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("query state", err)
	}
	if driver.ParseState(state) != driver.StatePopulating {
		return false, nil
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

	// A previous owner's commit may have renamed its staging file away and
	// be finishing its transaction, so never replace a cached row here.
	now := d.now().UnixNano()
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO cache_entries (`+entryColumns+`)
		VALUES (?, 0, 0, ?, ?, 'populating', '', 0)
		ON CONFLICT (object_id) DO UPDATE SET
			size_bytes = 0,
			hit_count = 0,
			created_at = excluded.created_at,
			last_accessed_at = excluded.last_accessed_at,
			state = 'populating',
			checksum = '',
			object_created_at = 0
		WHERE cache_entries.state != 'cached'`,
		id, now, now)
	if err != nil {
		_ = f.Discard() //nolint:errcheck // staging file is unused
		return nil, unavailable("mark populating", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		_ = f.Discard() //nolint:errcheck // staging file is unused
		return nil, driver.ErrAlreadyCached
	}
	return &writeHandle{File: f, owner: d, want: want}, nil
}

// Commit implements driver.Driver.
func (d *Driver) Commit(ctx context.Context, h driver.WriteHandle) (driver.Entry, error) {
	wh, err := d.handle(h)
	if err != nil {
		return driver.Entry{}, err
	}
	if wh.Done() {
		return driver.Entry{}, fmt.Errorf("%w: %v", driver.ErrIntegrity, staging.ErrFinished)
	}
	if err := wh.Seal(); err != nil {
		d.abandon(ctx, wh)
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
	final := d.path(e.ID)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		d.abandon(ctx, wh)
		return driver.Entry{}, unavailable("begin commit", err)
	}
	// The transaction holds the index write lock, so it must be rolled back
	// before abandon touches the index.
	fail := func(err error) (driver.Entry, error) {
		_ = tx.Rollback() //nolint:errcheck // already failing
		d.abandon(ctx, wh)
		return driver.Entry{}, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE cache_entries
		SET state = 'cached', size_bytes = ?, hit_count = 0, created_at = ?, last_accessed_at = ?, checksum = ?, object_created_at = ?
		WHERE object_id = ? AND state = 'populating'`,
		e.Size, now.UnixNano(), now.UnixNano(), e.Digest.String(), unixNano(e.ObjectCreatedAt), e.ID)
	if err != nil {
		return fail(unavailable("commit entry", err))
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		// The entry was deleted while it was being populated.
		return fail(fmt.Errorf("%w: %s removed during population", driver.ErrNotCached, e.ID))
	}
	if err := wh.Promote(final); err != nil {
		return fail(fmt.Errorf("%w: %v", driver.ErrStorageUnavailable, err))
	}
	if err := tx.Commit(); err != nil {
		// The file is in place but the index does not know it; remove it so
		// the directory never holds an unindexed entry.
		_ = os.Remove(final) //nolint:errcheck // Clean reclaims it otherwise
		_ = wh.Release()     //nolint:errcheck // already failing
		return driver.Entry{}, unavailable("commit entry", err)
	}
	if err := wh.Release(); err != nil {
		d.log().Warn("release staging file", "id", e.ID, "error", err)
	}
	return e, nil
}

// Abort implements driver.Driver.
func (d *Driver) Abort(ctx context.Context, h driver.WriteHandle) error {
	wh, err := d.handle(h)
	if err != nil {
		return err
	}
	if wh.Done() {
		return nil
	}
	if err := wh.Discard(); err != nil {
		return fmt.Errorf("%w: discard staging file: %v", driver.ErrStorageUnavailable, err)
	}
	if err := d.dropPopulating(ctx, wh.ID()); err != nil {
		return unavailable("drop populating row", err)
	}
	return nil
}

// OpenForRead implements driver.Driver.
func (d *Driver) OpenForRead(ctx context.Context, id string) (driver.ReadHandle, error) {
	e, err := d.Stat(ctx, id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(d.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, driver.ErrNotCached
		}
		return nil, fmt.Errorf("%w: open %s: %v", driver.ErrStorageUnavailable, id, err)
	}
	return &readHandle{File: f, entry: e}, nil
}

// Stat implements driver.Driver. A cached row whose file is missing or has
// the wrong size is removed and reported as not cached.
func (d *Driver) Stat(ctx context.Context, id string) (driver.Entry, error) {
	if err := driver.ValidateID(id); err != nil {
		return driver.Entry{}, err
	}
	row := d.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM cache_entries WHERE object_id = ? AND state = 'cached'`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return driver.Entry{}, driver.ErrNotCached
	}
	if err != nil {
		return driver.Entry{}, unavailable("query entry", err)
	}
	if ok, err := d.check(ctx, e); err != nil || !ok {
		if err == nil {
			err = driver.ErrNotCached
		}
		return driver.Entry{}, err
	}
	return e, nil
}

// Delete implements driver.Driver. Deleting an entry that is being
// populated prevents that population from committing.
func (d *Driver) Delete(ctx context.Context, id string) error {
	if err := driver.ValidateID(id); err != nil {
		return err
	}
	if _, err := d.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE object_id = ?`, id); err != nil {
		return unavailable("delete entry", err)
	}
	if err := os.Remove(d.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: delete %s: %v", driver.ErrStorageUnavailable, id, err)
	}
	return nil
}

// List implements driver.Driver. Entries are yielded in object id order,
// one page of rows at a time.
func (d *Driver) List(ctx context.Context) iter.Seq2[driver.Entry, error] {
	return func(yield func(driver.Entry, error) bool) {
		after := ""
		for {
			page, err := d.page(ctx, after)
			if err != nil {
				yield(driver.Entry{}, err)
				return
			}
			for _, e := range page {
				ok, err := d.check(ctx, e)
				if err != nil {
					if !yield(driver.Entry{}, err) {
						return
					}
					continue
				}
				if ok && !yield(e, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

// RecordHit implements driver.Driver.
func (d *Driver) RecordHit(ctx context.Context, id string) error {
	if err := driver.ValidateID(id); err != nil {
		return err
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE cache_entries
		SET hit_count = hit_count + 1, last_accessed_at = ?
		WHERE object_id = ? AND state = 'cached'`,
		d.now().UnixNano(), id)
	if err != nil {
		return unavailable("record hit", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("record hit", err)
	}
	if n == 0 {
		return driver.ErrNotCached
	}
	return nil
}

// Clean implements driver.Cleaner. It removes staging files nobody owns,
// populating rows without a live populator, rows in unknown states, cached
// rows without a matching file, and files without a row.
func (d *Driver) Clean(ctx context.Context) (driver.CleanReport, error) {
	var report driver.CleanReport

	swept, err := d.area.Sweep()
	report.Staging += swept
	if err != nil {
		return report, fmt.Errorf("%w: %v", driver.ErrOrphanedStagingData, err)
	}

	populating, err := d.idsInState(ctx, driver.StatePopulating.String())
	if err != nil {
		return report, err
	}
	for _, id := range populating {
		held, err := d.area.Held(id)
		if err != nil {
			return report, fmt.Errorf("%w: %v", driver.ErrOrphanedStagingData, err)
		}
		if held {
			continue
		}
		if err := d.dropPopulating(ctx, id); err != nil {
			return report, unavailable("drop populating row", err)
		}
		d.log().Debug("dropped orphaned populating row", "id", id)
		report.Staging++
	}

	res, err := d.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE state NOT IN ('populating', 'cached')`)
	if err != nil {
		return report, unavailable("drop invalid rows", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		report.Invalid += int(n)
	}

	// Cached rows without files are dropped by check.
	for e, err := range d.listRows(ctx) {
		if err != nil {
			return report, err
		}
		ok, err := d.check(ctx, e)
		if err != nil {
			return report, err
		}
		if !ok {
			report.Invalid++
		}
	}

	orphans, err := d.unindexedFiles(ctx)
	if err != nil {
		return report, err
	}
	for _, name := range orphans {
		d.log().Warn("removing unindexed cache file", "id", name)
		if err := os.Remove(d.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return report, fmt.Errorf("%w: remove %s: %v", driver.ErrStorageUnavailable, name, err)
		}
		report.Invalid++
	}
	return report, nil
}

// Close implements driver.Driver.
func (d *Driver) Close() error {
	return d.db.Close()
}

func (d *Driver) path(id string) string {
	return filepath.Join(d.dir, id)
}

// check reports whether the file backing e exists with the recorded size,
// dropping the row and any file when it does not.
func (d *Driver) check(ctx context.Context, e driver.Entry) (bool, error) {
	info, err := os.Stat(d.path(e.ID))
	switch {
	case err == nil && info.Mode().IsRegular() && info.Size() == e.Size:
		return true, nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("%w: stat %s: %v", driver.ErrStorageUnavailable, e.ID, err)
	}

	reason := "file missing"
	if err == nil {
		reason = fmt.Sprintf("size recorded %d, file %d", e.Size, info.Size())
	}
	d.log().Warn("removing invalid cache entry", "id", e.ID, "reason", reason)
	// Only the row that was checked is dropped; a concurrent delete and
	// repopulate leaves a different row that must survive.
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM cache_entries
		WHERE object_id = ? AND state = 'cached' AND size_bytes = ? AND created_at = ?`,
		e.ID, e.Size, e.CreatedAt.UnixNano())
	if err != nil {
		return false, unavailable("drop invalid entry", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return false, nil
	}
	if err := os.Remove(d.path(e.ID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("%w: remove invalid %s: %v", driver.ErrStorageUnavailable, e.ID, err)
	}
	return false, nil
}

func (d *Driver) page(ctx context.Context, after string) ([]driver.Entry, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM cache_entries
		WHERE state = 'cached' AND object_id > ?
		ORDER BY object_id
		LIMIT ?`, after, pageSize)
	if err != nil {
		return nil, unavailable("list entries", err)
	}
	defer rows.Close()

	page := make([]driver.Entry, 0, pageSize)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, unavailable("scan entry", err)
		}
		page = append(page, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list entries", err)
	}
	return page, nil
}

// listRows enumerates cached rows without checking their files.
func (d *Driver) listRows(ctx context.Context) iter.Seq2[driver.Entry, error] {
	return func(yield func(driver.Entry, error) bool) {
		after := ""
		for {
			page, err := d.page(ctx, after)
			if err != nil {
				yield(driver.Entry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

func (d *Driver) idsInState(ctx context.Context, state string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT object_id FROM cache_entries WHERE state = ?`, state)
	if err != nil {
		return nil, unavailable("query state", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("scan id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query state", err)
	}
	return ids, nil
}

// unindexedFiles returns the names of entry files that have no row at all.
// Files with a populating row belong to a commit in flight and are kept.
func (d *Driver) unindexedFiles(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read cache dir: %v", driver.ErrStorageUnavailable, err)
	}
	var orphans []string
	for _, de := range entries {
		name := de.Name()
		if !de.Type().IsRegular() || d.isIndexFile(name) || driver.ValidateID(name) != nil {
			continue
		}
		var n int
		err := d.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM cache_entries WHERE object_id = ?`, name).Scan(&n)
		if err != nil {
			return nil, unavailable("query entry", err)
		}
		if n == 0 {
			orphans = append(orphans, name)
		}
	}
	return orphans, nil
}

// isIndexFile reports whether name is the index database or one of its
// journal files.
func (d *Driver) isIndexFile(name string) bool {
	if filepath.Dir(d.dbPath) != filepath.Clean(d.dir) {
		return false
	}
	return strings.HasPrefix(name, filepath.Base(d.dbPath))
}

func (d *Driver) dropPopulating(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE object_id = ? AND state = 'populating'`, id)
	return err
}

// abandon discards staged data after a failed commit.
func (d *Driver) abandon(ctx context.Context, wh *writeHandle) {
	if err := wh.Discard(); err != nil {
		d.log().Warn("discard staging file", "id", wh.ID(), "error", err)
	}
	if err := d.dropPopulating(ctx, wh.ID()); err != nil {
		d.log().Warn("drop populating row", "id", wh.ID(), "error", err)
	}
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

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (driver.Entry, error) {
	var (
		e                 driver.Entry
		created, accessed int64
		object            int64
		state, sum        string
	)
	if err := s.Scan(&e.ID, &e.Size, &e.Hits, &created, &accessed, &state, &sum, &object); err != nil {
		return driver.Entry{}, err
	}
	e.CreatedAt = time.Unix(0, created)
	e.LastAccessedAt = time.Unix(0, accessed)
	e.State = driver.ParseState(state)
	e.Digest = digest.Digest(sum)
	if object != 0 {
		e.ObjectCreatedAt = time.Unix(0, object)
	}
	return e, nil
}

// unixNano stores the zero time as 0.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", driver.ErrStorageUnavailable, op, err)
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

var (
	_ driver.Driver  = (*Driver)(nil)
	_ driver.Cleaner = (*Driver)(nil)
)
