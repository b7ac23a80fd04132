// Package imagecache provides a transparent read-through cache for an image
// registry's backend object store.
//
// A [Cache] sits between the registry's request handling and a
// [backend.Fetcher]. Objects that were fetched before are served from local
// storage; anything else is streamed from the backend while a copy is staged
// on disk and committed once the stream completes and its checksum matches
// the backend's. Clients see the same bytes either way.
//
// All cache bookkeeping goes through a [driver.Driver]. Two variants are
// provided: [xattr] keeps metadata in extended attributes on the cached
// files, and [sqlite] keeps it in an embedded SQLite index. Neither shares
// memory between requests; concurrent populators, including ones in other
// processes, are coordinated through the cache directory alone.
//
// # Quick Start
//
// Open a cache over a backend:
//
//	store, err := filesystem.New("/var/lib/images")
//	if err != nil {
//	    return err
//	}
//	c, err := imagecache.Open(imagecache.Config{
//	    Driver: imagecache.DriverSQLite,
//	    Dir:    "/var/cache/images",
//	}, store, imagecache.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
// Serve an object:
//
//	resp, err := c.Fetch(ctx, id)
//	if err != nil {
//	    return err
//	}
//	defer resp.Body.Close()
//	_, err = io.Copy(w, resp.Body)
//
// # Failure Handling
//
// Cache failures are never visible to clients. A second request for an
// object that is already being populated is served straight from the
// backend. A commit that fails validation leaves the object uncached and
// flags it on backends implementing [backend.Flagger]. If the driver reports
// [ErrStorageUnavailable], caching is switched off for the rest of the
// process and every request passes through.
//
// # Pruning
//
// The cache grows on demand. Use the [prune] package to evict entries by
// size, idle time or hit count, and to reclaim staging data left behind by
// crashed processes.
//
// [xattr]: github.com/meigma/imagecache/driver/xattr
// [sqlite]: github.com/meigma/imagecache/driver/sqlite
// [prune]: github.com/meigma/imagecache/prune
package imagecache
