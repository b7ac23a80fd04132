package imagecache

import (
	"errors"
	"fmt"
	"os"

	"github.com/meigma/imagecache/backend"
	"github.com/meigma/imagecache/driver"
	"github.com/meigma/imagecache/driver/sqlite"
	"github.com/meigma/imagecache/driver/xattr"
)

// Driver names accepted by Config.Driver.
const (
	DriverSQLite = sqlite.Name
	DriverXattr  = xattr.Name
	DriverNone   = "none"
)

// Config selects and configures the cache driver.
type Config struct {
	// Driver is the driver variant: DriverSQLite (the default), DriverXattr
	// or DriverNone to pass every request through.
	Driver string

	// Dir is the cache directory. It is owned by the driver.
	Dir string

	// DBPath is the SQLite index path. It defaults to cache.db in Dir and is
	// ignored by other drivers.
	DBPath string

	// DirPerm is the permission used for created directories. Zero means 0700.
	DirPerm os.FileMode
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.driverName() {
	case DriverNone:
		return nil
	case DriverSQLite, DriverXattr:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Driver)
	}
	if c.Dir == "" {
		return errors.New("imagecache: cache dir is required")
	}
	if c.DBPath != "" && c.driverName() != DriverSQLite {
		return fmt.Errorf("imagecache: db path is only used by the %s driver", DriverSQLite)
	}
	return nil
}

func (c Config) driverName() string {
	if c.Driver == "" {
		return DriverSQLite
	}
	return c.Driver
}

// Open validates cfg, opens its driver and returns a cache over fetcher.
//
// A driver whose storage is unavailable, such as the xattr driver on a
// filesystem without user extended attributes, is not an error: Open logs a
// warning and returns a cache that passes every request through.
func Open(cfg Config, fetcher backend.Fetcher, opts ...Option) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := New(nil, fetcher, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.driverName() == DriverNone {
		c.log().Info("image cache disabled by configuration")
		return c, nil
	}

	drv, err := openDriver(cfg, c)
	if errors.Is(err, driver.ErrStorageUnavailable) {
		c.log().Warn("image cache unavailable, serving from backend only",
			"driver", cfg.driverName(), "dir", cfg.Dir, "err", err)
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	c.drv = drv
	c.log().Info("image cache enabled", "driver", drv.Name(), "dir", cfg.Dir)
	return c, nil
}

func openDriver(cfg Config, c *Cache) (driver.Driver, error) {
	switch cfg.driverName() {
	case DriverXattr:
		opts := []xattr.Option{xattr.WithLogger(c.log())}
		if cfg.DirPerm != 0 {
			opts = append(opts, xattr.WithDirPerm(cfg.DirPerm))
		}
		return xattr.New(cfg.Dir, opts...)
	case DriverSQLite:
		opts := []sqlite.Option{sqlite.WithLogger(c.log())}
		if cfg.DirPerm != 0 {
			opts = append(opts, sqlite.WithDirPerm(cfg.DirPerm))
		}
		if cfg.DBPath != "" {
			opts = append(opts, sqlite.WithDBPath(cfg.DBPath))
		}
		return sqlite.New(cfg.Dir, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
