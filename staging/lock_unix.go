//go:build unix

package staging

import (
	"errors"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

var errLocked = errors.New("staging file locked")

// openOwned creates the staging file at path and takes a non-blocking
// exclusive lock on it. An existing file whose lock can be taken belongs to
// nobody alive, so it is removed and replaced; the returned file is always a
// fresh inode.
func openOwned(path string, perm os.FileMode) (*os.File, error) {
	for range acquireAttempts {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, perm)
		if errors.Is(err, fs.ErrExist) {
			busy, err := held(path)
			if err != nil {
				return nil, err
			}
			if busy {
				return nil, ErrBusy
			}
			if _, err := reclaim(path); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		// A concurrent Held or Sweep may hold the lock briefly, and Sweep may
		// remove the file before we lock it.
		if err := tryLock(f); err != nil {
			f.Close()
			if errors.Is(err, errLocked) {
				continue
			}
			return nil, err
		}
		same, err := stillAt(f, path)
		if err != nil {
			f.Close()
			return nil, err
		}
		if !same {
			f.Close()
			continue
		}
		return f, nil
	}
	return nil, ErrBusy
}

func held(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	if err := tryLock(f); err != nil {
		if errors.Is(err, errLocked) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// reclaim removes the staging file at path if nobody alive owns it.
func reclaim(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	if err := tryLock(f); err != nil {
		if errors.Is(err, errLocked) {
			return false, nil
		}
		return false, err
	}
	same, err := stillAt(f, path)
	if err != nil || !same {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func tryLock(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return errLocked
	}
	return err
}

func stillAt(f *os.File, path string) (bool, error) {
	open, err := f.Stat()
	if err != nil {
		return false, err
	}
	current, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return os.SameFile(open, current), nil
}
