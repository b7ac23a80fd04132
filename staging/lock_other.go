//go:build !unix

package staging

import (
	"errors"
	"io/fs"
	"os"
	"time"
)

// staleAfter is how old an unowned-looking staging file must be before Sweep
// removes it on platforms without advisory locks.
const staleAfter = time.Hour

// openOwned creates the staging file exclusively. Without advisory locks a
// leftover file cannot be told apart from a live populator, so it stays
// busy until Sweep removes it.
func openOwned(path string, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, perm)
	if errors.Is(err, fs.ErrExist) {
		return nil, ErrBusy
	}
	return f, err
}

func held(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func reclaim(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if time.Since(info.ModTime()) < staleAfter {
		return false, nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	return true, nil
}
