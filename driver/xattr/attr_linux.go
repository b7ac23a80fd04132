//go:build linux

package xattr

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

const attrBufSize = 128

func getAttr(path, name string) (string, error) {
	return readAttr(func(buf []byte) (int, error) {
		return unix.Getxattr(path, name, buf)
	})
}

// fgetAttr reads an attribute of the open file fd, wherever it now lives.
func fgetAttr(fd uintptr, name string) (string, error) {
	return readAttr(func(buf []byte) (int, error) {
		return unix.Fgetxattr(int(fd), name, buf)
	})
}

func readAttr(get func(buf []byte) (int, error)) (string, error) {
	buf := make([]byte, attrBufSize)
	for range 3 {
		n, err := get(buf)
		switch {
		case errors.Is(err, unix.ENODATA):
			return "", errNoAttr
		case errors.Is(err, unix.ERANGE):
			size, err := get(nil)
			if err != nil {
				return "", err
			}
			buf = make([]byte, size)
			continue
		case err != nil:
			return "", err
		}
		return string(buf[:n]), nil
	}
	return "", unix.ERANGE
}

func setAttr(path, name, value string) error {
	return unix.Setxattr(path, name, []byte(value), 0)
}

func fsetAttr(fd uintptr, name, value string) error {
	return unix.Fsetxattr(int(fd), name, []byte(value), 0)
}

func lockExclusive(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}
