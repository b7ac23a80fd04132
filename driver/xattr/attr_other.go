//go:build !linux

package xattr

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("extended attributes not supported on this platform")

func getAttr(string, string) (string, error) {
	return "", errUnsupported
}

func fgetAttr(uintptr, string) (string, error) {
	return "", errUnsupported
}

func setAttr(string, string, string) error {
	return errUnsupported
}

func fsetAttr(uintptr, string, string) error {
	return errUnsupported
}

func lockExclusive(*os.File) error {
	return nil
}
