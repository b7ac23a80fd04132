package driver

import (
	"fmt"
	"strings"
)

// MaxIDLen is the longest object identifier that can name a cache file.
const MaxIDLen = 255

// ValidateID checks that id can be used directly as a file name in a flat
// cache directory. Names starting with '.' are reserved for staging files.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case len(id) > MaxIDLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidID, MaxIDLen)
	case strings.HasPrefix(id, "."):
		return fmt.Errorf("%w: %q starts with '.'", ErrInvalidID, id)
	case strings.ContainsAny(id, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator or NUL", ErrInvalidID, id)
	}
	return nil
}
