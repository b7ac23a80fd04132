// Package checksum computes and verifies content digests for cached objects.
//
// A Validator is fed the bytes of an object incrementally, typically while the
// same bytes are being streamed to a client and into staging storage. Once the
// stream ends, Validate reports whether the bytes match the digest and size
// the backend declared when the object was stored.
package checksum

import (
	_ "crypto/sha256" // register SHA-256 for go-digest
	"errors"
	"fmt"
	"io"

	digest "github.com/opencontainers/go-digest"
)

// ErrMismatch is returned when content does not match its expected digest or size.
var ErrMismatch = errors.New("checksum: content mismatch")

// Validator incrementally digests content and compares it against an expectation.
//
// A Validator is not safe for concurrent use.
type Validator struct {
	expected digest.Digest
	size     int64
	digester digest.Digester
	n        int64
}

// NewValidator returns a Validator for content expected to hash to expected.
//
// If expected is empty, the content is digested with the canonical algorithm
// and Validate only checks the size. A negative size disables the size check.
func NewValidator(expected digest.Digest, size int64) (*Validator, error) {
	algo := digest.Canonical
	if expected != "" {
		if err := expected.Validate(); err != nil {
			return nil, fmt.Errorf("validate digest %q: %w", expected, err)
		}
		algo = expected.Algorithm()
	}
	if !algo.Available() {
		return nil, fmt.Errorf("digest algorithm %q unavailable", algo)
	}
	return &Validator{
		expected: expected,
		size:     size,
		digester: algo.Digester(),
	}, nil
}

// Write implements io.Writer. It never fails.
func (v *Validator) Write(p []byte) (int, error) {
	n, _ := v.digester.Hash().Write(p) //nolint:errcheck // hash.Hash writes never fail
	v.n += int64(n)
	return n, nil
}

// Digest returns the digest of the content written so far.
func (v *Validator) Digest() digest.Digest {
	return v.digester.Digest()
}

// Size returns the number of bytes written so far.
func (v *Validator) Size() int64 {
	return v.n
}

// Expected returns the digest the content is compared against.
func (v *Validator) Expected() digest.Digest {
	return v.expected
}

// Validate compares the written content to the expectation.
func (v *Validator) Validate() error {
	if v.size >= 0 && v.n != v.size {
		return fmt.Errorf("%w: size %d, want %d", ErrMismatch, v.n, v.size)
	}
	if v.expected == "" {
		return nil
	}
	if got := v.Digest(); got != v.expected {
		return fmt.Errorf("%w: digest %s, want %s", ErrMismatch, got, v.expected)
	}
	return nil
}

// FromReader digests everything read from r with the canonical algorithm.
func FromReader(r io.Reader) (digest.Digest, int64, error) {
	digester := digest.Canonical.Digester()
	n, err := io.Copy(digester.Hash(), r)
	if err != nil {
		return "", n, err
	}
	return digester.Digest(), n, nil
}

// Matches reports whether data hashes to d.
func Matches(d digest.Digest, data []byte) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, fmt.Errorf("validate digest %q: %w", d, err)
	}
	algo := d.Algorithm()
	if !algo.Available() {
		return false, fmt.Errorf("digest algorithm %q unavailable", algo)
	}
	return algo.FromBytes(data) == d, nil
}
