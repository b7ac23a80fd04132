package checksum

import (
	"bytes"
	"strings"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator(t *testing.T) {
	t.Parallel()

	content := []byte(strings.Repeat("*", 5*1024))
	want := digest.FromBytes(content)

	tests := []struct {
		name     string
		expected digest.Digest
		size     int64
		write    []byte
		wantErr  bool
	}{
		{name: "match", expected: want, size: int64(len(content)), write: content},
		{name: "size unchecked", expected: want, size: -1, write: content},
		{name: "digest unchecked", size: int64(len(content)), write: content},
		{name: "digest mismatch", expected: want, size: int64(len(content)), write: bytes.Repeat([]byte("#"), len(content)), wantErr: true},
		{name: "short write", expected: want, size: int64(len(content)), write: content[:100], wantErr: true},
		{name: "empty", expected: want, size: int64(len(content)), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v, err := NewValidator(tt.expected, tt.size)
			require.NoError(t, err)

			// Write in uneven chunks to exercise incremental hashing.
			for chunk := range slices(tt.write, 777) {
				n, err := v.Write(chunk)
				require.NoError(t, err)
				require.Equal(t, len(chunk), n)
			}
			assert.Equal(t, int64(len(tt.write)), v.Size())

			err = v.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMismatch)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, digest.FromBytes(tt.write), v.Digest())
		})
	}
}

func TestNewValidatorRejectsMalformedDigest(t *testing.T) {
	t.Parallel()

	_, err := NewValidator("sha256:nothex", 0)
	require.Error(t, err)

	_, err = NewValidator("md5:d41d8cd98f00b204e9800998ecf8427e", 0)
	require.Error(t, err)
}

func TestFromReader(t *testing.T) {
	t.Parallel()

	content := []byte("hello image")
	d, n, err := FromReader(bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, digest.FromBytes(content), d)
}

func TestMatches(t *testing.T) {
	t.Parallel()

	content := []byte("hello image")
	ok, err := Matches(digest.FromBytes(content), content)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Matches(digest.FromBytes(content), []byte("other"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Matches("bogus", content)
	require.Error(t, err)
}

func slices(data []byte, size int) func(func([]byte) bool) {
	return func(yield func([]byte) bool) {
		for len(data) > 0 {
			n := min(size, len(data))
			if !yield(data[:n]) {
				return
			}
			data = data[n:]
		}
	}
}
