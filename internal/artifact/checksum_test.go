package artifact

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigest_KnownVectors(t *testing.T) {
	d := NewDigest()
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", d.Sum())

	d = NewDigest()
	_, _ = d.Write([]byte("abc"))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", d.Sum())
	assert.Equal(t, int64(3), d.Size())
}

func TestDigest_IncrementalMatchesWhole(t *testing.T) {
	data := patterned(100_000, 7)

	d := NewDigest()
	for off := 0; off < len(data); off += 777 {
		end := min(off+777, len(data))
		_, _ = d.Write(data[off:end])
	}

	assert.Equal(t, sha256Hex(data), d.Sum())
	assert.Equal(t, int64(len(data)), d.Size())
}

func TestDigest_FreshPerComputation(t *testing.T) {
	a := NewDigest()
	_, _ = a.Write([]byte("first"))

	b := NewDigest()
	_, _ = b.Write([]byte("second"))

	assert.Equal(t, sha256Hex([]byte("second")), b.Sum())
	assert.NotEqual(t, a.Sum(), b.Sum())
}

func TestChecksumFile(t *testing.T) {
	data := patterned(4096, 3)
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	sum, n, err := ChecksumFile(path)
	require.NoError(t, err)
	assert.Equal(t, sha256Hex(data), sum)
	assert.Equal(t, int64(4096), n)

	_, _, err = ChecksumFile(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestChecksumReader(t *testing.T) {
	sum, n, err := ChecksumReader(bytes.NewReader([]byte("abc")))
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)
	assert.Equal(t, int64(3), n)
}

func TestChecksumsEqual(t *testing.T) {
	assert.True(t, ChecksumsEqual("ABCDEF", "abcdef"))
	assert.True(t, ChecksumsEqual(" abcdef\n", "abcdef"))
	assert.False(t, ChecksumsEqual("abcdef", "abcdee"))
}
