package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"strings"
)

// Digest is a streaming SHA-256 accumulator. Each Digest starts empty; feed
// it chunks in order with Write and read the lowercase hex result with Sum.
type Digest struct {
	h    hash.Hash
	size int64
}

// NewDigest returns a fresh accumulator.
func NewDigest() *Digest {
	return &Digest{h: sha256.New()}
}

// Write feeds p into the digest. It never fails.
func (d *Digest) Write(p []byte) (int, error) {
	n, _ := d.h.Write(p)
	d.size += int64(n)
	return n, nil
}

// Size returns the number of bytes fed so far.
func (d *Digest) Size() int64 { return d.size }

// Sum returns the lowercase hex digest of everything written so far.
func (d *Digest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

var _ io.Writer = (*Digest)(nil)

// ChecksumReader digests r to EOF and returns the hex digest and byte count.
func ChecksumReader(r io.Reader) (string, int64, error) {
	d := NewDigest()
	if _, err := io.Copy(d, r); err != nil {
		return "", d.Size(), err
	}
	return d.Sum(), d.Size(), nil
}

// ChecksumFile digests the file at path.
func ChecksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return ChecksumReader(f)
}

// ChecksumsEqual compares two hex digests ignoring case and surrounding
// whitespace.
func ChecksumsEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
