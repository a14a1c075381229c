package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func patterned(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31) ^ seed
	}
	return b
}

// writeBundle writes parts into dir together with a manifest declaring
// them in reverse array order, and returns the manifest and the joined
// content.
func writeBundle(t *testing.T, dir string, parts ...[]byte) (*Manifest, []byte) {
	t.Helper()

	var all []byte
	m := &Manifest{
		ModelName: "Test-Model",
		ModelFile: "model.gguf",
	}
	for i, p := range parts {
		name := fmt.Sprintf("model.gguf.part%d", i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), p, 0o644))
		m.Parts = append([]Part{{File: name, Size: int64(len(p)), Order: uint32(i)}}, m.Parts...)
		all = append(all, p...)
	}
	m.TotalSize = int64(len(all))
	m.Checksum = sha256Hex(all)

	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultManifestName), data, 0o644))

	return m, all
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, kind, e.Kind, "error: %v", err)
	return e
}
