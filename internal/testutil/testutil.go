// Package testutil provides testing utilities for integration tests.
package testutil

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/smartstorage/smartstorage/internal/artifact"
	"github.com/smartstorage/smartstorage/internal/database"
)

// TestDB wraps a test database connection.
type TestDB struct {
	DB     *database.DB
	Conn   *sql.DB
	Path   string
	Logger zerolog.Logger
}

// NewTestDB creates a migrated database in a temp directory. The database
// is closed when the test ends; calling Close earlier is allowed.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	dir := t.TempDir()
	logger := NewTestLogger(t)

	db, err := database.New(filepath.Join(dir, "test.db"), logger)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		t.Fatalf("Failed to run migrations: %v", err)
	}

	tdb := &TestDB{
		DB:     db,
		Conn:   db.Conn(),
		Path:   dir,
		Logger: logger,
	}
	t.Cleanup(tdb.Close)
	return tdb
}

// Close closes the database.
func (tdb *TestDB) Close() {
	if tdb.DB != nil {
		tdb.DB.Close()
	}
}

// NewTestLogger creates a test logger that outputs to t.Log.
func NewTestLogger(t *testing.T) zerolog.Logger {
	t.Helper()
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Bundle describes parts written by WriteBundle.
type Bundle struct {
	Manifest *artifact.Manifest
	Content  []byte
}

// WriteBundle writes parts and a manifest for modelFile into dir, the way
// a bundled model ships.
func WriteBundle(t *testing.T, dir, modelFile string, parts ...[]byte) Bundle {
	t.Helper()

	m := &artifact.Manifest{
		ModelName: "Test-Model",
		ModelFile: modelFile,
	}
	var content []byte
	for i, p := range parts {
		name := fmt.Sprintf("%s.part%d", modelFile, i+1)
		if err := os.WriteFile(filepath.Join(dir, name), p, 0o644); err != nil {
			t.Fatalf("Failed to write part %s: %v", name, err)
		}
		m.Parts = append(m.Parts, artifact.Part{File: name, Size: int64(len(p)), Order: uint32(i + 1)})
		content = append(content, p...)
	}
	m.TotalSize = int64(len(content))
	m.Checksum = SHA256Hex(content)

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Failed to encode manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, artifact.DefaultManifestName), data, 0o644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}
	return Bundle{Manifest: m, Content: content}
}
