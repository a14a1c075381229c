package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultManifestName is the manifest file expected in a bundled parts
// directory.
const DefaultManifestName = "smollm2-manifest.json"

// Manifest describes one artifact split into ordered parts.
type Manifest struct {
	ModelName     string `json:"model_name"`
	ModelFile     string `json:"model_file"`
	TotalSize     int64  `json:"total_size"`
	Parts         []Part `json:"parts"`
	Checksum      string `json:"checksum_sha256"`
	Source        string `json:"source,omitempty"`
	License       string `json:"license,omitempty"`
	Quantization  string `json:"quantization,omitempty"`
	ContextLength uint32 `json:"context_length,omitempty"`
	Instructions  string `json:"instructions,omitempty"`
}

// Part is one contiguous byte range of the artifact stored as its own file.
type Part struct {
	File  string `json:"file"`
	Size  int64  `json:"size"`
	Order uint32 `json:"order"`
}

// rawManifest mirrors Manifest with pointers so missing required fields can
// be told apart from zero values.
type rawManifest struct {
	ModelName     *string    `json:"model_name"`
	ModelFile     *string    `json:"model_file"`
	TotalSize     *int64     `json:"total_size"`
	Parts         *[]rawPart `json:"parts"`
	Checksum      *string    `json:"checksum_sha256"`
	Source        string     `json:"source"`
	License       string     `json:"license"`
	Quantization  string     `json:"quantization"`
	ContextLength uint32     `json:"context_length"`
	Instructions  string     `json:"instructions"`
}

type rawPart struct {
	File  *string `json:"file"`
	Size  *int64  `json:"size"`
	Order *uint32 `json:"order"`
}

// ReadManifest reads DefaultManifestName from sourceDir. It only parses and
// checks structure; part files are not touched.
func ReadManifest(sourceDir string) (*Manifest, error) {
	return ReadManifestFile(filepath.Join(sourceDir, DefaultManifestName))
}

// ReadManifestFile reads and validates the manifest at path.
func ReadManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &Error{Kind: KindManifestNotFound, Op: "read manifest", Path: path}
		}
		return nil, ioFailure("read manifest", path, err)
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, &Error{Kind: KindManifestMalformed, Op: "read manifest", Path: path, Err: err}
	}
	return m, nil
}

// ParseManifest decodes and validates manifest JSON.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	var missing []string
	if raw.ModelName == nil {
		missing = append(missing, "model_name")
	}
	if raw.ModelFile == nil {
		missing = append(missing, "model_file")
	}
	if raw.TotalSize == nil {
		missing = append(missing, "total_size")
	}
	if raw.Parts == nil {
		missing = append(missing, "parts")
	}
	if raw.Checksum == nil {
		missing = append(missing, "checksum_sha256")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}

	m := &Manifest{
		ModelName:     *raw.ModelName,
		ModelFile:     *raw.ModelFile,
		TotalSize:     *raw.TotalSize,
		Checksum:      strings.ToLower(strings.TrimSpace(*raw.Checksum)),
		Source:        raw.Source,
		License:       raw.License,
		Quantization:  raw.Quantization,
		ContextLength: raw.ContextLength,
		Instructions:  raw.Instructions,
	}

	for i, rp := range *raw.Parts {
		if rp.File == nil || rp.Size == nil || rp.Order == nil {
			return nil, fmt.Errorf("parts[%d]: file, size and order are required", i)
		}
		m.Parts = append(m.Parts, Part{File: *rp.File, Size: *rp.Size, Order: *rp.Order})
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the structural invariants of the manifest. It does not
// compare the part sizes against TotalSize; assembly reports that as a
// total size mismatch.
func (m *Manifest) Validate() error {
	if err := validateFileName(m.ModelFile); err != nil {
		return fmt.Errorf("model_file: %w", err)
	}
	if m.TotalSize < 0 {
		return fmt.Errorf("total_size: negative value %d", m.TotalSize)
	}
	if !isHexDigest(m.Checksum) {
		return fmt.Errorf("checksum_sha256: %q is not a hex SHA-256 digest", m.Checksum)
	}
	if len(m.Parts) == 0 {
		return errors.New("parts: at least one part is required")
	}

	seen := make(map[uint32]string, len(m.Parts))
	for i, p := range m.Parts {
		if err := validateFileName(p.File); err != nil {
			return fmt.Errorf("parts[%d].file: %w", i, err)
		}
		if p.Size < 0 {
			return fmt.Errorf("parts[%d].size: negative value %d", i, p.Size)
		}
		if prev, dup := seen[p.Order]; dup {
			return fmt.Errorf("parts[%d].order: %d already used by %s", i, p.Order, prev)
		}
		seen[p.Order] = p.File
	}
	return nil
}

// SortedParts returns a copy of the parts in ascending order. The declared
// array order is never trusted.
func (m *Manifest) SortedParts() []Part {
	parts := make([]Part, len(m.Parts))
	copy(parts, m.Parts)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Order < parts[j].Order })
	return parts
}

// validateFileName rejects anything other than a plain file name so that
// neither the manifest nor a config can point writes or reads outside their
// directory.
func validateFileName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("empty file name")
	}
	if name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%q is not a plain file name", name)
	}
	return nil
}

func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
