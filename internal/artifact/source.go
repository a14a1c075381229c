package artifact

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// SourceKind names the two ways an artifact can be acquired.
type SourceKind string

const (
	SourceLocalParts SourceKind = "local_parts"
	SourceRemoteURL  SourceKind = "remote_url"
)

// Target is everything the acquisition pipeline needs to know about the
// artifact a source produces. It is derived fresh on every operation and
// never cached.
type Target struct {
	Name     string
	FileName string
	Size     int64
	Checksum string

	// Parts is set for local sources, already sorted by order.
	Parts []Part
	// URL is set for remote sources.
	URL string
}

// Source is a closed set: LocalParts and RemoteURL. Both feed the same
// staging, verification and publish logic in Acquire.
type Source interface {
	Kind() SourceKind
	// Describe reads the source's declaration (manifest or config) and
	// validates it. It has no side effects.
	Describe() (Target, error)

	stream(ctx context.Context, t Target, w *sink) error
}

// Config describes a single-file remote artifact. It is the download-path
// analogue of Manifest.
type Config struct {
	ModelName   string `json:"model_name" mapstructure:"model_name"`
	DownloadURL string `json:"download_url" mapstructure:"download_url"`
	FileName    string `json:"file_name" mapstructure:"file_name"`
	SizeBytes   int64  `json:"size_bytes" mapstructure:"size_bytes"`
	Checksum    string `json:"checksum_sha256" mapstructure:"checksum_sha256"`
}

// Validate checks that the config can describe a verifiable artifact.
func (c Config) Validate() error {
	u, err := url.Parse(c.DownloadURL)
	if err != nil {
		return fmt.Errorf("download_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("download_url: unsupported scheme %q", u.Scheme)
	}
	if err := validateFileName(c.FileName); err != nil {
		return fmt.Errorf("file_name: %w", err)
	}
	if c.SizeBytes <= 0 {
		return fmt.Errorf("size_bytes: must be positive, got %d", c.SizeBytes)
	}
	if !isHexDigest(strings.TrimSpace(c.Checksum)) {
		return fmt.Errorf("checksum_sha256: %q is not a hex SHA-256 digest", c.Checksum)
	}
	return nil
}

// LocalParts assembles an artifact from bundled part files described by a
// manifest in Dir.
type LocalParts struct {
	Dir string
	// ManifestName overrides DefaultManifestName.
	ManifestName string
	// Manifest, when set, is used instead of reading one from Dir.
	Manifest *Manifest
}

func (s LocalParts) Kind() SourceKind { return SourceLocalParts }

func (s LocalParts) Describe() (Target, error) {
	m := s.Manifest
	if m == nil {
		name := s.ManifestName
		if name == "" {
			name = DefaultManifestName
		}
		var err error
		if m, err = ReadManifestFile(filepath.Join(s.Dir, name)); err != nil {
			return Target{}, err
		}
	} else if err := m.Validate(); err != nil {
		return Target{}, &Error{Kind: KindManifestMalformed, Op: "describe", Path: s.Dir, Err: err}
	}

	return Target{
		Name:     m.ModelName,
		FileName: m.ModelFile,
		Size:     m.TotalSize,
		Checksum: m.Checksum,
		Parts:    m.SortedParts(),
	}, nil
}

// RemoteURL downloads a single-file artifact over HTTP.
type RemoteURL struct {
	Config Config
	// Client defaults to a client without a timeout; callers bound the
	// transfer through the context.
	Client HTTPClient
}

func (s RemoteURL) Kind() SourceKind { return SourceRemoteURL }

func (s RemoteURL) Describe() (Target, error) {
	if err := s.Config.Validate(); err != nil {
		return Target{}, &Error{Kind: KindManifestMalformed, Op: "describe", Path: s.Config.DownloadURL, Err: err}
	}
	return Target{
		Name:     s.Config.ModelName,
		FileName: s.Config.FileName,
		Size:     s.Config.SizeBytes,
		Checksum: strings.ToLower(strings.TrimSpace(s.Config.Checksum)),
		URL:      s.Config.DownloadURL,
	}, nil
}
