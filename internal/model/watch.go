package model

import (
	"path/filepath"
	"strings"

	"github.com/smartstorage/smartstorage/internal/artifact"
	"github.com/smartstorage/smartstorage/internal/watcher"
)

// WatchDirs returns the directories whose contents change the artifact
// status.
func (s *Service) WatchDirs() []string {
	dirs := []string{s.cfg.TargetDir}
	if s.cfg.PartsDir != "" && filepath.Clean(s.cfg.PartsDir) != filepath.Clean(s.cfg.TargetDir) {
		dirs = append(dirs, s.cfg.PartsDir)
	}
	return dirs
}

// IsArtifactFile reports whether a file name can affect the artifact status.
// Staging and lock files churn during transfers and are ignored.
func (s *Service) IsArtifactFile(name string) bool {
	if strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".lock") {
		return false
	}
	manifest := s.cfg.ManifestName
	if manifest == "" {
		manifest = artifact.DefaultManifestName
	}
	return name == manifest ||
		name == s.cfg.Remote.FileName ||
		strings.HasSuffix(name, ".gguf") ||
		strings.Contains(name, ".part")
}

// OnFileEvents pushes the current status to clients after artifact files
// change on disk.
func (s *Service) OnFileEvents(events []watcher.FileEvent) {
	st := s.Status()
	s.logger.Debug().
		Int("events", len(events)).
		Bool("assembled", st.Assembled).
		Msg("artifact files changed")

	if s.hub != nil {
		s.hub.Broadcast(MessageStatus, st)
	}
}
