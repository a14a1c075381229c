package health

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// probePrefix marks the scratch files written by checkDirWritable.
const probePrefix = ".smartstorage_health_check_"

// checkDirAccessible verifies that path exists and is a directory.
func checkDirAccessible(path string) error {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("path does not exist: %s", path)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("permission denied: %s", path)
	case err != nil:
		return fmt.Errorf("cannot access path: %w", err)
	case !info.IsDir():
		return fmt.Errorf("path is not a directory: %s", path)
	}
	return nil
}

// checkDirWritable writes and removes a probe file in dir. An artifact is
// published by renaming a staging file in the same directory, so the
// probe exercises create, write, rename and remove.
func checkDirWritable(dir string) error {
	id := uuid.NewString()[:8]
	probe := filepath.Join(dir, probePrefix+id+".tmp")
	renamed := filepath.Join(dir, probePrefix+id)

	if err := os.WriteFile(probe, []byte("health check"), 0o644); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("folder is read-only: %s", dir)
		}
		return fmt.Errorf("cannot write to folder: %w", err)
	}

	if err := os.Rename(probe, renamed); err != nil {
		_ = os.Remove(probe)
		return fmt.Errorf("cannot rename in folder: %w", err)
	}

	if err := os.Remove(renamed); err != nil {
		return fmt.Errorf("cannot remove test file: %w", err)
	}
	return nil
}

// checkDirHealth combines the accessibility and writability checks.
func checkDirHealth(dir string) error {
	if err := checkDirAccessible(dir); err != nil {
		return err
	}
	return checkDirWritable(dir)
}
