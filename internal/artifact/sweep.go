package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SweepStaging removes staging files in targetDir last modified more than
// maxAge ago. A staging file whose artifact is locked by a running
// acquisition is left alone. It returns the removed paths.
func SweepStaging(targetDir string, maxAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(targetDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioFailure("sweep", targetDir, err)
	}

	cutoff := time.Now().Add(-maxAge)
	var removed []string
	var errs []error

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), stagingSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		staging := filepath.Join(targetDir, entry.Name())
		finalPath := strings.TrimSuffix(staging, stagingSuffix)

		lock, err := tryLock(LockPath(finalPath))
		if errors.Is(err, errLockHeld) {
			continue
		}
		if err != nil {
			errs = append(errs, ioFailure("lock", LockPath(finalPath), err))
			continue
		}
		err = os.Remove(staging)
		lock.release()

		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, ioFailure("sweep", staging, err))
			continue
		}
		removed = append(removed, staging)
	}
	return removed, errors.Join(errs...)
}
