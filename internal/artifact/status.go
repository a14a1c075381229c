package artifact

import (
	"errors"
	"os"
	"path/filepath"
)

// Status is the composed answer to "is the model ready".
type Status struct {
	Assembled bool    `json:"assembled"`
	Loaded    bool    `json:"loaded"`
	ModelPath *string `json:"model_path"`
	ModelName string  `json:"model_name"`
	Error     *string `json:"error"`
}

// ResolveManifestStatus resolves the status of the artifact described by
// the manifest in sourceDir.
func ResolveManifestStatus(sourceDir, targetDir string, isLoaded bool) Status {
	return ResolveStatus(LocalParts{Dir: sourceDir}, targetDir, isLoaded)
}

// ResolveStatus re-reads src's declaration and checks the canonical file by
// size only. Same-size corruption is not detected here; VerifyArtifact does
// the full digest check. A canonical file of the wrong size is deleted.
//
// isLoaded belongs to the inference engine. It is reported as loaded only
// while an artifact is actually present.
func ResolveStatus(src Source, targetDir string, isLoaded bool) Status {
	t, err := src.Describe()
	if err != nil {
		msg := err.Error()
		return Status{Error: &msg}
	}

	st := Status{ModelName: t.Name}

	path, ok, err := CheckArtifact(targetDir, t)
	if err != nil {
		msg := err.Error()
		st.Error = &msg
		return st
	}
	if ok {
		st.Assembled = true
		st.ModelPath = &path
		st.Loaded = isLoaded
	}
	return st
}

// CheckArtifact reports whether targetDir holds t's artifact with the
// declared size. A file of any other size is removed unless an acquisition
// currently owns the path.
func CheckArtifact(targetDir string, t Target) (string, bool, error) {
	finalPath := filepath.Join(targetDir, t.FileName)

	info, err := os.Stat(finalPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, ioFailure("stat", finalPath, err)
	}
	if info.Mode().IsRegular() && info.Size() == t.Size {
		return finalPath, true, nil
	}

	lock, err := tryLock(LockPath(finalPath))
	if err != nil {
		if errors.Is(err, errLockHeld) {
			return "", false, nil
		}
		return "", false, ioFailure("lock", LockPath(finalPath), err)
	}
	defer lock.release()

	if _, err := existingArtifact(finalPath, t.Size); err != nil {
		return "", false, err
	}
	return "", false, nil
}

// VerifiedPath returns the canonical artifact path for the inference engine,
// or ErrNotReady when no correctly sized artifact exists.
func VerifiedPath(src Source, targetDir string) (string, error) {
	t, err := src.Describe()
	if err != nil {
		return "", err
	}
	path, ok, err := CheckArtifact(targetDir, t)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &Error{Kind: KindNotReady, Op: "verified path", Path: filepath.Join(targetDir, t.FileName)}
	}
	return path, nil
}

// VerifyArtifact re-digests the canonical artifact and compares it with the
// declaration. A mismatching file is deleted.
func VerifyArtifact(src Source, targetDir string) (string, error) {
	t, err := src.Describe()
	if err != nil {
		return "", err
	}
	finalPath := filepath.Join(targetDir, t.FileName)

	lock, err := tryLock(LockPath(finalPath))
	if err != nil {
		if errors.Is(err, errLockHeld) {
			return "", &Error{Kind: KindInProgress, Op: "verify", Path: finalPath}
		}
		if errors.Is(err, os.ErrNotExist) {
			return "", &Error{Kind: KindNotReady, Op: "verify", Path: finalPath}
		}
		return "", ioFailure("lock", LockPath(finalPath), err)
	}
	defer lock.release()

	sum, n, err := ChecksumFile(finalPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", &Error{Kind: KindNotReady, Op: "verify", Path: finalPath}
	}
	if err != nil {
		return "", ioFailure("verify", finalPath, err)
	}

	if n != t.Size {
		removeQuietly(finalPath)
		e := sizeMismatch(KindTotalSizeMismatch, "verify", "", t.Size, n)
		e.Path = finalPath
		return "", e
	}
	if !ChecksumsEqual(sum, t.Checksum) {
		removeQuietly(finalPath)
		return "", &Error{Kind: KindChecksumMismatch, Op: "verify", Path: finalPath, Expected: t.Checksum, Actual: sum}
	}
	return finalPath, nil
}

// Remove deletes src's canonical artifact and any leftover staging file.
// Removing an absent artifact is not an error.
func Remove(src Source, targetDir string) error {
	t, err := src.Describe()
	if err != nil {
		return err
	}
	finalPath := filepath.Join(targetDir, t.FileName)

	if _, err := os.Stat(targetDir); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	lock, err := tryLock(LockPath(finalPath))
	if err != nil {
		if errors.Is(err, errLockHeld) {
			return &Error{Kind: KindInProgress, Op: "remove", Path: finalPath}
		}
		return ioFailure("lock", LockPath(finalPath), err)
	}

	for _, p := range []string{finalPath, StagingPath(finalPath)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			lock.release()
			return ioFailure("remove", p, err)
		}
	}

	lock.release()
	if err := os.Remove(LockPath(finalPath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ioFailure("remove", LockPath(finalPath), err)
	}
	return nil
}

// CancelDownload removes the staging file for fileName in targetDir. An
// acquisition still writing to it fails when it tries to publish.
// Cancelling when nothing is staged is not an error.
func CancelDownload(targetDir, fileName string) error {
	if err := validateFileName(fileName); err != nil {
		return &Error{Kind: KindManifestMalformed, Op: "cancel", Path: fileName, Err: err}
	}
	staging := StagingPath(filepath.Join(targetDir, fileName))
	if err := os.Remove(staging); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ioFailure("cancel", staging, err)
	}
	return nil
}

func removeQuietly(path string) {
	_ = os.Remove(path)
}
