package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBufferSize = 32 * 1024
	progressInterval  = 100 * time.Millisecond

	stagingSuffix = ".tmp"
	lockSuffix    = ".lock"
)

// Progress is a snapshot of an acquisition in flight.
type Progress struct {
	Downloaded int64   `json:"downloaded"`
	Total      int64   `json:"total"`
	Percentage float64 `json:"percentage"`
	Status     string  `json:"status"`
}

// ProgressFunc receives progress snapshots. Returned errors and panics are
// ignored; a failing observer never aborts an acquisition.
type ProgressFunc func(Progress) error

type options struct {
	progress   ProgressFunc
	force      bool
	logger     zerolog.Logger
	bufferSize int
}

// Option configures Acquire, Assemble and Download.
type Option func(*options)

// WithProgress registers an observer. A nil fn is ignored.
func WithProgress(fn ProgressFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.progress = fn
		}
	}
}

// WithForce skips the existing-artifact shortcut and always re-acquires.
func WithForce() Option {
	return func(o *options) { o.force = true }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithBufferSize sets the copy buffer size. Non-positive values are ignored.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:     zerolog.Nop(),
		bufferSize: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// StagingPath returns the in-progress file name used while finalPath is
// being written.
func StagingPath(finalPath string) string { return finalPath + stagingSuffix }

// LockPath returns the lock file guarding acquisitions of finalPath.
func LockPath(finalPath string) string { return finalPath + lockSuffix }

// Acquire produces src's artifact in targetDir and returns its path.
//
// Bytes are streamed into a staging file while being digested. The staging
// file is renamed onto the canonical name only after the byte count and the
// SHA-256 digest match the declaration, so the canonical path either does not
// exist or holds a verified artifact. An existing canonical file of the
// declared size is returned as is unless WithForce is given.
//
// Only one acquisition per canonical path may run at a time, across
// processes; a second caller gets ErrInProgress.
func Acquire(ctx context.Context, src Source, targetDir string, opts ...Option) (string, error) {
	o := buildOptions(opts)

	t, err := src.Describe()
	if err != nil {
		return "", err
	}

	logger := o.logger.With().
		Str("source", string(src.Kind())).
		Logger()

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", ioFailure("create target dir", targetDir, err)
	}
	finalPath := filepath.Join(targetDir, t.FileName)

	lock, err := tryLock(LockPath(finalPath))
	if err != nil {
		if errors.Is(err, errLockHeld) {
			return "", &Error{Kind: KindInProgress, Op: "acquire", Path: finalPath}
		}
		return "", ioFailure("lock", LockPath(finalPath), err)
	}
	defer lock.release()

	if !o.force {
		ok, err := existingArtifact(finalPath, t.Size)
		if err != nil {
			return "", err
		}
		if ok {
			logger.Debug().Str("path", finalPath).Msg("Artifact already present")
			return finalPath, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	stagingPath := StagingPath(finalPath)
	f, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", ioFailure("create staging", stagingPath, err)
	}

	w := newSink(f, stagingPath, t.Size, o, logger)

	logger.Info().
		Str("staging", stagingPath).
		Int64("size", t.Size).
		Msg("Starting acquisition")
	started := time.Now()

	if err := src.stream(ctx, t, w); err != nil {
		f.Close()
		if KindOf(err) == KindTransferInterrupted && ctx.Err() == nil {
			// Partial bytes stay on disk; the next attempt truncates them.
			logger.Warn().Err(err).Int64("written", w.written).Msg("Transfer interrupted, staging kept")
			return "", err
		}
		discard(stagingPath, logger)
		logger.Warn().Err(err).Msg("Acquisition failed")
		return "", err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		discard(stagingPath, logger)
		return "", ioFailure("sync staging", stagingPath, err)
	}
	if err := f.Close(); err != nil {
		discard(stagingPath, logger)
		return "", ioFailure("close staging", stagingPath, err)
	}

	if w.written != t.Size {
		discard(stagingPath, logger)
		e := sizeMismatch(KindTotalSizeMismatch, "verify", "", t.Size, w.written)
		e.Path = finalPath
		return "", e
	}

	w.setStatus("Verifying checksum...")
	sum := w.digest.Sum()
	if !ChecksumsEqual(sum, t.Checksum) {
		discard(stagingPath, logger)
		logger.Error().Str("expected", t.Checksum).Str("actual", sum).Msg("Checksum mismatch")
		return "", &Error{Kind: KindChecksumMismatch, Op: "verify", Path: finalPath, Expected: t.Checksum, Actual: sum}
	}

	if err := os.Rename(stagingPath, finalPath); err != nil {
		discard(stagingPath, logger)
		return "", ioFailure("publish", finalPath, err)
	}

	w.complete(completeStatus(src.Kind()))

	logger.Info().
		Str("path", finalPath).
		Int64("bytes", w.written).
		Dur("elapsed", time.Since(started)).
		Msg("Artifact verified and published")

	return finalPath, nil
}

func completeStatus(kind SourceKind) string {
	if kind == SourceLocalParts {
		return "Assembly complete!"
	}
	return "Download complete!"
}

// existingArtifact reports whether finalPath already holds a file of the
// declared size. A file of any other size is removed.
func existingArtifact(finalPath string, size int64) (bool, error) {
	info, err := os.Stat(finalPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, ioFailure("stat", finalPath, err)
	}
	if info.Mode().IsRegular() && info.Size() == size {
		return true, nil
	}
	if err := os.Remove(finalPath); err != nil {
		return false, ioFailure("remove stale artifact", finalPath, err)
	}
	return false, nil
}

func discard(path string, logger zerolog.Logger) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Str("path", path).Msg("Failed to remove staging file")
	}
}

// sink is the write end shared by every source. Only bytes that reached the
// staging file are digested and counted.
type sink struct {
	f      *os.File
	path   string
	digest *Digest

	written int64
	total   int64

	bufferSize int
	logger     zerolog.Logger

	progress ProgressFunc
	status   string
	statusFn func(Progress) string
	lastEmit time.Time
}

func newSink(f *os.File, path string, total int64, o options, logger zerolog.Logger) *sink {
	return &sink{
		f:          f,
		path:       path,
		digest:     NewDigest(),
		total:      total,
		bufferSize: o.bufferSize,
		logger:     logger,
		progress:   o.progress,
	}
}

func (w *sink) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if n > 0 {
		w.digest.Write(p[:n])
		w.written += int64(n)
		w.emit(false)
	}
	if err != nil {
		return n, ioFailure("write staging", w.path, err)
	}
	return n, nil
}

func (w *sink) setTotal(total int64) { w.total = total }

// setStatus switches to a fixed status message and reports it immediately.
func (w *sink) setStatus(status string) {
	w.status = status
	w.statusFn = nil
	w.emit(true)
}

// setStatusf derives the status from each snapshot.
func (w *sink) setStatusf(fn func(Progress) string) {
	w.statusFn = fn
}

func (w *sink) complete(status string) {
	w.status = status
	w.statusFn = nil
	w.emit(true)
}

func (w *sink) snapshot() Progress {
	p := Progress{Downloaded: w.written, Total: w.total, Status: w.status}
	if w.total > 0 {
		p.Percentage = float64(w.written) / float64(w.total) * 100
		if p.Percentage > 100 {
			p.Percentage = 100
		}
	}
	if w.statusFn != nil {
		p.Status = w.statusFn(p)
	}
	return p
}

func (w *sink) emit(force bool) {
	if w.progress == nil {
		return
	}
	now := time.Now()
	if !force && now.Sub(w.lastEmit) < progressInterval {
		return
	}
	w.lastEmit = now
	w.notify(w.snapshot())
}

func (w *sink) notify(p Progress) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Warn().Interface("panic", r).Msg("Progress observer panicked")
		}
	}()
	if err := w.progress(p); err != nil {
		w.logger.Debug().Err(err).Msg("Progress observer failed")
	}
}

func (p Progress) String() string {
	return fmt.Sprintf("%s (%d/%d bytes)", p.Status, p.Downloaded, p.Total)
}
