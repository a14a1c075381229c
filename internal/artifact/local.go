package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Assemble concatenates the manifest's parts from partsDir into
// targetDir/<model_file>. The result is published only after the per-part
// sizes, the total size and the checksum all match; any failure leaves no
// file at the canonical path. A nil m is read from partsDir.
func Assemble(ctx context.Context, partsDir, targetDir string, m *Manifest, opts ...Option) (string, error) {
	return Acquire(ctx, LocalParts{Dir: partsDir, Manifest: m}, targetDir, opts...)
}

func (s LocalParts) stream(ctx context.Context, t Target, w *sink) error {
	buf := make([]byte, w.bufferSize)

	for i, p := range t.Parts {
		if err := ctx.Err(); err != nil {
			return err
		}

		w.setStatus(fmt.Sprintf("Assembling %s (%d/%d)", p.File, i+1, len(t.Parts)))

		path := filepath.Join(s.Dir, p.File)
		n, err := copyPart(ctx, w, path, buf)
		if err != nil {
			var artErr *Error
			if errors.As(err, &artErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if errors.Is(err, os.ErrNotExist) {
				return &Error{Kind: KindPartNotFound, Op: "assemble", Part: p.File, Path: path}
			}
			return ioFailure("read part "+p.File, path, err)
		}

		if n != p.Size {
			e := sizeMismatch(KindPartSizeMismatch, "assemble", p.File, p.Size, n)
			e.Path = path
			return e
		}

		w.logger.Debug().Str("part", p.File).Int64("bytes", n).Msg("Assembled part")
	}
	return nil
}

func copyPart(ctx context.Context, w io.Writer, path string, buf []byte) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return io.CopyBuffer(w, &ctxReader{ctx: ctx, r: f}, buf)
}

// ctxReader stops a copy loop once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
