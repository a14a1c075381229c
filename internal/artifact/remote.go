package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// HTTPClient is the subset of *http.Client used for downloads.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// defaultHTTPClient has no timeout; large downloads are cancelled through
// their context.
var defaultHTTPClient HTTPClient = &http.Client{Timeout: 0}

// Download fetches cfg.DownloadURL into a staging file in targetDir,
// verifies it and publishes it as targetDir/<file_name>. onProgress may be
// nil; its errors are ignored.
func Download(ctx context.Context, cfg Config, targetDir string, onProgress ProgressFunc, opts ...Option) (string, error) {
	opts = append(opts, WithProgress(onProgress))
	return Acquire(ctx, RemoteURL{Config: cfg}, targetDir, opts...)
}

func (s RemoteURL) stream(ctx context.Context, t Target, w *sink) error {
	client := s.Client
	if client == nil {
		client = defaultHTTPClient
	}

	w.setStatus("Starting download...")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, http.NoBody)
	if err != nil {
		return &Error{Kind: KindTransferStartFailed, Op: "download", URL: t.URL, Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Kind: KindTransferStartFailed, Op: "download", URL: t.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Kind: KindTransferStartFailed, Op: "download", URL: t.URL, Status: resp.StatusCode}
	}

	if resp.ContentLength > 0 {
		w.setTotal(resp.ContentLength)
	}

	w.logger.Info().
		Str("url", t.URL).
		Int("statusCode", resp.StatusCode).
		Int64("contentLength", resp.ContentLength).
		Msg("Received HTTP response")

	buf := make([]byte, w.bufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			w.setStatusf(func(p Progress) string {
				return fmt.Sprintf("Downloading... %.1f%%", p.Percentage)
			})
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
		}

		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &Error{
				Kind:   KindTransferInterrupted,
				Op:     "download",
				URL:    t.URL,
				Actual: strconv.FormatInt(w.written, 10),
				Err:    readErr,
			}
		}
	}
}
