package artifact

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssemble(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	m, content := writeBundle(t, src, patterned(1000, 1), patterned(2345, 2), patterned(17, 3))

	var events []Progress
	path, err := Assemble(context.Background(), src, dst, m,
		WithBufferSize(256),
		WithProgress(func(p Progress) error {
			events = append(events, p)
			return nil
		}),
	)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dst, "model.gguf"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got, "parts are joined by order, not array position")

	assert.NoFileExists(t, StagingPath(path))

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "Assembly complete!", last.Status)
	assert.Equal(t, int64(len(content)), last.Downloaded)
	assert.InDelta(t, 100.0, last.Percentage, 0.001)
	assert.Equal(t, "Assembling model.gguf.part0 (1/3)", events[0].Status)
}

func TestAssemble_Idempotent(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	m, _ := writeBundle(t, src, patterned(500, 1), patterned(500, 2))

	first, err := Assemble(context.Background(), src, dst, m)
	require.NoError(t, err)
	before, err := os.ReadFile(first)
	require.NoError(t, err)
	info1, err := os.Stat(first)
	require.NoError(t, err)

	// Remove a part: a second call must not need it.
	require.NoError(t, os.Remove(filepath.Join(src, m.Parts[0].File)))

	second, err := Assemble(context.Background(), src, dst, m)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	after, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	info2, err := os.Stat(second)
	require.NoError(t, err)
	assert.Equal(t, info1.ModTime(), info2.ModTime())
}

func TestAssemble_Force(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	m, content := writeBundle(t, src, patterned(64, 1))

	path := filepath.Join(dst, m.ModelFile)
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o644))

	got, err := Assemble(context.Background(), src, dst, m, WithForce())
	require.NoError(t, err)

	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestAssemble_PartTruncated(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	m, _ := writeBundle(t, src, patterned(100, 1), patterned(200, 2))

	// part1 (order 1) loses one byte.
	require.NoError(t, os.WriteFile(filepath.Join(src, "model.gguf.part1"), patterned(199, 2), 0o644))

	_, err := Assemble(context.Background(), src, dst, m)
	e := requireKind(t, err, KindPartSizeMismatch)
	assert.Equal(t, "model.gguf.part1", e.Part)
	assert.Equal(t, "200", e.Expected)
	assert.Equal(t, "199", e.Actual)
	assert.ErrorIs(t, err, ErrPartSizeMismatch)

	assert.NoFileExists(t, filepath.Join(dst, m.ModelFile))
	assert.NoFileExists(t, StagingPath(filepath.Join(dst, m.ModelFile)))
}

func TestAssemble_PartMissing(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	m, _ := writeBundle(t, src, patterned(10, 1), patterned(10, 2))
	require.NoError(t, os.Remove(filepath.Join(src, "model.gguf.part1")))

	_, err := Assemble(context.Background(), src, dst, m)
	e := requireKind(t, err, KindPartNotFound)
	assert.Equal(t, "model.gguf.part1", e.Part)
	assert.NoFileExists(t, filepath.Join(dst, m.ModelFile))
	assert.NoFileExists(t, StagingPath(filepath.Join(dst, m.ModelFile)))
}

func TestAssemble_TotalSizeMismatch(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	m, _ := writeBundle(t, src, patterned(10, 1))
	m.TotalSize = 11

	_, err := Assemble(context.Background(), src, dst, m)
	e := requireKind(t, err, KindTotalSizeMismatch)
	assert.Equal(t, "11", e.Expected)
	assert.Equal(t, "10", e.Actual)
	assert.NoFileExists(t, filepath.Join(dst, m.ModelFile))
}

func TestAssemble_FlippedByte(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	part1 := patterned(1_000_000, 1)
	part2 := patterned(2_345_678, 2)
	m, _ := writeBundle(t, src, part1, part2)
	require.Equal(t, int64(3_345_678), m.TotalSize)

	part2[1234] ^= 0xFF
	require.NoError(t, os.WriteFile(filepath.Join(src, "model.gguf.part1"), part2, 0o644))

	_, err := Assemble(context.Background(), src, dst, m)
	e := requireKind(t, err, KindChecksumMismatch)
	assert.Equal(t, m.Checksum, e.Expected)
	assert.NotEmpty(t, e.Actual)
	assert.NotEqual(t, e.Expected, e.Actual)

	entries, err := os.ReadDir(dst)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotEqual(t, m.ModelFile, entry.Name())
		assert.NotEqual(t, m.ModelFile+stagingSuffix, entry.Name())
	}
}

func TestAssemble_FailureKeepsPreviousArtifact(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	m, content := writeBundle(t, src, patterned(32, 1))

	path, err := Assemble(context.Background(), src, dst, m)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(src, "model.gguf.part0"), patterned(32, 9), 0o644))
	_, err = Assemble(context.Background(), src, dst, m, WithForce())
	requireKind(t, err, KindChecksumMismatch)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestAssemble_InProgress(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	m, _ := writeBundle(t, src, patterned(16, 1))

	lock, err := tryLock(LockPath(filepath.Join(dst, m.ModelFile)))
	require.NoError(t, err)

	_, err = Assemble(context.Background(), src, dst, m)
	requireKind(t, err, KindInProgress)
	assert.NoFileExists(t, filepath.Join(dst, m.ModelFile))

	lock.release()

	_, err = Assemble(context.Background(), src, dst, m)
	require.NoError(t, err)
}

func TestAssemble_Cancelled(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	m, _ := writeBundle(t, src, patterned(16, 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Assemble(ctx, src, dst, m)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, filepath.Join(dst, m.ModelFile))
	assert.NoFileExists(t, StagingPath(filepath.Join(dst, m.ModelFile)))
}

func TestAssemble_ObserverFailuresIgnored(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	m, _ := writeBundle(t, src, patterned(128, 1))

	calls := 0
	_, err := Assemble(context.Background(), src, dst, m,
		WithLogger(zerolog.New(zerolog.NewTestWriter(t))),
		WithProgress(func(Progress) error {
			calls++
			if calls%2 == 0 {
				panic("observer")
			}
			return errors.New("observer failed")
		}),
	)
	require.NoError(t, err)
	assert.Greater(t, calls, 1)
}

func newDownloadServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(url string, body []byte) Config {
	return Config{
		ModelName:   "Test-Model",
		DownloadURL: url,
		FileName:    "model.gguf",
		SizeBytes:   int64(len(body)),
		Checksum:    sha256Hex(body),
	}
}

func TestDownload(t *testing.T) {
	body := patterned(200_000, 5)
	srv := newDownloadServer(t, body)
	dst := t.TempDir()

	var mu sync.Mutex
	var statuses []string
	path, err := Download(context.Background(), testConfig(srv.URL+"/model.gguf", body), dst, func(p Progress) error {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, p.Status)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dst, "model.gguf"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.NoFileExists(t, StagingPath(path))

	require.GreaterOrEqual(t, len(statuses), 3)
	assert.Equal(t, "Starting download...", statuses[0])
	assert.Equal(t, "Verifying checksum...", statuses[len(statuses)-2])
	assert.Equal(t, "Download complete!", statuses[len(statuses)-1])
}

func TestDownload_UppercaseChecksum(t *testing.T) {
	body := []byte("hello world")
	srv := newDownloadServer(t, body)
	cfg := testConfig(srv.URL, body)
	cfg.Checksum = "B94D27B9934D3E08A52E52D7DA7DABFAC484EFE37A5380EE9088F7ACE2EFCDE9"

	_, err := Download(context.Background(), cfg, t.TempDir(), nil)
	require.NoError(t, err)
}

func TestDownload_Idempotent(t *testing.T) {
	body := patterned(1024, 5)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dst := t.TempDir()
	cfg := testConfig(srv.URL, body)

	first, err := Download(context.Background(), cfg, dst, nil)
	require.NoError(t, err)
	second, err := Download(context.Background(), cfg, dst, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDownload_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	dst := t.TempDir()
	cfg := testConfig(srv.URL+"/missing", []byte("x"))

	_, err := Download(context.Background(), cfg, dst, nil)
	e := requireKind(t, err, KindTransferStartFailed)
	assert.Equal(t, http.StatusNotFound, e.Status)
	assert.Equal(t, cfg.DownloadURL, e.URL)
	assert.NoFileExists(t, filepath.Join(dst, cfg.FileName))
	assert.NoFileExists(t, StagingPath(filepath.Join(dst, cfg.FileName)))
}

func TestDownload_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := Download(context.Background(), testConfig(url, []byte("x")), t.TempDir(), nil)
	e := requireKind(t, err, KindTransferStartFailed)
	assert.Zero(t, e.Status)
}

func TestDownload_CorruptedChunk(t *testing.T) {
	body := patterned(4096, 5)
	corrupted := append([]byte(nil), body...)
	corrupted[2000] ^= 0x01
	srv := newDownloadServer(t, corrupted)

	dst := t.TempDir()
	cfg := testConfig(srv.URL, body)

	_, err := Download(context.Background(), cfg, dst, nil)
	e := requireKind(t, err, KindChecksumMismatch)
	assert.Equal(t, sha256Hex(body), e.Expected)
	assert.Equal(t, sha256Hex(corrupted), e.Actual)

	assert.NoFileExists(t, filepath.Join(dst, cfg.FileName))
	assert.NoFileExists(t, StagingPath(filepath.Join(dst, cfg.FileName)))
}

func TestDownload_ShortBody(t *testing.T) {
	body := []byte("0123456789")
	srv := newDownloadServer(t, body[:8])

	dst := t.TempDir()
	_, err := Download(context.Background(), testConfig(srv.URL, body), dst, nil)
	e := requireKind(t, err, KindTotalSizeMismatch)
	assert.Equal(t, "10", e.Expected)
	assert.Equal(t, "8", e.Actual)
	assert.NoFileExists(t, StagingPath(filepath.Join(dst, "model.gguf")))
}

// interruptingServer advertises 10 bytes, sends 5 and drops the connection.
func interruptingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("response writer does not support hijacking")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 10\r\nContent-Type: application/octet-stream\r\n\r\n01234")
		_ = buf.Flush()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownload_InterruptedMidStream(t *testing.T) {
	srv := interruptingServer(t)
	dst := t.TempDir()
	cfg := testConfig(srv.URL, []byte("0123456789"))

	_, err := Download(context.Background(), cfg, dst, nil)
	e := requireKind(t, err, KindTransferInterrupted)
	assert.Equal(t, "5", e.Actual)
	assert.ErrorIs(t, err, ErrTransferInterrupted)

	final := filepath.Join(dst, cfg.FileName)
	assert.NoFileExists(t, final)

	info, err := os.Stat(StagingPath(final))
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size())

	st := ResolveStatus(RemoteURL{Config: cfg}, dst, false)
	assert.False(t, st.Assembled)
	assert.Nil(t, st.ModelPath)
	assert.Nil(t, st.Error)

	require.NoError(t, CancelDownload(dst, cfg.FileName))
	assert.NoFileExists(t, StagingPath(final))
}

func TestDownload_MalformedConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad scheme", func(c *Config) { c.DownloadURL = "ftp://example.com/x" }},
		{"path in file name", func(c *Config) { c.FileName = "../x.gguf" }},
		{"zero size", func(c *Config) { c.SizeBytes = 0 }},
		{"bad checksum", func(c *Config) { c.Checksum = "abc123" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("https://example.com/model.gguf", []byte("x"))
			tt.mutate(&cfg)
			_, err := Download(context.Background(), cfg, t.TempDir(), nil)
			requireKind(t, err, KindManifestMalformed)
		})
	}
}

type countingClient struct {
	calls int
	inner HTTPClient
}

func (c *countingClient) Do(req *http.Request) (*http.Response, error) {
	c.calls++
	return c.inner.Do(req)
}

func TestAcquire_RemoteWithClient(t *testing.T) {
	body := []byte("custom client body")
	srv := newDownloadServer(t, body)
	client := &countingClient{inner: srv.Client()}

	path, err := Acquire(context.Background(), RemoteURL{Config: testConfig(srv.URL, body), Client: client}, t.TempDir())
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, 1, client.calls)
}

func TestAcquire_RemovesWrongSizedArtifact(t *testing.T) {
	body := []byte("0123456789")
	srv := newDownloadServer(t, body)
	dst := t.TempDir()
	final := filepath.Join(dst, "model.gguf")
	require.NoError(t, os.WriteFile(final, []byte("stale"), 0o644))

	path, err := Download(context.Background(), testConfig(srv.URL, body), dst, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestError_Message(t *testing.T) {
	err := sizeMismatch(KindPartSizeMismatch, "assemble", "p1", 200, 199)
	assert.Equal(t, "artifact assemble: part p1 has wrong size: expected 200, got 199", err.Error())

	wrapped := &Error{Kind: KindIOFailure, Op: "publish", Path: "/x", Err: os.ErrPermission}
	assert.ErrorIs(t, wrapped, os.ErrPermission)
	assert.ErrorIs(t, wrapped, ErrIOFailure)
	assert.Equal(t, KindIOFailure, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}
