package model

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartstorage/smartstorage/internal/artifact"
	"github.com/smartstorage/smartstorage/internal/history"
	"github.com/smartstorage/smartstorage/internal/progress"
	"github.com/smartstorage/smartstorage/internal/testutil"
)

type fakeRecorder struct {
	mu      sync.Mutex
	entries []history.RecordInput
}

func (f *fakeRecorder) Record(_ context.Context, input history.RecordInput) (*history.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, input)
	return &history.Entry{Operation: input.Operation, Outcome: input.Outcome}, nil
}

func (f *fakeRecorder) all() []history.RecordInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]history.RecordInput(nil), f.entries...)
}

func (f *fakeRecorder) last(t *testing.T) history.RecordInput {
	t.Helper()
	entries := f.all()
	require.NotEmpty(t, entries)
	return entries[len(entries)-1]
}

type fakeHub struct {
	mu       sync.Mutex
	messages []string
	progress []progressMessage
	statuses []artifact.Status

	// When gate is set, the first progress message closes entered and the
	// acquisition blocks until gate is closed.
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (f *fakeHub) Broadcast(msgType string, payload any) {
	f.mu.Lock()
	f.messages = append(f.messages, msgType)
	p, isProgress := payload.(progressMessage)
	if isProgress {
		f.progress = append(f.progress, p)
	}
	if st, ok := payload.(artifact.Status); ok {
		f.statuses = append(f.statuses, st)
	}
	f.mu.Unlock()

	if isProgress && f.gate != nil {
		f.once.Do(func() { close(f.entered) })
		<-f.gate
	}
}

func (f *fakeHub) lastStatus() (artifact.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return artifact.Status{}, false
	}
	return f.statuses[len(f.statuses)-1], true
}

func (f *fakeHub) progressFor(id string) []progressMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []progressMessage
	for _, p := range f.progress {
		if p.OperationID == id {
			out = append(out, p)
		}
	}
	return out
}

type testEnv struct {
	svc       *Service
	recorder  *fakeRecorder
	hub       *fakeHub
	progress  *progress.Manager
	partsDir  string
	targetDir string
}

func ggufContent(n int, seed byte) []byte {
	b := make([]byte, n)
	copy(b, "GGUF")
	for i := 4; i < n; i++ {
		b[i] = byte(i*7) + seed
	}
	return b
}

func remoteConfig(url string, content []byte) artifact.Config {
	return artifact.Config{
		ModelName:   "Remote-Model",
		DownloadURL: url,
		FileName:    "remote.gguf",
		SizeBytes:   int64(len(content)),
		Checksum:    testutil.SHA256Hex(content),
	}
}

func newTestEnv(t *testing.T, remote artifact.Config, maxConcurrent int) *testEnv {
	t.Helper()
	logger := testutil.NewTestLogger(t)

	env := &testEnv{
		recorder:  &fakeRecorder{},
		hub:       &fakeHub{},
		partsDir:  t.TempDir(),
		targetDir: t.TempDir(),
	}
	env.progress = progress.NewManager(env.hub, logger)
	env.svc = NewService(Config{
		PartsDir:      env.partsDir,
		TargetDir:     env.targetDir,
		Remote:        remote,
		MaxConcurrent: maxConcurrent,
		BufferSize:    64,
	}, NewSession(), env.progress, env.hub, env.recorder, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.svc.Shutdown(ctx)
	})
	return env
}

func requireKind(t *testing.T, err error, kind artifact.Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, artifact.KindOf(err), "error: %v", err)
}

func serveContent(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		_, _ = w.Write(content)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// stallingServer sends half of content and then waits until the client
// goes away or release is closed.
func stallingServer(t *testing.T, content []byte) (srv *httptest.Server, requested <-chan struct{}, release func()) {
	t.Helper()
	req := make(chan struct{}, 4)
	rel := make(chan struct{})
	var once sync.Once

	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		half := len(content) / 2
		_, _ = w.Write(content[:half])
		w.(http.Flusher).Flush()
		req <- struct{}{}

		select {
		case <-rel:
			_, _ = w.Write(content[half:])
		case <-r.Context().Done():
		}
	}))
	release = func() { once.Do(func() { close(rel) }) }
	t.Cleanup(srv.Close)
	t.Cleanup(release)
	return srv, req, release
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for request")
	}
}

func waitOp(t *testing.T, svc *Service, id string) Operation {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	op, err := svc.Wait(ctx, id)
	require.NoError(t, err)
	return op
}

func TestService_StatusFreshInstall(t *testing.T) {
	env := newTestEnv(t, remoteConfig("https://example.com/remote.gguf", []byte("GGUF")), 1)

	st := env.svc.Status()
	assert.False(t, st.Assembled)
	assert.False(t, st.Loaded)
	assert.Nil(t, st.ModelPath)
	assert.Nil(t, st.Error, "falls back to the download source")
	assert.Equal(t, "Remote-Model", st.ModelName)

	_, err := env.svc.Path()
	requireKind(t, err, artifact.KindNotReady)
}

func TestService_AssembleAndLoad(t *testing.T) {
	env := newTestEnv(t, remoteConfig("https://example.com/remote.gguf", []byte("GGUF")), 1)
	bundle := testutil.WriteBundle(t, env.partsDir, "model.gguf", ggufContent(3000, 1), ggufContent(1200, 2)[4:])

	st := env.svc.Status()
	assert.False(t, st.Assembled)
	assert.Nil(t, st.Error)
	assert.Equal(t, "Test-Model", st.ModelName)

	path, err := env.svc.Assemble(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.targetDir, "model.gguf"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, bundle.Content, got)

	entry := env.recorder.last(t)
	assert.Equal(t, history.OperationAssemble, entry.Operation)
	assert.Equal(t, history.OutcomeSucceeded, entry.Outcome)
	assert.Equal(t, int64(len(bundle.Content)), entry.Bytes)

	st = env.svc.Status()
	assert.True(t, st.Assembled)
	assert.False(t, st.Loaded)
	require.NotNil(t, st.ModelPath)
	assert.Equal(t, path, *st.ModelPath)

	state, err := env.svc.LoadModel()
	require.NoError(t, err)
	assert.True(t, state.Loaded)
	assert.True(t, env.svc.Status().Loaded)

	// Re-entry reuses the artifact.
	again, err := env.svc.Assemble(context.Background())
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, history.OutcomeSkipped, env.recorder.last(t).Outcome)

	require.NoError(t, env.svc.Delete())
	assert.NoFileExists(t, path)
	assert.False(t, env.svc.Session().IsLoaded(), "deleting the loaded artifact unloads it")
	assert.False(t, env.svc.Status().Assembled)
	assert.Equal(t, history.OperationDelete, env.recorder.last(t).Operation)
}

func TestService_AssembleFailureReportsKind(t *testing.T) {
	env := newTestEnv(t, remoteConfig("https://example.com/remote.gguf", []byte("GGUF")), 1)
	bundle := testutil.WriteBundle(t, env.partsDir, "model.gguf", ggufContent(200, 1), ggufContent(200, 2))

	part := filepath.Join(env.partsDir, bundle.Manifest.Parts[1].File)
	require.NoError(t, os.WriteFile(part, ggufContent(199, 2), 0o644))

	_, err := env.svc.Assemble(context.Background())
	requireKind(t, err, artifact.KindPartSizeMismatch)

	entry := env.recorder.last(t)
	assert.Equal(t, history.OutcomeFailed, entry.Outcome)
	assert.Equal(t, string(artifact.KindPartSizeMismatch), entry.ErrorKind)

	ops := env.svc.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, StateFailed, ops[0].State)
	assert.Equal(t, string(artifact.KindPartSizeMismatch), ops[0].ErrorKind)
	assert.NoFileExists(t, filepath.Join(env.targetDir, "model.gguf"))
}

func TestService_StartDownload(t *testing.T) {
	content := ggufContent(50_000, 3)
	srv := serveContent(t, content)
	env := newTestEnv(t, remoteConfig(srv.URL+"/remote.gguf", content), 1)

	op, err := env.svc.StartDownload()
	require.NoError(t, err)
	assert.NotEmpty(t, op.ID)
	assert.Equal(t, history.OperationDownload, op.Kind)

	done := waitOp(t, env.svc, op.ID)
	require.Equal(t, StateSucceeded, done.State, done.Error)
	assert.False(t, done.Reused)
	assert.Equal(t, filepath.Join(env.targetDir, "remote.gguf"), done.Path)
	assert.Equal(t, "Download complete!", done.Progress.Status)

	got, err := os.ReadFile(done.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))

	msgs := env.hub.progressFor(op.ID)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "Starting download...", msgs[0].Status)
	assert.Equal(t, "Download complete!", msgs[len(msgs)-1].Status)

	activity := env.progress.GetActivity(op.ID)
	require.NotNil(t, activity)
	assert.Equal(t, progress.StatusCompleted, activity.Status)

	path, err := env.svc.Path()
	require.NoError(t, err)
	assert.Equal(t, done.Path, path)
}

func TestService_DownloadInProgress(t *testing.T) {
	content := ggufContent(4096, 4)
	srv, requested, release := stallingServer(t, content)
	env := newTestEnv(t, remoteConfig(srv.URL+"/remote.gguf", content), 2)

	first, err := env.svc.StartDownload()
	require.NoError(t, err)
	waitFor(t, requested)

	_, err = env.svc.StartDownload()
	requireKind(t, err, artifact.KindInProgress)
	requireKind(t, env.svc.Delete(), artifact.KindInProgress)
	assert.True(t, env.svc.Busy())

	st := env.svc.Status()
	assert.False(t, st.Assembled, "a staging file is never reported as an artifact")

	release()
	done := waitOp(t, env.svc, first.ID)
	assert.Equal(t, StateSucceeded, done.State, done.Error)
	assert.False(t, env.svc.Busy())
}

func TestService_CancelDownload(t *testing.T) {
	content := ggufContent(4096, 5)
	srv, requested, _ := stallingServer(t, content)
	env := newTestEnv(t, remoteConfig(srv.URL+"/remote.gguf", content), 1)

	op, err := env.svc.StartDownload()
	require.NoError(t, err)
	waitFor(t, requested)

	require.NoError(t, env.svc.Cancel(op.ID))
	done := waitOp(t, env.svc, op.ID)
	assert.Equal(t, StateCancelled, done.State)

	final := filepath.Join(env.targetDir, "remote.gguf")
	assert.NoFileExists(t, final)
	assert.NoFileExists(t, artifact.StagingPath(final))
	assert.Equal(t, history.OutcomeCancelled, env.recorder.last(t).Outcome)

	activity := env.progress.GetActivity(op.ID)
	require.NotNil(t, activity)
	assert.Equal(t, progress.StatusCancelled, activity.Status)
}

func TestService_CancelAllKeepsAssemblyStaging(t *testing.T) {
	env := newTestEnv(t, remoteConfig("https://example.com/remote.gguf", []byte("GGUF")), 1)
	content := ggufContent(2048, 9)
	testutil.WriteBundle(t, env.partsDir, "remote.gguf", content[:1024], content[1024:])

	env.hub.gate = make(chan struct{})
	env.hub.entered = make(chan struct{})

	op, err := env.svc.StartAssemble()
	require.NoError(t, err)
	waitFor(t, env.hub.entered)

	final := filepath.Join(env.targetDir, "remote.gguf")
	require.FileExists(t, artifact.StagingPath(final))

	require.NoError(t, env.svc.Cancel(""))
	assert.FileExists(t, artifact.StagingPath(final), "assembly staging shares the download file name")

	close(env.hub.gate)
	done := waitOp(t, env.svc, op.ID)
	assert.Equal(t, StateSucceeded, done.State, done.Error)
	assert.FileExists(t, final)
	assert.NoFileExists(t, artifact.StagingPath(final))
}

func TestService_CancelIdle(t *testing.T) {
	env := newTestEnv(t, remoteConfig("https://example.com/remote.gguf", []byte("GGUF")), 1)

	final := filepath.Join(env.targetDir, "remote.gguf")
	require.NoError(t, os.WriteFile(artifact.StagingPath(final), []byte("GG"), 0o644))

	require.NoError(t, env.svc.Cancel(""))
	assert.NoFileExists(t, artifact.StagingPath(final))
	require.NoError(t, env.svc.Cancel(""), "cancelling twice is not an error")
	assert.Equal(t, history.OperationCancel, env.recorder.last(t).Operation)

	err := env.svc.Cancel("missing")
	assert.True(t, errors.Is(err, ErrOperationNotFound))
}

func TestService_ConcurrencyLimit(t *testing.T) {
	content := ggufContent(4096, 6)
	srv, requested, _ := stallingServer(t, content)
	env := newTestEnv(t, remoteConfig(srv.URL+"/remote.gguf", content), 1)
	testutil.WriteBundle(t, env.partsDir, "model.gguf", ggufContent(100, 1))

	download, err := env.svc.StartDownload()
	require.NoError(t, err)
	waitFor(t, requested)

	assemble, err := env.svc.StartAssemble()
	require.NoError(t, err)

	queued, err := env.svc.Operation(assemble.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, queued.State, "the only worker slot is taken")

	require.NoError(t, env.svc.Cancel(download.ID))
	assert.Equal(t, StateCancelled, waitOp(t, env.svc, download.ID).State)

	done := waitOp(t, env.svc, assemble.ID)
	assert.Equal(t, StateSucceeded, done.State, done.Error)
}

func TestService_Verify(t *testing.T) {
	env := newTestEnv(t, remoteConfig("https://example.com/remote.gguf", []byte("GGUF")), 1)
	testutil.WriteBundle(t, env.partsDir, "model.gguf", ggufContent(800, 1), ggufContent(800, 2))

	_, err := env.svc.Verify(context.Background())
	requireKind(t, err, artifact.KindNotReady)

	path, err := env.svc.Assemble(context.Background())
	require.NoError(t, err)
	_, err = env.svc.LoadModel()
	require.NoError(t, err)

	verified, err := env.svc.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, path, verified)
	assert.Equal(t, history.OutcomeSucceeded, env.recorder.last(t).Outcome)

	// Same size, different bytes: only a full digest notices.
	require.NoError(t, os.WriteFile(path, ggufContent(1600, 9), 0o644))
	assert.True(t, env.svc.Status().Assembled)

	_, err = env.svc.Verify(context.Background())
	requireKind(t, err, artifact.KindChecksumMismatch)
	assert.NoFileExists(t, path)
	assert.False(t, env.svc.Session().IsLoaded())

	entry := env.recorder.last(t)
	assert.Equal(t, history.OperationVerify, entry.Operation)
	assert.Equal(t, history.OutcomeFailed, entry.Outcome)
}

func TestService_LoadRequiresArtifact(t *testing.T) {
	env := newTestEnv(t, remoteConfig("https://example.com/remote.gguf", []byte("GGUF")), 1)

	_, err := env.svc.LoadModel()
	requireKind(t, err, artifact.KindNotReady)
	assert.False(t, env.svc.Status().Loaded)

	assert.False(t, env.svc.UnloadModel().Loaded)
}

func TestService_PruneOperations(t *testing.T) {
	env := newTestEnv(t, remoteConfig("https://example.com/remote.gguf", []byte("GGUF")), 1)
	testutil.WriteBundle(t, env.partsDir, "model.gguf", ggufContent(100, 1))

	_, err := env.svc.Assemble(context.Background())
	require.NoError(t, err)
	require.Len(t, env.svc.Operations(), 1)

	assert.Zero(t, env.svc.PruneOperations(time.Hour))
	assert.Equal(t, 1, env.svc.PruneOperations(0))
	assert.Empty(t, env.svc.Operations())
}

func TestService_Shutdown(t *testing.T) {
	content := ggufContent(4096, 7)
	srv, requested, _ := stallingServer(t, content)
	env := newTestEnv(t, remoteConfig(srv.URL+"/remote.gguf", content), 1)

	op, err := env.svc.StartDownload()
	require.NoError(t, err)
	waitFor(t, requested)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.svc.Shutdown(ctx))

	got, err := env.svc.Operation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)

	_, err = env.svc.StartDownload()
	assert.Error(t, err)
}
