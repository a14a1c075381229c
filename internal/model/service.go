// Package model runs artifact acquisitions for the application: it owns
// the in-flight registry, bounds concurrency, fans progress out to
// websocket clients and records every finished operation.
package model

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/smartstorage/smartstorage/internal/artifact"
	"github.com/smartstorage/smartstorage/internal/history"
	"github.com/smartstorage/smartstorage/internal/progress"
)

// MessageProgress is the websocket message type carrying artifact.Progress.
const MessageProgress = "model:progress"

const historyTimeout = 5 * time.Second

// Recorder stores finished operations. *history.Service implements it.
type Recorder interface {
	Record(ctx context.Context, input history.RecordInput) (*history.Entry, error)
}

// Config wires a Service.
type Config struct {
	PartsDir     string
	ManifestName string
	TargetDir    string
	Remote       artifact.Config

	// Client is used for downloads; nil means a client without timeout.
	Client        artifact.HTTPClient
	MaxConcurrent int
	BufferSize    int
}

// Service coordinates acquisitions of the model artifact.
type Service struct {
	cfg      Config
	session  *Session
	progress *progress.Manager
	hub      progress.Broadcaster
	history  Recorder
	logger   zerolog.Logger

	sem *semaphore.Weighted

	mu     sync.Mutex
	ops    map[string]*operation
	byPath map[string]*operation
	wg     sync.WaitGroup

	baseCtx  context.Context
	shutdown context.CancelFunc
}

// NewService creates a model service. progressMgr, hub and recorder may be
// nil.
func NewService(cfg Config, session *Session, progressMgr *progress.Manager, hub progress.Broadcaster, recorder Recorder, logger zerolog.Logger) *Service {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if session == nil {
		session = NewSession()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		cfg:      cfg,
		session:  session,
		progress: progressMgr,
		hub:      hub,
		history:  recorder,
		logger:   logger.With().Str("component", "model").Logger(),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		ops:      make(map[string]*operation),
		byPath:   make(map[string]*operation),
		baseCtx:  ctx,
		shutdown: cancel,
	}
}

// Session returns the inference session handle.
func (s *Service) Session() *Session {
	return s.session
}

// LocalSource is the bundled parts source.
func (s *Service) LocalSource() artifact.LocalParts {
	return artifact.LocalParts{Dir: s.cfg.PartsDir, ManifestName: s.cfg.ManifestName}
}

// RemoteSource is the download source.
func (s *Service) RemoteSource() artifact.RemoteURL {
	return artifact.RemoteURL{Config: s.cfg.Remote, Client: s.cfg.Client}
}

// sources lists the artifact sources in preference order.
func (s *Service) sources() []artifact.Source {
	return []artifact.Source{s.LocalSource(), s.RemoteSource()}
}

// CheckSources fails when the bundled manifest and the download config
// name the same file but declare different contents. Status checks delete
// a file whose size disagrees with its source, so such a pair would delete
// each other's artifacts. Sources that cannot be described are not
// compared.
func (s *Service) CheckSources() error {
	local, err := s.LocalSource().Describe()
	if err != nil {
		return nil
	}
	remote, err := s.RemoteSource().Describe()
	if err != nil {
		return nil
	}
	if local.FileName != remote.FileName {
		return nil
	}
	if local.Size != remote.Size || !artifact.ChecksumsEqual(local.Checksum, remote.Checksum) {
		return fmt.Errorf("bundled manifest and download config both name %s but declare different contents (%d bytes %s, %d bytes %s)",
			local.FileName, local.Size, local.Checksum, remote.Size, remote.Checksum)
	}
	return nil
}

// Config returns the download configuration.
func (s *Service) Config() artifact.Config {
	return s.cfg.Remote
}

// Status reports the first assembled artifact among the sources. When none
// is assembled it reports the bundled source, or the download source when
// no bundle is installed.
func (s *Service) Status() artifact.Status {
	loaded := s.session.IsLoaded()

	var fallback *artifact.Status
	for _, src := range s.sources() {
		st := artifact.ResolveStatus(src, s.cfg.TargetDir, loaded)
		if st.Assembled {
			return st
		}
		if fallback == nil && st.Error == nil {
			fallback = &st
		}
		if fallback == nil && src.Kind() == artifact.SourceRemoteURL {
			fallback = &st
		}
	}
	return *fallback
}

// Path returns the verified artifact path for the inference engine.
func (s *Service) Path() (string, error) {
	var firstErr, notReady error
	for _, src := range s.sources() {
		path, err := artifact.VerifiedPath(src, s.cfg.TargetDir)
		if err == nil {
			return path, nil
		}
		if notReady == nil && artifact.KindOf(err) == artifact.KindNotReady {
			notReady = err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if notReady != nil {
		return "", notReady
	}
	return "", firstErr
}

// StartAssemble queues assembly from the bundled parts and returns at once.
func (s *Service) StartAssemble() (Operation, error) {
	return s.start(history.OperationAssemble, s.LocalSource())
}

// StartDownload queues a download and returns at once.
func (s *Service) StartDownload() (Operation, error) {
	return s.start(history.OperationDownload, s.RemoteSource())
}

// Assemble runs assembly and waits for it.
func (s *Service) Assemble(ctx context.Context) (string, error) {
	return s.runAndWait(ctx, history.OperationAssemble, s.LocalSource())
}

// Download runs a download and waits for it.
func (s *Service) Download(ctx context.Context) (string, error) {
	return s.runAndWait(ctx, history.OperationDownload, s.RemoteSource())
}

func (s *Service) runAndWait(ctx context.Context, kind history.Operation, src artifact.Source) (string, error) {
	op, err := s.register(kind, src)
	if err != nil {
		return "", err
	}

	stop := context.AfterFunc(ctx, op.cancel)
	defer stop()

	s.run(op, src)
	snap := op.snapshot()
	return snap.Path, op.err
}

func (s *Service) start(kind history.Operation, src artifact.Source) (Operation, error) {
	op, err := s.register(kind, src)
	if err != nil {
		return Operation{}, err
	}
	go s.run(op, src)
	return op.snapshot(), nil
}

// register claims the artifact's canonical path for a new operation. A
// second claim on the same path fails with ErrInProgress without touching
// the filesystem.
func (s *Service) register(kind history.Operation, src artifact.Source) (*operation, error) {
	t, err := src.Describe()
	if err != nil {
		return nil, err
	}
	finalPath := filepath.Join(s.cfg.TargetDir, t.FileName)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.baseCtx.Err() != nil {
		return nil, errors.New("model service is shutting down")
	}
	if existing, ok := s.byPath[finalPath]; ok {
		return nil, &artifact.Error{Kind: artifact.KindInProgress, Op: string(kind), Path: existing.finalPath}
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	op := &operation{
		id:        uuid.NewString(),
		kind:      kind,
		source:    src.Kind(),
		modelName: t.Name,
		fileName:  t.FileName,
		finalPath: finalPath,
		state:     StateQueued,
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	op.progress.Total = t.Size

	s.ops[op.id] = op
	s.byPath[finalPath] = op
	s.wg.Add(1)
	return op, nil
}

func (s *Service) run(op *operation, src artifact.Source) {
	defer s.wg.Done()
	defer s.release(op)

	logger := s.logger.With().
		Str("operation", op.id).
		Str("kind", string(op.kind)).
		Str("file", op.fileName).
		Logger()

	if err := s.sem.Acquire(op.ctx, 1); err != nil {
		op.finish("", err)
		s.recordOutcome(op, logger)
		return
	}
	defer s.sem.Release(1)

	op.begin()
	s.startActivity(op)

	opts := []artifact.Option{
		artifact.WithLogger(logger),
		artifact.WithBufferSize(s.cfg.BufferSize),
		artifact.WithProgress(func(p artifact.Progress) error {
			s.onProgress(op, p)
			return nil
		}),
	}

	path, err := artifact.Acquire(op.ctx, src, s.cfg.TargetDir, opts...)
	op.finish(path, err)
	s.finishActivity(op)
	s.recordOutcome(op, logger)
}

func (s *Service) release(op *operation) {
	s.mu.Lock()
	if s.byPath[op.finalPath] == op {
		delete(s.byPath, op.finalPath)
	}
	s.mu.Unlock()
	op.cancel()
	close(op.done)
}

func (s *Service) onProgress(op *operation, p artifact.Progress) {
	op.setProgress(p)

	if s.progress != nil {
		pct := -1
		if p.Total > 0 {
			pct = int(p.Percentage)
		}
		s.progress.UpdateActivity(op.id, p.Status, pct)
	}
	if s.hub != nil {
		s.hub.Broadcast(MessageProgress, progressMessage{OperationID: op.id, Progress: p})
	}
}

type progressMessage struct {
	OperationID string `json:"operationId"`
	artifact.Progress
}

func (s *Service) startActivity(op *operation) {
	if s.progress == nil {
		return
	}
	activityType := progress.ActivityTypeDownload
	title := "Downloading " + op.fileName
	if op.kind == history.OperationAssemble {
		activityType = progress.ActivityTypeAssemble
		title = "Assembling " + op.fileName
	}
	s.progress.StartActivity(op.id, activityType, title)
	s.progress.SetMetadata(op.id, "file", op.fileName)
}

func (s *Service) finishActivity(op *operation) {
	if s.progress == nil {
		return
	}
	snap := op.snapshot()
	switch snap.State {
	case StateSucceeded:
		s.progress.CompleteActivity(op.id, snap.Progress.Status)
	case StateCancelled:
		s.progress.CancelActivity(op.id)
	default:
		s.progress.FailActivity(op.id, snap.Error)
	}
}

func (s *Service) recordOutcome(op *operation, logger zerolog.Logger) {
	snap := op.snapshot()

	switch snap.State {
	case StateSucceeded:
		logger.Info().Str("path", snap.Path).Bool("reused", snap.Reused).Msg("Model artifact ready")
	case StateCancelled:
		logger.Info().Msg("Acquisition cancelled")
	default:
		logger.Error().Str("kind", snap.ErrorKind).Str("error", snap.Error).Msg("Acquisition failed")
	}

	outcome := history.OutcomeFailed
	switch {
	case snap.State == StateSucceeded && snap.Reused:
		outcome = history.OutcomeSkipped
	case snap.State == StateSucceeded:
		outcome = history.OutcomeSucceeded
	case snap.State == StateCancelled:
		outcome = history.OutcomeCancelled
	}

	start := snap.CreatedAt
	if snap.StartedAt != nil {
		start = *snap.StartedAt
	}
	s.record(history.RecordInput{
		Operation:    op.kind,
		Source:       string(op.source),
		ModelName:    op.modelName,
		FileName:     op.fileName,
		Outcome:      outcome,
		ErrorKind:    snap.ErrorKind,
		ErrorMessage: snap.Error,
		Bytes:        snap.Progress.Downloaded,
		StartedAt:    start,
		FinishedAt:   time.Now(),
	})
}

func (s *Service) record(input history.RecordInput) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if _, err := s.history.Record(ctx, input); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to record history")
	}
}

// Cancel cancels the operation with id. An empty id cancels every
// in-flight download and removes leftover download staging files, unless
// an assembly currently owns that file name. Cancelling when nothing runs
// is not an error.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	var targets []*operation
	if id != "" {
		op, ok := s.ops[id]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrOperationNotFound, id)
		}
		targets = append(targets, op)
	} else {
		for _, op := range s.byPath {
			if op.kind == history.OperationDownload {
				targets = append(targets, op)
			}
		}
	}

	fileName := s.cfg.Remote.FileName
	if id != "" {
		fileName = targets[0].fileName
	}
	// The download file name may also be the bundled model's file name. A
	// staging file owned by an operation that is not being cancelled stays.
	owner, owned := s.byPath[filepath.Join(s.cfg.TargetDir, fileName)]
	removeStaging := !owned || (id == "" && owner.kind == history.OperationDownload) || (id != "" && owner == targets[0])
	s.mu.Unlock()

	for _, op := range targets {
		op.markCancelled()
		op.cancel()
	}

	if removeStaging {
		if err := artifact.CancelDownload(s.cfg.TargetDir, fileName); err != nil {
			return err
		}
	}

	if len(targets) == 0 {
		s.record(history.RecordInput{
			Operation: history.OperationCancel,
			Source:    string(artifact.SourceRemoteURL),
			ModelName: s.cfg.Remote.ModelName,
			FileName:  fileName,
			Outcome:   history.OutcomeSucceeded,
		})
	}
	return nil
}

// Delete removes the published artifact of every source and unloads the
// session if it held one of them. It fails with ErrInProgress while an
// acquisition runs.
func (s *Service) Delete() error {
	s.mu.Lock()
	busy := len(s.byPath) > 0
	s.mu.Unlock()
	if busy {
		return &artifact.Error{Kind: artifact.KindInProgress, Op: "delete", Path: s.cfg.TargetDir}
	}

	var errs []error
	for _, src := range s.sources() {
		t, err := src.Describe()
		if err != nil {
			// A missing bundle or a broken download config has nothing to delete.
			continue
		}
		path := filepath.Join(s.cfg.TargetDir, t.FileName)
		if err := artifact.Remove(src, s.cfg.TargetDir); err != nil {
			errs = append(errs, err)
			continue
		}
		if s.session.UnloadIf(path) {
			s.logger.Info().Str("path", path).Msg("Unloaded deleted model")
		}
		s.record(history.RecordInput{
			Operation: history.OperationDelete,
			Source:    string(src.Kind()),
			ModelName: t.Name,
			FileName:  t.FileName,
			Outcome:   history.OutcomeSucceeded,
		})
	}
	return errors.Join(errs...)
}

// Verify re-digests the published artifact. A corrupt file is deleted.
func (s *Service) Verify(ctx context.Context) (string, error) {
	started := time.Now()

	var lastErr error
	for _, src := range s.sources() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		t, err := src.Describe()
		if err != nil {
			lastErr = err
			continue
		}

		path, err := artifact.VerifyArtifact(src, s.cfg.TargetDir)
		if artifact.KindOf(err) == artifact.KindNotReady {
			lastErr = err
			continue
		}

		input := history.RecordInput{
			Operation: history.OperationVerify,
			Source:    string(src.Kind()),
			ModelName: t.Name,
			FileName:  t.FileName,
			Outcome:   history.OutcomeSucceeded,
			Bytes:     t.Size,
			StartedAt: started,
		}
		if err != nil {
			input.Outcome = history.OutcomeFailed
			input.ErrorKind = string(artifact.KindOf(err))
			input.ErrorMessage = err.Error()
			s.session.UnloadIf(filepath.Join(s.cfg.TargetDir, t.FileName))
		}
		s.record(input)
		return path, err
	}
	return "", lastErr
}

// LoadModel loads the verified artifact into the session.
func (s *Service) LoadModel() (SessionState, error) {
	path, err := s.Path()
	if err != nil {
		return SessionState{}, err
	}
	if err := s.session.Load(path); err != nil {
		return SessionState{}, err
	}
	s.logger.Info().Str("path", path).Msg("Model loaded")
	return s.session.State(), nil
}

// UnloadModel clears the session.
func (s *Service) UnloadModel() SessionState {
	if s.session.Unload() {
		s.logger.Info().Msg("Model unloaded")
	}
	return s.session.State()
}

// Operations lists known operations, newest first. Finished operations are
// kept until PruneOperations removes them.
func (s *Service) Operations() []Operation {
	s.mu.Lock()
	ops := make([]*operation, 0, len(s.ops))
	for _, op := range s.ops {
		ops = append(ops, op)
	}
	s.mu.Unlock()

	result := make([]Operation, 0, len(ops))
	for _, op := range ops {
		result = append(result, op.snapshot())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result
}

// Operation returns one operation by id.
func (s *Service) Operation(id string) (Operation, error) {
	s.mu.Lock()
	op, ok := s.ops[id]
	s.mu.Unlock()
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	return op.snapshot(), nil
}

// Wait blocks until the operation finishes or ctx is done.
func (s *Service) Wait(ctx context.Context, id string) (Operation, error) {
	s.mu.Lock()
	op, ok := s.ops[id]
	s.mu.Unlock()
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}

	select {
	case <-op.done:
		return op.snapshot(), nil
	case <-ctx.Done():
		return op.snapshot(), ctx.Err()
	}
}

// PruneOperations forgets finished operations older than maxAge and
// returns how many were removed.
func (s *Service) PruneOperations(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, op := range s.ops {
		snap := op.snapshot()
		if snap.FinishedAt != nil && snap.FinishedAt.Before(cutoff) {
			delete(s.ops, id)
			removed++
		}
	}
	return removed
}

// Busy reports whether any acquisition is queued or running.
func (s *Service) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byPath) > 0
}

// TargetDir is where artifacts are published.
func (s *Service) TargetDir() string {
	return s.cfg.TargetDir
}

// Shutdown cancels all operations and waits for them to stop.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
