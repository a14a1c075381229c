package model

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/smartstorage/smartstorage/internal/artifact"
	"github.com/smartstorage/smartstorage/internal/history"
)

// ErrOperationNotFound is returned for unknown operation ids.
var ErrOperationNotFound = errors.New("operation not found")

// State is the lifecycle of an acquisition operation.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Operation is a snapshot of one acquisition.
type Operation struct {
	ID         string              `json:"id"`
	Kind       history.Operation   `json:"kind"`
	Source     artifact.SourceKind `json:"source"`
	ModelName  string              `json:"modelName"`
	FileName   string              `json:"fileName"`
	State      State               `json:"state"`
	Progress   artifact.Progress   `json:"progress"`
	Path       string              `json:"path,omitempty"`
	Reused     bool                `json:"reused"`
	Error      string              `json:"error,omitempty"`
	ErrorKind  string              `json:"errorKind,omitempty"`
	CreatedAt  time.Time           `json:"createdAt"`
	StartedAt  *time.Time          `json:"startedAt,omitempty"`
	FinishedAt *time.Time          `json:"finishedAt,omitempty"`
}

// Done reports whether the operation has finished.
func (o Operation) Done() bool {
	return o.State == StateSucceeded || o.State == StateFailed || o.State == StateCancelled
}

type operation struct {
	id        string
	kind      history.Operation
	source    artifact.SourceKind
	modelName string
	fileName  string
	finalPath string
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      State
	progress   artifact.Progress
	events     int
	cancelled  bool
	path       string
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

func (o *operation) begin() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateRunning
	o.startedAt = time.Now()
}

func (o *operation) setProgress(p artifact.Progress) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = p
	o.events++
}

func (o *operation) markCancelled() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelled = true
}

func (o *operation) finish(path string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.path = path
	o.err = err
	o.finishedAt = time.Now()

	switch {
	case err == nil:
		o.state = StateSucceeded
	case o.cancelled || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		o.state = StateCancelled
	case o.ctx.Err() != nil && artifact.KindOf(err) == artifact.KindIOFailure:
		// A cancel that removed the staging file surfaces as an I/O failure.
		o.state = StateCancelled
	default:
		o.state = StateFailed
	}
}

func (o *operation) snapshot() Operation {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := Operation{
		ID:        o.id,
		Kind:      o.kind,
		Source:    o.source,
		ModelName: o.modelName,
		FileName:  o.fileName,
		State:     o.state,
		Progress:  o.progress,
		Path:      o.path,
		CreatedAt: o.createdAt,
	}
	if o.state == StateSucceeded && o.events == 0 {
		// Acquire emits nothing when an intact artifact is reused.
		snap.Reused = true
	}
	if o.err != nil {
		snap.Error = o.err.Error()
		snap.ErrorKind = string(artifact.KindOf(o.err))
	}
	if !o.startedAt.IsZero() {
		t := o.startedAt
		snap.StartedAt = &t
	}
	if !o.finishedAt.IsZero() {
		t := o.finishedAt
		snap.FinishedAt = &t
	}
	return snap
}
