// Package scheduler runs the periodic maintenance tasks on gocron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskRunning  = errors.New("task is already running")
)

// TaskFunc is the function signature for scheduled tasks. ctx is cancelled
// when the scheduler stops.
type TaskFunc func(ctx context.Context) error

// TaskConfig describes a scheduled task.
type TaskConfig struct {
	ID          string
	Name        string
	Description string
	Cron        string // cron expression or descriptor such as "@every 1h"
	Func        TaskFunc
	RunOnStart  bool
}

// TaskInfo is a task snapshot for API responses.
type TaskInfo struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Cron         string     `json:"cron"`
	LastRun      *time.Time `json:"lastRun,omitempty"`
	LastDuration string     `json:"lastDuration,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	Runs         int        `json:"runs"`
	NextRun      *time.Time `json:"nextRun,omitempty"`
	Running      bool       `json:"running"`
}

type taskEntry struct {
	config  TaskConfig
	job     gocron.Job
	running bool
	runs    int
	lastRun *time.Time
	lastDur time.Duration
	lastErr error
}

// info must be called with the scheduler lock held.
func (e *taskEntry) info() TaskInfo {
	info := TaskInfo{
		ID:          e.config.ID,
		Name:        e.config.Name,
		Description: e.config.Description,
		Cron:        e.config.Cron,
		LastRun:     e.lastRun,
		Runs:        e.runs,
		Running:     e.running,
	}
	if e.lastRun != nil {
		info.LastDuration = e.lastDur.String()
	}
	if e.lastErr != nil {
		info.LastError = e.lastErr.Error()
	}
	if next, err := e.job.NextRun(); err == nil {
		info.NextRun = &next
	}
	return info
}

// Scheduler manages background scheduled tasks. A task never overlaps with
// itself: a trigger that arrives while it runs is skipped.
type Scheduler struct {
	gocron gocron.Scheduler
	logger zerolog.Logger

	mu    sync.RWMutex
	tasks map[string]*taskEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler.
func New(logger zerolog.Logger) (*Scheduler, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		gocron: gs,
		logger: logger.With().Str("component", "scheduler").Logger(),
		tasks:  make(map[string]*taskEntry),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// RegisterTask registers a new scheduled task.
func (s *Scheduler) RegisterTask(config TaskConfig) error {
	if config.Func == nil {
		return fmt.Errorf("task %q has no function", config.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[config.ID]; exists {
		return fmt.Errorf("task with ID %q already registered", config.ID)
	}

	id := config.ID
	job, err := s.gocron.NewJob(
		gocron.CronJob(config.Cron, false),
		gocron.NewTask(func() {
			if s.claim(id) == nil {
				s.execute(id)
			}
		}),
		gocron.WithName(config.Name),
		gocron.WithTags(config.ID),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create job for task %q: %w", config.ID, err)
	}

	s.tasks[config.ID] = &taskEntry{config: config, job: job}

	s.logger.Info().
		Str("id", config.ID).
		Str("cron", config.Cron).
		Bool("runOnStart", config.RunOnStart).
		Msg("Registered task")

	return nil
}

// claim marks a task running. The caller must follow a nil return with
// execute.
func (s *Scheduler) claim(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	if entry.running {
		return fmt.Errorf("%w: %q", ErrTaskRunning, taskID)
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("scheduler stopped: %w", s.ctx.Err())
	}
	entry.running = true
	s.wg.Add(1)
	return nil
}

func (s *Scheduler) execute(taskID string) {
	defer s.wg.Done()

	s.mu.RLock()
	entry := s.tasks[taskID]
	fn := entry.config.Func
	s.mu.RUnlock()

	logger := s.logger.With().Str("id", taskID).Logger()
	logger.Debug().Msg("Starting task")

	start := time.Now()
	err := fn(s.ctx)
	dur := time.Since(start)

	s.mu.Lock()
	entry.running = false
	entry.runs++
	entry.lastRun = &start
	entry.lastDur = dur
	entry.lastErr = err
	s.mu.Unlock()

	if err != nil {
		logger.Error().Err(err).Dur("duration", dur).Msg("Task failed")
		return
	}
	logger.Info().Dur("duration", dur).Msg("Task completed")
}

// Start starts the scheduler and launches tasks configured with RunOnStart.
// Those tasks count as running once Start returns.
func (s *Scheduler) Start() error {
	s.logger.Info().Msg("Starting scheduler")
	s.gocron.Start()

	s.mu.RLock()
	var onStart []string
	for id, entry := range s.tasks {
		if entry.config.RunOnStart {
			onStart = append(onStart, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range onStart {
		if err := s.claim(id); err != nil {
			s.logger.Warn().Err(err).Str("id", id).Msg("Startup run skipped")
			continue
		}
		go s.execute(id)
	}
	return nil
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() error {
	s.logger.Info().Msg("Stopping scheduler")
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	err := s.gocron.Shutdown()
	s.wg.Wait()
	return err
}

// RunNow starts a task immediately. It fails with ErrTaskRunning when the
// task is already running.
func (s *Scheduler) RunNow(taskID string) error {
	if err := s.claim(taskID); err != nil {
		return err
	}
	go s.execute(taskID)
	return nil
}

// ListTasks returns all registered tasks ordered by ID.
func (s *Scheduler) ListTasks() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]TaskInfo, 0, len(s.tasks))
	for _, entry := range s.tasks {
		tasks = append(tasks, entry.info())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// GetTask returns one task.
func (s *Scheduler) GetTask(taskID string) (*TaskInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	info := entry.info()
	return &info, nil
}
