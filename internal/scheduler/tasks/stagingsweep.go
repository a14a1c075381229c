package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/smartstorage/smartstorage/internal/artifact"
	"github.com/smartstorage/smartstorage/internal/config"
	"github.com/smartstorage/smartstorage/internal/progress"
	"github.com/smartstorage/smartstorage/internal/scheduler"
)

const StagingSweepTaskID = "staging-sweep"

// OperationPruner forgets finished acquisitions. *model.Service implements it.
type OperationPruner interface {
	PruneOperations(maxAge time.Duration) int
}

// StagingSweepTask removes staging files abandoned by interrupted or
// crashed acquisitions.
type StagingSweepTask struct {
	targetDir string
	maxAge    time.Duration
	pruner    OperationPruner
	progress  *progress.Manager
	logger    zerolog.Logger
}

// NewStagingSweepTask creates a new staging sweep task. pruner and
// progressMgr may be nil.
func NewStagingSweepTask(
	targetDir string,
	maxAge time.Duration,
	pruner OperationPruner,
	progressMgr *progress.Manager,
	logger zerolog.Logger,
) *StagingSweepTask {
	return &StagingSweepTask{
		targetDir: targetDir,
		maxAge:    maxAge,
		pruner:    pruner,
		progress:  progressMgr,
		logger:    logger.With().Str("task", StagingSweepTaskID).Logger(),
	}
}

// Run executes the sweep.
func (t *StagingSweepTask) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	activityID := ""
	if t.progress != nil {
		activityID = uuid.NewString()
		t.progress.StartActivity(activityID, progress.ActivityTypeSweep, "Sweeping staging files")
	}

	removed, err := artifact.SweepStaging(t.targetDir, t.maxAge)
	for _, path := range removed {
		t.logger.Info().Str("path", path).Msg("Removed abandoned staging file")
	}

	if t.pruner != nil {
		if n := t.pruner.PruneOperations(t.maxAge); n > 0 {
			t.logger.Debug().Int("pruned", n).Msg("Pruned finished operations")
		}
	}

	if err != nil {
		if activityID != "" {
			t.progress.FailActivity(activityID, err.Error())
		}
		return err
	}
	if activityID != "" {
		t.progress.CompleteActivity(activityID, fmt.Sprintf("Removed %d staging files", len(removed)))
	}
	return nil
}

// RegisterStagingSweepTask registers the staging sweep task with the scheduler.
func RegisterStagingSweepTask(
	sched *scheduler.Scheduler,
	cfg *config.Config,
	pruner OperationPruner,
	progressMgr *progress.Manager,
	logger zerolog.Logger,
) error {
	task := NewStagingSweepTask(cfg.Model.TargetDir, cfg.Cleanup.StagingMaxAge, pruner, progressMgr, logger)

	interval := cfg.Cleanup.StagingSweepInterval
	if interval == 0 {
		interval = 1 * time.Hour
	}

	// Convert interval to cron expression using @every directive
	cronExpr := fmt.Sprintf("@every %s", interval.String())

	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          StagingSweepTaskID,
		Name:        "Staging Sweep",
		Description: "Removes staging files left behind by interrupted acquisitions",
		Cron:        cronExpr,
		RunOnStart:  true,
		Func:        task.Run,
	})
}
