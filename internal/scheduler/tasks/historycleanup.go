package tasks

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/smartstorage/smartstorage/internal/history"
	"github.com/smartstorage/smartstorage/internal/scheduler"
)

const HistoryCleanupTaskID = "history-cleanup"

// RegisterHistoryCleanupTask registers the history cleanup task with the scheduler.
// The task runs daily at 2 AM to delete entries older than the configured retention period.
func RegisterHistoryCleanupTask(sched *scheduler.Scheduler, historyService *history.Service, logger zerolog.Logger) error {
	logger = logger.With().Str("task", HistoryCleanupTaskID).Logger()

	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          HistoryCleanupTaskID,
		Name:        "History Cleanup",
		Description: "Deletes acquisition history older than the configured retention period",
		Cron:        "0 2 * * *",
		RunOnStart:  false,
		Func: func(ctx context.Context) error {
			removed, err := historyService.CleanupOldEntries(ctx)
			if err != nil {
				return err
			}
			if removed > 0 {
				logger.Info().Int64("removed", removed).Msg("Removed old history entries")
			}
			return nil
		},
	})
}
