package tasks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartstorage/smartstorage/internal/artifact"
	"github.com/smartstorage/smartstorage/internal/config"
	"github.com/smartstorage/smartstorage/internal/history"
	"github.com/smartstorage/smartstorage/internal/progress"
	"github.com/smartstorage/smartstorage/internal/scheduler"
	"github.com/smartstorage/smartstorage/internal/testutil"
)

type countingPruner struct {
	calls  int
	maxAge time.Duration
}

func (p *countingPruner) PruneOperations(maxAge time.Duration) int {
	p.calls++
	p.maxAge = maxAge
	return 0
}

func TestStagingSweepTask_Run(t *testing.T) {
	dir := t.TempDir()
	logger := testutil.NewTestLogger(t)

	stale := artifact.StagingPath(filepath.Join(dir, "model.gguf"))
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	pruner := &countingPruner{}
	mgr := progress.NewManager(nil, logger)
	task := NewStagingSweepTask(dir, 24*time.Hour, pruner, mgr, logger)

	require.NoError(t, task.Run(context.Background()))
	assert.NoFileExists(t, stale)
	assert.Equal(t, 1, pruner.calls)
	assert.Equal(t, 24*time.Hour, pruner.maxAge)

	activities := mgr.GetAllActivities()
	require.Len(t, activities, 1)
	assert.Equal(t, progress.ActivityTypeSweep, activities[0].Type)
	assert.Equal(t, progress.StatusCompleted, activities[0].Status)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, task.Run(ctx), context.Canceled)
}

func TestRegisterTasks(t *testing.T) {
	logger := testutil.NewTestLogger(t)
	tdb := testutil.NewTestDB(t)

	sched, err := scheduler.New(logger)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Model.TargetDir = t.TempDir()
	cfg.Cleanup.StagingSweepInterval = 30 * time.Minute

	require.NoError(t, RegisterStagingSweepTask(sched, cfg, nil, nil, logger))
	require.NoError(t, RegisterHistoryCleanupTask(sched, history.NewService(tdb.Conn, 30, logger), logger))

	tasks := sched.ListTasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, HistoryCleanupTaskID, tasks[0].ID)
	assert.Equal(t, StagingSweepTaskID, tasks[1].ID)
	assert.Equal(t, "@every 30m0s", tasks[1].Cron)

	assert.Error(t, RegisterStagingSweepTask(sched, cfg, nil, nil, logger), "duplicate id")
}

func TestHistoryCleanupTask_RemovesExpired(t *testing.T) {
	logger := testutil.NewTestLogger(t)
	tdb := testutil.NewTestDB(t)
	historySvc := history.NewService(tdb.Conn, 30, logger)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -60)
	for _, finished := range []time.Time{old, time.Now()} {
		_, err := historySvc.Record(ctx, history.RecordInput{
			Operation:  history.OperationDownload,
			Source:     string(artifact.SourceRemoteURL),
			FileName:   "model.gguf",
			Outcome:    history.OutcomeSucceeded,
			StartedAt:  finished.Add(-time.Minute),
			FinishedAt: finished,
		})
		require.NoError(t, err)
	}

	sched, err := scheduler.New(logger)
	require.NoError(t, err)
	require.NoError(t, RegisterHistoryCleanupTask(sched, historySvc, logger))
	require.NoError(t, sched.Start())
	defer sched.Stop()

	require.NoError(t, sched.RunNow(HistoryCleanupTaskID))
	require.Eventually(t, func() bool {
		info, err := sched.GetTask(HistoryCleanupTaskID)
		return err == nil && info.Runs == 1 && !info.Running
	}, 5*time.Second, 10*time.Millisecond)

	list, err := historySvc.List(ctx, history.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), list.TotalCount)
}
