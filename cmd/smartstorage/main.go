package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/smartstorage/smartstorage/internal/api"
	"github.com/smartstorage/smartstorage/internal/artifact"
	"github.com/smartstorage/smartstorage/internal/config"
	"github.com/smartstorage/smartstorage/internal/database"
	"github.com/smartstorage/smartstorage/internal/health"
	"github.com/smartstorage/smartstorage/internal/history"
	"github.com/smartstorage/smartstorage/internal/logger"
	"github.com/smartstorage/smartstorage/internal/model"
	"github.com/smartstorage/smartstorage/internal/progress"
	"github.com/smartstorage/smartstorage/internal/scheduler"
	"github.com/smartstorage/smartstorage/internal/scheduler/tasks"
	"github.com/smartstorage/smartstorage/internal/watcher"
	"github.com/smartstorage/smartstorage/internal/websocket"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to config file")
	envPath := flag.String("env", ".env", "Path to an optional .env file")
	acquire := flag.String("acquire", "", "Acquire the model once and exit: \"assemble\" or \"download\"")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envPath, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *acquire != "" {
		os.Exit(runAcquire(cfg, *acquire))
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "smartstorage: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config, logs *logger.LogBroadcaster) *logger.Logger {
	return logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}, logs)
}

func modelConfig(cfg *config.Config) model.Config {
	return model.Config{
		PartsDir:      cfg.Model.PartsDir,
		ManifestName:  cfg.Model.ManifestName,
		TargetDir:     cfg.Model.TargetDir,
		Remote:        cfg.Download.Artifact(),
		Client:        model.NewHTTPClient(cfg.Download.UserAgent, time.Duration(cfg.Download.DialTimeout)*time.Second),
		MaxConcurrent: cfg.Workers.MaxConcurrent,
		BufferSize:    cfg.Download.BufferKB * 1024,
	}
}

// runAcquire assembles or downloads the model without starting the server
// and returns the process exit code.
func runAcquire(cfg *config.Config, mode string) int {
	log := newLogger(cfg, nil)
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := model.NewService(modelConfig(cfg), model.NewSession(), nil, nil, nil, log.Logger)
	if err := svc.CheckSources(); err != nil {
		log.Error().Err(err).Msg("conflicting model sources")
		return 1
	}

	var path string
	var err error
	switch mode {
	case "assemble":
		path, err = svc.Assemble(ctx)
	case "download":
		path, err = svc.Download(ctx)
	default:
		log.Error().Str("mode", mode).Msg("unknown acquire mode")
		return 2
	}
	if err != nil {
		log.Error().Err(err).Str("kind", string(artifact.KindOf(err))).Msg("acquisition failed")
		return 1
	}

	log.Info().Str("path", path).Msg("model ready")
	return 0
}

func run(cfg *config.Config) error {
	logs := logger.NewLogBroadcaster(nil, 1000)
	log := newLogger(cfg, logs)
	defer log.Close()

	log.Info().
		Str("logLevel", cfg.Logging.Level).
		Str("targetDir", cfg.Model.TargetDir).
		Msg("starting SmartStorage")

	db, err := database.New(cfg.Database.Path, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	log.Info().Msg("running database migrations")
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := websocket.NewHub(log.Logger)
	go hub.Run(ctx)

	// Enable log streaming via WebSocket now that hub is available
	logs.SetHub(hub)

	progressMgr := progress.NewManager(hub, log.Logger)
	historySvc := history.NewService(db.Conn(), cfg.Cleanup.HistoryRetentionDays, log.Logger)
	modelSvc := model.NewService(modelConfig(cfg), model.NewSession(), progressMgr, hub, historySvc, log.Logger)
	if err := modelSvc.CheckSources(); err != nil {
		return err
	}

	healthSvc := health.NewService(db, health.Config{
		TargetDir:     cfg.Model.TargetDir,
		PartsDir:      cfg.Model.PartsDir,
		RequiredBytes: cfg.Download.SizeBytes,
	}, log.Logger)

	sched, err := scheduler.New(log.Logger)
	if err != nil {
		return err
	}
	if err := tasks.RegisterStagingSweepTask(sched, cfg, modelSvc, progressMgr, log.Logger); err != nil {
		return err
	}
	if err := tasks.RegisterHistoryCleanupTask(sched, historySvc, log.Logger); err != nil {
		return err
	}

	server := api.NewServer(api.Deps{
		Model:     modelSvc,
		History:   historySvc,
		Health:    healthSvc,
		Progress:  progressMgr,
		Scheduler: sched,
		Logs:      logs,
		LogFile:   log.FilePath(),
		Hub:       hub,
	}, log.Logger)

	if err := sched.Start(); err != nil {
		return err
	}

	fileWatcher, err := startWatcher(modelSvc, log.Logger)
	if err != nil {
		log.Warn().Err(err).Msg("artifact watcher disabled")
	}

	if cfg.Model.AutoAssemble {
		autoAssemble(modelSvc, log.Logger)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.Server.Address())
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shut down HTTP server")
	}
	if fileWatcher != nil {
		if err := fileWatcher.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop artifact watcher")
		}
	}
	if err := sched.Stop(); err != nil {
		log.Error().Err(err).Msg("failed to stop scheduler")
	}
	if err := modelSvc.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("acquisitions did not stop in time")
	}
	cancel()

	log.Info().Msg("SmartStorage stopped")
	return nil
}

// autoAssemble starts assembly when bundled parts are installed and the
// artifact is missing.
func autoAssemble(svc *model.Service, log zerolog.Logger) {
	src := svc.LocalSource()
	st := artifact.ResolveStatus(src, svc.TargetDir(), false)
	if st.Error != nil || st.Assembled {
		return
	}

	op, err := svc.StartAssemble()
	if err != nil {
		log.Warn().Err(err).Msg("automatic assembly not started")
		return
	}
	log.Info().Str("operation", op.ID).Msg("assembling bundled model")
}

// startWatcher pushes status updates when artifact files change outside
// the service. Directories that do not exist yet are skipped.
func startWatcher(svc *model.Service, log zerolog.Logger) (*watcher.Watcher, error) {
	cfg := watcher.DefaultConfig()
	cfg.Filter = svc.IsArtifactFile

	w, err := watcher.New(cfg, log)
	if err != nil {
		return nil, err
	}
	w.SetHandler(svc.OnFileEvents)

	for _, dir := range svc.WatchDirs() {
		if err := w.AddPath(dir); err != nil {
			log.Warn().Err(err).Str("path", dir).Msg("not watching directory")
		}
	}
	if len(w.WatchedPaths()) == 0 {
		_ = w.Stop()
		return nil, errors.New("no artifact directories to watch")
	}

	w.Start()
	return w, nil
}
