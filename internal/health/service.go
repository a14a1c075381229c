// Package health reports whether the application can acquire and serve the
// model artifact.
package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Pinger is implemented by *database.DB.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config names what the checks look at.
type Config struct {
	TargetDir string
	PartsDir  string
	// RequiredBytes is the free space a fresh acquisition needs in TargetDir.
	RequiredBytes int64
}

// Service runs the health checks.
type Service struct {
	db     Pinger
	cfg    Config
	logger zerolog.Logger
}

// NewService creates a new health service. db may be nil.
func NewService(db Pinger, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		cfg:    cfg,
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Check runs every check and aggregates the result.
func (s *Service) Check(ctx context.Context) Report {
	items := []HealthItem{
		s.checkDatabase(ctx),
		s.checkTargetDir(),
		s.checkPartsDir(),
		s.checkDiskSpace(),
	}

	report := Report{Status: StatusOK, Items: items, CheckedAt: time.Now()}
	for _, item := range items {
		report.Status = worse(report.Status, item.Status)
		if item.Status != StatusOK {
			s.logger.Debug().Str("id", item.ID).Str("status", string(item.Status)).Str("message", item.Message).Msg("Health issue")
		}
	}
	return report
}

func (s *Service) checkDatabase(ctx context.Context) HealthItem {
	item := HealthItem{ID: "database", Name: "Database", Status: StatusOK}
	if s.db == nil {
		item.Status = StatusWarning
		item.Message = "database not configured"
		return item
	}
	if err := s.db.Ping(ctx); err != nil {
		item.Status = StatusError
		item.Message = err.Error()
	}
	return item
}

func (s *Service) checkTargetDir() HealthItem {
	item := HealthItem{ID: "target-dir", Name: "Model directory", Status: StatusOK}
	if _, err := os.Stat(s.cfg.TargetDir); errors.Is(err, os.ErrNotExist) {
		item.Status = StatusWarning
		item.Message = "created on first acquisition: " + s.cfg.TargetDir
		return item
	}
	if err := checkDirHealth(s.cfg.TargetDir); err != nil {
		item.Status = StatusError
		item.Message = err.Error()
	}
	return item
}

func (s *Service) checkPartsDir() HealthItem {
	item := HealthItem{ID: "parts-dir", Name: "Bundled parts", Status: StatusOK}
	if err := checkDirAccessible(s.cfg.PartsDir); err != nil {
		item.Status = StatusWarning
		item.Message = err.Error()
	}
	return item
}

func (s *Service) checkDiskSpace() HealthItem {
	item := HealthItem{ID: "disk-space", Name: "Free space", Status: StatusOK}
	if s.cfg.RequiredBytes <= 0 {
		return item
	}

	dir := s.cfg.TargetDir
	if _, err := os.Stat(dir); err != nil {
		dir = "."
	}
	free, err := freeBytes(dir)
	if err != nil {
		item.Status = StatusWarning
		item.Message = fmt.Sprintf("cannot determine free space: %v", err)
		return item
	}
	if free < s.cfg.RequiredBytes {
		item.Status = StatusWarning
		item.Message = fmt.Sprintf("%d bytes free, %d needed for the model", free, s.cfg.RequiredBytes)
	}
	return item
}
