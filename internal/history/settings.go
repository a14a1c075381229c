package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const settingsKey = "history_retention"

// RetentionSettings contains history retention configuration.
type RetentionSettings struct {
	Enabled       bool `json:"enabled"`
	RetentionDays int  `json:"retentionDays"`
}

// GetRetentionSettings loads retention settings, falling back to the
// configured defaults.
func (s *Service) GetRetentionSettings(ctx context.Context) (RetentionSettings, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", settingsKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return s.defaults, nil
	}
	if err != nil {
		return RetentionSettings{}, err
	}

	var settings RetentionSettings
	if err := json.Unmarshal([]byte(value), &settings); err != nil {
		s.logger.Warn().Err(err).Msg("Invalid stored retention settings, using defaults")
		return s.defaults, nil
	}
	return settings, nil
}

// SaveRetentionSettings saves retention settings to the database.
func (s *Service) SaveRetentionSettings(ctx context.Context, settings RetentionSettings) error {
	if settings.RetentionDays < 0 {
		return fmt.Errorf("retentionDays must not be negative, got %d", settings.RetentionDays)
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		settingsKey, string(data))
	return err
}

// CleanupOldEntries deletes entries older than the retention period.
func (s *Service) CleanupOldEntries(ctx context.Context) (int64, error) {
	settings, err := s.GetRetentionSettings(ctx)
	if err != nil {
		return 0, err
	}

	if !settings.Enabled || settings.RetentionDays <= 0 {
		return 0, nil
	}

	return s.DeleteOlderThan(ctx, s.now().AddDate(0, 0, -settings.RetentionDays))
}
