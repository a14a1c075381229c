package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service provides history management functionality.
type Service struct {
	db       *sql.DB
	logger   zerolog.Logger
	defaults RetentionSettings
	now      func() time.Time
}

// NewService creates a new history service. retentionDays is used until
// retention settings are saved through the API.
func NewService(db *sql.DB, retentionDays int, logger zerolog.Logger) *Service {
	return &Service{
		db:       db,
		logger:   logger.With().Str("component", "history").Logger(),
		defaults: RetentionSettings{Enabled: retentionDays > 0, RetentionDays: retentionDays},
		now:      time.Now,
	}
}

const entryColumns = `id, operation, source, model_name, file_name, outcome,
	error_kind, error_message, bytes, duration_ms, started_at, finished_at`

// Record stores a finished operation.
func (s *Service) Record(ctx context.Context, input RecordInput) (*Entry, error) {
	if input.FinishedAt.IsZero() {
		input.FinishedAt = s.now()
	}
	if input.StartedAt.IsZero() {
		input.StartedAt = input.FinishedAt
	}

	entry := &Entry{
		ID:           uuid.NewString(),
		Operation:    input.Operation,
		Source:       input.Source,
		ModelName:    input.ModelName,
		FileName:     input.FileName,
		Outcome:      input.Outcome,
		ErrorKind:    input.ErrorKind,
		ErrorMessage: input.ErrorMessage,
		Bytes:        input.Bytes,
		DurationMs:   input.FinishedAt.Sub(input.StartedAt).Milliseconds(),
		StartedAt:    input.StartedAt.UTC(),
		FinishedAt:   input.FinishedAt.UTC(),
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO acquisition_history (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Operation), entry.Source, entry.ModelName, entry.FileName,
		string(entry.Outcome), nullString(entry.ErrorKind), nullString(entry.ErrorMessage),
		entry.Bytes, entry.DurationMs, entry.StartedAt, entry.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("record history: %w", err)
	}

	s.logger.Debug().
		Str("id", entry.ID).
		Str("operation", string(entry.Operation)).
		Str("outcome", string(entry.Outcome)).
		Msg("Recorded acquisition")

	return entry, nil
}

// List lists history entries with pagination and filtering, newest first.
func (s *Service) List(ctx context.Context, opts ListOptions) (*ListResponse, error) {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize < 1 {
		opts.PageSize = 50
	}
	if opts.PageSize > 100 {
		opts.PageSize = 100
	}

	var where []string
	var args []any
	if opts.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, opts.Operation)
	}
	if opts.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, opts.Outcome)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var totalCount int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM acquisition_history"+clause, args...).Scan(&totalCount); err != nil {
		return nil, fmt.Errorf("count history: %w", err)
	}

	offset := (opts.Page - 1) * opts.PageSize
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM acquisition_history"+clause+" ORDER BY finished_at DESC, id LIMIT ? OFFSET ?",
		append(args, opts.PageSize, offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0, opts.PageSize)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	totalPages := int(totalCount) / opts.PageSize
	if int(totalCount)%opts.PageSize > 0 {
		totalPages++
	}

	return &ListResponse{
		Items:      entries,
		Page:       opts.Page,
		PageSize:   opts.PageSize,
		TotalCount: totalCount,
		TotalPages: totalPages,
	}, nil
}

// DeleteAll deletes all history entries.
func (s *Service) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM acquisition_history")
	return err
}

// DeleteOlderThan deletes entries that finished before cutoff and returns
// how many were removed.
func (s *Service) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM acquisition_history WHERE finished_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old history: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e                 Entry
		operation, result string
		kind, message     sql.NullString
	)
	err := row.Scan(&e.ID, &operation, &e.Source, &e.ModelName, &e.FileName, &result,
		&kind, &message, &e.Bytes, &e.DurationMs, &e.StartedAt, &e.FinishedAt)
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	e.Operation = Operation(operation)
	e.Outcome = Outcome(result)
	e.ErrorKind = kind.String
	e.ErrorMessage = message.String
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
