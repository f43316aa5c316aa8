// Package sqlite provides a SQLite-backed submission storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/redmarklive/redmark/internal/liveroom/storage"
	"github.com/redmarklive/redmark/internal/liveroom/storage/sqlite/migrations"
	sqlitemigrate "github.com/redmarklive/redmark/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// Store persists submissions and live feedback in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite submission store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutSubmission upserts one submission record.
func (s *Store) PutSubmission(ctx context.Context, submission storage.Submission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	submissionID := strings.TrimSpace(submission.ID)
	if submissionID == "" {
		return fmt.Errorf("submission id is required")
	}

	tasks, err := json.Marshal(submission.Tasks)
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	feedback, err := json.Marshal(submission.LiveFeedback)
	if err != nil {
		return fmt.Errorf("marshal live feedback: %w", err)
	}

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO submissions (id, student_id, tasks, live_feedback, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   student_id = excluded.student_id,
		   tasks = excluded.tasks,
		   live_feedback = excluded.live_feedback,
		   updated_at = excluded.updated_at`,
		submissionID,
		strings.TrimSpace(submission.StudentID),
		string(tasks),
		string(feedback),
		toMillis(submission.CreatedAt),
		toMillis(submission.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put submission: %w", err)
	}
	return nil
}

// GetSubmission returns one submission record.
func (s *Store) GetSubmission(ctx context.Context, submissionID string) (storage.Submission, error) {
	if err := ctx.Err(); err != nil {
		return storage.Submission{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Submission{}, fmt.Errorf("storage is not configured")
	}
	submissionID = strings.TrimSpace(submissionID)
	if submissionID == "" {
		return storage.Submission{}, fmt.Errorf("submission id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, student_id, tasks, live_feedback, created_at, updated_at
		 FROM submissions
		 WHERE id = ?`,
		submissionID,
	)
	var submission storage.Submission
	var tasks string
	var feedback string
	var createdAt int64
	var updatedAt int64
	err := row.Scan(
		&submission.ID,
		&submission.StudentID,
		&tasks,
		&feedback,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Submission{}, storage.ErrNotFound
		}
		return storage.Submission{}, fmt.Errorf("get submission: %w", err)
	}
	if err := json.Unmarshal([]byte(tasks), &submission.Tasks); err != nil {
		return storage.Submission{}, fmt.Errorf("unmarshal tasks: %w", err)
	}
	if err := json.Unmarshal([]byte(feedback), &submission.LiveFeedback); err != nil {
		return storage.Submission{}, fmt.Errorf("unmarshal live feedback: %w", err)
	}
	submission.CreatedAt = fromMillis(createdAt)
	submission.UpdatedAt = fromMillis(updatedAt)
	return submission, nil
}

// PutLiveFeedback overwrites the live-feedback field of a submission. The
// write is a whole-document overwrite so a crash mid-write leaves either the
// old or the new consistent state.
func (s *Store) PutLiveFeedback(ctx context.Context, submissionID string, feedback storage.LiveFeedback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	submissionID = strings.TrimSpace(submissionID)
	if submissionID == "" {
		return fmt.Errorf("submission id is required")
	}

	payload, err := json.Marshal(feedback)
	if err != nil {
		return fmt.Errorf("marshal live feedback: %w", err)
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE submissions SET live_feedback = ?, updated_at = ? WHERE id = ?`,
		string(payload),
		toMillis(feedback.UpdatedAt),
		submissionID,
	)
	if err != nil {
		return fmt.Errorf("put live feedback: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("put live feedback rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
