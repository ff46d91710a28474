// Package archive persists terminal task history and retired workers to
// postgres. The pool works entirely in memory when no store is configured;
// a nil *Store is a valid no-op.
package archive

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/nxtg-ai/forge-pool/internal/task"
	"github.com/nxtg-ai/forge-pool/internal/worker"
)

// Store wraps the history database.
type Store struct {
	db *gorm.DB
}

// Open connects to postgres and runs migrations.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to archive database: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run archive migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// RecordTask writes a terminal task. Safe on a nil store.
func (s *Store) RecordTask(t *task.Task, status task.Status, workerID string, exitCode *int32, errMsg string, duration time.Duration) error {
	if s == nil {
		return nil
	}
	args, _ := json.Marshal(t.Args)
	rec := TaskRecord{
		ID:           t.ID,
		Kind:         string(t.Kind),
		Priority:     string(t.Priority),
		Workstream:   t.Workstream,
		Command:      t.Command,
		Args:         string(args),
		Status:       string(status),
		WorkerID:     workerID,
		ExitCode:     exitCode,
		ErrorMessage: errMsg,
		RetryCount:   t.RetryCount,
		DurationMS:   duration.Milliseconds(),
		SubmittedAt:  t.SubmittedAt,
		CompletedAt:  time.Now(),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to archive task: %w", err)
	}
	return nil
}

// RecordWorker writes a retirement record. Safe on a nil store.
func (s *Store) RecordWorker(snap worker.Snapshot, reason string) error {
	if s == nil {
		return nil
	}
	rec := WorkerRecord{
		ID:             snap.ID,
		TasksCompleted: snap.TasksCompleted,
		TasksFailed:    snap.TasksFailed,
		Restarts:       snap.Restarts,
		Reason:         reason,
		RetiredAt:      time.Now(),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to archive worker: %w", err)
	}
	return nil
}

// Sweep hard-deletes task records older than the retention window. Safe on a
// nil store.
func (s *Store) Sweep(retention time.Duration) error {
	if s == nil {
		return nil
	}
	cutoff := time.Now().Add(-retention)
	if err := s.db.Unscoped().
		Where("completed_at < ?", cutoff).
		Delete(&TaskRecord{}).Error; err != nil {
		return fmt.Errorf("failed to sweep task records: %w", err)
	}
	return nil
}

// ListTasks returns archived tasks newest first, for the history endpoint.
func (s *Store) ListTasks(limit, offset int) ([]TaskRecord, int64, error) {
	if s == nil {
		return nil, 0, nil
	}
	var records []TaskRecord
	var total int64
	if err := s.db.Model(&TaskRecord{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count task records: %w", err)
	}
	if err := s.db.Order("completed_at DESC").Limit(limit).Offset(offset).Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list task records: %w", err)
	}
	return records, total, nil
}
