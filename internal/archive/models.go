package archive

import (
	"time"

	"gorm.io/gorm"
)

// TaskRecord is the persisted form of a terminal task.
type TaskRecord struct {
	ID           string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Kind         string         `gorm:"not null;type:varchar(50)" json:"type"`
	Priority     string         `gorm:"not null;type:varchar(20);index" json:"priority"`
	Workstream   string         `gorm:"type:varchar(255);index" json:"workstream_id"`
	Command      string         `gorm:"not null;type:text" json:"command"`
	Args         string         `gorm:"type:jsonb" json:"args"` // JSON array
	Status       string         `gorm:"not null;type:varchar(20);index" json:"status"`
	WorkerID     string         `gorm:"type:varchar(36);index" json:"worker_id"`
	ExitCode     *int32         `json:"exit_code"`
	ErrorMessage string         `gorm:"type:text" json:"error_message"`
	RetryCount   int            `gorm:"default:0" json:"retry_count"`
	DurationMS   int64          `gorm:"default:0" json:"duration_ms"`
	SubmittedAt  time.Time      `gorm:"not null" json:"submitted_at"`
	CompletedAt  time.Time      `gorm:"not null;index" json:"completed_at"`
	CreatedAt    time.Time      `json:"created_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

func (TaskRecord) TableName() string {
	return "task_records"
}

// WorkerRecord is written when a worker is permanently retired.
type WorkerRecord struct {
	ID             string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TasksCompleted uint64    `gorm:"default:0" json:"tasks_completed"`
	TasksFailed    uint64    `gorm:"default:0" json:"tasks_failed"`
	Restarts       int       `gorm:"default:0" json:"restarts"`
	Reason         string    `gorm:"type:varchar(255)" json:"reason"` // scale-down, crash-limit, shutdown
	RetiredAt      time.Time `gorm:"not null;index" json:"retired_at"`
	CreatedAt      time.Time `json:"created_at"`
}

func (WorkerRecord) TableName() string {
	return "worker_records"
}

// Migrate runs database migrations.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&TaskRecord{},
		&WorkerRecord{},
	)
}
