package migration_0

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type JobRun struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	MessageId     string `gorm:"size:255;not null;index"`
	InputFile     string
	DeliveryCount int
	Status        string         `gorm:"size:20;not null"`
	FailedStage   sql.NullString `gorm:"size:20"`
	Error         sql.NullString
	ResultKey     sql.NullString

	StartTime      time.Time
	CompletionTime time.Time
}

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&JobRun{}); err != nil {
		return fmt.Errorf("error creating job_runs table: %w", err)
	}
	return nil
}
