package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	RunSucceeded    string = "SUCCEEDED"
	RunFailed       string = "FAILED"
	RunDeadLettered string = "DEAD_LETTERED"
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
	Result        datatypes.JSON

	StartTime      time.Time
	CompletionTime time.Time
}
