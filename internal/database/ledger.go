package database

import (
	"context"
	"database/sql"
	"fmt"

	"experiment-worker/internal/pipeline"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Ledger struct {
	db *gorm.DB
}

var _ pipeline.Recorder = (*Ledger)(nil)

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

func runStatus(outcome pipeline.Outcome) string {
	switch outcome {
	case pipeline.OutcomeSucceeded:
		return RunSucceeded
	case pipeline.OutcomeDeadLettered:
		return RunDeadLettered
	default:
		return RunFailed
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (l *Ledger) RecordAttempt(ctx context.Context, attempt pipeline.Attempt) error {
	run := JobRun{
		Id:             uuid.New(),
		MessageId:      attempt.MessageID,
		InputFile:      attempt.InputFile,
		DeliveryCount:  attempt.DeliveryCount,
		Status:         runStatus(attempt.Outcome),
		FailedStage:    nullString(string(attempt.FailedStage)),
		Error:          nullString(attempt.Error),
		ResultKey:      nullString(attempt.ResultKey),
		StartTime:      attempt.StartedAt,
		CompletionTime: attempt.FinishedAt,
	}
	if len(attempt.Result) > 0 {
		run.Result = datatypes.JSON(attempt.Result)
	}

	if err := l.db.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("failed to record job run for message %s: %w", attempt.MessageID, err)
	}
	return nil
}

// RunsForMessage returns every recorded attempt at a message, oldest first.
func (l *Ledger) RunsForMessage(ctx context.Context, messageId string) ([]JobRun, error) {
	var runs []JobRun
	if err := l.db.WithContext(ctx).
		Where("message_id = ?", messageId).
		Order("start_time ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("could not query job runs for message %s: %w", messageId, err)
	}
	return runs, nil
}

// CountByStatus reports how many attempts ended in each status.
func (l *Ledger) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := l.db.WithContext(ctx).
		Model(&JobRun{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("could not count job runs: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
