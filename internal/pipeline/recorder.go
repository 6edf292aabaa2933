package pipeline

import (
	"context"
	"time"
)

type Outcome string

const (
	OutcomeSucceeded    Outcome = "succeeded"
	OutcomeFailed       Outcome = "failed"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// Attempt describes one claimed delivery from receive to commit or failure.
type Attempt struct {
	MessageID     string
	InputFile     string
	DeliveryCount int
	Outcome       Outcome
	FailedStage   Stage
	Error         string
	ResultKey     string
	Result        []byte
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Recorder persists attempts, e.g. to a job ledger. Errors are logged by the
// pipeline and never fail the job.
type Recorder interface {
	RecordAttempt(ctx context.Context, attempt Attempt) error
}
