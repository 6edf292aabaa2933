package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"experiment-worker/internal/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLedger(t *testing.T) *Ledger {
	t.Helper()

	db, err := NewDatabase("sqlite:" + filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	return NewLedger(db)
}

func TestLedger_RecordAttempt(t *testing.T) {
	ledger := setupLedger(t)
	ctx := context.Background()

	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, ledger.RecordAttempt(ctx, pipeline.Attempt{
		MessageID:     "m1",
		InputFile:     "a.csv",
		DeliveryCount: 1,
		Outcome:       pipeline.OutcomeFailed,
		FailedStage:   pipeline.StageDownload,
		Error:         "input not found",
		StartedAt:     start,
		FinishedAt:    start.Add(time.Second),
	}))

	require.NoError(t, ledger.RecordAttempt(ctx, pipeline.Attempt{
		MessageID:     "m1",
		InputFile:     "a.csv",
		DeliveryCount: 2,
		Outcome:       pipeline.OutcomeSucceeded,
		ResultKey:     "outputfile_20240601120100.json",
		Result:        []byte(`{"score":0.5}`),
		StartedAt:     start.Add(time.Minute),
		FinishedAt:    start.Add(time.Minute + time.Second),
	}))

	runs, err := ledger.RunsForMessage(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, RunFailed, runs[0].Status)
	assert.Equal(t, "download", runs[0].FailedStage.String)
	assert.Equal(t, "input not found", runs[0].Error.String)
	assert.False(t, runs[0].ResultKey.Valid)

	assert.Equal(t, RunSucceeded, runs[1].Status)
	assert.Equal(t, 2, runs[1].DeliveryCount)
	assert.False(t, runs[1].FailedStage.Valid)
	assert.Equal(t, "outputfile_20240601120100.json", runs[1].ResultKey.String)
	assert.JSONEq(t, `{"score":0.5}`, string(runs[1].Result))

	runs, err = ledger.RunsForMessage(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestLedger_CountByStatus(t *testing.T) {
	ledger := setupLedger(t)
	ctx := context.Background()

	for _, outcome := range []pipeline.Outcome{pipeline.OutcomeSucceeded, pipeline.OutcomeSucceeded, pipeline.OutcomeDeadLettered, pipeline.OutcomeFailed} {
		require.NoError(t, ledger.RecordAttempt(ctx, pipeline.Attempt{MessageID: "m", Outcome: outcome}))
	}

	counts, err := ledger.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{RunSucceeded: 2, RunDeadLettered: 1, RunFailed: 1}, counts)
}

func TestMigrations(t *testing.T) {
	db, err := NewDatabase("sqlite:" + filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)

	assert.True(t, db.Migrator().HasTable(&JobRun{}))
	assert.True(t, db.Migrator().HasColumn(&JobRun{}, "Result"))

	require.NoError(t, GetMigrator(db).Migrate(), "migrations are idempotent")
}
