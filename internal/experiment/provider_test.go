package experiment

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"experiment-worker/internal/messaging"
	"experiment-worker/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	queue    *messaging.InMemoryQueue
	objects  *storage.LocalObjectStore
	provider *QueueStorageProvider
	blobDir  string
	scratch  string
	now      time.Time
}

func (e *testEnv) clock() time.Time { return e.now }

func setupProvider(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{now: time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)}

	env.queue = messaging.NewInMemoryQueueWithClock(env.clock)

	env.blobDir = t.TempDir()
	objects, err := storage.NewLocalObjectStore(env.blobDir)
	require.NoError(t, err)
	env.objects = objects

	env.scratch = t.TempDir()

	provider, err := NewQueueStorageProvider(ProviderConfig{
		Queue:        env.queue,
		Objects:      env.objects,
		InputBucket:  "inputs",
		OutputBucket: "outputs",
		Visibility:   time.Minute,
		ScratchDir:   env.scratch,
		Now:          env.clock,
	})
	require.NoError(t, err)
	env.provider = provider

	return env
}

func TestReceiveNext_Empty(t *testing.T) {
	env := setupProvider(t)

	_, ok, err := env.provider.ReceiveNext(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReceiveNext_DecodesRequest(t *testing.T) {
	env := setupProvider(t)
	ctx := context.Background()

	require.NoError(t, env.queue.Publish(ctx, []byte(`{"inputFile":" a.csv ","extra":true}`)))

	req, ok, err := env.provider.ReceiveNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a.csv", req.InputFile)
	assert.NotEmpty(t, req.MessageID())
	assert.Equal(t, 1, req.DeliveryCount())

	_, ok, err = env.provider.ReceiveNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "leased message must be hidden")
}

func TestReceiveNext_Malformed(t *testing.T) {
	for name, body := range map[string]string{
		"not json":      `inputFile=a.csv`,
		"missing field": `{"other":"a.csv"}`,
		"blank field":   `{"inputFile":"  "}`,
	} {
		t.Run(name, func(t *testing.T) {
			env := setupProvider(t)
			ctx := context.Background()

			require.NoError(t, env.queue.Publish(ctx, []byte(body)))

			req, ok, err := env.provider.ReceiveNext(ctx)
			assert.ErrorIs(t, err, ErrMalformedRequest)
			assert.True(t, ok, "malformed messages are still claimed")
			assert.NotEmpty(t, req.MessageID())
			assert.Equal(t, 1, env.queue.Len())
		})
	}
}

func TestDownloadInput(t *testing.T) {
	env := setupProvider(t)
	ctx := context.Background()

	require.NoError(t, env.objects.PutObject(ctx, "inputs", "a.csv", bytes.NewReader([]byte("x,y\n1,2"))))

	path, err := env.provider.DownloadInput(ctx, "a.csv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.scratch, "a.csv"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "x,y\n1,2", string(data))

	entries, err := os.ReadDir(env.scratch)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files should remain")
}

func TestDownloadInput_NotFound(t *testing.T) {
	env := setupProvider(t)

	_, err := env.provider.DownloadInput(context.Background(), "missing.csv")
	assert.ErrorIs(t, err, ErrInputNotFound)
	assert.NotErrorIs(t, err, ErrTransferFailed)

	_, statErr := os.Stat(filepath.Join(env.scratch, "missing.csv"))
	assert.True(t, os.IsNotExist(statErr))

	entries, err := os.ReadDir(env.scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownloadInput_FailureRemovesEarlierCopy(t *testing.T) {
	env := setupProvider(t)
	ctx := context.Background()

	require.NoError(t, env.objects.PutObject(ctx, "inputs", "a.csv", bytes.NewReader([]byte("x,y\n1,2"))))

	path, err := env.provider.DownloadInput(ctx, "a.csv")
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(env.blobDir, "inputs", "a.csv")))

	_, err = env.provider.DownloadInput(ctx, "a.csv")
	assert.ErrorIs(t, err, ErrInputNotFound)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "earlier download must not survive a failed one")

	entries, err := os.ReadDir(env.scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownloadInput_RejectsEscapingNames(t *testing.T) {
	env := setupProvider(t)

	_, err := env.provider.DownloadInput(context.Background(), "../escape.csv")
	assert.ErrorIs(t, err, ErrTransferFailed)
}

func TestUploadResult(t *testing.T) {
	env := setupProvider(t)
	ctx := context.Background()

	key, err := env.provider.UploadResult(ctx, "outputfile", ExperimentResult{"score": 0.5})
	require.NoError(t, err)
	assert.Equal(t, "outputfile_20240305140709.json", key)

	data, err := env.objects.GetObject(ctx, "outputs", key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":0.5}`, string(data))
}

func TestUploadResult_UsesUTC(t *testing.T) {
	env := setupProvider(t)
	env.now = time.Date(2024, 3, 5, 9, 7, 9, 0, time.FixedZone("EST", -5*60*60))

	key, err := env.provider.UploadResult(context.Background(), "outputfile", ExperimentResult{})
	require.NoError(t, err)
	assert.Equal(t, "outputfile_20240305140709.json", key)
}

func TestUploadResult_SameSecondOverwrites(t *testing.T) {
	env := setupProvider(t)
	ctx := context.Background()

	_, err := env.provider.UploadResult(ctx, "outputfile", ExperimentResult{"run": 1})
	require.NoError(t, err)
	key, err := env.provider.UploadResult(ctx, "outputfile", ExperimentResult{"run": 2})
	require.NoError(t, err)

	objs, err := env.objects.ListObjects(ctx, "outputs", "")
	require.NoError(t, err)
	require.Len(t, objs, 1)

	data, err := env.objects.GetObject(ctx, "outputs", key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"run":2}`, string(data))
}

func TestCommit(t *testing.T) {
	env := setupProvider(t)
	ctx := context.Background()

	require.NoError(t, env.queue.Publish(ctx, []byte(`{"inputFile":"a.csv"}`)))

	req, ok, err := env.provider.ReceiveNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, env.provider.Commit(ctx, req))
	assert.Equal(t, 0, env.queue.Len())

	env.now = env.now.Add(2 * time.Minute)
	_, ok, err = env.provider.ReceiveNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "committed message must never be redelivered")
}

func TestCommit_AfterLeaseExpired(t *testing.T) {
	env := setupProvider(t)
	ctx := context.Background()

	require.NoError(t, env.queue.Publish(ctx, []byte(`{"inputFile":"a.csv"}`)))

	req, ok, err := env.provider.ReceiveNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	env.now = env.now.Add(time.Minute)

	err = env.provider.Commit(ctx, req)
	assert.ErrorIs(t, err, messaging.ErrLeaseExpired)

	again, ok, err := env.provider.ReceiveNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, req.MessageID(), again.MessageID())
	assert.Equal(t, 2, again.DeliveryCount())
}
