package integrationtests

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"experiment-worker/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3ObjectStore(t *testing.T) {
	skipIfShort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	objects := createObjectStore(t, ctx)

	bucket := "test-bucket"
	require.NoError(t, objects.CreateBucket(ctx, bucket))
	require.NoError(t, objects.CreateBucket(ctx, bucket), "create must be idempotent")

	t.Run("put and get", func(t *testing.T) {
		require.NoError(t, objects.PutObject(ctx, bucket, "outputfile_20240601120000.json", strings.NewReader(`{"score":0.5}`)))

		data, err := objects.GetObject(ctx, bucket, "outputfile_20240601120000.json")
		require.NoError(t, err)
		assert.Equal(t, `{"score":0.5}`, string(data))
	})

	t.Run("download", func(t *testing.T) {
		require.NoError(t, objects.PutObject(ctx, bucket, "a.csv", strings.NewReader("x,y\n1,2")))

		dest := filepath.Join(t.TempDir(), "a.csv")
		require.NoError(t, objects.DownloadObject(ctx, bucket, "a.csv", dest))

		data, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, "x,y\n1,2", string(data))
	})

	t.Run("not found", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "missing.csv")
		err := objects.DownloadObject(ctx, bucket, "missing.csv", dest)
		assert.ErrorIs(t, err, storage.ErrObjectNotFound)

		_, statErr := os.Stat(dest)
		assert.True(t, os.IsNotExist(statErr))

		_, err = objects.GetObject(ctx, bucket, "missing.csv")
		assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	})

	t.Run("list", func(t *testing.T) {
		objs, err := objects.ListObjects(ctx, bucket, "outputfile_")
		require.NoError(t, err)
		require.Len(t, objs, 1)
		assert.Equal(t, "outputfile_20240601120000.json", objs[0].Name)
		assert.Equal(t, int64(len(`{"score":0.5}`)), objs[0].Size)
	})
}
