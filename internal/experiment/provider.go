package experiment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"experiment-worker/internal/messaging"
	"experiment-worker/internal/storage"
)

// ResultTimeLayout is the timestamp suffix of result object names
// (yyyyMMddHHmmss).
const ResultTimeLayout = "20060102150405"

type ProviderConfig struct {
	Queue   messaging.Receiver
	Objects storage.ObjectStore

	InputBucket  string
	OutputBucket string

	// Visibility is the lease taken on each received message.
	Visibility time.Duration

	// ScratchDir receives downloaded inputs. Defaults to os.TempDir().
	ScratchDir string

	// Now defaults to time.Now. Result names use it in UTC.
	Now func() time.Time

	Logger *slog.Logger
}

// QueueStorageProvider implements StorageProvider over a leased work queue and
// an object store.
type QueueStorageProvider struct {
	queue   messaging.Receiver
	objects storage.ObjectStore

	inputBucket  string
	outputBucket string
	visibility   time.Duration
	scratchDir   string
	now          func() time.Time
	logger       *slog.Logger
}

var _ StorageProvider = (*QueueStorageProvider)(nil)

func NewQueueStorageProvider(cfg ProviderConfig) (*QueueStorageProvider, error) {
	if cfg.Queue == nil || cfg.Objects == nil {
		return nil, fmt.Errorf("queue and object store are required")
	}
	if cfg.InputBucket == "" || cfg.OutputBucket == "" {
		return nil, fmt.Errorf("input and output buckets are required")
	}

	visibility := cfg.Visibility
	if visibility <= 0 {
		visibility = messaging.DefaultVisibilityTimeout
	}

	scratchDir := cfg.ScratchDir
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	scratchDir, err := filepath.Abs(scratchDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for %s: %w", scratchDir, err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &QueueStorageProvider{
		queue:        cfg.Queue,
		objects:      cfg.Objects,
		inputBucket:  cfg.InputBucket,
		outputBucket: cfg.OutputBucket,
		visibility:   visibility,
		scratchDir:   scratchDir,
		now:          now,
		logger:       logger,
	}, nil
}

func (p *QueueStorageProvider) ReceiveNext(ctx context.Context) (ExperimentRequest, bool, error) {
	msg, ok, err := p.queue.Receive(ctx, p.visibility)
	if err != nil {
		return ExperimentRequest{}, false, fmt.Errorf("failed to receive experiment request: %w", err)
	}
	if !ok {
		p.logger.Debug("no experiment request in queue")
		return ExperimentRequest{}, false, nil
	}

	req := ExperimentRequest{delivery: msg}

	p.logger.Info("received experiment request", "message_id", msg.ID, "delivery_count", msg.DeliveryCount)

	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return req, true, fmt.Errorf("%w: message %s: %w", ErrMalformedRequest, msg.ID, err)
	}

	req.InputFile = strings.TrimSpace(req.InputFile)
	if req.InputFile == "" {
		return req, true, fmt.Errorf("%w: message %s has no inputFile", ErrMalformedRequest, msg.ID)
	}

	return req, true, nil
}

// LocalPath is where DownloadInput places the named input.
func (p *QueueStorageProvider) LocalPath(name string) (string, error) {
	path := filepath.Join(p.scratchDir, filepath.FromSlash(name))
	if !strings.HasPrefix(path, p.scratchDir+string(filepath.Separator)) {
		return "", fmt.Errorf("input name %q resolves outside of scratch directory", name)
	}
	return path, nil
}

func (p *QueueStorageProvider) DownloadInput(ctx context.Context, name string) (string, error) {
	localPath, err := p.LocalPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), os.ModePerm); err != nil {
		return "", fmt.Errorf("%w: failed to create directory for %s: %w", ErrTransferFailed, localPath, err)
	}

	// Download next to the final path and rename, so a failed transfer never
	// leaves a file that looks complete.
	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".*.part")
	if err != nil {
		return "", fmt.Errorf("%w: failed to create temp file for %s: %w", ErrTransferFailed, localPath, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	if err := p.objects.DownloadObject(ctx, p.inputBucket, name, tmpPath); err != nil {
		os.Remove(tmpPath)
		p.removeStale(localPath)
		if errors.Is(err, storage.ErrObjectNotFound) {
			p.logger.Warn("input object does not exist", "bucket", p.inputBucket, "key", name)
			return "", fmt.Errorf("%w: %s/%s: %w", ErrInputNotFound, p.inputBucket, name, err)
		}
		return "", fmt.Errorf("%w: %s/%s: %w", ErrTransferFailed, p.inputBucket, name, err)
	}

	if err := os.Rename(tmpPath, localPath); err != nil {
		os.Remove(tmpPath)
		p.removeStale(localPath)
		return "", fmt.Errorf("%w: failed to move download to %s: %w", ErrTransferFailed, localPath, err)
	}

	p.logger.Info("input downloaded", "bucket", p.inputBucket, "key", name, "path", localPath)

	return localPath, nil
}

// removeStale deletes a copy of the input left by an earlier download, so a
// failed transfer never leaves a complete-looking file behind.
func (p *QueueStorageProvider) removeStale(localPath string) {
	if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("failed to remove stale input", "path", localPath, "error", err)
	}
}

// ResultKey is the object name used for a result uploaded under label at t.
func ResultKey(label string, t time.Time) string {
	return fmt.Sprintf("%s_%s.json", label, t.UTC().Format(ResultTimeLayout))
}

func (p *QueueStorageProvider) UploadResult(ctx context.Context, label string, result ExperimentResult) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to serialize result: %w", err)
	}

	if err := p.objects.CreateBucket(ctx, p.outputBucket); err != nil {
		return "", fmt.Errorf("failed to ensure output bucket %s: %w", p.outputBucket, err)
	}

	key := ResultKey(label, p.now())

	if err := p.objects.PutObject(ctx, p.outputBucket, key, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to upload result %s: %w", key, err)
	}

	p.logger.Info("uploaded result", "bucket", p.outputBucket, "key", key, "bytes", len(data))

	return key, nil
}

func (p *QueueStorageProvider) Commit(ctx context.Context, req ExperimentRequest) error {
	if err := p.queue.Delete(ctx, req.delivery); err != nil {
		return fmt.Errorf("failed to commit experiment request: %w", err)
	}

	p.logger.Info("committed experiment request", "message_id", req.delivery.ID, "input_file", req.InputFile)

	return nil
}
