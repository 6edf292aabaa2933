package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"experiment-worker/internal/experiment"
	"experiment-worker/internal/telemetry"
)

const (
	DefaultOutputLabel     = "outputfile"
	DefaultDeadLetterLabel = "deadletter"
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultPreviewBytes    = 100

	recordTimeout = 10 * time.Second
)

type Config struct {
	// OutputLabel prefixes result object names.
	OutputLabel string

	// PollInterval is the fixed wait after an empty or failed poll.
	PollInterval time.Duration

	// MaxDeliveries, when positive, is the number of deliveries after which a
	// request is dead-lettered instead of processed. Zero retries forever.
	MaxDeliveries   int
	DeadLetterLabel string

	// RunTimeout bounds a single runner invocation. Zero means no limit.
	RunTimeout time.Duration

	// CleanupInputs removes the downloaded input once a job finishes.
	CleanupInputs bool

	PreviewBytes int

	Recorder Recorder
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// Pipeline pulls one experiment request at a time from a StorageProvider and
// drives it through download, verify, execute, upload and commit.
type Pipeline struct {
	provider experiment.StorageProvider
	runner   experiment.Runner

	outputLabel     string
	pollInterval    time.Duration
	maxDeliveries   int
	deadLetterLabel string
	runTimeout      time.Duration
	cleanupInputs   bool
	previewBytes    int

	recorder Recorder
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

func New(provider experiment.StorageProvider, runner experiment.Runner, cfg Config) *Pipeline {
	p := &Pipeline{
		provider:        provider,
		runner:          runner,
		outputLabel:     cfg.OutputLabel,
		pollInterval:    cfg.PollInterval,
		maxDeliveries:   cfg.MaxDeliveries,
		deadLetterLabel: cfg.DeadLetterLabel,
		runTimeout:      cfg.RunTimeout,
		cleanupInputs:   cfg.CleanupInputs,
		previewBytes:    cfg.PreviewBytes,
		recorder:        cfg.Recorder,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
	}

	if p.outputLabel == "" {
		p.outputLabel = DefaultOutputLabel
	}
	if p.pollInterval <= 0 {
		p.pollInterval = DefaultPollInterval
	}
	if p.deadLetterLabel == "" {
		p.deadLetterLabel = DefaultDeadLetterLabel
	}
	if p.previewBytes <= 0 {
		p.previewBytes = DefaultPreviewBytes
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}

	return p
}

// Run processes requests until ctx is cancelled. Failures of individual jobs
// are logged and never end the loop. It returns nil once ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("worker started", "output_label", p.outputLabel, "poll_interval", p.pollInterval, "max_deliveries", p.maxDeliveries)

	for ctx.Err() == nil {
		processed, err := p.ProcessNext(ctx)
		if processed {
			continue
		}
		if err != nil && ctx.Err() == nil {
			p.logger.Error("failed to poll for experiment requests", "error", err)
		}

		if !p.wait(ctx) {
			break
		}
	}

	p.logger.Info("worker stopped")

	return nil
}

func (p *Pipeline) wait(ctx context.Context) bool {
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// ProcessNext performs a single poll. processed reports whether a request was
// claimed. Apart from ctx errors, a returned error is a *StageError.
func (p *Pipeline) ProcessNext(ctx context.Context) (processed bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	req, ok, err := p.provider.ReceiveNext(ctx)
	if !ok {
		if err != nil {
			p.metrics.ObservePoll(telemetry.PollError)
			return false, &StageError{Stage: StageReceive, Err: err}
		}
		p.metrics.ObservePoll(telemetry.PollEmpty)
		return false, nil
	}
	p.metrics.ObservePoll(telemetry.PollMessage)

	return true, p.handle(ctx, req, err)
}

type job struct {
	req     experiment.ExperimentRequest
	logger  *slog.Logger
	attempt Attempt
}

func (p *Pipeline) handle(ctx context.Context, req experiment.ExperimentRequest, decodeErr error) error {
	j := &job{
		req: req,
		logger: p.logger.With(
			"message_id", req.MessageID(),
			"input_file", req.InputFile,
			"delivery_count", req.DeliveryCount(),
		),
		attempt: Attempt{
			MessageID:     req.MessageID(),
			InputFile:     req.InputFile,
			DeliveryCount: req.DeliveryCount(),
			StartedAt:     time.Now().UTC(),
		},
	}

	p.metrics.JobStarted()

	var err error
	if p.maxDeliveries > 0 && req.DeliveryCount() > p.maxDeliveries {
		err = p.deadLetter(ctx, j, decodeErr)
	} else if decodeErr != nil {
		err = p.fail(j, StageDecode, decodeErr)
	} else {
		err = p.execute(ctx, j)
	}

	j.attempt.FinishedAt = time.Now().UTC()
	if err != nil {
		j.attempt.Outcome = OutcomeFailed
		j.attempt.Error = err.Error()
	}

	p.metrics.JobFinished(string(j.attempt.Outcome), j.attempt.FinishedAt.Sub(j.attempt.StartedAt))
	p.record(ctx, j)

	return err
}

func (p *Pipeline) execute(ctx context.Context, j *job) error {
	j.logger.Info("processing experiment request")

	localPath, err := p.provider.DownloadInput(ctx, j.req.InputFile)
	if err != nil {
		if errors.Is(err, experiment.ErrInputNotFound) {
			j.logger.Warn("input file does not exist, leaving request for redelivery")
		}
		return p.fail(j, StageDownload, err)
	}

	if p.cleanupInputs {
		defer func() {
			if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				j.logger.Warn("failed to remove local input", "path", localPath, "error", err)
			}
		}()
	}

	if err := p.verify(j, localPath); err != nil {
		return p.fail(j, StageVerify, err)
	}

	result, err := p.run(ctx, localPath)
	if err != nil {
		return p.fail(j, StageExecute, err)
	}
	j.logger.Info("experiment finished")

	key, err := p.provider.UploadResult(ctx, p.outputLabel, result)
	if err != nil {
		return p.fail(j, StageUpload, err)
	}
	j.attempt.ResultKey = key
	if data, err := json.Marshal(result); err == nil {
		j.attempt.Result = data
	}

	if err := p.provider.Commit(ctx, j.req); err != nil {
		return p.fail(j, StageCommit, err)
	}

	j.attempt.Outcome = OutcomeSucceeded
	j.logger.Info("experiment request completed", "result_key", key)

	return nil
}

func (p *Pipeline) verify(j *job, localPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open downloaded input %s: %w", localPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat downloaded input %s: %w", localPath, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s", experiment.ErrEmptyInput, localPath)
	}

	preview := make([]byte, p.previewBytes)
	n, err := io.ReadFull(file, preview)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read downloaded input %s: %w", localPath, err)
	}

	j.logger.Debug("input downloaded", "path", localPath, "size", info.Size(), "preview", string(preview[:n]))

	return nil
}

func (p *Pipeline) run(ctx context.Context, localPath string) (experiment.ExperimentResult, error) {
	if p.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.runTimeout)
		defer cancel()
	}

	result, err := p.runner.Run(ctx, localPath)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = experiment.ExperimentResult{}
	}
	return result, nil
}

func (p *Pipeline) deadLetter(ctx context.Context, j *job, cause error) error {
	j.logger.Warn("request exceeded max deliveries, dead-lettering", "max_deliveries", p.maxDeliveries)

	record := experiment.ExperimentResult{
		"messageId":     j.req.MessageID(),
		"inputFile":     j.req.InputFile,
		"deliveryCount": j.req.DeliveryCount(),
		"maxDeliveries": p.maxDeliveries,
		"body":          string(j.req.Body()),
	}
	if cause != nil {
		record["error"] = cause.Error()
	}

	key, err := p.provider.UploadResult(ctx, p.deadLetterLabel, record)
	if err != nil {
		return p.fail(j, StageDeadLetter, err)
	}
	j.attempt.ResultKey = key

	if err := p.provider.Commit(ctx, j.req); err != nil {
		return p.fail(j, StageCommit, err)
	}

	j.attempt.Outcome = OutcomeDeadLettered
	j.logger.Info("request dead-lettered", "result_key", key)

	return nil
}

func (p *Pipeline) fail(j *job, stage Stage, err error) error {
	j.attempt.FailedStage = stage
	p.metrics.StageFailed(string(stage))

	j.logger.Error("experiment request failed", "stage", stage, "error", err)

	return &StageError{
		Stage:     stage,
		MessageID: j.req.MessageID(),
		InputFile: j.req.InputFile,
		Err:       err,
	}
}

func (p *Pipeline) record(ctx context.Context, j *job) {
	if p.recorder == nil {
		return
	}

	// Attempts are still recorded when shutdown interrupted the job.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := p.recorder.RecordAttempt(ctx, j.attempt); err != nil {
		j.logger.Warn("failed to record attempt", "error", err)
	}
}
