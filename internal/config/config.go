package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	QueueRabbitMQ = "rabbitmq"
	QueueSQS      = "sqs"
	QueueMemory   = "memory"

	BlobS3    = "s3"
	BlobLocal = "local"
)

type WorkerConfig struct {
	QueueBackend     string        `env:"QUEUE_BACKEND" envDefault:"rabbitmq"`
	QueueName        string        `env:"QUEUE_NAME,notEmpty,required"`
	RabbitMQURL      string        `env:"RABBITMQ_URL"`
	SQSQueueURL      string        `env:"SQS_QUEUE_URL"`
	SQSEndpointURL   string        `env:"SQS_ENDPOINT_URL"`
	ReceiveWait      time.Duration `env:"RECEIVE_WAIT" envDefault:"0s"`
	MemorySeedInputs []string      `env:"MEMORY_SEED_INPUTS" envSeparator:","`

	BlobBackend       string `env:"BLOB_BACKEND" envDefault:"s3"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	LocalBlobDir      string `env:"LOCAL_BLOB_DIR"`
	InputBucket       string `env:"INPUT_BUCKET,notEmpty,required"`
	OutputBucket      string `env:"OUTPUT_BUCKET,notEmpty,required"`

	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"1m"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"500ms"`
	OutputLabel       string        `env:"OUTPUT_LABEL" envDefault:"outputfile"`
	ScratchDir        string        `env:"SCRATCH_DIR"`
	CleanupInputs     bool          `env:"CLEANUP_INPUTS" envDefault:"false"`
	MaxDeliveries     int           `env:"MAX_DELIVERIES" envDefault:"0"`
	DeadLetterLabel   string        `env:"DEAD_LETTER_LABEL" envDefault:"deadletter"`

	ExperimentRunner     string        `env:"EXPERIMENT_RUNNER" envDefault:"csv-summary"`
	ExperimentPluginPath string        `env:"EXPERIMENT_PLUGIN_PATH"`
	ExperimentHTTPURL    string        `env:"EXPERIMENT_HTTP_URL"`
	ExperimentTimeout    time.Duration `env:"EXPERIMENT_TIMEOUT" envDefault:"0s"`

	LedgerDatabaseURL string `env:"LEDGER_DATABASE_URL"`
	MetricsAddr       string `env:"METRICS_ADDR"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat         string `env:"LOG_FORMAT" envDefault:"json"`
}

func LoadWorkerConfig() (*WorkerConfig, error) {
	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the settings that depend on which backends are selected.
func (cfg *WorkerConfig) Validate() error {
	var problems []string

	switch cfg.QueueBackend {
	case QueueRabbitMQ:
		if cfg.RabbitMQURL == "" {
			problems = append(problems, "RABBITMQ_URL is required for the rabbitmq queue backend")
		}
	case QueueSQS, QueueMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown QUEUE_BACKEND %q", cfg.QueueBackend))
	}

	switch cfg.BlobBackend {
	case BlobS3:
		if cfg.S3EndpointURL != "" && (cfg.S3AccessKeyID == "" || cfg.S3SecretAccessKey == "") {
			problems = append(problems, "AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required when S3_ENDPOINT_URL is set")
		}
	case BlobLocal:
		if cfg.LocalBlobDir == "" {
			problems = append(problems, "LOCAL_BLOB_DIR is required for the local blob backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown BLOB_BACKEND %q", cfg.BlobBackend))
	}

	if cfg.VisibilityTimeout <= 0 {
		problems = append(problems, "VISIBILITY_TIMEOUT must be positive")
	}
	if cfg.PollInterval <= 0 {
		problems = append(problems, "POLL_INTERVAL must be positive")
	}
	if cfg.MaxDeliveries < 0 {
		problems = append(problems, "MAX_DELIVERIES must not be negative")
	}
	if strings.TrimSpace(cfg.OutputLabel) == "" {
		problems = append(problems, "OUTPUT_LABEL must not be empty")
	}
	if cfg.MaxDeliveries > 0 && cfg.DeadLetterLabel == cfg.OutputLabel {
		problems = append(problems, "DEAD_LETTER_LABEL must differ from OUTPUT_LABEL")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
