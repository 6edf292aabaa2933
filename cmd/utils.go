package cmd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"

	"experiment-worker/internal/awsutil"
	"experiment-worker/internal/config"
	"experiment-worker/internal/experiment"
	"experiment-worker/internal/messaging"
	"experiment-worker/internal/storage"

	"github.com/joho/godotenv"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

func S3ClientConfig(endpoint string, cfg *config.WorkerConfig) awsutil.ClientConfig {
	return awsutil.ClientConfig{
		Endpoint:        endpoint,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	}
}

func NewQueue(ctx context.Context, cfg *config.WorkerConfig) (messaging.Queue, error) {
	switch cfg.QueueBackend {
	case config.QueueRabbitMQ:
		return messaging.NewRabbitMQQueue(cfg.RabbitMQURL, cfg.QueueName)

	case config.QueueSQS:
		return messaging.NewSQSQueue(ctx, messaging.SQSConfig{
			ClientConfig: S3ClientConfig(cfg.SQSEndpointURL, cfg),
			QueueURL:     cfg.SQSQueueURL,
			QueueName:    cfg.QueueName,
			WaitTime:     cfg.ReceiveWait,
		})

	case config.QueueMemory:
		queue := messaging.NewInMemoryQueue()
		for _, name := range cfg.MemorySeedInputs {
			body, err := experiment.EncodeRequest(name)
			if err != nil {
				return nil, fmt.Errorf("failed to encode seed request for %s: %w", name, err)
			}
			if err := queue.Publish(ctx, body); err != nil {
				return nil, fmt.Errorf("failed to seed in-memory queue: %w", err)
			}
		}
		slog.Info("using in-memory queue", "seeded", len(cfg.MemorySeedInputs))
		return queue, nil

	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

func NewObjectStore(cfg *config.WorkerConfig) (storage.ObjectStore, error) {
	switch cfg.BlobBackend {
	case config.BlobS3:
		return storage.NewS3ObjectStore(S3ClientConfig(cfg.S3EndpointURL, cfg))

	case config.BlobLocal:
		return storage.NewLocalObjectStore(cfg.LocalBlobDir)

	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
}
