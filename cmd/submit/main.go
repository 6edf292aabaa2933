// Command submit uploads input files to the input bucket and enqueues one
// experiment request per file, using the same environment as the worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"experiment-worker/cmd"
	"experiment-worker/internal/config"
	"experiment-worker/internal/experiment"
	"experiment-worker/internal/messaging"
	"experiment-worker/internal/storage"

	"github.com/schollz/progressbar/v3"
)

func uploadInput(ctx context.Context, objects storage.ObjectStore, bucket, path, name string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	bar := progressbar.DefaultBytes(info.Size(), "uploading "+name)
	defer bar.Close()

	if err := objects.PutObject(ctx, bucket, name, io.TeeReader(file, bar)); err != nil {
		return err
	}
	return nil
}

func submit(ctx context.Context, objects storage.ObjectStore, queue messaging.Publisher, bucket, path, prefix string, skipUpload bool) error {
	name := prefix + filepath.Base(path)

	if !skipUpload {
		if err := uploadInput(ctx, objects, bucket, path, name); err != nil {
			return err
		}
	}

	body, err := experiment.EncodeRequest(name)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	if err := queue.Publish(ctx, body); err != nil {
		return fmt.Errorf("failed to enqueue request for %s: %w", name, err)
	}

	log.Printf("submitted experiment request for %s", name)
	return nil
}

func main() {
	var prefix string
	var skipUpload bool

	flag.StringVar(&prefix, "prefix", "", "prefix added to the object name of each input")
	flag.BoolVar(&skipUpload, "skip-upload", false, "only enqueue requests for inputs already in the bucket")

	cmd.LoadEnvFile()

	inputs := flag.Args()
	if len(inputs) == 0 {
		log.Fatalf("usage: submit [-env file] [-prefix p] [-skip-upload] <input>...")
	}

	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.QueueBackend == config.QueueMemory {
		log.Fatalf("submit needs a shared queue backend, not %q", cfg.QueueBackend)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue, err := cmd.NewQueue(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer queue.Close()

	objects, err := cmd.NewObjectStore(cfg)
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	if !skipUpload {
		if err := objects.CreateBucket(ctx, cfg.InputBucket); err != nil {
			log.Fatalf("Failed to create input bucket: %v", err)
		}
	}

	for _, path := range inputs {
		if err := submit(ctx, objects, queue, cfg.InputBucket, path, prefix, skipUpload); err != nil {
			log.Fatalf("Failed to submit %s: %v", path, err)
		}
	}
}
