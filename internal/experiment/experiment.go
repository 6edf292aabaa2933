package experiment

import (
	"context"
	"encoding/json"
	"errors"

	"experiment-worker/internal/messaging"
)

var (
	ErrMalformedRequest = errors.New("malformed experiment request")
	ErrInputNotFound    = errors.New("experiment input not found")
	ErrTransferFailed   = errors.New("experiment input transfer failed")
	ErrEmptyInput       = errors.New("experiment input is empty")
)

// ExperimentRequest is the job descriptor carried by a queue message. The
// delivery it came from stays attached so that Commit can delete exactly the
// message that was claimed.
type ExperimentRequest struct {
	InputFile string `json:"inputFile"`

	delivery messaging.Message
}

// NewExperimentRequest binds a request to the delivery it was decoded from.
func NewExperimentRequest(inputFile string, delivery messaging.Message) ExperimentRequest {
	return ExperimentRequest{InputFile: inputFile, delivery: delivery}
}

func (r ExperimentRequest) MessageID() string {
	return r.delivery.ID
}

// DeliveryCount is how many times the message has been received, including
// this delivery.
func (r ExperimentRequest) DeliveryCount() int {
	return r.delivery.DeliveryCount
}

// Body is the raw message payload.
func (r ExperimentRequest) Body() []byte {
	return r.delivery.Body
}

// ExperimentResult is whatever the runner produced. It is serialized as JSON.
type ExperimentResult map[string]any

type StorageProvider interface {
	// ReceiveNext claims the next visible request. ok is false with a nil
	// error when the queue is empty. A message whose body cannot be decoded is
	// still returned with ok set, together with an error wrapping
	// ErrMalformedRequest; it stays leased and uncommitted.
	ReceiveNext(ctx context.Context) (req ExperimentRequest, ok bool, err error)

	// DownloadInput copies the named input object into scratch space and
	// returns its local path. Errors wrap ErrInputNotFound or ErrTransferFailed.
	DownloadInput(ctx context.Context, name string) (string, error)

	// UploadResult stores result as a new object named after label and the
	// current time, and returns the object key.
	UploadResult(ctx context.Context, label string, result ExperimentResult) (string, error)

	// Commit deletes the request's message from the queue. It must only be
	// called once the result is durably uploaded.
	Commit(ctx context.Context, req ExperimentRequest) error
}

type Runner interface {
	// Run may take arbitrarily long and must not modify the file at inputPath.
	Run(ctx context.Context, inputPath string) (ExperimentResult, error)
}

type RunnerFunc func(ctx context.Context, inputPath string) (ExperimentResult, error)

func (f RunnerFunc) Run(ctx context.Context, inputPath string) (ExperimentResult, error) {
	return f(ctx, inputPath)
}

// EncodeRequest builds the queue message body for a request on inputFile.
func EncodeRequest(inputFile string) ([]byte, error) {
	return json.Marshal(ExperimentRequest{InputFile: inputFile})
}
