package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"experiment-worker/internal/experiment"

	"github.com/go-resty/resty/v2"
)

// HTTPRunner uploads the input as multipart field "file" to a remote
// experiment service and uses the JSON object it responds with as the result.
type HTTPRunner struct {
	client *resty.Client
	url    string
}

func NewHTTPRunner(url string, timeout time.Duration) (*HTTPRunner, error) {
	if url == "" {
		return nil, fmt.Errorf("experiment http url is required")
	}

	client := resty.New()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}

	return &HTTPRunner{client: client, url: url}, nil
}

func (r *HTTPRunner) Run(ctx context.Context, inputPath string) (experiment.ExperimentResult, error) {
	res, err := r.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetFile("file", inputPath).
		SetFormData(map[string]string{"name": filepath.Base(inputPath)}).
		Post(r.url)
	if err != nil {
		return nil, fmt.Errorf("experiment request to %s failed: %w", r.url, err)
	}

	if !res.IsSuccess() {
		return nil, fmt.Errorf("experiment service returned status %d: %s", res.StatusCode(), res.String())
	}

	var result experiment.ExperimentResult
	if err := json.Unmarshal(res.Body(), &result); err != nil {
		return nil, fmt.Errorf("error parsing response from experiment service: %w", err)
	}
	return result, nil
}
