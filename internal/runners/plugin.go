package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"experiment-worker/internal/experiment"
	"experiment-worker/plugin/shared"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

type pluginSession struct {
	experiment shared.Experiment
	kill       func()
	exited     func() bool
}

// PluginRunner delegates each run to an experiment plugin process. The
// process is started on first use and again after it exits or is killed.
type PluginRunner struct {
	mu      sync.Mutex
	launch  func() (*pluginSession, error)
	session *pluginSession
	logger  *slog.Logger
}

func NewPluginRunner(path string, logger *slog.Logger) (*PluginRunner, error) {
	if path == "" {
		return nil, fmt.Errorf("plugin path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to find plugin %s: %w", path, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	pluginLogger := hclog.New(&hclog.LoggerOptions{
		Name:       "experiment-plugin",
		Output:     os.Stderr,
		Level:      hclog.Info,
		JSONFormat: true,
	})

	launch := func() (*pluginSession, error) {
		client := plugin.NewClient(&plugin.ClientConfig{
			HandshakeConfig:  shared.Handshake,
			Plugins:          shared.PluginMap,
			Cmd:              exec.Command(path),
			AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
			Logger:           pluginLogger,
		})

		rpcClient, err := client.Client()
		if err != nil {
			client.Kill()
			return nil, fmt.Errorf("error establishing RPC connection: %w", err)
		}

		raw, err := rpcClient.Dispense(shared.PluginName)
		if err != nil {
			client.Kill()
			return nil, fmt.Errorf("error dispensing '%s': %w", shared.PluginName, err)
		}

		exp, ok := raw.(shared.Experiment)
		if !ok {
			client.Kill()
			return nil, fmt.Errorf("dispensed interface '%s' is not of expected type shared.Experiment (actual type: %T)", shared.PluginName, raw)
		}

		logger.Info("experiment plugin started", "path", path)

		return &pluginSession{experiment: exp, kill: client.Kill, exited: client.Exited}, nil
	}

	return &PluginRunner{launch: launch, logger: logger}, nil
}

func (r *PluginRunner) ensureSession() (*pluginSession, error) {
	if r.session != nil && !r.session.exited() {
		return r.session, nil
	}

	session, err := r.launch()
	if err != nil {
		return nil, err
	}
	r.session = session
	return session, nil
}

func (r *PluginRunner) Run(ctx context.Context, inputPath string) (experiment.ExperimentResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, err := r.ensureSession()
	if err != nil {
		return nil, err
	}

	type response struct {
		data []byte
		err  error
	}
	done := make(chan response, 1)
	go func() {
		data, err := session.experiment.Run(inputPath)
		done <- response{data: data, err: err}
	}()

	var resp response
	select {
	case resp = <-done:
	case <-ctx.Done():
		// net/rpc calls cannot be aborted, so the plugin is killed and
		// relaunched on the next run.
		r.logger.Warn("killing experiment plugin after cancellation", "input_path", inputPath)
		session.kill()
		r.session = nil
		return nil, ctx.Err()
	}

	if resp.err != nil {
		return nil, fmt.Errorf("plugin experiment failed: %w", resp.err)
	}

	var result experiment.ExperimentResult
	if err := json.Unmarshal(resp.data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode plugin result: %w", err)
	}
	return result, nil
}

// Close kills the plugin process if one is running.
func (r *PluginRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session != nil {
		r.session.kill()
		r.session = nil
	}
	return nil
}
