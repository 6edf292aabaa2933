// Package runners provides the experiment implementations the worker can be
// configured with.
package runners

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"experiment-worker/internal/experiment"
)

const (
	CSVSummary = "csv-summary"
	Plugin     = "plugin"
	HTTP       = "http"
)

type Options struct {
	// PluginPath is the executable launched by the plugin runner.
	PluginPath string

	// HTTPURL is the endpoint the http runner posts inputs to.
	HTTPURL     string
	HTTPTimeout time.Duration

	Logger *slog.Logger
}

type Loader func(opts Options) (experiment.Runner, error)

func NewLoaders() map[string]Loader {
	return map[string]Loader{
		CSVSummary: func(_ Options) (experiment.Runner, error) {
			return NewCSVSummaryRunner(), nil
		},
		Plugin: func(opts Options) (experiment.Runner, error) {
			return NewPluginRunner(opts.PluginPath, opts.Logger)
		},
		HTTP: func(opts Options) (experiment.Runner, error) {
			return NewHTTPRunner(opts.HTTPURL, opts.HTTPTimeout)
		},
	}
}

func Names() []string {
	var names []string
	for name := range NewLoaders() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the runner registered under name. Runners holding external
// resources implement io.Closer.
func New(name string, opts Options) (experiment.Runner, error) {
	loader, ok := NewLoaders()[name]
	if !ok {
		return nil, fmt.Errorf("unknown experiment runner %q, expected one of %v", name, Names())
	}

	runner, err := loader(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s runner: %w", name, err)
	}
	return runner, nil
}
