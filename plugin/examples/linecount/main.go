// Command linecount is an example experiment plugin. It reports the number of
// lines and bytes in its input.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"experiment-worker/plugin/shared"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

type lineCount struct {
	logger hclog.Logger
}

func (l *lineCount) Run(inputPath string) ([]byte, error) {
	file, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open input %s: %w", inputPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat input %s: %w", inputPath, err)
	}

	lines := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input %s: %w", inputPath, err)
	}

	l.logger.Debug("counted lines", "path", inputPath, "lines", lines)

	return json.Marshal(map[string]any{
		"lines": lines,
		"bytes": info.Size(),
	})
}

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "linecount",
		Level:      hclog.Debug,
		Output:     os.Stderr,
		JSONFormat: true,
	})

	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: shared.Handshake,
		Plugins: map[string]plugin.Plugin{
			shared.PluginName: &shared.ExperimentPlugin{Impl: &lineCount{logger: logger}},
		},
		Logger: logger,
	})
}
