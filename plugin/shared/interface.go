// Package shared contains the contract between the worker and out-of-process
// experiment plugins served with hashicorp/go-plugin.
package shared

import (
	"net/rpc"

	"github.com/hashicorp/go-plugin"
)

const PluginName = "experiment"

// Handshake is a common handshake that is shared by plugin and host.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "EXPERIMENT_PLUGIN",
	MagicCookieValue: "experiment-worker",
}

// PluginMap is the map of plugins we can dispense.
var PluginMap = map[string]plugin.Plugin{
	PluginName: &ExperimentPlugin{},
}

// Experiment is implemented by plugins. Run reads the input at inputPath and
// returns the result encoded as a JSON object.
type Experiment interface {
	Run(inputPath string) ([]byte, error)
}

// ExperimentPlugin adapts an Experiment to go-plugin's net/rpc protocol.
type ExperimentPlugin struct {
	Impl Experiment
}

func (p *ExperimentPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (*ExperimentPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}
