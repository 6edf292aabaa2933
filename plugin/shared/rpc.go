package shared

import "net/rpc"

// RPCClient is an implementation of Experiment that talks over RPC.
type RPCClient struct{ client *rpc.Client }

func NewRPCClient(client *rpc.Client) *RPCClient {
	return &RPCClient{client: client}
}

func (m *RPCClient) Run(inputPath string) ([]byte, error) {
	var resp []byte
	err := m.client.Call("Plugin.Run", inputPath, &resp)
	return resp, err
}

// RPCServer is the RPC server that RPCClient talks to, conforming to the
// requirements of net/rpc.
type RPCServer struct {
	// This is the real implementation
	Impl Experiment
}

func (m *RPCServer) Run(inputPath string, resp *[]byte) error {
	v, err := m.Impl.Run(inputPath)
	*resp = v
	return err
}
