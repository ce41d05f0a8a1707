// Package plugin lets external binaries contribute tools to the registry.
// Plugins run out of process over go-plugin's net/rpc protocol; schemas and
// arguments travel as JSON strings so the wire format stays gob-friendly.
package plugin

import (
	"fmt"
	"net/rpc"
	"os/exec"

	goplugin "github.com/hashicorp/go-plugin"
)

// Handshake guards against launching arbitrary binaries as plugins.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "FSBRIDGE_PLUGIN",
	MagicCookieValue: "fsbridge-tool-plugin",
}

// ToolSpec declares one tool a plugin serves. ParametersJSON holds the
// JSON-encoded parameter properties; Required lists mandatory ones.
type ToolSpec struct {
	Name           string
	Description    string
	ParametersJSON string
	Required       []string
}

// ToolService is the interface plugin binaries implement.
type ToolService interface {
	// Describe lists the tools this plugin serves.
	Describe() ([]ToolSpec, error)

	// Call executes a tool with a JSON argument object and returns a JSON
	// payload.
	Call(name, argsJSON string) (string, error)
}

// ToolPlugin adapts a ToolService to go-plugin.
type ToolPlugin struct {
	Impl ToolService
}

func (p *ToolPlugin) Server(_ *goplugin.MuxBroker) (any, error) {
	return &rpcServer{impl: p.Impl}, nil
}

func (p *ToolPlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (any, error) {
	return &rpcClient{client: c}, nil
}

// Wire types. net/rpc needs exported request/reply structs.

type DescribeArgs struct{}

type DescribeReply struct {
	Specs []ToolSpec
}

type CallArgs struct {
	Name     string
	ArgsJSON string
}

type CallReply struct {
	PayloadJSON string
}

type rpcServer struct {
	impl ToolService
}

func (s *rpcServer) Describe(_ DescribeArgs, reply *DescribeReply) error {
	specs, err := s.impl.Describe()
	if err != nil {
		return err
	}
	reply.Specs = specs
	return nil
}

func (s *rpcServer) Call(args CallArgs, reply *CallReply) error {
	payload, err := s.impl.Call(args.Name, args.ArgsJSON)
	if err != nil {
		return err
	}
	reply.PayloadJSON = payload
	return nil
}

type rpcClient struct {
	client *rpc.Client
}

func (c *rpcClient) Describe() ([]ToolSpec, error) {
	var reply DescribeReply
	if err := c.client.Call("Plugin.Describe", DescribeArgs{}, &reply); err != nil {
		return nil, fmt.Errorf("plugin describe: %w", err)
	}
	return reply.Specs, nil
}

func (c *rpcClient) Call(name, argsJSON string) (string, error) {
	var reply CallReply
	err := c.client.Call("Plugin.Call", CallArgs{Name: name, ArgsJSON: argsJSON}, &reply)
	if err != nil {
		return "", fmt.Errorf("plugin call %s: %w", name, err)
	}
	return reply.PayloadJSON, nil
}

// Serve is the entry point for a plugin binary's main function.
func Serve(impl ToolService) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			"tools": &ToolPlugin{Impl: impl},
		},
	})
}

// Launch starts a plugin binary and returns its tool service plus a kill
// function the caller must run on shutdown.
func Launch(binaryPath string) (ToolService, func(), error) {
	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			"tools": &ToolPlugin{},
		},
		Cmd: exec.Command(binaryPath), // #nosec G204
		AllowedProtocols: []goplugin.Protocol{
			goplugin.ProtocolNetRPC,
		},
	})

	rpcC, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("launch plugin %s: %w", binaryPath, err)
	}
	raw, err := rpcC.Dispense("tools")
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("dispense plugin %s: %w", binaryPath, err)
	}
	svc, ok := raw.(ToolService)
	if !ok {
		client.Kill()
		return nil, nil, fmt.Errorf("plugin %s does not serve tools", binaryPath)
	}
	return svc, client.Kill, nil
}
