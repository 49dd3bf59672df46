package toolgateway

import (
	"context"
	"encoding/json"
	"fmt"
)

type (
	// MCPCaller is the transport-level boundary to one MCP server, invoked by
	// MCPInvoker. Implementations (stdio, HTTP/SSE, JSON-RPC) are out of
	// scope for the delegation engine; only this interface is depended on.
	MCPCaller interface {
		CallTool(ctx context.Context, suite, tool string, payload json.RawMessage) (json.RawMessage, error)
	}

	// MCPToolset pairs an MCPCaller with the static descriptors of the tools
	// it serves, since MCP tool listing is itself a server round trip the
	// engine does not want to repeat on every Snapshot.
	MCPToolset struct {
		Suite  string
		Caller MCPCaller
		Tools  []ToolDescriptor
	}

	// MCPInvoker adapts one or more MCP toolsets to the Invoker interface
	// Gateway depends on. A tool's fully-qualified name ("suite.tool")
	// determines which toolset's Caller handles it.
	MCPInvoker struct {
		toolsets map[string]MCPToolset
	}
)

// NewMCPInvoker builds an Invoker over the given toolsets, keyed by suite.
func NewMCPInvoker(toolsets ...MCPToolset) *MCPInvoker {
	m := make(map[string]MCPToolset, len(toolsets))
	for _, ts := range toolsets {
		m[ts.Suite] = ts
	}
	return &MCPInvoker{toolsets: m}
}

// ListTools concatenates the descriptors of every registered toolset.
func (m *MCPInvoker) ListTools(context.Context) ([]ToolDescriptor, error) {
	var out []ToolDescriptor
	for _, ts := range m.toolsets {
		out = append(out, ts.Tools...)
	}
	return out, nil
}

// Call splits name into "suite.tool" and dispatches to that suite's Caller.
func (m *MCPInvoker) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	suite, tool, ok := splitToolName(name)
	if !ok {
		return nil, fmt.Errorf("mcp invoker: malformed tool name %q", name)
	}
	ts, ok := m.toolsets[suite]
	if !ok {
		return nil, fmt.Errorf("mcp invoker: unknown suite %q", suite)
	}
	return ts.Caller.CallTool(ctx, suite, tool, args)
}

func splitToolName(name string) (suite, tool string, ok bool) {
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			return name[:i], name[i+1:], true
		}
	}
	return "", "", false
}
