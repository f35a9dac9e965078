package toolbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/life4/genesis/slices"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentcheck/agentcheck/logger"
	"github.com/agentcheck/agentcheck/model"
	"github.com/agentcheck/agentcheck/server"

	"github.com/tmc/langchaingo/llms"
)

// MCPToolbox aggregates tools from connected MCP servers and routes calls to
// the server that owns each tool. Tool discovery happens once, at
// construction; a tool name offered by two servers resolves to the first
// server that registered it.
type MCPToolbox struct {
	servers []*server.MCPServer
	routes  map[string]*server.MCPServer
	defs    []llms.Tool
}

// NewMCPToolbox lists tools on each referenced server, applies the
// per-server allow-lists, and builds the routing table. Unknown server
// references and discovery failures are hard errors: an agent evaluated
// with silently missing tools would produce misleading verdicts.
func NewMCPToolbox(ctx context.Context, servers []*server.MCPServer, refs []model.AgentServer) (*MCPToolbox, error) {
	tb := &MCPToolbox{routes: make(map[string]*server.MCPServer)}

	for _, ref := range refs {
		srv, err := slices.Find(servers, func(s *server.MCPServer) bool { return s.Name == ref.Name })
		if err != nil {
			return nil, fmt.Errorf("server %q not found", ref.Name)
		}
		tb.servers = append(tb.servers, srv)

		toolsRes, err := srv.Client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return nil, fmt.Errorf("failed to list tools on server %q: %w", ref.Name, err)
		}
		if toolsRes == nil {
			return nil, fmt.Errorf("no tools response from server %q", ref.Name)
		}

		allowed := slices.Filter(toolsRes.Tools, func(tool mcp.Tool) bool {
			return len(ref.AllowedTools) == 0 || slices.Contains(ref.AllowedTools, tool.Name)
		})
		if len(allowed) == 0 {
			logger.Logger.Warn("No allowed tools on server", "server", ref.Name)
		}

		for _, tool := range allowed {
			if existing, collision := tb.routes[tool.Name]; collision {
				logger.Logger.Warn("Tool name collision, keeping first registration",
					"tool", tool.Name,
					"existing_server", existing.Name,
					"new_server", ref.Name)
				continue
			}
			tb.routes[tool.Name] = srv
			tb.defs = append(tb.defs, toLLMTool(tool))
		}

		names := slices.Map(allowed, func(tool mcp.Tool) string { return tool.Name })
		logger.Logger.Info("Server tools configured",
			"server", ref.Name,
			"tools", strings.Join(names, ", "))
	}

	return tb, nil
}

func (m *MCPToolbox) Tools() []llms.Tool {
	defs := make([]llms.Tool, len(m.defs))
	copy(defs, m.defs)
	return defs
}

func (m *MCPToolbox) Call(ctx context.Context, name string, arguments map[string]any) (string, error) {
	srv, ok := m.routes[name]
	if !ok {
		return "", fmt.Errorf("tool %q not found on any registered server", name)
	}

	var args any
	if len(arguments) > 0 {
		args = arguments
	}
	result, err := srv.Client.CallTool(ctx, mcp.CallToolRequest{
		Request: mcp.Request{
			Method: "tools/call",
		},
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to call tool %q on server %q: %w", name, srv.Name, err)
	}

	text, err := flattenResult(result)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result of tool %q: %w", name, err)
	}
	if result != nil && result.IsError {
		logger.Logger.Warn("Tool reported an error", "tool", name, "server", srv.Name)
	}
	return text, nil
}

// Close is a no-op: server connections are owned by the engine and shared
// between agents, so the toolbox must not tear them down.
func (m *MCPToolbox) Close() error { return nil }

func toLLMTool(tool mcp.Tool) llms.Tool {
	params := map[string]any{
		"type":       tool.InputSchema.Type,
		"properties": tool.InputSchema.Properties,
	}
	if len(tool.InputSchema.Required) > 0 {
		params["required"] = tool.InputSchema.Required
	}

	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  params,
		},
	}
}

// flattenResult extracts the human-readable payload of a tool result.
// Text-only results collapse to their joined text, which keeps tool output
// directly consumable by JSONPath extraction; anything richer is marshaled
// whole.
func flattenResult(result *mcp.CallToolResult) (string, error) {
	if result == nil {
		return "", nil
	}

	texts := make([]string, 0, len(result.Content))
	for _, content := range result.Content {
		tc, ok := content.(mcp.TextContent)
		if !ok {
			return sonic.MarshalString(result)
		}
		texts = append(texts, tc.Text)
	}
	return strings.Join(texts, "\n"), nil
}
