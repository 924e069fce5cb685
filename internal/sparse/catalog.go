package sparse

import (
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/lydakis/mcpbrowser/internal/registry"
)

// Virtual tool names.
const (
	ToolDiscover   = "discover"
	ToolCall       = "call"
	ToolOnboarding = "onboarding"
)

// IsVirtualTool reports whether name is one of the three virtual tools.
func IsVirtualTool(name string) bool {
	switch name {
	case ToolDiscover, ToolCall, ToolOnboarding:
		return true
	}
	return false
}

// Catalog returns the three virtual tools describing snap.
func Catalog(snap *registry.Snapshot) []mcp.Tool {
	tools, servers := snap.ToolCount(), snap.ServerCount()
	return []mcp.Tool{
		{
			Name: ToolDiscover,
			Description: fmt.Sprintf(
				"Discover available tools and servers using JSONPath. %d tools from %d servers available.",
				tools, servers),
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"jsonpath": map[string]any{
						"type":        "string",
						"description": "JSONPath expression (e.g., '$.tools[*].name')",
					},
				},
				Required: []string{"jsonpath"},
			},
		},
		{
			Name: ToolCall,
			Description: fmt.Sprintf(
				"Execute any MCP tool by constructing a JSON-RPC call. Reaches all %d hidden tools.",
				tools),
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"method": map[string]any{
						"type":        "string",
						"description": "JSON-RPC method (e.g., 'tools/call')",
					},
					"params": map[string]any{
						"type":        "object",
						"description": "Method parameters",
					},
				},
				Required: []string{"method", "params"},
			},
		},
		{
			Name:        ToolOnboarding,
			Description: "Get or set identity-specific onboarding instructions for AI contexts.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"identity": map[string]any{
						"type":        "string",
						"description": "Identity for onboarding (e.g., 'Claude', project name)",
					},
					"instructions": map[string]any{
						"type":        "string",
						"description": "Optional: Set new instructions. If omitted, retrieves existing.",
					},
					"append": map[string]any{
						"type":        "boolean",
						"description": "Append to existing instructions instead of replacing",
						"default":     false,
					},
				},
				Required: []string{"identity"},
			},
		},
	}
}
