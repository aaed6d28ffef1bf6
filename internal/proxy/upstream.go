// ABOUTME: Upstream session interface covering the MCP operations the adapter forwards
// ABOUTME: Satisfied by *mcp.ClientSession; tests substitute fakes

package proxy

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Upstream is the slice of an MCP client session the adapter depends on.
// *mcp.ClientSession implements it.
type Upstream interface {
	ID() string
	InitializeResult() *mcp.InitializeResult

	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)

	ListPrompts(ctx context.Context, params *mcp.ListPromptsParams) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error)

	ListResources(ctx context.Context, params *mcp.ListResourcesParams) (*mcp.ListResourcesResult, error)
	ListResourceTemplates(ctx context.Context, params *mcp.ListResourceTemplatesParams) (*mcp.ListResourceTemplatesResult, error)
	ReadResource(ctx context.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error)
	Subscribe(ctx context.Context, params *mcp.SubscribeParams) error
	Unsubscribe(ctx context.Context, params *mcp.UnsubscribeParams) error

	Ping(ctx context.Context, params *mcp.PingParams) error
	Complete(ctx context.Context, params *mcp.CompleteParams) (*mcp.CompleteResult, error)
	NotifyProgress(ctx context.Context, params *mcp.ProgressNotificationParams) error

	Close() error
}

// Capability family names, matching the MCP capability keys advertised by
// servers during initialize.
const (
	FamilyTools     = "tools"
	FamilyPrompts   = "prompts"
	FamilyResources = "resources"
)
