package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/caseline/internal/investigation"
	"github.com/kalambet/caseline/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service *investigation.Service
	Store   *storage.Store
}

// NewMCPServer creates an MCP server exposing investigation tools to agents
// that speak MCP instead of the REST API. The same ownership rules apply:
// a caller only sees its own investigations.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"caseline",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("caseline — investigation coordination and evidence-gated risk fusion for fraud analysis agents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("investigation_status",
			mcp.WithDescription("Fetch the current lifecycle stage, status, progress, and version of an investigation."),
			mcp.WithString("investigation_id", mcp.Description("Investigation identifier"), mcp.Required()),
			mcp.WithString("caller_id", mcp.Description("Identity of the requesting agent"), mcp.Required()),
		),
		mcpInvestigationStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("investigation_results",
			mcp.WithDescription("Fetch the final fused risk report of a completed investigation."),
			mcp.WithString("investigation_id", mcp.Description("Investigation identifier"), mcp.Required()),
			mcp.WithString("caller_id", mcp.Description("Identity of the requesting agent"), mcp.Required()),
		),
		mcpInvestigationResults(deps),
	)

	s.AddTool(
		mcp.NewTool("list_investigations",
			mcp.WithDescription("List the caller's investigations, newest first."),
			mcp.WithString("caller_id", mcp.Description("Identity of the requesting agent"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListInvestigations(deps),
	)

	return s
}

func mcpInvestigationStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("investigation_id")
		if err != nil {
			return mcpError("investigation_id is required"), nil
		}
		caller, err := req.RequireString("caller_id")
		if err != nil {
			return mcpError("caller_id is required"), nil
		}

		inv, err := deps.Service.Get(id, caller)
		if err != nil {
			return mcpError(fmt.Sprintf("status lookup failed: %v", err)), nil
		}

		b, err := json.Marshal(inv)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpInvestigationResults(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("investigation_id")
		if err != nil {
			return mcpError("investigation_id is required"), nil
		}
		caller, err := req.RequireString("caller_id")
		if err != nil {
			return mcpError("caller_id is required"), nil
		}

		res, err := deps.Service.Results(id, caller)
		if err != nil {
			return mcpError(fmt.Sprintf("results lookup failed: %v", err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListInvestigations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, err := req.RequireString("caller_id")
		if err != nil {
			return mcpError("caller_id is required"), nil
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		records, err := deps.Store.ListInvestigationsByOwner(caller, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("list failed: %v", err)), nil
		}

		type summary struct {
			ID        string `json:"investigation_id"`
			Stage     string `json:"lifecycle_stage"`
			Status    string `json:"status"`
			Version   int64  `json:"version"`
			CreatedAt string `json:"created_at"`
		}
		summaries := make([]summary, len(records))
		for i, rec := range records {
			summaries[i] = summary{
				ID:        rec.ID,
				Stage:     rec.Stage,
				Status:    rec.Status,
				Version:   rec.Version,
				CreatedAt: rec.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal investigations: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
