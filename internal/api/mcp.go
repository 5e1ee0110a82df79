package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ojeda/avisod/internal/downstream"
	"github.com/ojeda/avisod/internal/staging"
)

// MCPDeps holds dependencies for the MCP server. Same surface as the
// HTTP admin layer, minus the bearer token (stdio transport is local).
type MCPDeps struct {
	Store    *staging.Store
	Promoter *downstream.Promoter
}

// NewMCPServer creates an MCP server exposing the staging collection
// to agent tooling.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"avisod",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("avisod — staged service notices reconciled from the provider portal, awaiting validation or import."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_pending_records",
			mcp.WithDescription("List staged service records, newest first."),
			mcp.WithString("status", mcp.Description("Filter by internal status (pending_validation, in_system, archived, blocked, imported)")),
			mcp.WithBoolean("include_blocked", mcp.Description("Include blocked records (default false)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 50)")),
		),
		mcpListRecords(deps),
	)

	s.AddTool(
		mcp.NewTool("get_pending_record",
			mcp.WithDescription("Fetch one staged record by its service number."),
			mcp.WithString("id", mcp.Description("Normalized service number"), mcp.Required()),
		),
		mcpGetRecord(deps),
	)

	s.AddTool(
		mcp.NewTool("promote_record",
			mcp.WithDescription("Create a downstream alta record from a staged record and mark it imported."),
			mcp.WithString("id", mcp.Description("Normalized service number"), mcp.Required()),
			mcp.WithBoolean("fresh_id", mcp.Description("Mint a new downstream identifier instead of reusing the service number")),
		),
		mcpPromoteRecord(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_records",
			mcp.WithDescription("Permanently delete staged records by service number."),
			mcp.WithArray("ids", mcp.Description("Service numbers to delete"), mcp.Required()),
		),
		mcpDeleteRecords(deps),
	)

	s.AddTool(
		mcp.NewTool("list_runs",
			mcp.WithDescription("List recent reconciliation runs with their outcome counters."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 20)")),
		),
		mcpListRuns(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"avisod://records/missing",
			"Missing Records",
			mcp.WithResourceDescription("Staged records that have disappeared from the portal without a completed downstream match"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceMissing(deps),
	)

	return s
}

func mcpListRecords(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 50)
		if limit <= 0 {
			limit = 50
		}
		if limit > 500 {
			limit = 500
		}

		records, err := deps.Store.List(staging.ListOptions{
			Status:         req.GetString("status", ""),
			IncludeBlocked: req.GetBool("include_blocked", false),
			Limit:          limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list records: %v", err)), nil
		}

		if len(records) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(recordSummaries(records))
	}
}

func mcpGetRecord(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		rec, err := deps.Store.Get(id)
		if errors.Is(err, staging.ErrNotFound) {
			return mcpError(fmt.Sprintf("record %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get record: %v", err)), nil
		}
		return mcpJSON(rec)
	}
}

func mcpPromoteRecord(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		res, err := deps.Promoter.Promote(ctx, id, req.GetBool("fresh_id", false))
		switch {
		case errors.Is(err, staging.ErrNotFound):
			return mcpError(fmt.Sprintf("record %s not found", id)), nil
		case errors.Is(err, downstream.ErrPromoteBlocked):
			return mcpError(fmt.Sprintf("record %s is blocked and cannot be promoted", id)), nil
		case errors.Is(err, downstream.ErrPromoteInsufficient):
			return mcpError(fmt.Sprintf("record %s lacks the minimum data to promote", id)), nil
		case err != nil:
			return mcpError(fmt.Sprintf("promotion failed: %v", err)), nil
		}

		if res.AlreadyExists {
			return mcpText(fmt.Sprintf("Record %s already imported as %s", res.ID, res.DownstreamID)), nil
		}
		return mcpText(fmt.Sprintf("Promoted record %s as %s", res.ID, res.DownstreamID)), nil
	}
}

func mcpDeleteRecords(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ids := req.GetStringSlice("ids", nil)
		if len(ids) == 0 {
			return mcpError("ids is required and must not be empty"), nil
		}

		n, err := deps.Store.DeleteMany(ids)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to delete records: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Deleted %d of %d records", n, len(ids))), nil
	}
}

func mcpListRuns(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		runs, err := deps.Store.ListRuns(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list runs: %v", err)), nil
		}
		if len(runs) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(runs)
	}
}

func mcpResourceMissing(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		records, err := deps.Store.List(staging.ListOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to list records: %w", err)
		}

		var missing []staging.PendingRecord
		for _, r := range records {
			if r.MissingFromSource && r.InternalStatus != staging.StatusArchived {
				missing = append(missing, r)
			}
		}

		b, err := json.Marshal(recordSummaries(missing))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal records: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

type recordSummary struct {
	ID             string `json:"id"`
	ClientName     string `json:"client_name"`
	Address        string `json:"address"`
	Phone          string `json:"phone"`
	InternalStatus string `json:"internal_status"`
	IntegratedIn   string `json:"integrated_in,omitempty"`
	Missing        bool   `json:"missing_from_source,omitempty"`
	UpdatedAt      string `json:"updated_at"`
}

func recordSummaries(records []staging.PendingRecord) []recordSummary {
	summaries := make([]recordSummary, len(records))
	for i, r := range records {
		name := r.ClientName
		if utf8.RuneCountInString(name) > 200 {
			runes := []rune(name)
			name = string(runes[:200]) + "..."
		}
		summaries[i] = recordSummary{
			ID:             r.ID,
			ClientName:     name,
			Address:        r.Address,
			Phone:          r.Phone,
			InternalStatus: r.InternalStatus,
			IntegratedIn:   r.IntegratedIn,
			Missing:        r.MissingFromSource,
			UpdatedAt:      r.UpdatedAt.Format(time.RFC3339),
		}
	}
	return summaries
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
