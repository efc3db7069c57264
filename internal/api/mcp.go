package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/folia/internal/records"
	"github.com/kalambet/folia/internal/storage"
	"github.com/kalambet/folia/internal/syncer"
)

// NewMCPServer creates an MCP server exposing the record store and sync
// controls as tools.
func NewMCPServer(deps AppDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"folia",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("folia: ethnobotanical records extracted from documents, with sync to a shared hub."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("process_document",
			mcp.WithDescription("Extract plant-use records from a document and store them locally."),
			mcp.WithString("name", mcp.Description("Document name, e.g. a file name")),
			mcp.WithString("text", mcp.Description("Plain text content")),
			mcp.WithString("content_base64", mcp.Description("Binary content (PDF, HTML, DOCX) as base64; used when text is empty")),
		),
		mcpProcessDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("search_records",
			mcp.WithDescription("Search stored records by free text, species, community or sync status."),
			mcp.WithString("query", mcp.Description("Free text matched against excerpts, names and uses")),
			mcp.WithString("species", mcp.Description("Scientific name, e.g. Quercus robur")),
			mcp.WithString("community", mcp.Description("Community name")),
			mcp.WithString("status", mcp.Description("Sync status: local, pending_push, synced, pending_pull or conflict")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpSearchRecords(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_now",
			mcp.WithDescription("Run one sync cycle with the remote hub and report what happened."),
		),
		mcpSyncNow(deps),
	)

	s.AddTool(
		mcp.NewTool("list_conflicts",
			mcp.WithDescription("List records whose local and remote versions diverged."),
		),
		mcpListConflicts(deps),
	)

	s.AddTool(
		mcp.NewTool("resolve_conflict",
			mcp.WithDescription("Resolve a sync conflict by keeping the local version, taking the remote one, or merging."),
			mcp.WithString("id", mcp.Description("Record id"), mcp.Required()),
			mcp.WithString("kind", mcp.Description("keep_local, take_remote or merge"), mcp.Required()),
			mcp.WithString("merged", mcp.Description("For merge: the merged record as JSON")),
		),
		mcpResolveConflict(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"folia://status",
			"Sync Status",
			mcp.WithResourceDescription("Record counts per sync status and the last sync cycle"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	return s
}

func mcpProcessDocument(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := req.GetString("name", "mcp")
		var content []byte
		mimeType := "text/plain"
		if text := req.GetString("text", ""); text != "" {
			content = []byte(text)
		} else if b64 := req.GetString("content_base64", ""); b64 != "" {
			decoded, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				return mcpError("content_base64 is not valid base64"), nil
			}
			content = decoded
			mimeType = ""
		}
		if len(content) == 0 {
			return mcpError("one of text or content_base64 is required"), nil
		}

		res, err := processNow(ctx, deps, name, mimeType, content)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save document: %v", err)), nil
		}
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		if res.Failed() {
			return mcpError(string(b)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchRecords(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}
		f := storage.RecordFilter{
			Text:         req.GetString("query", ""),
			SpeciesKey:   req.GetString("species", ""),
			CommunityKey: req.GetString("community", ""),
			Status:       records.SyncStatus(req.GetString("status", "")),
			Limit:        limit,
		}
		if f.Status != "" && !f.Status.Valid() {
			return mcpError(fmt.Sprintf("unknown status %q", f.Status)), nil
		}

		recs, err := deps.Records.List(ctx, f)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(recs) == 0 {
			return mcpText("[]"), nil
		}

		type recordResult struct {
			ID          records.RecordID   `json:"id"`
			Species     []string           `json:"species"`
			Communities []string           `json:"communities"`
			Uses        []string           `json:"uses,omitempty"`
			Excerpt     string             `json:"excerpt"`
			Status      records.SyncStatus `json:"status"`
		}
		results := make([]recordResult, len(recs))
		for i, r := range recs {
			results[i] = recordResult{
				ID:          r.ID,
				Species:     r.SpeciesKeys(),
				Communities: r.CommunityKeys(),
				Uses:        r.Uses,
				Status:      r.Status,
			}
			if len(r.Excerpts) > 0 {
				results[i].Excerpt = r.Excerpts[0]
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSyncNow(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rep, err := deps.Syncer.SyncNow(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		b, err := json.Marshal(rep)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal report: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListConflicts(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cs, err := deps.Records.Conflicts(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list conflicts: %v", err)), nil
		}
		if len(cs) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(cs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal conflicts: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResolveConflict(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		kind, err := req.RequireString("kind")
		if err != nil {
			return mcpError("kind is required"), nil
		}

		d := syncer.Decision{Kind: syncer.DecisionKind(kind)}
		if merged := req.GetString("merged", ""); merged != "" {
			var rec records.ArticleRecord
			if err := json.Unmarshal([]byte(merged), &rec); err != nil {
				return mcpError(fmt.Sprintf("invalid merged JSON: %v", err)), nil
			}
			d.Merged = &rec
		}

		rec, err := deps.Syncer.ResolveConflict(ctx, records.RecordID(id), d)
		if err != nil {
			return mcpError(fmt.Sprintf("resolve failed: %v", err)), nil
		}
		deps.kick()
		return mcpText(fmt.Sprintf("Record %s is now %s at revision %d", rec.ID, rec.Status, rec.Revision)), nil
	}
}

func mcpResourceStatus(deps AppDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		counts, err := deps.Records.StatusCounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count records: %w", err)
		}
		status := map[string]any{
			"counts":     counts,
			"last_cycle": deps.Syncer.LastReport(),
		}
		b, err := json.Marshal(status)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
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
