package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/lexrag/internal/ingest"
	"github.com/kalambet/lexrag/internal/retrieval"
	"github.com/kalambet/lexrag/internal/storage"
	"github.com/kalambet/lexrag/internal/temporal"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Ingest   Ingester
	Retrieve Retriever
	Concepts ConceptResolver
	Version  string
}

// NewMCPServer creates an MCP server exposing ingestion, job status,
// retrieval and concept resolution as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"lexrag",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("lexrag answers questions over Thai and English statutes. Use query for retrieval; pass as_of to see the law as it stood on a date."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ingest",
			mcp.WithDescription("Queue a collection, or specific source documents of it, for ingestion. Returns a job id."),
			mcp.WithString("collection", mcp.Description("Collection name"), mcp.Required()),
			mcp.WithArray("source_ids", mcp.Description("Optional source ids; the whole collection when omitted"), mcp.WithStringItems()),
			mcp.WithBoolean("force", mcp.Description("Reprocess documents already ingested")),
		),
		mcpIngest(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Report the state of an ingest job and each of its documents."),
			mcp.WithString("job_id", mcp.Description("Job id returned by ingest"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("query",
			mcp.WithDescription("Retrieve statute text relevant to a question, with source document, hierarchy path and validity interval."),
			mcp.WithString("query", mcp.Description("Question or citation such as มาตรา 56"), mcp.Required()),
			mcp.WithString("as_of", mcp.Description("Date (YYYY-MM-DD) the law should be read at; defaults to today")),
			mcp.WithNumber("k", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("resolve_concept",
			mcp.WithDescription("Return the text of a provision in force at a date together with its amendment history."),
			mcp.WithString("key", mcp.Description("Concept key, <law key>#<section>"), mcp.Required()),
			mcp.WithString("as_of", mcp.Description("Date (YYYY-MM-DD); defaults to the version currently in force")),
		),
		mcpResolveConcept(deps),
	)

	return s
}

func mcpIngest(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		collection, err := req.RequireString("collection")
		if err != nil {
			return mcpError("collection is required"), nil
		}
		in := ingest.IngestRequest{
			Collection: collection,
			SourceIDs:  req.GetStringSlice("source_ids", nil),
			Force:      req.GetBool("force", false),
		}
		jobID, err := deps.Ingest.Ingest(ctx, in)
		if err != nil {
			return mcpError(fmt.Sprintf("ingest failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued job %s", jobID)), nil
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		st, err := deps.Ingest.JobStatus(ctx, jobID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", jobID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("job status failed: %v", err)), nil
		}
		return mcpJSON(st)
	}
}

func mcpQuery(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		asOf, err := parseDate(req.GetString("as_of", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}
		k := req.GetInt("k", retrieval.DefaultK)
		if k <= 0 {
			k = retrieval.DefaultK
		}
		if k > maxK {
			k = maxK
		}

		results, err := deps.Retrieve.Query(ctx, retrieval.Query{Text: query, AsOf: asOf, K: k})
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}
		if len(results) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(results)
	}
}

func mcpResolveConcept(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}
		asOf, err := parseDate(req.GetString("as_of", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}
		resp, err := lookupConcept(ctx, deps.Concepts, key, asOf)
		if errors.Is(err, temporal.ErrNotFound) {
			return mcpError(fmt.Sprintf("concept %s not found", key)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("resolve failed: %v", err)), nil
		}
		return mcpJSON(resp)
	}
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
