// Package mcp exposes the state query layer over the Model Context
// Protocol, so MCP-compatible agents can query state the same way the
// in-process tool handlers do.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/KohlJary/statebus/internal/query"
	"github.com/KohlJary/statebus/internal/toolapi"
)

// Server wraps the MCP server around the tool API.
type Server struct {
	mcpServer *mcpserver.MCPServer
	api       *toolapi.API
	logger    *slog.Logger
}

// New creates and configures the MCP server with all state query tools.
func New(api *toolapi.API, logger *slog.Logger) *Server {
	s := &Server{
		api:    api,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"statebus",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	// query_state — structured query against a registered source.
	s.mcpServer.AddTool(
		mcplib.NewTool("query_state",
			mcplib.WithDescription("Run a structured state query against a registered source"),
			mcplib.WithString("source", mcplib.Description("Source identifier (e.g. tokens, github, schedule)"), mcplib.Required()),
			mcplib.WithString("metric", mcplib.Description("Metric name, or 'all' for every metric")),
			mcplib.WithString("time_preset", mcplib.Description("Time window: today, yesterday, last_24h, last_7d, last_30d, this_week, this_month, all_time")),
			mcplib.WithString("aggregation", mcplib.Description("Aggregation: sum, avg, count, max, min, latest")),
			mcplib.WithString("group_by", mcplib.Description("Dimension to group results by")),
			mcplib.WithString("filters", mcplib.Description("JSON object of filter key/value pairs")),
		),
		s.handleQueryState,
	)

	// discover_capabilities — semantic search over the capability index.
	s.mcpServer.AddTool(
		mcplib.NewTool("discover_capabilities",
			mcplib.WithDescription("Find which sources and metrics can answer a natural-language question"),
			mcplib.WithString("query", mcplib.Description("Natural language description of the information needed"), mcplib.Required()),
			mcplib.WithNumber("limit", mcplib.Description("Maximum capabilities to return")),
			mcplib.WithString("source", mcplib.Description("Restrict the search to one source's metrics")),
			mcplib.WithString("tags", mcplib.Description("Comma-separated tags; matches must carry at least one")),
		),
		s.handleDiscoverCapabilities,
	)

	// list_capabilities — full catalog grouped by source.
	s.mcpServer.AddTool(
		mcplib.NewTool("list_capabilities",
			mcplib.WithDescription("List every queryable metric, grouped by source"),
		),
		s.handleListCapabilities,
	)

	// ask_state — natural language end to end.
	s.mcpServer.AddTool(
		mcplib.NewTool("ask_state",
			mcplib.WithDescription("Answer a natural-language question about system state end to end"),
			mcplib.WithString("question", mcplib.Description("The question to answer"), mcplib.Required()),
		),
		s.handleAskState,
	)
}

func (s *Server) handleQueryState(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	source := request.GetString("source", "")
	if source == "" {
		return errorResult("source is required"), nil
	}

	q := query.StateQuery{
		Source:      source,
		Metric:      request.GetString("metric", ""),
		Aggregation: query.AggFunc(request.GetString("aggregation", "")),
		GroupBy:     request.GetString("group_by", ""),
	}
	if preset := request.GetString("time_preset", ""); preset != "" {
		q.Time = &query.TimeSpec{Preset: query.TimePreset(preset)}
	}
	if raw := request.GetString("filters", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &q.Filters); err != nil {
			return errorResult("filters must be a JSON object of string pairs"), nil
		}
	}

	return toolResult(s.api.ExecuteStateQuery(ctx, q)), nil
}

func (s *Server) handleDiscoverCapabilities(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	text := request.GetString("query", "")
	if text == "" {
		return errorResult("query is required"), nil
	}
	limit := request.GetInt("limit", 5)
	source := request.GetString("source", "")

	var tags []string
	if raw := request.GetString("tags", ""); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}

	return toolResult(s.api.ExecuteDiscoverCapabilities(ctx, text, limit, source, tags)), nil
}

func (s *Server) handleListCapabilities(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return toolResult(s.api.ExecuteListCapabilities(ctx)), nil
}

func (s *Server) handleAskState(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	question := request.GetString("question", "")
	if question == "" {
		return errorResult("question is required"), nil
	}

	return toolResult(s.api.ExecuteAskState(ctx, question)), nil
}

// toolResult renders a tool Response as MCP content. Failed responses keep
// their self-describing message and set IsError so agents can react.
func toolResult(resp toolapi.Response) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: resp.Result},
		},
		IsError: !resp.Success,
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
