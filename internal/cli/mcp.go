package cli

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/retrieval"
)

const serverVersion = "0.1.0"

func init() {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve memory tools over the Model Context Protocol (stdio)",
		Run:   runMCP,
	}

	RootCmd.AddCommand(cmd)
}

func runMCP(cmd *cobra.Command, args []string) {
	a := mustOpenApp()
	defer a.Close()

	if err := server.ServeStdio(newMCPServer(a)); err != nil {
		exitErr("mcp", err)
	}
}

// mcpTools adapts the memory core to MCP tool handlers.
type mcpTools struct {
	app *app
}

func newMCPServer(a *app) *server.MCPServer {
	s := server.NewMCPServer("tiermem", serverVersion, server.WithToolCapabilities(true))
	t := &mcpTools{app: a}

	s.AddTool(mcp.NewTool("memory_add",
		mcp.WithDescription("Store a conversation turn as a base memory. May trigger a snapshot of its category."),
		mcp.WithString("content", mcp.Required(), mcp.Description("The turn text, e.g. 'User: ...\\nAssistant: ...'")),
		mcp.WithString("user_id", mcp.Description("User id")),
		mcp.WithString("session_id", mcp.Description("Session id")),
		mcp.WithString("category", mcp.Description("Category hint used to group memories into snapshots")),
		mcp.WithObject("context", mcp.Description("Extra context stored as other_context")),
	), t.handleAdd)

	s.AddTool(mcp.NewTool("memory_retrieve",
		mcp.WithDescription("Find base memories relevant to a query, best first, with a score and reason for each."),
		mcp.WithString("query", mcp.Required(), mcp.Description("The current user query")),
		mcp.WithString("user_id", mcp.Description("User id of the asking user")),
		mcp.WithString("session_id", mcp.Description("Current session id")),
		mcp.WithNumber("top_k", mcp.Description("Max results")),
		mcp.WithArray("history", mcp.Description("Prior turns: [{is_user, content, timestamp}]"),
			mcp.Items(map[string]any{"type": "object"})),
		mcp.WithBoolean("include_snapshots", mcp.Description("Also return matching snapshots")),
	), t.handleRetrieve)

	s.AddTool(mcp.NewTool("memory_get",
		mcp.WithDescription("Fetch a memory, snapshot or meta-snapshot by id."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Record id (memory_, snapshot_ or meta_ prefix)")),
	), t.handleGet)

	s.AddTool(mcp.NewTool("memory_find_category",
		mcp.WithDescription("List snapshots (or other tiers) in a category."),
		mcp.WithString("category", mcp.Required(), mcp.Description("Category")),
		mcp.WithString("kind", mcp.Description("memory, snapshot or meta (default snapshot)")),
	), t.handleFindCategory)

	s.AddTool(mcp.NewTool("memory_snapshot",
		mcp.WithDescription("Summarize the given base memories into a snapshot."),
		mcp.WithArray("memory_ids", mcp.Required(), mcp.Description("Base memory ids"), mcp.WithStringItems()),
		mcp.WithString("category", mcp.Description("Category override")),
	), t.handleSnapshot)

	s.AddTool(mcp.NewTool("memory_cleanup",
		mcp.WithDescription("Delete base memories older than the retention window."),
		mcp.WithNumber("days", mcp.Description("Retention in days (default from config)")),
	), t.handleCleanup)

	return s
}

func toolJSON(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (t *mcpTools) handleAdd(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return mcp.NewToolResultError("content is required"), nil
	}
	user, _ := args["user_id"].(string)
	session, _ := args["session_id"].(string)
	category, _ := args["category"].(string)

	mctx, err := buildContext(user, session, category, "", "")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if extra, ok := args["context"].(map[string]any); ok {
		if mctx.OtherContext == nil {
			mctx.OtherContext = map[string]any{}
		}
		for k, v := range extra {
			if _, set := mctx.OtherContext[k]; !set {
				mctx.OtherContext[k] = v
			}
		}
	}

	res, err := t.app.manager.AddMemory(ctx, strings.TrimSpace(content), mctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("add error: %v", err)), nil
	}
	return toolJSON(res)
}

func (t *mcpTools) handleRetrieve(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	req := retrieval.Request{
		CurrentQuery: query,
		Timestamp:    t.app.manager.Now(),
	}
	req.UserID, _ = args["user_id"].(string)
	req.SessionID, _ = args["session_id"].(string)
	req.IncludeSnapshots, _ = args["include_snapshots"].(bool)
	if k, ok := args["top_k"].(float64); ok {
		req.TopK = int(k)
	}
	if raw, ok := args["history"]; ok {
		b, _ := json.Marshal(raw)
		if err := json.Unmarshal(b, &req.History); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid history: %v", err)), nil
		}
	}

	resp, err := t.app.engine.Retrieve(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("retrieve error: %v", err)), nil
	}
	return toolJSON(resp)
}

func (t *mcpTools) handleGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	id, _ := args["id"].(string)
	kind, ok := model.KindOf(id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("cannot infer kind of %q", id)), nil
	}
	rec, found, err := t.app.store.Load(ctx, kind, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get error: %v", err)), nil
	}
	if !found {
		return mcp.NewToolResultError(fmt.Sprintf("%s %s not found", kind, id)), nil
	}
	return toolJSON(rec)
}

func (t *mcpTools) handleFindCategory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	category, _ := args["category"].(string)
	kind := model.KindSnapshot
	if k, _ := args["kind"].(string); k != "" {
		parsed, err := model.ParseKind(k)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		kind = parsed
	}
	recs, err := t.app.manager.FindByCategory(ctx, kind, category)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("find error: %v", err)), nil
	}
	if recs == nil {
		recs = []model.Record{}
	}
	return toolJSON(recs)
}

func (t *mcpTools) handleSnapshot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	var ids []string
	if raw, ok := args["memory_ids"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				ids = append(ids, s)
			}
		}
	}
	if len(ids) == 0 {
		return mcp.NewToolResultError("memory_ids is required"), nil
	}
	category, _ := args["category"].(string)

	snap, err := t.app.manager.CreateSnapshot(ctx, ids, category, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("snapshot error: %v", err)), nil
	}
	return toolJSON(snap)
}

func (t *mcpTools) handleCleanup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	days := cfg.Maintenance.RetentionDays
	if d, ok := args["days"].(float64); ok {
		// out-of-range float to int conversion is implementation-defined
		days = int(math.Max(math.MinInt32, math.Min(d, math.MaxInt32)))
	}
	removed, err := t.app.maint.CleanupOldMemories(ctx, days)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cleanup error: %v", err)), nil
	}
	return toolJSON(map[string]any{"removed": removed, "count": len(removed)})
}
