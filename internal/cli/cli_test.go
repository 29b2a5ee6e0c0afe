package cli

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/tiered-memory/internal/config"
	"github.com/rcliao/tiered-memory/internal/generator"
	"github.com/rcliao/tiered-memory/internal/maintenance"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/retrieval"
	"github.com/rcliao/tiered-memory/internal/snapshot"
	"github.com/rcliao/tiered-memory/internal/store"
)

type stubLLM struct {
	prompts []string
	answer  string
}

func (c *stubLLM) Complete(_ context.Context, prompt string) (string, error) {
	c.prompts = append(c.prompts, prompt)
	return c.answer, nil
}

func (c *stubLLM) GenerateStructured(context.Context, string) (map[string]any, error) {
	return nil, errors.New("not used")
}

func newTestApp(t *testing.T, client *stubLLM) *app {
	t.Helper()
	c, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	cfg = c

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "cli.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	a := &app{
		store:   s,
		manager: snapshot.NewManager(s, generator.NewKeyword(5), cfg.ManagerConfig()),
		engine:  retrieval.New(s, cfg.RetrievalConfig()),
		maint:   maintenance.New(s),
	}
	if client != nil {
		a.llm = client
	}
	return a
}

func TestBuildContext(t *testing.T) {
	mctx, err := buildContext("u1", "", "travel", `{"mood":"curious"}`, `{"name":"flights.search","response":{"count":3}}`)
	require.NoError(t, err)
	assert.Equal(t, "u1", mctx.UserID)
	assert.NotEmpty(t, mctx.SessionID)
	assert.Equal(t, "travel", mctx.CategoryHint())
	assert.Equal(t, "curious", mctx.OtherContext["mood"])
	require.NotNil(t, mctx.APICall)
	assert.Equal(t, "flights.search", mctx.APICall.Name)

	_, err = buildContext("", "s1", "", "{broken", "")
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestAskPrompt(t *testing.T) {
	ts, err := model.ParseTimestamp("2025-06-01T10:00:00.000Z")
	require.NoError(t, err)
	mem := &model.BaseMemory{
		ID:        "memory_1",
		Content:   "User: my flight lands at 10:30\n",
		Timestamp: ts,
	}
	p := askPrompt("when do I land?", []*model.BaseMemory{mem})
	assert.Contains(t, p, "[2025-06-01T10:00:00.000Z]\nUser: my flight lands at 10:30\n")
	assert.True(t, strings.HasSuffix(p, "Question: when do I land?"))

	assert.Contains(t, askPrompt("hi", nil), "No earlier conversation is relevant.")
}

func TestAskStoresExchange(t *testing.T) {
	client := &stubLLM{answer: "  You fly to Lisbon in April.\n"}
	a := newTestApp(t, client)
	ctx := context.Background()

	mctx, err := buildContext("u1", "s1", "travel", "", "")
	require.NoError(t, err)
	_, err = a.manager.AddMemory(ctx, "User: book a flight to Lisbon in April", mctx)
	require.NoError(t, err)

	res, err := ask(ctx, a, "when is my Lisbon flight", "u1", "s1", "travel", true)
	require.NoError(t, err)

	assert.Equal(t, "You fly to Lisbon in April.", res.Answer)
	require.Len(t, res.Used, 1)
	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "book a flight to Lisbon in April")

	require.NotNil(t, res.Stored)
	assert.Equal(t, "User: when is my Lisbon flight\nAssistant: You fly to Lisbon in April.", res.Stored.Memory.Content)
	assert.Equal(t, "travel", res.Stored.Group)
}

func TestAskWithoutStoring(t *testing.T) {
	a := newTestApp(t, &stubLLM{answer: "nothing yet"})

	res, err := ask(context.Background(), a, "anything", "", "s1", "", false)
	require.NoError(t, err)
	assert.Empty(t, res.Used)
	assert.Nil(t, res.Stored)

	st, err := a.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Memories)
}

func callTool(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return res, text.Text
}

func TestMCPTools(t *testing.T) {
	a := newTestApp(t, nil)
	tools := &mcpTools{app: a}
	require.NotNil(t, newMCPServer(a))

	res, text := callTool(t, tools.handleAdd, map[string]any{
		"content":  "User: flight to Lisbon in April",
		"user_id":  "u1",
		"category": "travel",
		"context":  map[string]any{"mood": "excited"},
	})
	require.False(t, res.IsError, text)
	var added snapshot.AddResult
	require.NoError(t, json.Unmarshal([]byte(text), &added))
	assert.Equal(t, "travel", added.Group)
	assert.Equal(t, "excited", added.Memory.Context.OtherContext["mood"])

	res, text = callTool(t, tools.handleGet, map[string]any{"id": added.Memory.ID})
	require.False(t, res.IsError, text)
	assert.Contains(t, text, "flight to Lisbon")

	res, text = callTool(t, tools.handleRetrieve, map[string]any{
		"query":   "Lisbon flight",
		"user_id": "u1",
		"top_k":   float64(3),
		"history": []any{map[string]any{"is_user": true, "content": "planning a trip"}},
	})
	require.False(t, res.IsError, text)
	var resp retrieval.Response
	require.NoError(t, json.Unmarshal([]byte(text), &resp))
	require.Len(t, resp.RelevantMemories, 1)
	assert.Equal(t, added.Memory.ID, resp.RelevantMemories[0].MemoryID)

	res, text = callTool(t, tools.handleSnapshot, map[string]any{"memory_ids": []any{added.Memory.ID}})
	require.False(t, res.IsError, text)

	res, text = callTool(t, tools.handleFindCategory, map[string]any{"category": "travel"})
	require.False(t, res.IsError, text)
	var snaps []map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &snaps))
	assert.Len(t, snaps, 1)

	res, text = callTool(t, tools.handleCleanup, map[string]any{"days": float64(30)})
	require.False(t, res.IsError, text)
	assert.Contains(t, text, `"count": 0`)
}

func TestMCPToolErrors(t *testing.T) {
	tools := &mcpTools{app: newTestApp(t, nil)}

	res, text := callTool(t, tools.handleAdd, map[string]any{"content": " "})
	assert.True(t, res.IsError)
	assert.Equal(t, "content is required", text)

	res, _ = callTool(t, tools.handleGet, map[string]any{"id": "nope"})
	assert.True(t, res.IsError)

	res, text = callTool(t, tools.handleGet, map[string]any{"id": "memory_missing"})
	assert.True(t, res.IsError)
	assert.Contains(t, text, "not found")

	res, text = callTool(t, tools.handleSnapshot, map[string]any{"memory_ids": []any{"memory_missing"}})
	assert.True(t, res.IsError)
	assert.Contains(t, text, "memory_missing")

	res, _ = callTool(t, tools.handleCleanup, map[string]any{"days": float64(-1)})
	assert.True(t, res.IsError)
}

func TestMCPCleanupHugeDaysKeepsMemories(t *testing.T) {
	a := newTestApp(t, nil)
	tools := &mcpTools{app: a}
	res, text := callTool(t, tools.handleAdd, map[string]any{"content": "User: flight to Lisbon in April"})
	require.False(t, res.IsError, text)

	for _, days := range []float64{200_000, 1e12, 1e300} {
		res, text = callTool(t, tools.handleCleanup, map[string]any{"days": days})
		require.False(t, res.IsError, text)
		assert.Contains(t, text, `"count": 0`)
	}

	ids, err := a.store.ListIDs(context.Background(), model.KindMemory, store.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}
