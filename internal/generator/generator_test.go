package generator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/tiered-memory/internal/model"
)

type stubClient struct {
	obj     map[string]any
	err     error
	prompts []string
}

func (s *stubClient) Complete(context.Context, string) (string, error) { return "", nil }

func (s *stubClient) GenerateStructured(_ context.Context, prompt string) (map[string]any, error) {
	s.prompts = append(s.prompts, prompt)
	return s.obj, s.err
}

func memories(contents ...string) []*model.BaseMemory {
	now := time.Now()
	out := make([]*model.BaseMemory, len(contents))
	for i, c := range contents {
		out[i] = &model.BaseMemory{
			ID:        model.NewID(model.KindMemory, now),
			Content:   c,
			Timestamp: model.NewTimestamp(now),
			Context:   model.MemoryContext{UserID: "u1", SessionID: "s1", OtherContext: map[string]any{"category": "travel"}},
		}
	}
	return out
}

func snapshot(category string, points ...string) *model.MemorySnapshot {
	now := time.Now()
	return &model.MemorySnapshot{
		ID:         model.NewID(model.KindSnapshot, now),
		KeyPoints:  points,
		MemoryRefs: []string{"memory_x"},
		Category:   category,
		Timestamp:  model.NewTimestamp(now),
		Importance: 0.5,
	}
}

func TestLLMGenerator_SummarizeMemories(t *testing.T) {
	client := &stubClient{obj: map[string]any{
		"key_points": []any{"Flight to Lisbon", " ", "Hotel near Alfama", "a", "b", "c", "d"},
		"category":   " travel ",
		"importance": 0.8,
	}}
	g := NewLLM(client)

	sum, err := g.SummarizeMemories(context.Background(), memories("User: book a flight to Lisbon"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Flight to Lisbon", "Hotel near Alfama", "a", "b", "c"}, sum.KeyPoints)
	assert.Equal(t, "travel", sum.Category)
	assert.Equal(t, 0.8, sum.Importance)
	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "book a flight to Lisbon")
}

func TestLLMGenerator_CoercesImportanceAndCategory(t *testing.T) {
	tests := []struct {
		name       string
		importance any
		want       float64
	}{
		{"too high", 3.0, 1},
		{"negative", -0.2, 0},
		{"numeric string", "0.25", 0.25},
		{"garbage string", "very", DefaultImportance},
		{"missing", nil, DefaultImportance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := map[string]any{"key_points": "- one\n- two"}
			if tt.importance != nil {
				obj["importance"] = tt.importance
			}
			g := NewLLM(&stubClient{obj: obj}, WithMaxKeyPoints(3))
			sum, err := g.SummarizeMemories(context.Background(), memories("hello there"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, sum.Importance)
			assert.Equal(t, model.DefaultCategory, sum.Category)
			assert.Equal(t, []string{"one", "two"}, sum.KeyPoints)
		})
	}
}

func TestLLMGenerator_Failures(t *testing.T) {
	ctx := context.Background()

	g := NewLLM(&stubClient{err: errors.New("timeout")})
	_, err := g.SummarizeMemories(ctx, memories("x"))
	assert.ErrorIs(t, err, model.ErrGeneration)

	g = NewLLM(&stubClient{obj: map[string]any{"category": "travel"}})
	_, err = g.SummarizeMemories(ctx, memories("x"))
	assert.ErrorIs(t, err, model.ErrGeneration, "no key points is unusable")

	_, err = g.SummarizeMemories(ctx, nil)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = g.SummarizeSnapshots(ctx, nil)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestLLMGenerator_SummarizeSnapshots(t *testing.T) {
	client := &stubClient{obj: map[string]any{
		"keywords":    "lisbon, Flights, flights, hotels",
		"description": " Trips to Portugal ",
	}}
	g := NewLLM(client)

	sum, err := g.SummarizeSnapshots(context.Background(), []*model.MemorySnapshot{
		snapshot("travel", "flight"), snapshot("travel", "hotel"), snapshot("food", "pastel de nata"),
	})
	require.NoError(t, err)
	assert.Equal(t, "travel", sum.Category, "falls back to the most common input category")
	assert.Equal(t, []string{"lisbon", "Flights", "hotels"}, sum.Keywords)
	assert.Equal(t, "Trips to Portugal", sum.Description)
}

func TestKeywordGenerator(t *testing.T) {
	ctx := context.Background()
	g := NewKeyword(2)

	sum, err := g.SummarizeMemories(ctx, memories(
		"User: I want to fly to Lisbon. Something cheap.",
		"Assistant: Found flights to Lisbon in April!",
		"user: what about hotels?",
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"I want to fly to Lisbon.", "Found flights to Lisbon in April!"}, sum.KeyPoints)
	assert.Equal(t, "travel", sum.Category)
	assert.Equal(t, DefaultImportance, sum.Importance)

	meta, err := g.SummarizeSnapshots(ctx, []*model.MemorySnapshot{
		snapshot("travel", "Flight to Lisbon", "Lisbon hotel"),
		snapshot("travel", "Lisbon tram tickets"),
	})
	require.NoError(t, err)
	assert.Equal(t, "travel", meta.Category)
	require.NotEmpty(t, meta.Keywords)
	assert.Equal(t, "lisbon", meta.Keywords[0])
	assert.Contains(t, meta.Description, "2 snapshots about travel")

	again, err := g.SummarizeSnapshots(ctx, []*model.MemorySnapshot{
		snapshot("travel", "Flight to Lisbon", "Lisbon hotel"),
		snapshot("travel", "Lisbon tram tickets"),
	})
	require.NoError(t, err)
	assert.Equal(t, meta.Keywords, again.Keywords)
}

func TestLeadSentence(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"speaker marker", "User: Book the hotel. Then rest.", "Book the hotel."},
		{"abbreviation", "Fly to St. Louis on Friday. Then rest.", "Fly to St. Louis on Friday."},
		{"initial", "Meet J. Smith at noon. Bring coffee.", "Meet J. Smith at noon."},
		{"decimal", "Budget is 3.5 thousand euros. Flexible.", "Budget is 3.5 thousand euros."},
		{"url", "https://example.com/x is the link", "https://example.com/x is the link"},
		{"url after speaker", "User: https://example.com/a.b?c=1 check this! ok", "https://example.com/a.b?c=1 check this!"},
		{"chinese", "用户: 我要去里斯本。帮我订机票", "我要去里斯本。"},
		{"skips blank lines", "\n\n  no terminator here", "no terminator here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, leadSentence(tt.in))
		})
	}
}

func TestKeywordGenerator_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewKeyword(0).SummarizeMemories(ctx, memories("x"))
	assert.ErrorIs(t, err, model.ErrGeneration)
}

func TestMostCommon(t *testing.T) {
	assert.Equal(t, "a", mostCommon([]string{"a", "b"}))
	assert.Equal(t, "b", mostCommon([]string{"a", "b", "b", ""}))
	assert.Equal(t, "", mostCommon(nil))
}
