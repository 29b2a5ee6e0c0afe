// Package generator turns batches of memories into snapshot summaries and
// batches of snapshots into meta-snapshot summaries.
package generator

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/rcliao/tiered-memory/internal/model"
)

// DefaultMaxKeyPoints bounds the key points kept from one summary.
const DefaultMaxKeyPoints = 5

// DefaultImportance is used when the collaborator omits importance or returns junk.
const DefaultImportance = 0.5

// MemorySummary is the payload for a new MemorySnapshot.
type MemorySummary struct {
	KeyPoints  []string `json:"key_points"`
	Category   string   `json:"category"`
	Importance float64  `json:"importance"`
}

// SnapshotSummary is the payload for a new MetaSnapshot.
type SnapshotSummary struct {
	Category    string   `json:"category"`
	Keywords    []string `json:"keywords"`
	Description string   `json:"description"`
}

// Generator summarizes one tier into the next. Implementations make a single
// attempt and report failures as *model.GenerationError.
type Generator interface {
	SummarizeMemories(ctx context.Context, memories []*model.BaseMemory) (MemorySummary, error)
	SummarizeSnapshots(ctx context.Context, snapshots []*model.MemorySnapshot) (SnapshotSummary, error)
}

// coerceStrings accepts a list or a newline/comma separated string and returns
// at most limit trimmed non-empty entries. limit <= 0 means unbounded.
func coerceStrings(v any, limit int, sep string) []string {
	var raw []string
	switch t := v.(type) {
	case []any:
		for _, x := range t {
			switch s := x.(type) {
			case string:
				raw = append(raw, s)
			case nil:
			default:
				b, _ := json.Marshal(s)
				raw = append(raw, string(b))
			}
		}
	case []string:
		raw = t
	case string:
		raw = strings.Split(t, sep)
	}

	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		s = strings.TrimLeft(s, "-*• ")
		s = trimEnumerator(s)
		if s == "" {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// trimEnumerator drops a leading "1." or "2)" list marker.
func trimEnumerator(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 && i < len(s) && (s[i] == '.' || s[i] == ')') {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

func coerceImportance(v any) float64 {
	switch t := v.(type) {
	case float64:
		return model.ClampImportance(t)
	case int:
		return model.ClampImportance(float64(t))
	case int64:
		return model.ClampImportance(float64(t))
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return model.ClampImportance(f)
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return model.ClampImportance(f)
		}
	}
	return DefaultImportance
}

func coerceText(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func dedupeFold(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, s := range in {
		k := strings.ToLower(s)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}

// mostCommon returns the most frequent value, ties going to the one seen first.
func mostCommon(values []string) string {
	counts := map[string]int{}
	var order []string
	for _, v := range values {
		if v == "" {
			continue
		}
		if counts[v] == 0 {
			order = append(order, v)
		}
		counts[v]++
	}
	best := ""
	for _, v := range order {
		if counts[v] > counts[best] {
			best = v
		}
	}
	return best
}

func snapshotCategories(snapshots []*model.MemorySnapshot) []string {
	cats := make([]string, len(snapshots))
	for i, s := range snapshots {
		cats[i] = s.Category
	}
	return cats
}

func memoryCategories(memories []*model.BaseMemory) []string {
	cats := make([]string, len(memories))
	for i, m := range memories {
		cats[i] = m.Context.CategoryHint()
	}
	return cats
}

// rankTerms orders terms by frequency, then alphabetically.
func rankTerms(freq map[string]int) []string {
	terms := make([]string, 0, len(freq))
	for t := range freq {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	return terms
}
