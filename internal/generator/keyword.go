package generator

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rcliao/tiered-memory/internal/chunker"
	"github.com/rcliao/tiered-memory/internal/model"
)

const (
	keyPointMaxLen = 160
	maxKeywords    = 8
)

// KeywordGenerator is a deterministic offline Generator. Key points are the
// leading sentence of each memory; keywords come from term frequency.
type KeywordGenerator struct {
	MaxKeyPoints int
}

// NewKeyword creates a KeywordGenerator.
func NewKeyword(maxKeyPoints int) *KeywordGenerator {
	if maxKeyPoints <= 0 {
		maxKeyPoints = DefaultMaxKeyPoints
	}
	return &KeywordGenerator{MaxKeyPoints: maxKeyPoints}
}

func (g *KeywordGenerator) SummarizeMemories(ctx context.Context, memories []*model.BaseMemory) (MemorySummary, error) {
	if len(memories) == 0 {
		return MemorySummary{}, &model.ValidationError{Field: "memories", Reason: "must not be empty"}
	}
	if err := ctx.Err(); err != nil {
		return MemorySummary{}, &model.GenerationError{Op: "summarize memories", Err: err}
	}

	var points []string
	for _, m := range memories {
		if p := leadSentence(m.Content); p != "" {
			points = append(points, p)
		}
	}
	points = dedupeFold(points)
	if len(points) > g.MaxKeyPoints {
		points = points[:g.MaxKeyPoints]
	}

	category := mostCommon(memoryCategories(memories))
	if category == "" {
		category = model.DefaultCategory
	}
	return MemorySummary{KeyPoints: points, Category: category, Importance: DefaultImportance}, nil
}

func (g *KeywordGenerator) SummarizeSnapshots(ctx context.Context, snapshots []*model.MemorySnapshot) (SnapshotSummary, error) {
	if len(snapshots) == 0 {
		return SnapshotSummary{}, &model.ValidationError{Field: "snapshots", Reason: "must not be empty"}
	}
	if err := ctx.Err(); err != nil {
		return SnapshotSummary{}, &model.GenerationError{Op: "summarize snapshots", Err: err}
	}

	freq := map[string]int{}
	for _, s := range snapshots {
		for _, p := range s.KeyPoints {
			for _, t := range chunker.Terms(p) {
				freq[t]++
			}
		}
	}
	keywords := rankTerms(freq)
	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}

	category := mostCommon(snapshotCategories(snapshots))
	if category == "" {
		category = model.DefaultCategory
	}
	desc := fmt.Sprintf("%d snapshots about %s", len(snapshots), category)
	if len(keywords) > 0 {
		n := min(3, len(keywords))
		desc += ": " + strings.Join(keywords[:n], ", ")
	}
	return SnapshotSummary{Category: category, Keywords: keywords, Description: desc}, nil
}

// leadSentence returns the first sentence of the first non-empty line,
// with any speaker marker removed.
func leadSentence(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if i := strings.IndexByte(line, ':'); i > 0 && isWord(line[:i]) && !strings.HasPrefix(line[i+1:], "//") {
			line = strings.TrimSpace(line[i+1:])
		}
		if i := sentenceEnd(line); i > 0 {
			line = line[:i]
		}
		if r := []rune(line); len(r) > keyPointMaxLen {
			line = strings.TrimSpace(string(r[:keyPointMaxLen])) + "…"
		}
		return line
	}
	return ""
}

var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true, "st": true,
	"jr": true, "sr": true, "vs": true, "e.g": true, "i.e": true, "approx": true,
}

// sentenceEnd returns the byte offset just past the first sentence
// terminator in line, or -1. ASCII terminators count only before whitespace
// or end of line, and not after a known abbreviation or a single initial.
func sentenceEnd(line string) int {
	for i, r := range line {
		switch r {
		case '。', '！', '？':
			return i + utf8.RuneLen(r)
		case '.', '!', '?':
			if i == 0 {
				continue
			}
			if next := i + 1; next < len(line) && !unicode.IsSpace(rune(line[next])) {
				continue
			}
			if r == '.' {
				word := line[strings.LastIndexAny(line[:i], " \t(\"'")+1 : i]
				if abbreviations[strings.ToLower(word)] || isInitial(word) {
					continue
				}
			}
			return i + 1
		}
	}
	return -1
}

func isInitial(s string) bool {
	r, n := utf8.DecodeRuneInString(s)
	return n == len(s) && unicode.IsUpper(r)
}

func isWord(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return len(s) <= 12
}
