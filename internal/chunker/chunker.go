// Package chunker splits conversational memory content into passages for
// full-text indexing and passage-level relevance scoring.
package chunker

import (
	"strings"
)

const (
	DefaultTargetSize = 400
	DefaultMaxSize    = 600
)

// Options configures chunking behavior.
type Options struct {
	TargetSize int
	MaxSize    int
}

// DefaultOptions returns default chunking options.
func DefaultOptions() Options {
	return Options{
		TargetSize: DefaultTargetSize,
		MaxSize:    DefaultMaxSize,
	}
}

// Passage is a slice of memory content with its position and speaker.
type Passage struct {
	Text      string
	Speaker   string // "user", "assistant", or "" when unknown or mixed
	StartLine int
	EndLine   int
}

// speakerPrefixes maps turn markers to normalized speaker names.
var speakerPrefixes = []struct {
	prefix  string
	speaker string
}{
	{"user:", "user"},
	{"human:", "user"},
	{"assistant:", "assistant"},
	{"ai:", "assistant"},
}

// Split breaks content into passages. Turn markers ("User:", "Assistant:")
// and blank-line gaps start new blocks; small blocks are merged up to
// TargetSize and oversized ones are split on line boundaries.
func Split(text string, opts Options) []Passage {
	if opts.TargetSize == 0 {
		opts = DefaultOptions()
	}

	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return nil
	}

	blocks := splitTurns(text)
	if len(text) <= opts.MaxSize && len(blocks) <= 1 {
		lines := strings.Count(text, "\n")
		sp := ""
		if len(blocks) == 1 {
			sp = blocks[0].Speaker
		}
		return []Passage{{Text: text, Speaker: sp, StartLine: 1, EndLine: lines + 1}}
	}

	return mergeBlocks(blocks, opts)
}

func speakerOf(line string) string {
	lower := strings.ToLower(strings.TrimSpace(line))
	for _, p := range speakerPrefixes {
		if strings.HasPrefix(lower, p.prefix) {
			return p.speaker
		}
	}
	return ""
}

// splitTurns splits on speaker markers and paragraph breaks.
func splitTurns(text string) []Passage {
	lines := strings.Split(text, "\n")
	var blocks []Passage
	var current []string
	startLine := 1
	speaker := ""

	flush := func(endLine int) {
		if len(current) == 0 {
			return
		}
		t := strings.TrimSpace(strings.Join(current, "\n"))
		if t != "" {
			blocks = append(blocks, Passage{Text: t, Speaker: speaker, StartLine: startLine, EndLine: endLine})
		}
		current = nil
		startLine = endLine + 1
	}

	prevEmpty := false
	for i, line := range lines {
		lineNum := i + 1
		trimmed := strings.TrimSpace(line)

		if sp := speakerOf(trimmed); sp != "" {
			flush(lineNum - 1)
			startLine = lineNum
			speaker = sp
		}

		if trimmed == "" {
			if prevEmpty && len(current) > 0 {
				flush(lineNum - 1)
			}
			prevEmpty = true
			current = append(current, line)
			continue
		}
		prevEmpty = false
		current = append(current, line)
	}
	flush(len(lines))

	return blocks
}

// mergeBlocks combines neighbouring blocks up to TargetSize and hard-splits oversized ones.
func mergeBlocks(blocks []Passage, opts Options) []Passage {
	var results []Passage
	var accum Passage

	flushAccum := func() {
		t := strings.TrimSpace(accum.Text)
		if t == "" {
			return
		}
		if len(t) > opts.MaxSize {
			results = append(results, hardSplit(t, accum.Speaker, accum.StartLine, opts)...)
		} else {
			accum.Text = t
			results = append(results, accum)
		}
		accum = Passage{}
	}

	for _, b := range blocks {
		if accum.Text == "" {
			accum = b
			continue
		}

		combined := accum.Text + "\n" + b.Text
		if len(combined) <= opts.TargetSize {
			accum.Text = combined
			accum.EndLine = b.EndLine
			if accum.Speaker != b.Speaker {
				accum.Speaker = ""
			}
		} else {
			flushAccum()
			accum = b
		}
	}
	flushAccum()

	return results
}

// hardSplit breaks text exceeding MaxSize on line boundaries, then on spaces
// for single lines longer than TargetSize.
func hardSplit(text, speaker string, startLine int, opts Options) []Passage {
	lines := strings.Split(text, "\n")
	var results []Passage
	var current []string
	curStart := startLine
	curLen := 0

	emit := func(endLine int) {
		t := strings.TrimSpace(strings.Join(current, "\n"))
		if t != "" {
			results = append(results, Passage{Text: t, Speaker: speaker, StartLine: curStart, EndLine: endLine})
		}
		current = nil
		curLen = 0
	}

	for i, line := range lines {
		lineNum := startLine + i
		if curLen+len(line) > opts.TargetSize && len(current) > 0 {
			emit(lineNum - 1)
			curStart = lineNum
		}
		if len(line) > opts.MaxSize {
			for _, piece := range splitWords(line, opts.TargetSize) {
				current = append(current, piece)
				emit(lineNum)
			}
			curStart = lineNum + 1
			continue
		}
		current = append(current, line)
		curLen += len(line) + 1
	}
	if len(current) > 0 {
		emit(startLine + len(lines) - 1)
	}

	return results
}

func splitWords(line string, size int) []string {
	var out []string
	var b strings.Builder
	for _, w := range strings.Fields(line) {
		if b.Len() > 0 && b.Len()+1+len(w) > size {
			out = append(out, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
