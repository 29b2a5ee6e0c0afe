package chunker

import (
	"strings"
	"unicode"
)

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true, "if": true,
	"of": true, "to": true, "in": true, "on": true, "at": true, "for": true, "with": true,
	"by": true, "from": true, "about": true, "as": true, "into": true, "over": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true, "am": true,
	"do": true, "does": true, "did": true, "have": true, "has": true, "had": true,
	"i": true, "me": true, "my": true, "you": true, "your": true, "we": true, "our": true,
	"he": true, "she": true, "it": true, "its": true, "they": true, "them": true, "their": true,
	"this": true, "that": true, "these": true, "those": true, "there": true, "here": true,
	"what": true, "which": true, "who": true, "whom": true, "when": true, "where": true,
	"why": true, "how": true, "can": true, "could": true, "would": true, "should": true,
	"will": true, "shall": true, "may": true, "might": true, "must": true, "not": true,
	"no": true, "yes": true, "so": true, "than": true, "then": true, "too": true, "very": true,
	"just": true, "also": true, "any": true, "some": true, "all": true, "more": true,
	"user": true, "assistant": true, "please": true, "tell": true, "know": true, "like": true,
}

// IsStopWord reports whether w (lowercase) carries no retrieval signal.
func IsStopWord(w string) bool { return stopWords[w] }

// Terms lowercases text and splits it on non-alphanumeric runes, dropping
// stop words and single-character tokens. Runs of CJK script have no spaces
// between words, so they become overlapping character bigrams instead; a lone
// CJK character is kept as is. Order and duplicates are kept.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	var out []string
	for _, f := range fields {
		out = appendTerms(out, []rune(f))
	}
	return out
}

func appendTerms(out []string, field []rune) []string {
	for len(field) > 0 {
		cjk := IsCJK(field[0])
		n := 1
		for n < len(field) && IsCJK(field[n]) == cjk {
			n++
		}
		run := field[:n]
		field = field[n:]

		if cjk {
			if len(run) == 1 {
				out = append(out, string(run))
				continue
			}
			for i := 0; i+1 < len(run); i++ {
				out = append(out, string(run[i:i+2]))
			}
			continue
		}
		w := string(run)
		if len(run) < 2 || stopWords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}

// IsCJK reports whether r belongs to a script written without word spaces.
func IsCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// HasCJK reports whether s contains any CJK rune.
func HasCJK(s string) bool {
	for _, r := range s {
		if IsCJK(r) {
			return true
		}
	}
	return false
}

// UniqueTerms returns Terms(text) deduplicated, first occurrence first.
func UniqueTerms(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range Terms(text) {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Coverage returns the fraction of query terms present in text, in [0,1].
func Coverage(query []string, text string) (float64, []string) {
	if len(query) == 0 {
		return 0, nil
	}
	have := map[string]bool{}
	for _, t := range Terms(text) {
		have[t] = true
	}
	var matched []string
	for _, q := range query {
		if have[q] {
			matched = append(matched, q)
		}
	}
	return float64(len(matched)) / float64(len(query)), matched
}
