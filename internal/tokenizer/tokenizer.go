// Package tokenizer turns text into the normalized terms shared by the
// indexing and query paths. Both sides must produce identical terms for the
// same input, so every caller goes through Words.
package tokenizer

import (
	"iter"
	"sort"
	"strings"
	"unicode"

	"github.com/blevesearch/segment"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ExpandLimit caps the number of terms a prefix expands to.
const ExpandLimit = 100

// Token is a term and the position of the word it came from.
type Token struct {
	Term string
	Pos  int
}

// TermCount is one entry of a term frequency table.
type TermCount struct {
	Term  string
	Count uint64
}

// FrequencySource supplies stored term frequencies for prefix expansion.
type FrequencySource interface {
	TermFrequencies(prefix string) ([]TermCount, error)
}

func newFolder() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.M)), norm.NFC)
}

func isWord(tokenType int) bool {
	switch tokenType {
	case segment.Letter, segment.Number, segment.Kana, segment.Ideo:
		return true
	}
	return false
}

// Words yields the terms of each word in reading order. A word containing
// underscores yields the joined form followed by its non-empty parts.
func Words(text string) iter.Seq[[]string] {
	return func(yield func([]string) bool) {
		if text == "" {
			return
		}
		folder := newFolder()
		seg := segment.NewWordSegmenterDirect([]byte(text))
		for seg.Segment() {
			if !isWord(seg.Type()) {
				continue
			}
			folded, _, err := transform.String(folder, strings.ToLower(seg.Text()))
			if err != nil || folded == "" {
				continue
			}
			if !yield(split(folded)) {
				return
			}
		}
	}
}

func split(word string) []string {
	if !strings.Contains(word, "_") {
		return []string{word}
	}
	terms := []string{}
	joined := strings.Trim(word, "_")
	if joined != "" {
		terms = append(terms, joined)
	}
	for part := range strings.SplitSeq(word, "_") {
		if part != "" && part != joined {
			terms = append(terms, part)
		}
	}
	return terms
}

// Segment returns every term of text in reading order.
func Segment(text string) []string {
	var out []string
	for terms := range Words(text) {
		out = append(out, terms...)
	}
	return out
}

// WithPositions yields terms tagged with word positions starting at start.
// Parts of a split word share the word's position.
func WithPositions(text string, start int) iter.Seq[Token] {
	return func(yield func(Token) bool) {
		pos := start
		for terms := range Words(text) {
			for _, term := range terms {
				if !yield(Token{Term: term, Pos: pos}) {
					return
				}
			}
			pos++
		}
	}
}

// WithoutPositions yields the distinct terms of text.
func WithoutPositions(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		seen := make(map[string]struct{})
		for terms := range Words(text) {
			for _, term := range terms {
				if _, ok := seen[term]; ok {
					continue
				}
				seen[term] = struct{}{}
				if !yield(term) {
					return
				}
			}
		}
	}
}

// Expand returns up to limit stored terms starting with prefix, most
// frequent first. A limit of zero or less uses ExpandLimit.
func Expand(src FrequencySource, prefix string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = ExpandLimit
	}
	counts, err := src.TermFrequencies(prefix)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Term < counts[j].Term
	})
	if len(counts) > limit {
		counts = counts[:limit]
	}
	out := make([]string, len(counts))
	for i, c := range counts {
		out[i] = c.Term
	}
	return out, nil
}
