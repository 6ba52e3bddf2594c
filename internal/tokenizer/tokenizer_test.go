package tokenizer

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegment(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"empty", "", nil},
		{"only punctuation", " ,.;!? ", nil},
		{"ascii words", "hello world", []string{"hello", "world"}},
		{"lower cases", "Hello WORLD", []string{"hello", "world"}},
		{"strips diacritics", "Crème brûlée", []string{"creme", "brulee"}},
		{"german umlaut", "Grüße aus Köln", []string{"gruße", "aus", "koln"}},
		{"numbers", "invoice 1000 paid", []string{"invoice", "1000", "paid"}},
		{"underscore compound", "hello_howdy", []string{"hello_howdy", "hello", "howdy"}},
		{"punctuation between words", "re: meeting, tomorrow", []string{"re", "meeting", "tomorrow"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Segment(tt.text))
		})
	}
}

func TestSegment_IdempotentOnNormalizedText(t *testing.T) {
	inputs := []string{
		"the quick brown fox",
		"subject1 subject2",
		"alpha beta gamma delta",
	}
	for _, in := range inputs {
		first := Segment(in)
		again := Segment(strings.Join(first, " "))
		assert.Equal(t, first, again, in)
	}
}

func TestWithPositions_SplitPartsShareWordPosition(t *testing.T) {
	var got []Token
	for tok := range WithPositions("one hello_howdy two", 10) {
		got = append(got, tok)
	}

	want := []Token{
		{"one", 10},
		{"hello_howdy", 11},
		{"hello", 11},
		{"howdy", 11},
		{"two", 12},
	}
	assert.Equal(t, want, got)
}

func TestWithPositions_Restartable(t *testing.T) {
	seq := WithPositions("a b c", 1)

	first := slices.Collect(seq)
	second := slices.Collect(seq)
	assert.Equal(t, first, second)
	assert.Len(t, first, 3)
}

func TestWithPositions_StopsEarly(t *testing.T) {
	count := 0
	for range WithPositions("a b c d e", 0) {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestWithoutPositions_Distinct(t *testing.T) {
	got := slices.Collect(WithoutPositions("spam spam eggs spam"))
	assert.Equal(t, []string{"spam", "eggs"}, got)
}

type fakeSource struct {
	counts []TermCount
	err    error
	asked  string
}

func (f *fakeSource) TermFrequencies(prefix string) ([]TermCount, error) {
	f.asked = prefix
	if f.err != nil {
		return nil, f.err
	}
	return slices.Clone(f.counts), nil
}

func TestExpand_MostFrequentFirst(t *testing.T) {
	src := &fakeSource{counts: []TermCount{
		{"helm", 1},
		{"hello", 9},
		{"help", 4},
		{"helix", 4},
	}}

	got, err := Expand(src, "hel", 3)
	require.NoError(t, err)

	assert.Equal(t, "hel", src.asked)
	assert.Equal(t, []string{"hello", "helix", "help"}, got)
}

func TestExpand_DefaultLimit(t *testing.T) {
	src := &fakeSource{}
	for i := 0; i < 150; i++ {
		src.counts = append(src.counts, TermCount{Term: string(rune('a'+i%26)) + string(rune('a'+i/26)), Count: uint64(i)})
	}

	got, err := Expand(src, "", 0)
	require.NoError(t, err)
	assert.Len(t, got, ExpandLimit)
}

func TestExpand_Error(t *testing.T) {
	_, err := Expand(&fakeSource{err: errors.New("closed")}, "x", 10)
	assert.Error(t, err)
}
