package index

import (
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/registry"
)

const (
	// TermsTokenizerName decodes pre-tokenized postings.
	TermsTokenizerName = "pimterms"

	// TermsAnalyzerName is the analyzer of the terms field.
	TermsAnalyzerName = "pimterms"
)

func init() {
	_ = registry.RegisterTokenizer(TermsTokenizerName, termsTokenizerConstructor)
}

func termsTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &termsTokenizer{}, nil
}

// termsTokenizer reads "pos US term RS pos US term ..." and emits each term
// at its recorded position. Several terms may share a position.
type termsTokenizer struct{}

func (t *termsTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	result := make(analysis.TokenStream, 0, strings.Count(text, recordSep)+1)

	offset := 0
	for record := range strings.SplitSeq(text, recordSep) {
		start := offset
		offset += len(record) + len(recordSep)

		posStr, term, ok := strings.Cut(record, unitSep)
		if !ok || term == "" {
			continue
		}
		pos, err := strconv.Atoi(posStr)
		if err != nil || pos < 1 {
			continue
		}
		termStart := start + len(posStr) + len(unitSep)
		result = append(result, &analysis.Token{
			Term:     []byte(term),
			Start:    termStart,
			End:      termStart + len(term),
			Position: pos,
			Type:     analysis.AlphaNumeric,
		})
	}

	return result
}
