// Package translate turns a term tree into a bleve query for one document
// type.
package translate

import (
	"math"
	"strings"

	"github.com/AvengeMedia/pimsearch/internal/index"
	"github.com/AvengeMedia/pimsearch/internal/log"
	"github.com/AvengeMedia/pimsearch/internal/query"
	"github.com/AvengeMedia/pimsearch/internal/registry"
	"github.com/AvengeMedia/pimsearch/internal/tokenizer"
	bleve "github.com/blevesearch/bleve/v2"
	bquery "github.com/blevesearch/bleve/v2/search/query"
)

// Expander resolves a term prefix to stored terms.
type Expander interface {
	Expand(prefix string) ([]string, error)
}

type Translator struct {
	reg      *registry.Registry
	expander Expander
}

// New returns a translator over reg. Without an expander, prefix matches
// fall back to prefix queries.
func New(reg *registry.Registry, expander Expander) *Translator {
	return &Translator{reg: reg, expander: expander}
}

// Translate returns the query for t. The empty term matches everything and
// a tree that translates to nothing matches nothing.
func (tr *Translator) Translate(t query.Term) bquery.Query {
	q := tr.translate(t)
	if q == nil {
		return bleve.NewMatchNoneQuery()
	}
	return q
}

func (tr *Translator) translate(t query.Term) bquery.Query {
	var q bquery.Query
	switch {
	case t.IsLeaf():
		q = tr.leaf(t)
	case len(t.Subterms) > 0:
		q = tr.combine(t)
	default:
		q = bleve.NewMatchAllQuery()
	}
	if q == nil {
		return nil
	}
	if t.Negated {
		return Not(q)
	}
	return q
}

// Not wraps q as "all documents and not q".
func Not(q bquery.Query) bquery.Query {
	b := bleve.NewBooleanQuery()
	b.AddMust(bleve.NewMatchAllQuery())
	b.AddMustNot(q)
	return b
}

func (tr *Translator) combine(t query.Term) bquery.Query {
	children := make([]bquery.Query, 0, len(t.Subterms))
	for _, sub := range t.Subterms {
		if q := tr.translate(sub); q != nil {
			children = append(children, q)
		}
	}
	if len(children) == 0 {
		return nil
	}

	switch t.Operation {
	case query.And:
		return bleve.NewConjunctionQuery(children...)
	case query.Or:
		return bleve.NewDisjunctionQuery(children...)
	}
	log.Debugf("%s: combinator without operation dropped", tr.reg.Name())
	return nil
}

func (tr *Translator) unsupported(t query.Term, reason string) bquery.Query {
	log.Debugf("%s: dropping %s: %s", tr.reg.Name(), t, reason)
	return nil
}

func (tr *Translator) leaf(t query.Term) bquery.Query {
	kind, ok := tr.reg.Classify(t.Property)
	if !ok {
		return tr.unsupported(t, "unknown property")
	}

	switch kind.Type {
	case registry.BooleanFlag:
		tag := kind.Tag
		if !t.Value.Truth() {
			tag = "N" + tag
		}
		return Flag(tag)
	case registry.BooleanValueSuffix:
		return Flag(kind.Tag + t.Value.String())
	case registry.NumericSlot:
		return tr.slot(t, kind.Slot)
	case registry.TextPrefix:
		switch t.Comparator {
		case query.Equal:
			return Anchored(kind.Tag, t.Value.String())
		case query.Contains:
			return tr.Contains(kind.Tag, t.Value.String())
		}
		return tr.unsupported(t, "text properties take equal or contains")
	}
	return tr.unsupported(t, "unknown kind")
}

// Flag matches documents carrying an exact boolean term.
func Flag(term string) bquery.Query {
	q := bleve.NewTermQuery(term)
	q.SetField(index.FlagField)
	return q
}

func (tr *Translator) slot(t query.Term, slot int) bquery.Query {
	v, ok := t.Value.Int64()
	if !ok {
		return tr.unsupported(t, "value is not numeric")
	}

	switch t.Comparator {
	case query.Equal:
		return SlotRange(slot, &v, &v)
	case query.GreaterEqual:
		return SlotRange(slot, &v, nil)
	case query.LessEqual:
		return SlotRange(slot, nil, &v)
	case query.Greater:
		if v == math.MaxInt64 {
			return bleve.NewMatchNoneQuery()
		}
		next := v + 1
		return SlotRange(slot, &next, nil)
	case query.Less:
		if v == math.MinInt64 {
			return bleve.NewMatchNoneQuery()
		}
		prev := v - 1
		return SlotRange(slot, nil, &prev)
	}
	return tr.unsupported(t, "numeric properties take equal, greater or less")
}

// SlotRange matches slot values within the inclusive bounds; a nil bound is
// open.
func SlotRange(slot int, lo, hi *int64) bquery.Query {
	inclusive := true
	var minTerm, maxTerm string
	var minIncl, maxIncl *bool
	if lo != nil {
		minTerm = index.SortableInt64(*lo)
		minIncl = &inclusive
	}
	if hi != nil {
		maxTerm = index.SortableInt64(*hi)
		maxIncl = &inclusive
	}
	q := bleve.NewTermRangeInclusiveQuery(minTerm, maxTerm, minIncl, maxIncl)
	q.SetField(index.SlotField(slot))
	return q
}

// words returns the first term of every word so multi-part words match the
// joined form stored at the word's position.
func words(text string) []string {
	var out []string
	for terms := range tokenizer.Words(text) {
		out = append(out, terms[0])
	}
	return out
}

// Anchored matches a field whose whole content is text:
// [tag^, tag+word..., tag$].
func Anchored(tag, text string) bquery.Query {
	terms := []string{tag + "^"}
	for _, w := range words(text) {
		terms = append(terms, tag+w)
	}
	terms = append(terms, tag+"$")
	return bleve.NewPhraseQuery(terms, index.TermField)
}

// Phrase matches the words of text in order anywhere in the prefixed field.
func Phrase(tag, text string) bquery.Query {
	ws := words(text)
	if len(ws) == 0 {
		return nil
	}
	terms := make([]string, len(ws))
	for i, w := range ws {
		terms[i] = tag + w
	}
	return bleve.NewPhraseQuery(terms, index.TermField)
}

// Contains matches documents holding every word of text, each word also
// matching the most frequent stored terms it is a prefix of.
func (tr *Translator) Contains(tag, text string) bquery.Query {
	ws := words(text)
	if len(ws) == 0 {
		return nil
	}
	groups := make([]bquery.Query, 0, len(ws))
	for _, w := range ws {
		groups = append(groups, tr.expand(tag+w))
	}
	if len(groups) == 1 {
		return groups[0]
	}
	return bleve.NewConjunctionQuery(groups...)
}

func (tr *Translator) expand(prefix string) bquery.Query {
	exact := bleve.NewTermQuery(prefix)
	exact.SetField(index.TermField)

	if tr.expander == nil {
		pq := bleve.NewPrefixQuery(prefix)
		pq.SetField(index.TermField)
		return bleve.NewDisjunctionQuery(exact, pq)
	}

	expanded, err := tr.expander.Expand(prefix)
	if err != nil {
		log.Debugf("%s: expanding %q: %v", tr.reg.Name(), prefix, err)
	}
	alts := []bquery.Query{exact}
	for _, term := range expanded {
		if term == prefix {
			continue
		}
		tq := bleve.NewTermQuery(term)
		tq.SetField(index.TermField)
		alts = append(alts, tq)
	}
	return bleve.NewDisjunctionQuery(alts...)
}

// FreeText matches unprefixed terms. Double-quoted segments become phrases,
// every other word is matched by prefix expansion.
func (tr *Translator) FreeText(text string) bquery.Query {
	var parts []bquery.Query
	quoted := false
	for segment := range strings.SplitSeq(text, `"`) {
		if quoted {
			if q := Phrase("", segment); q != nil {
				parts = append(parts, q)
			}
		} else if q := tr.Contains("", segment); q != nil {
			parts = append(parts, q)
		}
		quoted = !quoted
	}
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0]
	}
	return bleve.NewConjunctionQuery(parts...)
}

// DateFilter matches the date tags of the components that are set.
func DateFilter(year, month, day int) bquery.Query {
	var parts []bquery.Query
	if year != query.DateAny {
		parts = append(parts, Flag(index.YearTerm(year)))
	}
	if month != query.DateAny {
		parts = append(parts, Flag(index.MonthTerm(month)))
	}
	if day != query.DateAny {
		parts = append(parts, Flag(index.DayTerm(day)))
	}
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0]
	}
	return bleve.NewConjunctionQuery(parts...)
}
