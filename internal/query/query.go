package query

import (
	"encoding/json"
	"slices"
	"strings"
)

// DefaultLimit is the result cap when a query sets none.
const DefaultLimit = 100000

// DateAny disables one component of the date filter.
const DateAny = -1

type SortOption int

const (
	SortNone SortOption = iota
	SortAuto
	SortProperty
)

type Query struct {
	Term          Term
	Types         []string
	FreeText      string
	Limit         int
	Offset        int
	Year          int
	Month         int
	Day           int
	Sort          SortOption
	SortProperty  string
	CustomOptions map[string]any
}

func New(t Term) Query {
	return Query{
		Term:  t.Clone(),
		Limit: DefaultLimit,
		Year:  DateAny,
		Month: DateAny,
		Day:   DateAny,
	}
}

// HasDateFilter reports whether any date component is set.
func (q Query) HasDateFilter() bool {
	return q.Year != DateAny || q.Month != DateAny || q.Day != DateAny
}

// Ascending reads the "ascending" custom option.
func (q Query) Ascending() bool {
	b, _ := q.CustomOptions["ascending"].(bool)
	return b
}

func (q Query) Equal(o Query) bool {
	if !q.Term.Equal(o.Term) ||
		q.FreeText != o.FreeText ||
		q.Limit != o.Limit || q.Offset != o.Offset ||
		q.Year != o.Year || q.Month != o.Month || q.Day != o.Day ||
		q.Sort != o.Sort || q.SortProperty != o.SortProperty {
		return false
	}
	if !sameSet(q.Types, o.Types) {
		return false
	}
	if len(q.CustomOptions) == 0 && len(o.CustomOptions) == 0 {
		return true
	}
	a, errA := json.Marshal(q.CustomOptions)
	b, errB := json.Marshal(o.CustomOptions)
	return errA == nil && errB == nil && string(a) == string(b)
}

func sameSet(a, b []string) bool {
	as := slices.Clone(a)
	bs := slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(slices.Compact(as), slices.Compact(bs))
}

// SplitTypes parses a comma separated type list.
func SplitTypes(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
