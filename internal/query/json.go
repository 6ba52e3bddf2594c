package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/AvengeMedia/pimsearch/internal/errdefs"
)

const (
	opAnd  = "$and"
	opOr   = "$or"
	opNot  = "$not"
	opDate = "$date"
)

var comparatorOps = map[string]Comparator{
	"$ct":  Contains,
	"$gt":  Greater,
	"$gte": GreaterEqual,
	"$lt":  Less,
	"$lte": LessEqual,
	"$eq":  Equal,
}

func invalid(format string, args ...any) error {
	return errdefs.NewCustomError(errdefs.ErrTypeInvalidQuery, fmt.Sprintf(format, args...), nil)
}

func (t Term) MarshalJSON() ([]byte, error) {
	v, err := termToJSON(t)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (t *Term) UnmarshalJSON(data []byte) error {
	parsed, err := decodeTerm(data)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTerm decodes the structured form of a term.
func ParseTerm(data []byte) (Term, error) {
	return decodeTerm(data)
}

func termToJSON(t Term) (map[string]any, error) {
	var out map[string]any
	switch {
	case t.IsLeaf():
		if len(t.Subterms) > 0 {
			return nil, invalid("leaf %q has subterms", t.Property)
		}
		sv, err := scalarToJSON(t.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.Property, err)
		}
		c := NewTerm(t.Property, t.Value, t.Comparator).Comparator
		if c == Equal {
			out = map[string]any{t.Property: sv}
		} else {
			out = map[string]any{t.Property: map[string]any{"$" + c.String(): sv}}
		}
	case len(t.Subterms) > 0:
		key := opAnd
		switch t.Operation {
		case And:
		case Or:
			key = opOr
		default:
			return nil, invalid("combinator without and/or")
		}
		subs := make([]any, 0, len(t.Subterms))
		for _, s := range t.Subterms {
			sv, err := termToJSON(s)
			if err != nil {
				return nil, err
			}
			subs = append(subs, sv)
		}
		out = map[string]any{key: subs}
	default:
		out = map[string]any{}
	}
	if t.Negated {
		out = map[string]any{opNot: out}
	}
	return out, nil
}

func scalarToJSON(v Value) (any, error) {
	switch v.Kind() {
	case KindString:
		return v.Str(), nil
	case KindInt:
		n, _ := v.Int64()
		return n, nil
	case KindBool:
		return v.Truth(), nil
	case KindTime:
		return map[string]any{opDate: v.TimeValue().UTC().Format(time.RFC3339Nano)}, nil
	}
	return nil, invalid("missing value")
}

func decodeTerm(data []byte) (Term, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return Term{}, errdefs.NewCustomError(errdefs.ErrTypeInvalidQuery, "term must be an object", err)
	}
	if obj == nil {
		return Term{}, invalid("term must be an object")
	}
	if len(obj) == 0 {
		return Term{}, nil
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Several keys in one object are an implicit conjunction.
	if len(keys) > 1 {
		t := Term{Operation: And}
		for _, k := range keys {
			sub, err := decodeEntry(k, obj[k])
			if err != nil {
				return Term{}, err
			}
			t.Subterms = append(t.Subterms, sub)
		}
		return t, nil
	}
	return decodeEntry(keys[0], obj[keys[0]])
}

func decodeEntry(key string, raw json.RawMessage) (Term, error) {
	switch key {
	case opAnd, opOr:
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return Term{}, errdefs.NewCustomError(errdefs.ErrTypeInvalidQuery, key+" expects an array", err)
		}
		if len(list) == 0 {
			return Term{}, invalid("%s has no subterms", key)
		}
		t := Term{Operation: And}
		if key == opOr {
			t.Operation = Or
		}
		for _, item := range list {
			sub, err := decodeTerm(item)
			if err != nil {
				return Term{}, err
			}
			t.Subterms = append(t.Subterms, sub)
		}
		return t, nil
	case opNot:
		inner, err := decodeTerm(raw)
		if err != nil {
			return Term{}, err
		}
		inner.Negated = !inner.Negated
		return inner, nil
	}

	if strings.HasPrefix(key, "$") {
		return Term{}, invalid("unknown operator %s", key)
	}
	return decodeLeaf(key, raw)
}

func decodeLeaf(property string, raw json.RawMessage) (Term, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return Term{}, errdefs.NewCustomError(errdefs.ErrTypeInvalidQuery, property, err)
		}
		if len(inner) != 1 {
			return Term{}, invalid("%s: expected exactly one comparator", property)
		}
		for op, rv := range inner {
			if op == opDate {
				v, err := decodeScalar(trimmed)
				if err != nil {
					return Term{}, fmt.Errorf("%s: %w", property, err)
				}
				return Term{Property: property, Value: v, Comparator: Equal}, nil
			}
			c, ok := comparatorOps[op]
			if !ok {
				return Term{}, invalid("%s: unknown comparator %s", property, op)
			}
			v, err := decodeScalar(rv)
			if err != nil {
				return Term{}, fmt.Errorf("%s: %w", property, err)
			}
			return Term{Property: property, Value: v, Comparator: c}, nil
		}
	}

	v, err := decodeScalar(trimmed)
	if err != nil {
		return Term{}, fmt.Errorf("%s: %w", property, err)
	}
	return Term{Property: property, Value: v, Comparator: Equal}, nil
}

func decodeScalar(raw json.RawMessage) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Value{}, errdefs.NewCustomError(errdefs.ErrTypeInvalidQuery, "bad value", err)
	}

	switch x := v.(type) {
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return Value{}, invalid("%s is not an integer", x.String())
		}
		return Int(n), nil
	case map[string]any:
		s, ok := x[opDate].(string)
		if !ok || len(x) != 1 {
			return Value{}, invalid("object values must be {\"$date\": ...}")
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Value{}, errdefs.NewCustomError(errdefs.ErrTypeInvalidQuery, "bad $date", err)
		}
		return Time(ts), nil
	case nil:
		return Value{}, invalid("null value")
	}
	return Value{}, invalid("unsupported value %T", v)
}

type queryJSON struct {
	Types           []string       `json:"type,omitempty"`
	Limit           int            `json:"limit"`
	Offset          int            `json:"offset"`
	SearchString    string         `json:"searchString,omitempty"`
	Term            Term           `json:"term"`
	YearFilter      int            `json:"yearFilter"`
	MonthFilter     int            `json:"monthFilter"`
	DayFilter       int            `json:"dayFilter"`
	SortingOption   int            `json:"sortingOption"`
	SortingProperty string         `json:"sortingProperty,omitempty"`
	CustomOptions   map[string]any `json:"customOptions,omitempty"`
}

func (q Query) MarshalJSON() ([]byte, error) {
	return json.Marshal(queryJSON{
		Types:           q.Types,
		Limit:           q.Limit,
		Offset:          q.Offset,
		SearchString:    q.FreeText,
		Term:            q.Term,
		YearFilter:      q.Year,
		MonthFilter:     q.Month,
		DayFilter:       q.Day,
		SortingOption:   int(q.Sort),
		SortingProperty: q.SortProperty,
		CustomOptions:   q.CustomOptions,
	})
}

func (q *Query) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// Parse decodes a structured query. Missing keys take the defaults of New.
func Parse(data []byte) (Query, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return Query{}, errdefs.NewCustomError(errdefs.ErrTypeInvalidQuery, "query must be an object", err)
	}

	q := New(Term{})
	var err error

	if raw, ok := obj["term"]; ok {
		if q.Term, err = decodeTerm(raw); err != nil {
			return Query{}, err
		}
	}
	if raw, ok := obj["type"]; ok {
		if q.Types, err = decodeTypes(raw); err != nil {
			return Query{}, err
		}
	}
	if raw, ok := obj["searchString"]; ok {
		if err := json.Unmarshal(raw, &q.FreeText); err != nil {
			return Query{}, errdefs.NewCustomError(errdefs.ErrTypeInvalidQuery, "searchString", err)
		}
	}
	if raw, ok := obj["sortingProperty"]; ok {
		if err := json.Unmarshal(raw, &q.SortProperty); err != nil {
			return Query{}, errdefs.NewCustomError(errdefs.ErrTypeInvalidQuery, "sortingProperty", err)
		}
	}

	ints := []struct {
		key string
		dst *int
		min int
	}{
		{"limit", &q.Limit, 0},
		{"offset", &q.Offset, 0},
		{"yearFilter", &q.Year, DateAny},
		{"monthFilter", &q.Month, DateAny},
		{"dayFilter", &q.Day, DateAny},
	}
	for _, f := range ints {
		raw, ok := obj[f.key]
		if !ok {
			continue
		}
		v, err := decodeScalar(raw)
		if err != nil {
			return Query{}, fmt.Errorf("%s: %w", f.key, err)
		}
		n, ok := v.Int64()
		if v.Kind() != KindInt || !ok || n < int64(f.min) {
			return Query{}, invalid("%s must be an integer >= %d", f.key, f.min)
		}
		*f.dst = int(n)
	}

	if raw, ok := obj["sortingOption"]; ok {
		var n int
		if err := json.Unmarshal(raw, &n); err != nil || n < int(SortNone) || n > int(SortProperty) {
			return Query{}, invalid("sortingOption must be 0, 1 or 2")
		}
		q.Sort = SortOption(n)
	}

	if raw, ok := obj["customOptions"]; ok {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&q.CustomOptions); err != nil {
			return Query{}, errdefs.NewCustomError(errdefs.ErrTypeInvalidQuery, "customOptions", err)
		}
	}

	return q, nil
}

func decodeTypes(raw json.RawMessage) ([]string, error) {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, invalid("type must be an array or a comma separated string")
	}
	return SplitTypes(s), nil
}
