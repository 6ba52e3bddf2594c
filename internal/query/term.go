// Package query holds the boolean term tree and the query envelope that
// callers hand to the searcher.
package query

import (
	"fmt"
	"strconv"
	"time"
)

type Comparator int

const (
	Auto Comparator = iota
	Equal
	Contains
	Greater
	GreaterEqual
	Less
	LessEqual
)

func (c Comparator) String() string {
	switch c {
	case Auto:
		return "auto"
	case Equal:
		return "eq"
	case Contains:
		return "ct"
	case Greater:
		return "gt"
	case GreaterEqual:
		return "gte"
	case Less:
		return "lt"
	case LessEqual:
		return "lte"
	default:
		return "unknown"
	}
}

type Operation int

const (
	None Operation = iota
	And
	Or
)

func (o Operation) String() string {
	switch o {
	case And:
		return "and"
	case Or:
		return "or"
	default:
		return "none"
	}
}

type ValueKind int

const (
	KindNone ValueKind = iota
	KindString
	KindInt
	KindBool
	KindTime
)

// Value is a typed scalar. The zero Value is invalid.
type Value struct {
	kind ValueKind
	s    string
	i    int64
	b    bool
	t    time.Time
}

func String(s string) Value     { return Value{kind: KindString, s: s} }
func Int(i int64) Value         { return Value{kind: KindInt, i: i} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func Time(t time.Time) Value    { return Value{kind: KindTime, t: t} }
func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsValid() bool   { return v.kind != KindNone }

// Str returns the string payload, "" for other kinds.
func (v Value) Str() string { return v.s }

// Int64 returns the value as an integer. Datetimes convert to unix seconds
// and booleans to 0 or 1.
func (v Value) Int64() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindTime:
		return v.t.Unix(), true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	case KindString:
		n, err := strconv.ParseInt(v.s, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Truth returns the boolean reading of the value; an absent value is true.
func (v Value) Truth() bool {
	switch v.kind {
	case KindNone:
		return true
	case KindBool:
		return v.b
	case KindInt:
		return v.i != 0
	case KindString:
		b, err := strconv.ParseBool(v.s)
		return err != nil || b
	}
	return true
}

func (v Value) TimeValue() time.Time { return v.t }

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindTime:
		return v.t.UTC().Format(time.RFC3339Nano)
	}
	return ""
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindBool:
		return v.b == o.b
	case KindTime:
		return v.t.Equal(o.t)
	}
	return true
}

// Term is either a leaf (Property, Value, Comparator) or a combinator
// (Operation, Subterms). The zero Term is the empty term and matches
// everything.
type Term struct {
	Property   string
	Value      Value
	Comparator Comparator
	Operation  Operation
	Negated    bool
	Subterms   []Term
}

// NewTerm builds a leaf. Auto resolves to Contains for strings and
// datetimes and to Equal otherwise.
func NewTerm(property string, v Value, c Comparator) Term {
	if c == Auto {
		switch v.Kind() {
		case KindString, KindTime:
			c = Contains
		default:
			c = Equal
		}
	}
	return Term{Property: property, Value: v, Comparator: c}
}

func NewCombinator(op Operation, subterms ...Term) Term {
	t := Term{Operation: op}
	if len(subterms) > 0 {
		t.Subterms = make([]Term, len(subterms))
		for i, s := range subterms {
			t.Subterms[i] = s.Clone()
		}
	}
	return t
}

// Not returns a negated copy.
func (t Term) Not() Term {
	c := t.Clone()
	c.Negated = !c.Negated
	return c
}

// Add returns a copy with s appended to the subterms.
func (t Term) Add(s Term) Term {
	c := t.Clone()
	c.Subterms = append(c.Subterms, s.Clone())
	return c
}

func (t Term) IsEmpty() bool {
	return t.Property == "" && len(t.Subterms) == 0
}

func (t Term) IsLeaf() bool {
	return t.Property != ""
}

func (t Term) Clone() Term {
	c := t
	if t.Subterms != nil {
		c.Subterms = make([]Term, len(t.Subterms))
		for i, s := range t.Subterms {
			c.Subterms[i] = s.Clone()
		}
	}
	return c
}

// Validate checks the leaf/combinator shape of the whole tree.
func (t Term) Validate() error {
	if t.IsEmpty() && t.Operation == None {
		return nil
	}
	if t.IsLeaf() {
		if len(t.Subterms) > 0 || t.Operation != None {
			return fmt.Errorf("leaf %q has subterms or an operation", t.Property)
		}
		if !t.Value.IsValid() {
			return fmt.Errorf("leaf %q has no value", t.Property)
		}
		return nil
	}
	if t.Operation != And && t.Operation != Or {
		return fmt.Errorf("combinator without and/or")
	}
	if len(t.Subterms) == 0 {
		return fmt.Errorf("%s combinator has no subterms", t.Operation)
	}
	for i, s := range t.Subterms {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("subterm %d: %w", i, err)
		}
	}
	return nil
}

// Equal compares two trees, ignoring subterm order.
func (t Term) Equal(o Term) bool {
	if t.Property != o.Property || t.Comparator != o.Comparator ||
		t.Operation != o.Operation || t.Negated != o.Negated ||
		!t.Value.Equal(o.Value) || len(t.Subterms) != len(o.Subterms) {
		return false
	}
	used := make([]bool, len(o.Subterms))
next:
	for _, s := range t.Subterms {
		for j, c := range o.Subterms {
			if !used[j] && s.Equal(c) {
				used[j] = true
				continue next
			}
		}
		return false
	}
	return true
}

func (t Term) String() string {
	neg := ""
	if t.Negated {
		neg = "!"
	}
	if t.IsLeaf() {
		return fmt.Sprintf("%s%s %s %q", neg, t.Property, t.Comparator, t.Value.String())
	}
	if len(t.Subterms) == 0 {
		return neg + "*"
	}
	s := neg + t.Operation.String() + "("
	for i, sub := range t.Subterms {
		if i > 0 {
			s += ", "
		}
		s += sub.String()
	}
	return s + ")"
}
