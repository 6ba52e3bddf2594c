// Package doctype holds the document types the daemon indexes. Each type
// names its properties, the mime types it accepts and how an item becomes an
// index document.
package doctype

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AvengeMedia/pimsearch/internal/index"
	"github.com/AvengeMedia/pimsearch/internal/registry"
	"github.com/AvengeMedia/pimsearch/internal/store"
)

// TypePIM is carried by every document type.
const TypePIM = "PIM"

// DocType is the query side of a document type.
type DocType interface {
	Name() string
	MimeTypes() []string
	// Types are the query type names the type answers to.
	Types() []string
	Registry() *registry.Registry
}

// ItemType is a document type built from store items.
type ItemType interface {
	DocType
	// Extract fills doc from a fetched item. It must not depend on anything
	// but the item.
	Extract(item store.Item, doc *index.Document) error
	// FlagTerms maps store flag changes to the boolean terms to add and
	// remove.
	FlagTerms(added, removed []string) (add, remove []string)
}

type Set struct {
	items      []ItemType
	collection *CollectionType
}

// Default returns every built-in type.
func Default() *Set {
	return &Set{
		items:      []ItemType{Email(), Contact(), Event(), Note()},
		collection: Collection(),
	}
}

// Filter keeps the item types enabled reports true for. The collection
// type is always kept.
func (s *Set) Filter(enabled func(name string) bool) *Set {
	out := &Set{collection: s.collection}
	for _, t := range s.items {
		if enabled(t.Name()) {
			out.items = append(out.items, t)
		}
	}
	return out
}

func (s *Set) Items() []ItemType { return s.items }

func (s *Set) Collection() *CollectionType { return s.collection }

// All lists the item types followed by the collection type.
func (s *Set) All() []DocType {
	out := make([]DocType, 0, len(s.items)+1)
	for _, t := range s.items {
		out = append(out, t)
	}
	return append(out, s.collection)
}

func (s *Set) ForMime(mime string) (ItemType, bool) {
	for _, t := range s.items {
		if slices.Contains(t.MimeTypes(), mime) {
			return t, true
		}
	}
	return nil, false
}

func (s *Set) Lookup(name string) (DocType, bool) {
	for _, t := range s.All() {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// HasTypes reports whether t answers to every requested query type.
func HasTypes(t DocType, want []string) bool {
	for _, w := range want {
		if !slices.ContainsFunc(t.Types(), func(have string) bool {
			return strings.EqualFold(have, w)
		}) {
			return false
		}
	}
	return true
}

// base carries the static description shared by every type.
type base struct {
	name  string
	mimes []string
	types []string
	reg   *registry.Registry
}

func (b *base) Name() string                 { return b.name }
func (b *base) MimeTypes() []string          { return b.mimes }
func (b *base) Types() []string              { return b.types }
func (b *base) Registry() *registry.Registry { return b.reg }

// flagMap ties store flags to the boolean tags of one type.
type flagMap map[string]string

// documentTerms tags doc with the positive or negative form of every
// mapped flag.
func (m flagMap) documentTerms(flags []string, doc *index.Document) {
	for flag, tag := range m {
		if slices.Contains(flags, flag) {
			doc.AddBoolTerm(tag)
		} else {
			doc.AddBoolTerm("N" + tag)
		}
	}
}

func (m flagMap) changes(added, removed []string) (add, remove []string) {
	for _, f := range added {
		if tag, ok := m[f]; ok {
			add = append(add, tag)
			remove = append(remove, "N"+tag)
		}
	}
	for _, f := range removed {
		if tag, ok := m[f]; ok {
			add = append(add, "N"+tag)
			remove = append(remove, tag)
		}
	}
	return add, remove
}

const previewLength = 200

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// preview encodes the stored summary returned with search hits.
func preview(fields map[string]any) string {
	for k, v := range fields {
		switch x := v.(type) {
		case string:
			if x == "" {
				delete(fields, k)
			} else {
				fields[k] = truncate(x, previewLength)
			}
		case time.Time:
			if x.IsZero() {
				delete(fields, k)
			} else {
				fields[k] = x.UTC().Format(time.RFC3339)
			}
		case []string:
			if len(x) == 0 {
				delete(fields, k)
			}
		}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	return string(b)
}

// indexDate stores t in slot and tags the document with its date parts.
func indexDate(doc *index.Document, slot int, t time.Time, primary bool) {
	if t.IsZero() {
		return
	}
	doc.AddValue(slot, t.Unix())
	if primary {
		doc.AddDate(t)
	}
}

func joinText(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}
