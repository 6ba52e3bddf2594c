// Package registry maps the property names a document type exposes onto the
// index primitives that store them.
package registry

import (
	"fmt"
	"sort"
	"strings"
)

type KindType int

const (
	TextPrefix KindType = iota + 1
	BooleanFlag
	BooleanValueSuffix
	NumericSlot
)

func (k KindType) String() string {
	switch k {
	case TextPrefix:
		return "text"
	case BooleanFlag:
		return "flag"
	case BooleanValueSuffix:
		return "value"
	case NumericSlot:
		return "slot"
	default:
		return "unknown"
	}
}

// Kind is how one property is stored. Tag is set for every type except
// NumericSlot, which uses Slot.
type Kind struct {
	Type KindType
	Tag  string
	Slot int
}

func (k Kind) String() string {
	if k.Type == NumericSlot {
		return fmt.Sprintf("slot(%d)", k.Slot)
	}
	return fmt.Sprintf("%s(%s)", k.Type, k.Tag)
}

// CollectionProperty is present in every registry.
const CollectionProperty = "collection"

// CollectionTag prefixes collection membership terms.
const CollectionTag = "C"

// Registry is immutable once built.
type Registry struct {
	name  string
	kinds map[string]Kind
}

func (r *Registry) Name() string { return r.name }

// Classify returns the kind of property, false when it is unknown.
func (r *Registry) Classify(property string) (Kind, bool) {
	if r == nil {
		return Kind{}, false
	}
	k, ok := r.kinds[strings.ToLower(property)]
	return k, ok
}

func (r *Registry) Has(property string) bool {
	_, ok := r.Classify(property)
	return ok
}

// Properties lists the registered names in sorted order.
func (r *Registry) Properties() []string {
	out := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Slots returns the numeric slot of each slot-backed property.
func (r *Registry) Slots() map[string]int {
	out := make(map[string]int)
	for name, k := range r.kinds {
		if k.Type == NumericSlot {
			out[name] = k.Slot
		}
	}
	return out
}

type Builder struct {
	name  string
	kinds map[string]Kind
	errs  []string
}

func NewBuilder(name string) *Builder {
	return &Builder{name: name, kinds: make(map[string]Kind)}
}

func (b *Builder) add(property string, k Kind) *Builder {
	property = strings.ToLower(property)
	if property == "" {
		b.errs = append(b.errs, "empty property name")
		return b
	}
	if prev, ok := b.kinds[property]; ok {
		b.errs = append(b.errs, fmt.Sprintf("%s already registered as %s", property, prev))
		return b
	}
	b.kinds[property] = k
	return b
}

func (b *Builder) Text(property, tag string) *Builder {
	return b.add(property, Kind{Type: TextPrefix, Tag: tag})
}

func (b *Builder) Flag(property, tag string) *Builder {
	return b.add(property, Kind{Type: BooleanFlag, Tag: tag})
}

func (b *Builder) Value(property, tag string) *Builder {
	return b.add(property, Kind{Type: BooleanValueSuffix, Tag: tag})
}

func (b *Builder) Slot(property string, slot int) *Builder {
	if slot < 0 {
		b.errs = append(b.errs, fmt.Sprintf("%s: negative slot %d", property, slot))
		return b
	}
	return b.add(property, Kind{Type: NumericSlot, Slot: slot})
}

// Build adds the collection property unless it was declared and returns
// the finished registry.
func (b *Builder) Build() (*Registry, error) {
	if _, ok := b.kinds[CollectionProperty]; !ok {
		b.kinds[CollectionProperty] = Kind{Type: BooleanValueSuffix, Tag: CollectionTag}
	} else if k := b.kinds[CollectionProperty]; k.Type != BooleanValueSuffix {
		b.errs = append(b.errs, "collection must be a value property")
	}
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("registry %s: %s", b.name, strings.Join(b.errs, "; "))
	}

	kinds := make(map[string]Kind, len(b.kinds))
	for k, v := range b.kinds {
		kinds[k] = v
	}
	return &Registry{name: b.name, kinds: kinds}, nil
}

// MustBuild panics on a malformed table; the tables are compiled in.
func (b *Builder) MustBuild() *Registry {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}
