package index

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AvengeMedia/pimsearch/internal/registry"
	"github.com/AvengeMedia/pimsearch/internal/tokenizer"
)

const (
	// MaxTermLength caps every stored term, in bytes.
	MaxTermLength = 200

	fieldTerms = "terms"
	fieldFlags = "flags"
	fieldData  = "data"
	slotPrefix = "v"

	recordSep = "\x1e"
	unitSep   = "\x1f"
)

// SortableInt64 encodes v so that byte order matches numeric order.
func SortableInt64(v int64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v)^(1<<63))
	return hex.EncodeToString(buf[:])
}

// DecodeSortableInt64 reverses SortableInt64.
func DecodeSortableInt64(s string) (int64, bool) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63)), true
}

func SlotField(slot int) string {
	return slotPrefix + strconv.Itoa(slot)
}

func CollectionTerm(collection int64) string {
	return registry.CollectionTag + strconv.FormatInt(collection, 10)
}

// Date tags let queries filter by year, month or day of a document's
// primary date.
func YearTerm(year int) string   { return fmt.Sprintf("DY%04d", year) }
func MonthTerm(month int) string { return fmt.Sprintf("DM%02d", month) }
func DayTerm(day int) string     { return fmt.Sprintf("DD%02d", day) }

func docID(id int64) string {
	return strconv.FormatInt(id, 10)
}

type posting struct {
	pos  int
	term string
}

// Document is the write-side record of one item: positional postings,
// bag-of-words postings, boolean terms, numeric slots and a preview blob.
type Document struct {
	id         int64
	collection int64
	postings   []posting
	bag        []string
	flags      []string
	slots      map[int]int64
	data       string
	pos        int
}

// NewDocument creates a document already tagged with its collection.
func NewDocument(id, collection int64) *Document {
	d := &Document{
		id:         id,
		collection: collection,
		slots:      make(map[int]int64),
		pos:        1,
	}
	d.AddBoolTerm(CollectionTerm(collection))
	return d
}

func (d *Document) ID() int64         { return d.id }
func (d *Document) Collection() int64 { return d.collection }

// IndexText adds positional postings for text. With a prefix the words are
// framed by prefix^ and prefix$ so a phrase can match the whole field.
func (d *Document) IndexText(text, prefix string) {
	if prefix != "" {
		d.addPosting(prefix+"^", d.pos)
		d.pos++
	}
	last := d.pos - 1
	for tok := range tokenizer.WithPositions(text, d.pos) {
		d.addPosting(prefix+tok.Term, tok.Pos)
		last = tok.Pos
	}
	d.pos = last + 1
	if prefix != "" {
		d.addPosting(prefix+"$", d.pos)
		d.pos++
	}
	// keep phrases from spanning two fields
	d.pos++
}

// IndexTextWithoutPositions adds every term of text as a bag-of-words posting.
func (d *Document) IndexTextWithoutPositions(text, prefix string) {
	for term := range tokenizer.WithoutPositions(text) {
		d.AddTerm(prefix + term)
	}
}

// AddTerm adds one raw term without a position.
func (d *Document) AddTerm(term string) {
	if term = capTerm(term); term != "" {
		d.bag = append(d.bag, term)
	}
}

// AddBoolTerm adds an exact tag.
func (d *Document) AddBoolTerm(term string) {
	term = capTerm(term)
	if term == "" {
		return
	}
	for _, f := range d.flags {
		if f == term {
			return
		}
	}
	d.flags = append(d.flags, term)
}

// AddDate tags the document with the date parts of t in its own location.
func (d *Document) AddDate(t time.Time) {
	if t.IsZero() {
		return
	}
	d.AddBoolTerm(YearTerm(t.Year()))
	d.AddBoolTerm(MonthTerm(int(t.Month())))
	d.AddBoolTerm(DayTerm(t.Day()))
}

func (d *Document) AddValue(slot int, v int64) {
	d.slots[slot] = v
}

func (d *Document) SetData(data string) {
	d.data = data
}

func (d *Document) Data() string { return d.data }

// Terms lists the positional and bag terms in insertion order.
func (d *Document) Terms() []string {
	out := make([]string, 0, len(d.postings)+len(d.bag))
	for _, p := range d.postings {
		out = append(out, p.term)
	}
	return append(out, d.bag...)
}

func (d *Document) Flags() []string {
	return append([]string(nil), d.flags...)
}

func (d *Document) Value(slot int) (int64, bool) {
	v, ok := d.slots[slot]
	return v, ok
}

func (d *Document) addPosting(term string, pos int) {
	if term = capTerm(term); term != "" {
		d.postings = append(d.postings, posting{pos: pos, term: term})
	}
}

func capTerm(term string) string {
	if len(term) <= MaxTermLength {
		return term
	}
	term = term[:MaxTermLength]
	for len(term) > 0 && !utf8.ValidString(term) {
		term = term[:len(term)-1]
	}
	return term
}

// encodeTerms renders postings for the pimterms tokenizer. Bag terms are
// placed after the last positional term, two apart, so they never join a
// phrase.
func (d *Document) encodeTerms() string {
	var sb strings.Builder
	maxPos := 0
	write := func(pos int, term string) {
		if sb.Len() > 0 {
			sb.WriteString(recordSep)
		}
		sb.WriteString(strconv.Itoa(pos))
		sb.WriteString(unitSep)
		sb.WriteString(term)
	}
	for _, p := range d.postings {
		write(p.pos, p.term)
		maxPos = max(maxPos, p.pos)
	}
	pos := maxPos
	for _, term := range d.bag {
		pos += 2
		write(pos, term)
	}
	return sb.String()
}

// stored is the engine-side form of a document. It is what gets indexed and
// what comes back from stored fields, so tags can be rewritten without
// running extraction again.
type stored struct {
	terms string
	flags []string
	slots map[string]string
	data  string
}

func (d *Document) toStored() *stored {
	s := &stored{
		terms: d.encodeTerms(),
		flags: append([]string(nil), d.flags...),
		slots: make(map[string]string, len(d.slots)),
		data:  d.data,
	}
	for slot, v := range d.slots {
		s.slots[SlotField(slot)] = SortableInt64(v)
	}
	return s
}

func (s *stored) fields() map[string]any {
	m := map[string]any{
		fieldTerms: s.terms,
		fieldFlags: s.flags,
		fieldData:  s.data,
	}
	for name, v := range s.slots {
		m[name] = v
	}
	return m
}

func (s *stored) replaceFlags(remove, add []string) {
	drop := make(map[string]bool, len(remove))
	for _, r := range remove {
		drop[r] = true
	}
	kept := s.flags[:0:0]
	for _, f := range s.flags {
		if !drop[f] {
			kept = append(kept, f)
		}
	}
	for _, a := range add {
		if a = capTerm(a); a == "" {
			continue
		}
		dup := false
		for _, f := range kept {
			if f == a {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, a)
		}
	}
	s.flags = kept
}

// collection returns the id carried by the collection tag, if any.
func (s *stored) collection() (int64, bool) {
	for _, f := range s.flags {
		if !strings.HasPrefix(f, registry.CollectionTag) {
			continue
		}
		if id, err := strconv.ParseInt(f[len(registry.CollectionTag):], 10, 64); err == nil {
			return id, true
		}
	}
	return 0, false
}
