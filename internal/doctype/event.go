package doctype

import (
	"fmt"
	"strings"
	"time"

	"github.com/AvengeMedia/pimsearch/internal/index"
	"github.com/AvengeMedia/pimsearch/internal/registry"
	"github.com/AvengeMedia/pimsearch/internal/store"
	"github.com/BurntSushi/toml"
)

const (
	EventSlotStart = 0
	EventSlotEnd   = 1
)

type eventFile struct {
	UID         string    `toml:"uid"`
	Summary     string    `toml:"summary"`
	Description string    `toml:"description"`
	Location    string    `toml:"location"`
	Organizer   string    `toml:"organizer"`
	Attendees   []string  `toml:"attendees"`
	Categories  []string  `toml:"categories"`
	Start       time.Time `toml:"dtstart"`
	End         time.Time `toml:"dtend"`
	AllDay      bool      `toml:"all_day"`
}

type EventType struct {
	base
}

func Event() *EventType {
	return &EventType{base{
		name:  "event",
		mimes: []string{store.MimeEvent},
		types: []string{TypePIM, "Calendar"},
		reg: registry.NewBuilder("event").
			Text("summary", "S").
			Text("description", "D").
			Text("location", "L").
			Text("organizer", "OR").
			Text("attendee", "AT").
			Text("categories", "CA").
			Flag("isallday", "AD").
			Value("uid", "UID").
			Slot("dtstart", EventSlotStart).
			Slot("dtend", EventSlotEnd).
			MustBuild(),
	}}
}

func (t *EventType) Extract(item store.Item, doc *index.Document) error {
	var e eventFile
	if _, err := toml.Decode(string(item.Payload), &e); err != nil {
		return fmt.Errorf("parse event %d: %w", item.ID, err)
	}

	doc.IndexText(e.Summary, "S")
	doc.IndexText(e.Description, "D")
	doc.IndexText(e.Location, "L")
	doc.IndexText(e.Organizer, "OR")
	for _, a := range e.Attendees {
		doc.IndexText(a, "AT")
	}
	doc.IndexText(strings.Join(e.Categories, " "), "CA")
	doc.IndexText(joinText(e.Summary, e.Location), "")
	doc.IndexTextWithoutPositions(e.Description, "")

	if e.UID != "" {
		doc.AddBoolTerm("UID" + e.UID)
	}
	if e.AllDay {
		doc.AddBoolTerm("AD")
	} else {
		doc.AddBoolTerm("NAD")
	}
	indexDate(doc, EventSlotStart, e.Start, true)
	indexDate(doc, EventSlotEnd, e.End, false)

	doc.SetData(preview(map[string]any{
		"summary":  e.Summary,
		"location": e.Location,
		"start":    e.Start,
		"end":      e.End,
	}))
	return nil
}

func (t *EventType) FlagTerms(added, removed []string) (add, remove []string) {
	return nil, nil
}
