package doctype

import (
	"strings"
	"time"

	"github.com/AvengeMedia/pimsearch/internal/index"
	"github.com/AvengeMedia/pimsearch/internal/registry"
	"github.com/AvengeMedia/pimsearch/internal/store"
	"github.com/BurntSushi/toml"
)

const NoteSlotDate = 0

type noteFile struct {
	Subject string    `toml:"subject"`
	Body    string    `toml:"body"`
	Date    time.Time `toml:"date"`
}

type NoteType struct {
	base
}

func Note() *NoteType {
	return &NoteType{base{
		name:  "note",
		mimes: []string{store.MimeNote},
		types: []string{TypePIM, "Note"},
		reg: registry.NewBuilder("note").
			Text("subject", "SU").
			Text("body", "BO").
			Slot("date", NoteSlotDate).
			MustBuild(),
	}}
}

// parseNote reads a TOML note, or plain text whose first line is the
// subject.
func parseNote(payload []byte) noteFile {
	var n noteFile
	if _, err := toml.Decode(string(payload), &n); err == nil && (n.Subject != "" || n.Body != "") {
		return n
	}
	text := strings.TrimSpace(string(payload))
	subject, body, _ := strings.Cut(text, "\n")
	return noteFile{
		Subject: strings.TrimSpace(strings.TrimLeft(subject, "# ")),
		Body:    strings.TrimSpace(body),
	}
}

func (t *NoteType) Extract(item store.Item, doc *index.Document) error {
	n := parseNote(item.Payload)
	if n.Date.IsZero() {
		n.Date = item.ModTime
	}

	doc.IndexText(n.Subject, "SU")
	doc.IndexText(n.Body, "BO")
	doc.IndexText(joinText(n.Subject, n.Body), "")
	indexDate(doc, NoteSlotDate, n.Date, true)

	doc.SetData(preview(map[string]any{
		"subject": n.Subject,
		"date":    n.Date,
		"snippet": n.Body,
	}))
	return nil
}

func (t *NoteType) FlagTerms(added, removed []string) (add, remove []string) {
	return nil, nil
}
