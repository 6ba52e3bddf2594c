package doctype

import (
	"fmt"
	"time"

	"github.com/AvengeMedia/pimsearch/internal/index"
	"github.com/AvengeMedia/pimsearch/internal/registry"
	"github.com/AvengeMedia/pimsearch/internal/store"
	"github.com/BurntSushi/toml"
)

const (
	ContactSlotBirthday    = 0
	ContactSlotAnniversary = 1
)

// contactFile is the on-disk form of a .contact item.
type contactFile struct {
	UID          string    `toml:"uid"`
	Name         string    `toml:"name"`
	Nick         string    `toml:"nick"`
	Emails       []string  `toml:"emails"`
	Organization string    `toml:"organization"`
	Note         string    `toml:"note"`
	Birthday     time.Time `toml:"birthday"`
	Anniversary  time.Time `toml:"anniversary"`
}

type ContactType struct {
	base
}

func Contact() *ContactType {
	return &ContactType{base{
		name:  "contact",
		mimes: []string{store.MimeContact},
		types: []string{TypePIM, "Contact"},
		reg: registry.NewBuilder("contact").
			Text("name", "NA").
			Text("nick", "NI").
			Text("email", "EM").
			Text("organization", "O").
			Text("note", "N").
			Value("uid", "UID").
			Slot("birthday", ContactSlotBirthday).
			Slot("anniversary", ContactSlotAnniversary).
			MustBuild(),
	}}
}

func (t *ContactType) Extract(item store.Item, doc *index.Document) error {
	var c contactFile
	if _, err := toml.Decode(string(item.Payload), &c); err != nil {
		return fmt.Errorf("parse contact %d: %w", item.ID, err)
	}

	doc.IndexText(c.Name, "NA")
	doc.IndexText(c.Nick, "NI")
	for _, e := range c.Emails {
		doc.IndexText(e, "EM")
	}
	doc.IndexText(c.Organization, "O")
	doc.IndexText(c.Note, "N")
	doc.IndexText(joinText(append([]string{c.Name, c.Nick, c.Organization}, c.Emails...)...), "")
	doc.IndexTextWithoutPositions(c.Note, "")

	if c.UID != "" {
		doc.AddBoolTerm("UID" + c.UID)
	}
	indexDate(doc, ContactSlotBirthday, c.Birthday, true)
	indexDate(doc, ContactSlotAnniversary, c.Anniversary, false)

	doc.SetData(preview(map[string]any{
		"name":         c.Name,
		"emails":       c.Emails,
		"organization": c.Organization,
	}))
	return nil
}

func (t *ContactType) FlagTerms(added, removed []string) (add, remove []string) {
	return nil, nil
}
