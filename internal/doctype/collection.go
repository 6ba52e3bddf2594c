package doctype

import (
	"github.com/AvengeMedia/pimsearch/internal/index"
	"github.com/AvengeMedia/pimsearch/internal/registry"
	"github.com/AvengeMedia/pimsearch/internal/store"
)

// CollectionType indexes collections themselves. A collection document is
// tagged with its parent, so "collection" queries list children.
type CollectionType struct {
	base
}

func Collection() *CollectionType {
	return &CollectionType{base{
		name:  "collection",
		mimes: []string{store.MimeCollection},
		types: []string{TypePIM, "Collection"},
		reg: registry.NewBuilder("collection").
			Text("name", "N").
			Value("mimetype", "M").
			MustBuild(),
	}}
}

func (t *CollectionType) Document(c store.Collection) *index.Document {
	doc := index.NewDocument(c.ID, c.Parent)
	doc.IndexText(c.Name, "N")
	doc.IndexText(c.Name, "")
	for _, m := range c.MimeTypes {
		doc.AddBoolTerm("M" + m)
	}
	doc.SetData(preview(map[string]any{
		"name": c.Name,
		"path": c.Path,
	}))
	return doc
}
