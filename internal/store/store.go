// Package store defines the item and collection source the indexer keeps
// itself consistent with.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// PartPayload names the payload part of an item.
const PartPayload = "PLD:RFC822"

const (
	MimeEmail      = "message/rfc822"
	MimeContact    = "text/x-pim-contact"
	MimeEvent      = "text/x-pim-event"
	MimeNote       = "text/x-pim-note"
	MimeCollection = "inode/directory"
)

type Item struct {
	ID         int64     `json:"id"`
	Collection int64     `json:"collection"`
	MimeType   string    `json:"mime_type"`
	Flags      []string  `json:"flags,omitempty"`
	ModTime    time.Time `json:"mtime"`
	Size       int64     `json:"size"`
	Payload    []byte    `json:"-"`
}

type Collection struct {
	ID               int64    `json:"id"`
	Parent           int64    `json:"parent"`
	Name             string   `json:"name"`
	Path             string   `json:"path,omitempty"`
	MimeTypes        []string `json:"mime_types,omitempty"`
	Virtual          bool     `json:"virtual,omitempty"`
	IndexingDisabled bool     `json:"indexing_disabled,omitempty"`
}

// Indexable reports whether the collection's items should be indexed.
func (c Collection) Indexable() bool {
	return !c.Virtual && !c.IndexingDisabled
}

// Fetcher reads collections and items. Items returns payloads; the other
// calls are metadata only.
type Fetcher interface {
	Collection(ctx context.Context, id int64) (*Collection, error)
	Collections(ctx context.Context) ([]Collection, error)
	ItemCount(ctx context.Context, collection int64, mimeTypes []string) (int, error)
	ItemIDs(ctx context.Context, collection int64, mimeTypes []string) ([]int64, error)
	Items(ctx context.Context, ids []int64) ([]Item, error)
}

// Feed delivers change notifications until it is closed.
type Feed interface {
	Events() <-chan Event
}

type EventKind int

const (
	ItemAdded EventKind = iota + 1
	ItemChanged
	ItemsFlagsChanged
	ItemsRemoved
	ItemsMoved
	CollectionAdded
	CollectionChanged
	CollectionRemoved
	CollectionMoved
)

func (k EventKind) String() string {
	switch k {
	case ItemAdded:
		return "item-added"
	case ItemChanged:
		return "item-changed"
	case ItemsFlagsChanged:
		return "items-flags-changed"
	case ItemsRemoved:
		return "items-removed"
	case ItemsMoved:
		return "items-moved"
	case CollectionAdded:
		return "collection-added"
	case CollectionChanged:
		return "collection-changed"
	case CollectionRemoved:
		return "collection-removed"
	case CollectionMoved:
		return "collection-moved"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one store mutation. Items carry metadata only.
type Event struct {
	Kind         EventKind
	Items        []Item
	Collection   Collection
	Parts        []string
	AddedFlags   []string
	RemovedFlags []string
	From         int64
	To           int64
}

// HasPayloadPart reports whether an item change touched payload data.
func (e Event) HasPayloadPart() bool {
	for _, p := range e.Parts {
		if strings.HasPrefix(p, "PLD:") {
			return true
		}
	}
	return false
}
