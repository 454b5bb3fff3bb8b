package reconcile

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/quillnote/quillsync/pkg/events"
)

type Kind string

const (
	KindNote     Kind = "note"
	KindFolder   Kind = "folder"
	KindTag      Kind = "tag"
	KindCategory Kind = "category"
)

// Item is one domain item as shown in the current view.
type Item struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Title      string          `json:"title"`
	FolderID   string          `json:"folderId,omitempty"`
	CategoryID string          `json:"categoryId,omitempty"`
	Color      string          `json:"color,omitempty"`
	Pinned     bool            `json:"pinned"`
	Archived   bool            `json:"archived"`
	Tags       []events.TagRef `json:"tags,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

func (it Item) clone() Item {
	it.Tags = append([]events.TagRef(nil), it.Tags...)
	return it
}

// ItemFromPayload converts a pushed item.
func ItemFromPayload(p events.ItemPayload) Item {
	return Item{
		ID:         p.ID,
		Kind:       Kind(p.Kind),
		Title:      p.Title,
		FolderID:   p.FolderID,
		CategoryID: p.CategoryID,
		Color:      p.Color,
		Pinned:     p.Pinned,
		Archived:   p.Archived,
		Tags:       append([]events.TagRef(nil), p.Tags...),
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}

type Tag struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	Pinned    bool      `json:"pinned"`
	CreatedAt time.Time `json:"createdAt"`
}

// TagFromPayload converts a pushed tag.
func TagFromPayload(p events.TagPayload) Tag {
	return Tag{
		ID:        p.ID,
		Name:      p.Name,
		Color:     p.Color,
		Pinned:    p.Pinned,
		CreatedAt: p.CreatedAt,
	}
}

// Stats are the item counters. They are only ever replaced by a fetch.
type Stats struct {
	Active   int `json:"active"`
	Archived int `json:"archived"`
	Foldered int `json:"foldered"`
	Pinned   int `json:"pinned"`
}

// Page is one page of the current view.
type Page struct {
	Items []Item `json:"items"`
	Total int    `json:"total"`
	Page  int    `json:"page"`
}

// Query is the filter and page state of the view.
type Query struct {
	Search     string
	FolderID   string
	CategoryID string
	TagID      string
	Archived   bool
	Page       int
	PageSize   int
}

// Key identifies the (filters, page) combination. Two queries with equal
// keys fetch the same page.
type Key string

func (q Query) Key() Key {
	return Key(q.Values().Encode())
}

// Values renders q as URL query parameters. Empty filters are omitted.
func (q Query) Values() url.Values {
	v := url.Values{}
	if q.Search != "" {
		v.Set("search", q.Search)
	}
	if q.FolderID != "" {
		v.Set("folder", q.FolderID)
	}
	if q.CategoryID != "" {
		v.Set("category", q.CategoryID)
	}
	if q.TagID != "" {
		v.Set("tag", q.TagID)
	}
	if q.Archived {
		v.Set("archived", "true")
	}
	v.Set("page", strconv.Itoa(max(q.Page, 1)))
	if q.PageSize > 0 {
		v.Set("page_size", strconv.Itoa(q.PageSize))
	}
	return v
}

// QueryRef is the live reference to the current query. Handlers read it when
// they run, never a copy captured when they were registered.
type QueryRef struct {
	mu sync.RWMutex
	q  Query
}

func NewQueryRef(q Query) *QueryRef {
	return &QueryRef{q: q}
}

func (r *QueryRef) Load() Query {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.q
}

func (r *QueryRef) Store(q Query) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.q = q
}

// Fetcher is the backend collaborator the engine re-fetches from.
type Fetcher interface {
	FetchPage(ctx context.Context, q Query) (Page, error)
	FetchStats(ctx context.Context) (Stats, error)
	FetchTags(ctx context.Context) ([]Tag, error)
}
