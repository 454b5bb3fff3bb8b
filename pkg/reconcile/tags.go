package reconcile

import (
	"slices"
	"strings"
)

// sortTags orders tags pinned first, then newest first, then by id.
func sortTags(tags []Tag) {
	slices.SortStableFunc(tags, compareTags)
}

func compareTags(a, b Tag) int {
	if a.Pinned != b.Pinned {
		if a.Pinned {
			return -1
		}
		return 1
	}
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// upsertTag replaces the tag with t.ID or appends t, then re-sorts.
func upsertTag(tags []Tag, t Tag) []Tag {
	if i := indexTag(tags, t.ID); i >= 0 {
		tags[i] = t
	} else {
		tags = append(tags, t)
	}
	sortTags(tags)
	return tags
}

// mergeTag copies the non-empty fields of t onto the tag with t.ID, or
// appends t when it is unknown, then re-sorts. An update can set the pin but
// never clear it; unpinning arrives as its own event.
func mergeTag(tags []Tag, t Tag) []Tag {
	i := indexTag(tags, t.ID)
	if i < 0 {
		return upsertTag(tags, t)
	}
	cur := &tags[i]
	if t.Name != "" {
		cur.Name = t.Name
	}
	if t.Color != "" {
		cur.Color = t.Color
	}
	if !t.CreatedAt.IsZero() {
		cur.CreatedAt = t.CreatedAt
	}
	if t.Pinned {
		cur.Pinned = true
	}
	sortTags(tags)
	return tags
}

// patchTag applies fn to the tag with id and re-sorts. It reports whether
// the tag was found.
func patchTag(tags []Tag, id string, fn func(*Tag)) bool {
	i := indexTag(tags, id)
	if i < 0 {
		return false
	}
	fn(&tags[i])
	sortTags(tags)
	return true
}

func removeTag(tags []Tag, id string) ([]Tag, bool) {
	i := indexTag(tags, id)
	if i < 0 {
		return tags, false
	}
	return slices.Delete(tags, i, i+1), true
}

func indexTag(tags []Tag, id string) int {
	return slices.IndexFunc(tags, func(t Tag) bool { return t.ID == id })
}
