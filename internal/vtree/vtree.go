// Package vtree translates flat delimiter listings from the storage
// backend into a navigable folder/file view.
package vtree

import (
	"strings"

	"github.com/arcvault/arcvault/internal/storage"
)

// Delimiter derives hierarchy from flat keys.
const Delimiter = "/"

// NodeType distinguishes derived folders from leaf files.
type NodeType string

// Node types.
const (
	NodeFolder NodeType = "folder"
	NodeFile   NodeType = "file"
)

// Node is one entry of a listing. Produced per request, never persisted.
// Files carry their name parsed against the archive grammar.
type Node struct {
	Type         NodeType     `json:"type"`
	Key          string       `json:"key"`
	Name         string       `json:"name"`
	Size         int64        `json:"size,omitempty"`
	LastModified string       `json:"last_modified,omitempty"`
	ETag         string       `json:"etag,omitempty"`
	Archive      *ArchiveName `json:"archive,omitempty"`
}

// Children is the shaped result for one prefix: folders first, then
// files, each in backend order.
type Children struct {
	Prefix  string `json:"prefix"`
	Folders []Node `json:"folders"`
	Files   []Node `json:"files"`
}

// ListChildren shapes a raw delimiter listing into child folders and
// files for the requested prefix. Folder names strip the request prefix
// and trailing delimiter; file names strip the request prefix. Marker
// keys (the prefix itself, or any delimiter-terminated key) are not
// files. Backend order is preserved; sorting is a presentation concern.
func ListChildren(prefix string, raw *storage.Listing) Children {
	out := Children{
		Prefix:  prefix,
		Folders: []Node{},
		Files:   []Node{},
	}
	if raw == nil {
		return out
	}

	for _, cp := range raw.CommonPrefixes {
		name := strings.TrimPrefix(cp, prefix)
		name = strings.TrimSuffix(name, Delimiter)
		if name == "" {
			continue
		}
		out.Folders = append(out.Folders, Node{
			Type: NodeFolder,
			Key:  cp,
			Name: name,
		})
	}

	for _, obj := range raw.Objects {
		if strings.HasSuffix(obj.Key, Delimiter) {
			continue // folder marker
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		if name == "" || strings.Contains(name, Delimiter) {
			// Not directly under the requested prefix.
			continue
		}
		parsed := ParseArchiveName(stem(name))
		node := Node{
			Type:    NodeFile,
			Key:     obj.Key,
			Name:    name,
			Size:    obj.Size,
			ETag:    obj.ETag,
			Archive: &parsed,
		}
		if !obj.LastModified.IsZero() {
			node.LastModified = obj.LastModified.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
		out.Files = append(out.Files, node)
	}

	return out
}

// Merged returns the deterministic merged node list: folders in listing
// order, then files in listing order. This is the ordering pagination
// operates on.
func (c Children) Merged() []Node {
	merged := make([]Node, 0, len(c.Folders)+len(c.Files))
	merged = append(merged, c.Folders...)
	merged = append(merged, c.Files...)
	return merged
}

// Cursor addresses one page of a merged node list. Page numbers are
// 1-based; changing the prefix resets the cursor to page 1.
type Cursor struct {
	Page     int
	PageSize int
}

// Page is one page of nodes with its bounds.
type Page struct {
	Items      []Node `json:"items"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
	TotalItems int    `json:"total_items"`
	TotalPages int    `json:"total_pages"`
}

// Paginate slices nodes according to the cursor. The page number is
// clamped to [1, ceil(total/pageSize)], minimum 1 even when nodes is
// empty.
func Paginate(nodes []Node, c Cursor) Page {
	size := c.PageSize
	if size < 1 {
		size = 1
	}

	total := len(nodes)
	totalPages := (total + size - 1) / size
	if totalPages < 1 {
		totalPages = 1
	}

	page := c.Page
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}

	start := (page - 1) * size
	end := start + size
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	return Page{
		Items:      nodes[start:end],
		Page:       page,
		PageSize:   size,
		TotalItems: total,
		TotalPages: totalPages,
	}
}

// Crumb is one breadcrumb segment. The terminal segment is the current
// location and is not independently navigable.
type Crumb struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Current bool   `json:"current,omitempty"`
}

// rootCrumbName labels the implicit root segment.
const rootCrumbName = "Home"

// Breadcrumbs splits the current prefix into ordered segments, prefixed
// by the implicit root. Each non-terminal segment's path is the join of
// all segments up to and including it plus the trailing delimiter.
func Breadcrumbs(prefix string) []Crumb {
	trimmed := strings.Trim(prefix, Delimiter)
	if trimmed == "" {
		return []Crumb{{Name: rootCrumbName, Current: true}}
	}

	segments := strings.Split(trimmed, Delimiter)
	crumbs := make([]Crumb, 0, len(segments)+1)
	crumbs = append(crumbs, Crumb{Name: rootCrumbName, Path: ""})

	var joined strings.Builder
	for i, seg := range segments {
		joined.WriteString(seg)
		joined.WriteString(Delimiter)
		crumb := Crumb{Name: seg}
		if i < len(segments)-1 {
			crumb.Path = joined.String()
		} else {
			crumb.Current = true
		}
		crumbs = append(crumbs, crumb)
	}
	return crumbs
}
