// Package content serves a static document tree to both protocols.
package content

import (
	"context"
	"errors"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/EntropyParadigm/pure-gopher/internal/gopher"
)

// ErrNotFound is returned for selectors that do not name a readable node.
var ErrNotFound = errors.New("content: not found")

// Node describes one file or directory.
type Node struct {
	Selector string    `json:"selector"`
	Name     string    `json:"name"`
	Dir      bool      `json:"dir"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
}

// GopherType maps the node to a menu item type by extension.
func (n Node) GopherType() byte {
	if n.Dir {
		return gopher.TypeMenu
	}
	switch strings.ToLower(path.Ext(n.Name)) {
	case ".txt", ".md", ".gmi", ".text", "":
		return gopher.TypeText
	case ".html", ".htm":
		return gopher.TypeHTML
	case ".gif":
		return gopher.TypeGIF
	case ".png", ".jpg", ".jpeg", ".webp", ".bmp":
		return gopher.TypeImage
	default:
		return gopher.TypeBinary
	}
}

// MIME returns the Gemini response type for the node.
func (n Node) MIME() string {
	ext := strings.ToLower(path.Ext(n.Name))
	switch ext {
	case ".gmi", ".gemini":
		return "text/gemini; charset=utf-8"
	case ".txt", ".md", ".text", "":
		return "text/plain; charset=utf-8"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Document is a file node with its body.
type Document struct {
	Node
	Body []byte
}

// Listing is a directory node. Gophermap holds the parsed gophermap items
// when the directory carries one; Index holds index.gmi when present.
type Listing struct {
	Node
	Children  []Node
	Gophermap []gopher.Item
	Index     []byte
}

// Store is the read side consumed by the router.
type Store interface {
	Stat(ctx context.Context, selector string) (Node, error)
	Get(ctx context.Context, selector string) (Document, error)
	List(ctx context.Context, selector string) (Listing, error)
	Search(ctx context.Context, query string, limit int) ([]Node, error)
	Recent(ctx context.Context, limit int) ([]Node, error)
}

// CleanSelector normalizes a selector or path to rooted "/a/b" form.
// Dot-dot segments clamp at the root. Control characters are rejected.
func CleanSelector(selector string) (string, bool) {
	if strings.ContainsAny(selector, "\x00\t\r\n") {
		return "", false
	}
	return path.Clean("/" + strings.TrimLeft(selector, "/")), true
}
