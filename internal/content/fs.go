package content

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/EntropyParadigm/pure-gopher/internal/gopher"
)

const (
	gophermapName = "gophermap"
	indexGemName  = "index.gmi"
	// maxDocumentBytes caps a single served file.
	maxDocumentBytes = 16 << 20
	// maxSearchScanBytes caps how much of each text file Search reads.
	maxSearchScanBytes = 64 << 10
)

// FS is a Store over a directory tree. Access goes through os.Root so no
// selector can reach outside the tree.
type FS struct {
	root *os.Root
}

// OpenFS opens dir as a content tree.
func OpenFS(dir string) (*FS, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("content: open %s: %w", dir, err)
	}
	return &FS{root: root}, nil
}

// Close releases the root handle.
func (f *FS) Close() error { return f.root.Close() }

func relName(selector string) (string, error) {
	cleaned, ok := CleanSelector(selector)
	if !ok {
		return "", ErrNotFound
	}
	if cleaned == "/" {
		return ".", nil
	}
	rel := strings.TrimPrefix(cleaned, "/")
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return "", ErrNotFound
		}
	}
	return rel, nil
}

func nodeFor(rel string, info fs.FileInfo) Node {
	sel := "/"
	if rel != "." {
		sel = "/" + rel
	}
	name := info.Name()
	if rel == "." {
		name = "/"
	}
	return Node{Selector: sel, Name: name, Dir: info.IsDir(), Size: info.Size(), ModTime: info.ModTime()}
}

func (f *FS) stat(selector string) (string, Node, error) {
	rel, err := relName(selector)
	if err != nil {
		return "", Node{}, err
	}
	info, err := f.root.Stat(rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return "", Node{}, ErrNotFound
		}
		return "", Node{}, fmt.Errorf("content: stat %s: %w", selector, err)
	}
	return rel, nodeFor(rel, info), nil
}

// Stat implements Store.
func (f *FS) Stat(_ context.Context, selector string) (Node, error) {
	_, n, err := f.stat(selector)
	return n, err
}

// Get implements Store.
func (f *FS) Get(_ context.Context, selector string) (Document, error) {
	rel, n, err := f.stat(selector)
	if err != nil {
		return Document{}, err
	}
	if n.Dir {
		return Document{}, ErrNotFound
	}
	body, err := f.readFile(rel, maxDocumentBytes)
	if err != nil {
		return Document{}, err
	}
	return Document{Node: n, Body: body}, nil
}

func (f *FS) readFile(rel string, limit int64) ([]byte, error) {
	file, err := f.root.Open(rel)
	if err != nil {
		return nil, fmt.Errorf("content: open %s: %w", rel, err)
	}
	defer file.Close()
	body, err := io.ReadAll(io.LimitReader(file, limit))
	if err != nil {
		return nil, fmt.Errorf("content: read %s: %w", rel, err)
	}
	return body, nil
}

// List implements Store. Hidden entries, the gophermap and index.gmi are
// not listed as children.
func (f *FS) List(_ context.Context, selector string) (Listing, error) {
	rel, n, err := f.stat(selector)
	if err != nil {
		return Listing{}, err
	}
	if !n.Dir {
		return Listing{}, ErrNotFound
	}
	entries, err := fs.ReadDir(f.root.FS(), rel)
	if err != nil {
		return Listing{}, fmt.Errorf("content: list %s: %w", selector, err)
	}

	out := Listing{Node: n}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || name == gophermapName || name == indexGemName {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out.Children = append(out.Children, nodeFor(path.Join(rel, name), info))
	}
	sort.Slice(out.Children, func(i, j int) bool {
		if out.Children[i].Dir != out.Children[j].Dir {
			return out.Children[i].Dir
		}
		return out.Children[i].Name < out.Children[j].Name
	})

	if body, err := f.readFile(path.Join(rel, gophermapName), maxDocumentBytes); err == nil {
		out.Gophermap = ParseGophermap(body, n.Selector)
	}
	if body, err := f.readFile(path.Join(rel, indexGemName), maxDocumentBytes); err == nil {
		out.Index = body
	}
	return out, nil
}

// Search matches query case-insensitively against file names and the head
// of text files.
func (f *FS) Search(ctx context.Context, query string, limit int) ([]Node, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	var out []Node
	err := f.walkFiles(ctx, func(rel string, n Node) bool {
		if strings.Contains(strings.ToLower(n.Name), q) {
			out = append(out, n)
		} else if n.GopherType() == gopher.TypeText {
			if body, err := f.readFile(rel, maxSearchScanBytes); err == nil && bytes.Contains(bytes.ToLower(body), []byte(q)) {
				out = append(out, n)
			}
		}
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// Recent lists files newest first.
func (f *FS) Recent(ctx context.Context, limit int) ([]Node, error) {
	var out []Node
	err := f.walkFiles(ctx, func(_ string, n Node) bool {
		out = append(out, n)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var errStopWalk = errors.New("stop walk")

func (f *FS) walkFiles(ctx context.Context, fn func(rel string, n Node) bool) error {
	err := fs.WalkDir(f.root.FS(), ".", func(rel string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if rel != "." && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || name == gophermapName || name == indexGemName {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !fn(rel, nodeFor(rel, info)) {
			return errStopWalk
		}
		return nil
	})
	if errors.Is(err, errStopWalk) {
		return nil
	}
	return err
}

// ParseGophermap reads a gophermap. Lines with a tab are menu items
// ("Ttext\tselector[\thost[\tport]]"); others are info text. Relative
// selectors resolve against dir. Items with an empty host are local and get
// the server's host and port from the caller.
func ParseGophermap(body []byte, dir string) []gopher.Item {
	var items []gopher.Item
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "." {
			break
		}
		if !strings.Contains(line, "\t") || line == "" {
			items = append(items, gopher.Item{Type: gopher.TypeInfo, Text: line})
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields[0]) == 0 {
			continue
		}
		it := gopher.Item{Type: fields[0][0], Text: fields[0][1:]}
		if len(fields) > 1 {
			it.Selector = fields[1]
		}
		if len(fields) > 2 {
			it.Host = fields[2]
		}
		if len(fields) > 3 {
			if p, err := strconv.Atoi(strings.TrimSpace(fields[3])); err == nil {
				it.Port = p
			}
		}
		if it.Host == "" && it.Selector != "" && !strings.HasPrefix(it.Selector, "/") && !strings.HasPrefix(it.Selector, "URL:") {
			it.Selector = path.Join(dir, it.Selector)
		}
		items = append(items, it)
	}
	return items
}
