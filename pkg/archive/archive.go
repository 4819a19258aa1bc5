// Package archive converts a tree into a flat path archive and back.
//
// Directories appear as "dir/" entries, files as "dir/name" with their
// content. Paths are relative to the root, which is not itself an entry.
//
// The tree refuses names that would not survive as a path segment, but it
// allows sibling files to share a name after a rename. Such files export
// as repeated paths and import as one file carrying the last content.
package archive

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/tree"
)

// Entry is one path in the archive.
type Entry struct {
	Path    string
	Content string
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return strings.HasSuffix(e.Path, "/")
}

// Export flattens root in display order.
func Export(root *models.Node) []Entry {
	var entries []Entry
	tree.Walk(root, func(path string, n *models.Node) error {
		if n.IsDir() {
			entries = append(entries, Entry{Path: path + "/"})
		} else {
			entries = append(entries, Entry{Path: path, Content: n.Content})
		}
		return nil
	})
	return entries
}

// Import rebuilds the children of a root directory path by path. Missing
// intermediate directories are created. The returned nodes carry no ids.
func Import(entries []Entry) []*models.Node {
	root := models.NewDirectory("", "")
	for _, e := range entries {
		parts := splitPath(e.Path)
		if len(parts) == 0 {
			continue
		}
		dir := root
		for i, name := range parts {
			last := i == len(parts)-1
			if last && !e.IsDir() {
				if child := findChild(dir, name, models.KindFile); child != nil {
					child.Content = e.Content
				} else {
					f := models.NewFile("", name)
					f.Content = e.Content
					dir.Children = append(dir.Children, f)
				}
				break
			}
			child := findChild(dir, name, models.KindDirectory)
			if child == nil {
				child = models.NewDirectory("", name)
				dir.Children = append(dir.Children, child)
			}
			dir = child
		}
	}
	return root.Children
}

func splitPath(p string) []string {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		switch part {
		case "", ".":
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			parts = append(parts, part)
		}
	}
	return parts
}

func findChild(dir *models.Node, name string, kind models.Kind) *models.Node {
	for _, c := range dir.Children {
		if c.Name == name && c.Type == kind {
			return c
		}
	}
	return nil
}

// WriteZip writes entries as a zip archive.
func WriteZip(w io.Writer, entries []Entry) error {
	zw := zip.NewWriter(w)
	for _, e := range entries {
		f, err := zw.Create(e.Path)
		if err != nil {
			return fmt.Errorf("zip %s: %w", e.Path, err)
		}
		if e.IsDir() {
			continue
		}
		if _, err := io.WriteString(f, e.Content); err != nil {
			return fmt.Errorf("zip %s: %w", e.Path, err)
		}
	}
	return zw.Close()
}

// ReadZip reads a zip archive into entries.
func ReadZip(r io.ReaderAt, size int64) ([]Entry, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	entries := make([]Entry, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			name := f.Name
			if !strings.HasSuffix(name, "/") {
				name += "/"
			}
			entries = append(entries, Entry{Path: name})
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		entries = append(entries, Entry{Path: f.Name, Content: string(data)})
	}
	return entries, nil
}
