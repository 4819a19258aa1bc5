// Package tree holds the replicated file tree and helpers for walking
// materialized snapshots of it.
package tree

import (
	"github.com/fruitsalade/treesync/pkg/models"
)

// BuildChildPath joins a root-relative parent path and a child name.
func BuildChildPath(parentPath, name string) string {
	if parentPath == "" {
		return name
	}
	return parentPath + "/" + name
}

// Walk visits every node below root in display order with its
// root-relative path. The root itself is not visited.
func Walk(root *models.Node, fn func(path string, n *models.Node) error) error {
	if root == nil {
		return nil
	}
	return walk(root, "", fn)
}

func walk(dir *models.Node, prefix string, fn func(string, *models.Node) error) error {
	for _, child := range dir.Children {
		p := BuildChildPath(prefix, child.Name)
		if err := fn(p, child); err != nil {
			return err
		}
		if child.IsDir() {
			if err := walk(child, p, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flatten returns all nodes below root keyed by root-relative path.
func Flatten(root *models.Node) map[string]*models.Node {
	result := make(map[string]*models.Node)
	Walk(root, func(path string, n *models.Node) error {
		result[path] = n
		return nil
	})
	return result
}
