// Package models contains the data types shared by peers and the relay.
package models

// Kind distinguishes files from directories.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// Node is a file or directory in the replicated tree.
type Node struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Type     Kind    `json:"type"`
	Content  string  `json:"content,omitempty"`
	Children []*Node `json:"children,omitempty"`
	IsOpen   bool    `json:"isOpen,omitempty"`
}

// IsDir reports whether n is a directory.
func (n *Node) IsDir() bool {
	return n != nil && n.Type == KindDirectory
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Children != nil {
		c.Children = make([]*Node, len(n.Children))
		for i, child := range n.Children {
			c.Children[i] = child.Clone()
		}
	}
	return &c
}

// NewDirectory returns a directory node with no children.
func NewDirectory(id, name string) *Node {
	return &Node{ID: id, Name: name, Type: KindDirectory, Children: []*Node{}}
}

// NewFile returns an empty file node.
func NewFile(id, name string) *Node {
	return &Node{ID: id, Name: name, Type: KindFile}
}
