package tree

import (
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/fruitsalade/treesync/pkg/models"
)

var (
	ErrNotFound     = errors.New("node not found")
	ErrNameConflict = errors.New("name already taken")
	ErrDuplicateID  = errors.New("node id already exists")
	ErrWrongKind    = errors.New("wrong node kind")
	ErrRoot         = errors.New("not permitted on the root directory")
	ErrInvalidName  = errors.New("invalid node name")
)

// NewID returns a fresh node identifier.
func NewID() string {
	return ulid.Make().String()
}

type entry struct {
	id       string
	name     string
	kind     models.Kind
	content  string
	isOpen   bool
	parent   string
	children []string
	version  uint64

	// snap caches the materialized subtree. It is reset on the entry and
	// every ancestor whenever something below changes.
	snap *models.Node
}

// Store is an in-memory rooted tree of directories and files.
//
// Nodes live in a flat table keyed by id with parent/child links, so a
// mutation touches only the entries on the path from the root to its
// target. Snapshots handed out by Snapshot and Get share structure: a
// subtree that was not touched since the previous call is returned as the
// same pointer, which lets callers detect change by identity. Returned
// nodes are read-only; Clone them before modifying.
//
// A Store is not safe for concurrent use.
type Store struct {
	root  string
	nodes map[string]*entry
	newID func() string
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides the id source, mostly for tests.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		s.newID = fn
	}
}

// New creates a store holding a single empty root directory.
func New(rootName string, opts ...Option) *Store {
	s := &Store{
		nodes: make(map[string]*entry),
		newID: NewID,
	}
	for _, opt := range opts {
		opt(s)
	}
	root := &entry{id: s.newID(), name: rootName, kind: models.KindDirectory, isOpen: true, version: 1}
	s.nodes[root.id] = root
	s.root = root.id
	return s
}

// RootID returns the id of the root directory.
func (s *Store) RootID() string {
	return s.root
}

// Len returns the number of nodes, root included.
func (s *Store) Len() int {
	return len(s.nodes)
}

// Has reports whether id resolves to a node.
func (s *Store) Has(id string) bool {
	_, ok := s.nodes[id]
	return ok
}

// Version returns the mutation counter of a node, 0 if unknown.
func (s *Store) Version(id string) uint64 {
	if e, ok := s.nodes[id]; ok {
		return e.version
	}
	return 0
}

// Snapshot returns the whole tree.
func (s *Store) Snapshot() *models.Node {
	return s.materialize(s.nodes[s.root])
}

// Get returns the subtree rooted at id.
func (s *Store) Get(id string) (*models.Node, bool) {
	e, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return s.materialize(e), true
}

// FindParent returns the directory containing id.
func (s *Store) FindParent(id string) (*models.Node, bool) {
	e, ok := s.nodes[id]
	if !ok || e.parent == "" {
		return nil, false
	}
	return s.materialize(s.nodes[e.parent]), true
}

// Path returns the slash separated path of id relative to the root.
func (s *Store) Path(id string) (string, bool) {
	e, ok := s.nodes[id]
	if !ok {
		return "", false
	}
	var parts []string
	for e.parent != "" {
		parts = append(parts, e.name)
		e = s.nodes[e.parent]
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/"), true
}

// Descendants returns the ids below id in depth-first order.
func (s *Store) Descendants(id string) []string {
	e, ok := s.nodes[id]
	if !ok {
		return nil
	}
	var out []string
	var walk func(*entry)
	walk = func(e *entry) {
		for _, cid := range e.children {
			out = append(out, cid)
			walk(s.nodes[cid])
		}
	}
	walk(e)
	return out
}

// CreateDirectory appends a new empty directory to parentID, or to the root
// when parentID is empty.
func (s *Store) CreateDirectory(parentID, name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	p, err := s.dir(parentID)
	if err != nil {
		return "", err
	}
	e := &entry{id: s.newID(), name: name, kind: models.KindDirectory}
	s.attach(p, e)
	return e.id, nil
}

// CreateFile appends a new empty file to parentID. If a sibling file already
// uses name, the new file becomes base(1).ext, base(2).ext and so on.
func (s *Store) CreateFile(parentID, name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	p, err := s.dir(parentID)
	if err != nil {
		return "", err
	}
	e := &entry{id: s.newID(), name: s.uniqueFileName(p, name), kind: models.KindFile}
	s.attach(p, e)
	return e.id, nil
}

// InsertDirectory grafts a directory subtree that already carries ids.
func (s *Store) InsertDirectory(parentID string, dir *models.Node) (string, error) {
	if !dir.IsDir() {
		return "", fmt.Errorf("insert directory: %w", ErrWrongKind)
	}
	return s.insert(parentID, dir)
}

// InsertFile grafts a file node that already carries an id. The name is
// kept as given.
func (s *Store) InsertFile(parentID string, file *models.Node) (string, error) {
	if file == nil || file.Type != models.KindFile {
		return "", fmt.Errorf("insert file: %w", ErrWrongKind)
	}
	return s.insert(parentID, file)
}

func (s *Store) insert(parentID string, n *models.Node) (string, error) {
	p, err := s.dir(parentID)
	if err != nil {
		return "", err
	}
	if err := s.checkIDs([]*models.Node{n}, nil); err != nil {
		return "", err
	}
	e := s.graft(n)
	s.attach(p, e)
	return e.id, nil
}

// UpdateDirectory replaces the children of dirID in one step.
func (s *Store) UpdateDirectory(dirID string, children []*models.Node) error {
	d, err := s.dir(dirID)
	if err != nil {
		return err
	}
	old := make(map[string]bool)
	for _, id := range s.Descendants(d.id) {
		old[id] = true
	}
	if err := s.checkIDs(children, old); err != nil {
		return err
	}
	for id := range old {
		delete(s.nodes, id)
	}
	d.children = make([]string, 0, len(children))
	for _, c := range children {
		if c == nil {
			continue
		}
		ce := s.graft(c)
		ce.parent = d.id
		d.children = append(d.children, ce.id)
	}
	s.touch(d)
	return nil
}

// RenameDirectory renames dirID unless a sibling directory already has
// name. Files with the same name do not conflict.
func (s *Store) RenameDirectory(dirID, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	e, err := s.lookup(dirID, models.KindDirectory)
	if err != nil {
		return err
	}
	if p, ok := s.nodes[e.parent]; ok {
		for _, cid := range p.children {
			c := s.nodes[cid]
			if c.id != e.id && c.kind == models.KindDirectory && c.name == name {
				return fmt.Errorf("rename %q: %w", name, ErrNameConflict)
			}
		}
	}
	e.name = name
	s.touch(e)
	return nil
}

// RenameFile renames fileID. Sibling names are not checked.
func (s *Store) RenameFile(fileID, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	e, err := s.lookup(fileID, models.KindFile)
	if err != nil {
		return err
	}
	e.name = name
	s.touch(e)
	return nil
}

// DeleteDirectory removes dirID and everything below it.
func (s *Store) DeleteDirectory(dirID string) error {
	return s.remove(dirID, models.KindDirectory)
}

// DeleteFile removes fileID.
func (s *Store) DeleteFile(fileID string) error {
	return s.remove(fileID, models.KindFile)
}

func (s *Store) remove(id string, kind models.Kind) error {
	e, err := s.lookup(id, kind)
	if err != nil {
		return err
	}
	if e.id == s.root {
		return ErrRoot
	}
	for _, cid := range s.Descendants(e.id) {
		delete(s.nodes, cid)
	}
	delete(s.nodes, e.id)

	p := s.nodes[e.parent]
	kept := make([]string, 0, len(p.children))
	for _, cid := range p.children {
		if cid != e.id {
			kept = append(kept, cid)
		}
	}
	p.children = kept
	s.touch(p)
	return nil
}

// UpdateFileContent replaces the content of fileID.
func (s *Store) UpdateFileContent(fileID, content string) error {
	e, err := s.lookup(fileID, models.KindFile)
	if err != nil {
		return err
	}
	e.content = content
	s.touch(e)
	return nil
}

// ToggleDirectory flips the expansion flag of dirID.
func (s *Store) ToggleDirectory(dirID string) error {
	e, err := s.lookup(dirID, models.KindDirectory)
	if err != nil {
		return err
	}
	e.isOpen = !e.isOpen
	s.invalidate(e)
	return nil
}

// CollapseAll closes every directory.
func (s *Store) CollapseAll() {
	for _, e := range s.nodes {
		if e.kind == models.KindDirectory && e.isOpen {
			e.isOpen = false
			s.invalidate(e)
		}
	}
}

// Replace swaps the whole tree for root, keeping the ids it carries.
func (s *Store) Replace(root *models.Node) error {
	if !root.IsDir() {
		return fmt.Errorf("replace: %w", ErrWrongKind)
	}
	if err := checkUnique([]*models.Node{root}); err != nil {
		return err
	}
	s.nodes = make(map[string]*entry)
	e := s.graft(root)
	s.root = e.id
	return nil
}

func (s *Store) dir(id string) (*entry, error) {
	if id == "" {
		return s.nodes[s.root], nil
	}
	return s.lookup(id, models.KindDirectory)
}

func (s *Store) lookup(id string, kind models.Kind) (*entry, error) {
	e, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	if e.kind != kind {
		return nil, fmt.Errorf("%q is not a %s: %w", id, kind, ErrWrongKind)
	}
	return e, nil
}

func (s *Store) attach(p, e *entry) {
	e.parent = p.id
	if e.version == 0 {
		e.version = 1
	}
	s.nodes[e.id] = e
	p.children = append(p.children, e.id)
	s.touch(p)
}

// graft registers n and its subtree, generating ids where missing.
func (s *Store) graft(n *models.Node) *entry {
	e := &entry{
		id:      n.ID,
		name:    n.Name,
		kind:    n.Type,
		content: n.Content,
		isOpen:  n.IsOpen,
		version: 1,
	}
	if e.id == "" {
		e.id = s.newID()
	}
	if e.kind != models.KindDirectory {
		e.kind = models.KindFile
	}
	s.nodes[e.id] = e
	if e.kind == models.KindDirectory {
		for _, c := range n.Children {
			if c == nil {
				continue
			}
			ce := s.graft(c)
			ce.parent = e.id
			e.children = append(e.children, ce.id)
		}
	} else {
		e.isOpen = false
	}
	return e
}

// checkIDs rejects subtrees whose ids repeat or collide with live nodes
// outside replaced.
func (s *Store) checkIDs(nodes []*models.Node, replaced map[string]bool) error {
	if err := checkUnique(nodes); err != nil {
		return err
	}
	var err error
	walkNodes(nodes, func(n *models.Node) {
		if err == nil && n.ID != "" && s.Has(n.ID) && !replaced[n.ID] {
			err = fmt.Errorf("%q: %w", n.ID, ErrDuplicateID)
		}
	})
	return err
}

func checkUnique(nodes []*models.Node) error {
	seen := make(map[string]bool)
	var err error
	walkNodes(nodes, func(n *models.Node) {
		if err != nil || n.ID == "" {
			return
		}
		if seen[n.ID] {
			err = fmt.Errorf("%q repeated: %w", n.ID, ErrDuplicateID)
		}
		seen[n.ID] = true
	})
	return err
}

func walkNodes(nodes []*models.Node, fn func(*models.Node)) {
	for _, n := range nodes {
		if n == nil {
			continue
		}
		fn(n)
		walkNodes(n.Children, fn)
	}
}

// checkName rejects names that cannot be a single path segment.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return nil
}

func (s *Store) uniqueFileName(p *entry, name string) string {
	taken := make(map[string]bool)
	for _, cid := range p.children {
		if c := s.nodes[cid]; c.kind == models.KindFile {
			taken[c.name] = true
		}
	}
	if !taken[name] {
		return name
	}
	base, ext := splitExt(name)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s(%d)%s", base, i, ext)
		if !taken[candidate] {
			return candidate
		}
	}
}

// splitExt splits at the last dot. Dot files such as ".env" have no
// extension.
func splitExt(name string) (string, string) {
	i := strings.LastIndex(name, ".")
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i:]
}

func (s *Store) touch(e *entry) {
	e.version++
	s.invalidate(e)
}

func (s *Store) invalidate(e *entry) {
	for e != nil {
		e.snap = nil
		e = s.nodes[e.parent]
	}
}

func (s *Store) materialize(e *entry) *models.Node {
	if e.snap != nil {
		return e.snap
	}
	n := &models.Node{ID: e.id, Name: e.name, Type: e.kind}
	if e.kind == models.KindDirectory {
		n.IsOpen = e.isOpen
		n.Children = make([]*models.Node, 0, len(e.children))
		for _, cid := range e.children {
			n.Children = append(n.Children, s.materialize(s.nodes[cid]))
		}
	} else {
		n.Content = e.content
	}
	e.snap = n
	return n
}
