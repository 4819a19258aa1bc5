// Package session tracks which files a peer has open for editing.
package session

import (
	"errors"
	"fmt"

	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/tree"
)

var (
	// ErrNotOpen is returned for operations on files that are not open.
	ErrNotOpen = errors.New("file not open")
	// ErrNotActive is returned when editing an open file that is not active.
	ErrNotActive = errors.New("file not active")
)

// Session holds copies of the open files and the active file pointer.
// Copies may carry unsaved edits until they are flushed into the tree.
//
// A Session is not safe for concurrent use.
type Session struct {
	tree   *tree.Store
	open   []*models.Node
	active string
}

// New creates an empty session over store.
func New(store *tree.Store) *Session {
	return &Session{tree: store}
}

// OpenFile flushes the active file, adds id to the open list if needed and
// makes it active.
func (s *Session) OpenFile(id string) error {
	n, ok := s.tree.Get(id)
	if !ok {
		return fmt.Errorf("open %q: %w", id, tree.ErrNotFound)
	}
	if n.IsDir() {
		return fmt.Errorf("open %q: %w", id, tree.ErrWrongKind)
	}
	if err := s.flushActive(); err != nil {
		return err
	}
	if s.index(id) < 0 {
		s.open = append(s.open, n.Clone())
	}
	s.active = id
	return nil
}

// CloseFile removes id from the open list. Closing the active file flushes
// it and activates the previous neighbour, else the next one, else none.
func (s *Session) CloseFile(id string) error {
	i := s.index(id)
	if i < 0 {
		return fmt.Errorf("close %q: %w", id, ErrNotOpen)
	}
	if id == s.active {
		if err := s.flushActive(); err != nil {
			return err
		}
		switch {
		case i > 0:
			s.active = s.open[i-1].ID
		case i+1 < len(s.open):
			s.active = s.open[i+1].ID
		default:
			s.active = ""
		}
	}
	s.open = append(s.open[:i], s.open[i+1:]...)
	return nil
}

// UpdateContent writes text into the tree and mirrors it into the open copy.
func (s *Session) UpdateContent(id, text string) error {
	if err := s.tree.UpdateFileContent(id, text); err != nil {
		return err
	}
	if i := s.index(id); i >= 0 {
		s.open[i].Content = text
	}
	return nil
}

// Edit changes only the open copy of id, which must be the active file.
// The tree sees the text on the next flush; only the active copy is ever
// flushed, so drafts in other open files are refused.
func (s *Session) Edit(id, text string) error {
	i := s.index(id)
	if i < 0 {
		return fmt.Errorf("edit %q: %w", id, ErrNotOpen)
	}
	if id != s.active {
		return fmt.Errorf("edit %q: %w", id, ErrNotActive)
	}
	s.open[i].Content = text
	return nil
}

// Flush writes the active copy back into the tree.
func (s *Session) Flush() error {
	return s.flushActive()
}

// SyncName copies the current tree name of id into its open copy.
func (s *Session) SyncName(id string) {
	i := s.index(id)
	if i < 0 {
		return
	}
	if n, ok := s.tree.Get(id); ok {
		s.open[i].Name = n.Name
	}
}

// Forget drops ids from the open list, clearing the active file if it is
// among them. Unknown ids are ignored.
func (s *Session) Forget(ids ...string) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.open[:0]
	for _, f := range s.open {
		if !drop[f.ID] {
			kept = append(kept, f)
		}
	}
	for i := len(kept); i < len(s.open); i++ {
		s.open[i] = nil
	}
	s.open = kept
	if drop[s.active] {
		s.active = ""
	}
}

// Clear closes everything.
func (s *Session) Clear() {
	s.open = nil
	s.active = ""
}

// Restore replaces the open list and active file wholesale.
func (s *Session) Restore(open []*models.Node, active *models.Node) {
	s.open = make([]*models.Node, 0, len(open))
	for _, f := range open {
		if f != nil {
			s.open = append(s.open, f.Clone())
		}
	}
	s.active = ""
	if active != nil {
		if s.index(active.ID) < 0 {
			s.open = append(s.open, active.Clone())
		}
		s.active = active.ID
	}
}

// OpenFiles returns copies of the open files in display order.
func (s *Session) OpenFiles() []*models.Node {
	out := make([]*models.Node, len(s.open))
	for i, f := range s.open {
		out[i] = f.Clone()
	}
	return out
}

// Active returns a copy of the active file, or nil.
func (s *Session) Active() *models.Node {
	if i := s.index(s.active); i >= 0 {
		return s.open[i].Clone()
	}
	return nil
}

// IsOpen reports whether id is in the open list.
func (s *Session) IsOpen(id string) bool {
	return s.index(id) >= 0
}

func (s *Session) flushActive() error {
	i := s.index(s.active)
	if i < 0 {
		return nil
	}
	f := s.open[i]
	n, ok := s.tree.Get(f.ID)
	if !ok || n.Content == f.Content {
		return nil
	}
	if err := s.tree.UpdateFileContent(f.ID, f.Content); err != nil {
		return fmt.Errorf("flush %q: %w", f.ID, err)
	}
	return nil
}

func (s *Session) index(id string) int {
	if id == "" {
		return -1
	}
	for i, f := range s.open {
		if f.ID == id {
			return i
		}
	}
	return -1
}
