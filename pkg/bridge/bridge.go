// Package bridge replicates tree mutations between a peer and the relay.
//
// Every mutation made through a Bridge is applied to the local tree first
// and then emitted as one event. Events received from the relay go through
// Apply, which performs the same mutation without emitting, so nothing is
// echoed back. All calls, local and inbound, are serialized by one mutex:
// each runs to completion before the next starts.
package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/treesync/pkg/archive"
	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/protocol"
	"github.com/fruitsalade/treesync/pkg/session"
	"github.com/fruitsalade/treesync/pkg/tree"
)

var (
	ErrUsernameTaken = errors.New("username already taken in room")
	ErrNotJoined     = errors.New("not joined to a room")
)

// Emitter delivers one event to the relay. Implementations must not block
// and must not call back into the Bridge.
type Emitter interface {
	Emit(event string, payload any) error
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.log = l
	}
}

// Bridge couples a tree and a session to the relay.
type Bridge struct {
	mu      sync.Mutex
	tree    *tree.Store
	session *session.Session
	out     Emitter
	log     *zap.Logger

	self     models.User
	users    []models.User
	joined   bool
	awaiting bool
	messages []protocol.Message
	failures int
}

// New creates a bridge over store and sess. With a nil emitter the bridge
// works purely locally until SetEmitter is called.
func New(store *tree.Store, sess *session.Session, out Emitter, opts ...Option) *Bridge {
	b := &Bridge{
		tree:    store,
		session: sess,
		out:     out,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetEmitter replaces the outbound transport.
func (b *Bridge) SetEmitter(e Emitter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = e
}

func (b *Bridge) emit(event string, payload any) {
	if b.out == nil {
		return
	}
	if err := b.out.Emit(event, payload); err != nil {
		b.failures++
		b.log.Warn("event not propagated", zap.String("event", event), zap.Error(err))
	}
}

func (b *Bridge) parentID(id string) string {
	if id == "" {
		return b.tree.RootID()
	}
	return id
}

// ─── Local mutations ────────────────────────────────────────────────────────

// CreateDirectory creates a directory under parentID (root if empty).
func (b *Bridge) CreateDirectory(parentID, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, err := b.tree.CreateDirectory(parentID, name)
	if err != nil {
		return "", err
	}
	n, _ := b.tree.Get(id)
	b.emit(protocol.DirectoryCreated, protocol.DirectoryCreatedPayload{
		ParentDirID:  b.parentID(parentID),
		NewDirectory: n,
	})
	return id, nil
}

// CreateFile creates a file under parentID (root if empty).
func (b *Bridge) CreateFile(parentID, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, err := b.tree.CreateFile(parentID, name)
	if err != nil {
		return "", err
	}
	n, _ := b.tree.Get(id)
	b.emit(protocol.FileCreated, protocol.FileCreatedPayload{
		ParentDirID: b.parentID(parentID),
		NewFile:     n,
	})
	return id, nil
}

// UpdateDirectory replaces the children of dirID and closes every open file.
func (b *Bridge) UpdateDirectory(dirID string, children []*models.Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updateDirectory(dirID, children)
}

// ImportDirectory replaces the children of dirID with an archive.
func (b *Bridge) ImportDirectory(dirID string, entries []archive.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updateDirectory(dirID, archive.Import(entries))
}

func (b *Bridge) updateDirectory(dirID string, children []*models.Node) error {
	dirID = b.parentID(dirID)
	if err := b.session.Flush(); err != nil {
		return err
	}
	if err := b.tree.UpdateDirectory(dirID, children); err != nil {
		return err
	}
	b.session.Clear()
	n, _ := b.tree.Get(dirID)
	b.emit(protocol.DirectoryUpdated, protocol.DirectoryUpdatedPayload{
		DirID:    dirID,
		Children: n.Children,
	})
	return nil
}

// RenameDirectory renames dirID, failing with tree.ErrNameConflict when a
// sibling directory already has name.
func (b *Bridge) RenameDirectory(dirID, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.tree.RenameDirectory(dirID, name); err != nil {
		return err
	}
	b.emit(protocol.DirectoryRenamed, protocol.DirectoryRenamedPayload{DirID: dirID, NewDirName: name})
	return nil
}

// RenameFile renames fileID.
func (b *Bridge) RenameFile(fileID, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.tree.RenameFile(fileID, name); err != nil {
		return err
	}
	b.session.SyncName(fileID)
	b.emit(protocol.FileRenamed, protocol.FileRenamedPayload{FileID: fileID, NewName: name})
	return nil
}

// DeleteDirectory removes dirID with its subtree and closes files inside it.
func (b *Bridge) DeleteDirectory(dirID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.deleteDirectory(dirID); err != nil {
		return err
	}
	b.emit(protocol.DirectoryDeleted, protocol.DirectoryDeletedPayload{DirID: dirID})
	return nil
}

func (b *Bridge) deleteDirectory(dirID string) error {
	below := b.tree.Descendants(dirID)
	if err := b.tree.DeleteDirectory(dirID); err != nil {
		return err
	}
	b.session.Forget(below...)
	return nil
}

// DeleteFile removes fileID and closes it.
func (b *Bridge) DeleteFile(fileID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.tree.DeleteFile(fileID); err != nil {
		return err
	}
	b.session.Forget(fileID)
	b.emit(protocol.FileDeleted, protocol.FileDeletedPayload{FileID: fileID})
	return nil
}

// UpdateFileContent writes content into the tree and any open copy.
func (b *Bridge) UpdateFileContent(fileID, content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.session.UpdateContent(fileID, content); err != nil {
		return err
	}
	b.emit(protocol.FileUpdated, protocol.FileUpdatedPayload{FileID: fileID, NewContent: content})
	return nil
}

// EditFile changes the active copy of fileID, as an editor does while
// typing. Peers see the text immediately; the local tree on the next flush.
// Editing any other file fails with session.ErrNotActive.
func (b *Bridge) EditFile(fileID, content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.session.Edit(fileID, content); err != nil {
		return err
	}
	b.emit(protocol.FileUpdated, protocol.FileUpdatedPayload{FileID: fileID, NewContent: content})
	return nil
}

// OpenFile makes fileID the active file. Not replicated.
func (b *Bridge) OpenFile(fileID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session.OpenFile(fileID)
}

// CloseFile closes fileID. Not replicated.
func (b *Bridge) CloseFile(fileID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session.CloseFile(fileID)
}

// ToggleDirectory flips the expansion flag of dirID. Not replicated.
func (b *Bridge) ToggleDirectory(dirID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tree.ToggleDirectory(dirID)
}

// CollapseAll closes every directory. Not replicated.
func (b *Bridge) CollapseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tree.CollapseAll()
}

// ─── Presence and chat ──────────────────────────────────────────────────────

// Join asks the relay to enter roomID as username.
func (b *Bridge) Join(roomID, username string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.out == nil {
		return fmt.Errorf("join %s: no transport", roomID)
	}
	b.self.RoomID = roomID
	b.self.Username = username
	return b.out.Emit(protocol.JoinRequest, protocol.JoinRequestPayload{RoomID: roomID, Username: username})
}

// SetStatus announces this peer as online or offline.
func (b *Bridge) SetStatus(online bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.joined {
		return ErrNotJoined
	}
	event, status := protocol.UserOffline, models.StatusOffline
	if online {
		event, status = protocol.UserOnline, models.StatusOnline
	}
	b.self.Status = status
	b.setStatus(b.self.SocketID, status)
	b.emit(event, protocol.SocketPayload{SocketID: b.self.SocketID})
	return nil
}

// SetTyping announces typing activity at cursor.
func (b *Bridge) SetTyping(typing bool, cursor int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.joined {
		return ErrNotJoined
	}
	if typing {
		b.emit(protocol.TypingStart, protocol.TypingPayload{CursorPosition: cursor})
	} else {
		b.emit(protocol.TypingPause, nil)
	}
	return nil
}

// SendMessage posts a chat line to the room.
func (b *Bridge) SendMessage(text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.joined {
		return ErrNotJoined
	}
	msg := protocol.Message{
		ID:        tree.NewID(),
		Username:  b.self.Username,
		Message:   text,
		Timestamp: time.Now().Unix(),
	}
	b.messages = append(b.messages, msg)
	b.emit(protocol.SendMessage, protocol.MessagePayload{Message: msg})
	return nil
}

// ─── Read API ───────────────────────────────────────────────────────────────

// Tree returns the current tree. The result is read-only.
func (b *Bridge) Tree() *models.Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tree.Snapshot()
}

// Get returns the subtree at id. The result is read-only.
func (b *Bridge) Get(id string) (*models.Node, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tree.Get(id)
}

// Resolve maps a root-relative path to a node id. The empty path is the
// root.
func (b *Bridge) Resolve(path string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if path == "" || path == "/" {
		return b.tree.RootID(), true
	}
	n, ok := tree.Flatten(b.tree.Snapshot())[path]
	if !ok {
		return "", false
	}
	return n.ID, true
}

// Path returns the root-relative path of id.
func (b *Bridge) Path(id string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tree.Path(id)
}

// OpenFiles returns copies of the open files.
func (b *Bridge) OpenFiles() []*models.Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session.OpenFiles()
}

// ActiveFile returns a copy of the active file, or nil.
func (b *Bridge) ActiveFile() *models.Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session.Active()
}

// Export flattens the tree for archiving, flushing the active file first.
func (b *Bridge) Export() []archive.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.session.Flush(); err != nil {
		b.log.Warn("flush before export failed", zap.Error(err))
	}
	return archive.Export(b.tree.Snapshot())
}

// Self returns this peer's membership record.
func (b *Bridge) Self() models.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.self
}

// Users returns the room members known to this peer.
func (b *Bridge) Users() []models.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.User(nil), b.users...)
}

// Synced reports whether the peer has joined and holds the room's tree.
func (b *Bridge) Synced() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joined && !b.awaiting
}

// Messages returns the chat history seen by this peer.
func (b *Bridge) Messages() []protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.Message(nil), b.messages...)
}

// EmitFailures returns how many local changes failed to reach the relay.
func (b *Bridge) EmitFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Disconnected forgets room state after the transport dropped. The tree
// and open files are kept.
func (b *Bridge) Disconnected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joined = false
	b.awaiting = false
	b.users = nil
	b.self.SocketID = ""
}

func (b *Bridge) upsertUser(u models.User) {
	for i := range b.users {
		if b.users[i].SocketID == u.SocketID {
			b.users[i] = u
			return
		}
	}
	b.users = append(b.users, u)
}

func (b *Bridge) removeUser(socketID string) {
	for i := range b.users {
		if b.users[i].SocketID == socketID {
			b.users = append(b.users[:i], b.users[i+1:]...)
			return
		}
	}
}

func (b *Bridge) setStatus(socketID string, status models.Status) {
	for i := range b.users {
		if b.users[i].SocketID == socketID {
			b.users[i].Status = status
		}
	}
}
