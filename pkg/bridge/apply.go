package bridge

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/protocol"
	"github.com/fruitsalade/treesync/pkg/tree"
)

// Apply performs an event received from the relay. The mutation is never
// emitted again. Deletes of nodes already gone and inserts of nodes already
// present succeed silently, so replaying an event is harmless.
func (b *Bridge) Apply(env protocol.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch env.Event {
	case protocol.JoinAccepted:
		var p protocol.JoinAcceptedPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		b.joinAccepted(p)

	case protocol.UsernameExists:
		return ErrUsernameTaken

	case protocol.UserJoined:
		var p protocol.UserPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		b.upsertUser(p.User)
		if b.joined && !b.awaiting {
			b.sendSnapshot(p.User.SocketID)
		}

	case protocol.UserDisconnected:
		var p protocol.UserPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		b.removeUser(p.User.SocketID)
		if b.awaiting && len(b.users) <= 1 {
			b.log.Info("room emptied before snapshot arrived; keeping local tree")
			b.awaiting = false
		}

	case protocol.UserOnline, protocol.UserOffline:
		var p protocol.SocketPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		status := models.StatusOnline
		if env.Event == protocol.UserOffline {
			status = models.StatusOffline
		}
		b.setStatus(p.SocketID, status)

	case protocol.TypingStart, protocol.TypingPause:
		var p protocol.UserPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		b.upsertUser(p.User)

	case protocol.SyncFileStructure:
		var p protocol.SyncPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		return b.applySnapshot(p)

	case protocol.DirectoryCreated:
		var p protocol.DirectoryCreatedPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		_, err := b.tree.InsertDirectory(p.ParentDirID, p.NewDirectory)
		return b.ignoreReplay(env.Event, err)

	case protocol.FileCreated:
		var p protocol.FileCreatedPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		_, err := b.tree.InsertFile(p.ParentDirID, p.NewFile)
		return b.ignoreReplay(env.Event, err)

	case protocol.DirectoryUpdated:
		var p protocol.DirectoryUpdatedPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if err := b.session.Flush(); err != nil {
			return fmt.Errorf("%s: %w", env.Event, err)
		}
		if err := b.tree.UpdateDirectory(p.DirID, p.Children); err != nil {
			return fmt.Errorf("%s: %w", env.Event, err)
		}
		b.session.Clear()

	case protocol.DirectoryRenamed:
		var p protocol.DirectoryRenamedPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if err := b.tree.RenameDirectory(p.DirID, p.NewDirName); err != nil {
			return fmt.Errorf("%s: %w", env.Event, err)
		}

	case protocol.DirectoryDeleted:
		var p protocol.DirectoryDeletedPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		return b.ignoreReplay(env.Event, b.deleteDirectory(p.DirID))

	case protocol.FileUpdated:
		var p protocol.FileUpdatedPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if err := b.session.UpdateContent(p.FileID, p.NewContent); err != nil {
			return fmt.Errorf("%s: %w", env.Event, err)
		}

	case protocol.FileRenamed:
		var p protocol.FileRenamedPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if err := b.tree.RenameFile(p.FileID, p.NewName); err != nil {
			return fmt.Errorf("%s: %w", env.Event, err)
		}
		b.session.SyncName(p.FileID)

	case protocol.FileDeleted:
		var p protocol.FileDeletedPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		err := b.tree.DeleteFile(p.FileID)
		if err == nil {
			b.session.Forget(p.FileID)
		}
		return b.ignoreReplay(env.Event, err)

	case protocol.ReceiveMessage:
		var p protocol.MessagePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		b.messages = append(b.messages, p.Message)

	default:
		b.log.Debug("ignoring event", zap.String("event", env.Event))
	}
	return nil
}

func (b *Bridge) joinAccepted(p protocol.JoinAcceptedPayload) {
	b.self = p.User
	b.users = append([]models.User(nil), p.Users...)
	b.joined = true
	b.awaiting = false
	for _, u := range p.Users {
		if u.SocketID != p.User.SocketID {
			b.awaiting = true
			break
		}
	}
	b.log.Info("joined room",
		zap.String("room", p.User.RoomID),
		zap.String("socket", p.User.SocketID),
		zap.Int("members", len(p.Users)),
		zap.Bool("awaitingSnapshot", b.awaiting),
	)
}

// sendSnapshot offers the current tree and open files to a newcomer.
func (b *Bridge) sendSnapshot(socketID string) {
	b.emit(protocol.SyncFileStructure, protocol.SyncPayload{
		FileStructure: b.tree.Snapshot(),
		OpenFiles:     b.session.OpenFiles(),
		ActiveFile:    b.session.Active(),
		SocketID:      socketID,
	})
}

// applySnapshot adopts the first snapshot received after joining. Later
// ones are ignored: every synced member answers a join, and only one of
// them may win.
func (b *Bridge) applySnapshot(p protocol.SyncPayload) error {
	if !b.awaiting {
		b.log.Debug("ignoring snapshot", zap.Bool("joined", b.joined))
		return nil
	}
	if p.FileStructure == nil {
		return fmt.Errorf("%s: missing file structure", protocol.SyncFileStructure)
	}
	if err := b.tree.Replace(p.FileStructure); err != nil {
		return fmt.Errorf("%s: %w", protocol.SyncFileStructure, err)
	}
	b.session.Restore(p.OpenFiles, p.ActiveFile)
	b.awaiting = false
	b.log.Info("tree synced", zap.Int("nodes", b.tree.Len()))
	return nil
}

func (b *Bridge) ignoreReplay(event string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tree.ErrDuplicateID):
		b.log.Debug("duplicate insert ignored", zap.String("event", event))
		return nil
	case errors.Is(err, tree.ErrNotFound) && (event == protocol.DirectoryDeleted || event == protocol.FileDeleted):
		b.log.Debug("delete of missing node ignored", zap.String("event", event))
		return nil
	}
	return fmt.Errorf("%s: %w", event, err)
}
