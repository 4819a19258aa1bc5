// Package protocol defines the room-scoped events exchanged between peers
// and the relay.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fruitsalade/treesync/pkg/models"
)

// Event names.
const (
	JoinRequest      = "JOIN_REQUEST"
	JoinAccepted     = "JOIN_ACCEPTED"
	UsernameExists   = "USERNAME_EXISTS"
	UserJoined       = "USER_JOINED"
	UserDisconnected = "USER_DISCONNECTED"
	UserOnline       = "USER_ONLINE"
	UserOffline      = "USER_OFFLINE"
	TypingStart      = "TYPING_START"
	TypingPause      = "TYPING_PAUSE"

	SyncFileStructure = "SYNC_FILE_STRUCTURE"

	DirectoryCreated = "DIRECTORY_CREATED"
	DirectoryUpdated = "DIRECTORY_UPDATED"
	DirectoryRenamed = "DIRECTORY_RENAMED"
	DirectoryDeleted = "DIRECTORY_DELETED"

	FileCreated = "FILE_CREATED"
	FileUpdated = "FILE_UPDATED"
	FileRenamed = "FILE_RENAMED"
	FileDeleted = "FILE_DELETED"

	SendMessage    = "SEND_MESSAGE"
	ReceiveMessage = "RECEIVE_MESSAGE"
)

// Envelope is one event on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes payload under event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("decode %s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Event, err)
	}
	return nil
}

// JoinRequestPayload asks the relay to enter a room.
type JoinRequestPayload struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

// JoinAcceptedPayload answers a successful join.
type JoinAcceptedPayload struct {
	User  models.User   `json:"user"`
	Users []models.User `json:"users"`
}

// UserPayload carries one membership record.
type UserPayload struct {
	User models.User `json:"user"`
}

// SocketPayload names a connection, used by the status toggles.
type SocketPayload struct {
	SocketID string `json:"socketId"`
}

// TypingPayload carries the cursor position for TYPING_START.
type TypingPayload struct {
	CursorPosition int `json:"cursorPosition"`
}

// SyncPayload is a full snapshot. SocketID targets a single peer.
type SyncPayload struct {
	FileStructure *models.Node   `json:"fileStructure"`
	OpenFiles     []*models.Node `json:"openFiles"`
	ActiveFile    *models.Node   `json:"activeFile"`
	SocketID      string         `json:"socketId,omitempty"`
}

type DirectoryCreatedPayload struct {
	ParentDirID  string       `json:"parentDirId"`
	NewDirectory *models.Node `json:"newDirectory"`
}

type DirectoryUpdatedPayload struct {
	DirID    string         `json:"dirId"`
	Children []*models.Node `json:"children"`
}

type DirectoryRenamedPayload struct {
	DirID      string `json:"dirId"`
	NewDirName string `json:"newDirName"`
}

type DirectoryDeletedPayload struct {
	DirID string `json:"dirId"`
}

type FileCreatedPayload struct {
	ParentDirID string       `json:"parentDirId"`
	NewFile     *models.Node `json:"newFile"`
}

type FileUpdatedPayload struct {
	FileID     string `json:"fileId"`
	NewContent string `json:"newContent"`
}

type FileRenamedPayload struct {
	FileID  string `json:"fileId"`
	NewName string `json:"newName"`
}

type FileDeletedPayload struct {
	FileID string `json:"fileId"`
}

// Message is a chat line. It is routed like any other event.
type Message struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type MessagePayload struct {
	Message Message `json:"message"`
}
