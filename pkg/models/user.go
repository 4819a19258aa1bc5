package models

// Status is a member's presence state inside a room.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// User is the relay's membership record for one connection.
type User struct {
	SocketID       string `json:"socketId"`
	Username       string `json:"username"`
	RoomID         string `json:"roomId"`
	Status         Status `json:"status"`
	CursorPosition int    `json:"cursorPosition"`
	Typing         bool   `json:"typing"`
	CurrentFile    string `json:"currentFile,omitempty"`
}
