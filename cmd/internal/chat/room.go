package chat

import "time"

// RoomStatus is the lifecycle state of a room.
type RoomStatus string

const (
	// StatusOpen accepts new messages.
	StatusOpen RoomStatus = "open"
	// StatusClosed is terminal; closed rooms reject new messages and are
	// never reopened. Rooms are never deleted here (archival is out of scope).
	StatusClosed RoomStatus = "closed"
)

// Room is the durable room record, owned by the MessageStore. Status is
// mutated only through the lifecycle's close transition.
type Room struct {
	ID          string
	Title       string
	Description string
	Status      RoomStatus
	CreatedBy   string
	CreatedAt   time.Time
}

// Attachment carries metadata for externally stored bytes. The core only
// ever handles references, never raw content.
type Attachment struct {
	Ref  string
	Size int64
	Ext  string
}
