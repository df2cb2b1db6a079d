package chat

import (
	"context"
	"time"
)

// StoredMessage is the canonical persisted message representation. Messages
// are immutable once persisted; within a room, Seq is strictly increasing and
// defines the total delivery order.
type StoredMessage struct {
	RoomID      string
	UserID      string
	Content     string
	FileURLs    []string
	Seq         int64
	ServerMsgID string
	ServerTS    time.Time
}

// CreateRoomInput describes a room-creation request.
type CreateRoomInput struct {
	ID          string // optional; the store assigns one when empty
	Title       string
	Description string
	CreatedBy   string
	Now         time.Time
}

// InsertMessageInput describes a message append request. The broker calls
// InsertMessage while holding the room's exclusive section, so the store's
// sequence allocation observes posts in acceptance order.
type InsertMessageInput struct {
	RoomID   string
	UserID   string
	Content  string
	FileURLs []string
	Now      time.Time
}

// FetchHistoryInput describes a history query request.
type FetchHistoryInput struct {
	RoomID   string
	AfterSeq *int64
	Limit    int
}

// FetchHistoryResult contains the retrieved history window.
type FetchHistoryResult struct {
	Messages []StoredMessage
	HasMore  bool
}

// MessageStore is the durable persistence collaborator. The broker consults
// it; it is not reimplemented here beyond the bundled backends.
//
// Requirements:
//   - Monotonic, gapless seq per room under InsertMessage
//   - InsertParticipant is idempotent: a duplicate add reports created=false
//     ("already a participant"), never an error
//   - History query ordered by seq ASC
type MessageStore interface {
	CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error)
	// GetRoom returns ErrRoomNotFound (wrapped) for an unknown id.
	GetRoom(ctx context.Context, roomID string) (Room, error)
	UpdateRoomStatus(ctx context.Context, roomID string, status RoomStatus) error

	InsertMessage(ctx context.Context, in InsertMessageInput) (StoredMessage, error)
	InsertParticipant(ctx context.Context, roomID, userID string) (created bool, err error)

	FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error)
	// CountAfter returns the number of messages in roomID with seq > afterSeq.
	// Unread counts derive from it and the user's last-read marker.
	CountAfter(ctx context.Context, roomID string, afterSeq int64) (int64, error)

	Close() error
}

// ReadMarkerStore persists last-read markers. Implementations must apply the
// compare-and-set-if-greater rule at the storage layer as well, as a fallback
// to the in-memory ReadTracker.
type ReadMarkerStore interface {
	// UpsertLastRead merges seq into the stored marker and returns the
	// effective stored value. A regressive write leaves the marker untouched.
	UpsertLastRead(ctx context.Context, userID, roomID string, seq int64) (int64, error)
	// GetLastRead returns the stored marker; ok is false when none exists.
	GetLastRead(ctx context.Context, userID, roomID string) (seq int64, ok bool, err error)
}
