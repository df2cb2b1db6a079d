package chat

import (
	"context"
	"log/slog"

	"haven/cmd/internal/auth"
)

// RoomLifecycle governs the one-way open -> closed transition.
//
// The transition is observed atomically by the broker's accept path: the
// status check, the durable status write and the in-memory flip all happen
// under the same per-room exclusive section that serializes message
// acceptance, so no message is assigned a sequence number after the close
// transition commits.
type RoomLifecycle struct {
	log   *slog.Logger
	store MessageStore
}

// NewRoomLifecycle constructs a lifecycle bound to the durable store.
func NewRoomLifecycle(log *slog.Logger, store MessageStore) *RoomLifecycle {
	return &RoomLifecycle{log: log, store: store}
}

// Close transitions the room to closed. It succeeds only when the current
// state is open and the actor holds the administrative role. The in-memory
// status flips only after the durable write commits; a storage failure leaves
// the room open.
func (l *RoomLifecycle) Close(ctx context.Context, entry *roomEntry, actor auth.Identity) error {
	if !actor.Role.Administrative() {
		return ErrPermissionDenied
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.status == StatusClosed {
		return ErrRoomClosed
	}

	if err := l.store.UpdateRoomStatus(ctx, entry.id, StatusClosed); err != nil {
		return &StorageError{Op: "lifecycle.close", Err: err}
	}
	entry.status = StatusClosed

	roomsClosed.Inc()
	l.log.Info("lifecycle.room.close", "room_id", entry.id, "actor", actor.UserID)
	return nil
}
