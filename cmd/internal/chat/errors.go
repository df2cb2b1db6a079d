package chat

import (
	"errors"
	"fmt"
)

// Sentinel errors form the broker's failure taxonomy. All failures are
// returned to the originating call; none crash the connection.
var (
	// ErrRoomNotFound is returned for attach/submit against a nonexistent room.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomClosed is returned for a message submitted after the close
	// transition committed. Clients are expected to stop composition.
	ErrRoomClosed = errors.New("room closed")

	// ErrPermissionDenied is returned for a close attempt by a
	// non-administrative actor. No state change occurs.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidMessage is returned when a post carries neither body text nor
	// attachment references. No persistence is attempted.
	ErrInvalidMessage = errors.New("invalid message")
)

// StorageError wraps a MessageStore failure. Durability precedes fanout, so a
// message that failed to persist is never delivered to attached clients.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: storage failure: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageFailure reports whether err is (or wraps) a StorageError.
func IsStorageFailure(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
