package chat

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewSessionID returns a random UUID used as a websocket session id.
func NewSessionID() string {
	return uuid.NewString()
}

// NewServerMsgID returns a ULID used as the server-assigned message id.
// ULIDs sort lexicographically by time, which keeps ids useful in logs.
func NewServerMsgID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return ulid.Make().String()
	}
	return id.String()
}

// NewEnvelopeID returns a ULID used as an outbound envelope id.
func NewEnvelopeID(now time.Time) string {
	return NewServerMsgID(now)
}

// NewRoomID returns a ULID used as a room id when the creator does not
// supply one.
func NewRoomID(now time.Time) string {
	return NewServerMsgID(now)
}
